package election

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeCampaignBecomesPrimaryAndNotifies(t *testing.T) {
	f := NewFake("master-1:9000")
	assert.False(t, f.IsPrimary())

	require.NoError(t, f.Campaign())
	assert.True(t, f.IsPrimary())

	addr, ok := f.PrimaryAddress()
	require.True(t, ok)
	assert.Equal(t, "master-1:9000", addr)

	select {
	case got := <-f.Notify():
		assert.Equal(t, "master-1:9000", got)
	default:
		t.Fatal("expected a notification after Campaign")
	}
}

func TestFakeResignClearsPrimaryButKeepsAddress(t *testing.T) {
	f := NewFake("master-1:9000")
	require.NoError(t, f.Campaign())
	require.NoError(t, f.Resign())
	assert.False(t, f.IsPrimary())

	addr, ok := f.PrimaryAddress()
	require.True(t, ok)
	assert.Equal(t, "master-1:9000", addr)
}

package storagedb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T) *BoltManager {
	t.Helper()
	dir := t.TempDir()
	m, err := NewBoltManager(dir)
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestStoreObjectThenLockMakesItVisible(t *testing.T) {
	m := newTestManager(t)

	conflict, err := m.StoreObject(1, 100, 0, Revision{Checksum: 42, Data: []byte("hello")})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), conflict)

	_, err = m.Get(100, nil)
	assert.ErrorIs(t, err, ErrNotFound, "must not be visible before LockObjects")

	require.NoError(t, m.LockObjects(1))

	rev, err := m.Get(100, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), rev.Serial)
	assert.Equal(t, []byte("hello"), rev.Data)
}

func TestStoreObjectDetectsConflict(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StoreObject(1, 100, 0, Revision{Data: []byte("v1")})
	require.NoError(t, err)
	require.NoError(t, m.LockObjects(1))
	require.NoError(t, m.Unlock(1, true))

	// tid 2 builds on serial 0 (stale) while latest is now serial 1.
	conflict, err := m.StoreObject(2, 100, 0, Revision{Data: []byte("v2")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), conflict)

	// tid 3 builds on the correct base and succeeds.
	conflict, err = m.StoreObject(3, 100, 1, Revision{Data: []byte("v3")})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), conflict)
}

func TestUnlockAbortDiscardsTentativeWrites(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StoreObject(1, 200, 0, Revision{Data: []byte("tentative")})
	require.NoError(t, err)
	require.NoError(t, m.Unlock(1, false))

	require.NoError(t, m.LockObjects(1)) // no-op, nothing left pending for tid 1

	_, err = m.Get(200, nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestGetBeforeReturnsPriorRevisionAndEndSerial(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StoreObject(1, 300, 0, Revision{Data: []byte("v1")})
	require.NoError(t, err)
	require.NoError(t, m.LockObjects(1))

	_, err = m.StoreObject(2, 300, 1, Revision{Data: []byte("v2")})
	require.NoError(t, err)
	require.NoError(t, m.LockObjects(2))

	rev, end, err := m.GetBefore(300, 2)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), rev.Data)
	require.NotNil(t, end)
	assert.Equal(t, uint64(2), *end)

	_, _, err = m.GetBefore(300, 1)
	assert.ErrorIs(t, err, ErrNotFound, "no revision exists strictly before serial 1")
}

func TestHistoryReturnsMostRecentFirst(t *testing.T) {
	m := newTestManager(t)

	for i, data := range [][]byte{[]byte("v1"), []byte("v2"), []byte("v3")} {
		base := uint64(0)
		if i > 0 {
			base = uint64(i)
		}
		tid := uint64(i + 1)
		_, err := m.StoreObject(tid, 400, base, Revision{Data: data})
		require.NoError(t, err)
		require.NoError(t, m.LockObjects(tid))
	}

	serials, err := m.History(400, 0)
	require.NoError(t, err)
	require.Len(t, serials, 3)
	assert.Equal(t, []uint64{3, 2, 1}, serials)

	limited, err := m.History(400, 2)
	require.NoError(t, err)
	assert.Equal(t, []uint64{3, 2}, limited)
}

func TestTIDsAndTransactionInfoRoundTrip(t *testing.T) {
	m := newTestManager(t)

	require.NoError(t, m.StoreTransaction(TxInfo{TID: 1, User: "alice", Description: "first", OIDs: []uint64{1, 2}}))
	require.NoError(t, m.StoreTransaction(TxInfo{TID: 2, User: "bob", Description: "second", OIDs: []uint64{3}}))

	tids, err := m.TIDs(0, 10)
	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, tids)

	info, err := m.TransactionInfo(2)
	require.NoError(t, err)
	assert.Equal(t, "bob", info.User)
	assert.Equal(t, "second", info.Description)
	assert.Equal(t, []uint64{3}, info.OIDs)

	_, err = m.TransactionInfo(99)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteObjectAfterUndoOfCreationRaisesNotFound(t *testing.T) {
	m := newTestManager(t)

	_, err := m.StoreObject(1, 500, 0, Revision{Data: []byte("created")})
	require.NoError(t, err)
	require.NoError(t, m.LockObjects(1))

	require.NoError(t, m.DeleteObject(500))

	_, err = m.Get(500, nil)
	assert.ErrorIs(t, err, ErrNotFound)

	_, _, err = m.GetBefore(500, 100)
	assert.ErrorIs(t, err, ErrNotFound)
}

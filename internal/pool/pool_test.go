package pool

import (
	"net"
	"sync"
	"testing"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipeDialer hands out net.Pipe() pairs instead of real TCP sockets, and
// drains the peer side so the Connection under test never blocks on writes.
type pipeDialer struct {
	mu    sync.Mutex
	peers []net.Conn
}

func (d *pipeDialer) Dial(addr string) (net.Conn, error) {
	a, b := net.Pipe()
	d.mu.Lock()
	d.peers = append(d.peers, b)
	d.mu.Unlock()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	return a, nil
}

func (d *pipeDialer) closeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, p := range d.peers {
		p.Close()
	}
}

func testNode(addr string) *cluster.Node {
	return &cluster.Node{UUID: cluster.NewUUID(), Role: cluster.RoleStorage, Address: addr, State: cluster.StateRunning}
}

func TestGetForNodeDialsOnceAndReusesConnection(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.closeAll()
	inbound := make(chan netpoll.Inbound, 16)
	p := New(Config{MaxSize: 4, Dialer: dialer, Inbound: inbound})

	node := testNode("storage-1:4000")
	c1, err := p.GetForNode(node)
	require.NoError(t, err)
	require.NotNil(t, c1)

	c2, err := p.GetForNode(node)
	require.NoError(t, err)
	assert.Same(t, c1, c2)
	assert.Equal(t, 1, len(dialer.peers))
}

func TestGetForNodeSkipsDownOrAddresslessNodes(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.closeAll()
	inbound := make(chan netpoll.Inbound, 16)
	p := New(Config{MaxSize: 4, Dialer: dialer, Inbound: inbound})

	down := &cluster.Node{UUID: cluster.NewUUID(), Role: cluster.RoleStorage, Address: "x:1", State: cluster.StateDown}
	conn, err := p.GetForNode(down)
	require.NoError(t, err)
	assert.Nil(t, conn)

	noAddr := &cluster.Node{UUID: cluster.NewUUID(), Role: cluster.RoleStorage, State: cluster.StateRunning}
	conn, err = p.GetForNode(noAddr)
	require.NoError(t, err)
	assert.Nil(t, conn)
}

func TestIdentifierFailureIsNotCached(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.closeAll()
	inbound := make(chan netpoll.Inbound, 16)
	calls := 0
	p := New(Config{
		MaxSize: 4,
		Dialer:  dialer,
		Inbound: inbound,
		Identifier: func(c *netpoll.Connection) error {
			calls++
			return assertErr{}
		},
	})

	node := testNode("storage-2:4000")
	conn, err := p.GetForNode(node)
	assert.Error(t, err)
	assert.Nil(t, conn)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, p.Len())
}

type assertErr struct{}

func (assertErr) Error() string { return "identification rejected" }

func TestRemoveDropsEntry(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.closeAll()
	inbound := make(chan netpoll.Inbound, 16)
	p := New(Config{MaxSize: 4, Dialer: dialer, Inbound: inbound})

	node := testNode("storage-3:4000")
	_, err := p.GetForNode(node)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Len())

	p.Remove(node.UUID)
	assert.Equal(t, 0, p.Len())
	assert.False(t, p.IsConnected(node.UUID))
}

func TestEvictsOnlyIdleConnectionsOverCapacity(t *testing.T) {
	dialer := &pipeDialer{}
	defer dialer.closeAll()
	inbound := make(chan netpoll.Inbound, 16)
	p := New(Config{MaxSize: 1, Dialer: dialer, Inbound: inbound})

	first := testNode("storage-a:4000")
	c1, err := p.GetForNode(first)
	require.NoError(t, err)

	c1.AddWaiter() // mark busy so it survives the next eviction sweep
	second := testNode("storage-b:4000")
	_, err = p.GetForNode(second)
	require.NoError(t, err)

	// first is busy, so eviction should have left both in place even though
	// maxSize is 1.
	assert.True(t, p.IsConnected(first.UUID))
	assert.True(t, p.IsConnected(second.UUID))

	c1.RemoveWaiter()
}

package dispatch

import (
	"net"
	"testing"

	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pipeConn(t *testing.T, id uint64, inbound chan netpoll.Inbound) *netpoll.Connection {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	go func() {
		// Drain the peer side so writes from the Connection under test
		// don't block the pipe.
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()
	return netpoll.NewConnection(id, netpoll.RolePeerStorage, a, inbound)
}

func TestDispatcherDeliversMatchedReply(t *testing.T) {
	inbound := make(chan netpoll.Inbound, 4)
	conn := pipeConn(t, 1, inbound)
	d := NewDispatcher()

	queue := make(chan Reply, 4)
	d.Register(conn, 42, queue)

	matched := d.Deliver(netpoll.Inbound{Conn: conn, Packet: &wire.Packet{MsgID: 42, Code: wire.CAnswerBeginTransaction}})
	require.True(t, matched)

	r := <-queue
	assert.Equal(t, uint32(42), r.Packet.MsgID)
}

func TestDispatcherUnmatchedReportsFalse(t *testing.T) {
	inbound := make(chan netpoll.Inbound, 4)
	conn := pipeConn(t, 2, inbound)
	d := NewDispatcher()

	matched := d.Deliver(netpoll.Inbound{Conn: conn, Packet: &wire.Packet{MsgID: 7}})
	assert.False(t, matched)
}

func TestForgetThenLateAnswerIsForgotten(t *testing.T) {
	inbound := make(chan netpoll.Inbound, 4)
	conn := pipeConn(t, 3, inbound)
	d := NewDispatcher()

	queue := make(chan Reply, 4)
	d.Register(conn, 5, queue)
	d.Forget(conn, 5)

	matched := d.Deliver(netpoll.Inbound{Conn: conn, Packet: &wire.Packet{MsgID: 5}})
	assert.True(t, matched, "a forgotten msg-id is still claimed, just not delivered to anyone")
	assert.Len(t, queue, 0)
}

func TestCloseDeliversClosedToAllWaitersOnThatConnection(t *testing.T) {
	inbound := make(chan netpoll.Inbound, 4)
	conn := pipeConn(t, 4, inbound)
	d := NewDispatcher()

	queue := make(chan Reply, 4)
	d.Register(conn, 1, queue)
	d.Register(conn, 2, queue)

	d.Deliver(netpoll.Inbound{Conn: conn, Packet: nil})

	r1 := <-queue
	r2 := <-queue
	assert.True(t, r1.Closed)
	assert.True(t, r2.Closed)
}

func TestWaitForSkipsUnrelatedReplies(t *testing.T) {
	inbound := make(chan netpoll.Inbound, 4)
	conn := pipeConn(t, 5, inbound)
	d := NewDispatcher()
	queue := make(chan Reply, 4)
	d.Register(conn, 1, queue)
	d.Register(conn, 2, queue)

	d.Deliver(netpoll.Inbound{Conn: conn, Packet: &wire.Packet{MsgID: 1, Code: wire.CAnswerStoreObject}})
	d.Deliver(netpoll.Inbound{Conn: conn, Packet: &wire.Packet{MsgID: 2, Code: wire.CAnswerStoreObject}})

	var others []Reply
	pkt, err := WaitFor(queue, func(r Reply) { others = append(others, r) }, conn, 2)
	require.NoError(t, err)
	assert.Equal(t, uint32(2), pkt.MsgID)
	require.Len(t, others, 1)
	assert.Equal(t, uint32(1), others[0].Packet.MsgID)
}

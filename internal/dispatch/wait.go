package dispatch

import (
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
)

// UnsolicitedHandler processes a reply that was not the one a WaitFor call
// is blocking for: an answer to a different outstanding request sharing
// the same queue, or a close sentinel for a different connection.
// Forgotten replies are skipped by WaitFor and never reach the handler.
// Dispatched by peer role per §4.3 ("the handler inferred from the
// connection's peer node type").
type UnsolicitedHandler func(r Reply)

// WaitFor blocks until the reply for (conn, msgID) arrives on queue,
// routing any other packet it observes along the way to onOther first.
// Neither WaitFor nor WaitAny is reentrant on the same queue (§4.3).
func WaitFor(queue chan Reply, onOther UnsolicitedHandler, conn *netpoll.Connection, msgID uint32) (*wire.Packet, error) {
	for r := range queue {
		if r.Forgotten {
			continue
		}
		if r.Conn == conn && ((r.Packet != nil && r.Packet.MsgID == msgID) || r.Closed) {
			if r.Closed {
				return nil, neoerr.New(neoerr.KindConnectionClosed, "connection closed while waiting for reply")
			}
			return r.Packet, nil
		}
		if onOther != nil {
			onOther(r)
		}
	}
	return nil, neoerr.New(neoerr.KindConnectionClosed, "wait queue closed")
}

// WaitAny drains every reply currently queued (plus one blocking receive
// when block is true) and dispatches each through onReady. Used by
// store()'s best-effort drain of fast-arriving conflict answers (§4.4) and
// by abort's best-effort reply drain.
func WaitAny(queue chan Reply, block bool, onReady UnsolicitedHandler) {
	if block {
		onReady(<-queue)
	}
	for {
		select {
		case r := <-queue:
			onReady(r)
		default:
			return
		}
	}
}

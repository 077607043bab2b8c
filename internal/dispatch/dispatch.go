// Package dispatch routes answer packets back to the worker thread that
// is blocked waiting for them (spec §4.3). It is the only place that knows
// about the (connection, msg-id) -> waiter mapping; everything else just
// calls WaitFor/WaitAny.
//
// A "queue" in this package is any chan Reply the caller owns; one queue
// is typically shared by every request a single transaction context or
// worker thread has outstanding at once (mirroring the source's one
// queue per thread), so WaitFor must be able to tell a targeted reply
// apart from an unrelated one arriving on the same queue.
package dispatch

import (
	"sync"

	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
)

// Reply is what a waiter receives on its queue: either a packet (tagged
// with the connection it arrived on), a sentinel marking that connection
// closed, or a sentinel marking a forgotten request whose answer arrived
// anyway (§4.3). Modeled as a sum instead of in-band nil/sentinel values
// per the design notes (§9).
type Reply struct {
	Conn      *netpoll.Connection
	Packet    *wire.Packet
	Closed    bool
	Forgotten bool
}

type key struct {
	connID uint64
	msgID  uint32
}

// Dispatcher owns the waiter registry. One Dispatcher instance is shared by
// the whole process; the Poller calls Deliver for every inbound packet.
type Dispatcher struct {
	mu      sync.Mutex
	waiters map[key]chan Reply
	// forgotten remembers msg-ids that were actively cancelled via Forget so
	// a late-arriving answer is claimed (and dropped) by Deliver instead of
	// falling through to the handler table.
	forgotten map[key]bool
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		waiters:   make(map[key]chan Reply),
		forgotten: make(map[key]bool),
	}
}

// Register associates (conn, msgID) with queue, before the request is sent
// on the wire, per §4.3 ("The caller registers an entry before sending").
// queue is typically shared across many concurrently outstanding requests.
func (d *Dispatcher) Register(conn *netpoll.Connection, msgID uint32, queue chan Reply) {
	d.mu.Lock()
	d.waiters[key{conn.ID, msgID}] = queue
	d.mu.Unlock()
	conn.AddWaiter()
}

// Forget cancels a waiter without closing the connection (used by store's
// timeout handling, §4.4). A subsequent late answer is claimed by Deliver
// and dropped; nothing is sent to the queue for it.
func (d *Dispatcher) Forget(conn *netpoll.Connection, msgID uint32) {
	k := key{conn.ID, msgID}
	d.mu.Lock()
	delete(d.waiters, k)
	d.forgotten[k] = true
	d.mu.Unlock()
	conn.RemoveWaiter()
}

// Deliver is called by the Poller for every inbound packet (in.Packet !=
// nil) or close event (in.Packet == nil). It looks up the waiter for the
// packet's msg-id and enqueues the reply; it reports whether anyone was
// registered so the caller can fall back to the unsolicited-notification
// handler table otherwise.
func (d *Dispatcher) Deliver(in netpoll.Inbound) (matched bool) {
	if in.Packet == nil {
		d.closeAll(in.Conn)
		return true
	}
	k := key{in.Conn.ID, in.Packet.MsgID}
	d.mu.Lock()
	ch, ok := d.waiters[k]
	forgotten := d.forgotten[k]
	if ok {
		delete(d.waiters, k)
	}
	if forgotten {
		delete(d.forgotten, k)
	}
	d.mu.Unlock()
	if ok {
		in.Conn.RemoveWaiter()
		ch <- Reply{Conn: in.Conn, Packet: in.Packet}
		return true
	}
	if forgotten {
		return true
	}
	return false
}

func (d *Dispatcher) closeAll(conn *netpoll.Connection) {
	d.mu.Lock()
	var toClose []chan Reply
	for k, ch := range d.waiters {
		if k.connID == conn.ID {
			toClose = append(toClose, ch)
			delete(d.waiters, k)
		}
	}
	d.mu.Unlock()
	for _, ch := range toClose {
		ch <- Reply{Conn: conn, Closed: true}
	}
}

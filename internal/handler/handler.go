// Package handler implements the per-connection-role dispatch tables (§2
// "Handler tables"): once the dispatcher has first refusal on every inbound
// packet (it claims anything that answers an outstanding request), whatever
// is left -- requests addressed to this process and unsolicited
// notifications -- is routed here by opcode to a callback that mutates
// whatever context object its owner (master, storage or client) closed
// over when registering it.
package handler

import (
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
)

// Func processes one inbound packet that wasn't a registered waiter's
// answer. It receives the raw Inbound so it can tell connections apart
// (a storage handler serves many client connections from one table).
type Func func(in netpoll.Inbound)

// Table maps opcode -> handler, one instance per node role (master serving
// clients/storages, storage serving master/clients, client serving
// master/storage notifications).
type Table struct {
	fns map[wire.Code]Func
}

func NewTable() *Table {
	return &Table{fns: make(map[wire.Code]Func)}
}

// On registers fn for code. Re-registering a code replaces the handler,
// which test setup relies on to stub out individual opcodes.
func (t *Table) On(code wire.Code, fn Func) *Table {
	t.fns[code] = fn
	return t
}

// Dispatch looks up and runs the handler for in.Packet.Code, or logs and
// drops the packet if this role has nothing registered for it.
func (t *Table) Dispatch(in netpoll.Inbound) {
	if in.Packet == nil {
		return // connection-close sentinel; nothing for a handler table to do
	}
	fn, ok := t.fns[in.Packet.Code]
	if !ok {
		log.WithComponent("handler").Debug().
			Str("opcode", in.Packet.Code.Name()).
			Uint64("conn", in.Conn.ID).
			Msg("no handler registered for opcode")
		return
	}
	fn(in)
}

// Route builds the single netpoll.Handler a Poller drives: every inbound
// packet first offers itself to the Dispatcher (claiming replies to
// outstanding WaitFor calls); anything unclaimed falls through to table.
func Route(d *dispatch.Dispatcher, table *Table) netpoll.Handler {
	return func(in netpoll.Inbound) {
		if d.Deliver(in) {
			return
		}
		table.Dispatch(in)
	}
}

// Reply is a small helper for handlers that owe the peer an answer packet.
func Reply(conn *netpoll.Connection, msgID uint32, code wire.Code, body []byte) error {
	return conn.Send(&wire.Packet{MsgID: msgID, Code: code, Body: body})
}

// Notify is a small helper for handlers that send a fire-and-forget
// notification (no msg-id correlation expected back).
func Notify(conn *netpoll.Connection, code wire.Code, body []byte) error {
	return conn.Send(&wire.Packet{MsgID: conn.NextMsgID(), Code: code, Body: body})
}

// Package netpoll implements the connection and event-loop half of the
// control plane (spec §2, §5): non-blocking-feeling I/O built from a
// per-connection read/write goroutine pair that fan their traffic into a
// single ordered inbound stream, which is what lets one Poller (§4.3) own
// all dispatch decisions the way the spec's single poll thread does.
package netpoll

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/wire"
)

// Inbound is one packet paired with the connection it arrived on, the unit
// the Poller's single dispatch loop consumes.
type Inbound struct {
	Conn   *Connection
	Packet *wire.Packet // nil means the connection closed (dispatch §4.3 sentinel)
	Err    error
}

// Connection wraps one net.Conn with a buffered outbound queue (so callers
// never block on the socket) and idle-timeout bookkeeping. All reads are
// owned by one goroutine per connection; all decoding of the read stream
// happens there before handing the packet to the shared inbound channel,
// which is the only place ordering across connections is decided.
type Connection struct {
	ID      uint64
	Role    ConnRole
	conn    net.Conn
	out     chan *wire.Packet
	inbound chan<- Inbound

	nextMsgID uint32

	lastActivity atomic.Int64 // unix nanos
	waiters      atomic.Int32 // registered dispatch waiters (set by dispatch package)

	closeOnce sync.Once
	closed    chan struct{}
}

// ConnRole records which kind of peer is on the other end, so the
// dispatcher can route a reply to the right handler table (§4.3).
type ConnRole int

const (
	RoleUnknown ConnRole = iota
	RolePeerMaster
	RolePeerStorage
	RolePeerClient
)

const sendQueueDepth = 256

// NewConnection wraps conn and starts its read/write pumps. inbound is the
// Poller's shared channel; every decoded packet (or a nil-packet close
// sentinel) is pushed there.
func NewConnection(id uint64, role ConnRole, conn net.Conn, inbound chan<- Inbound) *Connection {
	c := &Connection{
		ID:      id,
		Role:    role,
		conn:    conn,
		out:     make(chan *wire.Packet, sendQueueDepth),
		inbound: inbound,
		closed:  make(chan struct{}),
	}
	c.touch()
	go c.readLoop()
	go c.writeLoop()
	return c
}

func (c *Connection) touch() { c.lastActivity.Store(time.Now().UnixNano()) }

// LastActivity reports when a packet was last sent or received.
func (c *Connection) LastActivity() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}

// NextMsgID assigns a fresh message-id for an outgoing request (§4.3).
func (c *Connection) NextMsgID() uint32 {
	return atomic.AddUint32(&c.nextMsgID, 1)
}

// AddWaiter/RemoveWaiter let the dispatcher track whether this connection
// has any caller blocked on a reply, which the pool (§4.2) consults before
// evicting an "idle" connection.
func (c *Connection) AddWaiter()    { c.waiters.Add(1) }
func (c *Connection) RemoveWaiter() { c.waiters.Add(-1) }

// Idle reports the pool's eviction predicate: no pending send and no
// registered waiter.
func (c *Connection) Idle() bool {
	return len(c.out) == 0 && c.waiters.Load() == 0
}

// Send enqueues a packet for the write pump. It never blocks the caller on
// the network itself, only on a full send queue (back-pressure).
func (c *Connection) Send(p *wire.Packet) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- p:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

// Close tears the connection down exactly once; the read loop's resulting
// error delivers the (conn, nil) close sentinel to the inbound channel.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Connection) readLoop() {
	logger := log.WithComponent("netpoll")
	for {
		pkt, err := wire.ReadPacket(c.conn)
		if err != nil {
			if err != io.EOF {
				logger.Debug().Uint64("conn", c.ID).Err(err).Msg("connection read error")
			}
			c.inbound <- Inbound{Conn: c, Packet: nil, Err: err}
			c.Close()
			return
		}
		c.touch()
		c.inbound <- Inbound{Conn: c, Packet: pkt}
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case pkt := <-c.out:
			if err := pkt.Encode(c.conn); err != nil {
				c.Close()
				return
			}
			c.touch()
		case <-c.closed:
			return
		}
	}
}

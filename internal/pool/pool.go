// Package pool implements the client's bounded LRU pool of connections to
// storage nodes (spec §4.2): lazy dial through an identification handshake,
// per-UUID dial serialization, and idle-first eviction once the pool is
// over capacity.
package pool

import (
	"container/list"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/netpoll"
)

// DefaultMaxSize is the spec's documented default (§4.2).
const DefaultMaxSize = 25

// Dialer opens the TCP connection for a brand-new pool entry; the
// identification handshake is the Identifier's job. It is a field, not a
// hardwired net.Dial call, so tests can substitute in-memory pipes.
type Dialer interface {
	Dial(addr string) (net.Conn, error)
}

type netDialer struct{ timeout time.Duration }

func (d netDialer) Dial(addr string) (net.Conn, error) {
	return net.DialTimeout("tcp", addr, d.timeout)
}

// Identifier performs RequestIdentification/AcceptIdentification against a
// freshly dialed storage connection and returns an error if the storage's
// view of the primary master disagrees with ours (§4.2, §4.7).
type Identifier func(conn *netpoll.Connection) error

type entry struct {
	conn *netpoll.Connection
	elem *list.Element // position in the LRU list
}

// Pool is the bounded LRU map of storage-UUID -> connection.
type Pool struct {
	mu      sync.Mutex
	maxSize int
	entries map[cluster.UUID]*entry
	lru     *list.List // front = most recently used
	dialing map[cluster.UUID]chan error

	dialer     Dialer
	identifier Identifier
	inbound    chan<- netpoll.Inbound
	connIDSeq  uint64
}

// Config wires a Pool to the rest of the client runtime.
type Config struct {
	MaxSize     int
	Dialer      Dialer
	Identifier  Identifier
	Inbound     chan<- netpoll.Inbound
	DialTimeout time.Duration
}

func New(cfg Config) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	dialer := cfg.Dialer
	if dialer == nil {
		timeout := cfg.DialTimeout
		if timeout == 0 {
			timeout = 10 * time.Second
		}
		dialer = netDialer{timeout: timeout}
	}
	return &Pool{
		maxSize:    cfg.MaxSize,
		entries:    make(map[cluster.UUID]*entry),
		lru:        list.New(),
		dialing:    make(map[cluster.UUID]chan error),
		dialer:     dialer,
		identifier: cfg.Identifier,
		inbound:    cfg.Inbound,
	}
}

// GetForNode returns an existing or freshly dialed connection to node, or
// (nil, nil) if the node is not currently reachable in principle (down, or
// no address) -- which per §4.2 is not an error, just "skip this node".
func (p *Pool) GetForNode(node *cluster.Node) (*netpoll.Connection, error) {
	if node.State != cluster.StateRunning || node.Address == "" {
		return nil, nil
	}

	p.mu.Lock()
	if e, ok := p.entries[node.UUID]; ok {
		p.lru.MoveToFront(e.elem)
		p.mu.Unlock()
		return e.conn, nil
	}
	if wait, ok := p.dialing[node.UUID]; ok {
		// Someone else is already dialing this UUID; release the lock and
		// wait for them, per §4.2 "dial is serialized per UUID ... releases
		// the global pool lock while waiting for the handshake reply".
		p.mu.Unlock()
		if err := <-wait; err != nil {
			return nil, err
		}
		return p.GetForNode(node)
	}
	done := make(chan error, 1)
	p.dialing[node.UUID] = done
	p.mu.Unlock()

	conn, err := p.dial(node)

	p.mu.Lock()
	delete(p.dialing, node.UUID)
	p.mu.Unlock()
	done <- err
	close(done)

	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (p *Pool) dial(node *cluster.Node) (*netpoll.Connection, error) {
	logger := log.WithComponent("pool")
	raw, err := p.dialer.Dial(node.Address)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.KindStorageError, fmt.Sprintf("dial %s", node.Address), err)
	}

	p.mu.Lock()
	p.connIDSeq++
	id := p.connIDSeq
	p.mu.Unlock()

	conn := netpoll.NewConnection(id, netpoll.RolePeerStorage, raw, p.inbound)

	if p.identifier != nil {
		if err := p.identifier(conn); err != nil {
			conn.Close()
			return nil, err
		}
	}

	p.mu.Lock()
	e := &entry{conn: conn}
	e.elem = p.lru.PushFront(node.UUID)
	p.entries[node.UUID] = e
	p.evictOverCapacityLocked()
	p.mu.Unlock()

	logger.Debug().Str("node", node.UUID.String()).Msg("dialed storage connection")
	return conn, nil
}

// evictOverCapacityLocked drops idle connections, oldest-first, until the
// pool is back at or under capacity. Busy connections (a pending send or a
// registered waiter) are never evicted even if that leaves the pool over
// capacity; it shrinks again as they quiesce naturally.
func (p *Pool) evictOverCapacityLocked() {
	if len(p.entries) <= p.maxSize {
		return
	}
	// The front entry is the connection just dialed for the caller; it is
	// never a candidate.
	for elem := p.lru.Back(); elem != nil && elem != p.lru.Front() && len(p.entries) > p.maxSize; {
		prev := elem.Prev()
		id := elem.Value.(cluster.UUID)
		e := p.entries[id]
		if e != nil && e.conn.Idle() {
			e.conn.Close()
			delete(p.entries, id)
			p.lru.Remove(elem)
		}
		elem = prev
	}
}

// Remove unconditionally drops node's connection, e.g. on ConnectionLost /
// ConnectionFailed (§4.2).
func (p *Pool) Remove(node cluster.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.entries[node]; ok {
		e.conn.Close()
		p.lru.Remove(e.elem)
		delete(p.entries, node)
	}
}

// Len reports the current pool occupancy, for metrics.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// IsConnected implements cluster.ConnectionAffinity for the client's
// candidate ordering (§4.1 "_load").
func (p *Pool) IsConnected(node cluster.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.entries[node]
	return ok
}

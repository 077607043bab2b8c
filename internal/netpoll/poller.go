package netpoll

import (
	"sync"
	"time"

	"github.com/cuemby/neo/internal/log"
	"github.com/rs/zerolog"
)

// idleCheckInterval bounds how often the Poller scans for overdue
// connections; §5 requires "at most once per second".
const idleCheckInterval = time.Second

// pingThreshold/closeThreshold are the advisory timeout tiers of §5: past
// pingThreshold the poller sends a liveness probe; past closeThreshold
// (a "critical threshold") it closes the connection outright.
const (
	pingThreshold  = 5 * time.Second
	closeThreshold = 30 * time.Second
)

// Handler processes one inbound packet or close event. It runs on the
// Poller's single goroutine, exactly like the spec's poll thread calling
// into the dispatcher (§4.3): handlers must not block.
type Handler func(Inbound)

// PingFunc sends a liveness probe on a connection nearing its timeout.
type PingFunc func(*Connection)

// Poller is the single-threaded event loop: one goroutine drains the
// shared inbound channel (fed by every Connection's read pump) and runs
// idle-timeout sweeps on its own ticker. This is the "single poll thread"
// of §2/§5 expressed as a fan-in rather than a literal OS-level poll(2)
// loop, which is the idiomatic Go rendition of the same ownership
// guarantee: exactly one goroutine ever decides dispatch order or declares
// a connection dead.
type Poller struct {
	inbound chan Inbound
	handler Handler
	ping    PingFunc

	mu    sync.Mutex
	conns map[uint64]*Connection

	stop chan struct{}
}

func NewPoller(handler Handler, ping PingFunc) *Poller {
	return &Poller{
		inbound: make(chan Inbound, 1024),
		handler: handler,
		ping:    ping,
		conns:   make(map[uint64]*Connection),
		stop:    make(chan struct{}),
	}
}

// Inbound exposes the channel new Connections must be constructed with.
func (p *Poller) Inbound() chan<- Inbound { return p.inbound }

// Register tracks a connection for idle-timeout sweeps.
func (p *Poller) Register(c *Connection) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conns[c.ID] = c
}

func (p *Poller) Unregister(id uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.conns, id)
}

// Run is the loop body; call it in its own goroutine. It returns when
// Stop is called.
func (p *Poller) Run() {
	logger := log.WithComponent("poller")
	ticker := time.NewTicker(idleCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case in := <-p.inbound:
			if in.Packet == nil {
				p.Unregister(in.Conn.ID)
			}
			p.handler(in)
		case <-ticker.C:
			p.sweepIdle(logger)
		case <-p.stop:
			return
		}
	}
}

func (p *Poller) Stop() {
	close(p.stop)
}

func (p *Poller) sweepIdle(logger zerolog.Logger) {
	p.mu.Lock()
	conns := make([]*Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	now := time.Now()
	for _, c := range conns {
		idleFor := now.Sub(c.LastActivity())
		switch {
		case idleFor >= closeThreshold:
			logger.Warn().Uint64("conn", c.ID).Dur("idle", idleFor).Msg("closing unresponsive connection")
			c.Close()
		case idleFor >= pingThreshold:
			if p.ping != nil {
				p.ping(c)
			}
		}
	}
}

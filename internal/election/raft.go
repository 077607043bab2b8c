package election

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"

	"github.com/cuemby/neo/internal/log"
)

// noopFSM satisfies raft.FSM without replicating any state of its own.
// NEO's primary master does not replicate the transaction map through
// Raft (spec §5 "the transaction map (single-threaded in the master's
// poll context)"); Raft here exists purely to decide which master process
// gets to call itself primary.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}          { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error)  { return noopSnapshot{}, nil }
func (noopFSM) Restore(rc io.ReadCloser) error        { return rc.Close() }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

// RaftConfig configures a Raft-backed PrimaryElection.
type RaftConfig struct {
	NodeID   string
	BindAddr string // host:port this master listens for Raft traffic on
	DataDir  string
	Peers    []raft.Server // full voter set, including self; only consulted on bootstrap
}

// raftElection implements PrimaryElection on top of hashicorp/raft, the
// same library the pack's teacher repo uses for manager-cluster consensus
// (pkg/manager/manager.go), here narrowed to a pure leader designator.
type raftElection struct {
	r        *raft.Raft
	peers    []raft.Server
	addrByID map[raft.ServerID]string
	notify   chan string
	stop     chan struct{}
}

// NewRaft builds (but does not start campaigning for) a Raft-backed
// election. Call Campaign to bootstrap or join.
func NewRaft(cfg RaftConfig) (PrimaryElection, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("election: create data dir: %w", err)
	}

	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("election: resolve bind addr: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("election: create transport: %w", err)
	}

	snapshots, err := raft.NewFileSnapshotStore(cfg.DataDir, 1, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("election: create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-log.db"))
	if err != nil {
		return nil, fmt.Errorf("election: create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "raft-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("election: create stable store: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapshots, transport)
	if err != nil {
		return nil, fmt.Errorf("election: create raft: %w", err)
	}

	addrByID := make(map[raft.ServerID]string, len(cfg.Peers))
	for _, p := range cfg.Peers {
		addrByID[p.ID] = string(p.Address)
	}

	e := &raftElection{
		r:        r,
		peers:    cfg.Peers,
		addrByID: addrByID,
		notify:   make(chan string, 1),
		stop:     make(chan struct{}),
	}
	go e.watchLeadership()
	return e, nil
}

func (e *raftElection) watchLeadership() {
	logger := log.WithComponent("election")
	for {
		select {
		case isLeader, ok := <-e.r.LeaderCh():
			if !ok {
				return
			}
			addr, _ := e.PrimaryAddress()
			logger.Info().Bool("is_leader", isLeader).Str("primary_addr", addr).Msg("primary designation changed")
			select {
			case e.notify <- addr:
			default:
			}
		case <-e.stop:
			return
		}
	}
}

func (e *raftElection) IsPrimary() bool {
	return e.r.State() == raft.Leader
}

func (e *raftElection) PrimaryAddress() (string, bool) {
	leaderAddr, leaderID := e.r.LeaderWithID()
	if leaderAddr == "" {
		return "", false
	}
	if mapped, ok := e.addrByID[leaderID]; ok {
		return mapped, true
	}
	return string(leaderAddr), true
}

// Campaign bootstraps the configured voter set the first time any member
// calls it; subsequent calls (here, and by every other peer at startup)
// find Raft already has persisted state and simply join the ongoing
// election instead.
func (e *raftElection) Campaign() error {
	future := e.r.BootstrapCluster(raft.Configuration{Servers: e.peers})
	if err := future.Error(); err != nil && !errors.Is(err, raft.ErrCantBootstrap) {
		return fmt.Errorf("election: bootstrap: %w", err)
	}
	return nil
}

func (e *raftElection) Notify() <-chan string { return e.notify }

func (e *raftElection) Resign() error {
	if !e.IsPrimary() {
		return nil
	}
	return e.r.LeadershipTransfer().Error()
}

func (e *raftElection) Shutdown() error {
	close(e.stop)
	return e.r.Shutdown().Error()
}

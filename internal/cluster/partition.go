package cluster

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"
)

// CellState is a replica's role within its partition (§3, GLOSSARY).
type CellState int

const (
	CellUpToDate CellState = iota
	CellOutOfDate
	CellFeeding
	CellDiscarded
)

func (s CellState) String() string {
	switch s {
	case CellUpToDate:
		return "up-to-date"
	case CellOutOfDate:
		return "out-of-date"
	case CellFeeding:
		return "feeding"
	case CellDiscarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// Cell is one (storage-node, state) assignment within a partition.
type Cell struct {
	NodeID UUID
	State  CellState
}

// PartitionTable maps partition index -> ordered cell list, per §3/§4.1.
// Mutations modify the table in place under a write lock and lookups take
// a read lock; readers that want a stable view can call Rows, which returns
// a copy. The table is not a copy-on-update value and readers do block
// while a mutation holds the lock.
type PartitionTable struct {
	mu         sync.RWMutex
	partitions int
	replicas   int // R: replicas+1 is the declared cell count per partition
	ptid       uint64
	cells      [][]Cell // len == partitions

	nodes *NodeManager
}

// NewPartitionTable creates an empty table with fixed dimensions P x R.
// nodes supplies node state for the Operational/writable/readable filters;
// it may be nil in tests that only exercise pure partition arithmetic.
func NewPartitionTable(numPartitions, numReplicas int, nodes *NodeManager) *PartitionTable {
	pt := &PartitionTable{
		partitions: numPartitions,
		replicas:   numReplicas,
		cells:      make([][]Cell, numPartitions),
		nodes:      nodes,
	}
	return pt
}

// PartitionOf computes partition(id) = u64(id) mod P (§3 invariant iii),
// shared by both OID- and TID-based lookups.
func (pt *PartitionTable) PartitionOf(id uint64) int {
	return int(id % uint64(pt.partitions))
}

func (pt *PartitionTable) PTID() uint64 {
	return atomic.LoadUint64(&pt.ptid)
}

func (pt *PartitionTable) NumPartitions() int { return pt.partitions }
func (pt *PartitionTable) NumReplicas() int   { return pt.replicas }

// Readability/writability filters (§4.1).
func readable(s CellState) bool { return s != CellDiscarded && s != CellOutOfDate }
func writable(s CellState) bool { return s != CellDiscarded }

// GetCellsForID returns the ordered cell list of partition(id), filtered by
// whichever of needReadable/needWritable the caller set (both may be true).
func (pt *PartitionTable) GetCellsForID(id uint64, needReadable, needWritable bool) []Cell {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	p := pt.PartitionOf(id)
	if p >= len(pt.cells) {
		return nil
	}
	var out []Cell
	for _, c := range pt.cells[p] {
		if needReadable && !readable(c.State) {
			continue
		}
		if needWritable && !writable(c.State) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SetCell replaces any prior cell of node in partition p. A discarded state
// removes the cell outright; broken/down nodes are rejected, matching the
// master's own admission check before it ever publishes such a cell.
func (pt *PartitionTable) SetCell(p int, node UUID, state CellState) error {
	if pt.nodes != nil {
		if n, ok := pt.nodes.Get(node); ok && (n.State == StateBroken || n.State == StateDown) {
			return fmt.Errorf("cluster: cannot assign cell on %s node %s", n.State, node)
		}
	}
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if p < 0 || p >= len(pt.cells) {
		return fmt.Errorf("cluster: partition %d out of range [0,%d)", p, len(pt.cells))
	}
	cells := pt.cells[p]
	idx := -1
	for i, c := range cells {
		if c.NodeID == node {
			idx = i
			break
		}
	}
	if state == CellDiscarded {
		if idx >= 0 {
			pt.cells[p] = append(cells[:idx], cells[idx+1:]...)
		}
		return nil
	}
	if idx >= 0 {
		cells[idx].State = state
	} else {
		pt.cells[p] = append(cells, Cell{NodeID: node, State: state})
	}
	return nil
}

// Row is one partition's cell list, as carried by SendPartitionTable/Load.
type Row struct {
	Partition int
	Cells     []Cell
}

// Load replaces the table wholesale with rows. It is a no-op when ptid
// equals the current one and every partition already has cells. Within one
// call each row must name a different partition; a duplicate is rejected.
// Rows from separate calls are not merged: every Load that is not a no-op
// discards the cells of partitions its rows do not name.
func (pt *PartitionTable) Load(ptid uint64, rows []Row) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if ptid == pt.ptid && pt.filled() {
		return nil
	}
	filling := make([][]Cell, pt.partitions)
	seen := make(map[int]bool)
	for _, r := range rows {
		if r.Partition < 0 || r.Partition >= pt.partitions {
			return fmt.Errorf("cluster: row partition %d out of range", r.Partition)
		}
		if seen[r.Partition] {
			return fmt.Errorf("cluster: partition %d already filled in this load", r.Partition)
		}
		seen[r.Partition] = true
		filling[r.Partition] = append([]Cell(nil), r.Cells...)
	}
	pt.cells = filling
	atomic.StoreUint64(&pt.ptid, ptid)
	return nil
}

func (pt *PartitionTable) filled() bool {
	for _, c := range pt.cells {
		if c == nil {
			return false
		}
	}
	return len(pt.cells) > 0
}

// Update applies an incremental diff versioned by ptid; stale (ptid <=
// current) deltas are dropped per invariant (v).
func (pt *PartitionTable) Update(ptid uint64, changes []Row) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	if ptid <= pt.ptid {
		return
	}
	for _, r := range changes {
		if r.Partition < 0 || r.Partition >= pt.partitions {
			continue
		}
		pt.cells[r.Partition] = append([]Cell(nil), r.Cells...)
	}
	atomic.StoreUint64(&pt.ptid, ptid)
}

// partitionOperational reports invariant (i): at least one cell in
// {up-to-date, feeding} whose node is running.
func (pt *PartitionTable) partitionOperational(cells []Cell) bool {
	for _, c := range cells {
		if c.State != CellUpToDate && c.State != CellFeeding {
			continue
		}
		if pt.nodes == nil {
			return true // node state unknown (unit tests): treat presence as operational
		}
		if n, ok := pt.nodes.Get(c.NodeID); ok && n.State == StateRunning {
			return true
		}
	}
	return false
}

// Operational reports invariant (ii): every partition is operational.
func (pt *PartitionTable) Operational() bool {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	if len(pt.cells) == 0 {
		return false
	}
	for _, cells := range pt.cells {
		if !pt.partitionOperational(cells) {
			return false
		}
	}
	return true
}

// Rows returns a snapshot of the whole table, e.g. for SendPartitionTable.
func (pt *PartitionTable) Rows() []Row {
	pt.mu.RLock()
	defer pt.mu.RUnlock()
	out := make([]Row, len(pt.cells))
	for p, cells := range pt.cells {
		out[p] = Row{Partition: p, Cells: append([]Cell(nil), cells...)}
	}
	return out
}

// ConnectionAffinity reports whether a connection to node is already open,
// used to bias candidate ordering toward warm connections (§4.1 "_load").
type ConnectionAffinity interface {
	IsConnected(node UUID) bool
}

// OrderCandidates implements the client's `_load` tie-break: cells are
// first shuffled uniformly at random (for load spreading across replicas)
// and then stably sorted so that cells with a warm connection sort first,
// without disturbing the random order among cells of equal affinity.
func OrderCandidates(cells []Cell, affinity ConnectionAffinity, rnd *rand.Rand) []Cell {
	out := append([]Cell(nil), cells...)
	rnd.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	if affinity == nil {
		return out
	}
	sort.SliceStable(out, func(i, j int) bool {
		return affinity.IsConnected(out[i].NodeID) && !affinity.IsConnected(out[j].NodeID)
	})
	return out
}

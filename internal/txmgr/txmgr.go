// Package txmgr implements the master-side transaction manager (§4.5):
// TID allocation, per-TID uuid-set lock tracking, and the finish fan-out.
// The master calls Manager both from its poll goroutine and from the
// per-storage goroutines that await AnswerInformationLocked, so every
// exported method takes a plain mutex around the transaction map.
package txmgr

import (
	"fmt"
	"sync"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/neoerr"
)

// Transaction is the master's bookkeeping record for one in-flight commit
// (§3 "Transaction record at master").
type Transaction struct {
	TID            uint64
	InitiatorConn  uint64 // netpoll.Connection.ID, kept untyped to avoid an import cycle
	MsgID          uint32
	OIDs           []uint64
	ExpectedUUIDs  map[cluster.UUID]bool
	LockedUUIDs    map[cluster.UUID]bool
}

func (t *Transaction) locked() bool {
	if len(t.LockedUUIDs) != len(t.ExpectedUUIDs) {
		return false
	}
	for u := range t.ExpectedUUIDs {
		if !t.LockedUUIDs[u] {
			return false
		}
	}
	return true
}

// CellSource supplies the writable-cell lookups AskFinishTransaction needs
// to compute expected-uuids; cluster.PartitionTable satisfies it directly.
type CellSource interface {
	GetCellsForID(id uint64, needReadable, needWritable bool) []cluster.Cell
}

// Manager owns next-TID/OID allocation and the live transaction map.
type Manager struct {
	mu sync.Mutex

	lastTID uint64
	lastOID uint64
	lastPTID uint64

	pt   CellSource
	txns map[uint64]*Transaction
}

func New(pt CellSource) *Manager {
	return &Manager{pt: pt, txns: make(map[uint64]*Transaction)}
}

func (m *Manager) LastTID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastTID
}

// BeginTransaction implements AskBeginTransaction (§4.5). A client-supplied
// tid is honored only if it is strictly greater than LastTID; otherwise a
// fresh one is minted.
func (m *Manager) BeginTransaction(proposed uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if proposed != 0 {
		if proposed <= m.lastTID {
			return 0, neoerr.New(neoerr.KindProtocol, "proposed tid does not exceed last allocated tid")
		}
		m.lastTID = proposed
		return proposed, nil
	}
	m.lastTID++
	return m.lastTID, nil
}

// NewOIDs implements AskNewOIDs, returning n fresh OIDs and the new
// watermark storages should refuse stores past.
func (m *Manager) NewOIDs(n uint32) (oids []uint64, watermark uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	oids = make([]uint64, n)
	for i := range oids {
		m.lastOID++
		oids[i] = m.lastOID
	}
	return oids, m.lastOID
}

func (m *Manager) NextPTID() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastPTID++
	return m.lastPTID
}

// expectedUUIDs is the union of writable cell UUIDs for partition(tid) and
// every partition(oid) in oids (§4.5 AskFinishTransaction).
func (m *Manager) expectedUUIDs(tid uint64, oids []uint64) map[cluster.UUID]bool {
	out := make(map[cluster.UUID]bool)
	add := func(id uint64) {
		for _, c := range m.pt.GetCellsForID(id, false, true) {
			out[c.NodeID] = true
		}
	}
	add(tid)
	for _, oid := range oids {
		add(oid)
	}
	return out
}

// BeginFinish implements the bookkeeping half of AskFinishTransaction: it
// validates tid, computes expected-uuids and records the transaction. The
// caller is responsible for actually sending LockInformation to each
// returned UUID; BeginFinish doesn't touch the network.
func (m *Manager) BeginFinish(tid uint64, initiatorConn uint64, msgID uint32, oids []uint64) (*Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if tid > m.lastTID {
		return nil, neoerr.New(neoerr.KindProtocol, "finish requested for a tid that was never allocated")
	}
	expected := m.expectedUUIDs(tid, oids)
	if len(expected) == 0 {
		return nil, neoerr.New(neoerr.KindStorageError, "no writable cell available to lock this transaction")
	}
	txn := &Transaction{
		TID:           tid,
		InitiatorConn: initiatorConn,
		MsgID:         msgID,
		OIDs:          append([]uint64(nil), oids...),
		ExpectedUUIDs: expected,
		LockedUUIDs:   make(map[cluster.UUID]bool),
	}
	m.txns[tid] = txn
	return txn, nil
}

// AnswerInformationLocked implements §4.5 AnswerInformationLocked: records
// that uuid locked tid, and reports whether that makes the transaction
// ready for the finish fan-out (locked-uuids == expected-uuids).
func (m *Manager) AnswerInformationLocked(tid uint64, uuid cluster.UUID) (ready bool, txn *Transaction, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[tid]
	if !ok {
		return false, nil, neoerr.New(neoerr.KindProtocol, fmt.Sprintf("lock answer for unknown tid %d", tid))
	}
	if !t.ExpectedUUIDs[uuid] {
		return false, nil, neoerr.New(neoerr.KindProtocol, fmt.Sprintf("lock answer from uuid %s not expected for tid %d", uuid, tid))
	}
	t.LockedUUIDs[uuid] = true
	return t.locked(), t, nil
}

// FinishDone removes tid's record after the finish fan-out has run; the
// caller (the opcode handler) drives sending AnswerTransactionFinished,
// InvalidateObjects and NotifyUnlockInformation itself, in that order, to
// preserve the per-connection ordering guarantee in §5.
func (m *Manager) FinishDone(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, tid)
}

// AbortTransaction implements §4.5 AbortTransaction: drops the record
// outright regardless of lock progress.
func (m *Manager) AbortTransaction(tid uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.txns, tid)
}

// Get returns a copy of tid's record for inspection (e.g. admin status, or
// a handler that needs OIDs/InitiatorConn after AnswerInformationLocked
// reports ready).
func (m *Manager) Get(tid uint64) (*Transaction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.txns[tid]
	if !ok {
		return nil, false
	}
	cp := *t
	cp.OIDs = append([]uint64(nil), t.OIDs...)
	return &cp, true
}

func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.txns)
}

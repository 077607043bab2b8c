// Package storagedb specifies the contract a storage node's on-disk
// database manager exposes to the control plane. The database manager
// itself is an explicit out-of-scope external collaborator (spec §1); this
// package defines the interface the rest of the storage process consumes
// and ships one concrete, bbolt-backed implementation so the control plane
// has a real collaborator to run end-to-end against.
package storagedb

import "errors"

// ErrNotFound is returned by Get/GetBefore when no matching revision
// exists; callers translate it to neoerr.KindStorageNotFound.
var ErrNotFound = errors.New("storagedb: object not found")

// Revision is one stored object payload plus its wire-format metadata.
type Revision struct {
	Serial      uint64
	Compression uint8
	Checksum    uint64
	Data        []byte
}

// TxInfo is the metadata recorded by StoreTransaction, returned by
// TransactionInfo (§6 AskTransactionInformation).
type TxInfo struct {
	TID         uint64
	User        string
	Description string
	Extension   string
	OIDs        []uint64
}

// Manager is the per-storage-node object database. All methods are safe
// for concurrent use.
type Manager interface {
	// StoreObject records a tentative write under tid for oid. baseSerial
	// is the serial the client last read; if it doesn't match the object's
	// current latest serial, StoreObject reports a conflict instead of
	// accepting the write (§4.4 AnswerStoreObject(conflict, oid, serial)).
	// The write is not visible to Get until LockObjects(tid) commits it.
	StoreObject(tid, oid, baseSerial uint64, rev Revision) (conflictSerial uint64, err error)

	// StoreTransaction records tid's metadata (§4.5 AskStoreTransaction).
	StoreTransaction(info TxInfo) error

	// LockObjects makes every tentative write under tid durable and
	// advances each touched OID's latest-serial watermark (§4.5
	// LockInformation / AnswerInformationLocked).
	LockObjects(tid uint64) error

	// Unlock finalizes tid: on commit, LockObjects must already have run
	// and this only releases bookkeeping; on abort, discards tid's
	// tentative writes outright (§4.5 AbortTransaction, §6
	// NotifyUnlockInformation).
	Unlock(tid uint64, commit bool) error

	// Get returns the exact revision of oid at serial, or the latest
	// revision if serial is nil (§4.4 load/loadSerial).
	Get(oid uint64, serial *uint64) (Revision, error)

	// GetBefore returns the revision of oid with the greatest serial less
	// than before, plus the serial of the revision immediately after it
	// (nil if none), per §4.4 loadBefore's (bytes, start, end) contract.
	GetBefore(oid uint64, before uint64) (rev Revision, end *uint64, err error)

	// History returns up to limit serials for oid, most recent first
	// (§6 AskObjectHistory).
	History(oid uint64, limit uint32) ([]uint64, error)

	// TIDs returns the committed TID sequence in [first, last) order,
	// oldest first (§6 AskTIDs).
	TIDs(first, last uint32) ([]uint64, error)

	// TransactionInfo returns the metadata StoreTransaction recorded for
	// tid (§6 AskTransactionInformation).
	TransactionInfo(tid uint64) (TxInfo, error)

	// DeleteObject removes oid's history entirely, used by undo of a
	// creation (§4.4 undo, example S4: load after undoing a create raises
	// storage-not-found).
	DeleteObject(oid uint64) error

	Close() error
}

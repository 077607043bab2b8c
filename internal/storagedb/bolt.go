package storagedb

import (
	"encoding/binary"
	"fmt"
	"path/filepath"
	"sync"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketObjects    = []byte("objects")    // oid(8)+serial(8) -> compression(1)+checksum(8)+data
	bucketLatest     = []byte("latest")     // oid(8) -> serial(8)
	bucketTentative  = []byte("tentative")  // tid(8)+oid(8) -> baseSerial(8)+compression(1)+checksum(8)+data
	bucketTxInfo     = []byte("txinfo")     // tid(8) -> user/desc/ext/oids
	bucketTentByTxn  = []byte("tent_index") // tid(8)+oid(8) -> oid(8), for fast LockObjects/Unlock scans
)

// BoltManager implements Manager on top of go.etcd.io/bbolt, the same
// embedded KV store the teacher repo uses for its manager-cluster state
// (pkg/storage/boltdb.go), repurposed here from JSON-blob-per-entity
// records to the OID/TID-keyed binary layout the object store needs.
type BoltManager struct {
	mu sync.Mutex // serializes StoreObject's read-modify-write conflict check
	db *bolt.DB
}

func NewBoltManager(dataDir string) (*BoltManager, error) {
	dbPath := filepath.Join(dataDir, "neo-storage.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("storagedb: open database: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketObjects, bucketLatest, bucketTentative, bucketTxInfo, bucketTentByTxn} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("storagedb: create bucket %s: %w", b, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltManager{db: db}, nil
}

func (m *BoltManager) Close() error { return m.db.Close() }

func be64(v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return b[:]
}

func objectKey(oid, serial uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], oid)
	binary.BigEndian.PutUint64(k[8:16], serial)
	return k
}

func tentativeKey(tid, oid uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], tid)
	binary.BigEndian.PutUint64(k[8:16], oid)
	return k
}

func encodeRevision(baseSerial uint64, rev Revision) []byte {
	buf := make([]byte, 0, 8+1+8+len(rev.Data))
	buf = append(buf, be64(baseSerial)...)
	buf = append(buf, rev.Compression)
	buf = append(buf, be64(rev.Checksum)...)
	buf = append(buf, rev.Data...)
	return buf
}

func decodeTentative(v []byte) (baseSerial uint64, rev Revision, ok bool) {
	if len(v) < 17 {
		return 0, Revision{}, false
	}
	baseSerial = binary.BigEndian.Uint64(v[0:8])
	rev.Compression = v[8]
	rev.Checksum = binary.BigEndian.Uint64(v[9:17])
	rev.Data = append([]byte(nil), v[17:]...)
	return baseSerial, rev, true
}

func encodeStored(rev Revision) []byte {
	buf := make([]byte, 0, 1+8+len(rev.Data))
	buf = append(buf, rev.Compression)
	buf = append(buf, be64(rev.Checksum)...)
	buf = append(buf, rev.Data...)
	return buf
}

func decodeStored(serial uint64, v []byte) (Revision, bool) {
	if len(v) < 9 {
		return Revision{}, false
	}
	return Revision{
		Serial:      serial,
		Compression: v[0],
		Checksum:    binary.BigEndian.Uint64(v[1:9]),
		Data:        append([]byte(nil), v[9:]...),
	}, true
}

// StoreObject implements Manager.StoreObject (§4.4).
func (m *BoltManager) StoreObject(tid, oid, baseSerial uint64, rev Revision) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var conflict uint64
	err := m.db.Update(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		if v := latest.Get(be64(oid)); v != nil {
			cur := binary.BigEndian.Uint64(v)
			if cur != baseSerial {
				conflict = cur
				return nil
			}
		} else if baseSerial != 0 {
			// oid has no history yet but the client claims a base serial:
			// treat as a conflict against serial 0 (nothing to build on).
			conflict = 0
			return nil
		}
		tent := tx.Bucket(bucketTentative)
		key := tentativeKey(tid, oid)
		if err := tent.Put(key, encodeRevision(baseSerial, rev)); err != nil {
			return err
		}
		return tx.Bucket(bucketTentByTxn).Put(key, be64(oid))
	})
	if err != nil {
		return 0, fmt.Errorf("storagedb: store object: %w", err)
	}
	return conflict, nil
}

func (m *BoltManager) StoreTransaction(info TxInfo) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxInfo)
		enc := encodeTxInfo(info)
		return b.Put(be64(info.TID), enc)
	})
}

func encodeTxInfo(info TxInfo) []byte {
	buf := make([]byte, 0, 64)
	putStr := func(s string) {
		var l [2]byte
		binary.BigEndian.PutUint16(l[:], uint16(len(s)))
		buf = append(buf, l[:]...)
		buf = append(buf, s...)
	}
	putStr(info.User)
	putStr(info.Description)
	putStr(info.Extension)
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(info.OIDs)))
	buf = append(buf, n[:]...)
	for _, oid := range info.OIDs {
		buf = append(buf, be64(oid)...)
	}
	return buf
}

func decodeTxInfo(tid uint64, buf []byte) (TxInfo, bool) {
	readStr := func() (string, bool) {
		if len(buf) < 2 {
			return "", false
		}
		l := int(binary.BigEndian.Uint16(buf[:2]))
		buf = buf[2:]
		if len(buf) < l {
			return "", false
		}
		s := string(buf[:l])
		buf = buf[l:]
		return s, true
	}
	user, ok := readStr()
	if !ok {
		return TxInfo{}, false
	}
	desc, ok := readStr()
	if !ok {
		return TxInfo{}, false
	}
	ext, ok := readStr()
	if !ok {
		return TxInfo{}, false
	}
	if len(buf) < 4 {
		return TxInfo{}, false
	}
	n := binary.BigEndian.Uint32(buf[:4])
	buf = buf[4:]
	oids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		if len(buf) < 8 {
			return TxInfo{}, false
		}
		oids = append(oids, binary.BigEndian.Uint64(buf[:8]))
		buf = buf[8:]
	}
	return TxInfo{TID: tid, User: user, Description: desc, Extension: ext, OIDs: oids}, true
}

// LockObjects implements Manager.LockObjects (§4.5).
func (m *BoltManager) LockObjects(tid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bolt.Tx) error {
		tent := tx.Bucket(bucketTentative)
		idx := tx.Bucket(bucketTentByTxn)
		objects := tx.Bucket(bucketObjects)
		latest := tx.Bucket(bucketLatest)

		c := idx.Cursor()
		prefix := be64(tid)
		for k, oidBytes := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, oidBytes = c.Next() {
			oid := binary.BigEndian.Uint64(oidBytes)
			v := tent.Get(k)
			_, rev, ok := decodeTentative(v)
			if !ok {
				continue
			}
			serial := tid
			if err := objects.Put(objectKey(oid, serial), encodeStored(rev)); err != nil {
				return err
			}
			if err := latest.Put(be64(oid), be64(serial)); err != nil {
				return err
			}
			if err := tent.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// Unlock implements Manager.Unlock (§4.5, §6).
func (m *BoltManager) Unlock(tid uint64, commit bool) error {
	if commit {
		return nil // durable state was already applied by LockObjects
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.db.Update(func(tx *bolt.Tx) error {
		tent := tx.Bucket(bucketTentative)
		idx := tx.Bucket(bucketTentByTxn)
		c := idx.Cursor()
		prefix := be64(tid)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := tent.Delete(k); err != nil {
				return err
			}
			if err := idx.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

func hasPrefix(k, prefix []byte) bool {
	return len(k) >= len(prefix) && string(k[:len(prefix)]) == string(prefix)
}

// Get implements Manager.Get (§4.4 load/loadSerial).
func (m *BoltManager) Get(oid uint64, serial *uint64) (Revision, error) {
	var rev Revision
	err := m.db.View(func(tx *bolt.Tx) error {
		latest := tx.Bucket(bucketLatest)
		objects := tx.Bucket(bucketObjects)
		s := uint64(0)
		if serial != nil {
			s = *serial
		} else {
			v := latest.Get(be64(oid))
			if v == nil {
				return ErrNotFound
			}
			s = binary.BigEndian.Uint64(v)
		}
		v := objects.Get(objectKey(oid, s))
		if v == nil {
			return ErrNotFound
		}
		decoded, ok := decodeStored(s, v)
		if !ok {
			return ErrNotFound
		}
		rev = decoded
		return nil
	})
	return rev, err
}

// GetBefore implements Manager.GetBefore (§4.4 loadBefore).
func (m *BoltManager) GetBefore(oid uint64, before uint64) (Revision, *uint64, error) {
	var rev Revision
	var end *uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		c := objects.Cursor()
		seekKey := objectKey(oid, before)
		k, _ := c.Seek(seekKey)
		// Seek lands on the first key >= seekKey; step back to find the
		// greatest serial strictly less than `before`.
		if k == nil || !sameOID(k, oid) || binary.BigEndian.Uint64(k[8:16]) >= before {
			k, _ = c.Prev()
		}
		if k == nil || !sameOID(k, oid) {
			return ErrNotFound
		}
		serial := binary.BigEndian.Uint64(k[8:16])
		v := objects.Get(k)
		decoded, ok := decodeStored(serial, v)
		if !ok {
			return ErrNotFound
		}
		rev = decoded

		nk, _ := c.Next()
		if nk != nil && sameOID(nk, oid) {
			nextSerial := binary.BigEndian.Uint64(nk[8:16])
			end = &nextSerial
		}
		return nil
	})
	return rev, end, err
}

func sameOID(k []byte, oid uint64) bool {
	return len(k) >= 8 && binary.BigEndian.Uint64(k[0:8]) == oid
}

// History implements Manager.History (§6 AskObjectHistory).
func (m *BoltManager) History(oid uint64, limit uint32) ([]uint64, error) {
	var serials []uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		c := objects.Cursor()
		prefix := be64(oid)
		var all []uint64
		for k, _ := c.Seek(prefix); k != nil && sameOID(k, oid); k, _ = c.Next() {
			all = append(all, binary.BigEndian.Uint64(k[8:16]))
		}
		// Most recent first, capped at limit.
		for i := len(all) - 1; i >= 0 && (limit == 0 || uint32(len(serials)) < limit); i-- {
			serials = append(serials, all[i])
		}
		return nil
	})
	return serials, err
}

// TIDs implements Manager.TIDs (§6 AskTIDs).
func (m *BoltManager) TIDs(first, last uint32) ([]uint64, error) {
	var tids []uint64
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxInfo)
		c := b.Cursor()
		idx := uint32(0)
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if idx >= first && idx < last {
				tids = append(tids, binary.BigEndian.Uint64(k))
			}
			idx++
			if idx >= last {
				break
			}
		}
		return nil
	})
	return tids, err
}

// TransactionInfo implements Manager.TransactionInfo (§6 AskTransactionInformation).
func (m *BoltManager) TransactionInfo(tid uint64) (TxInfo, error) {
	var info TxInfo
	err := m.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxInfo)
		v := b.Get(be64(tid))
		if v == nil {
			return ErrNotFound
		}
		decoded, ok := decodeTxInfo(tid, v)
		if !ok {
			return ErrNotFound
		}
		info = decoded
		return nil
	})
	return info, err
}

// DeleteObject implements Manager.DeleteObject (§4.4 undo of a creation).
func (m *BoltManager) DeleteObject(oid uint64) error {
	return m.db.Update(func(tx *bolt.Tx) error {
		objects := tx.Bucket(bucketObjects)
		c := objects.Cursor()
		prefix := be64(oid)
		var keys [][]byte
		for k, _ := c.Seek(prefix); k != nil && sameOID(k, oid); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := objects.Delete(k); err != nil {
				return err
			}
		}
		return tx.Bucket(bucketLatest).Delete(prefix)
	})
}

var _ Manager = (*BoltManager)(nil)

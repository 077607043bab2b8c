package wire

// This file defines the Go-side body shapes for the opcodes the control
// plane actually drives (§6 "core opcodes"). Each type's Marshal/Unmarshal
// pair is the wire contract; handler and engine code never touch raw bytes
// directly.

// NodeRole mirrors §3's node variants as they appear on the wire.
type NodeRole uint8

const (
	RoleMaster NodeRole = iota
	RoleStorage
	RoleClient
	RoleAdmin
)

type RequestIdentificationBody struct {
	Role        NodeRole
	UUID        [16]byte // zero UUID means "assign me one"
	Address     string   // empty for clients
	Port        uint16
	ClusterName string
}

func (b *RequestIdentificationBody) Marshal() []byte {
	return NewEncoder().U8(uint8(b.Role)).UUID(b.UUID).Address(b.Address, b.Port).Str(b.ClusterName).Bytes()
}

func UnmarshalRequestIdentification(body []byte) (*RequestIdentificationBody, error) {
	d := NewDecoder(body)
	role := NodeRole(d.U8())
	uuid := d.UUID()
	host, port := d.Address()
	cluster := d.Str()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &RequestIdentificationBody{Role: role, UUID: uuid, Address: host, Port: port, ClusterName: cluster}, nil
}

type AcceptIdentificationBody struct {
	YourUUID       [16]byte
	PrimaryAddress string
	PrimaryPort    uint16
	NumPartitions  uint32
	NumReplicas    uint32
}

func (b *AcceptIdentificationBody) Marshal() []byte {
	return NewEncoder().UUID(b.YourUUID).Address(b.PrimaryAddress, b.PrimaryPort).
		U32(b.NumPartitions).U32(b.NumReplicas).Bytes()
}

func UnmarshalAcceptIdentification(body []byte) (*AcceptIdentificationBody, error) {
	d := NewDecoder(body)
	uuid := d.UUID()
	host, port := d.Address()
	np := d.U32()
	nr := d.U32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AcceptIdentificationBody{YourUUID: uuid, PrimaryAddress: host, PrimaryPort: port, NumPartitions: np, NumReplicas: nr}, nil
}

type AskBeginTransactionBody struct {
	TID uint64 // 0 means "allocate a fresh one"
}

func (b *AskBeginTransactionBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAskBeginTransaction(body []byte) (*AskBeginTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskBeginTransactionBody{TID: tid}, nil
}

type AnswerBeginTransactionBody struct {
	TID uint64
}

func (b *AnswerBeginTransactionBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAnswerBeginTransaction(body []byte) (*AnswerBeginTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerBeginTransactionBody{TID: tid}, nil
}

type AskStoreObjectBody struct {
	OID         uint64
	BaseSerial  uint64
	Compression uint8
	Checksum    uint64
	Data        []byte
	TID         uint64
}

func (b *AskStoreObjectBody) Marshal() []byte {
	return NewEncoder().U64(b.OID).U64(b.BaseSerial).U8(b.Compression).U64(b.Checksum).Blob(b.Data).U64(b.TID).Bytes()
}

func UnmarshalAskStoreObject(body []byte) (*AskStoreObjectBody, error) {
	d := NewDecoder(body)
	oid := d.U64()
	base := d.U64()
	comp := d.U8()
	sum := d.U64()
	data := d.Blob()
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskStoreObjectBody{OID: oid, BaseSerial: base, Compression: comp, Checksum: sum, Data: data, TID: tid}, nil
}

// AnswerStoreObjectBody: ConflictSerial == 0 means no conflict (§4.4).
type AnswerStoreObjectBody struct {
	ConflictSerial uint64
	OID            uint64
	Serial         uint64
}

func (b *AnswerStoreObjectBody) Marshal() []byte {
	return NewEncoder().U64(b.ConflictSerial).U64(b.OID).U64(b.Serial).Bytes()
}

func UnmarshalAnswerStoreObject(body []byte) (*AnswerStoreObjectBody, error) {
	d := NewDecoder(body)
	conflict := d.U64()
	oid := d.U64()
	serial := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerStoreObjectBody{ConflictSerial: conflict, OID: oid, Serial: serial}, nil
}

type AskStoreTransactionBody struct {
	TID         uint64
	User        string
	Description string
	Extension   string
	OIDs        []uint64
}

func (b *AskStoreTransactionBody) Marshal() []byte {
	e := NewEncoder().U64(b.TID).Str(b.User).Str(b.Description).Str(b.Extension).U32(uint32(len(b.OIDs)))
	for _, oid := range b.OIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalAskStoreTransaction(body []byte) (*AskStoreTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	user := d.Str()
	desc := d.Str()
	ext := d.Str()
	n := d.U32()
	oids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		oids = append(oids, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskStoreTransactionBody{TID: tid, User: user, Description: desc, Extension: ext, OIDs: oids}, nil
}

type AskFinishTransactionBody struct {
	TID  uint64
	OIDs []uint64
}

func (b *AskFinishTransactionBody) Marshal() []byte {
	e := NewEncoder().U64(b.TID).U32(uint32(len(b.OIDs)))
	for _, oid := range b.OIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalAskFinishTransaction(body []byte) (*AskFinishTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	n := d.U32()
	oids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		oids = append(oids, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskFinishTransactionBody{TID: tid, OIDs: oids}, nil
}

type AnswerTransactionFinishedBody struct {
	TID uint64
}

func (b *AnswerTransactionFinishedBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAnswerTransactionFinished(body []byte) (*AnswerTransactionFinishedBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerTransactionFinishedBody{TID: tid}, nil
}

type InvalidateObjectsBody struct {
	TID  uint64
	OIDs []uint64
}

func (b *InvalidateObjectsBody) Marshal() []byte {
	e := NewEncoder().U64(b.TID).U32(uint32(len(b.OIDs)))
	for _, oid := range b.OIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalInvalidateObjects(body []byte) (*InvalidateObjectsBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	n := d.U32()
	oids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		oids = append(oids, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &InvalidateObjectsBody{TID: tid, OIDs: oids}, nil
}

type AskObjectBody struct {
	OID    uint64
	Serial *uint64 // nil => latest
	Before *uint64 // nil => not a loadBefore request
}

func (b *AskObjectBody) Marshal() []byte {
	e := NewEncoder().U64(b.OID)
	if b.Serial != nil {
		e.Bool(true).U64(*b.Serial)
	} else {
		e.Bool(false)
	}
	if b.Before != nil {
		e.Bool(true).U64(*b.Before)
	} else {
		e.Bool(false)
	}
	return e.Bytes()
}

func UnmarshalAskObject(body []byte) (*AskObjectBody, error) {
	d := NewDecoder(body)
	oid := d.U64()
	b := &AskObjectBody{OID: oid}
	if d.Bool() {
		v := d.U64()
		b.Serial = &v
	}
	if d.Bool() {
		v := d.U64()
		b.Before = &v
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return b, nil
}

// AnswerObjectBody: EndSerial == nil means "no next revision" (loadBefore
// with no previous revision is signaled by Found == false instead).
type AnswerObjectBody struct {
	Found       bool
	OID         uint64
	StartSerial uint64
	EndSerial   *uint64
	Compression uint8
	Checksum    uint64
	Data        []byte
}

func (b *AnswerObjectBody) Marshal() []byte {
	e := NewEncoder().Bool(b.Found)
	if !b.Found {
		return e.Bytes()
	}
	e.U64(b.OID).U64(b.StartSerial)
	if b.EndSerial != nil {
		e.Bool(true).U64(*b.EndSerial)
	} else {
		e.Bool(false)
	}
	e.U8(b.Compression).U64(b.Checksum).Blob(b.Data)
	return e.Bytes()
}

func UnmarshalAnswerObject(body []byte) (*AnswerObjectBody, error) {
	d := NewDecoder(body)
	found := d.Bool()
	b := &AnswerObjectBody{Found: found}
	if !found {
		return b, d.Err()
	}
	b.OID = d.U64()
	b.StartSerial = d.U64()
	if d.Bool() {
		v := d.U64()
		b.EndSerial = &v
	}
	b.Compression = d.U8()
	b.Checksum = d.U64()
	b.Data = d.Blob()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return b, nil
}

type LockInformationBody struct {
	TID uint64
}

func (b *LockInformationBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalLockInformation(body []byte) (*LockInformationBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &LockInformationBody{TID: tid}, nil
}

type AnswerInformationLockedBody struct {
	TID uint64
}

func (b *AnswerInformationLockedBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAnswerInformationLocked(body []byte) (*AnswerInformationLockedBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerInformationLockedBody{TID: tid}, nil
}

type AskHasLockBody struct {
	TID uint64
	OID uint64
}

func (b *AskHasLockBody) Marshal() []byte { return NewEncoder().U64(b.TID).U64(b.OID).Bytes() }

func UnmarshalAskHasLock(body []byte) (*AskHasLockBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	oid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskHasLockBody{TID: tid, OID: oid}, nil
}

type AnswerHasLockBody struct {
	TID    uint64
	OID    uint64
	Locked bool
}

func (b *AnswerHasLockBody) Marshal() []byte {
	return NewEncoder().U64(b.TID).U64(b.OID).Bool(b.Locked).Bytes()
}

func UnmarshalAnswerHasLock(body []byte) (*AnswerHasLockBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	oid := d.U64()
	locked := d.Bool()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerHasLockBody{TID: tid, OID: oid, Locked: locked}, nil
}

type AskNewOIDsBody struct {
	Count uint32
}

func (b *AskNewOIDsBody) Marshal() []byte { return NewEncoder().U32(b.Count).Bytes() }

func UnmarshalAskNewOIDs(body []byte) (*AskNewOIDsBody, error) {
	d := NewDecoder(body)
	n := d.U32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskNewOIDsBody{Count: n}, nil
}

type AnswerNewOIDsBody struct {
	OIDs []uint64
}

func (b *AnswerNewOIDsBody) Marshal() []byte {
	e := NewEncoder().U32(uint32(len(b.OIDs)))
	for _, oid := range b.OIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalAnswerNewOIDs(body []byte) (*AnswerNewOIDsBody, error) {
	d := NewDecoder(body)
	n := d.U32()
	oids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		oids = append(oids, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerNewOIDsBody{OIDs: oids}, nil
}

type AbortTransactionBody struct {
	TID uint64
}

func (b *AbortTransactionBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAbortTransaction(body []byte) (*AbortTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AbortTransactionBody{TID: tid}, nil
}

type AskUndoTransactionBody struct {
	TID         uint64
	UndonTID    uint64
}

func (b *AskUndoTransactionBody) Marshal() []byte {
	return NewEncoder().U64(b.TID).U64(b.UndonTID).Bytes()
}

func UnmarshalAskUndoTransaction(body []byte) (*AskUndoTransactionBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	undone := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskUndoTransactionBody{TID: tid, UndonTID: undone}, nil
}

type AnswerUndoTransactionBody struct {
	ConflictOIDs []uint64
	ErrorOIDs    []uint64
}

func (b *AnswerUndoTransactionBody) Marshal() []byte {
	e := NewEncoder().U32(uint32(len(b.ConflictOIDs)))
	for _, oid := range b.ConflictOIDs {
		e.U64(oid)
	}
	e.U32(uint32(len(b.ErrorOIDs)))
	for _, oid := range b.ErrorOIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalAnswerUndoTransaction(body []byte) (*AnswerUndoTransactionBody, error) {
	d := NewDecoder(body)
	n := d.U32()
	conflicts := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		conflicts = append(conflicts, d.U64())
	}
	m := d.U32()
	errs := make([]uint64, 0, m)
	for i := uint32(0); i < m; i++ {
		errs = append(errs, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerUndoTransactionBody{ConflictOIDs: conflicts, ErrorOIDs: errs}, nil
}

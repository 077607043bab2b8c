package wire

// Bootstrap, roster and read-path opcodes beyond the core transaction
// messages in messages.go (§6 "core opcodes", continued).

// AskPrimaryBody carries no fields; a client sends it to any master address
// from its configured list to discover the primary (§4.7).
type AskPrimaryBody struct{}

func (b *AskPrimaryBody) Marshal() []byte { return nil }

func UnmarshalAskPrimary(body []byte) (*AskPrimaryBody, error) { return &AskPrimaryBody{}, nil }

type AnswerPrimaryBody struct {
	PrimaryAddress string
	PrimaryPort    uint16
}

func (b *AnswerPrimaryBody) Marshal() []byte {
	return NewEncoder().Address(b.PrimaryAddress, b.PrimaryPort).Bytes()
}

func UnmarshalAnswerPrimary(body []byte) (*AnswerPrimaryBody, error) {
	d := NewDecoder(body)
	host, port := d.Address()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerPrimaryBody{PrimaryAddress: host, PrimaryPort: port}, nil
}

// NodeInfo is one roster entry as carried by AnswerNodeInformation and
// NotifyNodeInformation (§3, §6).
type NodeInfo struct {
	UUID    [16]byte
	Role    NodeRole
	Address string
	Port    uint16
	State   uint8
}

func encodeNodeInfos(e *Encoder, nodes []NodeInfo) *Encoder {
	e.U32(uint32(len(nodes)))
	for _, n := range nodes {
		e.UUID(n.UUID).U8(uint8(n.Role)).Address(n.Address, n.Port).U8(n.State)
	}
	return e
}

func decodeNodeInfos(d *Decoder) []NodeInfo {
	n := d.U32()
	out := make([]NodeInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		uuid := d.UUID()
		role := NodeRole(d.U8())
		host, port := d.Address()
		state := d.U8()
		out = append(out, NodeInfo{UUID: uuid, Role: role, Address: host, Port: port, State: state})
	}
	return out
}

type AskNodeInformationBody struct{}

func (b *AskNodeInformationBody) Marshal() []byte { return nil }

func UnmarshalAskNodeInformation(body []byte) (*AskNodeInformationBody, error) {
	return &AskNodeInformationBody{}, nil
}

type AnswerNodeInformationBody struct {
	Nodes []NodeInfo
}

func (b *AnswerNodeInformationBody) Marshal() []byte {
	return encodeNodeInfos(NewEncoder(), b.Nodes).Bytes()
}

func UnmarshalAnswerNodeInformation(body []byte) (*AnswerNodeInformationBody, error) {
	d := NewDecoder(body)
	nodes := decodeNodeInfos(d)
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerNodeInformationBody{Nodes: nodes}, nil
}

// NotifyNodeInformationBody is the notification form of the same roster
// payload, pushed unsolicited by the primary master (§6).
type NotifyNodeInformationBody struct {
	Nodes []NodeInfo
}

func (b *NotifyNodeInformationBody) Marshal() []byte {
	return encodeNodeInfos(NewEncoder(), b.Nodes).Bytes()
}

func UnmarshalNotifyNodeInformation(body []byte) (*NotifyNodeInformationBody, error) {
	d := NewDecoder(body)
	nodes := decodeNodeInfos(d)
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &NotifyNodeInformationBody{Nodes: nodes}, nil
}

// CellInfo is one partition-table cell as carried on the wire (§4.1, §6).
type CellInfo struct {
	Partition uint32
	NodeUUID  [16]byte
	State     uint8
}

func encodeCells(e *Encoder, ptid uint64, cells []CellInfo) *Encoder {
	e.U64(ptid).U32(uint32(len(cells)))
	for _, c := range cells {
		e.U32(c.Partition).UUID(c.NodeUUID).U8(c.State)
	}
	return e
}

func decodeCells(d *Decoder) (uint64, []CellInfo) {
	ptid := d.U64()
	n := d.U32()
	cells := make([]CellInfo, 0, n)
	for i := uint32(0); i < n; i++ {
		part := d.U32()
		uuid := d.UUID()
		state := d.U8()
		cells = append(cells, CellInfo{Partition: part, NodeUUID: uuid, State: state})
	}
	return ptid, cells
}

type AskPartitionTableBody struct{}

func (b *AskPartitionTableBody) Marshal() []byte { return nil }

func UnmarshalAskPartitionTable(body []byte) (*AskPartitionTableBody, error) {
	return &AskPartitionTableBody{}, nil
}

type AnswerPartitionTableBody struct {
	PTID  uint64
	Cells []CellInfo
}

func (b *AnswerPartitionTableBody) Marshal() []byte {
	return encodeCells(NewEncoder(), b.PTID, b.Cells).Bytes()
}

func UnmarshalAnswerPartitionTable(body []byte) (*AnswerPartitionTableBody, error) {
	d := NewDecoder(body)
	ptid, cells := decodeCells(d)
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerPartitionTableBody{PTID: ptid, Cells: cells}, nil
}

// SendPartitionTableBody is the full-table push the master makes when a
// storage or client first becomes operational (§6); same shape as the
// answer form but sent unsolicited.
type SendPartitionTableBody struct {
	PTID  uint64
	Cells []CellInfo
}

func (b *SendPartitionTableBody) Marshal() []byte {
	return encodeCells(NewEncoder(), b.PTID, b.Cells).Bytes()
}

func UnmarshalSendPartitionTable(body []byte) (*SendPartitionTableBody, error) {
	d := NewDecoder(body)
	ptid, cells := decodeCells(d)
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &SendPartitionTableBody{PTID: ptid, Cells: cells}, nil
}

// NotifyPartitionChangesBody is the incremental form: only the cells that
// changed since the PTID the receiver already has (§4.1).
type NotifyPartitionChangesBody struct {
	PTID  uint64
	Cells []CellInfo
}

func (b *NotifyPartitionChangesBody) Marshal() []byte {
	return encodeCells(NewEncoder(), b.PTID, b.Cells).Bytes()
}

func UnmarshalNotifyPartitionChanges(body []byte) (*NotifyPartitionChangesBody, error) {
	d := NewDecoder(body)
	ptid, cells := decodeCells(d)
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &NotifyPartitionChangesBody{PTID: ptid, Cells: cells}, nil
}

type NotReadyBody struct{}

func (b *NotReadyBody) Marshal() []byte { return nil }

func UnmarshalNotReady(body []byte) (*NotReadyBody, error) { return &NotReadyBody{}, nil }

// NotifyUnlockInformationBody tells a storage to finalize (commit or roll
// back, depending on its own per-TID state) the write set it locked for
// tid (§4.5).
type NotifyUnlockInformationBody struct {
	TID uint64
}

func (b *NotifyUnlockInformationBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalNotifyUnlockInformation(body []byte) (*NotifyUnlockInformationBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &NotifyUnlockInformationBody{TID: tid}, nil
}

// StartOperationBody/StopOperationBody toggle whether a storage serves
// client traffic; sent by the master once the partition table covering it
// is operational, or when taking it out of service (§6).
type StartOperationBody struct{}

func (b *StartOperationBody) Marshal() []byte { return nil }

func UnmarshalStartOperation(body []byte) (*StartOperationBody, error) {
	return &StartOperationBody{}, nil
}

type StopOperationBody struct{}

func (b *StopOperationBody) Marshal() []byte { return nil }

func UnmarshalStopOperation(body []byte) (*StopOperationBody, error) {
	return &StopOperationBody{}, nil
}

// AskObjectHistoryBody/AnswerObjectHistoryBody support introspection of an
// object's revision list, independent of the load path (§6).
type AskObjectHistoryBody struct {
	OID   uint64
	Limit uint32
}

func (b *AskObjectHistoryBody) Marshal() []byte {
	return NewEncoder().U64(b.OID).U32(b.Limit).Bytes()
}

func UnmarshalAskObjectHistory(body []byte) (*AskObjectHistoryBody, error) {
	d := NewDecoder(body)
	oid := d.U64()
	limit := d.U32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskObjectHistoryBody{OID: oid, Limit: limit}, nil
}

type AnswerObjectHistoryBody struct {
	OID     uint64
	Serials []uint64
}

func (b *AnswerObjectHistoryBody) Marshal() []byte {
	e := NewEncoder().U64(b.OID).U32(uint32(len(b.Serials)))
	for _, s := range b.Serials {
		e.U64(s)
	}
	return e.Bytes()
}

func UnmarshalAnswerObjectHistory(body []byte) (*AnswerObjectHistoryBody, error) {
	d := NewDecoder(body)
	oid := d.U64()
	n := d.U32()
	serials := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		serials = append(serials, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerObjectHistoryBody{OID: oid, Serials: serials}, nil
}

// AskTIDsBody/AnswerTIDsBody page through the committed TID sequence, e.g.
// for administrative tooling (§6).
type AskTIDsBody struct {
	First uint32
	Last  uint32
}

func (b *AskTIDsBody) Marshal() []byte { return NewEncoder().U32(b.First).U32(b.Last).Bytes() }

func UnmarshalAskTIDs(body []byte) (*AskTIDsBody, error) {
	d := NewDecoder(body)
	first := d.U32()
	last := d.U32()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskTIDsBody{First: first, Last: last}, nil
}

type AnswerTIDsBody struct {
	TIDs []uint64
}

func (b *AnswerTIDsBody) Marshal() []byte {
	e := NewEncoder().U32(uint32(len(b.TIDs)))
	for _, tid := range b.TIDs {
		e.U64(tid)
	}
	return e.Bytes()
}

func UnmarshalAnswerTIDs(body []byte) (*AnswerTIDsBody, error) {
	d := NewDecoder(body)
	n := d.U32()
	tids := make([]uint64, 0, n)
	for i := uint32(0); i < n; i++ {
		tids = append(tids, d.U64())
	}
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AnswerTIDsBody{TIDs: tids}, nil
}

// AskTransactionInformationBody/AnswerTransactionInformationBody expose a
// committed transaction's metadata (§6), as recorded by AskStoreTransaction.
type AskTransactionInformationBody struct {
	TID uint64
}

func (b *AskTransactionInformationBody) Marshal() []byte { return NewEncoder().U64(b.TID).Bytes() }

func UnmarshalAskTransactionInformation(body []byte) (*AskTransactionInformationBody, error) {
	d := NewDecoder(body)
	tid := d.U64()
	if d.Err() != nil {
		return nil, d.Err()
	}
	return &AskTransactionInformationBody{TID: tid}, nil
}

type AnswerTransactionInformationBody struct {
	TID         uint64
	User        string
	Description string
	Extension   string
	OIDs        []uint64
}

func (b *AnswerTransactionInformationBody) Marshal() []byte {
	e := NewEncoder().U64(b.TID).Str(b.User).Str(b.Description).Str(b.Extension).U32(uint32(len(b.OIDs)))
	for _, oid := range b.OIDs {
		e.U64(oid)
	}
	return e.Bytes()
}

func UnmarshalAnswerTransactionInformation(body []byte) (*AnswerTransactionInformationBody, error) {
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
	return &AnswerTransactionInformationBody{TID: tid, User: user, Description: desc, Extension: ext, OIDs: oids}, nil
}

package storageserver

import (
	"net"
	"testing"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/storagedb"
	"github.com/cuemby/neo/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeDB is a minimal in-memory storagedb.Manager for exercising the
// opcode handlers without a real bbolt file.
type fakeDB struct {
	latest map[uint64]uint64
	data   map[uint64]storagedb.Revision
	txns   map[uint64]storagedb.TxInfo
}

func newFakeDB() *fakeDB {
	return &fakeDB{
		latest: map[uint64]uint64{},
		data:   map[uint64]storagedb.Revision{},
		txns:   map[uint64]storagedb.TxInfo{},
	}
}

func (f *fakeDB) StoreObject(tid, oid, baseSerial uint64, rev storagedb.Revision) (uint64, error) {
	if cur, ok := f.latest[oid]; ok && cur != baseSerial {
		return cur, nil
	}
	rev.Serial = tid
	f.data[oid] = rev
	f.latest[oid] = tid
	return 0, nil
}
func (f *fakeDB) StoreTransaction(info storagedb.TxInfo) error {
	f.txns[info.TID] = info
	return nil
}
func (f *fakeDB) LockObjects(tid uint64) error { return nil }
func (f *fakeDB) Unlock(tid uint64, commit bool) error { return nil }
func (f *fakeDB) Get(oid uint64, serial *uint64) (storagedb.Revision, error) {
	rev, ok := f.data[oid]
	if !ok {
		return storagedb.Revision{}, storagedb.ErrNotFound
	}
	if serial != nil && rev.Serial != *serial {
		return storagedb.Revision{}, storagedb.ErrNotFound
	}
	return rev, nil
}
func (f *fakeDB) GetBefore(oid, before uint64) (storagedb.Revision, *uint64, error) {
	rev, ok := f.data[oid]
	if !ok || rev.Serial >= before {
		return storagedb.Revision{}, nil, storagedb.ErrNotFound
	}
	return rev, nil, nil
}
func (f *fakeDB) History(oid uint64, limit uint32) ([]uint64, error) {
	if rev, ok := f.data[oid]; ok {
		return []uint64{rev.Serial}, nil
	}
	return nil, nil
}
func (f *fakeDB) TIDs(first, last uint32) ([]uint64, error) { return nil, nil }
func (f *fakeDB) TransactionInfo(tid uint64) (storagedb.TxInfo, error) {
	info, ok := f.txns[tid]
	if !ok {
		return storagedb.TxInfo{}, storagedb.ErrNotFound
	}
	return info, nil
}
func (f *fakeDB) DeleteObject(oid uint64) error { delete(f.data, oid); delete(f.latest, oid); return nil }
func (f *fakeDB) Close() error                  { return nil }

var _ storagedb.Manager = (*fakeDB)(nil)

func newTestServer(t *testing.T) (*Server, net.Conn, *netpoll.Connection) {
	t.Helper()
	db := newFakeDB()
	s := &Server{
		DB:            db,
		Self:          cluster.NewUUID(),
		ClusterName:   "neo-test",
		NumPartitions: 1,
		NumReplicas:   0,
		PrimaryAddr:   func() (string, uint16) { return "master-1", 3000 },
	}

	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	inbound := make(chan netpoll.Inbound, 64)
	table := s.Table()
	go func() {
		for in := range inbound {
			if in.Packet != nil {
				table.Dispatch(in)
			}
		}
	}()
	conn := netpoll.NewConnection(1, netpoll.RolePeerClient, serverSide, inbound)
	t.Cleanup(conn.Close)
	return s, clientSide, conn
}

func sendAndRecv(t *testing.T, clientSide net.Conn, code wire.Code, body []byte, msgID uint32) *wire.Packet {
	t.Helper()
	pkt := &wire.Packet{MsgID: msgID, Code: code, Body: body}
	require.NoError(t, pkt.Encode(clientSide))
	reply, err := wire.ReadPacket(clientSide)
	require.NoError(t, err)
	return reply
}

func TestHandleIdentifyAcceptsMatchingClusterName(t *testing.T) {
	_, clientSide, _ := newTestServer(t)
	req := &wire.RequestIdentificationBody{Role: wire.RoleClient, ClusterName: "neo-test"}
	reply := sendAndRecv(t, clientSide, wire.CRequestIdentification, req.Marshal(), 1)
	require.Equal(t, wire.CAnswerIdentification, reply.Code)
	ans, err := wire.UnmarshalAcceptIdentification(reply.Body)
	require.NoError(t, err)
	require.Equal(t, "master-1", ans.PrimaryAddress)
}

func TestHandleIdentifyRejectsWrongClusterName(t *testing.T) {
	_, clientSide, _ := newTestServer(t)
	req := &wire.RequestIdentificationBody{Role: wire.RoleClient, ClusterName: "other"}
	reply := sendAndRecv(t, clientSide, wire.CRequestIdentification, req.Marshal(), 1)
	require.Equal(t, wire.CNotReady, reply.Code)
}

func TestStoreObjectThenLockThenAskObjectRoundTrips(t *testing.T) {
	_, clientSide, _ := newTestServer(t)

	store := &wire.AskStoreObjectBody{OID: 1, BaseSerial: 0, Data: []byte("hello"), TID: 5}
	reply := sendAndRecv(t, clientSide, wire.CAskStoreObject, store.Marshal(), 1)
	ans, err := wire.UnmarshalAnswerStoreObject(reply.Body)
	require.NoError(t, err)
	require.Equal(t, uint64(0), ans.ConflictSerial)

	lock := &wire.LockInformationBody{TID: 5}
	reply = sendAndRecv(t, clientSide, wire.CLockInformation, lock.Marshal(), 2)
	require.Equal(t, wire.CAnswerInformationLocked, reply.Code)

	ask := &wire.AskObjectBody{OID: 1}
	reply = sendAndRecv(t, clientSide, wire.CAskObject, ask.Marshal(), 3)
	obj, err := wire.UnmarshalAnswerObject(reply.Body)
	require.NoError(t, err)
	require.True(t, obj.Found)
	require.Equal(t, []byte("hello"), obj.Data)
}

func TestStoreObjectReportsConflictOnStaleBaseSerial(t *testing.T) {
	_, clientSide, _ := newTestServer(t)

	first := &wire.AskStoreObjectBody{OID: 1, BaseSerial: 0, Data: []byte("v1"), TID: 5}
	sendAndRecv(t, clientSide, wire.CAskStoreObject, first.Marshal(), 1)

	second := &wire.AskStoreObjectBody{OID: 1, BaseSerial: 0, Data: []byte("v2"), TID: 6}
	reply := sendAndRecv(t, clientSide, wire.CAskStoreObject, second.Marshal(), 2)
	ans, err := wire.UnmarshalAnswerStoreObject(reply.Body)
	require.NoError(t, err)
	require.Equal(t, uint64(5), ans.ConflictSerial)
}

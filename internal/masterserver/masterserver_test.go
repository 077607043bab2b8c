package masterserver

import (
	"net"
	"testing"
	"time"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/election"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/txmgr"
	"github.com/cuemby/neo/internal/wire"
	"github.com/stretchr/testify/require"
)

type testRig struct {
	srv    *Server
	nodes  *cluster.NodeManager
	pt     *cluster.PartitionTable
	elect  *election.Fake
	connID uint64
}

func newRig(t *testing.T) *testRig {
	t.Helper()
	nodes := cluster.NewNodeManager()
	pt := cluster.NewPartitionTable(1, 0, nodes)
	txns := txmgr.New(pt)
	elect := election.NewFake("master-1:3000")
	require.NoError(t, elect.Campaign())
	d := dispatch.NewDispatcher()
	srv := New("neo-test", nodes, pt, txns, elect, d)
	return &testRig{srv: srv, nodes: nodes, pt: pt, elect: elect}
}

// attach wires a net.Pipe pair into the server's table as a connection of
// the given ID, draining inbound packets through the Dispatcher first and
// the handler table second, matching the production Route wiring.
func (r *testRig) attach(t *testing.T, id uint64) net.Conn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() { serverSide.Close(); clientSide.Close() })

	inbound := make(chan netpoll.Inbound, 64)
	table := r.srv.Table()
	conn := netpoll.NewConnection(id, netpoll.RolePeerStorage, serverSide, inbound)
	t.Cleanup(conn.Close)

	go func() {
		for in := range inbound {
			if in.Packet == nil {
				continue
			}
			if r.srv.Dispatcher.Deliver(in) {
				continue
			}
			table.Dispatch(in)
		}
	}()
	return clientSide
}

func sendAndRecv(t *testing.T, clientSide net.Conn, code wire.Code, body []byte, msgID uint32) *wire.Packet {
	t.Helper()
	pkt := &wire.Packet{MsgID: msgID, Code: code, Body: body}
	require.NoError(t, pkt.Encode(clientSide))
	reply, err := wire.ReadPacket(clientSide)
	require.NoError(t, err)
	return reply
}

func TestHandleIdentifyAssignsUUIDAndReturnsPrimaryAddress(t *testing.T) {
	r := newRig(t)
	clientSide := r.attach(t, 1)

	req := &wire.RequestIdentificationBody{Role: wire.RoleStorage, ClusterName: "neo-test", Address: "storage-1:3001"}
	reply := sendAndRecv(t, clientSide, wire.CRequestIdentification, req.Marshal(), 1)
	require.Equal(t, wire.CAnswerIdentification, reply.Code)

	ans, err := wire.UnmarshalAcceptIdentification(reply.Body)
	require.NoError(t, err)
	require.False(t, cluster.UUID(ans.YourUUID).IsZero())
	require.Equal(t, "master-1", ans.PrimaryAddress)
	require.Equal(t, uint16(3000), ans.PrimaryPort)
}

func TestHandleIdentifyRejectsWrongClusterName(t *testing.T) {
	r := newRig(t)
	clientSide := r.attach(t, 1)

	req := &wire.RequestIdentificationBody{Role: wire.RoleStorage, ClusterName: "other"}
	reply := sendAndRecv(t, clientSide, wire.CRequestIdentification, req.Marshal(), 1)
	require.Equal(t, wire.CNotReady, reply.Code)
}

func TestHandleAskBeginTransactionAllocatesIncreasingTIDs(t *testing.T) {
	r := newRig(t)
	clientSide := r.attach(t, 1)

	reply := sendAndRecv(t, clientSide, wire.CAskBeginTransaction, (&wire.AskBeginTransactionBody{}).Marshal(), 1)
	first, err := wire.UnmarshalAnswerBeginTransaction(reply.Body)
	require.NoError(t, err)

	reply = sendAndRecv(t, clientSide, wire.CAskBeginTransaction, (&wire.AskBeginTransactionBody{}).Marshal(), 2)
	second, err := wire.UnmarshalAnswerBeginTransaction(reply.Body)
	require.NoError(t, err)

	require.Greater(t, second.TID, first.TID)
}

// TestAskFinishTransactionCompletesAfterStorageLocksIn drives the full
// lock fan-out: a client asks to finish, the server sends LockInformation
// to the one registered storage, and once that storage answers, the
// client receives AnswerTransactionFinished.
func TestAskFinishTransactionCompletesAfterStorageLocksIn(t *testing.T) {
	r := newRig(t)

	storageUUID := cluster.NewUUID()
	r.nodes.Upsert(&cluster.Node{UUID: storageUUID, Role: cluster.RoleStorage, Address: "storage-1:3001", State: cluster.StateRunning})
	require.NoError(t, r.pt.SetCell(0, storageUUID, cluster.CellUpToDate))

	storageClient := r.attach(t, 100)
	idReq := &wire.RequestIdentificationBody{Role: wire.RoleStorage, ClusterName: "neo-test", UUID: storageUUID, Address: "storage-1:3001"}
	sendAndRecv(t, storageClient, wire.CRequestIdentification, idReq.Marshal(), 1)

	initiatorClient := r.attach(t, 200)
	beginReply := sendAndRecv(t, initiatorClient, wire.CAskBeginTransaction, (&wire.AskBeginTransactionBody{}).Marshal(), 1)
	begin, err := wire.UnmarshalAnswerBeginTransaction(beginReply.Body)
	require.NoError(t, err)

	finishReq := &wire.AskFinishTransactionBody{TID: begin.TID, OIDs: []uint64{1}}
	finishPkt := &wire.Packet{MsgID: 2, Code: wire.CAskFinishTransaction, Body: finishReq.Marshal()}
	require.NoError(t, finishPkt.Encode(initiatorClient))

	lockPkt, err := wire.ReadPacket(storageClient)
	require.NoError(t, err)
	require.Equal(t, wire.CLockInformation, lockPkt.Code)
	lockReq, err := wire.UnmarshalLockInformation(lockPkt.Body)
	require.NoError(t, err)
	require.Equal(t, begin.TID, lockReq.TID)

	lockedAns := &wire.AnswerInformationLockedBody{TID: begin.TID}
	lockedPkt := &wire.Packet{MsgID: lockPkt.MsgID, Code: wire.CAnswerInformationLocked, Body: lockedAns.Marshal()}
	require.NoError(t, lockedPkt.Encode(storageClient))

	finishedPkt, err := wire.ReadPacket(initiatorClient)
	require.NoError(t, err)
	require.Equal(t, wire.CAnswerTransactionFinished, finishedPkt.Code)

	unlockPkt, err := wire.ReadPacket(storageClient)
	require.NoError(t, err)
	require.Equal(t, wire.CNotifyUnlockInformation, unlockPkt.Code)

	require.Eventually(t, func() bool { return r.srv.Txns.Len() == 0 }, time.Second, 10*time.Millisecond)
}

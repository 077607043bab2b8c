package txn

import (
	"net"
	"testing"

	"github.com/cuemby/neo/internal/cache"
	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/pool"
	"github.com/cuemby/neo/internal/wire"
	"github.com/stretchr/testify/require"
)

// fakeUndoStorage answers AskTransactionInformation and AskUndoTransaction,
// the two round trips undo()'s §4.4 sequence drives against every storage
// node.
func fakeUndoStorage(t *testing.T, conn net.Conn, txInfo *wire.AnswerTransactionInformationBody, undoAns *wire.AnswerUndoTransactionBody) {
	t.Helper()
	go func() {
		for {
			pkt, err := wire.ReadPacket(conn)
			if err != nil {
				return
			}
			var reply *wire.Packet
			switch pkt.Code {
			case wire.CAskTransactionInformation:
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerTransactionInformation, Body: txInfo.Marshal()}
			case wire.CAskUndoTransaction:
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerUndoTransaction, Body: undoAns.Marshal()}
			default:
				continue
			}
			if err := reply.Encode(conn); err != nil {
				return
			}
		}
	}()
}

// fakeTIDsStorage answers AskTIDs with a fixed page and AskTransactionInformation
// per TID from a lookup table, the two requests History() pipelines.
func fakeTIDsStorage(t *testing.T, conn net.Conn, tids []uint64, info map[uint64]*wire.AnswerTransactionInformationBody) {
	t.Helper()
	go func() {
		for {
			pkt, err := wire.ReadPacket(conn)
			if err != nil {
				return
			}
			var reply *wire.Packet
			switch pkt.Code {
			case wire.CAskTIDs:
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerTIDs, Body: (&wire.AnswerTIDsBody{TIDs: tids}).Marshal()}
			case wire.CAskTransactionInformation:
				req, err := wire.UnmarshalAskTransactionInformation(pkt.Body)
				if err != nil {
					return
				}
				ans, ok := info[req.TID]
				if !ok {
					ans = &wire.AnswerTransactionInformationBody{TID: req.TID}
				}
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerTransactionInformation, Body: ans.Marshal()}
			default:
				continue
			}
			if err := reply.Encode(conn); err != nil {
				return
			}
		}
	}()
}

func newUndoTestEngine(t *testing.T, masterTID uint64, txInfo *wire.AnswerTransactionInformationBody, undoAns *wire.AnswerUndoTransactionBody) *Engine {
	t.Helper()
	storageUUID := cluster.NewUUID()

	nodes := cluster.NewNodeManager()
	nodes.Upsert(&cluster.Node{UUID: storageUUID, Role: cluster.RoleStorage, Address: "storage:1", State: cluster.StateRunning})

	pt := cluster.NewPartitionTable(1, 0, nodes)
	require.NoError(t, pt.SetCell(0, storageUUID, cluster.CellUpToDate))

	masterA, masterB := net.Pipe()
	storageA, storageB := net.Pipe()
	t.Cleanup(func() { masterA.Close(); masterB.Close(); storageA.Close(); storageB.Close() })

	fakeMasterForTxn(t, masterB, masterTID)
	fakeUndoStorage(t, storageB, txInfo, undoAns)

	inbound := make(chan netpoll.Inbound, 64)
	d := dispatch.NewDispatcher()
	go func() {
		for in := range inbound {
			d.Deliver(in)
		}
	}()

	masterConn := netpoll.NewConnection(1, netpoll.RolePeerMaster, masterA, inbound)
	p := pool.New(pool.Config{Dialer: pipeDialer{conn: storageA}, Inbound: inbound})
	c, err := cache.New(cache.DefaultSize, 1024)
	require.NoError(t, err)

	return &Engine{
		Dispatcher: d,
		Pool:       p,
		Partition:  pt,
		Nodes:      nodes,
		Cache:      c,
		MasterConn: func() (*netpoll.Connection, error) { return masterConn, nil },
	}
}

func TestUndoFetchesTransactionInformationBeforeAsking(t *testing.T) {
	txInfo := &wire.AnswerTransactionInformationBody{TID: 5, User: "alice", OIDs: []uint64{42}}
	undoAns := &wire.AnswerUndoTransactionBody{}
	e := newUndoTestEngine(t, 7, txInfo, undoAns)

	ctx, err := e.Begin(nil, 0)
	require.NoError(t, err)

	tid, errorOIDs, err := e.Undo(ctx, 5, nil)
	require.NoError(t, err)
	require.Equal(t, ctx.TID, tid)
	require.Empty(t, errorOIDs)
}

func TestUndoReportsConflictFromAnyStorage(t *testing.T) {
	txInfo := &wire.AnswerTransactionInformationBody{TID: 5, OIDs: []uint64{42}}
	undoAns := &wire.AnswerUndoTransactionBody{ConflictOIDs: []uint64{42}}
	e := newUndoTestEngine(t, 7, txInfo, undoAns)

	ctx, err := e.Begin(nil, 0)
	require.NoError(t, err)

	_, _, err = e.Undo(ctx, 5, nil)
	require.Error(t, err)
}

func TestHistoryPipelinesTIDsThenTransactionInformation(t *testing.T) {
	storageUUID := cluster.NewUUID()
	nodes := cluster.NewNodeManager()
	nodes.Upsert(&cluster.Node{UUID: storageUUID, Role: cluster.RoleStorage, Address: "storage:1", State: cluster.StateRunning})

	pt := cluster.NewPartitionTable(1, 0, nodes)
	require.NoError(t, pt.SetCell(0, storageUUID, cluster.CellUpToDate))

	storageA, storageB := net.Pipe()
	t.Cleanup(func() { storageA.Close(); storageB.Close() })

	info := map[uint64]*wire.AnswerTransactionInformationBody{
		1: {TID: 1, User: "alice", Description: "first commit"},
		2: {TID: 2, User: "bob", Description: "second commit", OIDs: []uint64{7}},
	}
	fakeTIDsStorage(t, storageB, []uint64{1, 2}, info)

	inbound := make(chan netpoll.Inbound, 64)
	d := dispatch.NewDispatcher()
	go func() {
		for in := range inbound {
			d.Deliver(in)
		}
	}()

	p := pool.New(pool.Config{Dialer: pipeDialer{conn: storageA}, Inbound: inbound})
	c, err := cache.New(cache.DefaultSize, 1024)
	require.NoError(t, err)

	e := &Engine{
		Dispatcher: d,
		Pool:       p,
		Partition:  pt,
		Nodes:      nodes,
		Cache:      c,
	}

	records, err := e.History(0, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, uint64(1), records[0].TID)
	require.Equal(t, "alice", records[0].User)
	require.Equal(t, uint64(2), records[1].TID)
	require.Equal(t, []uint64{7}, records[1].OIDs)
}

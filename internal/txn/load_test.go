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

// fakeObjectStorage answers AskObject with a fixed payload, exercising the
// checksum-verified read path askObject drives (§4.4, §8 invariant 6).
func fakeObjectStorage(t *testing.T, conn net.Conn, data []byte, serial uint64) {
	t.Helper()
	go func() {
		for {
			pkt, err := wire.ReadPacket(conn)
			if err != nil {
				return
			}
			if pkt.Code != wire.CAskObject {
				continue
			}
			req, err := wire.UnmarshalAskObject(pkt.Body)
			if err != nil {
				return
			}
			ans := &wire.AnswerObjectBody{
				Found: true, OID: req.OID, StartSerial: serial,
				Checksum: wire.Checksum(data), Data: data,
			}
			reply := &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerObject, Body: ans.Marshal()}
			if err := reply.Encode(conn); err != nil {
				return
			}
		}
	}()
}

// newLoadTestEngine wires an Engine against a single up-to-date storage
// cell whose fake connection answers AskObject, independent of
// newTestEngine's AskStoreObject/AskStoreTransaction mock.
func newLoadTestEngine(t *testing.T, data []byte, serial uint64) *Engine {
	t.Helper()
	storageUUID := cluster.NewUUID()

	nodes := cluster.NewNodeManager()
	nodes.Upsert(&cluster.Node{UUID: storageUUID, Role: cluster.RoleStorage, Address: "storage:1", State: cluster.StateRunning})

	pt := cluster.NewPartitionTable(1, 0, nodes)
	require.NoError(t, pt.SetCell(0, storageUUID, cluster.CellUpToDate))

	storageA, storageB := net.Pipe()
	t.Cleanup(func() { storageA.Close(); storageB.Close() })
	fakeObjectStorage(t, storageB, data, serial)

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

	return &Engine{
		Dispatcher: d,
		Pool:       p,
		Partition:  pt,
		Nodes:      nodes,
		Cache:      c,
	}
}

func TestLoadPopulatesCacheOnMiss(t *testing.T) {
	e := newLoadTestEngine(t, []byte("hello"), 7)

	data, serial, err := e.Load(42)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), data)
	require.Equal(t, uint64(7), serial)

	cachedSerial, cachedData, ok := e.Cache.Get(42)
	require.True(t, ok)
	require.Equal(t, uint64(7), cachedSerial)
	require.Equal(t, []byte("hello"), cachedData)
}

func TestLoadReturnsCachedValueWithoutAsking(t *testing.T) {
	e := newLoadTestEngine(t, []byte("unused"), 1)
	e.Cache.Put(42, 3, []byte("cached"))

	data, serial, err := e.Load(42)
	require.NoError(t, err)
	require.Equal(t, []byte("cached"), data)
	require.Equal(t, uint64(3), serial)
}

func TestLoadSerialBypassesCache(t *testing.T) {
	e := newLoadTestEngine(t, []byte("revision-data"), 9)
	e.Cache.Put(42, 9, []byte("stale-cached-copy"))

	data, err := e.LoadSerial(42, 9)
	require.NoError(t, err)
	require.Equal(t, []byte("revision-data"), data)
}

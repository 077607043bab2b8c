package identify

import (
	"net"
	"testing"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMaster answers AskPrimary/RequestIdentification/AskNodeInformation/
// AskPartitionTable exactly as the real primary would for a 1-partition,
// 0-replica cluster with no other nodes, so ClientBootstrap.Run can reach
// an Operational partition table.
func fakeMaster(t *testing.T, conn net.Conn, selfAddr string) {
	t.Helper()
	go func() {
		for {
			pkt, err := wire.ReadPacket(conn)
			if err != nil {
				return
			}
			var reply *wire.Packet
			switch pkt.Code {
			case wire.CAskPrimary:
				host, portStr, _ := net.SplitHostPort(selfAddr)
				var port uint16
				fscan(portStr, &port)
				body := (&wire.AnswerPrimaryBody{PrimaryAddress: host, PrimaryPort: port}).Marshal()
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerPrimary, Body: body}
			case wire.CRequestIdentification:
				body := (&wire.AcceptIdentificationBody{
					YourUUID:       cluster.NewUUID(),
					PrimaryAddress: "127.0.0.1",
					PrimaryPort:    4000,
					NumPartitions:  1,
					NumReplicas:    0,
				}).Marshal()
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerIdentification, Body: body}
			case wire.CAskNodeInformation:
				body := (&wire.AnswerNodeInformationBody{}).Marshal()
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerNodeInformation, Body: body}
			case wire.CAskPartitionTable:
				storageUUID := cluster.NewUUID()
				body := (&wire.AnswerPartitionTableBody{
					PTID: 1,
					Cells: []wire.CellInfo{
						{Partition: 0, NodeUUID: storageUUID, State: uint8(cluster.CellUpToDate)},
					},
				}).Marshal()
				reply = &wire.Packet{MsgID: pkt.MsgID, Code: wire.CAnswerPartitionTable, Body: body}
			default:
				continue
			}
			if err := reply.Encode(conn); err != nil {
				return
			}
		}
	}()
}

func fscan(s string, port *uint16) {
	var v uint16
	for _, c := range s {
		if c < '0' || c > '9' {
			continue
		}
		v = v*10 + uint16(c-'0')
	}
	*port = v
}

func TestClientBootstrapRunReachesOperationalTable(t *testing.T) {
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	fakeMaster(t, b, "127.0.0.1:4000")

	inbound := make(chan netpoll.Inbound, 16)
	d := dispatch.NewDispatcher()
	go func() {
		for in := range inbound {
			d.Deliver(in)
		}
	}()

	nodes := cluster.NewNodeManager()
	// A nil NodeManager makes PartitionTable.Operational() treat any
	// up-to-date/feeding cell as operational regardless of node liveness,
	// which keeps this test focused on the bootstrap sequence itself
	// rather than also having to fabricate AskNodeInformation's roster.
	pt := cluster.NewPartitionTable(1, 0, nil)
	boot := &ClientBootstrap{
		MasterAddrs: []string{"127.0.0.1:4000"},
		ClusterName: "test-cluster",
		Dialer:      func(addr string) (net.Conn, error) { return a, nil },
		Dispatcher:  d,
		Inbound:     inbound,
		Nodes:       nodes,
		Partition:   pt,
	}

	res, err := boot.Run()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), res.NumPartitions)
	assert.True(t, pt.Operational())
}

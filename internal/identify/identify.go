// Package identify implements the two bootstrap handshakes of spec §4.7:
// the client-to-master AskPrimary/RequestIdentification sequence that
// brings a client up to a ready state, and the per-dial storage handshake
// the connection pool performs before handing out a fresh connection.
package identify

import (
	"fmt"
	"net"
	"time"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/wire"
)

// notReadyRetryDelay is the spec's fixed backoff for a NotReady answer
// (§4.7 "sleeps 1s and retries").
const notReadyRetryDelay = time.Second

// Dialer abstracts net.Dial so tests can substitute net.Pipe endpoints.
type Dialer func(addr string) (net.Conn, error)

// ClientBootstrap drives the client-to-master handshake sequence.
type ClientBootstrap struct {
	MasterAddrs []string
	ClusterName string
	Dialer      Dialer
	Dispatcher  *dispatch.Dispatcher
	Inbound     chan<- netpoll.Inbound
	Nodes       *cluster.NodeManager
	Partition   *cluster.PartitionTable

	uuid cluster.UUID
}

// Result is everything the rest of the client needs once bootstrap succeeds.
type Result struct {
	UUID          cluster.UUID
	MasterAddr    string
	MasterConn    *netpoll.Connection
	NumPartitions uint32
	NumReplicas   uint32
}

// Run executes steps 1-3 of §4.7 to completion, blocking (with the
// documented retries/backoffs) until the client is ready -- i.e. until the
// partition table it just loaded reports Operational.
func (b *ClientBootstrap) Run() (*Result, error) {
	logger := log.WithComponent("identify")
	connID := uint64(1)

	for {
		addr, conn, err := b.findPrimary(&connID)
		if err != nil {
			return nil, err
		}

		res, err := b.identifyAt(addr, conn)
		if err == errNotReady {
			conn.Close()
			time.Sleep(notReadyRetryDelay)
			continue
		}
		if err == errUUIDConflict {
			conn.Close()
			b.uuid = cluster.UUID{}
			continue
		}
		if err != nil {
			conn.Close()
			return nil, err
		}

		if err := b.loadRoster(conn); err != nil {
			conn.Close()
			return nil, err
		}
		if err := b.loadPartitionTable(conn); err != nil {
			conn.Close()
			return nil, err
		}

		if !b.Partition.Operational() {
			logger.Warn().Msg("partition table not yet operational after bootstrap, retrying")
			conn.Close()
			continue
		}

		res.MasterConn = conn
		return res, nil
	}
}

// findPrimary implements §4.7 step 1: dial each configured address and ask
// it who the primary is, following a redirect if the dialed peer isn't
// itself primary.
func (b *ClientBootstrap) findPrimary(connID *uint64) (string, *netpoll.Connection, error) {
	candidates := append([]string(nil), b.MasterAddrs...)
	for i := 0; i < len(candidates); i++ {
		addr := candidates[i]
		raw, err := b.Dialer(addr)
		if err != nil {
			continue
		}
		*connID++
		conn := netpoll.NewConnection(*connID, netpoll.RolePeerMaster, raw, b.Inbound)

		queue := make(chan dispatch.Reply, 4)
		msgID := conn.NextMsgID()
		b.Dispatcher.Register(conn, msgID, queue)
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskPrimary, Body: (&wire.AskPrimaryBody{}).Marshal()}); err != nil {
			conn.Close()
			continue
		}
		pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
		if err != nil {
			conn.Close()
			continue
		}
		ans, err := wire.UnmarshalAnswerPrimary(pkt.Body)
		if err != nil {
			conn.Close()
			continue
		}
		primaryAddr := fmt.Sprintf("%s:%d", ans.PrimaryAddress, ans.PrimaryPort)
		if primaryAddr == addr {
			return addr, conn, nil
		}
		conn.Close()
		candidates = append(candidates, primaryAddr)
	}
	return "", nil, neoerr.New(neoerr.KindConnectionClosed, "no master address yielded a reachable primary")
}

var errNotReady = fmt.Errorf("identify: NotReady")
var errUUIDConflict = fmt.Errorf("identify: uuid conflict")

func (b *ClientBootstrap) identifyAt(addr string, conn *netpoll.Connection) (*Result, error) {
	host, port, err := splitHostPort(addr)
	if err != nil {
		return nil, err
	}

	queue := make(chan dispatch.Reply, 4)
	msgID := conn.NextMsgID()
	b.Dispatcher.Register(conn, msgID, queue)
	req := &wire.RequestIdentificationBody{
		Role:        wire.RoleClient,
		UUID:        b.uuid,
		ClusterName: b.ClusterName,
	}
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CRequestIdentification, Body: req.Marshal()}); err != nil {
		return nil, err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		return nil, err
	}
	switch pkt.Code {
	case wire.CNotReady:
		return nil, errNotReady
	case wire.CAnswerIdentification:
		ans, err := wire.UnmarshalAcceptIdentification(pkt.Body)
		if err != nil {
			return nil, err
		}
		b.uuid = cluster.UUID(ans.YourUUID)
		return &Result{
			UUID:          b.uuid,
			MasterAddr:    fmt.Sprintf("%s:%d", host, port),
			NumPartitions: ans.NumPartitions,
			NumReplicas:   ans.NumReplicas,
		}, nil
	default:
		return nil, errUUIDConflict
	}
}

func (b *ClientBootstrap) loadRoster(conn *netpoll.Connection) error {
	queue := make(chan dispatch.Reply, 4)
	msgID := conn.NextMsgID()
	b.Dispatcher.Register(conn, msgID, queue)
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskNodeInformation, Body: (&wire.AskNodeInformationBody{}).Marshal()}); err != nil {
		return err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		return err
	}
	ans, err := wire.UnmarshalAnswerNodeInformation(pkt.Body)
	if err != nil {
		return err
	}
	for _, n := range ans.Nodes {
		b.Nodes.Upsert(&cluster.Node{
			UUID:    cluster.UUID(n.UUID),
			Role:    fromWireRole(n.Role),
			Address: fmt.Sprintf("%s:%d", n.Address, n.Port),
			State:   cluster.State(n.State),
		})
	}
	return nil
}

func (b *ClientBootstrap) loadPartitionTable(conn *netpoll.Connection) error {
	queue := make(chan dispatch.Reply, 4)
	msgID := conn.NextMsgID()
	b.Dispatcher.Register(conn, msgID, queue)
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskPartitionTable, Body: (&wire.AskPartitionTableBody{}).Marshal()}); err != nil {
		return err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		return err
	}
	ans, err := wire.UnmarshalAnswerPartitionTable(pkt.Body)
	if err != nil {
		return err
	}
	rows := cellsToRows(ans.Cells)
	return b.Partition.Load(ans.PTID, rows)
}

func cellsToRows(cells []wire.CellInfo) []cluster.Row {
	byPart := make(map[uint32][]cluster.Cell)
	order := make([]uint32, 0)
	for _, c := range cells {
		if _, ok := byPart[c.Partition]; !ok {
			order = append(order, c.Partition)
		}
		byPart[c.Partition] = append(byPart[c.Partition], cluster.Cell{
			NodeID: cluster.UUID(c.NodeUUID),
			State:  cluster.CellState(c.State),
		})
	}
	rows := make([]cluster.Row, 0, len(order))
	for _, p := range order {
		rows = append(rows, cluster.Row{Partition: int(p), Cells: byPart[p]})
	}
	return rows
}

func fromWireRole(r wire.NodeRole) cluster.Role {
	switch r {
	case wire.RoleMaster:
		return cluster.RoleMaster
	case wire.RoleStorage:
		return cluster.RoleStorage
	case wire.RoleClient:
		return cluster.RoleClient
	default:
		return cluster.RoleAdmin
	}
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	var port uint16
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return "", 0, err
	}
	return host, port, nil
}

// StorageHandshake performs the per-dial handshake of §4.7's second
// paragraph: identify to the storage, then verify its view of the primary
// master matches expectedPrimary. It is meant to be used as a pool.Identifier.
type StorageHandshake struct {
	ClientUUID      cluster.UUID
	ClusterName     string
	Dispatcher      *dispatch.Dispatcher
	ExpectedPrimary func() string
}

func (h *StorageHandshake) Identify(conn *netpoll.Connection) error {
	queue := make(chan dispatch.Reply, 4)
	msgID := conn.NextMsgID()
	h.Dispatcher.Register(conn, msgID, queue)
	req := &wire.RequestIdentificationBody{
		Role:        wire.RoleClient,
		UUID:        h.ClientUUID,
		ClusterName: h.ClusterName,
	}
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CRequestIdentification, Body: req.Marshal()}); err != nil {
		return err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		return err
	}
	if pkt.Code == wire.CNotReady {
		return neoerr.New(neoerr.KindNodeNotReady, "storage not ready")
	}
	ans, err := wire.UnmarshalAcceptIdentification(pkt.Body)
	if err != nil {
		return err
	}
	gotPrimary := fmt.Sprintf("%s:%d", ans.PrimaryAddress, ans.PrimaryPort)
	if want := h.ExpectedPrimary(); want != "" && gotPrimary != want {
		return neoerr.New(neoerr.KindProtocol,
			fmt.Sprintf("storage disagrees on primary master: got %s, want %s", gotPrimary, want))
	}
	return nil
}

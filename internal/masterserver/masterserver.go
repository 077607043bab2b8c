// Package masterserver implements the master process's side of the wire
// protocol: bootstrap answers (§4.7), transaction allocation and the
// LockInformation fan-out that drives tpc_finish to completion (§4.5). It
// is the master's handler.Table, built the same way storageserver builds
// the storage's: a thin dispatch layer over the domain types in
// internal/txmgr and internal/cluster.
package masterserver

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/election"
	"github.com/cuemby/neo/internal/handler"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/txmgr"
	"github.com/cuemby/neo/internal/wire"
)

// Server holds every piece of cluster state the master's opcode handlers
// touch, plus the connection registries needed to address replies and
// fan-out notifications by node identity instead of by socket.
type Server struct {
	ClusterName string
	Nodes       *cluster.NodeManager
	Partition   *cluster.PartitionTable
	Txns        *txmgr.Manager
	Election    election.PrimaryElection
	Dispatcher  *dispatch.Dispatcher

	mu        sync.Mutex
	byConnID  map[uint64]*netpoll.Connection
	storageOf map[cluster.UUID]*netpoll.Connection
	clients   map[uint64]*netpoll.Connection
}

func New(clusterName string, nodes *cluster.NodeManager, pt *cluster.PartitionTable, txns *txmgr.Manager, elect election.PrimaryElection, d *dispatch.Dispatcher) *Server {
	return &Server{
		ClusterName: clusterName,
		Nodes:       nodes,
		Partition:   pt,
		Txns:        txns,
		Election:    elect,
		Dispatcher:  d,
		byConnID:    make(map[uint64]*netpoll.Connection),
		storageOf:   make(map[cluster.UUID]*netpoll.Connection),
		clients:     make(map[uint64]*netpoll.Connection),
	}
}

func (s *Server) Table() *handler.Table {
	t := handler.NewTable()
	t.On(wire.CRequestIdentification, s.handleIdentify)
	t.On(wire.CAskPrimary, s.handleAskPrimary)
	t.On(wire.CAskNodeInformation, s.handleAskNodeInformation)
	t.On(wire.CAskPartitionTable, s.handleAskPartitionTable)
	t.On(wire.CAskBeginTransaction, s.handleAskBeginTransaction)
	t.On(wire.CAskNewOIDs, s.handleAskNewOIDs)
	t.On(wire.CAskFinishTransaction, s.handleAskFinishTransaction)
	t.On(wire.CAbortTransaction, s.handleAbortTransaction)
	return t
}

func (s *Server) registerConn(uuid cluster.UUID, role wire.NodeRole, conn *netpoll.Connection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byConnID[conn.ID] = conn
	if role == wire.RoleStorage {
		s.storageOf[uuid] = conn
	}
	if role == wire.RoleClient {
		s.clients[conn.ID] = conn
	}
}

func (s *Server) connByID(id uint64) (*netpoll.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byConnID[id]
	return c, ok
}

func (s *Server) storageConn(uuid cluster.UUID) (*netpoll.Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.storageOf[uuid]
	return c, ok
}

// otherClientConns returns every identified client connection except
// exclude (the transaction's own initiator, which already knows its
// commit succeeded).
func (s *Server) otherClientConns(exclude uint64) []*netpoll.Connection {
	s.mu.Lock()
	defer s.mu.Unlock()
	conns := make([]*netpoll.Connection, 0, len(s.clients))
	for id, c := range s.clients {
		if id == exclude {
			continue
		}
		conns = append(conns, c)
	}
	return conns
}

func (s *Server) primaryAddrParts() (string, uint16) {
	addr, _ := s.Election.PrimaryAddress()
	host, port, err := splitHostPort(addr)
	if err != nil {
		return "", 0
	}
	return host, port
}

func (s *Server) handleIdentify(in netpoll.Inbound) {
	req, err := wire.UnmarshalRequestIdentification(in.Packet.Body)
	if err != nil {
		return
	}
	if req.ClusterName != s.ClusterName {
		_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CNotReady, (&wire.NotReadyBody{}).Marshal())
		return
	}
	if !s.Election.IsPrimary() {
		_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CNotReady, (&wire.NotReadyBody{}).Marshal())
		return
	}

	uuid := cluster.UUID(req.UUID)
	if uuid.IsZero() {
		uuid = cluster.NewUUID()
	}
	role := fromWireRole(req.Role)
	s.Nodes.Upsert(&cluster.Node{
		UUID: uuid, Role: role, Address: req.Address, State: cluster.StateRunning,
	})
	s.registerConn(uuid, req.Role, in.Conn)

	host, port := s.primaryAddrParts()
	ans := &wire.AcceptIdentificationBody{
		YourUUID:       uuid,
		PrimaryAddress: host,
		PrimaryPort:    port,
		NumPartitions:  uint32(s.Partition.NumPartitions()),
		NumReplicas:    uint32(s.Partition.NumReplicas()),
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerIdentification, ans.Marshal())
}

func (s *Server) handleAskPrimary(in netpoll.Inbound) {
	host, port := s.primaryAddrParts()
	ans := &wire.AnswerPrimaryBody{PrimaryAddress: host, PrimaryPort: port}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerPrimary, ans.Marshal())
}

func (s *Server) handleAskNodeInformation(in netpoll.Inbound) {
	nodes := s.Nodes.All()
	infos := make([]wire.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		host, port, _ := splitHostPort(n.Address)
		infos = append(infos, wire.NodeInfo{
			UUID: [16]byte(n.UUID), Role: toWireRole(n.Role), Address: host, Port: port, State: uint8(n.State),
		})
	}
	ans := &wire.AnswerNodeInformationBody{Nodes: infos}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerNodeInformation, ans.Marshal())
}

func (s *Server) handleAskPartitionTable(in netpoll.Inbound) {
	rows := s.Partition.Rows()
	var cells []wire.CellInfo
	for _, r := range rows {
		for _, c := range r.Cells {
			cells = append(cells, wire.CellInfo{Partition: uint32(r.Partition), NodeUUID: [16]byte(c.NodeID), State: uint8(c.State)})
		}
	}
	ans := &wire.AnswerPartitionTableBody{PTID: s.Partition.PTID(), Cells: cells}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerPartitionTable, ans.Marshal())
}

func (s *Server) handleAskBeginTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskBeginTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	tid, err := s.Txns.BeginTransaction(req.TID)
	if err != nil {
		log.WithComponent("masterserver").Warn().Err(err).Msg("begin transaction rejected")
		return
	}
	ans := &wire.AnswerBeginTransactionBody{TID: tid}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerBeginTransaction, ans.Marshal())
}

func (s *Server) handleAskNewOIDs(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskNewOIDs(in.Packet.Body)
	if err != nil {
		return
	}
	oids, _ := s.Txns.NewOIDs(req.Count)
	ans := &wire.AnswerNewOIDsBody{OIDs: oids}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerNewOIDs, ans.Marshal())
}

// handleAskFinishTransaction drives §4.5's LockInformation fan-out: it
// registers the transaction, sends LockInformation to every expected
// storage and, off the poll goroutine, waits for each AnswerInformationLocked
// before completing the finish sequence (AnswerTransactionFinished,
// InvalidateObjects, NotifyUnlockInformation).
func (s *Server) handleAskFinishTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskFinishTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	// completeFinish looks the initiator up by connection ID, so record it
	// here even if it never went through handleIdentify.
	s.mu.Lock()
	s.byConnID[in.Conn.ID] = in.Conn
	s.mu.Unlock()
	txn, err := s.Txns.BeginFinish(req.TID, in.Conn.ID, in.Packet.MsgID, req.OIDs)
	if err != nil {
		log.WithComponent("masterserver").Warn().Err(err).Uint64("tid", req.TID).Msg("finish transaction rejected")
		return
	}

	for uuid := range txn.ExpectedUUIDs {
		storageConn, ok := s.storageConn(uuid)
		if !ok {
			continue
		}
		go s.lockOneStorage(req.TID, uuid, storageConn)
	}
}

func (s *Server) lockOneStorage(tid uint64, uuid cluster.UUID, conn *netpoll.Connection) {
	msgID := conn.NextMsgID()
	queue := make(chan dispatch.Reply, 1)
	s.Dispatcher.Register(conn, msgID, queue)
	body := (&wire.LockInformationBody{TID: tid}).Marshal()
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CLockInformation, Body: body}); err != nil {
		s.Dispatcher.Forget(conn, msgID)
		return
	}
	reply := <-queue
	if reply.Closed || reply.Forgotten || reply.Packet == nil {
		return
	}
	ready, txn, err := s.Txns.AnswerInformationLocked(tid, uuid)
	if err != nil {
		log.WithComponent("masterserver").Error().Err(err).Uint64("tid", tid).Msg("answer information locked rejected")
		return
	}
	if ready {
		s.completeFinish(txn)
	}
}

func (s *Server) completeFinish(txn *txmgr.Transaction) {
	if initiator, ok := s.connByID(txn.InitiatorConn); ok {
		ans := &wire.AnswerTransactionFinishedBody{TID: txn.TID}
		_ = handler.Reply(initiator, txn.MsgID, wire.CAnswerTransactionFinished, ans.Marshal())
	}

	invalidate := (&wire.InvalidateObjectsBody{TID: txn.TID, OIDs: txn.OIDs}).Marshal()
	for _, conn := range s.otherClientConns(txn.InitiatorConn) {
		_ = handler.Notify(conn, wire.CInvalidateObjects, invalidate)
	}

	for uuid := range txn.ExpectedUUIDs {
		if conn, ok := s.storageConn(uuid); ok {
			_ = handler.Notify(conn, wire.CNotifyUnlockInformation, (&wire.NotifyUnlockInformationBody{TID: txn.TID}).Marshal())
		}
	}
	s.Txns.FinishDone(txn.TID)
}

func (s *Server) handleAbortTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAbortTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	txn, ok := s.Txns.Get(req.TID)
	s.Txns.AbortTransaction(req.TID)
	if !ok {
		return
	}
	for uuid := range txn.ExpectedUUIDs {
		if conn, ok := s.storageConn(uuid); ok {
			_ = handler.Notify(conn, wire.CAbortTransaction, (&wire.AbortTransactionBody{TID: req.TID}).Marshal())
		}
	}
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
	if addr == "" {
		return "", 0, fmt.Errorf("masterserver: empty address")
	}
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}

func toWireRole(r cluster.Role) wire.NodeRole {
	switch r {
	case cluster.RoleMaster:
		return wire.RoleMaster
	case cluster.RoleStorage:
		return wire.RoleStorage
	case cluster.RoleClient:
		return wire.RoleClient
	default:
		return wire.RoleAdmin
	}
}

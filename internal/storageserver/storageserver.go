// Package storageserver wires a storagedb.Manager to the wire opcodes a
// storage node answers (§6): identification, the store/lock/unlock half of
// §4.5 as seen from underneath, and the read/undo family of §4.4. It is the
// storage process's handler.Table, grounded on the teacher's pattern of a
// thin per-role dispatch table calling into a domain object.
package storageserver

import (
	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/handler"
	"github.com/cuemby/neo/internal/log"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/storagedb"
	"github.com/cuemby/neo/internal/wire"
)

// Server answers the opcodes a storage node serves to clients and its
// master.
type Server struct {
	DB            storagedb.Manager
	Self          cluster.UUID
	PrimaryAddr   func() (string, uint16)
	ClusterName   string
	NumPartitions uint32
	NumReplicas   uint32
}

// Table builds the handler.Table a Poller drives for this storage's
// listening socket.
func (s *Server) Table() *handler.Table {
	t := handler.NewTable()
	t.On(wire.CRequestIdentification, s.handleIdentify)
	t.On(wire.CAskStoreObject, s.handleStoreObject)
	t.On(wire.CAskStoreTransaction, s.handleStoreTransaction)
	t.On(wire.CLockInformation, s.handleLockInformation)
	t.On(wire.CNotifyUnlockInformation, s.handleUnlockInformation)
	t.On(wire.CAskHasLock, s.handleHasLock)
	t.On(wire.CAskObject, s.handleAskObject)
	t.On(wire.CAskObjectHistory, s.handleAskObjectHistory)
	t.On(wire.CAskTIDs, s.handleAskTIDs)
	t.On(wire.CAskTransactionInformation, s.handleAskTransactionInformation)
	t.On(wire.CAskUndoTransaction, s.handleAskUndoTransaction)
	t.On(wire.CAbortTransaction, s.handleAbortTransaction)
	return t
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
	host, port := s.PrimaryAddr()
	ans := &wire.AcceptIdentificationBody{
		YourUUID:      req.UUID,
		PrimaryAddress: host,
		PrimaryPort:    port,
		NumPartitions:  s.NumPartitions,
		NumReplicas:    s.NumReplicas,
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerIdentification, ans.Marshal())
}

func (s *Server) handleStoreObject(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskStoreObject(in.Packet.Body)
	if err != nil {
		return
	}
	conflict, err := s.DB.StoreObject(req.TID, req.OID, req.BaseSerial, storagedb.Revision{
		Compression: req.Compression,
		Checksum:    req.Checksum,
		Data:        req.Data,
	})
	ans := &wire.AnswerStoreObjectBody{OID: req.OID}
	if err != nil {
		log.WithComponent("storageserver").Error().Err(err).Uint64("oid", req.OID).Msg("store object failed")
		ans.ConflictSerial = req.BaseSerial
	} else {
		ans.ConflictSerial = conflict
		ans.Serial = req.TID
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerStoreObject, ans.Marshal())
}

func (s *Server) handleStoreTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskStoreTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	err = s.DB.StoreTransaction(storagedb.TxInfo{
		TID: req.TID, User: req.User, Description: req.Description,
		Extension: req.Extension, OIDs: req.OIDs,
	})
	if err != nil {
		log.WithComponent("storageserver").Error().Err(err).Uint64("tid", req.TID).Msg("store transaction failed")
		return
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerStoreTransaction, nil)
}

// handleLockInformation implements §4.5's storage-side half: make tid's
// tentative writes durable, then answer AnswerInformationLocked so the
// master can fold this uuid into the transaction's locked set.
func (s *Server) handleLockInformation(in netpoll.Inbound) {
	req, err := wire.UnmarshalLockInformation(in.Packet.Body)
	if err != nil {
		return
	}
	if err := s.DB.LockObjects(req.TID); err != nil {
		log.WithComponent("storageserver").Error().Err(err).Uint64("tid", req.TID).Msg("lock objects failed")
		return
	}
	ans := &wire.AnswerInformationLockedBody{TID: req.TID}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerInformationLocked, ans.Marshal())
}

func (s *Server) handleUnlockInformation(in netpoll.Inbound) {
	req, err := wire.UnmarshalNotifyUnlockInformation(in.Packet.Body)
	if err != nil {
		return
	}
	if err := s.DB.Unlock(req.TID, true); err != nil {
		log.WithComponent("storageserver").Error().Err(err).Uint64("tid", req.TID).Msg("unlock failed")
	}
}

func (s *Server) handleAbortTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAbortTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	if err := s.DB.Unlock(req.TID, false); err != nil {
		log.WithComponent("storageserver").Error().Err(err).Uint64("tid", req.TID).Msg("abort unlock failed")
	}
}

// handleHasLock answers the diagnostic probe the client sends after a
// timed-out AskStoreObject, per §4.4's storeTimeoutHook.
func (s *Server) handleHasLock(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskHasLock(in.Packet.Body)
	if err != nil {
		return
	}
	_, getErr := s.DB.Get(req.OID, &req.TID)
	ans := &wire.AnswerHasLockBody{TID: req.TID, OID: req.OID, Locked: getErr == nil}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerHasLock, ans.Marshal())
}

func (s *Server) handleAskObject(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskObject(in.Packet.Body)
	if err != nil {
		return
	}
	var rev storagedb.Revision
	var end *uint64
	var getErr error
	switch {
	case req.Before != nil:
		rev, end, getErr = s.DB.GetBefore(req.OID, *req.Before)
	default:
		rev, getErr = s.DB.Get(req.OID, req.Serial)
	}
	if getErr != nil {
		_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerObject, (&wire.AnswerObjectBody{Found: false}).Marshal())
		return
	}
	ans := &wire.AnswerObjectBody{
		Found: true, OID: req.OID, StartSerial: rev.Serial, EndSerial: end,
		Compression: rev.Compression, Checksum: rev.Checksum, Data: rev.Data,
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerObject, ans.Marshal())
}

func (s *Server) handleAskObjectHistory(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskObjectHistory(in.Packet.Body)
	if err != nil {
		return
	}
	serials, err := s.DB.History(req.OID, req.Limit)
	if err != nil {
		serials = nil
	}
	ans := &wire.AnswerObjectHistoryBody{OID: req.OID, Serials: serials}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerObjectHistory, ans.Marshal())
}

func (s *Server) handleAskTIDs(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskTIDs(in.Packet.Body)
	if err != nil {
		return
	}
	tids, err := s.DB.TIDs(req.First, req.Last)
	if err != nil {
		tids = nil
	}
	ans := &wire.AnswerTIDsBody{TIDs: tids}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerTIDs, ans.Marshal())
}

func (s *Server) handleAskTransactionInformation(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskTransactionInformation(in.Packet.Body)
	if err != nil {
		return
	}
	info, err := s.DB.TransactionInfo(req.TID)
	if err != nil {
		_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerTransactionInformation, (&wire.AnswerTransactionInformationBody{TID: req.TID}).Marshal())
		return
	}
	ans := &wire.AnswerTransactionInformationBody{
		TID: info.TID, User: info.User, Description: info.Description,
		Extension: info.Extension, OIDs: info.OIDs,
	}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerTransactionInformation, ans.Marshal())
}

// handleAskUndoTransaction implements the storage-side half of §4.4 undo:
// for every oid touched by undonTID, report a conflict if it has since
// been overwritten past the undo target, else flag it as needing the
// client-side resolution loop.
func (s *Server) handleAskUndoTransaction(in netpoll.Inbound) {
	req, err := wire.UnmarshalAskUndoTransaction(in.Packet.Body)
	if err != nil {
		return
	}
	info, err := s.DB.TransactionInfo(req.UndonTID)
	if err != nil {
		_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerUndoTransaction, (&wire.AnswerUndoTransactionBody{}).Marshal())
		return
	}
	var conflicts, errs []uint64
	for _, oid := range info.OIDs {
		latest, err := s.DB.Get(oid, nil)
		if err != nil {
			errs = append(errs, oid)
			continue
		}
		if latest.Serial != req.UndonTID {
			conflicts = append(conflicts, oid)
			continue
		}
		errs = append(errs, oid)
	}
	ans := &wire.AnswerUndoTransactionBody{ConflictOIDs: conflicts, ErrorOIDs: errs}
	_ = handler.Reply(in.Conn, in.Packet.MsgID, wire.CAnswerUndoTransaction, ans.Marshal())
}

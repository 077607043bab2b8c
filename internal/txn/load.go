package txn

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/wire"
)

// Load implements load(oid) (§4.4): cache hit short-circuits under the load
// lock; on miss it tries readable cells in affinity order until one returns
// a checksum-verified payload.
func (e *Engine) Load(oid uint64) (data []byte, serial uint64, err error) {
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if s, d, ok := e.Cache.Get(oid); ok {
		return d, s, nil
	}

	ans, err := e.askObject(oid, nil, nil)
	if err != nil {
		return nil, 0, err
	}
	if len(ans.Data) == 0 {
		return nil, ans.StartSerial, nil
	}
	e.Cache.Put(oid, ans.StartSerial, ans.Data)
	return ans.Data, ans.StartSerial, nil
}

// LoadSerial implements loadSerial(oid, serial) (§4.4): no caching.
func (e *Engine) LoadSerial(oid, serial uint64) ([]byte, error) {
	ans, err := e.askObject(oid, &serial, nil)
	if err != nil {
		return nil, err
	}
	return ans.Data, nil
}

// LoadBefore implements loadBefore(oid, tid) (§4.4): returns (bytes, start,
// end); end is nil when no next revision exists.
func (e *Engine) LoadBefore(oid, before uint64) (data []byte, start uint64, end *uint64, err error) {
	ans, err := e.askObject(oid, nil, &before)
	if err != nil {
		return nil, 0, nil, err
	}
	return ans.Data, ans.StartSerial, ans.EndSerial, nil
}

// askObject sends AskObject to readable cells of partition(oid) in
// affinity order, retrying the next cell on a transient error or a
// checksum mismatch (§4.4, §8 invariant 6), until one answers cleanly.
func (e *Engine) askObject(oid uint64, serial, before *uint64) (*wire.AnswerObjectBody, error) {
	cells := e.Partition.GetCellsForID(oid, true, false)
	if len(cells) == 0 {
		return nil, neoerr.New(neoerr.KindStorageError, "no readable cell for this oid's partition")
	}
	ordered := cluster.OrderCandidates(cells, e.Pool, rand.New(rand.NewSource(time.Now().UnixNano())))

	var lastErr error
	for _, cell := range ordered {
		node, ok := e.nodeFor(cell.NodeID)
		if !ok {
			continue
		}
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			lastErr = err
			continue
		}
		msgID := conn.NextMsgID()
		queue := make(chan dispatch.Reply, 1)
		e.Dispatcher.Register(conn, msgID, queue)
		body := (&wire.AskObjectBody{OID: oid, Serial: serial, Before: before}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskObject, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			lastErr = err
			continue
		}
		pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
		if err != nil {
			lastErr = err
			continue
		}
		ans, err := wire.UnmarshalAnswerObject(pkt.Body)
		if err != nil {
			lastErr = err
			continue
		}
		if !ans.Found {
			lastErr = neoerr.New(neoerr.KindStorageNotFound, "object not found at this revision")
			continue
		}
		if ans.OID != oid {
			lastErr = neoerr.New(neoerr.KindProtocol, "storage answered for a different oid")
			continue
		}
		if !wire.VerifyChecksum(ans.Data, ans.Checksum) {
			lastErr = neoerr.New(neoerr.KindStorageError, "checksum mismatch, trying next replica")
			continue
		}
		decoded, err := wire.Decompress(ans.Data, ans.Compression)
		if err != nil {
			lastErr = err
			continue
		}
		ans.Data = decoded
		return ans, nil
	}
	if lastErr == nil {
		lastErr = neoerr.New(neoerr.KindStorageError, "no cell answered")
	}
	return nil, neoerr.Wrap(neoerr.KindStorageError, "exhausted all replicas", lastErr)
}

// TransactionRecord is one page entry returned by History (§4.4, §9).
type TransactionRecord struct {
	TID         uint64
	User        string
	Description string
	Extension   string
	OIDs        []uint64
}

// History implements the client's undo-log browsing call (§9 Design
// Notes): two independent, independently-pipelined requests per the
// two-step fetch the original history() performs -- AskTIDs once for the
// page, then AskTransactionInformation per TID, recomputing the cell list
// for each one rather than reusing the cell the page came from.
func (e *Engine) History(first, last uint32) ([]TransactionRecord, error) {
	tids, err := e.askTIDs(first, last)
	if err != nil {
		return nil, err
	}
	records := make([]TransactionRecord, 0, len(tids))
	for _, tid := range tids {
		info, err := e.transactionInformation(tid)
		if err != nil {
			return nil, neoerr.Wrap(neoerr.KindStorageError, fmt.Sprintf("fetch transaction information for tid %d", tid), err)
		}
		records = append(records, TransactionRecord{
			TID: info.TID, User: info.User, Description: info.Description,
			Extension: info.Extension, OIDs: info.OIDs,
		})
	}
	return records, nil
}

// askTIDs sends AskTIDs to storage nodes in turn until one answers; the TID
// page is not partition-scoped, so any reachable storage can serve it.
func (e *Engine) askTIDs(first, last uint32) ([]uint64, error) {
	var lastErr error
	for _, node := range e.Nodes.ByRole(cluster.RoleStorage) {
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			lastErr = err
			continue
		}
		msgID := conn.NextMsgID()
		queue := make(chan dispatch.Reply, 1)
		e.Dispatcher.Register(conn, msgID, queue)
		body := (&wire.AskTIDsBody{First: first, Last: last}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskTIDs, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			lastErr = err
			continue
		}
		pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
		if err != nil {
			lastErr = err
			continue
		}
		ans, err := wire.UnmarshalAnswerTIDs(pkt.Body)
		if err != nil {
			lastErr = err
			continue
		}
		return ans.TIDs, nil
	}
	if lastErr == nil {
		lastErr = neoerr.New(neoerr.KindStorageError, "no storage node reachable")
	}
	return nil, neoerr.Wrap(neoerr.KindStorageError, "exhausted all storages fetching TID page", lastErr)
}

// transactionInformation implements the "fetch transaction information for
// tid-to-undo from one storage cell" step of undo() (§4.4): the first
// readable cell of partition(tid-to-undo) that answers is enough, since
// every replica holding that transaction agrees on its metadata.
func (e *Engine) transactionInformation(tid uint64) (*wire.AnswerTransactionInformationBody, error) {
	cells := e.Partition.GetCellsForID(tid, true, false)
	if len(cells) == 0 {
		return nil, neoerr.New(neoerr.KindStorageError, "no readable cell for this transaction's partition")
	}
	ordered := cluster.OrderCandidates(cells, e.Pool, rand.New(rand.NewSource(time.Now().UnixNano())))

	var lastErr error
	for _, cell := range ordered {
		node, ok := e.nodeFor(cell.NodeID)
		if !ok {
			continue
		}
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			lastErr = err
			continue
		}
		msgID := conn.NextMsgID()
		queue := make(chan dispatch.Reply, 1)
		e.Dispatcher.Register(conn, msgID, queue)
		body := (&wire.AskTransactionInformationBody{TID: tid}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskTransactionInformation, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			lastErr = err
			continue
		}
		pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
		if err != nil {
			lastErr = err
			continue
		}
		ans, err := wire.UnmarshalAnswerTransactionInformation(pkt.Body)
		if err != nil {
			lastErr = err
			continue
		}
		return ans, nil
	}
	if lastErr == nil {
		lastErr = neoerr.New(neoerr.KindStorageError, "no cell answered")
	}
	return nil, neoerr.Wrap(neoerr.KindStorageError, "exhausted all replicas fetching transaction information", lastErr)
}

// Undo implements undo(tid-to-undo, txn, resolver) (§4.4).
func (e *Engine) Undo(ctx *Context, tidToUndo uint64, resolve UndoResolver) (uint64, []uint64, error) {
	if !e.isActive(ctx) {
		return 0, nil, neoerr.New(neoerr.KindStorageTransactionError, "undo called with an inactive transaction context")
	}

	if _, err := e.transactionInformation(tidToUndo); err != nil {
		return 0, nil, neoerr.Wrap(neoerr.KindStorageError, "fetch transaction information for undo target", err)
	}

	var conflictOIDs, errorOIDs []uint64
	// §4.4 asks every storage node, not just cells of the new commit's
	// partition: tid-to-undo's OIDs can live in partitions that don't
	// overlap partition(ctx.TID) at all.
	for _, node := range e.Nodes.ByRole(cluster.RoleStorage) {
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			continue
		}
		msgID := conn.NextMsgID()
		queue := make(chan dispatch.Reply, 1)
		e.Dispatcher.Register(conn, msgID, queue)
		body := (&wire.AskUndoTransactionBody{TID: ctx.TID, UndonTID: tidToUndo}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskUndoTransaction, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			continue
		}
		pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
		if err != nil {
			continue
		}
		ans, err := wire.UnmarshalAnswerUndoTransaction(pkt.Body)
		if err != nil {
			continue
		}
		conflictOIDs = append(conflictOIDs, ans.ConflictOIDs...)
		errorOIDs = append(errorOIDs, ans.ErrorOIDs...)
	}

	if len(conflictOIDs) > 0 {
		return 0, nil, &neoerr.UndoError{OID: conflictOIDs[0], Reason: "live conflict against undo target"}
	}

	for _, oid := range errorOIDs {
		current, currentSerial, err := e.Load(oid)
		if err != nil {
			return 0, nil, err
		}
		undoData, err := e.LoadSerial(oid, tidToUndo)
		if err != nil {
			return 0, nil, err
		}
		merged, ok := resolve(oid, currentSerial, tidToUndo, undoData, current)
		if !ok {
			return 0, nil, &neoerr.UndoError{OID: oid, Reason: "resolver could not merge undo target with current data"}
		}
		if err := e.Store(ctx, oid, currentSerial, merged); err != nil {
			return 0, nil, err
		}
	}

	return ctx.TID, errorOIDs, nil
}

// Package txn implements the client transaction engine (§4.4): tpc_begin,
// store, the conflict-detection/resolution loop, tpc_vote, tpc_finish,
// tpc_abort, undo, and the load family. One Context is created per
// outstanding commit and threaded explicitly through every call, per the
// "transaction context" re-architecture in §9.
package txn

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/neo/internal/cache"
	"github.com/cuemby/neo/internal/cluster"
	"github.com/cuemby/neo/internal/dispatch"
	"github.com/cuemby/neo/internal/neoerr"
	"github.com/cuemby/neo/internal/netpoll"
	"github.com/cuemby/neo/internal/pool"
	"github.com/cuemby/neo/internal/wire"
)

const storeTimeout = 30 * time.Second
const hasLockProbeTimeout = 5 * time.Second

// Resolver merges a conflicting write. Given the OID, the latest conflict
// serial and the original application data, it returns new bytes to retry
// with, or ok=false to give up (§4.4 resolution loop step 2).
type Resolver func(oid, conflictSerial uint64, data []byte) (merged []byte, ok bool)

// UndoResolver merges an undo-time conflict (§4.4 undo).
type UndoResolver func(oid, currentTID, undoTID uint64, undoData, currentData []byte) (merged []byte, ok bool)

type objState struct {
	baseSerial  uint64
	data        []byte
	stored      map[cluster.UUID]bool
	conflicts   map[uint64]bool
	resolved    []uint64 // serials resolved, in order, for ResolvedSerial reporting
	outstanding int
	protoErr    error // set when two storages contradict each other at the same serial (§4.4, §8 invariant)
}

// Context is the per-commit transaction state (§3 "Transaction context").
// It is created by Begin and destroyed by Finish or Abort.
type Context struct {
	TID      uint64
	queue    chan dispatch.Reply
	objects  map[uint64]*objState
	order    []uint64 // OIDs in store() call order, for AskStoreTransaction/cache updates
	involved map[cluster.UUID]*netpoll.Connection
	voted    bool
	finished bool
}

// ResolvedSerial reports one OID whose conflict the resolver merged away,
// returned by Vote on success (§8 invariant 4).
type ResolvedSerial struct {
	OID    uint64
	Serial uint64
}

// Engine drives the commit protocol for one client. Masters and storages are
// reached through Dispatcher/Pool exactly as the poll-thread model in §5
// requires: the engine's goroutine never touches a socket directly.
type Engine struct {
	Dispatcher *dispatch.Dispatcher
	Pool       *pool.Pool
	Partition  *cluster.PartitionTable
	Nodes      *cluster.NodeManager
	Cache      *cache.Cache
	Compress   bool

	// MasterConn returns the current connection to the primary master.
	MasterConn func() (*netpoll.Connection, error)

	mu     sync.Mutex // transaction lock: tpc_begin..tpc_finish/tpc_abort (§5)
	loadMu sync.Mutex // load lock: briefly held by Finish to block concurrent Load (§5)
	active *Context
}

// Begin implements tpc_begin(txn, tid?) (§4.4). Idempotent when txn is
// already the active context; fails local-state-dirty if a different
// transaction is outstanding.
func (e *Engine) Begin(existing *Context, proposedTID uint64) (*Context, error) {
	e.mu.Lock()
	if e.active != nil {
		if existing == e.active {
			e.mu.Unlock()
			return e.active, nil
		}
		e.mu.Unlock()
		return nil, neoerr.New(neoerr.KindLocalStateDirty, "another transaction is already active on this client")
	}
	e.mu.Unlock()

	conn, err := e.MasterConn()
	if err != nil {
		return nil, err
	}
	msgID := conn.NextMsgID()
	queue := make(chan dispatch.Reply, 64)
	e.Dispatcher.Register(conn, msgID, queue)
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskBeginTransaction,
		Body: (&wire.AskBeginTransactionBody{TID: proposedTID}).Marshal()}); err != nil {
		e.Dispatcher.Forget(conn, msgID)
		return nil, err
	}
	pkt, err := dispatch.WaitFor(queue, nil, conn, msgID)
	if err != nil {
		return nil, err
	}
	ans, err := wire.UnmarshalAnswerBeginTransaction(pkt.Body)
	if err != nil {
		return nil, neoerr.Wrap(neoerr.KindProtocol, "decode AnswerBeginTransaction", err)
	}

	ctx := &Context{
		TID:      ans.TID,
		queue:    queue,
		objects:  make(map[uint64]*objState),
		involved: make(map[cluster.UUID]*netpoll.Connection),
	}
	e.mu.Lock()
	e.active = ctx
	e.mu.Unlock()
	return ctx, nil
}

// Store implements store(oid, base-serial, data, txn) (§4.4). It fans the
// write out to every writable cell of partition(oid) and returns without
// blocking for completion; per-object acknowledgement is awaited in Vote.
func (e *Engine) Store(ctx *Context, oid, baseSerial uint64, data []byte) error {
	if !e.isActive(ctx) {
		return neoerr.New(neoerr.KindStorageTransactionError, "store called with an inactive transaction context")
	}

	payload, flag, err := wire.MaybeCompress(data, e.Compress)
	if err != nil {
		return err
	}
	checksum := wire.Checksum(payload)

	cells := e.Partition.GetCellsForID(oid, false, true)
	if len(cells) == 0 {
		return neoerr.New(neoerr.KindStorageError, "no writable cell for this oid's partition")
	}

	st, ok := ctx.objects[oid]
	if !ok {
		st = &objState{stored: make(map[cluster.UUID]bool), conflicts: make(map[uint64]bool)}
		ctx.objects[oid] = st
		ctx.order = append(ctx.order, oid)
	}
	st.baseSerial = baseSerial
	st.data = data

	for _, cell := range cells {
		node, ok := e.nodeFor(cell.NodeID)
		if !ok {
			continue
		}
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			continue
		}
		ctx.involved[cell.NodeID] = conn
		msgID := conn.NextMsgID()
		e.Dispatcher.Register(conn, msgID, ctx.queue)
		body := (&wire.AskStoreObjectBody{OID: oid, BaseSerial: baseSerial, Compression: flag, Checksum: checksum, Data: payload, TID: ctx.TID}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskStoreObject, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			continue
		}
		st.outstanding++
		go e.storeTimeoutHook(conn, msgID, ctx.TID, oid)
	}

	// Drain whatever is immediately ready, non-blocking, so fast conflicts
	// surface as early as possible (§4.4 store()).
	dispatch.WaitAny(ctx.queue, false, func(r dispatch.Reply) { e.handleStoreReply(ctx, r) })
	return nil
}

// storeTimeoutHook implements the on-timeout diagnostic in §4.4: after
// storeTimeout with no answer, cancel the waiter and probe AskHasLock with a
// short timeout so a stalled storage doesn't block the client indefinitely.
func (e *Engine) storeTimeoutHook(conn *netpoll.Connection, msgID uint32, tid, oid uint64) {
	time.Sleep(storeTimeout)
	// Nothing to do if the reply already arrived; Forget on an already
	// delivered (conn,msgID) is a silent no-op by construction (the waiter
	// map entry was already removed by Deliver).
	e.Dispatcher.Forget(conn, msgID)

	probeQueue := make(chan dispatch.Reply, 1)
	probeID := conn.NextMsgID()
	e.Dispatcher.Register(conn, probeID, probeQueue)
	_ = conn.Send(&wire.Packet{MsgID: probeID, Code: wire.CAskHasLock,
		Body: (&wire.AskHasLockBody{TID: tid, OID: oid}).Marshal()})
	select {
	case <-probeQueue:
	case <-time.After(hasLockProbeTimeout):
		e.Dispatcher.Forget(conn, probeID)
	}
}

func (e *Engine) handleStoreReply(ctx *Context, r dispatch.Reply) {
	if r.Forgotten || r.Closed || r.Packet == nil {
		return
	}
	if r.Packet.Code != wire.CAnswerStoreObject {
		return
	}
	ans, err := wire.UnmarshalAnswerStoreObject(r.Packet.Body)
	if err != nil {
		return
	}
	st, ok := ctx.objects[ans.OID]
	if !ok {
		return
	}
	st.outstanding--
	// §4.4: no storage shall answer success at serial s while another
	// answers conflict at the same s for the same OID. A store's success
	// serial is always ctx.TID (the commit this Store belongs to), so the
	// contradiction check is symmetric against that value.
	if ans.ConflictSerial == 0 {
		if st.conflicts[ctx.TID] {
			st.protoErr = neoerr.New(neoerr.KindProtocol,
				fmt.Sprintf("oid %d: storage answered success at serial %d while another answered conflict at the same serial", ans.OID, ctx.TID))
			return
		}
		st.stored[uuidOf(ctx, r.Conn)] = true
		return
	}
	if ans.ConflictSerial == ctx.TID && len(st.stored) > 0 {
		st.protoErr = neoerr.New(neoerr.KindProtocol,
			fmt.Sprintf("oid %d: storage answered conflict at serial %d while another answered success at the same serial", ans.OID, ctx.TID))
		return
	}
	if !contains(st.resolved, ans.ConflictSerial) {
		st.conflicts[ans.ConflictSerial] = true
	}
}

func contains(s []uint64, v uint64) bool {
	for _, x := range s {
		if x == v {
			return true
		}
	}
	return false
}

func uuidOf(ctx *Context, conn *netpoll.Connection) cluster.UUID {
	for u, c := range ctx.involved {
		if c == conn {
			return u
		}
	}
	return cluster.UUID{}
}

func (e *Engine) nodeFor(uuid cluster.UUID) (*cluster.Node, bool) {
	if e.Nodes == nil {
		return nil, false
	}
	return e.Nodes.Get(uuid)
}

// waitResponses blocks until every Store call's outstanding answers have
// arrived, dispatching each through handleStoreReply (§4.4 "waitResponses
// returns when no outstanding responses remain").
func (e *Engine) waitResponses(ctx *Context) error {
	for e.hasOutstanding(ctx) {
		r, ok := <-ctx.queue
		if !ok {
			return neoerr.New(neoerr.KindConnectionClosed, "transaction queue closed while waiting for store responses")
		}
		if r.Closed {
			return neoerr.New(neoerr.KindConnectionClosed, "a storage connection closed mid-vote")
		}
		e.handleStoreReply(ctx, r)
		if err := e.protocolError(ctx); err != nil {
			return err
		}
	}
	// A contradiction may have been recorded by the non-blocking drain in
	// Store itself, before this call ever saw any outstanding replies.
	return e.protocolError(ctx)
}

// protocolError reports the first store-reply contradiction recorded by
// handleStoreReply across every object in this transaction, if any.
func (e *Engine) protocolError(ctx *Context) error {
	for _, st := range ctx.objects {
		if st.protoErr != nil {
			return st.protoErr
		}
	}
	return nil
}

func (e *Engine) hasOutstanding(ctx *Context) bool {
	for _, st := range ctx.objects {
		if st.outstanding > 0 {
			return true
		}
	}
	return false
}

// waitStoreResponses runs the resolution loop to quiescence (§4.4): resolve
// every reported conflict with resolver, re-store resolved OIDs, and repeat
// until a full waitResponses pass yields no new conflicts.
func (e *Engine) waitStoreResponses(ctx *Context, resolve Resolver) ([]ResolvedSerial, error) {
	var resolvedOut []ResolvedSerial
	for {
		if err := e.waitResponses(ctx); err != nil {
			return nil, err
		}
		progressed := false
		for oid, st := range ctx.objects {
			if len(st.conflicts) == 0 {
				continue
			}
			var maxConflict uint64
			for c := range st.conflicts {
				if c > maxConflict {
					maxConflict = c
				}
			}
			if maxConflict <= ctx.TID && resolve != nil {
				merged, ok := resolve(oid, maxConflict, st.data)
				if ok {
					delete(st.conflicts, maxConflict)
					st.resolved = append(st.resolved, maxConflict)
					resolvedOut = append(resolvedOut, ResolvedSerial{OID: oid, Serial: maxConflict})
					if err := e.Store(ctx, oid, maxConflict, merged); err != nil {
						return nil, err
					}
					progressed = true
					continue
				}
			}
			return nil, &neoerr.ConflictError{OID: oid, ConflictSerial: maxConflict, BaseSerial: st.baseSerial, Data: st.data}
		}
		if !progressed {
			break
		}
	}
	for oid, st := range ctx.objects {
		if len(st.stored) == 0 {
			return nil, neoerr.New(neoerr.KindStorageError, fmt.Sprintf("tpc-store-failed: no storage confirmed oid %d", oid))
		}
	}
	return resolvedOut, nil
}

// Vote implements tpc_vote(txn, resolver) (§4.4).
func (e *Engine) Vote(ctx *Context, resolve Resolver) ([]ResolvedSerial, error) {
	if !e.isActive(ctx) {
		return nil, neoerr.New(neoerr.KindStorageTransactionError, "vote called with an inactive transaction context")
	}
	resolved, err := e.waitStoreResponses(ctx, resolve)
	if err != nil {
		return nil, err
	}

	cells := e.Partition.GetCellsForID(ctx.TID, false, true)
	acked := 0
	for _, cell := range cells {
		node, ok := e.nodeFor(cell.NodeID)
		if !ok {
			continue
		}
		conn, err := e.Pool.GetForNode(node)
		if err != nil || conn == nil {
			continue
		}
		msgID := conn.NextMsgID()
		queue := make(chan dispatch.Reply, 1)
		e.Dispatcher.Register(conn, msgID, queue)
		body := (&wire.AskStoreTransactionBody{TID: ctx.TID, OIDs: append([]uint64(nil), ctx.order...)}).Marshal()
		if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskStoreTransaction, Body: body}); err != nil {
			e.Dispatcher.Forget(conn, msgID)
			continue
		}
		if _, err := dispatch.WaitFor(queue, nil, conn, msgID); err == nil {
			acked++
		}
	}
	if acked == 0 {
		return nil, neoerr.New(neoerr.KindStorageError, "no storage acknowledged AskStoreTransaction")
	}

	if _, err := e.MasterConn(); err != nil {
		return nil, err
	}
	ctx.voted = true
	return resolved, nil
}

// Finish implements tpc_finish(txn, callback) (§4.4).
func (e *Engine) Finish(ctx *Context, callback func(tid uint64)) (uint64, error) {
	if !e.isActive(ctx) {
		return 0, neoerr.New(neoerr.KindStorageTransactionError, "finish called with an inactive transaction context")
	}
	e.loadMu.Lock()
	defer e.loadMu.Unlock()

	if callback != nil {
		callback(ctx.TID)
	}

	conn, err := e.MasterConn()
	if err != nil {
		return 0, err
	}
	msgID := conn.NextMsgID()
	e.Dispatcher.Register(conn, msgID, ctx.queue)
	body := (&wire.AskFinishTransactionBody{TID: ctx.TID, OIDs: append([]uint64(nil), ctx.order...)}).Marshal()
	if err := conn.Send(&wire.Packet{MsgID: msgID, Code: wire.CAskFinishTransaction, Body: body}); err != nil {
		e.Dispatcher.Forget(conn, msgID)
		return 0, err
	}
	pkt, err := dispatch.WaitFor(ctx.queue, func(dispatch.Reply) {}, conn, msgID)
	if err != nil {
		return 0, err
	}
	ans, err := wire.UnmarshalAnswerTransactionFinished(pkt.Body)
	if err != nil {
		return 0, neoerr.Wrap(neoerr.KindProtocol, "decode AnswerTransactionFinished", err)
	}

	for _, oid := range ctx.order {
		st := ctx.objects[oid]
		if len(st.data) == 0 {
			e.Cache.Invalidate(oid)
		} else {
			e.Cache.Put(oid, ans.TID, st.data)
		}
	}

	ctx.finished = true
	e.clearActive(ctx)
	return ans.TID, nil
}

// Abort implements tpc_abort(txn) (§4.4): best-effort, cooperative, silent
// on a foreign or already-cleared context.
func (e *Engine) Abort(ctx *Context) {
	if ctx == nil || !e.isActive(ctx) {
		return
	}
	body := (&wire.AbortTransactionBody{TID: ctx.TID}).Marshal()
	for _, conn := range ctx.involved {
		_ = conn.Send(&wire.Packet{MsgID: conn.NextMsgID(), Code: wire.CAbortTransaction, Body: body})
	}
	if conn, err := e.MasterConn(); err == nil {
		_ = conn.Send(&wire.Packet{MsgID: conn.NextMsgID(), Code: wire.CAbortTransaction, Body: body})
	}
	dispatch.WaitAny(ctx.queue, false, func(dispatch.Reply) {})
	e.clearActive(ctx)
}

func (e *Engine) isActive(ctx *Context) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ctx != nil && e.active == ctx
}

func (e *Engine) clearActive(ctx *Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.active == ctx {
		e.active = nil
	}
}

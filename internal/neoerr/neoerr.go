// Package neoerr defines the taxonomy of errors the core raises, per
// the error handling design: a small set of typed, wrappable error kinds
// that callers can distinguish with errors.As instead of string matching.
package neoerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets.
type Kind string

const (
	KindStorageError            Kind = "storage-error"
	KindStorageNotFound         Kind = "storage-not-found"
	KindStorageDoesNotExist     Kind = "storage-does-not-exist"
	KindConflict                Kind = "conflict-error"
	KindUndo                    Kind = "undo-error"
	KindReadOnly                Kind = "read-only-error"
	KindStorageTransactionError Kind = "storage-transaction-error"
	KindConnectionClosed        Kind = "connection-closed"
	KindNodeNotReady            Kind = "node-not-ready"
	KindProtocol                Kind = "protocol-error"
	KindLocalStateDirty         Kind = "local-state-dirty"
)

// Error is the concrete error type raised across the core. Kind is stable
// and meant for programmatic matching; Msg and Cause carry the detail.
type Error struct {
	Kind  Kind
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is allows errors.Is(err, neoerr.New(neoerr.KindConflict, "")) style
// checks by comparing Kind when the target is itself an *Error.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Kind == e.Kind
	}
	return false
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

func Wrap(kind Kind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Cause: cause}
}

// ConflictError reports an unresolved write-write conflict on oid, carrying
// the serials the application needs to retry with (§7).
type ConflictError struct {
	OID            uint64
	ConflictSerial uint64
	BaseSerial     uint64
	Data           []byte
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict-error: oid=%d serials=(%d,%d)", e.OID, e.ConflictSerial, e.BaseSerial)
}

// UndoError reports that an undo target could not be materialized.
type UndoError struct {
	OID    uint64
	Reason string
}

func (e *UndoError) Error() string {
	return fmt.Sprintf("undo-error: oid=%d: %s", e.OID, e.Reason)
}

// OfKind reports whether err (or something it wraps) is a *Error of kind k,
// or a *ConflictError/*UndoError when k is the matching kind.
func OfKind(err error, k Kind) bool {
	var e *Error
	if errors.As(err, &e) && e.Kind == k {
		return true
	}
	if k == KindConflict {
		var c *ConflictError
		if errors.As(err, &c) {
			return true
		}
	}
	if k == KindUndo {
		var u *UndoError
		if errors.As(err, &u) {
			return true
		}
	}
	return false
}

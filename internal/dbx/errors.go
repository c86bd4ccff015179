// Package dbx provides the database adapter: a uniform query/exec/close/tx
// surface over an embedded SQL engine, WAL health introspection, checkpoint,
// and busy/locked retry — plus the error taxonomy shared by every component
// built on top of it (spec.md §4.A, §7).
package dbx

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a DatabaseError per the taxonomy in spec.md §7.
type Kind string

const (
	KindBusy      Kind = "busy"
	KindLocked    Kind = "locked"
	KindConstraint Kind = "constraint"
	KindMismatch  Kind = "mismatch"
	KindSchema    Kind = "schema"
	KindIO        Kind = "io"
	KindNotFound  Kind = "not_found"
	KindCycle     Kind = "cycle"
	KindTooDeep   Kind = "graph_too_deep"
	KindParse     Kind = "parse"
	KindEmbedder  Kind = "embedder"
	KindWalBloat  Kind = "wal_bloat"
	KindConflict  Kind = "conflict"
	KindClientGone Kind = "client_gone"
	KindOutOfRange Kind = "out_of_range"
)

// retryableKinds are kinds that with_sqlite_retry should retry.
var retryableKinds = map[Kind]bool{
	KindBusy:   true,
	KindLocked: true,
}

// Error is the structured error type returned by every storage operation.
// It satisfies error and Unwrap, and carries enough structure for HTTP
// handlers to build the {code, kind, message, retryable} body of spec.md §6.5.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError builds a classified Error, inferring Retryable from Kind unless
// explicitly overridden by WithRetryable.
func NewError(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err, Retryable: retryableKinds[kind]}
}

// WithRetryable overrides the default retryability for a Kind.
func (e *Error) WithRetryable(r bool) *Error {
	e.Retryable = r
	return e
}

// Is reports whether target is an *Error with the same Kind, so
// errors.Is(err, &dbx.Error{Kind: k}) matches by kind alone;
// callers more commonly use AsKind below.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

// AsKind reports whether err is (or wraps) a *Error of the given Kind.
func AsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Sentinel errors for simple cases that don't need full classification.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
	ErrCycle    = errors.New("dependency cycle detected")
	ErrTooDeep  = errors.New("dependency graph traversal exceeded depth limit")
)

// Wrap classifies a raw driver/sql error into a *Error, following the
// teacher's wrapDBError convention (sql.ErrNoRows -> NotFound) but extended
// to the full taxonomy by inspecting the SQLite error text.
func Wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) {
		return NewError(op, KindNotFound, err)
	}
	msg := err.Error()
	switch {
	case containsAny(msg, "no rows"):
		return NewError(op, KindNotFound, ErrNotFound)
	case containsAny(msg, "SQLITE_BUSY", "database is locked", "busy"):
		return NewError(op, KindBusy, err)
	case containsAny(msg, "locked"):
		return NewError(op, KindLocked, err)
	case containsAny(msg, "UNIQUE constraint", "CHECK constraint", "FOREIGN KEY constraint", "NOT NULL constraint"):
		return NewError(op, KindConstraint, err)
	case containsAny(msg, "no such table", "no such column", "schema"):
		return NewError(op, KindSchema, err)
	default:
		return NewError(op, KindIO, err)
	}
}

func containsAny(s string, subs ...string) bool {
	ls := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(ls, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

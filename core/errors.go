package core

import (
	"errors"
	"fmt"
)

// ErrKind classifies WAL-layer failures so callers (the reclaimer, the
// storage-engine port, metrics) can branch without string matching.
type ErrKind int

const (
	ErrKindUnknown ErrKind = iota
	ErrKindIoWrite
	ErrKindIoRead
	ErrKindNotFound
	ErrKindTimeout
	ErrKindInvalidState
	ErrKindUpstream // propagated from an injected StorageCallbacks call
)

func (k ErrKind) String() string {
	switch k {
	case ErrKindIoWrite:
		return "io_write"
	case ErrKindIoRead:
		return "io_read"
	case ErrKindNotFound:
		return "not_found"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindInvalidState:
		return "invalid_state"
	case ErrKindUpstream:
		return "upstream"
	default:
		return "unknown"
	}
}

// WALError wraps an underlying error with a classification and the
// operation that produced it; callers recover it with errors.As, or read
// just the classification with ErrKindOf.
type WALError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *WALError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *WALError) Unwrap() error {
	return e.Err
}

// NewWALError constructs a WALError, matching the call shape used across
// the wal/checkpoint/node packages.
func NewWALError(kind ErrKind, op string, err error) *WALError {
	return &WALError{Kind: kind, Op: op, Err: err}
}

// ErrKindOf extracts the ErrKind from err if it (or something in its chain)
// is a *WALError, otherwise returns ErrKindUnknown.
func ErrKindOf(err error) ErrKind {
	var walErr *WALError
	if errors.As(err, &walErr) {
		return walErr.Kind
	}
	return ErrKindUnknown
}

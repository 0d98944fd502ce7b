// Package ferr classifies the errors that flow through the acquisition
// pipeline into the handful of kinds the rest of the system needs to make
// retry/backoff/give-up decisions on. It does not replace error wrapping —
// callers still use fmt.Errorf("%w", ...) — it just gives every error in the
// pipeline a Kind that a caller can switch on without string matching.
package ferr

import (
	"errors"
	"fmt"
)

// Kind is one of the error classes the acquisition pipeline distinguishes.
type Kind string

const (
	// TransientNetwork covers connection resets, timeouts, DNS failures —
	// anything worth retrying with backoff on the same host.
	TransientNetwork Kind = "transient_network"
	// RemotePoliteness covers 429 and explicit rate-limit responses. The
	// rate limiter backs off the host; the job itself is retried.
	RemotePoliteness Kind = "remote_politeness"
	// AuthOrBlocked covers 401/403 and challenge-page signatures. Retrying
	// the same transport won't help; a different transport might.
	AuthOrBlocked Kind = "auth_or_blocked"
	// MalformedContent covers responses that fail to parse as the
	// expected document type.
	MalformedContent Kind = "malformed_content"
	// DuplicateContent is not a failure — it signals a version whose
	// content hash already exists and was adopted by reference.
	DuplicateContent Kind = "duplicate_content"
	// StorageFailure covers CAS write failures and catalog write failures.
	StorageFailure Kind = "storage_failure"
	// BackendFailure covers OCR/LLM backend errors during analysis.
	BackendFailure Kind = "backend_failure"
	// ConfigurationError covers bad scraper config, unknown discovery
	// type, missing required fields — never worth retrying.
	ConfigurationError Kind = "configuration_error"
	// HashCollision covers a CAS write whose destination path already
	// holds content that doesn't match the incoming digest pair — the
	// path is derived from SHA-256 alone, so this means either a genuine
	// SHA-256 collision or on-disk corruption of the existing file.
	// Always fatal; never retried against the same path.
	HashCollision Kind = "hash_collision"
	// EmptyContent covers a CAS write of a zero-length reader. Always a
	// bug in the caller, never worth retrying.
	EmptyContent Kind = "empty_content"
)

// Error is a ferr-classified error. It wraps an underlying cause and carries
// a Kind the caller can switch on.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a classified error.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Wrap classifies an existing error without an op label.
func Wrap(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the Kind from err if it (or something it wraps) is a
// *Error. The second return is false for unclassified errors.
func KindOf(err error) (Kind, bool) {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind, true
	}
	return "", false
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// Retryable reports whether the error kind is worth retrying the same job
// for, as opposed to giving up or escalating to a human.
func Retryable(kind Kind) bool {
	switch kind {
	case TransientNetwork, RemotePoliteness:
		return true
	default:
		return false
	}
}

// Sentinel errors for conditions that don't carry enough context to need
// the Op/Err wrapping above but still need to be checked with errors.Is.
var (
	ErrNotFound      = errors.New("ferr: not found")
	ErrAlreadyExists = errors.New("ferr: already exists")
	ErrClosed        = errors.New("ferr: closed")
)

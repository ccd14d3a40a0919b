// Package vaulterr defines the typed error taxonomy shared by every vault
// component, so that callers can branch on a machine-readable Kind instead of
// parsing error strings, and so the (out-of-scope) HTTP router has a single
// place to look up a status code.
package vaulterr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind enumerates the error taxonomy from the vault's design spec. Each Kind
// carries a suggested HTTP status, returned by HTTPStatus, for the router to
// consult; the router itself is not implemented here.
type Kind string

const (
	InvalidRequest      Kind = "INVALID_REQUEST"
	InvalidAuthorization Kind = "INVALID_AUTHORIZATION"
	Unauthorized        Kind = "UNAUTHORIZED"
	Forbidden           Kind = "FORBIDDEN"
	BlobNotFound        Kind = "BLOB_NOT_FOUND"
	CIDMismatch         Kind = "CID_MISMATCH"
	PayloadTooLarge     Kind = "PAYLOAD_TOO_LARGE"
	StorageFull         Kind = "STORAGE_FULL"
	ContentBlocked      Kind = "CONTENT_BLOCKED"
	ShardMismatch       Kind = "SHARD_MISMATCH"
	GCAlreadyRunning    Kind = "GC_ALREADY_RUNNING"
	ConsensusFailed     Kind = "CONSENSUS_FAILED"
	Internal            Kind = "INTERNAL_ERROR"
)

var httpStatus = map[Kind]int{
	InvalidRequest:       http.StatusBadRequest,
	InvalidAuthorization: http.StatusBadRequest,
	Unauthorized:         http.StatusUnauthorized,
	Forbidden:            http.StatusForbidden,
	BlobNotFound:         http.StatusNotFound,
	CIDMismatch:          http.StatusBadRequest,
	PayloadTooLarge:      http.StatusRequestEntityTooLarge,
	StorageFull:          http.StatusInsufficientStorage,
	ContentBlocked:       http.StatusForbidden,
	ShardMismatch:        http.StatusForbidden,
	GCAlreadyRunning:     http.StatusConflict,
	ConsensusFailed:      http.StatusBadGateway,
	Internal:             http.StatusInternalServerError,
}

// Error is the typed error value returned by every vault component. Reason is
// a machine-readable sub-reason (e.g. "signature_mismatch", "nonce_replay")
// used by the authorization oracle; it is empty for components that have no
// finer-grained classification. Details must never carry secret material
// (private keys, raw signatures, replay-cache contents).
type Error struct {
	Timestamp time.Time
	Details   map[string]any
	Kind      Kind
	Message   string
	Reason    string
}

func (e *Error) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s (%s): %s", e.Kind, e.Reason, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// HTTPStatus returns the suggested HTTP status code for this error's Kind.
func (e *Error) HTTPStatus() int {
	if s, ok := httpStatus[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New constructs an Error, stamping the current time.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Timestamp: time.Now()}
}

// Newf constructs an Error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// WithReason attaches a machine-readable sub-reason and returns the receiver
// for chaining, e.g. vaulterr.New(...).WithReason("nonce_replay").
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithDetails attaches additional structured, non-secret detail fields.
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// Is allows errors.Is(err, vaulterr.New(kind, "")) to match purely on Kind,
// so callers can check for a Kind without caring about message text.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf extracts the Kind from err if it is (or wraps) a *Error, returning
// Internal otherwise.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

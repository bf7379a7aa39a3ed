// Package kernelerr defines the orchestration kernel's error taxonomy.
// Every error kind has a sentinel error value; callers
// wrap a sentinel with fmt.Errorf("%w: ...", kernelerr.ErrInstanceNotFound, ...)
// and the RPC surface recovers the Kind via errors.Is/As to render
// {success:false, error, suggestion?}.
package kernelerr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the taxonomy's buckets.
type Kind string

const (
	KindValidation Kind = "validation"
	KindAuthorization Kind = "authorization"
	KindNotFound Kind = "not_found"
	KindConflict Kind = "conflict"
	KindTransport Kind = "transport"
	KindResource Kind = "resource"
	KindInternal Kind = "internal"
)

// Sentinel errors, one per named error kind. Wrap with fmt.Errorf's
// %w verb to attach context while preserving errors.Is/As compatibility.
var (
	// Validation
	ErrInvalidArgument = errors.New("InvalidArgument")
	ErrInvalidRole = errors.New("InvalidRole")
	ErrAmbiguousTime = errors.New("AmbiguousTime")

	// Authorization
	ErrCapabilityDenied = errors.New("CapabilityDenied")

	// Not-found
	ErrInstanceNotFound = errors.New("InstanceNotFound")
	ErrParentNotFound = errors.New("ParentNotFound")
	ErrNotARepository = errors.New("NotARepository")
	ErrJobNotFound = errors.New("JobNotFound")

	// Conflict
	ErrSessionExists = errors.New("SessionExists")
	ErrInvalidRef = errors.New("InvalidRef")
	ErrMergeConflict = errors.New("MergeConflict")

	// Transport
	ErrTransportUnavailable = errors.New("TransportUnavailable")
	ErrUndeliverable = errors.New("Undeliverable")
	ErrPaneMissing = errors.New("PaneMissing")

	// Resource
	ErrResourceLimitExceeded = errors.New("ResourceLimitExceeded")
	ErrPermissionDenied = errors.New("PermissionDenied")

	// Internal
	ErrStateCorrupted = errors.New("StateCorrupted")
	ErrRollbackFailed = errors.New("RollbackFailed")
)

// kindOf maps each sentinel to its taxonomy Kind.
var kindOf = map[error]Kind{
	ErrInvalidArgument: KindValidation,
	ErrInvalidRole: KindValidation,
	ErrAmbiguousTime: KindValidation,

	ErrCapabilityDenied: KindAuthorization,

	ErrInstanceNotFound: KindNotFound,
	ErrParentNotFound: KindNotFound,
	ErrNotARepository: KindNotFound,
	ErrJobNotFound: KindNotFound,

	ErrSessionExists: KindConflict,
	ErrInvalidRef: KindConflict,
	ErrMergeConflict: KindConflict,

	ErrTransportUnavailable: KindTransport,
	ErrUndeliverable: KindTransport,
	ErrPaneMissing: KindTransport,

	ErrResourceLimitExceeded: KindResource,
	ErrPermissionDenied: KindResource,

	ErrStateCorrupted: KindInternal,
	ErrRollbackFailed: KindInternal,
}

// Error wraps a sentinel with a human-readable reason and an optional
// remediation suggestion, matching the RPC error shape.
type Error struct {
	Sentinel error
	Reason string
	Suggestion string
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Sentinel.Error()
	}
	return fmt.Sprintf("%s: %s", e.Sentinel.Error(), e.Reason)
}

func (e *Error) Unwrap() error { return e.Sentinel }

// New builds an *Error for sentinel with the given reason.
func New(sentinel error, reason string) *Error {
	return &Error{Sentinel: sentinel, Reason: reason}
}

// WithSuggestion attaches a suggestion and returns the same *Error for chaining.
func (e *Error) WithSuggestion(suggestion string) *Error {
	e.Suggestion = suggestion
	return e
}

// KindOf returns the Kind of err by walking its wrap chain against the
// known sentinels. Returns ("", false) if err matches none of them.
func KindOf(err error) (Kind, bool) {
	for sentinel, kind := range kindOf {
		if errors.Is(err, sentinel) {
			return kind, true
		}
	}
	return "", false
}

// SentinelOf returns the first known sentinel that err wraps, and true if found.
func SentinelOf(err error) (error, bool) {
	for sentinel := range kindOf {
		if errors.Is(err, sentinel) {
			return sentinel, true
		}
	}
	return nil, false
}

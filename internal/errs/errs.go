package errs

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an error for boundary mapping (HTTP status, metrics label,
// user-facing message selection).
type Kind string

const (
	KindValidation          Kind = "validation_error"
	KindConversion          Kind = "conversion_error"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindUpstreamRejected    Kind = "upstream_rejected"
	KindNotFound            Kind = "not_found"
	KindPermissionDenied    Kind = "permission_denied"
	KindNotReady            Kind = "not_ready"
	KindInternal            Kind = "internal_error"
)

// Error is the typed error carried across package boundaries.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a typed error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

func Validation(format string, args ...any) *Error {
	return New(KindValidation, format, args...)
}

func Conversion(format string, args ...any) *Error {
	return New(KindConversion, format, args...)
}

func UpstreamUnavailable(err error, format string, args ...any) *Error {
	return Wrap(KindUpstreamUnavailable, err, format, args...)
}

func UpstreamRejected(format string, args ...any) *Error {
	return New(KindUpstreamRejected, format, args...)
}

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, format, args...)
}

func PermissionDenied(format string, args ...any) *Error {
	return New(KindPermissionDenied, format, args...)
}

func NotReady(format string, args ...any) *Error {
	return New(KindNotReady, format, args...)
}

func Internal(err error, format string, args ...any) *Error {
	return Wrap(KindInternal, err, format, args...)
}

// KindOf extracts the kind from an error chain. Unclassified errors report
// internal_error.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Message returns the human-facing message without the kind prefix, falling
// back to Error() for untyped errors.
func Message(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Msg
	}
	return err.Error()
}

// IsTransient reports whether an error looks like a temporary upstream or
// network condition worth waiting out. Used by the parse poller to keep
// polling instead of failing the document.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if IsKind(err, KindUpstreamUnavailable) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "temporarily") ||
		strings.Contains(msg, "eof")
}

package taskerr

import (
	"errors"
	"fmt"

	"github.com/isoforge/isoforge-backend/internal/platform/errs"
)

// Kind labels a task failure on the wire and in telemetry.
type Kind string

const (
	// Input problems. Never retried.
	FileNotFound      Kind = "file_not_found"
	FileUnreadable    Kind = "file_unreadable"
	UnsupportedFormat Kind = "unsupported_format"
	FileTooLarge      Kind = "file_too_large"

	// Pipeline problems. Eligible for one self-heal pass before going terminal.
	ParseExtractFailed Kind = "parse_extract_failed"
	MalformedJSON      Kind = "malformed_json"
	ValidationFailed   Kind = "validation_failed"

	// Gateway problems. Retried up to the gateway's attempt cap.
	RateLimited     Kind = "rate_limited"
	ProviderTimeout Kind = "provider_timeout"
	NetworkDown     Kind = "network_down"
	ProviderError   Kind = "provider_error"

	// Administrative problems. Never retried.
	AuthFailed         Kind = "auth_failed"
	QuotaExhausted     Kind = "quota_exhausted"
	ConfigurationError Kind = "configuration_error"

	// Concurrency and infrastructure.
	StateConflict    Kind = "state_conflict"
	StoreUnavailable Kind = "store_unavailable"
	LogUnavailable   Kind = "log_unavailable"

	// Cancelled is a terminal state, not a failure.
	Cancelled Kind = "cancelled"

	Internal Kind = "internal_error"
)

// Error carries a classified task failure through the pipeline.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the classification from an error chain. Unclassified
// errors map to Internal so callers always get a wire-safe kind.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	switch {
	case errors.Is(err, errs.ErrStateConflict), errors.Is(err, errs.ErrAlreadyTerminal):
		return StateConflict
	case errors.Is(err, errs.ErrStoreUnavailable):
		return StoreUnavailable
	case errors.Is(err, errs.ErrLogUnavailable):
		return LogUnavailable
	case errors.Is(err, errs.ErrInvalidArgument):
		return ConfigurationError
	default:
		return Internal
	}
}

// MessageOf returns the classified message, or the raw error text when the
// chain carries no *Error.
func MessageOf(err error) string {
	if err == nil {
		return ""
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Message
	}
	return err.Error()
}

// Retryable reports whether the gateway may retry a call that failed with
// this kind.
func Retryable(k Kind) bool {
	switch k {
	case RateLimited, ProviderTimeout, NetworkDown, ProviderError:
		return true
	default:
		return false
	}
}

// Healable reports whether a pipeline failure of this kind qualifies for the
// single self-heal pass.
func Healable(k Kind) bool {
	switch k {
	case ParseExtractFailed, MalformedJSON, ValidationFailed:
		return true
	default:
		return false
	}
}

// Infrastructure reports whether the failure means the store or log itself
// is down. Handlers leave the message unacked for these so it redelivers.
func Infrastructure(k Kind) bool {
	return k == StoreUnavailable || k == LogUnavailable
}

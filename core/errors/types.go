// Package errors implements the error taxonomy used across the satchel core,
// with per-kind retry behavior and user-facing message mapping.
package errors

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies an error for retry policy and surfacing.
type Kind int

const (
	// KindNotFound indicates a missing resource, entity, folder, or session.
	KindNotFound Kind = iota

	// KindInvalidArgument indicates a validation failure. No mutation occurred.
	KindInvalidArgument

	// KindConflict indicates an optimistic-lock mismatch on an entity update.
	KindConflict

	// KindInvalidOperation indicates a structurally illegal operation,
	// such as moving a folder into its own descendant or running a
	// synchronous command during maintenance.
	KindInvalidOperation

	// KindDatabase indicates an underlying storage failure.
	KindDatabase

	// KindNetwork indicates a transient external failure.
	KindNetwork

	// KindRateLimited indicates HTTP 429 or a provider retry-after hint.
	KindRateLimited

	// KindConfiguration indicates missing or invalid runtime configuration.
	KindConfiguration

	// KindLLM indicates a non-retryable model API failure or malformed response.
	KindLLM
)

var kindNames = map[Kind]string{
	KindNotFound:         "not_found",
	KindInvalidArgument:  "invalid_argument",
	KindConflict:         "conflict",
	KindInvalidOperation: "invalid_operation",
	KindDatabase:         "database",
	KindNetwork:          "network",
	KindRateLimited:      "rate_limited",
	KindConfiguration:    "configuration",
	KindLLM:              "llm",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Error wraps an underlying error with a kind classification.
type Error struct {
	Kind       Kind
	Message    string
	Underlying error
	StatusCode int
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *Error) Unwrap() error {
	return e.Underlying
}

// Is matches another *Error by kind, so sentinel comparisons work.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// WithStatusCode records the HTTP status that produced the error.
func (e *Error) WithStatusCode(code int) *Error {
	e.StatusCode = code
	return e
}

// WithRetryAfter records a provider retry-after hint.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// New creates a classified error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap classifies an underlying error. A nil err returns nil. An err that
// already carries a kind keeps it; the new message is layered on top.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	var te *Error
	if errors.As(err, &te) {
		return &Error{
			Kind:       te.Kind,
			Message:    message,
			Underlying: err,
			StatusCode: te.StatusCode,
			RetryAfter: te.RetryAfter,
		}
	}
	return &Error{Kind: kind, Message: message, Underlying: err}
}

// Convenience constructors for the common kinds.

func NotFound(format string, args ...any) *Error {
	return New(KindNotFound, fmt.Sprintf(format, args...))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(KindInvalidArgument, fmt.Sprintf(format, args...))
}

func Conflict(format string, args ...any) *Error {
	return New(KindConflict, fmt.Sprintf(format, args...))
}

func InvalidOperation(format string, args ...any) *Error {
	return New(KindInvalidOperation, fmt.Sprintf(format, args...))
}

func Database(message string, err error) error {
	return Wrap(KindDatabase, message, err)
}

func Network(message string, err error) error {
	return Wrap(KindNetwork, message, err)
}

func RateLimited(message string, retryAfter time.Duration) *Error {
	e := New(KindRateLimited, message).WithStatusCode(http.StatusTooManyRequests)
	if retryAfter > 0 {
		e.RetryAfter = retryAfter
	}
	return e
}

func Configuration(format string, args ...any) *Error {
	return New(KindConfiguration, fmt.Sprintf(format, args...))
}

func LLM(message string, err error) error {
	return Wrap(KindLLM, message, err)
}

// KindOf extracts the kind from an error, defaulting to KindDatabase for
// unclassified errors so they are surfaced rather than retried blindly.
func KindOf(err error) Kind {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind
	}
	return KindDatabase
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var te *Error
	if errors.As(err, &te) {
		return te.Kind == kind
	}
	return false
}

// IsRetryable reports whether an error should be retried by a background
// worker. Only transient external failures qualify.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimited:
		return true
	}
	return false
}

// FromHTTPStatus classifies an external-API failure by its HTTP status.
func FromHTTPStatus(status int, message string, err error) error {
	switch {
	case status == http.StatusTooManyRequests:
		e := RateLimited(message, 0)
		e.Underlying = err
		return e
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		we := Wrap(KindLLM, message, err)
		var te *Error
		if errors.As(we, &te) {
			te.StatusCode = status
		}
		return we
	case status >= 500:
		we := Wrap(KindNetwork, message, err)
		var te *Error
		if errors.As(we, &te) {
			te.StatusCode = status
		}
		return we
	default:
		we := Wrap(KindLLM, message, err)
		var te *Error
		if errors.As(we, &te) {
			te.StatusCode = status
		}
		return we
	}
}

// UserMessage maps an external-API failure to the message shown to the user.
// Raw response bodies never reach the user; developer logs keep full detail.
func UserMessage(err error) string {
	var te *Error
	if !errors.As(err, &te) {
		return "something went wrong, please retry"
	}
	switch te.StatusCode {
	case http.StatusUnauthorized:
		return "API key invalid or expired"
	case http.StatusForbidden:
		return "access denied"
	case http.StatusTooManyRequests:
		return "too many requests, please retry later"
	}
	if te.StatusCode >= 500 {
		return "service temporarily unavailable"
	}
	switch te.Kind {
	case KindRateLimited:
		return "too many requests, please retry later"
	case KindConfiguration:
		if te.Message != "" {
			return te.Message
		}
		return "missing configuration"
	case KindNotFound, KindInvalidArgument, KindConflict, KindInvalidOperation:
		return te.Message
	}
	return "something went wrong, please retry"
}

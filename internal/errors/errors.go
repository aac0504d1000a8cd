// Package errors defines the typed error taxonomy shared by every component of
// the supervisor. Every error that crosses a component boundary is classified
// exactly once, at the boundary, into one of Transient, ItemStop, or HardStop.
package errors

import (
	"errors"
	"fmt"
)

// Classification is the outcome of classifying a boundary error.
type Classification string

const (
	// Transient means the failure may succeed on retry; governed by the
	// Blocked-retry cooldown rather than an immediate retry.
	Transient Classification = "TRANSIENT"
	// ItemStop means the current run/item fails but the supervisor continues.
	ItemStop Classification = "ITEM_STOP"
	// HardStop means the supervisor must drain workers and exit non-zero.
	HardStop Classification = "HARD_STOP"
)

// Kind identifies which boundary produced the error.
type Kind string

const (
	KindIntent      Kind = "intent"
	KindHTTP        Kind = "http"
	KindCodexWorker Kind = "codex_worker"
	KindUnknown     Kind = "unknown"
)

// Error is the common shape carried by every typed error in this taxonomy. It
// preserves a message and an optional cause chain so errors.Is/As keep working
// across retries and layer boundaries.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Status  int // HTTP status, 0 if not applicable
	Cause   *Error
}

// New constructs an Error with no cause.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap constructs an Error wrapping an existing error as its cause.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, Cause: FromError(cause)}
}

// FromError converts an arbitrary error into an *Error chain, preserving any
// existing *Error found via errors.As.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Kind: KindUnknown, Code: "unknown", Message: err.Error()}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause == nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
}

// Unwrap exposes the cause chain for errors.Is/As.
func (e *Error) Unwrap() error {
	if e == nil || e.Cause == nil {
		return nil
	}
	return e.Cause
}

// retryableCodes are error codes that are retryable regardless of the
// classification that produced them.
var retryableCodes = map[string]bool{
	"mcp_timeout":          true,
	"backend_unreachable":  true,
	"mcp_stdio_unavailable": true,
	"mcp_error_response":   true,
}

// IsRetryable implements the retryability predicate:
// is_retryable(classification, error_code) ⇔
//
//	classification==TRANSIENT ∨ error_code ∈ {mcp_timeout, backend_unreachable,
//	mcp_stdio_unavailable, mcp_error_response}
func IsRetryable(classification Classification, code string) bool {
	return classification == Transient || retryableCodes[code]
}

// itemStopCodes are CodexWorkerError codes classified ITEM_STOP.
var itemStopCodes = map[string]bool{
	"mcp_timeout":           true,
	"mcp_error_response":    true,
	"mcp_invalid_result":    true,
	"mcp_invalid_json":      true,
	"worker_invalid_output": true,
	"worker_identity_mismatch": true,
	"mcp_stdio_unavailable": true,
}

// Classify is a pure function of error kind + code + HTTP status. Repeated
// calls with the same inputs return the same classification.
func Classify(kind Kind, code string, status int) Classification {
	switch kind {
	case KindIntent:
		return HardStop
	case KindHTTP:
		switch {
		case code == "backend_unreachable":
			return Transient
		case status == 409:
			return ItemStop
		case status >= 500:
			return Transient
		default:
			// Other 4xx, or backend_invalid_payload (status may be anything).
			return HardStop
		}
	case KindCodexWorker:
		if itemStopCodes[code] {
			return ItemStop
		}
		return HardStop
	default:
		return HardStop
	}
}

// ClassifyError classifies an *Error using Classify, defaulting to HardStop
// (fail closed) for unrecognized shapes.
func ClassifyError(err *Error) Classification {
	if err == nil {
		return HardStop
	}
	return Classify(err.Kind, err.Code, err.Status)
}

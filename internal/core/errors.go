package core

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies a failure into one of the stable error kinds shared by
// every transport (REST, MCP, x402, CLI). The string values are part of the
// public contract and must not change.
type Kind string

const (
	KindInvalidInput         Kind = "INVALID_INPUT"
	KindNotFound             Kind = "NOT_FOUND"
	KindConflict             Kind = "CONFLICT"
	KindUnauthorized         Kind = "UNAUTHORIZED"
	KindInsufficientFunds    Kind = "INSUFFICIENT_FUNDS"
	KindPaymentRequired      Kind = "PAYMENT_REQUIRED"
	KindPaymentAlreadyUsed   Kind = "PAYMENT_ALREADY_USED"
	KindRateLimited          Kind = "RATE_LIMITED"
	KindUpstreamFailed       Kind = "UPSTREAM_FAILED"
	KindTimeout              Kind = "TIMEOUT"
	KindCostSettlementFailed Kind = "COST_SETTLEMENT_FAILED"
	KindStorageUnavailable   Kind = "STORAGE_UNAVAILABLE"
)

// Error is the domain error carried across component boundaries. Handlers
// render it as {error: {code, message}}; internal callers branch on Kind.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// E builds a domain error with no underlying cause.
func E(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// KindOf extracts the Kind from an error chain. Unclassified errors report
// KindUpstreamFailed so nothing leaks through unmapped.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindUpstreamFailed
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}

// Message returns the human half of a domain error, without the kind prefix
// Error() adds. Unclassified errors pass through unchanged.
func Message(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Message
	}
	return err.Error()
}

// HTTPStatus maps an error kind onto the wire status used by the REST and
// x402 surfaces. MCP wraps the same kinds in JSON-RPC error objects instead.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindUnauthorized:
		return http.StatusUnauthorized
	case KindInsufficientFunds, KindPaymentRequired, KindPaymentAlreadyUsed:
		return http.StatusPaymentRequired
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindUpstreamFailed:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

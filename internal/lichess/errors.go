package lichess

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a failed API call so callers can pick a recovery
// path without matching on strings or status codes.
type ErrorKind int

const (
	// KindTransport covers connection failures where no HTTP response
	// arrived at all.
	KindTransport ErrorKind = iota
	// KindRateLimited maps HTTP 429.
	KindRateLimited
	// KindUnauthorized maps HTTP 401 and 403.
	KindUnauthorized
	// KindNotFound maps HTTP 404.
	KindNotFound
	// KindConflict maps HTTP 400/409/422: the request reached the server
	// but was rejected for semantic reasons (wrong turn, stale challenge).
	KindConflict
	// KindServer maps HTTP 5xx.
	KindServer
	// KindStalled is raised by the stream watchdog when no bytes (not even
	// keepalives) arrived within the idle window.
	KindStalled
	// KindCancelled marks a call abandoned because its context ended.
	KindCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case KindTransport:
		return "transport"
	case KindRateLimited:
		return "rate_limited"
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindServer:
		return "server"
	case KindStalled:
		return "stalled"
	case KindCancelled:
		return "cancelled"
	}
	return "unknown"
}

// APIError is the error type returned by all Client calls.
type APIError struct {
	Kind       ErrorKind
	StatusCode int
	Endpoint   string
	RetryAfter time.Duration // set for KindRateLimited when the server sent one
	Err        error
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("lichess: %s %s (status %d)", e.Endpoint, e.Kind, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("lichess: %s %s: %v", e.Endpoint, e.Kind, e.Err)
	}
	return fmt.Sprintf("lichess: %s %s", e.Endpoint, e.Kind)
}

func (e *APIError) Unwrap() error { return e.Err }

func classifyStatus(code int) ErrorKind {
	switch {
	case code == 429:
		return KindRateLimited
	case code == 401 || code == 403:
		return KindUnauthorized
	case code == 404:
		return KindNotFound
	case code >= 400 && code < 500:
		return KindConflict
	default:
		return KindServer
	}
}

// retryable reports whether an error of the given kind may be retried.
// Non-idempotent requests only retry failures where the server provably
// did not apply the request.
func retryable(kind ErrorKind, idempotent bool) bool {
	switch kind {
	case KindTransport:
		return true
	case KindRateLimited:
		// A 429 was never applied, safe to retry either way.
		return true
	case KindServer:
		return idempotent
	default:
		return false
	}
}

func kindOf(err error) (ErrorKind, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Kind, true
	}
	return 0, false
}

// IsUnauthorized reports whether err is an authentication or permission
// failure that no retry will fix.
func IsUnauthorized(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindUnauthorized
}

// IsRateLimited reports whether err was caused by HTTP 429 after the
// retry budget ran out.
func IsRateLimited(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindRateLimited
}

// IsNotFound reports whether the addressed resource does not exist.
func IsNotFound(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindNotFound
}

// IsConflict reports whether the server rejected the request for semantic
// reasons, e.g. a move sent out of turn or a challenge already handled.
func IsConflict(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindConflict
}

// IsStalled reports whether a stream died because its idle watchdog fired.
func IsStalled(err error) bool {
	k, ok := kindOf(err)
	return ok && k == KindStalled
}

package client

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind identifies the failure category of a backend call. Kinds are
// stable identifiers collaborators can switch on to decide between
// "retry now", "wait" and "re-authenticate".
type ErrorKind string

const (
	// KindInvalidRequest marks a request that could not be constructed.
	KindInvalidRequest ErrorKind = "invalid_request"

	// KindTransportUnavailable covers timeouts, DNS failures, refused or
	// lost connections and offline conditions.
	KindTransportUnavailable ErrorKind = "transport_unavailable"

	// KindAuthRequired is an HTTP 401: the credential is missing or stale.
	KindAuthRequired ErrorKind = "authentication_required"

	// KindAuthFailed means a credential refresh itself failed.
	KindAuthFailed ErrorKind = "authentication_failed"

	// KindRateLimited is an HTTP 429, optionally carrying a server-provided
	// retry-after duration.
	KindRateLimited ErrorKind = "rate_limited"

	// KindClientRejected covers 4xx responses that retrying cannot fix.
	KindClientRejected ErrorKind = "client_rejected"

	// KindServerFailure covers 5xx responses and 408.
	KindServerFailure ErrorKind = "server_failure"

	// KindDecodingFailed marks an unparseable response body.
	KindDecodingFailed ErrorKind = "decoding_failed"

	// KindOperationFailed is the fail-closed default for everything else.
	KindOperationFailed ErrorKind = "operation_failed"
)

// APIError is the error type surfaced by the connectivity core. It carries
// enough metadata for callers to present or programmatically handle the
// failure without parsing the message.
type APIError struct {
	Kind       ErrorKind
	Status     int
	Message    string
	RetryAfter time.Duration
	Op         string
	Attempts   int

	err error
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" && e.err != nil {
		msg = e.err.Error()
	}
	switch {
	case e.Op != "" && e.Status != 0:
		return fmt.Sprintf("%s: %s (status %d): %s", e.Op, e.Kind, e.Status, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
	case e.Status != 0:
		return fmt.Sprintf("%s (status %d): %s", e.Kind, e.Status, msg)
	default:
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
}

func (e *APIError) Unwrap() error {
	return e.err
}

// Retryable reports whether the executor may retry this failure without any
// other intervention. Authentication failures are handled separately: they
// become retryable only after a credential refresh.
func (e *APIError) Retryable() bool {
	switch e.Kind {
	case KindTransportUnavailable, KindServerFailure, KindRateLimited:
		return true
	default:
		return false
	}
}

// AsAPIError extracts an *APIError from an error chain.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsRetryable reports whether the error would be retried by the executor.
func IsRetryable(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Retryable()
	}
	return false
}

// IsAuthRequired reports whether the error is an authentication failure that
// a credential refresh may resolve.
func IsAuthRequired(err error) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Kind == KindAuthRequired
	}
	return false
}

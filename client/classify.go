package client

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/athena-ai/athena-link/wire"
)

// maxMessageLen truncates server error text carried on an APIError.
const maxMessageLen = 200

// ClassifyTransport maps a transport-level failure (no HTTP response was
// received) to an APIError. Transport failures are always retryable: the
// request never reached the application layer, so retrying cannot duplicate
// a side effect that already happened on a 2xx.
func ClassifyTransport(op string, err error) *APIError {
	var netErr net.Error
	var dnsErr *net.DNSError

	switch {
	case errors.As(err, &dnsErr):
		return &APIError{Kind: KindTransportUnavailable, Op: op, Message: "DNS lookup failed", err: err}
	case errors.As(err, &netErr) && netErr.Timeout():
		return &APIError{Kind: KindTransportUnavailable, Op: op, Message: "request timed out", err: err}
	default:
		return &APIError{Kind: KindTransportUnavailable, Op: op, Message: "connection failed", err: err}
	}
}

// ClassifyResponse maps an HTTP status plus optional response body to an
// APIError. It is a pure function: same inputs, same verdict.
//
// Retryable: 5xx, 408, 429 (with Retry-After honored when present).
// Refresh-then-retry: 401. Everything else fails closed.
func ClassifyResponse(op string, status int, header http.Header, body []byte) *APIError {
	msg := errorText(body)

	switch {
	case status == http.StatusUnauthorized:
		return &APIError{Kind: KindAuthRequired, Status: status, Op: op, Message: msg}

	case status == http.StatusTooManyRequests:
		return &APIError{
			Kind:       KindRateLimited,
			Status:     status,
			Op:         op,
			Message:    msg,
			RetryAfter: parseRetryAfter(header),
		}

	case status == http.StatusRequestTimeout:
		return &APIError{Kind: KindServerFailure, Status: status, Op: op, Message: msg}

	case status >= 500:
		return &APIError{Kind: KindServerFailure, Status: status, Op: op, Message: msg}

	case status == http.StatusBadRequest,
		status == http.StatusForbidden,
		status == http.StatusNotFound,
		status == http.StatusConflict,
		status == http.StatusUnprocessableEntity:
		return &APIError{Kind: KindClientRejected, Status: status, Op: op, Message: msg}

	default:
		// Unknown status codes fail closed rather than hammering the
		// backend with retries that cannot succeed.
		return &APIError{Kind: KindOperationFailed, Status: status, Op: op, Message: msg}
	}
}

// parseRetryAfter reads a Retry-After header in seconds form. Zero means the
// header was absent or unparseable and computed backoff applies instead.
func parseRetryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	raw := header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	secs, err := strconv.Atoi(raw)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// errorText extracts human-readable error text from a response body. The
// backend uses {message|error|detail} inconsistently across services; a
// non-JSON body is carried verbatim, truncated.
func errorText(body []byte) string {
	if len(body) == 0 {
		return ""
	}

	var eb wire.ErrorBody
	if err := json.Unmarshal(body, &eb); err == nil {
		if text := eb.Text(); text != "" {
			return text
		}
	}

	text := string(body)
	if len(text) > maxMessageLen {
		text = text[:maxMessageLen] + "..."
	}
	return text
}

package client_test

import (
	"context"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athena-ai/athena-link/client"
)

func TestClassifyResponse(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		header        http.Header
		body          string
		wantKind      client.ErrorKind
		wantRetryable bool
	}{
		{
			name:          "server error is retryable",
			status:        500,
			wantKind:      client.KindServerFailure,
			wantRetryable: true,
		},
		{
			name:          "bad gateway is retryable",
			status:        502,
			wantKind:      client.KindServerFailure,
			wantRetryable: true,
		},
		{
			name:          "request timeout is retryable",
			status:        408,
			wantKind:      client.KindServerFailure,
			wantRetryable: true,
		},
		{
			name:          "rate limit is retryable",
			status:        429,
			wantKind:      client.KindRateLimited,
			wantRetryable: true,
		},
		{
			name:          "unauthorized needs refresh, not blind retry",
			status:        401,
			wantKind:      client.KindAuthRequired,
			wantRetryable: false,
		},
		{
			name:          "bad request surfaces immediately",
			status:        400,
			wantKind:      client.KindClientRejected,
			wantRetryable: false,
		},
		{
			name:          "forbidden surfaces immediately",
			status:        403,
			wantKind:      client.KindClientRejected,
			wantRetryable: false,
		},
		{
			name:          "not found surfaces immediately",
			status:        404,
			wantKind:      client.KindClientRejected,
			wantRetryable: false,
		},
		{
			name:          "conflict surfaces immediately",
			status:        409,
			wantKind:      client.KindClientRejected,
			wantRetryable: false,
		},
		{
			name:          "unprocessable surfaces immediately",
			status:        422,
			wantKind:      client.KindClientRejected,
			wantRetryable: false,
		},
		{
			name:          "unknown status fails closed",
			status:        418,
			wantKind:      client.KindOperationFailed,
			wantRetryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			apiErr := client.ClassifyResponse("GET /x", tt.status, tt.header, []byte(tt.body))
			assert.Equal(t, tt.wantKind, apiErr.Kind)
			assert.Equal(t, tt.wantRetryable, apiErr.Retryable())
			assert.Equal(t, tt.status, apiErr.Status)
		})
	}
}

func TestClassifyResponse_RetryAfter(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "5")

	apiErr := client.ClassifyResponse("POST /x", 429, header, nil)
	assert.Equal(t, 5*time.Second, apiErr.RetryAfter)

	// No header falls back to computed backoff.
	apiErr = client.ClassifyResponse("POST /x", 429, http.Header{}, nil)
	assert.Equal(t, time.Duration(0), apiErr.RetryAfter)

	// Garbage header is ignored.
	header.Set("Retry-After", "soon")
	apiErr = client.ClassifyResponse("POST /x", 429, header, nil)
	assert.Equal(t, time.Duration(0), apiErr.RetryAfter)
}

func TestClassifyResponse_MessageExtraction(t *testing.T) {
	apiErr := client.ClassifyResponse("GET /x", 400, nil, []byte(`{"message":"bad payload"}`))
	assert.Equal(t, "bad payload", apiErr.Message)

	apiErr = client.ClassifyResponse("GET /x", 500, nil, []byte(`{"error":"db down"}`))
	assert.Equal(t, "db down", apiErr.Message)

	apiErr = client.ClassifyResponse("GET /x", 500, nil, []byte("plain text failure"))
	assert.Equal(t, "plain text failure", apiErr.Message)
}

func TestClassifyTransport(t *testing.T) {
	timeoutErr := &net.DNSError{Err: "timeout", IsTimeout: true}
	apiErr := client.ClassifyTransport("GET /x", timeoutErr)
	assert.Equal(t, client.KindTransportUnavailable, apiErr.Kind)
	assert.True(t, apiErr.Retryable())

	refused := errors.New("dial tcp 127.0.0.1:1: connect: connection refused")
	apiErr = client.ClassifyTransport("GET /x", refused)
	assert.Equal(t, client.KindTransportUnavailable, apiErr.Kind)
	assert.True(t, apiErr.Retryable())
}

func TestErrorHelpers(t *testing.T) {
	require.False(t, client.IsRetryable(context.Canceled))
	require.False(t, client.IsRetryable(nil))

	apiErr := client.ClassifyResponse("GET /x", 503, nil, nil)
	assert.True(t, client.IsRetryable(apiErr))
	assert.False(t, client.IsAuthRequired(apiErr))

	authErr := client.ClassifyResponse("GET /x", 401, nil, nil)
	assert.True(t, client.IsAuthRequired(authErr))
}

// Package wire defines the message shapes exchanged with the Athena backend:
// the REST response envelope, the status payload used for health probing, and
// the socket frame envelope.
package wire

import (
	"encoding/json"
	"fmt"
)

// APIResponse is the standard REST envelope returned by backend endpoints.
type APIResponse struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Metadata map[string]any  `json:"metadata,omitempty"`
}

// DecodeData unmarshals the Data field into v.
func (r *APIResponse) DecodeData(v any) error {
	if len(r.Data) == 0 {
		return fmt.Errorf("response has no data field")
	}
	if err := json.Unmarshal(r.Data, v); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}

// ErrorBody is the loose error shape backends attach to non-2xx responses.
// Different services populate different fields; Text returns the first
// non-empty one.
type ErrorBody struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
	Detail  string `json:"detail,omitempty"`
}

// Text returns the human-readable error text, or "" if none was provided.
func (b ErrorBody) Text() string {
	switch {
	case b.Message != "":
		return b.Message
	case b.Error != "":
		return b.Error
	default:
		return b.Detail
	}
}

// ServiceStates reports per-service health inside a status payload.
type ServiceStates struct {
	Backend   string `json:"backend"`
	Websocket string `json:"websocket"`
}

// StatusPayload is the data portion of GET /status.
type StatusPayload struct {
	Status    string            `json:"status"`
	Services  ServiceStates     `json:"services"`
	Providers map[string]string `json:"providers,omitempty"`
}

// Healthy reports whether the backend considers itself operational.
func (p StatusPayload) Healthy() bool {
	return p.Status == "ok" || p.Status == "healthy"
}

// Envelope is a single socket frame: a type tag plus a free-form payload.
// Envelopes are immutable values; Data must not be mutated after dispatch.
type Envelope struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data,omitempty"`
}

// ParseEnvelope decodes a raw text frame into an Envelope. Frames without a
// type tag are rejected so the dispatcher never routes an unaddressed message.
func ParseEnvelope(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode socket frame: %w", err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("socket frame missing type tag")
	}
	return env, nil
}

// Encode serializes the envelope for transmission as a text frame.
func (e Envelope) Encode() ([]byte, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode socket frame: %w", err)
	}
	return raw, nil
}

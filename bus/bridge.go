// Package bus republishes connectivity transitions and inbound socket
// envelopes onto NATS subjects, letting sibling local processes (sync layer,
// workflow engine) subscribe without linking against the core.
package bus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/athena-ai/athena-link/connstate"
	"github.com/athena-ai/athena-link/wire"
)

// DefaultSubjectPrefix roots all published subjects.
const DefaultSubjectPrefix = "athena.link"

// Bridge publishes core events to NATS. It is optional: a core configured
// without a NATS URL runs without one.
type Bridge struct {
	nc     *nats.Conn
	prefix string
	logger *slog.Logger
}

// BridgeOption configures a Bridge.
type BridgeOption func(*Bridge)

// WithSubjectPrefix overrides the subject prefix.
func WithSubjectPrefix(prefix string) BridgeOption {
	return func(b *Bridge) {
		b.prefix = prefix
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) BridgeOption {
	return func(b *Bridge) {
		b.logger = logger
	}
}

// Connect establishes the NATS connection. The client reconnects
// indefinitely on its own; bridge publishes during an outage are dropped by
// the library's buffered reconnect queue rather than blocking the core.
func Connect(url string, opts ...BridgeOption) (*Bridge, error) {
	b := &Bridge{
		prefix: DefaultSubjectPrefix,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}

	nc, err := nats.Connect(url,
		nats.Name("athena-link"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	b.nc = nc
	return b, nil
}

// statusEvent is the published form of a connectivity transition.
type statusEvent struct {
	From string    `json:"from"`
	To   string    `json:"to"`
	At   time.Time `json:"at"`
}

// PublishTransition publishes a connectivity transition on <prefix>.status.
func (b *Bridge) PublishTransition(t connstate.Transition) {
	raw, err := json.Marshal(statusEvent{
		From: string(t.From),
		To:   string(t.To),
		At:   t.At,
	})
	if err != nil {
		return
	}
	if err := b.nc.Publish(b.prefix+".status", raw); err != nil {
		b.logger.Warn("Failed to publish status transition", "error", err)
	}
}

// PublishEnvelope publishes an inbound socket envelope on
// <prefix>.event.<type>.
func (b *Bridge) PublishEnvelope(env wire.Envelope) {
	raw, err := env.Encode()
	if err != nil {
		b.logger.Warn("Failed to encode envelope for NATS", "type", env.Type, "error", err)
		return
	}
	if err := b.nc.Publish(SubjectFor(b.prefix, env.Type), raw); err != nil {
		b.logger.Warn("Failed to publish envelope", "type", env.Type, "error", err)
	}
}

// SubjectFor returns the NATS subject for an envelope type.
func SubjectFor(prefix, envType string) string {
	return prefix + ".event." + envType
}

// Close drains and closes the connection.
func (b *Bridge) Close() {
	if b.nc == nil {
		return
	}
	if err := b.nc.Drain(); err != nil {
		b.nc.Close()
	}
}

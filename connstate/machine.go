package connstate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/athena-ai/athena-link/client"
	"github.com/athena-ai/athena-link/metrics"
)

// DefaultProbeInterval is the steady-state spacing between health probes.
const DefaultProbeInterval = 30 * time.Second

// Transition describes one status change.
type Transition struct {
	From Status
	To   Status
	At   time.Time
}

// Machine drives the connectivity status from probe results and
// reachability signals. All mutation happens inside Run's goroutine; other
// components observe via snapshots and subscriptions.
type Machine struct {
	prober    Prober
	interval  time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	forceCh      chan struct{}
	disconnectCh chan struct{}
	onlineCh     chan bool

	mu      sync.RWMutex
	status  Status
	attempt int // reconnect backoff counter, reset on connected
	subs    []chan Transition
}

// MachineOption configures a Machine.
type MachineOption func(*Machine)

// WithProbeInterval sets the steady-state probe interval.
func WithProbeInterval(d time.Duration) MachineOption {
	return func(m *Machine) {
		m.interval = d
	}
}

// WithReconnectBackoff sets the backoff bounds used while disconnected.
func WithReconnectBackoff(base, max time.Duration) MachineOption {
	return func(m *Machine) {
		m.baseDelay = base
		m.maxDelay = max
	}
}

// WithMachineLogger sets the logger.
func WithMachineLogger(logger *slog.Logger) MachineOption {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithMachineMetrics sets the metrics collectors.
func WithMachineMetrics(mx *metrics.Metrics) MachineOption {
	return func(m *Machine) {
		m.metrics = mx
	}
}

// NewMachine creates a Machine. Run must be called for probing to begin.
func NewMachine(prober Prober, opts ...MachineOption) *Machine {
	m := &Machine{
		prober:       prober,
		interval:     DefaultProbeInterval,
		baseDelay:    time.Second,
		maxDelay:     60 * time.Second,
		logger:       slog.Default(),
		status:       StatusDisconnected,
		forceCh:      make(chan struct{}, 1),
		disconnectCh: make(chan struct{}, 1),
		onlineCh:     make(chan bool, 1),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Status returns a snapshot of the current status.
func (m *Machine) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// Subscribe registers for status transitions. The cancel func releases the
// subscription.
func (m *Machine) Subscribe() (<-chan Transition, func()) {
	ch := make(chan Transition, 8)

	m.mu.Lock()
	m.subs = append(m.subs, ch)
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// ForceProbe schedules an immediate probe, bypassing any backoff countdown.
func (m *Machine) ForceProbe() {
	select {
	case m.forceCh <- struct{}{}:
	default:
	}
}

// Disconnect forces the machine to the disconnected state.
func (m *Machine) Disconnect() {
	select {
	case m.disconnectCh <- struct{}{}:
	default:
	}
}

// SetOnline feeds a reachability change. Going offline forces disconnected;
// coming online forces an immediate probe.
func (m *Machine) SetOnline(online bool) {
	select {
	case m.onlineCh <- online:
	default:
	}
}

// Run probes until ctx is cancelled. The first probe fires immediately.
func (m *Machine) Run(ctx context.Context) error {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.transition(StatusDisconnected)
			return nil

		case <-timer.C:
			m.resetTimer(timer, m.probe(ctx))

		case <-m.forceCh:
			stopTimer(timer)
			m.resetTimer(timer, m.probe(ctx))

		case <-m.disconnectCh:
			m.transition(StatusDisconnected)

		case online := <-m.onlineCh:
			if !online {
				m.transition(StatusDisconnected)
				continue
			}
			// Network restored: probe now, but do not bypass
			// authentication — the probe itself decides.
			stopTimer(timer)
			m.resetTimer(timer, m.probe(ctx))
		}
	}
}

// probe runs one health check and applies the resulting transition. It
// returns the delay until the next probe.
func (m *Machine) probe(ctx context.Context) time.Duration {
	prev := m.Status()
	if prev == StatusDisconnected {
		m.transition(StatusConnecting)
	}

	err := m.prober.Probe(ctx)
	if err == nil {
		m.mu.Lock()
		m.attempt = 0
		m.mu.Unlock()
		m.transition(StatusConnected)
		return m.interval
	}

	m.logger.Debug("Health probe failed", "previous", string(prev), "error", err)

	switch prev {
	case StatusConnected, StatusDegraded:
		m.transition(StatusDegraded)
		return m.interval
	default:
		m.transition(StatusDisconnected)
		m.mu.Lock()
		attempt := m.attempt
		m.attempt++
		m.mu.Unlock()
		return client.Backoff(attempt, m.baseDelay, m.maxDelay, 0.1)
	}
}

func (m *Machine) resetTimer(timer *time.Timer, d time.Duration) {
	timer.Reset(d)
}

func stopTimer(timer *time.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
}

// transition applies a status change and notifies subscribers. Repeated
// transitions to the same status are suppressed.
func (m *Machine) transition(to Status) {
	m.mu.Lock()
	from := m.status
	if from == to {
		m.mu.Unlock()
		return
	}
	m.status = to
	subs := make([]chan Transition, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()

	m.logger.Info("Connection status changed", "from", string(from), "to", string(to))
	m.metrics.ConnectionState(to.Code())

	event := Transition{From: from, To: to, At: time.Now()}
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			m.logger.Warn("Dropping status transition; subscriber is slow")
		}
	}
}

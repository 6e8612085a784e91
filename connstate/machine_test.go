package connstate_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athena-ai/athena-link/connstate"
)

// scriptedProber pops pre-programmed probe results and falls back to a
// default once the script runs out.
type scriptedProber struct {
	mu       sync.Mutex
	script   []error
	fallback error
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return p.fallback
	}
	err := p.script[0]
	p.script = p.script[1:]
	return err
}

func (p *scriptedProber) setFallback(err error) {
	p.mu.Lock()
	p.fallback = err
	p.mu.Unlock()
}

func fastMachine(p connstate.Prober) *connstate.Machine {
	return connstate.NewMachine(p,
		connstate.WithProbeInterval(10*time.Millisecond),
		connstate.WithReconnectBackoff(time.Millisecond, 5*time.Millisecond),
	)
}

func runMachine(t *testing.T, m *connstate.Machine) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return cancel
}

func waitForStatus(t *testing.T, m *connstate.Machine, want connstate.Status) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.Status() == want
	}, 2*time.Second, time.Millisecond, "status never reached %s", want)
}

func TestMachine_ConnectsOnFirstProbe(t *testing.T) {
	prober := &scriptedProber{}
	m := fastMachine(prober)

	transitions, unsub := m.Subscribe()
	defer unsub()

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusConnected)

	// Startup walks disconnected -> connecting -> connected.
	first := <-transitions
	assert.Equal(t, connstate.StatusDisconnected, first.From)
	assert.Equal(t, connstate.StatusConnecting, first.To)

	second := <-transitions
	assert.Equal(t, connstate.StatusConnecting, second.From)
	assert.Equal(t, connstate.StatusConnected, second.To)
}

func TestMachine_RetriesUntilBackendAppears(t *testing.T) {
	prober := &scriptedProber{script: []error{
		errors.New("refused"),
		errors.New("refused"),
	}}
	m := fastMachine(prober)

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusConnected)
}

func TestMachine_DegradesWhileConnected(t *testing.T) {
	prober := &scriptedProber{}
	m := fastMachine(prober)

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusConnected)

	// Backend starts failing: an established connection degrades rather
	// than dropping straight to disconnected.
	prober.setFallback(errors.New("backend sick"))
	waitForStatus(t, m, connstate.StatusDegraded)

	// One succeeding probe restores connected.
	prober.setFallback(nil)
	waitForStatus(t, m, connstate.StatusConnected)
}

func TestMachine_OfflineForcesDisconnected(t *testing.T) {
	prober := &scriptedProber{}
	m := fastMachine(prober)

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusConnected)

	prober.setFallback(errors.New("no route to host"))
	m.SetOnline(false)
	waitForStatus(t, m, connstate.StatusDisconnected)

	// Network restored: the machine probes immediately and reconnects.
	prober.setFallback(nil)
	m.SetOnline(true)
	waitForStatus(t, m, connstate.StatusConnected)
}

func TestMachine_DisconnectRequest(t *testing.T) {
	prober := &scriptedProber{}
	m := fastMachine(prober)

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusConnected)

	prober.setFallback(errors.New("logged out"))
	m.Disconnect()
	waitForStatus(t, m, connstate.StatusDisconnected)
}

func TestMachine_ForceProbeSkipsBackoff(t *testing.T) {
	prober := &scriptedProber{fallback: errors.New("down")}
	// Long enough backoff that only ForceProbe can reconnect in time.
	m := connstate.NewMachine(prober,
		connstate.WithProbeInterval(time.Minute),
		connstate.WithReconnectBackoff(time.Minute, time.Minute),
	)

	runMachine(t, m)
	waitForStatus(t, m, connstate.StatusDisconnected)

	prober.setFallback(nil)
	m.ForceProbe()
	waitForStatus(t, m, connstate.StatusConnected)
}

func TestStatus_Code(t *testing.T) {
	assert.Equal(t, 0, connstate.StatusDisconnected.Code())
	assert.Equal(t, 1, connstate.StatusConnecting.Code())
	assert.Equal(t, 2, connstate.StatusConnected.Code())
	assert.Equal(t, 3, connstate.StatusDegraded.Code())
}

package connstate

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/athena-ai/athena-link/client"
)

// DefaultProbeTimeout keeps probes short so probing never stalls the
// reconnect loop.
const DefaultProbeTimeout = 3 * time.Second

// DefaultProtectedPath is the representative authenticated endpoint checked
// alongside /status.
const DefaultProtectedPath = "/api/v1/agents/status"

// Prober performs one health check.
type Prober interface {
	Probe(ctx context.Context) error
}

// PrepareFunc runs before each probe attempt, typically to prime the
// credential store so the probe carries whatever credential the fallback
// chain can supply.
type PrepareFunc func(ctx context.Context) error

// HealthProbe checks the status endpoint and one protected endpoint in
// parallel. Both must succeed: the status endpoint proves the transport and
// process are up, the protected call proves the application layer behind it
// works too.
type HealthProbe struct {
	client        *client.Client
	protectedPath string
	timeout       time.Duration
	prepare       PrepareFunc
}

// ProbeOption configures a HealthProbe.
type ProbeOption func(*HealthProbe)

// WithProtectedPath overrides the protected endpoint used for probing.
func WithProtectedPath(path string) ProbeOption {
	return func(p *HealthProbe) {
		p.protectedPath = path
	}
}

// WithProbeTimeout overrides the per-probe timeout.
func WithProbeTimeout(d time.Duration) ProbeOption {
	return func(p *HealthProbe) {
		p.timeout = d
	}
}

// WithPrepare sets a preparation step run before each probe.
func WithPrepare(fn PrepareFunc) ProbeOption {
	return func(p *HealthProbe) {
		p.prepare = fn
	}
}

// NewHealthProbe creates a HealthProbe using the given backend client.
func NewHealthProbe(c *client.Client, opts ...ProbeOption) *HealthProbe {
	p := &HealthProbe{
		client:        c,
		protectedPath: DefaultProtectedPath,
		timeout:       DefaultProbeTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe implements Prober. Probe calls bypass the retry executor: the
// machine supplies its own scheduling and backoff.
func (p *HealthProbe) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	if p.prepare != nil {
		if err := p.prepare(ctx); err != nil {
			return fmt.Errorf("prepare probe: %w", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		payload, err := p.client.Status(gctx)
		if err != nil {
			return fmt.Errorf("status probe: %w", err)
		}
		if !payload.Healthy() {
			return fmt.Errorf("backend reports status %q", payload.Status)
		}
		return nil
	})

	g.Go(func() error {
		if err := p.client.Once(gctx, http.MethodGet, p.protectedPath, nil, nil); err != nil {
			return fmt.Errorf("protected probe: %w", err)
		}
		return nil
	})

	return g.Wait()
}

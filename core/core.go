// Package core assembles the connectivity components (credential store,
// retrying client, connection state machine, socket channel, reachability
// watcher and optional NATS bridge) with explicit dependency injection and
// wires the event flow between them.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/athena-ai/athena-link/bus"
	"github.com/athena-ai/athena-link/client"
	"github.com/athena-ai/athena-link/config"
	"github.com/athena-ai/athena-link/connstate"
	"github.com/athena-ai/athena-link/credential"
	"github.com/athena-ai/athena-link/metrics"
	"github.com/athena-ai/athena-link/reachability"
	"github.com/athena-ai/athena-link/socket"
	"github.com/athena-ai/athena-link/transport"
	"github.com/athena-ai/athena-link/wire"
)

// Core owns one instance of every connectivity component. Construct it once
// at process start and hand references to consumers.
type Core struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	store   *credential.Store
	client  *client.Client
	machine *connstate.Machine
	channel *socket.Channel
	watcher *reachability.Watcher
	bridge  *bus.Bridge
}

// CoreOption configures a Core.
type CoreOption func(*coreOptions)

type coreOptions struct {
	logger     *slog.Logger
	registerer prometheus.Registerer
	httpClient *http.Client
}

// WithLogger sets the logger shared by all components.
func WithLogger(logger *slog.Logger) CoreOption {
	return func(o *coreOptions) {
		o.logger = logger
	}
}

// WithRegisterer sets the Prometheus registerer. Nil disables metrics.
func WithRegisterer(reg prometheus.Registerer) CoreOption {
	return func(o *coreOptions) {
		o.registerer = reg
	}
}

// WithHTTPClient overrides the HTTP client (tests).
func WithHTTPClient(hc *http.Client) CoreOption {
	return func(o *coreOptions) {
		o.httpClient = hc
	}
}

// New builds the component graph from configuration. Nothing runs until Run
// is called.
func New(cfg *config.Config, opts ...CoreOption) (*Core, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	o := &coreOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(o)
	}

	var mx *metrics.Metrics
	if o.registerer != nil {
		mx = metrics.New(o.registerer)
	}

	httpClient := o.httpClient
	if httpClient == nil {
		var err error
		httpClient, err = transport.NewHTTPClient(cfg.Server.RequestTimeout, transport.TLSOptions{
			CertFile:           cfg.TLS.CertFile,
			KeyFile:            cfg.TLS.KeyFile,
			CAFile:             cfg.TLS.CAFile,
			InsecureSkipVerify: cfg.TLS.InsecureSkipVerify,
		})
		if err != nil {
			return nil, fmt.Errorf("build transport: %w", err)
		}
	}

	store := newStore(cfg, httpClient, o.logger)

	apiClient, err := client.New(cfg.Server.BaseURL,
		client.WithHTTPClient(httpClient),
		client.WithLogger(o.logger),
		client.WithMetrics(mx),
		client.WithCredentials(store),
		client.WithClientRefresher(store),
		client.WithRetryConfig(client.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			BaseDelay:      cfg.Retry.BaseDelay,
			MaxDelay:       cfg.Retry.MaxDelay,
			JitterFraction: 0.1,
		}),
	)
	if err != nil {
		return nil, err
	}

	prober := connstate.NewHealthProbe(apiClient,
		connstate.WithProtectedPath(cfg.Probe.ProtectedPath),
		connstate.WithProbeTimeout(cfg.Probe.Timeout),
		// Probes carry whatever credential the fallback chain can supply.
		connstate.WithPrepare(func(ctx context.Context) error {
			_, err := store.EnsureFresh(ctx)
			return err
		}),
	)
	machine := connstate.NewMachine(prober,
		connstate.WithProbeInterval(cfg.Probe.Interval),
		connstate.WithReconnectBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		connstate.WithMachineLogger(o.logger),
		connstate.WithMachineMetrics(mx),
	)

	wsURL, err := cfg.SocketURL()
	if err != nil {
		return nil, err
	}
	channel := socket.New(wsURL,
		socket.WithKeepAlive(cfg.Socket.KeepAlive),
		socket.WithReconnectBackoff(cfg.Retry.BaseDelay, cfg.Retry.MaxDelay),
		socket.WithLogger(o.logger),
		socket.WithMetrics(mx),
		socket.WithHeader(func() http.Header {
			header := http.Header{}
			if name, value, ok := store.AuthHeader(); ok {
				header.Set(name, value)
			}
			return header
		}),
	)

	watcher := reachability.New(reachability.WithLogger(o.logger))

	var bridge *bus.Bridge
	if cfg.NATS.URL != "" {
		bridge, err = bus.Connect(cfg.NATS.URL, bus.WithLogger(o.logger))
		if err != nil {
			return nil, err
		}
	}

	return &Core{
		cfg:     cfg,
		logger:  o.logger,
		metrics: mx,
		store:   store,
		client:  apiClient,
		machine: machine,
		channel: channel,
		watcher: watcher,
		bridge:  bridge,
	}, nil
}

// newStore builds the credential store with the standard fallback chain:
// session refresh, keyfile, environment, anonymous probe, dev token.
func newStore(cfg *config.Config, httpClient *http.Client, logger *slog.Logger) *credential.Store {
	var store *credential.Store

	sources := []credential.Source{
		&credential.RefreshSource{
			BaseURL: cfg.Server.BaseURL,
			HTTP:    httpClient,
			Current: func() (credential.Credential, bool) { return store.Current() },
		},
		&credential.KeyfileSource{Path: cfg.Credential.KeyfilePath},
		&credential.EnvSource{Var: cfg.Credential.EnvVar, Logger: logger},
		&credential.AnonymousSource{BaseURL: cfg.Server.BaseURL, HTTP: httpClient},
		&credential.DevTokenSource{BaseURL: cfg.Server.BaseURL, HTTP: httpClient, Logger: logger},
	}

	store = credential.NewStore(sources,
		credential.WithLogger(logger),
		credential.WithKeyfile(cfg.Credential.KeyfilePath),
		credential.WithRefreshThreshold(cfg.Credential.RefreshThreshold),
	)
	return store
}

// Client returns the retrying backend client.
func (c *Core) Client() *client.Client {
	return c.client
}

// Credentials returns the credential store.
func (c *Core) Credentials() *credential.Store {
	return c.store
}

// Status returns the current connectivity status snapshot.
func (c *Core) Status() connstate.Status {
	return c.machine.Status()
}

// SubscribeStatus registers for connectivity transitions.
func (c *Core) SubscribeStatus() (<-chan connstate.Transition, func()) {
	return c.machine.Subscribe()
}

// SubscribeMessages registers for inbound socket envelopes of the given
// type (socket.SubscribeAll for every type).
func (c *Core) SubscribeMessages(msgType string) (<-chan wire.Envelope, func()) {
	return c.channel.Subscribe(msgType)
}

// Send queues an outbound socket envelope.
func (c *Core) Send(ctx context.Context, env wire.Envelope) error {
	return c.channel.Send(ctx, env)
}

// Login records an explicit external credential.
func (c *Core) Login(ctx context.Context, cred credential.Credential) error {
	if err := c.store.Set(ctx, cred); err != nil {
		return err
	}
	c.machine.ForceProbe()
	return nil
}

// Logout clears the credential and disconnects.
func (c *Core) Logout(ctx context.Context) error {
	if err := c.store.Clear(ctx); err != nil {
		return err
	}
	c.machine.Disconnect()
	return nil
}

// Run starts every component and pumps events between them until ctx is
// cancelled.
func (c *Core) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.machine.Run(gctx) })
	g.Go(func() error { return c.channel.Run(gctx) })
	g.Go(func() error { return c.watcher.Run(gctx) })
	g.Go(func() error { return c.store.Watch(gctx) })
	g.Go(func() error { return c.pumpReachability(gctx) })
	g.Go(func() error { return c.pumpTransitions(gctx) })
	if c.bridge != nil {
		g.Go(func() error { return c.pumpEnvelopes(gctx) })
	}

	err := g.Wait()
	if c.bridge != nil {
		c.bridge.Close()
	}
	return err
}

// pumpReachability feeds reachability changes to the state machine and the
// socket channel.
func (c *Core) pumpReachability(ctx context.Context) error {
	events, cancel := c.watcher.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case online, ok := <-events:
			if !ok {
				return nil
			}
			c.machine.SetOnline(online)
			if online {
				c.channel.NotifyReachable()
			}
		}
	}
}

// pumpTransitions gates the socket channel on the connected state and
// republishes transitions on the bridge.
func (c *Core) pumpTransitions(ctx context.Context) error {
	transitions, cancel := c.machine.Subscribe()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case t, ok := <-transitions:
			if !ok {
				return nil
			}
			// The socket only runs while the backend is fully
			// connected; degraded tears it down until a probe
			// succeeds again.
			if t.To == connstate.StatusConnected {
				c.channel.Enable()
			} else {
				c.channel.Disable()
			}
			if c.bridge != nil {
				c.bridge.PublishTransition(t)
			}
		}
	}
}

// pumpEnvelopes republishes every inbound envelope on the bridge.
func (c *Core) pumpEnvelopes(ctx context.Context) error {
	envelopes, cancel := c.channel.Subscribe(socket.SubscribeAll)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-envelopes:
			if !ok {
				return nil
			}
			c.bridge.PublishEnvelope(env)
		}
	}
}

// Package reachability watches OS-level network connectivity and publishes
// online/offline transitions so the connection layer can reconnect
// opportunistically instead of waiting out a backoff countdown.
package reachability

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"
)

// DefaultPollInterval is how often interfaces are re-examined.
const DefaultPollInterval = 5 * time.Second

// Watcher polls the network interfaces for a usable route. It reports a
// boolean signal: at least one up, non-loopback interface with a global
// unicast address.
type Watcher struct {
	interval time.Duration
	logger   *slog.Logger

	// interfaces is swappable for tests.
	interfaces func() ([]net.Interface, error)
	addrs      func(net.Interface) ([]net.Addr, error)

	mu     sync.RWMutex
	online bool
	known  bool
	subs   []chan bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval sets the polling interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		w.interval = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = logger
	}
}

// New creates a Watcher.
func New(opts ...WatcherOption) *Watcher {
	w := &Watcher{
		interval:   DefaultPollInterval,
		logger:     slog.Default(),
		interfaces: net.Interfaces,
		addrs:      func(iface net.Interface) ([]net.Addr, error) { return iface.Addrs() },
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Online returns the last observed connectivity state.
func (w *Watcher) Online() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.online
}

// Subscribe registers for connectivity transitions. The current state is
// not replayed; only changes are delivered.
func (w *Watcher) Subscribe() (<-chan bool, func()) {
	ch := make(chan bool, 4)

	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()

	cancel := func() {
		w.mu.Lock()
		defer w.mu.Unlock()
		for i, sub := range w.subs {
			if sub == ch {
				w.subs = append(w.subs[:i], w.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Run polls until ctx is cancelled. The first check happens immediately.
func (w *Watcher) Run(ctx context.Context) error {
	w.check()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.check()
		}
	}
}

func (w *Watcher) check() {
	online := w.probe()

	w.mu.Lock()
	changed := !w.known || online != w.online
	w.online = online
	w.known = true
	subs := make([]chan bool, len(w.subs))
	copy(subs, w.subs)
	w.mu.Unlock()

	if !changed {
		return
	}
	w.logger.Info("Network reachability changed", "online", online)

	for _, sub := range subs {
		select {
		case sub <- online:
		default:
		}
	}
}

// probe reports whether any usable interface exists.
func (w *Watcher) probe() bool {
	ifaces, err := w.interfaces()
	if err != nil {
		w.logger.Warn("Failed to enumerate network interfaces", "error", err)
		return false
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := w.addrs(iface)
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipNet, ok := addr.(*net.IPNet); ok && ipNet.IP.IsGlobalUnicast() {
				return true
			}
		}
	}
	return false
}

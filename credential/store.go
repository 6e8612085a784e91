package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// State describes the store's authentication posture.
type State string

const (
	// StateUnauthenticated means no credential is held and anonymous
	// access was not confirmed. This is a terminal outcome of acquisition,
	// not an error.
	StateUnauthenticated State = "unauthenticated"

	// StateAnonymous means the backend permits unauthenticated access.
	StateAnonymous State = "anonymous"

	// StateAuthenticated means a usable credential is held.
	StateAuthenticated State = "authenticated"
)

// ChangeEvent is published to subscribers whenever the credential or state
// changes.
type ChangeEvent struct {
	State      State
	Credential Credential
	At         time.Time
}

// DefaultRefreshThreshold is how close to the estimated expiry a credential
// may get before EnsureFresh re-acquires it.
const DefaultRefreshThreshold = 2 * time.Minute

// Store holds the active credential. It is the only component of the core
// that callers may use concurrently; refresh is single-flight so concurrent
// callers share one acquisition.
type Store struct {
	sources   []Source
	keyfile   string
	threshold time.Duration
	logger    *slog.Logger

	group singleflight.Group

	mu    sync.RWMutex
	cred  Credential
	state State
	stale bool
	subs  []chan ChangeEvent
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// WithKeyfile sets the secure-storage file used by Set and Clear.
func WithKeyfile(path string) StoreOption {
	return func(s *Store) {
		s.keyfile = path
	}
}

// WithRefreshThreshold sets how early before expiry a refresh is triggered.
func WithRefreshThreshold(d time.Duration) StoreOption {
	return func(s *Store) {
		s.threshold = d
	}
}

// NewStore creates a Store with the given acquisition chain. Sources are
// tried in order; the first success wins.
func NewStore(sources []Source, opts ...StoreOption) *Store {
	s := &Store{
		sources:   sources,
		threshold: DefaultRefreshThreshold,
		state:     StateUnauthenticated,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Current returns a copy of the cached credential without blocking or
// performing I/O.
func (s *Store) Current() (Credential, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cred, s.cred.Valid()
}

// State returns the current authentication state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// AuthHeader returns the HTTP auth header for the current credential.
func (s *Store) AuthHeader() (string, string, bool) {
	cred, ok := s.Current()
	if !ok {
		return "", "", false
	}
	name, value := cred.AuthHeader()
	return name, value, true
}

// EnsureFresh returns the cached credential when it is not within the
// refresh threshold of its estimated expiry, and otherwise runs the
// acquisition chain. Concurrent callers during an in-progress acquisition
// await the same result. All sources failing is not an error: the store
// moves to StateUnauthenticated and returns the zero credential.
func (s *Store) EnsureFresh(ctx context.Context) (Credential, error) {
	s.mu.RLock()
	cred, state, stale := s.cred, s.state, s.stale
	s.mu.RUnlock()

	now := time.Now()
	if !stale {
		if state == StateAuthenticated && cred.FreshAt(now, s.threshold) {
			return cred, nil
		}
		if state == StateAnonymous {
			return Credential{}, nil
		}
	}

	result, err, _ := s.group.Do("acquire", func() (any, error) {
		return s.acquire(ctx)
	})
	if err != nil {
		return Credential{}, err
	}
	return result.(Credential), nil
}

// Refresh marks the cached credential stale and re-runs the acquisition
// chain. It satisfies the retry executor's refresher contract: the backend
// has rejected the credential, however fresh it looks locally, so the cache
// must not short-circuit re-acquisition.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	s.stale = true
	s.mu.Unlock()

	_, err := s.EnsureFresh(ctx)
	return err
}

// acquire walks the fallback chain. Runs at most once concurrently (enforced
// by the singleflight group in EnsureFresh).
func (s *Store) acquire(ctx context.Context) (Credential, error) {
	for _, src := range s.sources {
		if ctx.Err() != nil {
			return Credential{}, ctx.Err()
		}

		cred, err := src.Acquire(ctx)
		switch {
		case err == nil:
			state := StateAuthenticated
			if !cred.Valid() {
				state = StateAnonymous
			}
			s.logger.Info("Credential acquired",
				"source", src.Name(),
				"state", string(state))
			s.update(cred, state)
			return cred, nil

		case errors.Is(err, ErrNoCredential):
			s.logger.Debug("Credential source skipped", "source", src.Name())

		default:
			s.logger.Warn("Credential source failed",
				"source", src.Name(),
				"error", err)
		}
	}

	s.logger.Info("All credential sources exhausted; continuing unauthenticated")
	s.update(Credential{}, StateUnauthenticated)
	return Credential{}, nil
}

// Set records an explicit external login, persists it to the keyfile, and
// publishes a change event.
func (s *Store) Set(ctx context.Context, cred Credential) error {
	if !cred.Valid() {
		return fmt.Errorf("credential value is required")
	}
	if cred.AcquiredAt.IsZero() {
		cred.AcquiredAt = time.Now()
	}

	if s.keyfile != "" {
		if err := writeKeyfile(s.keyfile, cred); err != nil {
			return fmt.Errorf("persist credential: %w", err)
		}
	}
	s.update(cred, StateAuthenticated)
	return nil
}

// Clear removes the credential from memory and secure storage.
func (s *Store) Clear(ctx context.Context) error {
	if s.keyfile != "" {
		if err := os.Remove(s.keyfile); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove credential file: %w", err)
		}
	}
	s.update(Credential{}, StateUnauthenticated)
	return nil
}

// Subscribe registers for change events. The returned cancel func must be
// called to release the subscription.
func (s *Store) Subscribe() (<-chan ChangeEvent, func()) {
	ch := make(chan ChangeEvent, 8)

	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub == ch {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// update replaces the credential and state and notifies subscribers.
func (s *Store) update(cred Credential, state State) {
	s.mu.Lock()
	s.cred = cred
	s.state = state
	s.stale = false
	subs := make([]chan ChangeEvent, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	event := ChangeEvent{State: state, Credential: cred, At: time.Now()}
	for _, sub := range subs {
		select {
		case sub <- event:
		default:
			s.logger.Warn("Dropping credential change event; subscriber is slow")
		}
	}
}

// readKeyfile loads a credential from the secure-storage file.
func readKeyfile(path string) (Credential, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Credential{}, err
	}
	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential file: %w", err)
	}
	return cred, nil
}

// writeKeyfile persists a credential with owner-only permissions.
func writeKeyfile(path string, cred Credential) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}
	raw, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	if err := os.WriteFile(path, raw, 0600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

package credential_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athena-ai/athena-link/client"
	"github.com/athena-ai/athena-link/credential"
)

// scriptedSource returns a fixed result and counts invocations.
type scriptedSource struct {
	name  string
	cred  credential.Credential
	err   error
	delay time.Duration

	calls atomic.Int32
}

func (s *scriptedSource) Name() string { return s.name }

func (s *scriptedSource) Acquire(ctx context.Context) (credential.Credential, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return credential.Credential{}, ctx.Err()
		}
	}
	return s.cred, s.err
}

func bearer(value string) credential.Credential {
	return credential.Credential{
		Value:      value,
		Kind:       credential.KindBearerToken,
		AcquiredAt: time.Now(),
	}
}

func TestStore_FallbackChainOrder(t *testing.T) {
	skipped := &scriptedSource{name: "first", err: credential.ErrNoCredential}
	failed := &scriptedSource{name: "second", err: errors.New("storage locked")}
	winner := &scriptedSource{name: "third", cred: bearer("tok")}
	never := &scriptedSource{name: "fourth", cred: bearer("unreached")}

	store := credential.NewStore([]credential.Source{skipped, failed, winner, never})

	cred, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.Value)
	assert.Equal(t, credential.StateAuthenticated, store.State())

	assert.Equal(t, int32(1), skipped.calls.Load())
	assert.Equal(t, int32(1), failed.calls.Load())
	assert.Equal(t, int32(1), winner.calls.Load())
	assert.Equal(t, int32(0), never.calls.Load())
}

func TestStore_AllSourcesFailIsNotAnError(t *testing.T) {
	store := credential.NewStore([]credential.Source{
		&scriptedSource{name: "a", err: credential.ErrNoCredential},
		&scriptedSource{name: "b", err: errors.New("boom")},
	})

	cred, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.False(t, cred.Valid())
	assert.Equal(t, credential.StateUnauthenticated, store.State())
}

func TestStore_AnonymousAccess(t *testing.T) {
	// A source returning the zero credential with no error marks
	// anonymous access.
	store := credential.NewStore([]credential.Source{
		&scriptedSource{name: "anon"},
	})

	cred, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.False(t, cred.Valid())
	assert.Equal(t, credential.StateAnonymous, store.State())

	_, held := store.Current()
	assert.False(t, held)
}

func TestStore_FreshCredentialSkipsAcquisition(t *testing.T) {
	source := &scriptedSource{name: "src", cred: credential.Credential{
		Value:           "tok",
		Kind:            credential.KindBearerToken,
		AcquiredAt:      time.Now(),
		EstimatedExpiry: time.Now().Add(time.Hour),
	}}
	store := credential.NewStore([]credential.Source{source})

	_, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	require.Equal(t, int32(1), source.calls.Load())

	// Cached credential is comfortably outside the refresh threshold:
	// no further I/O.
	for i := 0; i < 5; i++ {
		cred, err := store.EnsureFresh(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "tok", cred.Value)
	}
	assert.Equal(t, int32(1), source.calls.Load())
}

func TestStore_ExpiringCredentialTriggersReacquisition(t *testing.T) {
	source := &scriptedSource{name: "src", cred: credential.Credential{
		Value:           "tok",
		Kind:            credential.KindBearerToken,
		AcquiredAt:      time.Now(),
		EstimatedExpiry: time.Now().Add(30 * time.Second),
	}}
	store := credential.NewStore([]credential.Source{source},
		credential.WithRefreshThreshold(time.Minute))

	_, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	_, err = store.EnsureFresh(context.Background())
	require.NoError(t, err)

	// Within threshold of expiry, every EnsureFresh re-runs the chain.
	assert.Equal(t, int32(2), source.calls.Load())
}

// queueSource hands out queued credentials in order, repeating the last one
// once the queue is exhausted.
type queueSource struct {
	mu    sync.Mutex
	queue []credential.Credential
	calls atomic.Int32
}

func (s *queueSource) Name() string { return "queue" }

func (s *queueSource) Acquire(ctx context.Context) (credential.Credential, error) {
	s.calls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	cred := s.queue[0]
	if len(s.queue) > 1 {
		s.queue = s.queue[1:]
	}
	return cred, nil
}

func TestStore_RefreshBypassesFreshCache(t *testing.T) {
	source := &queueSource{queue: []credential.Credential{bearer("tok1"), bearer("tok2")}}
	store := credential.NewStore([]credential.Source{source})

	cred, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", cred.Value)

	// No expiry estimate: the cache looks fresh forever.
	cred, err = store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok1", cred.Value)
	require.Equal(t, int32(1), source.calls.Load())

	// The backend rejected tok1: Refresh must re-run the chain even though
	// the cached credential has no expiry.
	require.NoError(t, store.Refresh(context.Background()))

	cred, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "tok2", cred.Value)
	assert.Equal(t, int32(2), source.calls.Load())

	// The replacement is cached normally again.
	_, err = store.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(2), source.calls.Load())
}

// Full 401 round trip: the server revokes the first credential, the executor
// triggers a refresh, the chain supplies a replacement, and the retried
// request succeeds without the caller seeing the 401.
func TestStore_RejectedCredentialReplacedOnRetry(t *testing.T) {
	source := &queueSource{queue: []credential.Credential{bearer("revoked-tok"), bearer("fresh-tok")}}
	store := credential.NewStore([]credential.Source{source})

	_, err := store.EnsureFresh(context.Background())
	require.NoError(t, err)

	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.Header.Get("Authorization") != "Bearer fresh-tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	}))
	defer server.Close()

	c, err := client.New(server.URL,
		client.WithCredentials(store),
		client.WithClientRefresher(store),
		client.WithRetryConfig(client.RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		}),
	)
	require.NoError(t, err)

	require.NoError(t, c.Get(context.Background(), "/api/v1/memory", nil))
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, int32(2), source.calls.Load())

	cred, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "fresh-tok", cred.Value)
}

func TestStore_SingleFlight(t *testing.T) {
	source := &scriptedSource{name: "slow", cred: bearer("shared"), delay: 50 * time.Millisecond}
	store := credential.NewStore([]credential.Source{source})

	const callers = 10
	results := make([]credential.Credential, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cred, err := store.EnsureFresh(context.Background())
			require.NoError(t, err)
			results[i] = cred
		}(i)
	}
	wg.Wait()

	// Concurrent callers share one acquisition and observe the same value.
	assert.Equal(t, int32(1), source.calls.Load())
	for _, cred := range results {
		assert.Equal(t, "shared", cred.Value)
	}
}

func TestStore_SetPersistsAndPublishes(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "credential.json")
	store := credential.NewStore(nil, credential.WithKeyfile(keyfile))

	events, cancel := store.Subscribe()
	defer cancel()

	require.NoError(t, store.Set(context.Background(), bearer("login-tok")))

	cred, ok := store.Current()
	require.True(t, ok)
	assert.Equal(t, "login-tok", cred.Value)

	info, err := os.Stat(keyfile)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	select {
	case event := <-events:
		assert.Equal(t, credential.StateAuthenticated, event.State)
		assert.Equal(t, "login-tok", event.Credential.Value)
	case <-time.After(time.Second):
		t.Fatal("no change event published")
	}

	// A fresh store can read the persisted credential back.
	restored := credential.NewStore([]credential.Source{
		&credential.KeyfileSource{Path: keyfile},
	})
	cred, err = restored.EnsureFresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-tok", cred.Value)
}

func TestStore_ClearRemovesEverything(t *testing.T) {
	keyfile := filepath.Join(t.TempDir(), "credential.json")
	store := credential.NewStore(nil, credential.WithKeyfile(keyfile))

	require.NoError(t, store.Set(context.Background(), bearer("tok")))
	require.NoError(t, store.Clear(context.Background()))

	_, ok := store.Current()
	assert.False(t, ok)
	assert.Equal(t, credential.StateUnauthenticated, store.State())

	_, err := os.Stat(keyfile)
	assert.True(t, os.IsNotExist(err))
}

func TestStore_SetRejectsEmptyCredential(t *testing.T) {
	store := credential.NewStore(nil)
	err := store.Set(context.Background(), credential.Credential{})
	require.Error(t, err)
}

func TestStore_WatchPicksUpExternalLogin(t *testing.T) {
	dir := t.TempDir()
	keyfile := filepath.Join(dir, "credential.json")
	store := credential.NewStore(nil, credential.WithKeyfile(keyfile))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	watchDone := make(chan error, 1)
	go func() { watchDone <- store.Watch(ctx) }()

	// Give the watcher time to arm before the external write.
	time.Sleep(50 * time.Millisecond)

	// Simulate another local process logging in.
	external := credential.NewStore(nil, credential.WithKeyfile(keyfile))
	require.NoError(t, external.Set(context.Background(), bearer("external-tok")))

	require.Eventually(t, func() bool {
		cred, ok := store.Current()
		return ok && cred.Value == "external-tok"
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-watchDone:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop on cancellation")
	}
}

func TestCredential_FreshAt(t *testing.T) {
	now := time.Now()

	noExpiry := bearer("tok")
	assert.True(t, noExpiry.FreshAt(now, time.Minute))

	expiring := credential.Credential{
		Value:           "tok",
		Kind:            credential.KindBearerToken,
		EstimatedExpiry: now.Add(30 * time.Second),
	}
	assert.False(t, expiring.FreshAt(now, time.Minute))
	assert.True(t, expiring.FreshAt(now, time.Second))

	assert.False(t, credential.Credential{}.FreshAt(now, 0))
}

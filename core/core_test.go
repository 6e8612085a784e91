package core_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/athena-ai/athena-link/config"
	"github.com/athena-ai/athena-link/connstate"
	"github.com/athena-ai/athena-link/core"
	"github.com/athena-ai/athena-link/credential"
	"github.com/athena-ai/athena-link/socket"
	"github.com/athena-ai/athena-link/wire"
)

// fakeBackend serves the REST surface and websocket endpoint the core
// expects from a live backend.
type fakeBackend struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	wsConns []*websocket.Conn
	inbound chan []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{inbound: make(chan []byte, 16)}
}

func (b *fakeBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/status":
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    map[string]string{"status": "ok"},
		})

	case "/api/v1/agents/status":
		json.NewEncoder(w).Encode(map[string]any{"success": true})

	case "/ws":
		conn, err := b.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.mu.Lock()
		b.wsConns = append(b.wsConns, conn)
		b.mu.Unlock()
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			b.inbound <- raw
		}

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (b *fakeBackend) latestConn() *websocket.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.wsConns) == 0 {
		return nil
	}
	return b.wsConns[len(b.wsConns)-1]
}

func testConfig(t *testing.T, baseURL string) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = baseURL
	cfg.Probe.Interval = time.Second
	cfg.Retry.BaseDelay = 10 * time.Millisecond
	cfg.Retry.MaxDelay = 100 * time.Millisecond
	cfg.Credential.KeyfilePath = filepath.Join(t.TempDir(), "credential.json")
	cfg.Credential.EnvVar = "ATHENA_TEST_UNSET_KEY"
	return cfg
}

func startCore(t *testing.T, c *core.Core) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("core did not shut down")
		}
	})
}

func TestCore_ConnectsAgainstLiveBackend(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend)
	defer server.Close()

	c, err := core.New(testConfig(t, server.URL))
	require.NoError(t, err)

	transitions, unsub := c.SubscribeStatus()
	defer unsub()

	startCore(t, c)

	require.Eventually(t, func() bool {
		return c.Status() == connstate.StatusConnected
	}, 10*time.Second, 10*time.Millisecond, "core never connected")

	// The startup walk passes through connecting.
	first := <-transitions
	assert.Equal(t, connstate.StatusConnecting, first.To)
}

func TestCore_SocketFollowsConnection(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend)
	defer server.Close()

	c, err := core.New(testConfig(t, server.URL))
	require.NoError(t, err)

	messages, unsub := c.SubscribeMessages(socket.SubscribeAll)
	defer unsub()

	startCore(t, c)

	// Once connected, the socket channel is enabled and dials /ws.
	require.Eventually(t, func() bool {
		return backend.latestConn() != nil
	}, 10*time.Second, 10*time.Millisecond, "socket never connected")

	// Backend push reaches subscribers.
	conn := backend.latestConn()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"status_update","data":{"status":"ok"}}`)))

	select {
	case env := <-messages:
		assert.Equal(t, "status_update", env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("pushed envelope never arrived")
	}

	// Outbound envelopes reach the backend.
	require.NoError(t, c.Send(context.Background(),
		wire.Envelope{Type: "user_message", Data: map[string]any{"text": "hi"}}))

	select {
	case raw := <-backend.inbound:
		env, err := wire.ParseEnvelope(raw)
		require.NoError(t, err)
		assert.Equal(t, "user_message", env.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("outbound envelope never arrived")
	}
}

func TestCore_LoginLogout(t *testing.T) {
	backend := newFakeBackend()
	server := httptest.NewServer(backend)
	defer server.Close()

	cfg := testConfig(t, server.URL)
	c, err := core.New(cfg)
	require.NoError(t, err)

	require.NoError(t, c.Login(context.Background(), credential.Credential{
		Value: "login-tok",
		Kind:  credential.KindBearerToken,
	}))
	assert.Equal(t, credential.StateAuthenticated, c.Credentials().State())

	cred, ok := c.Credentials().Current()
	require.True(t, ok)
	assert.Equal(t, "login-tok", cred.Value)

	require.NoError(t, c.Logout(context.Background()))
	assert.Equal(t, credential.StateUnauthenticated, c.Credentials().State())
	_, ok = c.Credentials().Current()
	assert.False(t, ok)
}

func TestCore_RejectsInvalidConfig(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Server.BaseURL = ""
	_, err := core.New(cfg)
	require.Error(t, err)
}

func TestCore_ClientUsesStoredCredential(t *testing.T) {
	var sawAuth sync.Map

	mux := http.NewServeMux()
	backend := newFakeBackend()
	mux.Handle("/", backend)
	mux.HandleFunc("/api/v1/whoami", func(w http.ResponseWriter, r *http.Request) {
		sawAuth.Store("header", r.Header.Get("Authorization"))
		json.NewEncoder(w).Encode(map[string]any{"success": true})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c, err := core.New(testConfig(t, server.URL))
	require.NoError(t, err)

	require.NoError(t, c.Credentials().Set(context.Background(), credential.Credential{
		Value: "stored-tok",
		Kind:  credential.KindBearerToken,
	}))

	require.NoError(t, c.Client().Get(context.Background(), "/api/v1/whoami", nil))
	header, _ := sawAuth.Load("header")
	assert.Equal(t, "Bearer stored-tok", header)
}

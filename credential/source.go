package credential

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNoCredential is returned by a Source that cannot contribute a
// credential right now; the chain moves on to the next source.
var ErrNoCredential = errors.New("no credential available")

// Source is one strategy in the credential acquisition chain. Acquire
// returns a zero-valued Credential with a nil error when the backend allows
// anonymous access.
type Source interface {
	Name() string
	Acquire(ctx context.Context) (Credential, error)
}

// placeholderValues are development-template values that must never be used
// as real credentials.
var placeholderValues = map[string]bool{
	"changeme":          true,
	"your-api-key-here": true,
	"placeholder":       true,
	"xxx":               true,
}

// RefreshSource exchanges the current session-backed token for a fresh one
// via POST /auth/refresh.
type RefreshSource struct {
	BaseURL string
	HTTP    *http.Client
	Current func() (Credential, bool)
}

// Name implements Source.
func (s *RefreshSource) Name() string { return "session_refresh" }

// refreshResponse is the token payload returned by the auth service.
type refreshResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	} `json:"data"`
}

// Acquire implements Source.
func (s *RefreshSource) Acquire(ctx context.Context) (Credential, error) {
	cur, ok := s.Current()
	if !ok || cur.Kind != KindBearerToken {
		return Credential{}, ErrNoCredential
	}

	target, err := url.JoinPath(s.BaseURL, "/auth/refresh")
	if err != nil {
		return Credential{}, fmt.Errorf("build refresh URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return Credential{}, fmt.Errorf("build refresh request: %w", err)
	}
	name, value := cur.AuthHeader()
	req.Header.Set(name, value)

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Credential{}, fmt.Errorf("refresh rejected (status %d)", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Credential{}, fmt.Errorf("read refresh response: %w", err)
	}

	var parsed refreshResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return Credential{}, fmt.Errorf("decode refresh response: %w", err)
	}
	if !parsed.Success || parsed.Data.Token == "" {
		return Credential{}, fmt.Errorf("refresh response missing token")
	}

	now := time.Now()
	cred := Credential{
		Value:      parsed.Data.Token,
		Kind:       KindBearerToken,
		AcquiredAt: now,
	}
	if parsed.Data.ExpiresIn > 0 {
		cred.EstimatedExpiry = now.Add(time.Duration(parsed.Data.ExpiresIn) * time.Second)
	}
	return cred, nil
}

func (s *RefreshSource) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return http.DefaultClient
}

// KeyfileSource reads a persisted credential from the secure-storage file.
type KeyfileSource struct {
	Path string
}

// Name implements Source.
func (s *KeyfileSource) Name() string { return "keyfile" }

// Acquire implements Source.
func (s *KeyfileSource) Acquire(_ context.Context) (Credential, error) {
	cred, err := readKeyfile(s.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, ErrNoCredential
		}
		return Credential{}, err
	}
	if !cred.Valid() {
		return Credential{}, ErrNoCredential
	}
	return cred, nil
}

// EnvSource reads an API key from a process environment variable. Intended
// for development; placeholder values are rejected.
type EnvSource struct {
	Var    string
	Logger *slog.Logger
}

// DefaultEnvVar is the environment variable consulted by EnvSource.
const DefaultEnvVar = "ATHENA_API_KEY"

// Name implements Source.
func (s *EnvSource) Name() string { return "environment" }

// Acquire implements Source.
func (s *EnvSource) Acquire(_ context.Context) (Credential, error) {
	varName := s.Var
	if varName == "" {
		varName = DefaultEnvVar
	}
	value := strings.TrimSpace(os.Getenv(varName))
	if value == "" {
		return Credential{}, ErrNoCredential
	}
	if placeholderValues[strings.ToLower(value)] {
		if s.Logger != nil {
			s.Logger.Warn("Ignoring placeholder credential in environment", "var", varName)
		}
		return Credential{}, ErrNoCredential
	}
	return Credential{
		Value:      value,
		Kind:       KindAPIKey,
		AcquiredAt: time.Now(),
	}, nil
}

// AnonymousSource probes the backend to see whether unauthenticated access
// is permitted. On success it contributes the empty credential, which the
// Store records as the anonymous state.
type AnonymousSource struct {
	BaseURL string
	HTTP    *http.Client
}

// Name implements Source.
func (s *AnonymousSource) Name() string { return "anonymous" }

// Acquire implements Source.
func (s *AnonymousSource) Acquire(ctx context.Context) (Credential, error) {
	if err := probeStatus(ctx, s.HTTP, s.BaseURL, nil); err != nil {
		return Credential{}, ErrNoCredential
	}
	return Credential{}, nil
}

// DevTokenSource synthesizes a local development token and verifies it
// against the backend before accepting it. The localhost check is a
// development-parity heuristic, not a security boundary: the token is never
// offered against a non-local base URL.
type DevTokenSource struct {
	BaseURL string
	HTTP    *http.Client
	Logger  *slog.Logger
}

// Name implements Source.
func (s *DevTokenSource) Name() string { return "dev_token" }

// Acquire implements Source.
func (s *DevTokenSource) Acquire(ctx context.Context) (Credential, error) {
	if !isLocalURL(s.BaseURL) {
		return Credential{}, ErrNoCredential
	}

	cred := Credential{
		Value:      "dev-" + uuid.NewString(),
		Kind:       KindBearerToken,
		AcquiredAt: time.Now(),
	}
	if err := probeStatus(ctx, s.HTTP, s.BaseURL, &cred); err != nil {
		return Credential{}, ErrNoCredential
	}

	if s.Logger != nil {
		s.Logger.Warn("Using synthesized development credential; valid only against a local backend")
	}
	return cred, nil
}

// isLocalURL reports whether the base URL points at a loopback host.
func isLocalURL(raw string) bool {
	parsed, err := url.Parse(raw)
	if err != nil {
		return false
	}
	host := parsed.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// probeStatus performs a lightweight GET /status, optionally authenticated.
func probeStatus(ctx context.Context, hc *http.Client, baseURL string, cred *Credential) error {
	target, err := url.JoinPath(baseURL, "/status")
	if err != nil {
		return fmt.Errorf("build status URL: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build status request: %w", err)
	}
	if cred != nil {
		name, value := cred.AuthHeader()
		req.Header.Set(name, value)
	}

	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("status probe: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status probe rejected (status %d)", resp.StatusCode)
	}
	return nil
}

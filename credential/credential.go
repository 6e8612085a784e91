// Package credential manages the backend credential: acquisition through an
// ordered fallback chain, single-flight refresh, and secure-storage
// persistence.
package credential

import (
	"time"
)

// Kind distinguishes the credential forms the backend accepts.
type Kind string

const (
	// KindBearerToken is a session-backed bearer token.
	KindBearerToken Kind = "bearer_token"

	// KindAPIKey is a long-lived API key.
	KindAPIKey Kind = "api_key"
)

// Credential is a value-copied snapshot of the active credential. The Store
// owns the only mutable instance; callers always receive copies.
type Credential struct {
	Value           string    `json:"value"`
	Kind            Kind      `json:"kind"`
	AcquiredAt      time.Time `json:"acquired_at"`
	EstimatedExpiry time.Time `json:"estimated_expiry,omitempty"`
}

// Valid reports whether the credential holds a usable value.
func (c Credential) Valid() bool {
	return c.Value != ""
}

// FreshAt reports whether the credential is still usable at now, leaving at
// least threshold before the estimated expiry. Credentials without an expiry
// estimate are treated as fresh.
func (c Credential) FreshAt(now time.Time, threshold time.Duration) bool {
	if !c.Valid() {
		return false
	}
	if c.EstimatedExpiry.IsZero() {
		return true
	}
	return now.Before(c.EstimatedExpiry.Add(-threshold))
}

// AuthHeader returns the HTTP header name and value for this credential.
func (c Credential) AuthHeader() (string, string) {
	switch c.Kind {
	case KindAPIKey:
		return "X-API-Key", c.Value
	default:
		return "Authorization", "Bearer " + c.Value
	}
}

package socket

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session identifies one live socket connection. A session is never mutated
// across reconnects: every successful connect creates a replacement with a
// fresh id.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu       sync.Mutex
	lastPong time.Time
}

func newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
	}
}

// LastPong returns the time of the most recent keep-alive pong, or zero if
// none has arrived yet.
func (s *Session) LastPong() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPong
}

func (s *Session) markPong() {
	s.mu.Lock()
	s.lastPong = time.Now()
	s.mu.Unlock()
}

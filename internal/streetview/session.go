package streetview

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Session is an API session token shared read-only by concurrent pipeline
// runs. It is replaced, never mutated, when detected invalid.
type Session struct {
	Token     string
	CreatedAt time.Time
}

// SessionSource hands out a shared session and accepts invalidation reports.
type SessionSource interface {
	Acquire(ctx context.Context) (*Session, error)
	Invalidate(s *Session)
}

// Sessions caches the current session token and refreshes it on demand.
// Creation happens under the mutex so concurrent cache misses collapse into
// a single remote call.
type Sessions struct {
	client *Client

	mu      sync.Mutex
	current *Session
	invalid bool
}

// NewSessions creates a session manager backed by the given client.
func NewSessions(client *Client) *Sessions {
	return &Sessions{client: client}
}

// Acquire returns the cached session if present and valid, otherwise creates
// a new one remotely. Safe for concurrent use.
func (s *Sessions) Acquire(ctx context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current != nil && !s.invalid {
		return s.current, nil
	}

	session, err := s.client.CreateSession(ctx)
	if err != nil {
		return nil, err
	}

	log.Info().
		Time("created_at", session.CreatedAt).
		Msg("Created street view session")

	s.current = session
	s.invalid = false
	return session, nil
}

// Invalidate marks stale so the next Acquire forces a fresh remote call.
// A report against an already-replaced session is ignored: someone else
// refreshed first.
func (s *Sessions) Invalidate(stale *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.current == stale {
		s.invalid = true
		log.Warn().Msg("Session invalidated, next acquire will create a new one")
	}
}

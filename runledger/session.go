package runledger

import (
	"context"
	"sync"
	"time"

	"github.com/runledger/runledger/runledgererr"
)

// SessionStatus is the lifecycle status of a Session.
type SessionStatus string

const (
	SessionActive SessionStatus = "active"
	SessionEnded  SessionStatus = "ended"
)

// Session is an optional grouping layer above threads: a longer-lived
// conversational container created and ended independently of run
// lifecycle. Supplements the RunRecord/threadId model, which has no
// notion of a container above a thread. Grounded on session.Session,
// trimmed to the fields this repo's RunRecord does not already carry
// (threadId linkage is left to the embedding application).
type Session struct {
	ID        string
	Status    SessionStatus
	CreatedAt time.Time
	EndedAt   *time.Time
}

// SessionStore tracks Session lifecycle. A runledger.Store implementation
// MAY additionally implement SessionStore; doing so never alters the
// semantics of any Store operation.
type SessionStore interface {
	// CreateSession creates (or returns, idempotently) an active session.
	// Returns InvalidState if the session exists but has ended.
	CreateSession(ctx context.Context, sessionID string) (Session, error)
	// LoadSession returns NotFound if the session does not exist.
	LoadSession(ctx context.Context, sessionID string) (Session, error)
	// EndSession ends a session. Idempotent: ending an already-ended
	// session returns the stored session unchanged.
	EndSession(ctx context.Context, sessionID string) (Session, error)
}

// InmemSessionStore is a minimal in-memory SessionStore, directly adapted
// from session/inmem's map-plus-mutex shape.
type InmemSessionStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	now      func() time.Time
}

// NewInmemSessionStore constructs an empty InmemSessionStore.
func NewInmemSessionStore() *InmemSessionStore {
	return &InmemSessionStore{sessions: make(map[string]Session), now: time.Now}
}

func (s *InmemSessionStore) CreateSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.sessions[sessionID]; ok {
		if existing.Status == SessionEnded {
			return Session{}, runledgererr.New(runledgererr.InvalidState, "runledger.CreateSession", nil)
		}
		return existing, nil
	}
	sess := Session{ID: sessionID, Status: SessionActive, CreatedAt: s.now()}
	s.sessions[sessionID] = sess
	return sess, nil
}

func (s *InmemSessionStore) LoadSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, runledgererr.New(runledgererr.NotFound, "runledger.LoadSession", nil)
	}
	return sess, nil
}

func (s *InmemSessionStore) EndSession(_ context.Context, sessionID string) (Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, runledgererr.New(runledgererr.NotFound, "runledger.EndSession", nil)
	}
	if sess.Status == SessionEnded {
		return sess, nil
	}
	endedAt := s.now()
	sess.Status = SessionEnded
	sess.EndedAt = &endedAt
	s.sessions[sessionID] = sess
	return sess, nil
}

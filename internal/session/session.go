package session

import (
	"sync"
	"time"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Session is one live connection and the identity bound to it, if any.
// A session represents at most one user at a time.
type Session struct {
	id          string
	connectedAt time.Time
	outbox      *Outbox

	mu              sync.RWMutex
	userID          int64
	authenticatedAt time.Time
	rooms           map[chat.Room]struct{}
	closed          bool
}

func newSession(id string, connectedAt time.Time, bufferSize int) *Session {
	return &Session{
		id:          id,
		connectedAt: connectedAt,
		outbox:      NewOutbox(id, bufferSize),
		rooms:       make(map[chat.Room]struct{}),
	}
}

// ID returns the connection identifier.
func (s *Session) ID() string { return s.id }

// ConnectedAt returns when the connection was registered.
func (s *Session) ConnectedAt() time.Time { return s.connectedAt }

// Outbox returns the session's outbound frame queue.
func (s *Session) Outbox() *Outbox { return s.outbox }

// UserID returns the bound user, or false when the session is unauthenticated.
func (s *Session) UserID() (int64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, s.userID != 0
}

// AuthenticatedAt returns when the current identity was bound.
func (s *Session) AuthenticatedAt() (time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.authenticatedAt, s.userID != 0
}

// Rooms returns a snapshot of the rooms the session observes.
func (s *Session) Rooms() []chat.Room {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.Room, 0, len(s.rooms))
	for r := range s.rooms {
		out = append(out, r)
	}
	return out
}

// InRoom reports whether the session observes room.
func (s *Session) InRoom(room chat.Room) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rooms[room]
	return ok
}

func (s *Session) bind(userID int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	s.authenticatedAt = at
}

func (s *Session) unbind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = 0
	s.authenticatedAt = time.Time{}
}

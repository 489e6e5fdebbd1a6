package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

const shardCount = 32

// TokenVerifier validates an opaque bearer token and returns the user it identifies.
type TokenVerifier interface {
	Verify(ctx context.Context, token string) (int64, error)
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// Registry tracks every live session. Sessions are sharded by id so
// unrelated connections never contend on one lock.
// All methods are safe for concurrent use.
type Registry struct {
	verifier   TokenVerifier
	logger     *zap.Logger
	bufferSize int
	now        func() time.Time
	shards     [shardCount]registryShard
}

// NewRegistry creates an empty Registry.
//
// Precondition: verifier and logger must be non-nil.
// Postcondition: Returns a Registry whose outboxes hold bufferSize frames.
func NewRegistry(verifier TokenVerifier, bufferSize int, logger *zap.Logger) *Registry {
	r := &Registry{
		verifier:   verifier,
		logger:     logger,
		bufferSize: bufferSize,
		now:        time.Now,
	}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(sessionID string) *registryShard {
	return &r.shards[xxhash.Sum64String(sessionID)%shardCount]
}

// Register adds a new session. A missing or rejected token still registers
// the connection, unauthenticated.
//
// Precondition: sessionID must be non-empty.
// Postcondition: Returns the registered Session, or an error if sessionID is already registered.
func (r *Registry) Register(ctx context.Context, sessionID, token string) (*Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("%w: empty session id", chat.ErrBadRequest)
	}

	var userID int64
	if token != "" {
		uid, err := r.verifier.Verify(ctx, token)
		if err != nil {
			r.logger.Debug("token rejected, registering unauthenticated session",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		} else {
			userID = uid
		}
	}

	now := r.now()
	sess := newSession(sessionID, now, r.bufferSize)
	if userID != 0 {
		sess.bind(userID, now)
	}

	sh := r.shard(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if _, exists := sh.sessions[sessionID]; exists {
		return nil, fmt.Errorf("session %q already registered", sessionID)
	}
	sh.sessions[sessionID] = sess
	return sess, nil
}

// Bind replaces the identity of a session.
//
// Postcondition: The session is bound to userID, or ErrNotFound is returned.
func (r *Registry) Bind(sessionID string, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: invalid user id %d", chat.ErrBadRequest, userID)
	}
	sess, ok := r.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, chat.ErrNotFound)
	}
	sess.bind(userID, r.now())
	return nil
}

// Unbind clears the identity of a session; the connection stays registered.
func (r *Registry) Unbind(sessionID string) error {
	sess, ok := r.Lookup(sessionID)
	if !ok {
		return fmt.Errorf("session %q: %w", sessionID, chat.ErrNotFound)
	}
	sess.unbind()
	return nil
}

// Remove deletes a session and closes its outbox. Removing an unknown
// session is a no-op.
//
// Postcondition: Returns the removed session and true, or nil and false if it was absent.
func (r *Registry) Remove(sessionID string) (*Session, bool) {
	sh := r.shard(sessionID)
	sh.mu.Lock()
	sess, ok := sh.sessions[sessionID]
	if ok {
		delete(sh.sessions, sessionID)
	}
	sh.mu.Unlock()

	if ok {
		_ = sess.outbox.Close()
	}
	return sess, ok
}

// Lookup returns the session for the given id.
func (r *Registry) Lookup(sessionID string) (*Session, bool) {
	sh := r.shard(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[sessionID]
	return sess, ok
}

// SessionsForUser returns a snapshot of the local sessions bound to userID.
func (r *Registry) SessionsForUser(userID int64) []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if uid, ok := sess.UserID(); ok && uid == userID {
				out = append(out, sess)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// Count returns the number of registered sessions.
func (r *Registry) Count() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

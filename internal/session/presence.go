package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Event is a server-pushed frame: {"event": Name, "data": Data}.
type Event struct {
	Name string `json:"event"`
	Data any    `json:"data,omitempty"`
}

// Encode serializes the event as one JSON frame.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

type roomShard struct {
	mu    sync.RWMutex
	rooms map[chat.Room]map[string]struct{}
}

// Presence tracks which sessions observe which rooms and fans events out to
// them. Room subscriber sets are sharded by room; a session's own room set is
// guarded by the session. Locks are always taken session first, then room shard.
type Presence struct {
	registry *Registry
	logger   *zap.Logger
	shards   [shardCount]roomShard
}

// NewPresence creates an empty Presence manager.
//
// Precondition: registry and logger must be non-nil.
func NewPresence(registry *Registry, logger *zap.Logger) *Presence {
	p := &Presence{registry: registry, logger: logger}
	for i := range p.shards {
		p.shards[i].rooms = make(map[chat.Room]map[string]struct{})
	}
	return p
}

func (p *Presence) shard(room chat.Room) *roomShard {
	return &p.shards[xxhash.Sum64String(room.String())%shardCount]
}

// Join subscribes a session to room. Joining a room already occupied is a no-op.
//
// Precondition: room must be valid.
// Postcondition: Returns true if the session was newly added, or an error if the session is unknown.
func (p *Presence) Join(sessionID string, room chat.Room) (bool, error) {
	if !room.Valid() {
		return false, fmt.Errorf("%w: invalid room", chat.ErrBadRequest)
	}
	sess, ok := p.registry.Lookup(sessionID)
	if !ok {
		return false, fmt.Errorf("session %q: %w", sessionID, chat.ErrNotFound)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.closed {
		return false, fmt.Errorf("session %q: %w", sessionID, chat.ErrNotFound)
	}
	if _, exists := sess.rooms[room]; exists {
		return false, nil
	}
	sess.rooms[room] = struct{}{}

	sh := p.shard(room)
	sh.mu.Lock()
	subs := sh.rooms[room]
	if subs == nil {
		subs = make(map[string]struct{})
		sh.rooms[room] = subs
	}
	subs[sessionID] = struct{}{}
	sh.mu.Unlock()
	return true, nil
}

// Leave unsubscribes a session from room. Leaving a room not occupied is a no-op.
//
// Postcondition: Returns true if the session was removed.
func (p *Presence) Leave(sessionID string, room chat.Room) bool {
	sess, ok := p.registry.Lookup(sessionID)
	if !ok {
		return p.removeSubscriber(sessionID, room)
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if _, exists := sess.rooms[room]; !exists {
		return false
	}
	delete(sess.rooms, room)
	return p.removeSubscriber(sessionID, room)
}

func (p *Presence) removeSubscriber(sessionID string, room chat.Room) bool {
	sh := p.shard(room)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	subs, ok := sh.rooms[room]
	if !ok {
		return false
	}
	if _, ok := subs[sessionID]; !ok {
		return false
	}
	delete(subs, sessionID)
	if len(subs) == 0 {
		delete(sh.rooms, room)
	}
	return true
}

// SetActive switches the session's active room within one scope. It joins
// newRoom before leaving oldRoom so the session is never in neither room.
// oldRoom may be the zero Room when there was no previous selection.
//
// Precondition: newRoom must belong to scope; oldRoom must be zero or belong to scope.
// Postcondition: Returns whether newRoom was joined and whether oldRoom was left.
func (p *Presence) SetActive(sessionID string, scope chat.RoomKind, newRoom, oldRoom chat.Room) (joined, left bool, err error) {
	if newRoom.Kind() != scope {
		return false, false, fmt.Errorf("%w: room %s is outside scope", chat.ErrBadRequest, newRoom)
	}
	if !oldRoom.IsZero() && oldRoom.Kind() != scope {
		return false, false, fmt.Errorf("%w: room %s is outside scope", chat.ErrBadRequest, oldRoom)
	}
	if oldRoom == newRoom {
		return false, false, nil
	}
	joined, err = p.Join(sessionID, newRoom)
	if err != nil {
		return false, false, err
	}
	if !oldRoom.IsZero() {
		left = p.Leave(sessionID, oldRoom)
	}
	return joined, left, nil
}

// Subscribers returns a snapshot of the session ids observing room.
func (p *Presence) Subscribers(room chat.Room) []string {
	sh := p.shard(room)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	subs := sh.rooms[room]
	out := make([]string, 0, len(subs))
	for id := range subs {
		out = append(out, id)
	}
	return out
}

// Broadcast delivers evt to every session in room except exclude.
//
// Postcondition: Returns the number of sessions the event was queued for.
func (p *Presence) Broadcast(room chat.Room, evt Event, exclude string) int {
	return p.BroadcastUnion([]chat.Room{room}, evt, exclude)
}

// BroadcastUnion delivers evt once to every session observing any of rooms,
// except exclude. A session in several of the rooms receives one copy.
//
// Postcondition: Returns the number of sessions the event was queued for.
func (p *Presence) BroadcastUnion(rooms []chat.Room, evt Event, exclude string) int {
	targets := make(map[string]struct{})
	for _, room := range rooms {
		for _, id := range p.Subscribers(room) {
			targets[id] = struct{}{}
		}
	}
	delete(targets, exclude)
	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	return p.SendTo(ids, evt)
}

// SendTo delivers evt to each listed session that is registered locally.
// Unknown ids are skipped.
//
// Postcondition: Returns the number of sessions the event was queued for.
func (p *Presence) SendTo(sessionIDs []string, evt Event) int {
	if len(sessionIDs) == 0 {
		return 0
	}
	frame, err := evt.Encode()
	if err != nil {
		p.logger.Error("encoding broadcast event", zap.String("event", evt.Name), zap.Error(err))
		return 0
	}

	delivered := 0
	seen := make(map[string]struct{}, len(sessionIDs))
	for _, id := range sessionIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		sess, ok := p.registry.Lookup(id)
		if !ok {
			continue
		}
		if err := sess.outbox.Push(frame); err != nil {
			p.logger.Warn("dropping event for session",
				zap.String("session_id", id),
				zap.String("event", evt.Name),
				zap.Error(err),
			)
			continue
		}
		delivered++
	}
	return delivered
}

// SendToUser is SendTo restricted to sessions currently bound to userID.
func (p *Presence) SendToUser(userID int64, sessionIDs []string, evt Event) int {
	bound := lo.Filter(sessionIDs, func(id string, _ int) bool {
		sess, ok := p.registry.Lookup(id)
		if !ok {
			return false
		}
		uid, ok := sess.UserID()
		return ok && uid == userID
	})
	return p.SendTo(bound, evt)
}

// Drop removes the session from every room it occupies and sends each of
// those rooms one leave event built by leaveEvent. Later joins for the
// session fail. Dropping twice emits nothing the second time.
//
// Postcondition: Returns the rooms the session was removed from.
func (p *Presence) Drop(sessionID string, leaveEvent func(chat.Room) Event) []chat.Room {
	sess, ok := p.registry.Lookup(sessionID)
	if !ok {
		return nil
	}

	sess.mu.Lock()
	sess.closed = true
	rooms := make([]chat.Room, 0, len(sess.rooms))
	for room := range sess.rooms {
		rooms = append(rooms, room)
		p.removeSubscriber(sessionID, room)
	}
	clear(sess.rooms)
	sess.mu.Unlock()

	if leaveEvent != nil {
		for _, room := range rooms {
			p.Broadcast(room, leaveEvent(room), sessionID)
		}
	}
	return rooms
}

// RoomCount returns the number of rooms with at least one subscriber.
func (p *Presence) RoomCount() int {
	n := 0
	for i := range p.shards {
		sh := &p.shards[i]
		sh.mu.RLock()
		n += len(sh.rooms)
		sh.mu.RUnlock()
	}
	return n
}

package chatserver_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/chatserver"
	"github.com/cory-johannsen/parley/internal/session"
	"github.com/cory-johannsen/parley/internal/storage/memory"
)

type stubVerifier struct {
	mu     sync.RWMutex
	tokens map[string]int64
}

func (v *stubVerifier) Verify(_ context.Context, token string) (int64, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[token]
	if !ok {
		return 0, fmt.Errorf("%w: unknown token", chat.ErrAuthenticationRequired)
	}
	return id, nil
}

type wireFrame struct {
	Event string                `json:"event"`
	ID    string                `json:"id"`
	OK    bool                  `json:"ok"`
	Data  json.RawMessage       `json:"data"`
	Error *chatserver.ErrorBody `json:"error"`
}

type harness struct {
	t        *testing.T
	ctx      context.Context
	store    *memory.Store
	registry *session.Registry
	presence *session.Presence
	svc      *chatserver.Service
	verifier *stubVerifier
	seq      int
	pending  map[string][]wireFrame
}

func newHarness(t *testing.T, cfg chatserver.ServiceConfig) *harness {
	return newHarnessWith(t, cfg, nil)
}

// newHarnessWith lets wrap decorate the memory store the service writes to.
// Test assertions still read the undecorated store.
func newHarnessWith(t *testing.T, cfg chatserver.ServiceConfig, wrap func(*memory.Store) chat.Store) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := memory.New()
	var backing chat.Store = store
	if wrap != nil {
		backing = wrap(store)
	}
	verifier := &stubVerifier{tokens: map[string]int64{}}
	registry := session.NewRegistry(verifier, 256, logger)
	presence := session.NewPresence(registry, logger)
	svc := chatserver.NewService(backing, verifier, registry, presence, cfg, logger)
	require.NoError(t, svc.Start(context.Background()))
	return &harness{
		t:        t,
		ctx:      context.Background(),
		store:    store,
		registry: registry,
		presence: presence,
		svc:      svc,
		verifier: verifier,
		pending:  map[string][]wireFrame{},
	}
}

// user creates an account whose bearer token is its username.
func (h *harness) user(name string) chat.User {
	h.t.Helper()
	u, err := h.store.CreateUser(name, name)
	require.NoError(h.t, err)
	h.verifier.mu.Lock()
	h.verifier.tokens[name] = u.ID
	h.verifier.mu.Unlock()
	return u
}

func (h *harness) connect(token string) *session.Session {
	h.t.Helper()
	sess, err := h.svc.Connect(h.ctx, token)
	require.NoError(h.t, err)
	return sess
}

func (h *harness) collect(sess *session.Session) {
	for {
		select {
		case raw, ok := <-sess.Outbox().Frames():
			if !ok {
				return
			}
			var f wireFrame
			require.NoError(h.t, json.Unmarshal(raw, &f))
			h.pending[sess.ID()] = append(h.pending[sess.ID()], f)
		default:
			return
		}
	}
}

// request sends one correlated frame and returns its acknowledgement.
// Other frames stay queued for events.
func (h *harness) request(sess *session.Session, event string, data any) wireFrame {
	h.t.Helper()
	h.seq++
	id := strconv.Itoa(h.seq)
	raw, err := json.Marshal(map[string]any{"event": event, "id": id, "data": data})
	require.NoError(h.t, err)
	require.NoError(h.t, h.svc.Handle(h.ctx, sess, raw))

	h.collect(sess)
	frames := h.pending[sess.ID()]
	for i, f := range frames {
		if f.Event == chatserver.EventAck && f.ID == id {
			h.pending[sess.ID()] = append(frames[:i:i], frames[i+1:]...)
			return f
		}
	}
	h.t.Fatalf("no ack for %s request %s", event, id)
	return wireFrame{}
}

// events returns and clears every unacknowledged frame queued for sess.
func (h *harness) events(sess *session.Session) []wireFrame {
	h.collect(sess)
	out := h.pending[sess.ID()]
	delete(h.pending, sess.ID())
	return out
}

func eventsNamed(frames []wireFrame, name string) []wireFrame {
	var out []wireFrame
	for _, f := range frames {
		if f.Event == name {
			out = append(out, f)
		}
	}
	return out
}

func decode[T any](t *testing.T, raw json.RawMessage) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(raw, &v))
	return v
}

func requireOK(t *testing.T, f wireFrame) {
	t.Helper()
	if !f.OK {
		require.Failf(t, "request failed", "%+v", f.Error)
	}
}

func requireCode(t *testing.T, f wireFrame, code chat.Code) {
	t.Helper()
	require.False(t, f.OK)
	require.NotNil(t, f.Error)
	assert.Equal(t, code, f.Error.Code, f.Error.Message)
}

// world is alice's server with bob invited.
type world struct {
	*harness
	alice, bob   chat.User
	aliceS, bobS *session.Session
	server       chat.ServerWithChannels
	general      chat.Channel
}

func newWorld(t *testing.T) *world {
	return newWorldOn(t, newHarness(t, chatserver.ServiceConfig{}))
}

func newWorldOn(t *testing.T, h *harness) *world {
	w := &world{harness: h, alice: h.user("alice"), bob: h.user("bob")}
	w.aliceS = h.connect("alice")
	w.bobS = h.connect("bob")

	ack := h.request(w.aliceS, chatserver.EventCreateServer, nil)
	requireOK(t, ack)
	w.server = decode[chat.ServerWithChannels](t, ack.Data)
	w.general = w.server.Channels[0]

	ack = h.request(w.aliceS, chatserver.EventInviteUsersToServer, map[string]any{
		"users":    []map[string]any{{"userId": w.bob.ID, "username": "bob"}},
		"serverId": w.server.Server.ID,
	})
	requireOK(t, ack)
	h.events(w.aliceS)
	h.events(w.bobS)
	return w
}

func TestConnect_MirrorsAuthenticatedSession(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	alice := h.user("alice")
	sess := h.connect("alice")

	uid, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, alice.ID, uid)

	sids, err := h.store.ListSessionsForUser(h.ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID()}, sids)
}

func TestConnect_BadTokenIsUnauthenticated(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	sess := h.connect("forged")
	_, ok := sess.UserID()
	assert.False(t, ok)

	requireCode(t, h.request(sess, chatserver.EventGetStartupData, nil), chat.CodeAuthenticationRequired)
}

func TestHandle_MalformedFrame(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	sess := h.connect("")

	err := h.svc.Handle(h.ctx, sess, []byte(`{"event":`))
	assert.ErrorIs(t, err, chatserver.ErrMalformedFrame)
	err = h.svc.Handle(h.ctx, sess, []byte(`{"id":"1"}`))
	assert.ErrorIs(t, err, chatserver.ErrMalformedFrame)
	assert.Empty(t, h.events(sess))
}

func TestHandle_UnknownEvent(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	sess := h.connect("")
	requireCode(t, h.request(sess, "teleport", nil), chat.CodeBadRequest)
}

func TestHandle_FailureWithoutIDEmitsErrorEvent(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	sess := h.connect("")

	require.NoError(t, h.svc.Handle(h.ctx, sess, []byte(`{"event":"getStartupData"}`)))
	frames := h.events(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, chatserver.EventError, frames[0].Event)
	assert.Equal(t, chat.CodeAuthenticationRequired, frames[0].Error.Code)
}

func TestLogin(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	bob := h.user("bob")
	sess := h.connect("")

	requireCode(t, h.request(sess, chatserver.EventLogin, map[string]any{}), chat.CodeBadRequest)
	requireCode(t, h.request(sess, chatserver.EventLogin, map[string]any{"username": "nobody"}), chat.CodeNotFound)
	requireCode(t, h.request(sess, chatserver.EventLogin, map[string]any{"token": "forged"}), chat.CodeAuthenticationRequired)

	ack := h.request(sess, chatserver.EventLogin, map[string]any{"username": "bob"})
	requireOK(t, ack)
	assert.Equal(t, bob, decode[chat.User](t, ack.Data))

	uid, ok := sess.UserID()
	require.True(t, ok)
	assert.Equal(t, bob.ID, uid)
	sids, err := h.store.ListSessionsForUser(h.ctx, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID()}, sids)
}

func TestLogin_ReplacesIdentity(t *testing.T) {
	w := newWorld(t)
	carol := w.user("carol")
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": w.server.Server.ID}))
	require.NotEmpty(t, w.aliceS.Rooms())

	requireOK(t, w.request(w.aliceS, chatserver.EventLogin, map[string]any{"token": "carol"}))
	uid, _ := w.aliceS.UserID()
	assert.Equal(t, carol.ID, uid)
	assert.Empty(t, w.aliceS.Rooms())

	sids, _ := w.store.ListSessionsForUser(w.ctx, w.alice.ID)
	assert.Empty(t, sids)
	sids, _ = w.store.ListSessionsForUser(w.ctx, carol.ID)
	assert.Equal(t, []string{w.aliceS.ID()}, sids)
}

func TestLogout(t *testing.T) {
	w := newWorld(t)
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": w.server.Server.ID}))

	requireOK(t, w.request(w.aliceS, chatserver.EventLogout, nil))
	_, ok := w.aliceS.UserID()
	assert.False(t, ok)
	assert.Empty(t, w.aliceS.Rooms())
	sids, _ := w.store.ListSessionsForUser(w.ctx, w.alice.ID)
	assert.Empty(t, sids)

	// Still connected.
	_, ok = w.registry.Lookup(w.aliceS.ID())
	assert.True(t, ok)
	requireOK(t, w.request(w.aliceS, chatserver.EventLogout, nil))
}

// flakyClients fails or silently loses client-table writes.
type flakyClients struct {
	*memory.Store
	registerErr  error
	removeErr    error
	loseRemovals bool
}

func (f *flakyClients) RegisterClient(ctx context.Context, sessionID string, userID int64) error {
	if f.registerErr != nil {
		return f.registerErr
	}
	return f.Store.RegisterClient(ctx, sessionID, userID)
}

func (f *flakyClients) RemoveClient(ctx context.Context, sessionID string) error {
	if f.removeErr != nil {
		return f.removeErr
	}
	if f.loseRemovals {
		return nil
	}
	return f.Store.RemoveClient(ctx, sessionID)
}

func newFlakyWorld(t *testing.T) (*world, *flakyClients) {
	flaky := &flakyClients{}
	h := newHarnessWith(t, chatserver.ServiceConfig{}, func(s *memory.Store) chat.Store {
		flaky.Store = s
		return flaky
	})
	return newWorldOn(t, h), flaky
}

func TestLogout_FailedClientWriteKeepsIdentity(t *testing.T) {
	w, flaky := newFlakyWorld(t)
	room := chat.ServerRoom(w.server.Server.ID)
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": w.server.Server.ID}))

	flaky.removeErr = errors.New("connection reset")
	requireCode(t, w.request(w.aliceS, chatserver.EventLogout, nil), chat.CodeInternal)

	uid, ok := w.aliceS.UserID()
	require.True(t, ok)
	assert.Equal(t, w.alice.ID, uid)
	assert.True(t, w.aliceS.InRoom(room))
	sids, err := w.store.ListSessionsForUser(w.ctx, w.alice.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{w.aliceS.ID()}, sids)

	flaky.removeErr = nil
	requireOK(t, w.request(w.aliceS, chatserver.EventLogout, nil))
	_, ok = w.aliceS.UserID()
	assert.False(t, ok)
	assert.False(t, w.aliceS.InRoom(room))
}

func TestLogin_FailedClientWriteKeepsIdentity(t *testing.T) {
	w, flaky := newFlakyWorld(t)
	room := chat.ServerRoom(w.server.Server.ID)
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": w.server.Server.ID}))

	flaky.registerErr = errors.New("connection reset")
	requireCode(t, w.request(w.aliceS, chatserver.EventLogin, map[string]any{"username": "bob"}), chat.CodeInternal)

	uid, ok := w.aliceS.UserID()
	require.True(t, ok)
	assert.Equal(t, w.alice.ID, uid)
	assert.True(t, w.aliceS.InRoom(room))
}

func TestDirectMessage_SkipsSessionsNoLongerBoundToRecipient(t *testing.T) {
	w, flaky := newFlakyWorld(t)

	// The client row outlives the logout.
	flaky.loseRemovals = true
	requireOK(t, w.request(w.aliceS, chatserver.EventLogout, nil))
	sids, err := w.store.ListSessionsForUser(w.ctx, w.alice.ID)
	require.NoError(t, err)
	require.Equal(t, []string{w.aliceS.ID()}, sids)

	requireOK(t, w.request(w.bobS, chatserver.EventDirectMessage, map[string]any{"text": "hi", "recipients": []int64{w.alice.ID}}))
	assert.Empty(t, eventsNamed(w.events(w.aliceS), chatserver.EventDirectMessage))
}

func TestDirectMessage_UnknownRecipientIsNotFound(t *testing.T) {
	w := newWorld(t)
	dmBefore := w.store.DMChannelCount()

	requireCode(t, w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{"text": "hi", "recipients": []int64{999}}), chat.CodeNotFound)
	assert.Equal(t, dmBefore, w.store.DMChannelCount())
	assert.Empty(t, eventsNamed(w.events(w.aliceS), chatserver.EventDirectMessage))
}

// Scenario A.
func TestCreateServer_DefaultsAndAutoAdd(t *testing.T) {
	w := newWorld(t)

	assert.Equal(t, "Alice's Server", w.server.Server.Name)
	assert.Equal(t, w.alice.ID, w.server.Server.OwnerUserID)
	require.Len(t, w.server.Channels, 2)
	assert.Equal(t, "General", w.server.Channels[0].Name)
	assert.Equal(t, "Random", w.server.Channels[1].Name)
	for _, ch := range w.server.Channels {
		assert.True(t, ch.AutoAddNewMembers)
		ok, err := w.store.IsChannelMember(w.ctx, w.bob.ID, ch.ID)
		require.NoError(t, err)
		assert.True(t, ok, "bob should be auto-added to %s", ch.Name)
	}

	ack := w.request(w.aliceS, chatserver.EventCreateServer, map[string]any{"serverName": "Den"})
	requireOK(t, ack)
	assert.Equal(t, "Den", decode[chat.ServerWithChannels](t, ack.Data).Server.Name)
}

func TestCreateServer_ConfiguredChannels(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{DefaultChannels: []string{"lobby"}})
	h.user("zed")
	sess := h.connect("zed")

	ack := h.request(sess, chatserver.EventCreateServer, nil)
	requireOK(t, ack)
	swc := decode[chat.ServerWithChannels](t, ack.Data)
	require.Len(t, swc.Channels, 1)
	assert.Equal(t, "lobby", swc.Channels[0].Name)
}

func TestCreateChannel(t *testing.T) {
	w := newWorld(t)
	carol := w.user("carol")
	carolS := w.connect("carol")

	ack := w.request(w.aliceS, chatserver.EventCreateChannel, map[string]any{
		"channelName":   "ops",
		"serverId":      w.server.Server.ID,
		"addTheseUsers": []int64{w.bob.ID, carol.ID},
	})
	requireOK(t, ack)
	ch := decode[chat.Channel](t, ack.Data)
	assert.Equal(t, "Channel description", ch.Description)

	ok, _ := w.store.IsChannelMember(w.ctx, w.bob.ID, ch.ID)
	assert.True(t, ok)
	ok, _ = w.store.IsChannelMember(w.ctx, carol.ID, ch.ID)
	assert.False(t, ok, "non-members of the server are not added")

	requireCode(t, w.request(carolS, chatserver.EventCreateChannel, map[string]any{
		"channelName": "mine", "serverId": w.server.Server.ID,
	}), chat.CodeAuthorizationDenied)
	requireCode(t, w.request(w.aliceS, chatserver.EventCreateChannel, map[string]any{
		"serverId": w.server.Server.ID,
	}), chat.CodeBadRequest)
}

// Scenario B.
func TestMessage_FansOutOncePerSession(t *testing.T) {
	w := newWorld(t)
	sid := w.server.Server.ID

	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
	requireOK(t, w.request(w.bobS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
	requireOK(t, w.request(w.bobS, chatserver.EventSetActiveChannel, map[string]any{"newChannel": w.general.ID}))
	w.events(w.aliceS)
	w.events(w.bobS)

	ack := w.request(w.bobS, chatserver.EventMessage, map[string]any{
		"text": "hi", "channelId": w.general.ID, "serverId": sid,
	})
	requireOK(t, ack)

	for _, sess := range []*session.Session{w.aliceS, w.bobS} {
		msgs := eventsNamed(w.events(sess), chatserver.EventMessage)
		require.Len(t, msgs, 1, "session %s", sess.ID())
		packet := decode[chat.MessagePacket](t, msgs[0].Data)
		assert.Equal(t, "hi", packet.Content)
		assert.Equal(t, chat.ContentMessage, packet.ContentType)
		assert.Equal(t, w.general.ID, packet.ChannelID)
		assert.Equal(t, sid, packet.ServerID)
		assert.Equal(t, w.bob.ID, packet.UserID)
	}
}

func TestMessage_GateCorrectness(t *testing.T) {
	w := newWorld(t)
	w.user("mallory")
	malloryS := w.connect("mallory")
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": w.server.Server.ID}))
	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveChannel, map[string]any{"newChannel": w.general.ID}))
	w.events(w.aliceS)
	before := w.store.MessageCount()

	requireCode(t, w.request(malloryS, chatserver.EventMessage, map[string]any{
		"text": "hi", "channelId": w.general.ID,
	}), chat.CodeAuthorizationDenied)

	assert.Equal(t, before, w.store.MessageCount())
	assert.Empty(t, eventsNamed(w.events(w.aliceS), chatserver.EventMessage))
}

func TestMessage_CheckOrder(t *testing.T) {
	w := newWorld(t)
	anon := w.connect("")
	before := w.store.MessageCount()

	requireCode(t, w.request(anon, chatserver.EventMessage, nil), chat.CodeAuthenticationRequired)
	requireCode(t, w.request(w.bobS, chatserver.EventMessage, map[string]any{"channelId": w.general.ID}), chat.CodeBadRequest)
	requireCode(t, w.request(w.bobS, chatserver.EventMessage, map[string]any{"text": "hi"}), chat.CodeBadRequest)
	requireCode(t, w.request(w.bobS, chatserver.EventMessage, map[string]any{"text": "hi", "channelId": 9999}), chat.CodeNotFound)
	requireCode(t, w.request(w.bobS, chatserver.EventMessage, map[string]any{
		"text": "hi", "channelId": w.general.ID, "serverId": w.server.Server.ID + 1,
	}), chat.CodeBadRequest)
	assert.Equal(t, before, w.store.MessageCount())
}

func TestMessage_TimestampsNeverDecrease(t *testing.T) {
	base := time.UnixMilli(1_700_000_000_000)
	wall := []time.Time{base, base.Add(-time.Second), base.Add(time.Second)}
	var mu sync.Mutex
	i := 0
	h := newHarness(t, chatserver.ServiceConfig{Now: func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		ts := wall[i%len(wall)]
		i++
		return ts
	}})
	h.user("alice")
	sess := h.connect("alice")
	ack := h.request(sess, chatserver.EventCreateServer, nil)
	requireOK(t, ack)
	general := decode[chat.ServerWithChannels](t, ack.Data).Channels[0]

	var stamps []int64
	for range wall {
		ack := h.request(sess, chatserver.EventMessage, map[string]any{"text": "tick", "channelId": general.ID})
		requireOK(t, ack)
		stamps = append(stamps, decode[chat.MessagePacket](t, ack.Data).Timestamp)
	}
	assert.Equal(t, []int64{base.UnixMilli(), base.UnixMilli(), base.Add(time.Second).UnixMilli()}, stamps)
}

func TestSetActiveServer(t *testing.T) {
	w := newWorld(t)
	w.user("mallory")
	malloryS := w.connect("mallory")
	sid := w.server.Server.ID

	requireCode(t, w.request(malloryS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}), chat.CodeAuthorizationDenied)
	assert.Empty(t, malloryS.Rooms())

	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
	ack := w.request(w.bobS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid, "oldServer": sid})
	requireOK(t, ack)
	assert.False(t, decode[map[string]any](t, ack.Data)["joined"].(bool), "equal rooms are a no-op")

	requireOK(t, w.request(w.bobS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
	notices := eventsNamed(w.events(w.aliceS), chatserver.EventUserConnected)
	require.Len(t, notices, 1)
	notice := decode[map[string]any](t, notices[0].Data)
	assert.Equal(t, float64(w.bob.ID), notice["userId"])
	assert.Equal(t, chat.ServerRoom(sid).String(), notice["room"])

	// Repeating the join does not announce again.
	requireOK(t, w.request(w.bobS, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
	assert.Empty(t, eventsNamed(w.events(w.aliceS), chatserver.EventUserConnected))
	assert.Len(t, w.presence.Subscribers(chat.ServerRoom(sid)), 2)
}

func TestSetActiveChannel_SwitchesBetweenKinds(t *testing.T) {
	w := newWorld(t)
	ack := w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{"text": "psst", "recipients": []int64{w.bob.ID}})
	requireOK(t, ack)
	dm := decode[chat.MessagePacket](t, ack.Data)
	require.True(t, dm.Direct)

	requireOK(t, w.request(w.aliceS, chatserver.EventSetActiveChannel, map[string]any{"newChannel": w.general.ID}))
	ack = w.request(w.aliceS, chatserver.EventSetActiveChannel, map[string]any{
		"newChannel": chat.DirectChannel(dm.ChannelID).String(),
		"oldChannel": w.general.ID,
	})
	requireOK(t, ack)
	assert.Equal(t, []chat.Room{chat.DMRoom(dm.ChannelID)}, w.aliceS.Rooms())

	ack = w.request(w.aliceS, chatserver.EventSetActiveChannel, map[string]any{
		"newChannel": "c#" + strconv.FormatInt(w.server.Channels[1].ID, 10),
		"oldChannel": chat.DirectChannel(dm.ChannelID).String(),
	})
	requireOK(t, ack)
	assert.Equal(t, []chat.Room{chat.ChannelRoom(w.server.Channels[1].ID)}, w.aliceS.Rooms())

	w.user("mallory")
	malloryS := w.connect("mallory")
	requireCode(t, w.request(malloryS, chatserver.EventSetActiveChannel, map[string]any{
		"newChannel": chat.DirectChannel(dm.ChannelID).String(),
	}), chat.CodeAuthorizationDenied)
	requireCode(t, w.request(malloryS, chatserver.EventSetActiveChannel, map[string]any{}), chat.CodeBadRequest)
}

func TestDirectMessage_ReusesChannelAndDelivers(t *testing.T) {
	w := newWorld(t)
	bobSecond := w.connect("bob")

	first := w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{"text": "one", "recipients": []int64{w.bob.ID}})
	requireOK(t, first)
	second := w.request(w.bobS, chatserver.EventDirectMessage, map[string]any{"text": "two", "recipients": []int64{w.alice.ID, w.alice.ID}})
	requireOK(t, second)

	assert.Equal(t, 1, w.store.DMChannelCount())
	assert.Equal(t,
		decode[chat.MessagePacket](t, first.Data).ChannelID,
		decode[chat.MessagePacket](t, second.Data).ChannelID,
	)
	assert.Len(t, eventsNamed(w.events(bobSecond), chatserver.EventDirectMessage), 2)
	assert.Len(t, eventsNamed(w.events(w.aliceS), chatserver.EventDirectMessage), 2)

	requireCode(t, w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{"text": "x", "recipients": []int64{}}), chat.CodeBadRequest)
	requireCode(t, w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{
		"text": "x", "recipients": []int64{w.bob.ID}, "contentType": 3,
	}), chat.CodeBadRequest)
}

// Scenario C.
func TestResolve_ConcurrentCallsAgree(t *testing.T) {
	h := newHarness(t, chatserver.ServiceConfig{})
	for i := 1; i <= 7; i++ {
		h.user(fmt.Sprintf("user%d", i))
	}
	orders := [][]int64{{3, 7}, {7, 3}, {3, 7, 3}}

	const workers = 24
	ids := make([]int64, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ids[i], errs[i] = h.svc.Resolver().Resolve(h.ctx, orders[i%len(orders)])
		}()
	}
	wg.Wait()

	for i := range workers {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0], ids[i])
	}
	found, err := h.store.FindDMChannels(h.ctx, []int64{3, 7})
	require.NoError(t, err)
	assert.Equal(t, []int64{ids[0]}, found)
	assert.Equal(t, 1, h.store.DMChannelCount())
}

// Scenario D.
func TestInvite_PersistsForOfflineInvitee(t *testing.T) {
	w := newWorld(t)
	dave := w.user("dave")
	sid := w.server.Server.ID

	ack := w.request(w.aliceS, chatserver.EventInviteUsersToServer, map[string]any{
		"users":    []map[string]any{{"userId": dave.ID}, {"userId": w.alice.ID}},
		"serverId": sid,
	})
	requireOK(t, ack)
	result := decode[chatserver.InviteResult](t, ack.Data)
	assert.Equal(t, []int64{dave.ID}, result.Added)
	require.Len(t, result.Invites, 1)
	assert.Equal(t, chat.ContentInvite, result.Invites[0].ContentType)
	assert.Equal(t, strconv.FormatInt(sid, 10), result.Invites[0].Content)

	ok, err := w.store.IsServerMember(w.ctx, dave.ID, sid)
	require.NoError(t, err)
	assert.True(t, ok)

	daveS := w.connect("dave")
	ack = w.request(daveS, chatserver.EventGetLatestMessagesForChannel, map[string]any{
		"channelId": chat.DirectChannel(result.Invites[0].ChannelID).String(),
		"quantity":  10,
	})
	requireOK(t, ack)
	history := decode[[]chat.MessagePacket](t, ack.Data)
	require.Len(t, history, 1)
	assert.Equal(t, chat.ContentInvite, history[0].ContentType)
	assert.Equal(t, w.alice.ID, history[0].UserID)
}

func TestInvite_Rejections(t *testing.T) {
	w := newWorld(t)
	carol := w.user("carol")
	carolS := w.connect("carol")
	sid := w.server.Server.ID

	requireCode(t, w.request(carolS, chatserver.EventInviteUsersToServer, map[string]any{
		"users": []map[string]any{{"userId": carol.ID}}, "serverId": sid,
	}), chat.CodeBadRequest)
	requireCode(t, w.request(carolS, chatserver.EventInviteUsersToServer, map[string]any{
		"users": []map[string]any{{"userId": w.bob.ID}}, "serverId": sid,
	}), chat.CodeAuthorizationDenied)
	requireCode(t, w.request(w.aliceS, chatserver.EventInviteUsersToServer, map[string]any{
		"users": []map[string]any{}, "serverId": sid,
	}), chat.CodeBadRequest)

	ok, _ := w.store.IsServerMember(w.ctx, carol.ID, sid)
	assert.False(t, ok)
}

func TestInvite_DeliversToConnectedInvitee(t *testing.T) {
	w := newWorld(t)
	erin := w.user("erin")
	erinA := w.connect("erin")
	erinB := w.connect("erin")

	requireOK(t, w.request(w.aliceS, chatserver.EventInviteUsersToServer, map[string]any{
		"users": []map[string]any{{"userId": erin.ID}}, "serverId": w.server.Server.ID,
	}))
	for _, sess := range []*session.Session{erinA, erinB} {
		dms := eventsNamed(w.events(sess), chatserver.EventDirectMessage)
		require.Len(t, dms, 1)
		assert.Equal(t, chat.ContentInvite, decode[chat.MessagePacket](t, dms[0].Data).ContentType)
	}
}

func TestHistoryQueries(t *testing.T) {
	w := newWorld(t)
	for _, text := range []string{"a", "b", "c"} {
		requireOK(t, w.request(w.bobS, chatserver.EventMessage, map[string]any{"text": text, "channelId": w.general.ID}))
	}
	ack := w.request(w.aliceS, chatserver.EventDirectMessage, map[string]any{"text": "dm", "recipients": []int64{w.bob.ID}})
	requireOK(t, ack)
	dmID := decode[chat.MessagePacket](t, ack.Data).ChannelID

	ack = w.request(w.aliceS, chatserver.EventGetLatestMessagesForChannel, map[string]any{"channelId": w.general.ID, "quantity": 2})
	requireOK(t, ack)
	latest := decode[[]chat.MessagePacket](t, ack.Data)
	require.Len(t, latest, 2)
	assert.Equal(t, "c", latest[0].Content)
	assert.Equal(t, w.server.Server.ID, latest[0].ServerID)

	ack = w.request(w.aliceS, chatserver.EventGetOldestMessages, map[string]any{"quantity": 1})
	requireOK(t, ack)
	assert.Equal(t, "a", decode[[]chat.MessagePacket](t, ack.Data)[0].Content)

	ack = w.request(w.aliceS, chatserver.EventGetNewestMessages, map[string]any{"quantity": 1, "offset": 1})
	requireOK(t, ack)
	assert.Equal(t, "b", decode[[]chat.MessagePacket](t, ack.Data)[0].Content)

	ack = w.request(w.bobS, chatserver.EventGetLastMessageForDmChannels, map[string]any{"dmChannelIds": []int64{dmID}})
	requireOK(t, ack)
	last := decode[[]chat.MessagePacket](t, ack.Data)
	require.Len(t, last, 1)
	assert.Equal(t, "dm", last[0].Content)

	w.user("mallory")
	malloryS := w.connect("mallory")
	requireCode(t, w.request(malloryS, chatserver.EventGetLatestMessagesForChannel, map[string]any{"channelId": w.general.ID, "quantity": 2}), chat.CodeAuthorizationDenied)
	requireCode(t, w.request(malloryS, chatserver.EventGetLastMessageForDmChannels, map[string]any{"dmChannelIds": []int64{dmID}}), chat.CodeAuthorizationDenied)
	requireCode(t, w.request(w.aliceS, chatserver.EventGetLatestMessagesForChannel, map[string]any{"channelId": w.general.ID, "quantity": 500}), chat.CodeBadRequest)
	requireCode(t, w.request(w.aliceS, chatserver.EventGetLatestMessagesForChannel, map[string]any{"channelId": 9999, "quantity": 5}), chat.CodeNotFound)
}

func TestGetStartupData(t *testing.T) {
	w := newWorld(t)
	ack := w.request(w.bobS, chatserver.EventGetStartupData, nil)
	requireOK(t, ack)
	data := decode[chat.StartupData](t, ack.Data)
	assert.Equal(t, w.bob, data.User)
	assert.Equal(t, []chat.Server{w.server.Server}, data.Servers)
	assert.Len(t, data.Channels, 2)
	assert.ElementsMatch(t, []chat.User{w.alice, w.bob}, data.Users)
}

func TestDisconnect_CleansUpOnce(t *testing.T) {
	w := newWorld(t)
	sid := w.server.Server.ID
	for _, sess := range []*session.Session{w.aliceS, w.bobS} {
		requireOK(t, w.request(sess, chatserver.EventSetActiveServer, map[string]any{"newServer": sid}))
		requireOK(t, w.request(sess, chatserver.EventSetActiveChannel, map[string]any{"newChannel": w.general.ID}))
	}
	w.events(w.bobS)

	w.svc.Disconnect(w.ctx, w.aliceS)

	_, ok := w.registry.Lookup(w.aliceS.ID())
	assert.False(t, ok)
	assert.True(t, w.aliceS.Outbox().IsClosed())
	sids, err := w.store.ListSessionsForUser(w.ctx, w.alice.ID)
	require.NoError(t, err)
	assert.Empty(t, sids)

	leaves := eventsNamed(w.events(w.bobS), chatserver.EventUserDisconnected)
	require.Len(t, leaves, 2)
	rooms := make([]string, 0, len(leaves))
	for _, f := range leaves {
		notice := decode[map[string]any](t, f.Data)
		assert.Equal(t, float64(w.alice.ID), notice["userId"])
		rooms = append(rooms, notice["room"].(string))
	}
	assert.ElementsMatch(t, []string{chat.ServerRoom(sid).String(), chat.ChannelRoom(w.general.ID).String()}, rooms)

	w.svc.Disconnect(w.ctx, w.aliceS)
	assert.Empty(t, w.events(w.bobS))
	assert.Equal(t, []string{w.bobS.ID()}, w.presence.Subscribers(chat.ServerRoom(sid)))
}

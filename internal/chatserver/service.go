package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/session"
)

// DefaultChannels are created with every new server.
var DefaultChannels = []string{"General", "Random"}

// ServiceConfig tunes the event router.
type ServiceConfig struct {
	// DefaultChannels overrides the channels created with a new server.
	DefaultChannels []string
	// ResolveAttempts bounds DM creation conflict retries.
	ResolveAttempts int
	// Now is the time source for message timestamps. Nil means time.Now.
	Now func() time.Time
}

// Service routes client events to the session, presence and dispatch
// components. One Service serves every connection of the process.
type Service struct {
	store      chat.Store
	verifier   session.TokenVerifier
	registry   *session.Registry
	presence   *session.Presence
	authority  *Authority
	dispatcher *Dispatcher
	resolver   *Resolver
	inviter    *Inviter
	channels   []string
	newID      func() string
	logger     *zap.Logger
}

// NewService wires the chat core on top of store.
//
// Precondition: store, verifier, registry, presence and logger must be non-nil;
// presence must be built on registry.
// Postcondition: Returns a Service ready for Start.
func NewService(
	store chat.Store,
	verifier session.TokenVerifier,
	registry *session.Registry,
	presence *session.Presence,
	cfg ServiceConfig,
	logger *zap.Logger,
) *Service {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	channels := cfg.DefaultChannels
	if len(channels) == 0 {
		channels = DefaultChannels
	}

	authority := NewAuthority(store)
	dispatcher := NewDispatcher(store, authority, presence, NewClock(now), logger)
	resolver := NewResolver(store, cfg.ResolveAttempts, logger)
	return &Service{
		store:      store,
		verifier:   verifier,
		registry:   registry,
		presence:   presence,
		authority:  authority,
		dispatcher: dispatcher,
		resolver:   resolver,
		inviter:    NewInviter(authority, store, resolver, dispatcher, logger),
		channels:   channels,
		newID:      uuid.NewString,
		logger:     logger,
	}
}

// Resolver exposes the DM channel resolver.
func (s *Service) Resolver() *Resolver { return s.resolver }

// Dispatcher exposes the message dispatcher.
func (s *Service) Dispatcher() *Dispatcher { return s.dispatcher }

// Start empties the client table left by a previous process.
func (s *Service) Start(ctx context.Context) error {
	if err := s.store.ClearClients(ctx); err != nil {
		return fmt.Errorf("clearing client table: %w", err)
	}
	s.logger.Info("client table cleared")
	return nil
}

// Connect registers a new connection under a fresh session id. A token that
// fails verification still yields a connected, unauthenticated session.
//
// Postcondition: Returns the session, registered locally and, when
// authenticated, mirrored into the client table.
func (s *Service) Connect(ctx context.Context, token string) (*session.Session, error) {
	sess, err := s.registry.Register(ctx, s.newID(), token)
	if err != nil {
		return nil, err
	}
	if userID, ok := sess.UserID(); ok {
		if err := s.store.RegisterClient(ctx, sess.ID(), userID); err != nil {
			s.registry.Remove(sess.ID())
			return nil, fmt.Errorf("%w: registering client: %w", chat.ErrInternal, err)
		}
	}

	userID, authenticated := sess.UserID()
	s.logger.Info("session connected",
		zap.String("session_id", sess.ID()),
		zap.Bool("authenticated", authenticated),
		zap.Int64("user_id", userID),
	)
	return sess, nil
}

// Handle processes one raw client frame. Results and failures are pushed to
// the session outbox.
//
// Postcondition: Returns a non-nil error only when the frame is malformed.
func (s *Service) Handle(ctx context.Context, sess *session.Session, raw []byte) error {
	frame, err := DecodeFrame(raw)
	if err != nil {
		return err
	}

	start := time.Now()
	data, err := s.dispatch(ctx, sess, frame)
	s.logger.Debug("event handled",
		zap.String("session_id", sess.ID()),
		zap.String("event", frame.Event),
		zap.Duration("elapsed", time.Since(start)),
		zap.Error(err),
	)
	if err != nil && chat.CodeOf(err) == chat.CodeInternal {
		s.logger.Error("event failed",
			zap.String("session_id", sess.ID()),
			zap.String("event", frame.Event),
			zap.Error(err),
		)
	}

	switch {
	case frame.ID != "":
		s.reply(sess, NewAck(frame.ID, data, err))
	case err != nil:
		s.reply(sess, ErrorFrame{Event: EventError, Error: errorBody(err)})
	}
	return nil
}

func (s *Service) reply(sess *session.Session, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encoding reply", zap.String("session_id", sess.ID()), zap.Error(err))
		return
	}
	if err := sess.Outbox().Push(frame); err != nil {
		s.logger.Warn("dropping reply",
			zap.String("session_id", sess.ID()),
			zap.Error(err),
		)
	}
}

// dispatch routes a frame to its handler.
func (s *Service) dispatch(ctx context.Context, sess *session.Session, f Frame) (any, error) {
	switch f.Event {
	case EventLogin:
		return s.handleLogin(ctx, sess, f.Data)
	case EventLogout:
		return s.handleLogout(ctx, sess)
	case EventSetActiveServer:
		return s.handleSetActiveServer(ctx, sess, f.Data)
	case EventSetActiveChannel:
		return s.handleSetActiveChannel(ctx, sess, f.Data)
	case EventGetStartupData:
		return s.handleGetStartupData(ctx, sess)
	case EventCreateServer:
		return s.handleCreateServer(ctx, sess, f.Data)
	case EventCreateChannel:
		return s.handleCreateChannel(ctx, sess, f.Data)
	case EventMessage:
		return s.handleMessage(ctx, sess, f.Data)
	case EventDirectMessage:
		return s.handleDirectMessage(ctx, sess, f.Data)
	case EventInviteUsersToServer:
		return s.handleInviteUsersToServer(ctx, sess, f.Data)
	case EventGetLatestMessagesForChannel:
		return s.handleGetLatestMessagesForChannel(ctx, sess, f.Data)
	case EventGetLastMessageForDmChannels:
		return s.handleGetLastMessageForDmChannels(ctx, sess, f.Data)
	case EventGetOldestMessages:
		return s.handleGetMessagePage(ctx, sess, f.Data, s.store.OldestMessages)
	case EventGetNewestMessages:
		return s.handleGetMessagePage(ctx, sess, f.Data, s.store.NewestMessages)
	default:
		return nil, fmt.Errorf("%w: unknown event %q", chat.ErrBadRequest, f.Event)
	}
}

// presenceNotice is the payload of user connected / user disconnected.
type presenceNotice struct {
	UserID int64     `json:"userId"`
	Room   chat.Room `json:"room"`
}

// Disconnect tears a session down: every occupied room receives one
// user disconnected notice, then the session leaves the registry and the
// client table. Calling Disconnect again is a no-op.
func (s *Service) Disconnect(ctx context.Context, sess *session.Session) {
	if _, ok := s.registry.Lookup(sess.ID()); !ok {
		return
	}
	userID, authenticated := sess.UserID()
	rooms := s.presence.Drop(sess.ID(), func(room chat.Room) session.Event {
		return session.Event{Name: EventUserDisconnected, Data: presenceNotice{UserID: userID, Room: room}}
	})
	if _, removed := s.registry.Remove(sess.ID()); !removed {
		return
	}
	if authenticated {
		if err := s.store.RemoveClient(ctx, sess.ID()); err != nil {
			s.logger.Warn("removing client on disconnect",
				zap.String("session_id", sess.ID()),
				zap.Error(err),
			)
		}
	}
	s.logger.Info("session disconnected",
		zap.String("session_id", sess.ID()),
		zap.Int64("user_id", userID),
		zap.Int("rooms", len(rooms)),
		zap.Duration("elapsed", time.Since(sess.ConnectedAt())),
	)
}

func requireUser(sess *session.Session) (int64, error) {
	userID, ok := sess.UserID()
	if !ok {
		return 0, fmt.Errorf("%w: not signed in", chat.ErrAuthenticationRequired)
	}
	return userID, nil
}

// leaveAll drops every room without notices; used when the bound identity changes.
func (s *Service) leaveAll(sess *session.Session) {
	for _, room := range sess.Rooms() {
		s.presence.Leave(sess.ID(), room)
	}
}

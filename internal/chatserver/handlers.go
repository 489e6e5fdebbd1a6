package chatserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/session"
)

type loginRequest struct {
	Username string `json:"username" validate:"required_without=Token,max=64"`
	Token    string `json:"token" validate:"required_without=Username"`
}

// handleLogin binds the session to the user proven by a token, or named by
// username when no token is given. A previous identity is replaced, and the
// rooms joined under it are left.
func (s *Service) handleLogin(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	req, err := decodePayload[loginRequest](data)
	if err != nil {
		return nil, err
	}

	var user chat.User
	if req.Token != "" {
		userID, err := s.verifier.Verify(ctx, req.Token)
		if err != nil {
			return nil, fmt.Errorf("verifying token: %w", err)
		}
		if user, err = s.store.GetUser(ctx, userID); err != nil {
			return nil, storeError("loading user", err)
		}
	} else {
		if user, err = s.store.GetUserByUsername(ctx, req.Username); err != nil {
			return nil, storeError("resolving username", err)
		}
	}

	prev, hadUser := sess.UserID()
	if hadUser && prev == user.ID {
		return user, nil
	}
	// A failed client write must leave the session untouched.
	if err := s.store.RegisterClient(ctx, sess.ID(), user.ID); err != nil {
		return nil, storeError("registering client", err)
	}
	if hadUser {
		s.leaveAll(sess)
	}
	if err := s.registry.Bind(sess.ID(), user.ID); err != nil {
		_ = s.store.RemoveClient(ctx, sess.ID())
		return nil, err
	}
	s.logger.Info("session logged in",
		zap.String("session_id", sess.ID()),
		zap.Int64("user_id", user.ID),
	)
	return user, nil
}

// handleLogout clears the session identity. The connection stays open.
func (s *Service) handleLogout(ctx context.Context, sess *session.Session) (any, error) {
	userID, ok := sess.UserID()
	if !ok {
		return nil, nil
	}
	// Same ordering as login.
	if err := s.store.RemoveClient(ctx, sess.ID()); err != nil {
		return nil, fmt.Errorf("%w: removing client: %w", chat.ErrInternal, err)
	}
	s.leaveAll(sess)
	if err := s.registry.Unbind(sess.ID()); err != nil {
		return nil, err
	}
	s.logger.Info("session logged out",
		zap.String("session_id", sess.ID()),
		zap.Int64("user_id", userID),
	)
	return nil, nil
}

type activeRoomResult struct {
	Room   chat.Room `json:"room"`
	Joined bool      `json:"joined"`
	Left   bool      `json:"left"`
}

// announceJoin tells the other occupants of room that the session arrived.
func (s *Service) announceJoin(sess *session.Session, userID int64, room chat.Room) {
	s.presence.Broadcast(room, session.Event{
		Name: EventUserConnected,
		Data: presenceNotice{UserID: userID, Room: room},
	}, sess.ID())
}

type setActiveServerRequest struct {
	NewServer int64 `json:"newServer" validate:"required,gt=0"`
	OldServer int64 `json:"oldServer" validate:"gte=0"`
}

func (s *Service) handleSetActiveServer(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[setActiveServerRequest](data)
	if err != nil {
		return nil, err
	}
	if err := s.authority.RequireServerMember(ctx, userID, req.NewServer); err != nil {
		return nil, err
	}

	var oldRoom chat.Room
	if req.OldServer > 0 {
		oldRoom = chat.ServerRoom(req.OldServer)
	}
	newRoom := chat.ServerRoom(req.NewServer)
	joined, left, err := s.presence.SetActive(sess.ID(), chat.RoomServer, newRoom, oldRoom)
	if err != nil {
		return nil, err
	}
	if joined {
		s.announceJoin(sess, userID, newRoom)
	}
	return activeRoomResult{Room: newRoom, Joined: joined, Left: left}, nil
}

type setActiveChannelRequest struct {
	NewChannel chat.ChannelRef  `json:"newChannel"`
	OldChannel *chat.ChannelRef `json:"oldChannel"`
}

// handleSetActiveChannel switches the active public or DM channel. Switching
// between the two kinds joins the new room and then leaves the old one.
func (s *Service) handleSetActiveChannel(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[setActiveChannelRequest](data)
	if err != nil {
		return nil, err
	}
	if !req.NewChannel.Valid() {
		return nil, fmt.Errorf("%w: missing key \"newChannel\"", chat.ErrBadRequest)
	}
	if err := s.authority.RequireChannelAccess(ctx, userID, req.NewChannel); err != nil {
		return nil, err
	}

	newRoom := req.NewChannel.Room()
	var oldRoom chat.Room
	if req.OldChannel != nil {
		oldRoom = req.OldChannel.Room()
	}
	crossKind := !oldRoom.IsZero() && oldRoom.Kind() != newRoom.Kind()

	activeOld := oldRoom
	if crossKind {
		activeOld = chat.Room{}
	}
	joined, left, err := s.presence.SetActive(sess.ID(), newRoom.Kind(), newRoom, activeOld)
	if err != nil {
		return nil, err
	}
	if crossKind {
		left = s.presence.Leave(sess.ID(), oldRoom)
	}
	if joined {
		s.announceJoin(sess, userID, newRoom)
	}
	return activeRoomResult{Room: newRoom, Joined: joined, Left: left}, nil
}

func (s *Service) handleGetStartupData(ctx context.Context, sess *session.Session) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	data, err := s.store.StartupData(ctx, userID)
	if err != nil {
		return nil, storeError("loading startup data", err)
	}
	return data, nil
}

type createServerRequest struct {
	ServerName string `json:"serverName" validate:"max=100"`
}

// defaultServerName renders "<Username>'s Server" with the first letter upper-cased.
func defaultServerName(username string) string {
	r, size := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError {
		return "My Server"
	}
	return string(unicode.ToUpper(r)) + username[size:] + "'s Server"
}

func (s *Service) handleCreateServer(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[createServerRequest](data)
	if err != nil {
		return nil, err
	}

	name := strings.TrimSpace(req.ServerName)
	if name == "" {
		user, err := s.store.GetUser(ctx, userID)
		if err != nil {
			return nil, storeError("loading user", err)
		}
		name = defaultServerName(user.Username)
	}
	swc, err := s.store.CreateServer(ctx, userID, name, s.channels)
	if err != nil {
		return nil, storeError("creating server", err)
	}
	s.logger.Info("server created",
		zap.Int64("server_id", swc.Server.ID),
		zap.Int64("user_id", userID),
		zap.Int("channels", len(swc.Channels)),
	)
	return swc, nil
}

type createChannelRequest struct {
	ChannelName       string  `json:"channelName" validate:"required,max=100"`
	ServerID          int64   `json:"serverId" validate:"required,gt=0"`
	Description       string  `json:"description" validate:"max=1000"`
	IsPrivate         bool    `json:"isPrivate"`
	AddEveryone       bool    `json:"addEveryone"`
	AddTheseUsers     []int64 `json:"addTheseUsers" validate:"dive,gt=0"`
	AutoAddNewMembers bool    `json:"autoAddNewMembers"`
}

func (s *Service) handleCreateChannel(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[createChannelRequest](data)
	if err != nil {
		return nil, err
	}
	if err := s.authority.RequireServerMember(ctx, userID, req.ServerID); err != nil {
		return nil, err
	}

	ch, err := s.store.CreateChannel(ctx, chat.NewChannel{
		ServerID:          req.ServerID,
		Name:              strings.TrimSpace(req.ChannelName),
		Description:       req.Description,
		IsPrivate:         req.IsPrivate,
		AutoAddNewMembers: req.AutoAddNewMembers,
		AddEveryone:       req.AddEveryone,
		AddTheseUsers:     lo.Uniq(req.AddTheseUsers),
		CreatorID:         userID,
	})
	if err != nil {
		return nil, storeError("creating channel", err)
	}
	return ch, nil
}

type messageRequest struct {
	Text      string `json:"text"`
	ChannelID int64  `json:"channelId"`
	ServerID  int64  `json:"serverId" validate:"gte=0"`
}

// handleMessage leaves field presence checks to the Dispatcher so its
// documented check order holds.
func (s *Service) handleMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	if _, err := requireUser(sess); err != nil {
		return nil, err
	}
	req, err := decodePayload[messageRequest](data)
	if err != nil {
		return nil, err
	}
	packet, err := s.dispatcher.Send(ctx, sess, SendRequest{ChannelID: req.ChannelID, ServerID: req.ServerID, Text: req.Text})
	if err != nil {
		return nil, err
	}
	return packet, nil
}

type directMessageRequest struct {
	Text        string  `json:"text" validate:"required"`
	Recipients  []int64 `json:"recipients" validate:"required,min=1,dive,gt=0"`
	ContentType int     `json:"contentType" validate:"gte=0"`
}

// handleDirectMessage resolves the DM channel of the sender plus recipients
// and delivers the message to every participant's sessions.
func (s *Service) handleDirectMessage(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[directMessageRequest](data)
	if err != nil {
		return nil, err
	}
	contentType := chat.ContentMessage
	if req.ContentType != 0 {
		if contentType, err = chat.ParseContentType(req.ContentType); err != nil {
			return nil, err
		}
	}

	participants := append(lo.Uniq(req.Recipients), userID)
	dmID, err := s.resolver.Resolve(ctx, participants)
	if err != nil {
		return nil, err
	}
	msg, err := s.dispatcher.SendDirect(ctx, userID, dmID, contentType, req.Text, participants)
	if err != nil {
		return nil, err
	}
	return msg.Packet(0), nil
}

type invitee struct {
	UserID   int64  `json:"userId" validate:"required,gt=0"`
	Username string `json:"username"`
}

type inviteUsersRequest struct {
	Users    []invitee `json:"users" validate:"required,min=1,dive"`
	ServerID int64     `json:"serverId" validate:"required,gt=0"`
}

func (s *Service) handleInviteUsersToServer(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[inviteUsersRequest](data)
	if err != nil {
		return nil, err
	}
	ids := lo.Map(req.Users, func(u invitee, _ int) int64 { return u.UserID })
	return s.inviter.Invite(ctx, userID, ids, req.ServerID)
}

type latestMessagesRequest struct {
	ChannelID chat.ChannelRef `json:"channelId"`
	Quantity  int             `json:"quantity" validate:"required,gt=0,lte=100"`
	Offset    int             `json:"offset" validate:"gte=0"`
}

func (s *Service) handleGetLatestMessagesForChannel(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[latestMessagesRequest](data)
	if err != nil {
		return nil, err
	}
	if !req.ChannelID.Valid() {
		return nil, fmt.Errorf("%w: missing key \"channelId\"", chat.ErrBadRequest)
	}

	var serverID int64
	if req.ChannelID.Kind == chat.KindPublic {
		ch, err := s.store.GetChannel(ctx, req.ChannelID.ID)
		if err != nil {
			return nil, storeError("loading channel", err)
		}
		serverID = ch.ServerID
	}
	if err := s.authority.RequireChannelAccess(ctx, userID, req.ChannelID); err != nil {
		return nil, err
	}

	msgs, err := s.store.LatestMessages(ctx, req.ChannelID, req.Quantity, req.Offset)
	if err != nil {
		return nil, storeError("loading messages", err)
	}
	return lo.Map(msgs, func(m chat.Message, _ int) chat.MessagePacket { return m.Packet(serverID) }), nil
}

type lastDMMessagesRequest struct {
	DMChannelIDs []int64 `json:"dmChannelIds" validate:"required,min=1,max=100,dive,gt=0"`
}

func (s *Service) handleGetLastMessageForDmChannels(ctx context.Context, sess *session.Session, data json.RawMessage) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[lastDMMessagesRequest](data)
	if err != nil {
		return nil, err
	}
	ids := lo.Uniq(req.DMChannelIDs)
	for _, id := range ids {
		if err := s.authority.RequireDMParticipant(ctx, userID, id); err != nil {
			return nil, err
		}
	}
	msgs, err := s.store.LastDMMessages(ctx, ids)
	if err != nil {
		return nil, storeError("loading dm messages", err)
	}
	return lo.Map(msgs, func(m chat.Message, _ int) chat.MessagePacket { return m.Packet(0) }), nil
}

type messagePageRequest struct {
	Quantity int `json:"quantity" validate:"required,gt=0,lte=100"`
	Offset   int `json:"offset" validate:"gte=0"`
}

type pageFunc func(ctx context.Context, userID int64, quantity, offset int) ([]chat.Message, error)

// handleGetMessagePage serves getOldestMessages and getNewestMessages. The
// store already restricts the page to channels the caller belongs to.
func (s *Service) handleGetMessagePage(ctx context.Context, sess *session.Session, data json.RawMessage, load pageFunc) (any, error) {
	userID, err := requireUser(sess)
	if err != nil {
		return nil, err
	}
	req, err := decodePayload[messagePageRequest](data)
	if err != nil {
		return nil, err
	}
	msgs, err := load(ctx, userID, req.Quantity, req.Offset)
	if err != nil {
		return nil, storeError("loading messages", err)
	}

	servers := make(map[int64]int64)
	packets := make([]chat.MessagePacket, 0, len(msgs))
	for _, m := range msgs {
		serverID, ok := servers[m.Channel.ID]
		if !ok {
			ch, err := s.store.GetChannel(ctx, m.Channel.ID)
			if err != nil {
				return nil, storeError("loading channel", err)
			}
			serverID = ch.ServerID
			servers[m.Channel.ID] = serverID
		}
		packets = append(packets, m.Packet(serverID))
	}
	return packets, nil
}

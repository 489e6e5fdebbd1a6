package chatserver

import (
	"context"
	"fmt"

	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/cory-johannsen/parley/internal/chat"
	"github.com/cory-johannsen/parley/internal/session"
)

// Event names pushed to clients.
const (
	EventMessage          = "message"
	EventDirectMessage    = "directMessage"
	EventUserConnected    = "user connected"
	EventUserDisconnected = "user disconnected"
)

// DispatchStore is the persistence surface the Dispatcher needs.
type DispatchStore interface {
	GetChannel(ctx context.Context, channelID int64) (chat.Channel, error)
	InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
	ListSessionsForUser(ctx context.Context, userID int64) ([]string, error)
}

// SendRequest is a channel message submitted by a session.
type SendRequest struct {
	ChannelID int64
	// ServerID is optional; when set it must match the channel's server.
	ServerID int64
	Text     string
}

// Dispatcher validates, persists and fans out messages.
type Dispatcher struct {
	store     DispatchStore
	authority *Authority
	presence  *session.Presence
	clock     *Clock
	logger    *zap.Logger
}

// NewDispatcher creates a Dispatcher.
//
// Precondition: all arguments must be non-nil.
func NewDispatcher(store DispatchStore, authority *Authority, presence *session.Presence, clock *Clock, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		authority: authority,
		presence:  presence,
		clock:     clock,
		logger:    logger,
	}
}

// Send persists a MESSAGE into a public channel and broadcasts it once to
// every session observing the channel's server room or channel room.
//
// Precondition: sess must be non-nil.
// Postcondition: Returns the broadcast packet. On any error nothing was
// written and nothing was broadcast.
// Errors, in check order: ErrAuthenticationRequired, ErrBadRequest,
// ErrNotFound, ErrAuthorizationDenied (server, then channel), ErrInternal.
func (d *Dispatcher) Send(ctx context.Context, sess *session.Session, req SendRequest) (chat.MessagePacket, error) {
	userID, ok := sess.UserID()
	if !ok {
		return chat.MessagePacket{}, fmt.Errorf("%w: not signed in", chat.ErrAuthenticationRequired)
	}
	if req.Text == "" {
		return chat.MessagePacket{}, fmt.Errorf("%w: missing key \"text\"", chat.ErrBadRequest)
	}
	if req.ChannelID <= 0 {
		return chat.MessagePacket{}, fmt.Errorf("%w: missing key \"channelId\"", chat.ErrBadRequest)
	}

	ch, err := d.store.GetChannel(ctx, req.ChannelID)
	if err != nil {
		return chat.MessagePacket{}, storeError("loading channel", err)
	}
	if req.ServerID != 0 && req.ServerID != ch.ServerID {
		return chat.MessagePacket{}, fmt.Errorf("%w: channel %d does not belong to server %d", chat.ErrBadRequest, ch.ID, req.ServerID)
	}
	if err := d.authority.RequireServerMember(ctx, userID, ch.ServerID); err != nil {
		return chat.MessagePacket{}, err
	}
	if err := d.authority.RequireChannelMember(ctx, userID, ch.ID); err != nil {
		return chat.MessagePacket{}, err
	}

	msg, err := d.store.InsertMessage(ctx, chat.NewMessage{
		Channel:     chat.PublicChannel(ch.ID),
		SenderID:    userID,
		ContentType: chat.ContentMessage,
		Text:        req.Text,
		Timestamp:   d.clock.Now(),
	})
	if err != nil {
		return chat.MessagePacket{}, fmt.Errorf("%w: inserting message: %w", chat.ErrInternal, err)
	}

	packet := msg.Packet(ch.ServerID)
	n := d.presence.BroadcastUnion(
		[]chat.Room{chat.ServerRoom(ch.ServerID), chat.ChannelRoom(ch.ID)},
		session.Event{Name: EventMessage, Data: packet},
		"",
	)
	d.logger.Debug("message dispatched",
		zap.Int64("message_id", msg.ID),
		zap.Int64("channel_id", ch.ID),
		zap.Int64("user_id", userID),
		zap.Int("delivered", n),
	)
	return packet, nil
}

// SendDirect persists a message into a DM channel and pushes it to every
// connected session of the listed recipients.
//
// Precondition: contentType must be valid.
// Postcondition: Returns the persisted message. Delivery is best-effort; the
// message is stored even when no recipient is connected.
func (d *Dispatcher) SendDirect(ctx context.Context, senderID, dmChannelID int64, contentType chat.ContentType, text string, recipients []int64) (chat.Message, error) {
	if senderID <= 0 {
		return chat.Message{}, fmt.Errorf("%w: not signed in", chat.ErrAuthenticationRequired)
	}
	if text == "" || dmChannelID <= 0 {
		return chat.Message{}, fmt.Errorf("%w: direct message needs text and a channel", chat.ErrBadRequest)
	}
	if !contentType.Valid() {
		return chat.Message{}, fmt.Errorf("%w: content type %s", chat.ErrBadRequest, contentType)
	}
	if err := d.authority.RequireDMParticipant(ctx, senderID, dmChannelID); err != nil {
		return chat.Message{}, err
	}

	msg, err := d.store.InsertMessage(ctx, chat.NewMessage{
		Channel:     chat.DirectChannel(dmChannelID),
		SenderID:    senderID,
		ContentType: contentType,
		Text:        text,
		Timestamp:   d.clock.Now(),
	})
	if err != nil {
		return chat.Message{}, fmt.Errorf("%w: inserting direct message: %w", chat.ErrInternal, err)
	}

	n := d.DeliverToUsers(ctx, recipients, session.Event{Name: EventDirectMessage, Data: msg.Packet(0)})
	d.logger.Debug("direct message dispatched",
		zap.Int64("message_id", msg.ID),
		zap.Int64("dm_channel_id", dmChannelID),
		zap.Stringer("content_type", contentType),
		zap.Int("delivered", n),
	)
	return msg, nil
}

// DeliverToUsers pushes evt to every session the client table lists for the
// given users. Sessions owned by other processes, and sessions no longer bound
// to the user they were listed for, are skipped.
//
// Postcondition: Returns the number of sessions the event was queued for.
func (d *Dispatcher) DeliverToUsers(ctx context.Context, userIDs []int64, evt session.Event) int {
	delivered := 0
	for _, uid := range lo.Uniq(userIDs) {
		ids, err := d.store.ListSessionsForUser(ctx, uid)
		if err != nil {
			d.logger.Warn("listing sessions for user",
				zap.Int64("user_id", uid),
				zap.Error(err),
			)
			continue
		}
		delivered += d.presence.SendToUser(uid, ids, evt)
	}
	return delivered
}

// storeError keeps ErrNotFound visible and classifies anything else as internal.
func storeError(op string, err error) error {
	if chat.CodeOf(err) == chat.CodeNotFound {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %w", chat.ErrInternal, op, err)
}

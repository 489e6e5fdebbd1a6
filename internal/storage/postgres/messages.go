package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/parley/internal/chat"
)

const messageColumns = `m.id, m.channel_id, m.dm_channel_id, m.sender_id, m.content_type, m.content, m.sent_at`

func collectMessage(row pgx.CollectableRow) (chat.Message, error) {
	var (
		m           chat.Message
		channelID   *int64
		dmChannelID *int64
		contentType int16
	)
	if err := row.Scan(&m.ID, &channelID, &dmChannelID, &m.SenderID, &contentType, &m.Text, &m.Timestamp); err != nil {
		return chat.Message{}, err
	}
	switch {
	case channelID != nil:
		m.Channel = chat.PublicChannel(*channelID)
	case dmChannelID != nil:
		m.Channel = chat.DirectChannel(*dmChannelID)
	}
	m.ContentType = chat.ContentType(contentType)
	return m, nil
}

// refColumns splits a ref into the nullable channel_id and dm_channel_id values.
func refColumns(ref chat.ChannelRef) (channelID, dmChannelID *int64) {
	id := ref.ID
	if ref.Kind == chat.KindDirect {
		return nil, &id
	}
	return &id, nil
}

func (s *Store) queryMessages(ctx context.Context, query string, args ...any) ([]chat.Message, error) {
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	msgs, err := pgx.CollectRows(rows, collectMessage)
	if err != nil {
		return nil, fmt.Errorf("scanning messages: %w", err)
	}
	return msgs, nil
}

// InsertMessage implements chat.MessageStore.
func (s *Store) InsertMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error) {
	if !msg.Channel.Valid() {
		return chat.Message{}, fmt.Errorf("invalid channel ref %v", msg.Channel)
	}
	channelID, dmChannelID := refColumns(msg.Channel)
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO messages (channel_id, dm_channel_id, sender_id, content_type, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		channelID, dmChannelID, msg.SenderID, int16(msg.ContentType), msg.Text, msg.Timestamp,
	).Scan(&id)
	if err != nil {
		if isForeignKeyError(err) {
			return chat.Message{}, fmt.Errorf("message target %v: %w", msg.Channel, chat.ErrNotFound)
		}
		return chat.Message{}, fmt.Errorf("inserting message: %w", err)
	}
	return chat.Message{
		ID:          id,
		Channel:     msg.Channel,
		SenderID:    msg.SenderID,
		ContentType: msg.ContentType,
		Text:        msg.Text,
		Timestamp:   msg.Timestamp,
	}, nil
}

// LatestMessages implements chat.MessageStore.
func (s *Store) LatestMessages(ctx context.Context, ref chat.ChannelRef, quantity, offset int) ([]chat.Message, error) {
	column := "channel_id"
	if ref.Kind == chat.KindDirect {
		column = "dm_channel_id"
	}
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 WHERE m.`+column+` = $1
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`,
		ref.ID, quantity, offset)
}

// LastDMMessages implements chat.MessageStore.
func (s *Store) LastDMMessages(ctx context.Context, dmChannelIDs []int64) ([]chat.Message, error) {
	return s.queryMessages(ctx,
		`SELECT DISTINCT ON (m.dm_channel_id) `+messageColumns+` FROM messages m
		 WHERE m.dm_channel_id = ANY($1)
		 ORDER BY m.dm_channel_id, m.sent_at DESC, m.id DESC`,
		dmChannelIDs)
}

// OldestMessages implements chat.MessageStore.
func (s *Store) OldestMessages(ctx context.Context, userID int64, quantity, offset int) ([]chat.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 JOIN channel_members cm ON cm.channel_id = m.channel_id AND cm.user_id = $1
		 ORDER BY m.sent_at ASC, m.id ASC
		 LIMIT $2 OFFSET $3`,
		userID, quantity, offset)
}

// NewestMessages implements chat.MessageStore.
func (s *Store) NewestMessages(ctx context.Context, userID int64, quantity, offset int) ([]chat.Message, error) {
	return s.queryMessages(ctx,
		`SELECT `+messageColumns+` FROM messages m
		 JOIN channel_members cm ON cm.channel_id = m.channel_id AND cm.user_id = $1
		 ORDER BY m.sent_at DESC, m.id DESC
		 LIMIT $2 OFFSET $3`,
		userID, quantity, offset)
}

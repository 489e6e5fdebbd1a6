package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/parley/internal/chat"
)

// FindDMChannels implements chat.DMStore. A channel matches when it has
// exactly len(participants) rows and every one of them is in the set.
func (s *Store) FindDMChannels(ctx context.Context, participants []int64) ([]int64, error) {
	ids, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(ctx,
		`SELECT dm_channel_id FROM dm_participants
		 GROUP BY dm_channel_id
		 HAVING COUNT(*) = $2 AND COUNT(*) FILTER (WHERE user_id = ANY($1)) = $2
		 ORDER BY dm_channel_id`,
		ids, len(ids))
	if err != nil {
		return nil, fmt.Errorf("querying dm channels: %w", err)
	}
	found, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning dm channels: %w", err)
	}
	return found, nil
}

// CreateDMChannel implements chat.DMStore. The unique participant_key turns a
// concurrent create of the same set into chat.ErrDuplicate.
func (s *Store) CreateDMChannel(ctx context.Context, participants []int64) (int64, error) {
	ids, err := chat.NormalizeParticipants(participants)
	if err != nil {
		return 0, err
	}
	var id int64
	err = pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx,
			`INSERT INTO dm_channels (participant_key) VALUES ($1) RETURNING id`,
			chat.ParticipantKey(ids),
		).Scan(&id); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO dm_participants (dm_channel_id, user_id)
			 SELECT $1, u FROM unnest($2::bigint[]) AS u`,
			id, ids)
		return err
	})
	switch {
	case err == nil:
		return id, nil
	case isDuplicateKeyError(err):
		return 0, fmt.Errorf("dm channel for %v: %w", ids, chat.ErrDuplicate)
	case isForeignKeyError(err):
		return 0, fmt.Errorf("dm participants %v: %w", ids, chat.ErrNotFound)
	default:
		return 0, fmt.Errorf("creating dm channel: %w", err)
	}
}

// DMParticipants implements chat.DMStore.
func (s *Store) DMParticipants(ctx context.Context, dmChannelID int64) ([]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT user_id FROM dm_participants WHERE dm_channel_id = $1 ORDER BY user_id`,
		dmChannelID)
	if err != nil {
		return nil, fmt.Errorf("querying dm participants: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scanning dm participants: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("dm channel %d: %w", dmChannelID, chat.ErrNotFound)
	}
	return ids, nil
}

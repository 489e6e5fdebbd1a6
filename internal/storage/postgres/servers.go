package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/cory-johannsen/parley/internal/chat"
)

const channelColumns = `id, server_id, name, description, topic, is_private, auto_add_new_members`

func scanChannel(row pgx.Row) (chat.Channel, error) {
	var ch chat.Channel
	err := row.Scan(&ch.ID, &ch.ServerID, &ch.Name, &ch.Description, &ch.Topic, &ch.IsPrivate, &ch.AutoAddNewMembers)
	return ch, err
}

func collectChannel(row pgx.CollectableRow) (chat.Channel, error) { return scanChannel(row) }

func collectServer(row pgx.CollectableRow) (chat.Server, error) {
	var srv chat.Server
	err := row.Scan(&srv.ID, &srv.Name, &srv.OwnerUserID)
	return srv, err
}

func collectUser(row pgx.CollectableRow) (chat.User, error) {
	var u chat.User
	err := row.Scan(&u.ID, &u.Username, &u.DisplayName)
	return u, err
}

func insertChannel(ctx context.Context, tx pgx.Tx, ch chat.Channel) (chat.Channel, error) {
	if ch.Description == "" {
		ch.Description = chat.DefaultChannelDescription
	}
	return scanChannel(tx.QueryRow(ctx,
		`INSERT INTO channels (server_id, name, description, is_private, auto_add_new_members)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+channelColumns,
		ch.ServerID, ch.Name, ch.Description, ch.IsPrivate, ch.AutoAddNewMembers,
	))
}

// GetChannel implements chat.MessageStore.
func (s *Store) GetChannel(ctx context.Context, channelID int64) (chat.Channel, error) {
	rows, err := s.db.Query(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, channelID)
	if err != nil {
		return chat.Channel{}, fmt.Errorf("querying channel: %w", err)
	}
	ch, err := pgx.CollectExactlyOneRow(rows, collectChannel)
	if err != nil {
		if isNoRows(err) {
			return chat.Channel{}, fmt.Errorf("channel %d: %w", channelID, chat.ErrNotFound)
		}
		return chat.Channel{}, fmt.Errorf("scanning channel: %w", err)
	}
	return ch, nil
}

// CreateServer implements chat.ServerStore. The owner joins the server and
// each default channel, which are flagged to auto-add new members.
func (s *Store) CreateServer(ctx context.Context, ownerID int64, name string, defaultChannels []string) (chat.ServerWithChannels, error) {
	out := chat.ServerWithChannels{Channels: []chat.Channel{}}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx,
			`INSERT INTO servers (name, owner_user_id) VALUES ($1, $2)
			 RETURNING id, name, owner_user_id`,
			name, ownerID,
		).Scan(&out.Server.ID, &out.Server.Name, &out.Server.OwnerUserID)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO server_members (server_id, user_id) VALUES ($1, $2)`,
			out.Server.ID, ownerID); err != nil {
			return err
		}
		for _, chName := range defaultChannels {
			ch, err := insertChannel(ctx, tx, chat.Channel{ServerID: out.Server.ID, Name: chName, AutoAddNewMembers: true})
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)`,
				ch.ID, ownerID); err != nil {
				return err
			}
			out.Channels = append(out.Channels, ch)
		}
		return nil
	})
	if err != nil {
		if isForeignKeyError(err) {
			return chat.ServerWithChannels{}, fmt.Errorf("user %d: %w", ownerID, chat.ErrNotFound)
		}
		return chat.ServerWithChannels{}, fmt.Errorf("creating server: %w", err)
	}
	return out, nil
}

// CreateChannel implements chat.ServerStore. Explicitly listed users are
// only added when they already belong to the server.
func (s *Store) CreateChannel(ctx context.Context, nc chat.NewChannel) (chat.Channel, error) {
	var ch chat.Channel
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var err error
		ch, err = insertChannel(ctx, tx, chat.Channel{
			ServerID:          nc.ServerID,
			Name:              nc.Name,
			Description:       nc.Description,
			IsPrivate:         nc.IsPrivate,
			AutoAddNewMembers: nc.AutoAddNewMembers,
		})
		if err != nil {
			return err
		}

		switch {
		case nc.AddEveryone:
			_, err = tx.Exec(ctx,
				`INSERT INTO channel_members (channel_id, user_id)
				 SELECT $1, user_id FROM server_members WHERE server_id = $2`,
				ch.ID, nc.ServerID)
		case len(nc.AddTheseUsers) > 0:
			_, err = tx.Exec(ctx,
				`INSERT INTO channel_members (channel_id, user_id)
				 SELECT $1, user_id FROM server_members
				 WHERE server_id = $2 AND (user_id = ANY($3) OR user_id = $4)
				 ON CONFLICT DO NOTHING`,
				ch.ID, nc.ServerID, nc.AddTheseUsers, nc.CreatorID)
		default:
			_, err = tx.Exec(ctx,
				`INSERT INTO channel_members (channel_id, user_id) VALUES ($1, $2)`,
				ch.ID, nc.CreatorID)
		}
		return err
	})
	if err != nil {
		if isForeignKeyError(err) {
			return chat.Channel{}, fmt.Errorf("server %d: %w", nc.ServerID, chat.ErrNotFound)
		}
		return chat.Channel{}, fmt.Errorf("creating channel: %w", err)
	}
	return ch, nil
}

// AddServerMembers implements chat.ServerStore.
func (s *Store) AddServerMembers(ctx context.Context, serverID int64, userIDs []int64) ([]int64, error) {
	added := []int64{}
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		var serverExists bool
		if err := tx.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM servers WHERE id = $1)`, serverID).Scan(&serverExists); err != nil {
			return err
		}
		if !serverExists {
			return fmt.Errorf("server %d: %w", serverID, chat.ErrNotFound)
		}

		rows, err := tx.Query(ctx,
			`INSERT INTO server_members (server_id, user_id)
			 SELECT $1, u FROM unnest($2::bigint[]) AS u
			 ON CONFLICT DO NOTHING
			 RETURNING user_id`,
			serverID, userIDs)
		if err != nil {
			return err
		}
		ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return err
		}
		added = append(added, ids...)

		_, err = tx.Exec(ctx,
			`INSERT INTO channel_members (channel_id, user_id)
			 SELECT c.id, u FROM channels c CROSS JOIN unnest($2::bigint[]) AS u
			 WHERE c.server_id = $1 AND c.auto_add_new_members
			 ON CONFLICT DO NOTHING`,
			serverID, userIDs)
		return err
	})
	switch {
	case err == nil:
		return added, nil
	case isForeignKeyError(err):
		return nil, fmt.Errorf("adding members to server %d: %w", serverID, chat.ErrNotFound)
	case isNotFound(err):
		return nil, err
	default:
		return nil, fmt.Errorf("adding server members: %w", err)
	}
}

// StartupData implements chat.ServerStore.
func (s *Store) StartupData(ctx context.Context, userID int64) (chat.StartupData, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return chat.StartupData{}, err
	}
	data := chat.StartupData{User: user}

	rows, err := s.db.Query(ctx,
		`SELECT s.id, s.name, s.owner_user_id FROM servers s
		 JOIN server_members m ON m.server_id = s.id
		 WHERE m.user_id = $1 ORDER BY s.id`, userID)
	if err != nil {
		return chat.StartupData{}, fmt.Errorf("querying servers: %w", err)
	}
	if data.Servers, err = pgx.CollectRows(rows, collectServer); err != nil {
		return chat.StartupData{}, fmt.Errorf("scanning servers: %w", err)
	}

	rows, err = s.db.Query(ctx,
		`SELECT c.id, c.server_id, c.name, c.description, c.topic, c.is_private, c.auto_add_new_members
		 FROM channels c JOIN channel_members m ON m.channel_id = c.id
		 WHERE m.user_id = $1 ORDER BY c.id`, userID)
	if err != nil {
		return chat.StartupData{}, fmt.Errorf("querying channels: %w", err)
	}
	if data.Channels, err = pgx.CollectRows(rows, collectChannel); err != nil {
		return chat.StartupData{}, fmt.Errorf("scanning channels: %w", err)
	}

	rows, err = s.db.Query(ctx,
		`SELECT DISTINCT u.id, u.username, u.display_name FROM users u
		 JOIN server_members peer ON peer.user_id = u.id
		 JOIN server_members mine ON mine.server_id = peer.server_id
		 WHERE mine.user_id = $1 ORDER BY u.id`, userID)
	if err != nil {
		return chat.StartupData{}, fmt.Errorf("querying users: %w", err)
	}
	if data.Users, err = pgx.CollectRows(rows, collectUser); err != nil {
		return chat.StartupData{}, fmt.Errorf("scanning users: %w", err)
	}
	return data, nil
}

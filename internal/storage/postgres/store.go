package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Store implements chat.Store on PostgreSQL. Multi-row writes run in a
// single transaction.
type Store struct {
	db    *pgxpool.Pool
	users *UserRepository
}

var _ chat.Store = (*Store)(nil)

// NewStore creates a Store backed by the given pool.
//
// Precondition: db must be a valid, open connection pool with the schema migrated.
func NewStore(db *pgxpool.Pool) *Store {
	return &Store{db: db, users: NewUserRepository(db)}
}

// Users returns the user repository sharing this store's pool.
func (s *Store) Users() *UserRepository { return s.users }

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	var ok bool
	if err := s.db.QueryRow(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

// IsServerMember implements chat.MembershipStore.
func (s *Store) IsServerMember(ctx context.Context, userID, serverID int64) (bool, error) {
	ok, err := s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM server_members WHERE server_id = $1 AND user_id = $2)`,
		serverID, userID)
	if err != nil {
		return false, fmt.Errorf("querying server membership: %w", err)
	}
	return ok, nil
}

// IsChannelMember implements chat.MembershipStore.
func (s *Store) IsChannelMember(ctx context.Context, userID, channelID int64) (bool, error) {
	ok, err := s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM channel_members WHERE channel_id = $1 AND user_id = $2)`,
		channelID, userID)
	if err != nil {
		return false, fmt.Errorf("querying channel membership: %w", err)
	}
	return ok, nil
}

// IsDMParticipant implements chat.MembershipStore.
func (s *Store) IsDMParticipant(ctx context.Context, userID, dmChannelID int64) (bool, error) {
	ok, err := s.exists(ctx,
		`SELECT EXISTS (SELECT 1 FROM dm_participants WHERE dm_channel_id = $1 AND user_id = $2)`,
		dmChannelID, userID)
	if err != nil {
		return false, fmt.Errorf("querying dm participation: %w", err)
	}
	return ok, nil
}

// GetUser implements chat.ServerStore.
func (s *Store) GetUser(ctx context.Context, userID int64) (chat.User, error) {
	acct, err := s.users.GetByID(ctx, userID)
	return acct.User, err
}

// GetUserByUsername implements chat.ServerStore.
func (s *Store) GetUserByUsername(ctx context.Context, username string) (chat.User, error) {
	acct, err := s.users.GetByUsername(ctx, username)
	return acct.User, err
}

// ClearClients implements chat.ClientStore.
func (s *Store) ClearClients(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `TRUNCATE clients`); err != nil {
		return fmt.Errorf("clearing clients: %w", err)
	}
	return nil
}

// RegisterClient implements chat.ClientStore. Registering an existing
// session rebinds it to userID.
func (s *Store) RegisterClient(ctx context.Context, sessionID string, userID int64) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO clients (session_id, user_id) VALUES ($1, $2)
		 ON CONFLICT (session_id) DO UPDATE SET user_id = EXCLUDED.user_id, connected_at = NOW()`,
		sessionID, userID)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("user %d: %w", userID, chat.ErrNotFound)
		}
		return fmt.Errorf("registering client: %w", err)
	}
	return nil
}

// RemoveClient implements chat.ClientStore.
func (s *Store) RemoveClient(ctx context.Context, sessionID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM clients WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("removing client: %w", err)
	}
	return nil
}

// ListSessionsForUser implements chat.ClientStore.
func (s *Store) ListSessionsForUser(ctx context.Context, userID int64) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`SELECT session_id FROM clients WHERE user_id = $1 ORDER BY session_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return ids, nil
}

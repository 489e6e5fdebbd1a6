package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cory-johannsen/parley/internal/chat"
)

// Account is a user row including bookkeeping columns the chat core ignores.
type Account struct {
	chat.User
	CreatedAt time.Time
}

// UserRepository provides user persistence operations.
// Credentials are owned by the token issuer, not this table.
type UserRepository struct {
	db *pgxpool.Pool
}

// NewUserRepository creates a UserRepository backed by the given pool.
//
// Precondition: db must be a valid, open connection pool.
func NewUserRepository(db *pgxpool.Pool) *UserRepository {
	return &UserRepository{db: db}
}

const userColumns = `id, username, display_name, created_at`

func scanAccount(row pgx.Row) (Account, error) {
	var a Account
	err := row.Scan(&a.ID, &a.Username, &a.DisplayName, &a.CreatedAt)
	return a, err
}

// Create inserts a new user. An empty displayName defaults to the username.
//
// Precondition: username must be non-empty.
// Postcondition: Returns the created Account, or chat.ErrDuplicate if the username is taken.
func (r *UserRepository) Create(ctx context.Context, username, displayName string) (Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return Account{}, fmt.Errorf("%w: username is required", chat.ErrBadRequest)
	}
	if displayName == "" {
		displayName = username
	}
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`INSERT INTO users (username, display_name)
		 VALUES ($1, $2)
		 RETURNING `+userColumns,
		username, displayName,
	))
	if err != nil {
		if isDuplicateKeyError(err) {
			return Account{}, fmt.Errorf("user %q: %w", username, chat.ErrDuplicate)
		}
		return Account{}, fmt.Errorf("inserting user: %w", err)
	}
	return acct, nil
}

// GetByID retrieves a user by id.
//
// Postcondition: Returns the Account or chat.ErrNotFound.
func (r *UserRepository) GetByID(ctx context.Context, id int64) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("user %d: %w", id, chat.ErrNotFound)
		}
		return Account{}, fmt.Errorf("querying user: %w", err)
	}
	return acct, nil
}

// GetByUsername retrieves a user by username.
//
// Precondition: username must be non-empty.
// Postcondition: Returns the Account or chat.ErrNotFound.
func (r *UserRepository) GetByUsername(ctx context.Context, username string) (Account, error) {
	acct, err := scanAccount(r.db.QueryRow(ctx,
		`SELECT `+userColumns+` FROM users WHERE username = $1`, strings.TrimSpace(username)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, fmt.Errorf("user %q: %w", username, chat.ErrNotFound)
		}
		return Account{}, fmt.Errorf("querying user: %w", err)
	}
	return acct, nil
}

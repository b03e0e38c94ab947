package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"ams/core"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// SQLiteUserStorage stores the analyst accounts that own submissions and sign history records
type SQLiteUserStorage struct {
	sqlite *SQLite
	logger *zap.SugaredLogger
}

// NewSQLiteUserStorage creates a new SQLite-based user storage
func NewSQLiteUserStorage(sqlite *SQLite, logger *zap.SugaredLogger) *SQLiteUserStorage {
	return &SQLiteUserStorage{
		sqlite: sqlite,
		logger: logger,
	}
}

func scanUser(row interface{ Scan(...any) error }) (core.User, error) {
	var u core.User
	var email sql.NullString
	if err := row.Scan(&u.UUID, &u.Username, &u.DisplayName, &email); err != nil {
		return core.User{}, err
	}
	u.Email = fromNullString(email)
	return u, nil
}

// CreateUser inserts a user, returning the existing account with created=false when the
// username is already taken.
func (sus *SQLiteUserStorage) CreateUser(ctx context.Context, tx *sql.Tx, in core.UserCreate) (core.User, bool, error) {
	user := core.User{
		UUID:        uuid.New(),
		Username:    in.Username,
		DisplayName: in.DisplayName,
		Email:       in.Email,
	}
	if in.UUID != nil {
		user.UUID = *in.UUID
	}

	err := WithSavepoint(ctx, tx, "user_create", func() error {
		_, err := tx.ExecContext(ctx, `INSERT INTO users (uuid, username, display_name, email) VALUES (?, ?, ?, ?)`,
			user.UUID, user.Username, user.DisplayName, nullString(user.Email))
		return err
	})
	if err == nil {
		return user, true, nil
	}
	if !IsUniqueViolation(err) {
		return core.User{}, false, fmt.Errorf("failed to create user %s: %w", in.Username, err)
	}

	existing, lookupErr := sus.GetUserByUsername(ctx, tx, in.Username)
	if errors.Is(lookupErr, core.ErrValueNotFound) {
		return core.User{}, false, fmt.Errorf("%w: %s", core.ErrDuplicateUUID, user.UUID)
	}
	if lookupErr != nil {
		return core.User{}, false, lookupErr
	}
	return existing, false, nil
}

// GetUserByUsername resolves a username. Unknown usernames are ErrValueNotFound.
func (sus *SQLiteUserStorage) GetUserByUsername(ctx context.Context, q Querier, username string) (core.User, error) {
	row := q.QueryRowContext(ctx, `SELECT uuid, username, display_name, email FROM users WHERE username = ?`, username)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ValueNotFound("user", username)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to get user %s: %w", username, err)
	}
	return u, nil
}

// GetUser returns a user by uuid
func (sus *SQLiteUserStorage) GetUser(ctx context.Context, q Querier, id uuid.UUID) (core.User, error) {
	row := q.QueryRowContext(ctx, `SELECT uuid, username, display_name, email FROM users WHERE uuid = ?`, id)
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.UUIDNotFound("user", id)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	return u, nil
}

// ListUsers returns all users ordered by username
func (sus *SQLiteUserStorage) ListUsers(ctx context.Context, q Querier) ([]core.User, error) {
	rows, err := q.QueryContext(ctx, `SELECT uuid, username, display_name, email FROM users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	defer rows.Close()

	users := []core.User{}
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ErrEmailTaken is returned when an insert or update would duplicate an email.
var ErrEmailTaken = errors.New("email already in use")

// User is an account row. PasswordHash never leaves the process.
type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Role         string    `json:"role"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// UserUpdate is a partial account write.
type UserUpdate struct {
	Email        Nullable[string]
	PasswordHash Nullable[string]
	Role         Nullable[string]
}

func scanUser(scanFn func(dest ...any) error, u *User) error {
	var createdAt, updatedAt string
	if err := scanFn(&u.ID, &u.Email, &u.Role, &u.PasswordHash, &createdAt, &updatedAt); err != nil {
		return err
	}
	var err error
	if u.CreatedAt, err = ParseTime(createdAt); err != nil {
		return err
	}
	u.UpdatedAt, err = ParseTime(updatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// InsertUser writes a new account.
func (s *Store) InsertUser(ctx context.Context, u *User) error {
	_, err := s.exec(ctx, `
		INSERT INTO users (id, email, role, password_hash, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?);
	`, u.ID, u.Email, u.Role, u.PasswordHash, FormatTime(u.CreatedAt), FormatTime(u.UpdatedAt))
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (s *Store) getUserBy(ctx context.Context, column, value string) (*User, error) {
	var u User
	err := scanUser(s.q.QueryRowContext(ctx, `
		SELECT id, email, role, password_hash, created_at, updated_at
		FROM users WHERE `+column+` = ?;
	`, value).Scan, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

// GetUser returns ErrNotFound for an unknown id.
func (s *Store) GetUser(ctx context.Context, id string) (*User, error) {
	return s.getUserBy(ctx, "id", id)
}

// GetUserByEmail returns ErrNotFound for an unknown email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	return s.getUserBy(ctx, "email", email)
}

// ListUsers returns all accounts, oldest first.
func (s *Store) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, email, role, password_hash, created_at, updated_at
		FROM users ORDER BY created_at ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()
	out := []User{}
	for rows.Next() {
		var u User
		if err := scanUser(rows.Scan, &u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// CountUsers returns the number of accounts.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.q.QueryRowContext(ctx, `SELECT COUNT(1) FROM users;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return n, nil
}

// UpdateUser applies upd. Returns ErrNotFound or ErrEmailTaken.
func (s *Store) UpdateUser(ctx context.Context, id string, upd UserUpdate, now time.Time) error {
	sets := []string{"updated_at = ?"}
	args := []any{FormatTime(now)}
	if upd.Email.Set {
		sets = append(sets, "email = ?")
		args = append(args, upd.Email.Value)
	}
	if upd.PasswordHash.Set {
		sets = append(sets, "password_hash = ?")
		args = append(args, upd.PasswordHash.Value)
	}
	if upd.Role.Set {
		sets = append(sets, "role = ?")
		args = append(args, upd.Role.Value)
	}
	args = append(args, id)
	res, err := s.exec(ctx, `UPDATE users SET `+strings.Join(sets, ", ")+` WHERE id = ?;`, args...)
	if isUniqueViolation(err) {
		return ErrEmailTaken
	}
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update user rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUser removes the account; its refresh tokens cascade.
func (s *Store) DeleteUser(ctx context.Context, id string) error {
	res, err := s.exec(ctx, `DELETE FROM users WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RefreshToken is a stored refresh credential digest.
type RefreshToken struct {
	ID        string
	UserID    string
	TokenHash string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// InsertRefreshToken stores a token digest.
func (s *Store) InsertRefreshToken(ctx context.Context, rt RefreshToken) error {
	if _, err := s.exec(ctx, `
		INSERT INTO refresh_tokens (id, user_id, token_hash, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?);
	`, rt.ID, rt.UserID, rt.TokenHash, FormatTime(rt.ExpiresAt), FormatTime(rt.CreatedAt)); err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}
	return nil
}

// ListRefreshTokens returns the user's tokens. With activeAt set, tokens
// that expired before it are skipped.
func (s *Store) ListRefreshTokens(ctx context.Context, userID string, activeAt *time.Time) ([]RefreshToken, error) {
	query := `SELECT id, user_id, token_hash, expires_at, created_at FROM refresh_tokens WHERE user_id = ?`
	args := []any{userID}
	if activeAt != nil {
		query += ` AND expires_at > ?`
		args = append(args, FormatTime(*activeAt))
	}
	rows, err := s.q.QueryContext(ctx, query+` ORDER BY created_at DESC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list refresh tokens: %w", err)
	}
	defer rows.Close()
	var out []RefreshToken
	for rows.Next() {
		var rt RefreshToken
		var expiresAt, createdAt string
		if err := rows.Scan(&rt.ID, &rt.UserID, &rt.TokenHash, &expiresAt, &createdAt); err != nil {
			return nil, fmt.Errorf("scan refresh token: %w", err)
		}
		if rt.ExpiresAt, err = ParseTime(expiresAt); err != nil {
			return nil, err
		}
		if rt.CreatedAt, err = ParseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, rt)
	}
	return out, rows.Err()
}

// DeleteRefreshToken reports whether the row existed. Two refreshes racing
// on one token see exactly one true.
func (s *Store) DeleteRefreshToken(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE id = ?;`, id)
	if err != nil {
		return false, fmt.Errorf("delete refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete refresh token rows affected: %w", err)
	}
	return n == 1, nil
}

// DeleteUserRefreshTokens revokes every token of the user.
func (s *Store) DeleteUserRefreshTokens(ctx context.Context, userID string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE user_id = ?;`, userID)
	if err != nil {
		return 0, fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

// DeleteExpiredRefreshTokens removes tokens that expired before now.
func (s *Store) DeleteExpiredRefreshTokens(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM refresh_tokens WHERE expires_at < ?;`, FormatTime(now))
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
)

const pgUniqueViolation = "23505"

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, active, created_at, updated_at
		FROM users
		WHERE email = $1
	`, email).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Active, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by email: %w", err)
	}

	return user, nil
}

func (r *Repository) GetUserByID(ctx context.Context, id string) (User, error) {
	var user User
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, active, created_at, updated_at
		FROM users
		WHERE id = $1
	`, id).Scan(&user.ID, &user.Email, &user.PasswordHash, &user.Active, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, err
		}
		return User{}, fmt.Errorf("query user by id: %w", err)
	}

	return user, nil
}

// CreateUser inserts the user and grants the default role in one
// transaction. A duplicate email maps to ErrEmailTaken.
func (r *Repository) CreateUser(ctx context.Context, email, passwordHash, defaultRole string) (User, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return User{}, fmt.Errorf("generate user id: %w", err)
	}

	now := time.Now().UTC()
	user := User{
		ID:           id.String(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return User{}, fmt.Errorf("begin create user tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO users (id, email, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $5)
	`, user.ID, user.Email, user.PasswordHash, user.Active, now)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO user_roles (user_id, role_id)
		SELECT $1, id FROM roles WHERE name = $2
	`, user.ID, defaultRole)
	if err != nil {
		return User{}, fmt.Errorf("grant default role: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return User{}, fmt.Errorf("commit create user tx: %w", err)
	}

	return user, nil
}

func (r *Repository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE users
		SET password_hash = $2, updated_at = $3
		WHERE id = $1
	`, userID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update password rows affected: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}

	return nil
}

// UserRoles resolves role names through the user_roles join table.
func (r *Repository) UserRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT r.name
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		WHERE ur.user_id = $1
		ORDER BY r.name ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("query user roles: %w", err)
	}
	defer rows.Close()

	roles := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		roles = append(roles, name)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}

	return roles, nil
}

func (r *Repository) CreateRefreshToken(ctx context.Context, userID string, expiresAt time.Time) (RefreshTokenRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("generate refresh token id: %w", err)
	}

	record := RefreshTokenRecord{
		ID:        id.String(),
		UserID:    userID,
		ExpiresAt: expiresAt.UTC(),
		CreatedAt: time.Now().UTC(),
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, revoked, expires_at, created_at)
		VALUES ($1, $2, FALSE, $3, $4)
	`, record.ID, record.UserID, record.ExpiresAt, record.CreatedAt)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("insert refresh token: %w", err)
	}

	return record, nil
}

func (r *Repository) GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error) {
	var record RefreshTokenRecord
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, revoked, expires_at, created_at
		FROM refresh_tokens
		WHERE id = $1
	`, id).Scan(&record.ID, &record.UserID, &record.Revoked, &record.ExpiresAt, &record.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshTokenRecord{}, err
		}
		return RefreshTokenRecord{}, fmt.Errorf("query refresh token: %w", err)
	}

	return record, nil
}

// RotateRefreshToken revokes the old record and inserts its replacement in
// one transaction. The conditional UPDATE decides the winner under
// concurrent submission of the same token: only the caller whose update
// affected exactly one row proceeds, every other caller gets
// ErrInvalidRefreshToken even though its earlier reads looked fine.
func (r *Repository) RotateRefreshToken(ctx context.Context, oldID, userID string, newExpiresAt time.Time) (RefreshTokenRecord, error) {
	newID, err := uuid.NewV7()
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("generate rotated token id: %w", err)
	}

	now := time.Now().UTC()
	record := RefreshTokenRecord{
		ID:        newID.String(),
		UserID:    userID,
		ExpiresAt: newExpiresAt.UTC(),
		CreatedAt: now,
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("begin rotation tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE id = $1 AND revoked = FALSE
	`, oldID)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("revoke rotated token: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("rotation rows affected: %w", err)
	}
	if affected != 1 {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO refresh_tokens (id, user_id, revoked, expires_at, created_at)
		VALUES ($1, $2, FALSE, $3, $4)
	`, record.ID, record.UserID, record.ExpiresAt, record.CreatedAt)
	if err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("insert rotated token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return RefreshTokenRecord{}, fmt.Errorf("commit rotation tx: %w", err)
	}

	return record, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// RevokeAllForUser is the revocation cascade: one statement, not restricted
// by id, so it covers every record of the user that exists at execution
// time.
func (r *Repository) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE refresh_tokens
		SET revoked = TRUE
		WHERE user_id = $1 AND revoked = FALSE
	`, userID)
	if err != nil {
		return 0, fmt.Errorf("revoke all refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("revoke all rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) RecordLogin(ctx context.Context, entry LoginHistoryRecord) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate login history id: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO login_history (id, user_id, ip, user_agent, success, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, id.String(), entry.UserID, entry.IP, entry.UserAgent, entry.Success, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert login history: %w", err)
	}

	return nil
}

func (r *Repository) RecentLoginsByIP(ctx context.Context, ip string, since time.Time) ([]LoginHistoryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, ip, user_agent, success, created_at
		FROM login_history
		WHERE ip = $1 AND created_at >= $2
		ORDER BY created_at DESC
	`, ip, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query logins by ip: %w", err)
	}
	defer rows.Close()

	return scanLoginHistory(rows)
}

// UserLoginHistory is scoped by user id so a caller can never read another
// user's rows.
func (r *Repository) UserLoginHistory(ctx context.Context, userID string, limit int) ([]LoginHistoryRecord, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, ip, user_agent, success, created_at
		FROM login_history
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("query user login history: %w", err)
	}
	defer rows.Close()

	return scanLoginHistory(rows)
}

func (r *Repository) DeleteOldLoginHistory(ctx context.Context, maxAge time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	cutoff := time.Now().UTC().Add(-maxAge)
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM login_history
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM login_history t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete old login history: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("old login history rows affected: %w", err)
	}

	return affected, nil
}

// DeleteStaleRefreshTokens drops rows past retention. Revoked rows are kept
// for the retention period for audit before physical deletion.
func (r *Repository) DeleteStaleRefreshTokens(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if batchSize <= 0 {
		batchSize = 500
	}

	cutoff := time.Now().UTC().Add(-retention)
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM refresh_tokens
			WHERE expires_at < $1 OR (revoked = TRUE AND created_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func scanLoginHistory(rows *sql.Rows) ([]LoginHistoryRecord, error) {
	entries := make([]LoginHistoryRecord, 0)
	for rows.Next() {
		var entry LoginHistoryRecord
		var userID sql.NullString
		if err := rows.Scan(&entry.ID, &userID, &entry.IP, &entry.UserAgent, &entry.Success, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan login history: %w", err)
		}
		if userID.Valid {
			value := userID.String
			entry.UserID = &value
		}
		entries = append(entries, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate login history: %w", err)
	}

	return entries, nil
}

package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"quelyos-auth/internal/refreshtoken/domain"
)

const tokenColumns = `rt.token, rt.user_id, rt.issued_at, rt.expires_at, rt.is_used, rt.revoked_at, rt.replaced_by, rt.ip_address, rt.user_agent`

const (
	getByTokenQuery = `SELECT ` + tokenColumns + `, u.email, u.role, u.company_id, u.status <> 'active'
FROM refresh_tokens rt
JOIN users u ON u.id = rt.user_id
WHERE rt.token = $1`

	insertQuery = `INSERT INTO refresh_tokens
    (token, user_id, issued_at, expires_at, is_used, revoked_at, replaced_by, ip_address, user_agent)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	// consumeQuery is the per-token compare-and-swap: the predicate is re-evaluated under
	// the row lock, so of two concurrent callers only one sees a live row.
	consumeQuery = `UPDATE refresh_tokens
SET is_used = TRUE, revoked_at = $2, replaced_by = $3
WHERE token = $1 AND is_used = FALSE AND revoked_at IS NULL AND expires_at > $2`

	revokeQuery = `UPDATE refresh_tokens
SET revoked_at = $2, is_used = TRUE
WHERE token = $1 AND revoked_at IS NULL`

	existsQuery = `SELECT EXISTS (SELECT 1 FROM refresh_tokens WHERE token = $1)`

	revokeAllByUserQuery = `UPDATE refresh_tokens
SET revoked_at = $2, is_used = TRUE
WHERE user_id = $1 AND revoked_at IS NULL`

	listByUserQuery = `SELECT ` + tokenColumns + `
FROM refresh_tokens rt
WHERE rt.user_id = $1
ORDER BY rt.issued_at DESC`

	deleteStaleQuery = `DELETE FROM refresh_tokens
WHERE expires_at < $1
   OR (revoked_at IS NOT NULL AND revoked_at < $2)`
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a refresh token repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByToken returns the record for token joined with its owner, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	var (
		row   tokenRow
		owner domain.Owner
	)
	dest := append(row.dest(), &owner.Email, &owner.Role, &owner.CompanyID, &owner.Disabled)
	if err := r.db.QueryRowContext(ctx, getByTokenQuery, token).Scan(dest...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	t := row.toDomain()
	owner.ID = t.UserID
	t.Owner = &owner
	return t, nil
}

// Create persists the record. The record must have Token set.
func (r *PostgresRepository) Create(ctx context.Context, t *domain.RefreshToken) error {
	return insertToken(ctx, r.db, t)
}

// Consume atomically retires oldToken and inserts next in one transaction.
// Returns ErrTokenConsumed, with nothing written, when oldToken is no longer live at at.
func (r *PostgresRepository) Consume(ctx context.Context, oldToken string, next *domain.RefreshToken, at time.Time) (err error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, consumeQuery, oldToken, at, next.Token)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrTokenConsumed
	}
	if err = insertToken(ctx, tx, next); err != nil {
		return err
	}
	return tx.Commit()
}

// Revoke marks the token revoked if it is still live. Returns found=false only for unknown tokens.
func (r *PostgresRepository) Revoke(ctx context.Context, token string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, revokeQuery, token, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		return true, nil
	}
	var exists bool
	if err := r.db.QueryRowContext(ctx, existsQuery, token).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// RevokeAllByUser revokes every unrevoked token of the user in one statement. replaced_by is left as is.
func (r *PostgresRepository) RevokeAllByUser(ctx context.Context, userID int64, at time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, revokeAllByUserQuery, userID, at)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ListByUser returns all records of the user, newest first. Returns (nil, error) only on database errors.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64) ([]*domain.RefreshToken, error) {
	rows, err := r.db.QueryContext(ctx, listByUserQuery, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.RefreshToken
	for rows.Next() {
		var row tokenRow
		if err := rows.Scan(row.dest()...); err != nil {
			return nil, err
		}
		out = append(out, row.toDomain())
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteStale deletes rows expired before now or revoked before revokedBefore. Each row is
// deleted independently, so the statement can interleave with live rotation traffic.
func (r *PostgresRepository) DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, deleteStaleQuery, now, revokedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to delete stale refresh tokens: %w", err)
	}
	return res.RowsAffected()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertToken(ctx context.Context, e execer, t *domain.RefreshToken) error {
	if t == nil || t.Token == "" {
		return errors.New("refresh token: token is required")
	}
	_, err := e.ExecContext(ctx, insertQuery,
		t.Token,
		t.UserID,
		t.IssuedAt,
		t.ExpiresAt,
		t.IsUsed,
		timeToNullTime(t.RevokedAt),
		stringToNull(t.ReplacedBy),
		stringToNull(t.IPAddress),
		stringToNull(t.UserAgent),
	)
	return err
}

// tokenRow mirrors the refresh_tokens columns with nullable types for scanning.
type tokenRow struct {
	Token      string
	UserID     int64
	IssuedAt   time.Time
	ExpiresAt  time.Time
	IsUsed     bool
	RevokedAt  sql.NullTime
	ReplacedBy sql.NullString
	IPAddress  sql.NullString
	UserAgent  sql.NullString
}

func (r *tokenRow) dest() []any {
	return []any{
		&r.Token, &r.UserID, &r.IssuedAt, &r.ExpiresAt, &r.IsUsed,
		&r.RevokedAt, &r.ReplacedBy, &r.IPAddress, &r.UserAgent,
	}
}

func (r *tokenRow) toDomain() *domain.RefreshToken {
	return &domain.RefreshToken{
		Token:      r.Token,
		UserID:     r.UserID,
		IssuedAt:   r.IssuedAt,
		ExpiresAt:  r.ExpiresAt,
		IsUsed:     r.IsUsed,
		RevokedAt:  nullTimeToPtr(r.RevokedAt),
		ReplacedBy: r.ReplacedBy.String,
		IPAddress:  r.IPAddress.String,
		UserAgent:  r.UserAgent.String,
	}
}

func timeToNullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullTimeToPtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	return &n.Time
}

func stringToNull(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

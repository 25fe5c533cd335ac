package repository

import (
	"context"
	"errors"
	"time"

	"quelyos-auth/internal/refreshtoken/domain"
)

// ErrTokenConsumed is returned by Consume when the presented token is no longer live
// (already used, revoked, expired, or deleted) at the moment of the conditional update.
var ErrTokenConsumed = errors.New("refresh token already consumed")

// Repository defines persistence for refresh token records.
type Repository interface {
	// GetByToken returns the record with its Owner joined, or nil if not found.
	GetByToken(ctx context.Context, token string) (*domain.RefreshToken, error)
	// Create inserts a new record.
	Create(ctx context.Context, t *domain.RefreshToken) error
	// Consume marks oldToken used+revoked+replaced by next.Token and inserts next, atomically.
	// The update only applies while oldToken is still live; otherwise ErrTokenConsumed and nothing is written.
	Consume(ctx context.Context, oldToken string, next *domain.RefreshToken, at time.Time) error
	// Revoke sets revoked_at on one token if it is still live. found is false only when the token is unknown.
	Revoke(ctx context.Context, token string, at time.Time) (found bool, err error)
	// RevokeAllByUser revokes every unrevoked token of the user and returns how many changed.
	RevokeAllByUser(ctx context.Context, userID int64, at time.Time) (int64, error)
	// ListByUser returns the user's records, newest first.
	ListByUser(ctx context.Context, userID int64) ([]*domain.RefreshToken, error)
	// DeleteStale deletes records expired before now or revoked before revokedBefore.
	DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}

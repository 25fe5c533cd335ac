package repository

import (
	"context"

	"quelyos-auth/internal/user/domain"
)

// Repository defines persistence for users.
type Repository interface {
	GetByID(ctx context.Context, id int64) (*domain.User, error)
	GetByEmail(ctx context.Context, email string) (*domain.User, error)
	// Create inserts the user and sets u.ID from the database.
	Create(ctx context.Context, u *domain.User) error
}

package domain

import (
	"errors"
	"time"
)

// User is the account that owns refresh tokens. Only the fields the auth flows read are modeled.
type User struct {
	ID           int64
	Email        string
	PasswordHash string
	Role         string
	CompanyID    int64
	Status       UserStatus
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type UserStatus string

const (
	UserStatusActive   UserStatus = "active"
	UserStatusDisabled UserStatus = "disabled"
)

// Roles recognised by the token admin policy.
const (
	RoleUser       = "user"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

// Validate validates the user for persistence. Returns an error describing the first validation failure.
func (u *User) Validate() error {
	if u.Email == "" {
		return errors.New("email is required")
	}
	if u.PasswordHash == "" {
		return errors.New("password hash is required")
	}
	if u.Status == "" {
		u.Status = UserStatusActive
	}
	if u.Role == "" {
		u.Role = RoleUser
	}
	return nil
}

// Active reports whether the user may authenticate.
func (u *User) Active() bool {
	return u.Status == UserStatusActive
}

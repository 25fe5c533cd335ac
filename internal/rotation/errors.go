package rotation

import (
	"errors"

	"quelyos-auth/internal/refreshtoken/domain"
)

// Kind classifies why a rotation was refused. The set is closed.
type Kind int

const (
	// KindInvalidToken: the token is unknown or already purged.
	KindInvalidToken Kind = iota + 1
	// KindTokenExpired: the token lapsed without being used. Not a theft signal.
	KindTokenExpired
	// KindTokenReuseDetected: a consumed or revoked token was presented. The owner's family has been revoked.
	KindTokenReuseDetected
	// KindUserMismatch: the asserted user does not own the token. The token is left untouched.
	KindUserMismatch
)

func (k Kind) String() string {
	switch k {
	case KindInvalidToken:
		return "invalid_token"
	case KindTokenExpired:
		return "token_expired"
	case KindTokenReuseDetected:
		return "token_reuse_detected"
	case KindUserMismatch:
		return "user_mismatch"
	default:
		return "unknown"
	}
}

// Error is a rotation refusal. errors.Is matches any *Error with the same Kind.
type Error struct {
	Kind Kind

	// Owner and Revoked are set only for KindTokenReuseDetected: the real owner of the
	// replayed token and how many of its tokens were revoked.
	Owner   *domain.Owner
	Revoked int64
}

func (e *Error) Error() string {
	return "rotation: " + e.Kind.String()
}

// Is reports whether target is an *Error of the same kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind
}

// Sentinels for errors.Is.
var (
	ErrInvalidToken       = &Error{Kind: KindInvalidToken}
	ErrTokenExpired       = &Error{Kind: KindTokenExpired}
	ErrTokenReuseDetected = &Error{Kind: KindTokenReuseDetected}
	ErrUserMismatch       = &Error{Kind: KindUserMismatch}
)

// IsRefusal reports whether err is one of the four rotation refusals, as opposed to an infrastructure failure.
// Callers must treat every refusal as "log in again".
func IsRefusal(err error) bool {
	var re *Error
	return errors.As(err, &re)
}

// ReuseOwner returns the owner whose family was revoked when err is a reuse refusal.
func ReuseOwner(err error) (owner domain.Owner, revoked int64, ok bool) {
	var re *Error
	if !errors.As(err, &re) || re.Kind != KindTokenReuseDetected || re.Owner == nil {
		return domain.Owner{}, 0, false
	}
	return *re.Owner, re.Revoked, true
}

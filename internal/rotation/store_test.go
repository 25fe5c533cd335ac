package rotation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"quelyos-auth/internal/refreshtoken/domain"
	"quelyos-auth/internal/refreshtoken/repository"
	"quelyos-auth/internal/security"
)

// memStore is an in-memory repository.Repository whose Consume is a compare-and-swap under a mutex,
// mirroring the conditional UPDATE of the Postgres repository.
type memStore struct {
	mu     sync.Mutex
	tokens map[string]*domain.RefreshToken
	owners map[int64]domain.Owner

	getErr       error
	consumeErr   error
	revokeAllErr error
	// beforeConsume runs once, outside the lock, before the next Consume. Used to interleave a competitor.
	beforeConsume func()
	consumeCalls  int
}

var _ repository.Repository = (*memStore)(nil)

func newMemStore(owners ...domain.Owner) *memStore {
	s := &memStore{
		tokens: make(map[string]*domain.RefreshToken),
		owners: make(map[int64]domain.Owner),
	}
	for _, o := range owners {
		s.owners[o.ID] = o
	}
	return s
}

// disable marks the owner inactive, as a join against a disabled users row would.
func (s *memStore) disable(userID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.owners[userID]
	o.Disabled = true
	s.owners[userID] = o
}

func clone(t *domain.RefreshToken) *domain.RefreshToken {
	c := *t
	if t.RevokedAt != nil {
		at := *t.RevokedAt
		c.RevokedAt = &at
	}
	c.Owner = nil
	return &c
}

func (s *memStore) GetByToken(ctx context.Context, token string) (*domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	t, ok := s.tokens[token]
	if !ok {
		return nil, nil
	}
	c := clone(t)
	if o, ok := s.owners[t.UserID]; ok {
		c.Owner = &o
	}
	return c, nil
}

func (s *memStore) Create(ctx context.Context, t *domain.RefreshToken) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.tokens[t.Token]; dup {
		return errors.New("duplicate token")
	}
	s.tokens[t.Token] = clone(t)
	return nil
}

func (s *memStore) Consume(ctx context.Context, oldToken string, next *domain.RefreshToken, at time.Time) error {
	s.mu.Lock()
	hook := s.beforeConsume
	s.beforeConsume = nil
	s.consumeCalls++
	s.mu.Unlock()
	if hook != nil {
		hook()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.consumeErr != nil {
		return s.consumeErr
	}
	old, ok := s.tokens[oldToken]
	if !ok || old.IsUsed || old.RevokedAt != nil || !at.Before(old.ExpiresAt) {
		return repository.ErrTokenConsumed
	}
	old.IsUsed = true
	old.RevokedAt = &at
	old.ReplacedBy = next.Token
	s.tokens[next.Token] = clone(next)
	return nil
}

func (s *memStore) Revoke(ctx context.Context, token string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return false, nil
	}
	if t.RevokedAt == nil {
		t.RevokedAt = &at
		t.IsUsed = true
	}
	return true, nil
}

func (s *memStore) RevokeAllByUser(ctx context.Context, userID int64, at time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.revokeAllErr != nil {
		return 0, s.revokeAllErr
	}
	var n int64
	for _, t := range s.tokens {
		if t.UserID == userID && t.RevokedAt == nil {
			t.RevokedAt = &at
			t.IsUsed = true
			n++
		}
	}
	return n, nil
}

func (s *memStore) ListByUser(ctx context.Context, userID int64) ([]*domain.RefreshToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.RefreshToken
	for _, t := range s.tokens {
		if t.UserID == userID {
			out = append(out, clone(t))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].IssuedAt.After(out[j].IssuedAt) })
	return out, nil
}

func (s *memStore) DeleteStale(ctx context.Context, now, revokedBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, t := range s.tokens {
		if t.ExpiresAt.Before(now) || (t.RevokedAt != nil && t.RevokedAt.Before(revokedBefore)) {
			delete(s.tokens, k)
			n++
		}
	}
	return n, nil
}

// record returns a copy of the stored record, or nil.
func (s *memStore) record(token string) *domain.RefreshToken {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil
	}
	return clone(t)
}

func (s *memStore) put(t *domain.RefreshToken) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = clone(t)
}

// fakeIssuer mints predictable access tokens.
type fakeIssuer struct {
	mu   sync.Mutex
	subs []security.Subject
	err  error
	now  func() time.Time
}

func (f *fakeIssuer) IssueAccess(sub security.Subject) (string, time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", time.Time{}, f.err
	}
	f.subs = append(f.subs, sub)
	return "access-token", f.now().Add(15 * time.Minute), nil
}

// clock is a settable time source.
type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

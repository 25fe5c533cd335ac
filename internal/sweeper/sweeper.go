// Package sweeper periodically purges stale refresh tokens.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// Purger deletes stale tokens. *rotation.Engine satisfies it.
type Purger interface {
	PurgeOldTokens(ctx context.Context, retentionDays int) (int64, error)
}

// Lease grants one replica the right to sweep for ttl. Acquire returns false when another holder has it.
type Lease interface {
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
}

// Sweeper runs the purge on a fixed interval. When a Lease is set, a replica sweeps only while holding it.
type Sweeper struct {
	purger        Purger
	lease         Lease
	interval      time.Duration
	retentionDays int
}

// New returns a Sweeper. lease may be nil, in which case every replica sweeps; deletes are row-independent.
func New(purger Purger, interval time.Duration, retentionDays int, lease Lease) (*Sweeper, error) {
	if purger == nil {
		return nil, errors.New("sweeper: purger is required")
	}
	if interval <= 0 {
		return nil, fmt.Errorf("sweeper: interval must be positive, got %v", interval)
	}
	if retentionDays < 0 {
		return nil, fmt.Errorf("sweeper: retention days must not be negative, got %d", retentionDays)
	}
	return &Sweeper{purger: purger, lease: lease, interval: interval, retentionDays: retentionDays}, nil
}

// Run sweeps once immediately and then every interval until ctx is cancelled. Errors are logged, never fatal.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	log.Printf("sweeper: started (interval %v, retention %d days)", s.interval, s.retentionDays)
	for {
		if _, _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			log.Printf("sweeper: %v", err)
		}
		select {
		case <-ctx.Done():
			log.Println("sweeper: stopped")
			return
		case <-ticker.C:
		}
	}
}

// SweepOnce performs one purge if the lease (when configured) is acquired.
// ran reports whether this replica purged.
func (s *Sweeper) SweepOnce(ctx context.Context) (deleted int64, ran bool, err error) {
	if s.lease != nil {
		ok, err := s.lease.Acquire(ctx, s.leaseTTL())
		if err != nil {
			return 0, false, fmt.Errorf("acquire lease: %w", err)
		}
		if !ok {
			return 0, false, nil
		}
	}
	deleted, err = s.purger.PurgeOldTokens(ctx, s.retentionDays)
	if err != nil {
		return 0, true, err
	}
	return deleted, true, nil
}

// leaseTTL is slightly shorter than the interval so the next tick finds the lease free.
func (s *Sweeper) leaseTTL() time.Duration {
	ttl := s.interval * 9 / 10
	if ttl < time.Second {
		ttl = time.Second
	}
	return ttl
}

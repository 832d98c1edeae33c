package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// LeaseKeeper holds the per-pool lock that keeps a second process from
// managing the same pool.
type LeaseKeeper struct {
	locks  domain.LockManager
	key    string
	ttl    time.Duration
	lease  domain.Lease
	logger *slog.Logger
}

// NewLeaseKeeper creates a keeper for the pool's lock. It does not acquire
// anything yet.
func NewLeaseKeeper(locks domain.LockManager, poolID string, ttl time.Duration, logger *slog.Logger) *LeaseKeeper {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &LeaseKeeper{
		locks:  locks,
		key:    "pool:" + poolID,
		ttl:    ttl,
		logger: logger.With(slog.String("component", "lease_keeper"), slog.String("pool", poolID)),
	}
}

// Acquire takes the lock. It fails with domain.ErrLockHeld when another
// process manages the pool.
func (k *LeaseKeeper) Acquire(ctx context.Context) error {
	lease, err := k.locks.Acquire(ctx, k.key, k.ttl)
	if err != nil {
		return fmt.Errorf("lease_keeper: acquire %s: %w", k.key, err)
	}
	k.lease = lease
	k.logger.InfoContext(ctx, "pool lease acquired", slog.Duration("ttl", k.ttl))
	return nil
}

// Run refreshes the lease every third of its TTL until ctx is cancelled. It
// returns an error when the lease is lost so the caller can stop the engine.
// The lease is released on return.
func (k *LeaseKeeper) Run(ctx context.Context) error {
	if k.lease == nil {
		return fmt.Errorf("lease_keeper: run: lease not acquired")
	}
	defer k.Release()

	ticker := time.NewTicker(k.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := k.lease.Refresh(ctx, k.ttl); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				k.logger.ErrorContext(ctx, "pool lease lost", slog.String("error", err.Error()))
				return fmt.Errorf("lease_keeper: refresh %s: %w", k.key, err)
			}
		}
	}
}

// Release gives the lease up. Safe to call more than once.
func (k *LeaseKeeper) Release() {
	if k.lease != nil {
		k.lease.Release()
	}
}

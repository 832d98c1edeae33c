package domain

import (
	"context"
	"time"
)

// PriceCache mirrors the latest observed price per pool for observers.
type PriceCache interface {
	SetPrice(ctx context.Context, point PricePoint) error
	GetPrice(ctx context.Context, poolID string) (PricePoint, error)
}

// Lease is a held distributed lock.
type Lease interface {
	// Refresh extends the lease TTL. It returns ErrLockHeld when the lease was
	// lost to another holder.
	Refresh(ctx context.Context, ttl time.Duration) error
	// Release gives the lock up. Safe to call more than once.
	Release()
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (Lease, error)
}

// StreamMessage represents a single entry from a durable stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// RateLimiter counts requests per key in a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

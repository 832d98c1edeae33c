package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// PriceCache implements domain.PriceCache with one hash per pool at
// "price:{poolID}" holding "price" and "ts" (Unix nanoseconds). Entries expire
// after ttl so a stopped bot does not leave a stale price behind.
type PriceCache struct {
	c   *Client
	ttl time.Duration
}

// NewPriceCache creates a PriceCache. A zero ttl keeps entries forever.
func NewPriceCache(c *Client, ttl time.Duration) *PriceCache {
	return &PriceCache{c: c, ttl: ttl}
}

// SetPrice stores the latest observation for a pool.
func (pc *PriceCache) SetPrice(ctx context.Context, p domain.PricePoint) error {
	key := pc.c.key("price", p.PoolID)
	pipe := pc.c.rdb.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"price": strconv.FormatFloat(p.Value, 'f', -1, 64),
		"ts":    strconv.FormatInt(p.FetchedAt.UnixNano(), 10),
	})
	if pc.ttl > 0 {
		pipe.Expire(ctx, key, pc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set price %s: %w", p.PoolID, err)
	}
	return nil
}

// GetPrice returns domain.ErrNotFound when nothing is cached for the pool.
func (pc *PriceCache) GetPrice(ctx context.Context, poolID string) (domain.PricePoint, error) {
	vals, err := pc.c.rdb.HGetAll(ctx, pc.c.key("price", poolID)).Result()
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: get price %s: %w", poolID, err)
	}
	priceStr, ok1 := vals["price"]
	tsStr, ok2 := vals["ts"]
	if !ok1 || !ok2 {
		return domain.PricePoint{}, domain.ErrNotFound
	}

	price, err := strconv.ParseFloat(priceStr, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse price %s: %w", poolID, err)
	}
	tsNano, err := strconv.ParseInt(tsStr, 10, 64)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("redis: parse ts %s: %w", poolID, err)
	}
	return domain.PricePoint{PoolID: poolID, Value: price, FetchedAt: time.Unix(0, tsNano).UTC()}, nil
}

var _ domain.PriceCache = (*PriceCache)(nil)

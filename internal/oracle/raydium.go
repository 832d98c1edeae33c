// Package oracle implements domain.PriceOracle against the Raydium v2
// liquidity feed.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// DefaultURL is the public Raydium pool list.
const DefaultURL = "https://api.raydium.io/v2/sdk/liquidity/mainnet.json"

// Options configure a RaydiumOracle.
type Options struct {
	URL        string
	Timeout    time.Duration
	RetryCount int
	RetryWait  time.Duration
	// IncludeUnofficial also searches the unOfficial pool list when the pool
	// is missing from the official one.
	IncludeUnofficial bool
}

// RaydiumOracle fetches pool prices from the Raydium liquidity JSON.
type RaydiumOracle struct {
	client     *resty.Client
	url        string
	unofficial bool
	logger     *slog.Logger
	now        func() time.Time
}

// NewRaydiumOracle builds an oracle. Zero options fall back to DefaultURL, a
// 10s timeout and two transport retries.
func NewRaydiumOracle(opts Options, logger *slog.Logger) *RaydiumOracle {
	if opts.URL == "" {
		opts.URL = DefaultURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.RetryWait <= 0 {
		opts.RetryWait = 500 * time.Millisecond
	}

	client := resty.New().
		SetTimeout(opts.Timeout).
		SetRetryCount(max(opts.RetryCount, 0)).
		SetRetryWaitTime(opts.RetryWait).
		SetRetryMaxWaitTime(4*opts.RetryWait).
		SetHeader("Accept", "application/json").
		AddRetryCondition(func(resp *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
			}
			return resp.StatusCode() == 429 || resp.StatusCode() >= 500
		})

	return &RaydiumOracle{
		client:     client,
		url:        opts.URL,
		unofficial: opts.IncludeUnofficial,
		logger:     logger.With(slog.String("component", "raydium_oracle")),
		now:        time.Now,
	}
}

type poolEntry struct {
	ID    string          `json:"id"`
	Price json.RawMessage `json:"price"`
}

type poolList struct {
	Official   []poolEntry `json:"official"`
	Unofficial []poolEntry `json:"unOfficial"`
}

// GetPrice implements domain.PriceOracle.
func (o *RaydiumOracle) GetPrice(ctx context.Context, poolID string) (domain.PricePoint, error) {
	resp, err := o.client.R().SetContext(ctx).Get(o.url)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle: fetch %s: %w: %w", poolID, domain.ErrPriceUnavailable, err)
	}
	if !resp.IsSuccess() {
		return domain.PricePoint{}, fmt.Errorf("oracle: fetch %s: %w: unexpected status %d", poolID, domain.ErrPriceUnavailable, resp.StatusCode())
	}

	var list poolList
	if err := json.Unmarshal(resp.Body(), &list); err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle: decode pool list: %w: %w: %w", domain.ErrPriceUnavailable, domain.ErrMalformedPayload, err)
	}

	entry, ok := find(list.Official, poolID)
	if !ok && o.unofficial {
		entry, ok = find(list.Unofficial, poolID)
	}
	if !ok {
		return domain.PricePoint{}, fmt.Errorf("oracle: pool %s: %w: %w", poolID, domain.ErrPriceUnavailable, domain.ErrPoolNotFound)
	}

	price, err := parsePrice(entry.Price)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("oracle: pool %s: %w: %w: %w", poolID, domain.ErrPriceUnavailable, domain.ErrMalformedPayload, err)
	}

	o.logger.DebugContext(ctx, "price fetched",
		slog.String("pool", poolID),
		slog.Float64("price", price),
	)
	return domain.PricePoint{PoolID: poolID, Value: price, FetchedAt: o.now().UTC()}, nil
}

func find(pools []poolEntry, id string) (poolEntry, bool) {
	for _, p := range pools {
		if p.ID == id {
			return p, true
		}
	}
	return poolEntry{}, false
}

// parsePrice accepts a JSON number or a numeric string and requires a finite
// positive value.
func parsePrice(raw json.RawMessage) (float64, error) {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return 0, errors.New("price missing")
	}
	s = strings.Trim(s, `"`)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("price %q: %w", s, err)
	}
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, fmt.Errorf("price %v is not a positive number", v)
	}
	return v, nil
}

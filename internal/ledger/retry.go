// Package ledger holds decorators shared by the LedgerGateway
// implementations in its subpackages.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// RetryPolicy bounds retries of idempotent ledger calls.
type RetryPolicy struct {
	Attempts  int           // total attempts, including the first
	BaseDelay time.Duration // delay before the second attempt
	MaxDelay  time.Duration
}

// DefaultRetryPolicy makes three attempts, 1s then 2s apart.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, BaseDelay: time.Second, MaxDelay: 60 * time.Second}

// Backoff returns BaseDelay * 2^retry, capped at MaxDelay.
func (p RetryPolicy) Backoff(retry int) time.Duration {
	if retry < 0 {
		return p.BaseDelay
	}
	if retry > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(1<<retry)
	if d > p.MaxDelay || d <= 0 {
		return p.MaxDelay
	}
	return d
}

// RetryingGateway retries GetBalance and CreateAccount. OpenPosition and
// WithdrawPosition move funds and are passed through untouched.
type RetryingGateway struct {
	next   domain.LedgerGateway
	policy RetryPolicy
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// WithRetry decorates next with policy.
func WithRetry(next domain.LedgerGateway, policy RetryPolicy, logger *slog.Logger) *RetryingGateway {
	if policy.Attempts < 1 {
		policy.Attempts = 1
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy.MaxDelay
	}
	return &RetryingGateway{
		next:   next,
		policy: policy,
		logger: logger.With(slog.String("component", "ledger_retry")),
		sleep:  sleepCtx,
	}
}

// GetBalance implements domain.LedgerGateway.
func (g *RetryingGateway) GetBalance(ctx context.Context, assetID string) (float64, error) {
	var bal float64
	err := g.do(ctx, "get balance", func(ctx context.Context) error {
		var err error
		bal, err = g.next.GetBalance(ctx, assetID)
		return err
	})
	return bal, err
}

// CreateAccount implements domain.LedgerGateway.
func (g *RetryingGateway) CreateAccount(ctx context.Context, assetID string) (string, error) {
	var handle string
	err := g.do(ctx, "create account", func(ctx context.Context) error {
		var err error
		handle, err = g.next.CreateAccount(ctx, assetID)
		return err
	})
	return handle, err
}

// OpenPosition implements domain.LedgerGateway.
func (g *RetryingGateway) OpenPosition(ctx context.Context, lower, upper, amountA, amountB float64) (string, error) {
	return g.next.OpenPosition(ctx, lower, upper, amountA, amountB)
}

// WithdrawPosition implements domain.LedgerGateway.
func (g *RetryingGateway) WithdrawPosition(ctx context.Context, handle string) (bool, error) {
	return g.next.WithdrawPosition(ctx, handle)
}

// AlignRange forwards to next when it implements domain.RangeAligner and
// returns the band unchanged otherwise.
func (g *RetryingGateway) AlignRange(lower, upper float64) (float64, float64, error) {
	if a, ok := g.next.(domain.RangeAligner); ok {
		return a.AlignRange(lower, upper)
	}
	return lower, upper, nil
}

func (g *RetryingGateway) do(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < g.policy.Attempts; attempt++ {
		if attempt > 0 {
			delay := g.policy.Backoff(attempt - 1)
			g.logger.WarnContext(ctx, "retrying ledger call",
				slog.String("op", op),
				slog.Int("attempt", attempt+1),
				slog.Duration("delay", delay),
				slog.String("error", err.Error()),
			)
			if serr := g.sleep(ctx, delay); serr != nil {
				return fmt.Errorf("ledger: %s: %w: %w", op, domain.ErrLedgerOperationFailed, err)
			}
		}
		if err = fn(ctx); err == nil {
			return nil
		}
	}
	return err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Package paper is a simulated LedgerGateway. It keeps balances and positions
// in memory so the engine can run end to end without a chain.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

type position struct {
	lower, upper     float64
	amountA, amountB decimal.Decimal
}

// Ledger is an in-memory wallet holding two assets.
type Ledger struct {
	assetA, assetB string

	mu        sync.Mutex
	balances  map[string]decimal.Decimal
	accounts  map[string]string
	positions map[string]position
	logger    *slog.Logger
}

// New returns a paper ledger funded with the given starting balances.
func New(assetA, assetB string, balanceA, balanceB float64, logger *slog.Logger) *Ledger {
	return &Ledger{
		assetA: assetA,
		assetB: assetB,
		balances: map[string]decimal.Decimal{
			assetA: decimal.NewFromFloat(balanceA),
			assetB: decimal.NewFromFloat(balanceB),
		},
		accounts:  make(map[string]string),
		positions: make(map[string]position),
		logger:    logger.With(slog.String("component", "paper_ledger")),
	}
}

// GetBalance implements domain.LedgerGateway.
func (l *Ledger) GetBalance(ctx context.Context, assetID string) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("paper: get balance: %w: %w", domain.ErrLedgerOperationFailed, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	bal, ok := l.balances[assetID]
	if !ok {
		return 0, fmt.Errorf("paper: get balance %s: %w: unknown asset", assetID, domain.ErrLedgerOperationFailed)
	}
	return bal.InexactFloat64(), nil
}

// CreateAccount implements domain.LedgerGateway.
func (l *Ledger) CreateAccount(ctx context.Context, assetID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("paper: create account: %w: %w", domain.ErrLedgerOperationFailed, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.balances[assetID]; !ok {
		return "", fmt.Errorf("paper: create account %s: %w: unknown asset", assetID, domain.ErrLedgerOperationFailed)
	}
	if h, ok := l.accounts[assetID]; ok {
		return h, nil
	}
	h := "paper-acct-" + assetID
	l.accounts[assetID] = h
	return h, nil
}

// OpenPosition implements domain.LedgerGateway. Both accounts must exist and
// hold enough to cover the deposit.
func (l *Ledger) OpenPosition(ctx context.Context, lower, upper, amountA, amountB float64) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("paper: open position: %w: %w", domain.ErrLedgerOperationFailed, err)
	}
	if !(lower < upper) || amountA < 0 || amountB < 0 {
		return "", fmt.Errorf("paper: open position: %w: %w", domain.ErrLedgerOperationFailed, domain.ErrInvalidInput)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	for _, asset := range []string{l.assetA, l.assetB} {
		if _, ok := l.accounts[asset]; !ok {
			return "", fmt.Errorf("paper: open position: %w: no account for %s", domain.ErrLedgerOperationFailed, asset)
		}
	}

	a := decimal.NewFromFloat(amountA)
	b := decimal.NewFromFloat(amountB)
	if l.balances[l.assetA].LessThan(a) || l.balances[l.assetB].LessThan(b) {
		return "", fmt.Errorf("paper: open position: %w: insufficient balance", domain.ErrLedgerOperationFailed)
	}

	l.balances[l.assetA] = l.balances[l.assetA].Sub(a)
	l.balances[l.assetB] = l.balances[l.assetB].Sub(b)

	handle := "paper-" + uuid.NewString()
	l.positions[handle] = position{lower: lower, upper: upper, amountA: a, amountB: b}

	l.logger.InfoContext(ctx, "paper position opened",
		slog.String("handle", handle),
		slog.String("amount_a", a.String()),
		slog.String("amount_b", b.String()),
	)
	return handle, nil
}

// WithdrawPosition implements domain.LedgerGateway. Deposits are returned
// unchanged; the simulation does not model swaps or fees.
func (l *Ledger) WithdrawPosition(ctx context.Context, handle string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, fmt.Errorf("paper: withdraw position: %w: %w", domain.ErrLedgerOperationFailed, err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[handle]
	if !ok {
		return false, nil
	}
	delete(l.positions, handle)
	l.balances[l.assetA] = l.balances[l.assetA].Add(pos.amountA)
	l.balances[l.assetB] = l.balances[l.assetB].Add(pos.amountB)

	l.logger.InfoContext(ctx, "paper position withdrawn", slog.String("handle", handle))
	return true, nil
}

// OpenPositions returns the number of live simulated positions.
func (l *Ledger) OpenPositions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

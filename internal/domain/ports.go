package domain

import "context"

// PriceOracle fetches the current price of a pool from an external feed.
//
// Implementations wrap every failure with ErrPriceUnavailable. A pool missing
// from the feed additionally wraps ErrPoolNotFound, and an undecodable or
// non-positive price wraps ErrMalformedPayload, so callers can tell the two
// apart from transport failures.
type PriceOracle interface {
	GetPrice(ctx context.Context, poolID string) (PricePoint, error)
}

// LedgerGateway performs balance queries and position lifecycle operations on
// the target chain. Every error wraps ErrLedgerOperationFailed.
type LedgerGateway interface {
	// GetBalance returns the free balance of assetID held by the wallet, in
	// whole-token units.
	GetBalance(ctx context.Context, assetID string) (float64, error)
	// CreateAccount makes sure the wallet can hold and deposit assetID. It is
	// idempotent: calling it for an existing account returns the same handle.
	CreateAccount(ctx context.Context, assetID string) (string, error)
	// OpenPosition deposits the amounts into a new position bounded by
	// [lower, upper] and returns its handle.
	OpenPosition(ctx context.Context, lower, upper, amountA, amountB float64) (string, error)
	// WithdrawPosition removes all liquidity of the position and releases the
	// assets back to the wallet. It returns false when the ledger has no such
	// position (e.g. a retried withdraw that already went through).
	WithdrawPosition(ctx context.Context, handle string) (bool, error)
}

// RangeAligner is implemented by gateways whose ledger can only place bounds
// on a grid. AlignRange returns the band OpenPosition will actually use for
// [lower, upper].
type RangeAligner interface {
	AlignRange(lower, upper float64) (float64, float64, error)
}

// Alerter delivers human-readable notifications. Delivery is best effort.
type Alerter interface {
	Notify(ctx context.Context, event, title, message string) error
}

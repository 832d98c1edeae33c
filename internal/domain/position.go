package domain

import "time"

// PositionStatus tracks whether the managed position is open.
type PositionStatus string

const (
	PositionStatusNone PositionStatus = "none"
	PositionStatusOpen PositionStatus = "open"
)

// Position is the single concentrated-liquidity position managed by an engine.
// When Status is PositionStatusNone every other field is zero and must be
// ignored.
type Position struct {
	Handle     string         `json:"handle,omitempty"` // ledger-side identifier (NFT id, account, ...)
	LowerBound float64        `json:"lower_bound"`
	UpperBound float64        `json:"upper_bound"`
	AmountA    float64        `json:"amount_a"`
	AmountB    float64        `json:"amount_b"`
	Status     PositionStatus `json:"status"`
	OpenedAt   time.Time      `json:"opened_at,omitempty"`
}

// IsOpen reports whether the position is live on the ledger.
func (p Position) IsOpen() bool {
	return p.Status == PositionStatusOpen
}

// Contains reports whether price lies within the position's bounds, inclusive
// at both ends. A position that is not open contains nothing.
func (p Position) Contains(price float64) bool {
	if !p.IsOpen() {
		return false
	}
	return p.LowerBound <= price && price <= p.UpperBound
}

// PriceRange is a symmetric band around a reference price.
type PriceRange struct {
	Lower float64 `json:"lower"`
	Upper float64 `json:"upper"`
}

// Width returns Upper - Lower.
func (r PriceRange) Width() float64 {
	return r.Upper - r.Lower
}

// PricePoint is a single observation from the price feed.
type PricePoint struct {
	PoolID    string    `json:"pool_id"`
	Value     float64   `json:"value"`
	FetchedAt time.Time `json:"fetched_at"`
}

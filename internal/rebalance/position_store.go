package rebalance

import (
	"fmt"
	"time"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// PositionStore holds the single managed position. It is not safe for
// concurrent use: the engine is its only caller and runs one cycle at a time.
// Nothing is persisted, so a restart forgets an open position.
type PositionStore struct {
	pos domain.Position
	now func() time.Time
}

// NewPositionStore returns an empty store.
func NewPositionStore() *PositionStore {
	return &PositionStore{
		pos: domain.Position{Status: domain.PositionStatusNone},
		now: time.Now,
	}
}

// Open records a freshly opened position. It fails with domain.ErrAlreadyOpen
// if a position is already recorded.
func (s *PositionStore) Open(handle string, lower, upper, amountA, amountB float64) (domain.Position, error) {
	if s.pos.IsOpen() {
		return domain.Position{}, fmt.Errorf("rebalance: open %s: %w (holding %s)", handle, domain.ErrAlreadyOpen, s.pos.Handle)
	}
	if !(lower < upper) {
		return domain.Position{}, fmt.Errorf("rebalance: %w: lower bound %v must be below upper bound %v", domain.ErrInvalidInput, lower, upper)
	}
	if amountA < 0 || amountB < 0 {
		return domain.Position{}, fmt.Errorf("rebalance: %w: negative deposit (%v, %v)", domain.ErrInvalidInput, amountA, amountB)
	}

	s.pos = domain.Position{
		Handle:     handle,
		LowerBound: lower,
		UpperBound: upper,
		AmountA:    amountA,
		AmountB:    amountB,
		Status:     domain.PositionStatusOpen,
		OpenedAt:   s.now().UTC(),
	}
	return s.pos, nil
}

// Withdraw clears the position. It returns false, without error, when there
// was nothing to clear.
func (s *PositionStore) Withdraw() bool {
	if !s.pos.IsOpen() {
		return false
	}
	s.pos = domain.Position{Status: domain.PositionStatusNone}
	return true
}

// IsInRange reports whether price lies within the open position's bounds,
// inclusive. It is always false when no position is open.
func (s *PositionStore) IsInRange(price float64) bool {
	return s.pos.Contains(price)
}

// Current returns a copy of the position and whether it is open.
func (s *PositionStore) Current() (domain.Position, bool) {
	return s.pos, s.pos.IsOpen()
}

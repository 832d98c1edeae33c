package rebalance

import (
	"fmt"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// AllocationPolicy decides how much of the free balances goes into a new
// position.
type AllocationPolicy interface {
	Allocate(balanceA, balanceB float64) (amountA, amountB float64)
}

// SplitPolicy deposits a fixed fraction of each balance.
type SplitPolicy struct {
	FractionA float64
	FractionB float64
}

// DefaultSplit deposits half of each balance.
var DefaultSplit = SplitPolicy{FractionA: 0.5, FractionB: 0.5}

// NewSplitPolicy validates both fractions lie in (0, 1].
func NewSplitPolicy(fractionA, fractionB float64) (SplitPolicy, error) {
	for _, f := range []float64{fractionA, fractionB} {
		if !(f > 0 && f <= 1) {
			return SplitPolicy{}, fmt.Errorf("rebalance: %w: allocation fraction must be in (0, 1], got %v", domain.ErrInvalidInput, f)
		}
	}
	return SplitPolicy{FractionA: fractionA, FractionB: fractionB}, nil
}

// Allocate implements AllocationPolicy. Negative balances allocate nothing.
func (p SplitPolicy) Allocate(balanceA, balanceB float64) (float64, float64) {
	return max(balanceA, 0) * p.FractionA, max(balanceB, 0) * p.FractionB
}

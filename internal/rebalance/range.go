// Package rebalance implements the single-position rebalancing loop: the
// range calculator, the in-memory position store, deposit allocation and the
// engine that drives withdraw/reopen sequences against a ledger.
package rebalance

import (
	"fmt"
	"math"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// CalculateRange returns the symmetric band of widthPercent around price.
// widthPercent must lie in (0, 100) so the lower bound stays positive.
func CalculateRange(price, widthPercent float64) (domain.PriceRange, error) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return domain.PriceRange{}, fmt.Errorf("rebalance: %w: price must be positive, got %v", domain.ErrInvalidInput, price)
	}
	if err := ValidateWidth(widthPercent); err != nil {
		return domain.PriceRange{}, err
	}

	factor := widthPercent / 100
	return domain.PriceRange{
		Lower: price * (1 - factor),
		Upper: price * (1 + factor),
	}, nil
}

// ValidateWidth checks a range width percentage.
func ValidateWidth(widthPercent float64) error {
	if !(widthPercent > 0 && widthPercent < 100) {
		return fmt.Errorf("rebalance: %w: range width must be in (0, 100), got %v", domain.ErrInvalidInput, widthPercent)
	}
	return nil
}

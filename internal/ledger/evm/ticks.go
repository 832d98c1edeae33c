package evm

import (
	"fmt"
	"math"
	"math/big"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

const (
	minTick = -887272
	maxTick = 887272
)

var logBase = math.Log(1.0001)

// pair describes the pool's tokens in the pool's own order (token0 sorts
// below token1). Prices handed to the gateway are quoted as asset B per asset
// A; when A is token1 they are inverted.
type pair struct {
	decimals0, decimals1 int
	inverted             bool
	tickSpacing          int
}

// priceToTick converts a human price of token0 in token1 to the nearest tick
// at or below it. A price within float error of a tick maps to that tick, so
// prices from tickToPrice round-trip.
func (p pair) priceToTick(price float64) int {
	raw := price * math.Pow10(p.decimals1-p.decimals0)
	t := math.Log(raw) / logBase
	if r := math.Round(t); math.Abs(t-r) < 1e-6 {
		return int(r)
	}
	return int(math.Floor(t))
}

// tickToPrice is the inverse of priceToTick, in human units.
func (p pair) tickToPrice(tick int) float64 {
	return math.Pow(1.0001, float64(tick)) / math.Pow10(p.decimals1-p.decimals0)
}

// ticks maps a [lower, upper] band quoted as B per A onto aligned pool ticks.
// The lower tick rounds down and the upper tick rounds up so the band never
// shrinks.
func (p pair) ticks(lower, upper float64) (int, int, error) {
	if !(lower > 0 && lower < upper) || math.IsInf(upper, 0) {
		return 0, 0, fmt.Errorf("evm: %w: bad price band [%v, %v]", domain.ErrInvalidInput, lower, upper)
	}
	if p.tickSpacing <= 0 {
		return 0, 0, fmt.Errorf("evm: %w: tick spacing must be positive", domain.ErrInvalidInput)
	}
	if p.inverted {
		lower, upper = 1/upper, 1/lower
	}

	lo := floorTo(p.priceToTick(lower), p.tickSpacing)
	hi := ceilTo(p.priceToTick(upper), p.tickSpacing)
	if hi == lo {
		hi += p.tickSpacing
	}

	minAligned := ceilTo(minTick, p.tickSpacing)
	maxAligned := floorTo(maxTick, p.tickSpacing)
	lo = max(lo, minAligned)
	hi = min(hi, maxAligned)
	if lo >= hi {
		return 0, 0, fmt.Errorf("evm: %w: band [%v, %v] outside the tick range", domain.ErrInvalidInput, lower, upper)
	}
	return lo, hi, nil
}

// order returns amounts as (amount0, amount1).
func (p pair) order(amountA, amountB float64) (float64, float64) {
	if p.inverted {
		return amountB, amountA
	}
	return amountA, amountB
}

func floorTo(tick, spacing int) int {
	q := tick / spacing
	if tick%spacing != 0 && tick < 0 {
		q--
	}
	return q * spacing
}

func ceilTo(tick, spacing int) int {
	q := tick / spacing
	if tick%spacing != 0 && tick > 0 {
		q++
	}
	return q * spacing
}

// band returns the prices, quoted as B per A, of the aligned ticks that
// ticks picks for [lower, upper].
func (p pair) band(lower, upper float64) (float64, float64, error) {
	lo, hi, err := p.ticks(lower, upper)
	if err != nil {
		return 0, 0, err
	}
	pl, pu := p.tickToPrice(lo), p.tickToPrice(hi)
	if p.inverted {
		return 1 / pu, 1 / pl, nil
	}
	return pl, pu, nil
}

// spotPrice converts a slot0 sqrtPriceX96 to a human price quoted as B per A.
func (p pair) spotPrice(sqrtPriceX96 *big.Int) (float64, error) {
	if sqrtPriceX96 == nil || sqrtPriceX96.Sign() <= 0 {
		return 0, fmt.Errorf("%w: sqrtPriceX96 must be positive", domain.ErrMalformedPayload)
	}
	ratio := new(big.Float).Quo(new(big.Float).SetInt(sqrtPriceX96), q96)
	raw, _ := new(big.Float).Mul(ratio, ratio).Float64()
	price := raw * math.Pow10(p.decimals0-p.decimals1)
	if p.inverted {
		price = 1 / price
	}
	if !(price > 0) || math.IsInf(price, 0) {
		return 0, fmt.Errorf("%w: pool price %v out of range", domain.ErrMalformedPayload, price)
	}
	return price, nil
}

package evm

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// PoolOracle implements domain.PriceOracle by reading slot0 of the pool the
// gateway mints into, so ranges are computed from the same price the chain
// uses.
type PoolOracle struct {
	g      *Gateway
	pool   common.Address
	logger *slog.Logger
	now    func() time.Time
}

// PoolOracle binds an oracle to the pool at poolAddr. It fails with
// domain.ErrInvalidInput when the pool does not trade the gateway's token
// pair at its fee tier.
func (g *Gateway) PoolOracle(ctx context.Context, poolAddr string) (*PoolOracle, error) {
	if !common.IsHexAddress(poolAddr) {
		return nil, fmt.Errorf("evm: %w: pool address %q", domain.ErrInvalidInput, poolAddr)
	}
	pool := common.HexToAddress(poolAddr)

	var token0, token1 common.Address
	if err := g.call(ctx, pool, poolABI, &token0, "token0"); err != nil {
		return nil, fmt.Errorf("evm: pool %s: %w", pool.Hex(), err)
	}
	if err := g.call(ctx, pool, poolABI, &token1, "token1"); err != nil {
		return nil, fmt.Errorf("evm: pool %s: %w", pool.Hex(), err)
	}
	out, err := g.callRaw(ctx, pool, poolABI, "fee")
	if err != nil {
		return nil, fmt.Errorf("evm: pool %s: %w", pool.Hex(), err)
	}
	fee, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("evm: pool %s: unexpected fee() output", pool.Hex())
	}
	if token0 != g.token0 || token1 != g.token1 || fee.Cmp(g.fee) != 0 {
		return nil, fmt.Errorf("evm: %w: pool %s trades %s/%s fee %v, want %s/%s fee %v",
			domain.ErrInvalidInput, pool.Hex(),
			token0.Hex(), token1.Hex(), fee, g.token0.Hex(), g.token1.Hex(), g.fee)
	}

	return &PoolOracle{
		g:      g,
		pool:   pool,
		logger: g.logger.With(slog.String("pool_address", pool.Hex())),
		now:    time.Now,
	}, nil
}

// GetPrice implements domain.PriceOracle. poolID must be the bound pool's
// address.
func (o *PoolOracle) GetPrice(ctx context.Context, poolID string) (domain.PricePoint, error) {
	if !common.IsHexAddress(poolID) || common.HexToAddress(poolID) != o.pool {
		return domain.PricePoint{}, fmt.Errorf("evm: pool %s: %w: %w", poolID, domain.ErrPriceUnavailable, domain.ErrPoolNotFound)
	}

	out, err := o.g.callRaw(ctx, o.pool, poolABI, "slot0")
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("evm: slot0 %s: %w: %w", poolID, domain.ErrPriceUnavailable, err)
	}
	sqrtPrice, _ := out[0].(*big.Int)
	price, err := o.g.pair.spotPrice(sqrtPrice)
	if err != nil {
		return domain.PricePoint{}, fmt.Errorf("evm: slot0 %s: %w: %w", poolID, domain.ErrPriceUnavailable, err)
	}

	o.logger.DebugContext(ctx, "pool price read", slog.Float64("price", price))
	return domain.PricePoint{
		PoolID:    strings.TrimSpace(poolID),
		Value:     price,
		FetchedAt: o.now().UTC(),
	}, nil
}

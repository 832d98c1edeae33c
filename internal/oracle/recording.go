package oracle

import (
	"context"
	"log/slog"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// RecordingOracle mirrors every fetched price into a PriceCache so observers
// (the status API, other processes) can read it without hitting the feed.
type RecordingOracle struct {
	next   domain.PriceOracle
	cache  domain.PriceCache
	logger *slog.Logger
}

// NewRecordingOracle wraps next.
func NewRecordingOracle(next domain.PriceOracle, cache domain.PriceCache, logger *slog.Logger) *RecordingOracle {
	return &RecordingOracle{
		next:   next,
		cache:  cache,
		logger: logger.With(slog.String("component", "price_recorder")),
	}
}

// GetPrice implements domain.PriceOracle. Cache write failures are logged
// and do not affect the result.
func (o *RecordingOracle) GetPrice(ctx context.Context, poolID string) (domain.PricePoint, error) {
	point, err := o.next.GetPrice(ctx, poolID)
	if err != nil {
		return point, err
	}
	if err := o.cache.SetPrice(ctx, point); err != nil {
		o.logger.WarnContext(ctx, "price cache write failed",
			slog.String("pool", poolID),
			slog.String("error", err.Error()),
		)
	}
	return point, nil
}

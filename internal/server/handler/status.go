package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/clmmbot/internal/domain"
	"github.com/alanyoungcy/clmmbot/internal/rebalance"
)

// EngineView is the read side of the rebalance engine.
type EngineView interface {
	Snapshot() rebalance.Snapshot
}

// StatusHandler serves the engine state for the dashboard.
type StatusHandler struct {
	mode   string
	engine EngineView
	prices domain.PriceCache
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. prices may be nil.
func NewStatusHandler(mode string, engine EngineView, prices domain.PriceCache, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{mode: mode, engine: engine, prices: prices, logger: logger}
}

type statusResponse struct {
	Mode   string             `json:"mode"`
	Engine rebalance.Snapshot `json:"engine"`
	Price  *domain.PricePoint `json:"price,omitempty"`
}

// GetStatus responds with the engine snapshot and the last mirrored price.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	resp := statusResponse{Mode: h.mode, Engine: snap}

	if h.prices != nil {
		point, err := h.prices.GetPrice(r.Context(), snap.PoolID)
		switch {
		case err == nil:
			resp.Price = &point
		case !errors.Is(err, domain.ErrNotFound):
			h.logger.WarnContext(r.Context(), "handler: cached price lookup failed",
				slog.String("pool", snap.PoolID),
				slog.String("error", err.Error()),
			)
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

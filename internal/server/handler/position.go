package handler

import (
	"net/http"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// PositionHandler serves the managed position.
type PositionHandler struct {
	engine EngineView
}

// NewPositionHandler creates a PositionHandler.
func NewPositionHandler(engine EngineView) *PositionHandler {
	return &PositionHandler{engine: engine}
}

type positionResponse struct {
	PoolID   string          `json:"pool_id"`
	Position domain.Position `json:"position"`
	InRange  *bool           `json:"in_range,omitempty"`
}

// GetPosition returns the held position and, when a price has been seen,
// whether that price was inside it.
// GET /api/position
func (h *PositionHandler) GetPosition(w http.ResponseWriter, r *http.Request) {
	snap := h.engine.Snapshot()
	resp := positionResponse{PoolID: snap.PoolID, Position: snap.Position}
	if snap.LastReport != nil && snap.LastReport.Price > 0 && snap.Position.IsOpen() {
		in := snap.Position.Contains(snap.LastReport.Price)
		resp.InRange = &in
	}
	writeJSON(w, http.StatusOK, resp)
}

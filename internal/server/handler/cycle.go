package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// CycleHandler serves engine cycle history.
type CycleHandler struct {
	cycles domain.CycleStore
	poolID string
	logger *slog.Logger
}

// NewCycleHandler creates a CycleHandler for poolID.
func NewCycleHandler(cycles domain.CycleStore, poolID string, logger *slog.Logger) *CycleHandler {
	return &CycleHandler{cycles: cycles, poolID: poolID, logger: logger}
}

type listCyclesResponse struct {
	Cycles []domain.CycleReport `json:"cycles"`
}

// ListCycles returns recent cycles, newest first.
// GET /api/cycles?limit=50&offset=0&since=...&until=...
func (h *CycleHandler) ListCycles(w http.ResponseWriter, r *http.Request) {
	cycles, err := h.cycles.ListRecent(r.Context(), h.poolID, parseListOpts(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list cycles failed",
			slog.String("pool", h.poolID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}

	if cycles == nil {
		cycles = []domain.CycleReport{}
	}
	writeJSON(w, http.StatusOK, listCyclesResponse{Cycles: cycles})
}

package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
)

// DiscrepancyReporter lists offers with stock taken but no claim recorded.
type DiscrepancyReporter interface {
	Report(ctx context.Context) ([]model.StockDiscrepancy, error)
}

type AdminHandler struct {
	reporter DiscrepancyReporter
	logger   *slog.Logger
}

func NewAdminHandler(reporter DiscrepancyReporter, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{reporter: reporter, logger: logger}
}

type reconciliationResponse struct {
	Offers        []model.StockDiscrepancy `json:"offers"`
	OrphanedUnits int                      `json:"orphaned_units"`
}

func (h *AdminHandler) Reconciliation(w http.ResponseWriter, r *http.Request) {
	ds, err := h.reporter.Report(r.Context())
	if err != nil {
		writeError(w, h.logger, apperr.E(apperr.KindUpstreamUnavailable, "reconciliation report", err))
		return
	}
	if ds == nil {
		ds = []model.StockDiscrepancy{}
	}
	total := 0
	for _, d := range ds {
		total += d.OrphanedUnits
	}
	writeJSON(w, http.StatusOK, reconciliationResponse{Offers: ds, OrphanedUnits: total})
}

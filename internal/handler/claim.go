package handler

import (
	"log/slog"
	"net/http"

	"github.com/dukerupert/perkdrop/internal/claim"
)

type ClaimHandler struct {
	coordinator *claim.Coordinator
	finalizer   *claim.Finalizer
	logger      *slog.Logger
}

func NewClaimHandler(coordinator *claim.Coordinator, finalizer *claim.Finalizer, logger *slog.Logger) *ClaimHandler {
	return &ClaimHandler{coordinator: coordinator, finalizer: finalizer, logger: logger}
}

func (h *ClaimHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req claim.Request
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}

	res, err := h.coordinator.Claim(r.Context(), req)
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *ClaimHandler) Get(w http.ResponseWriter, r *http.Request) {
	c, err := h.finalizer.Lookup(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *ClaimHandler) Redeem(w http.ResponseWriter, r *http.Request) {
	if err := h.finalizer.Redeem(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"redeemed": true})
}

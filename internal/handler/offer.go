package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/proximity"
	"github.com/dukerupert/perkdrop/internal/websocket"
)

// OfferStore is what the offer endpoints read and write.
type OfferStore interface {
	Create(ctx context.Context, in model.NewOffer) (*model.Offer, error)
	GetByID(ctx context.Context, id string) (*model.Offer, error)
}

type OfferHandler struct {
	selector *proximity.Selector
	offers   OfferStore
	hub      *websocket.Hub
	logger   *slog.Logger
	now      func() time.Time
}

func NewOfferHandler(selector *proximity.Selector, offers OfferStore, hub *websocket.Hub, logger *slog.Logger) *OfferHandler {
	return &OfferHandler{selector: selector, offers: offers, hub: hub, logger: logger, now: time.Now}
}

type selectResponse struct {
	Available bool             `json:"available"`
	Offer     *model.OfferView `json:"offer,omitempty"`
	Message   string           `json:"message,omitempty"`
}

// Select draws one offer for the zip in the query string.
func (h *OfferHandler) Select(w http.ResponseWriter, r *http.Request) {
	sel, err := h.selector.Select(r.Context(), r.URL.Query().Get("zip"))
	if err != nil {
		writeError(w, h.logger, err)
		return
	}
	if !sel.Available {
		writeJSON(w, http.StatusOK, selectResponse{Available: false, Message: apperr.NoOffersMessage})
		return
	}
	writeJSON(w, http.StatusOK, selectResponse{Available: true, Offer: sel.Offer})
}

type offerResponse struct {
	model.OfferView
	Claimable bool `json:"claimable"`
}

// Get serves a direct link to an offer. Terminal offers are still returned
// so the page can say the offer is gone.
func (h *OfferHandler) Get(w http.ResponseWriter, r *http.Request) {
	o, err := h.offers.GetByID(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, h.logger, apperr.E(apperr.KindUpstreamUnavailable, "get offer", err))
		return
	}
	if o == nil {
		writeError(w, h.logger, apperr.E(apperr.KindNotFound, "get offer", nil))
		return
	}
	writeJSON(w, http.StatusOK, offerResponse{OfferView: o.View(), Claimable: o.Claimable(h.now())})
}

type createOfferRequest struct {
	Quantity     int       `json:"quantity"`
	ExpiresAt    time.Time `json:"expires_at"`
	LocationText string    `json:"location_text"`
	Title        string    `json:"title"`
	Subtitle     string    `json:"subtitle"`
	ImageURL     string    `json:"image_url"`
	MapURL       string    `json:"map_url"`
}

func (req createOfferRequest) validate(now time.Time) error {
	const op = "create offer"
	switch {
	case req.Quantity <= 0:
		return apperr.Invalid(op, "quantity must be at least 1")
	case !req.ExpiresAt.After(now):
		return apperr.Invalid(op, "expires_at must be in the future")
	case strings.TrimSpace(req.Title) == "":
		return apperr.Invalid(op, "title is required")
	}
	if _, ok := proximity.ExtractZip(req.LocationText); !ok {
		return apperr.Invalid(op, "location_text must include a 5-digit zip code")
	}
	return nil
}

// Create adds an offer on behalf of a business.
func (h *OfferHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, h.logger, err)
		return
	}
	if err := req.validate(h.now()); err != nil {
		writeError(w, h.logger, err)
		return
	}

	o, err := h.offers.Create(r.Context(), model.NewOffer{
		Quantity:     req.Quantity,
		ExpiresAt:    req.ExpiresAt.UTC(),
		LocationText: strings.TrimSpace(req.LocationText),
		Content: model.OfferContent{
			Title:    strings.TrimSpace(req.Title),
			Subtitle: strings.TrimSpace(req.Subtitle),
			ImageURL: req.ImageURL,
			MapURL:   req.MapURL,
		},
	})
	if err != nil {
		writeError(w, h.logger, apperr.E(apperr.KindUpstreamUnavailable, "create offer", err))
		return
	}

	h.logger.Info("offer created", "offer_id", o.ID, "quantity", o.InitialQuantity)
	if h.hub != nil {
		h.hub.Broadcast(websocket.NewMessage("offer", "created", o.ID, map[string]any{"remaining": o.RemainingQuantity}))
	}
	writeJSON(w, http.StatusCreated, o)
}

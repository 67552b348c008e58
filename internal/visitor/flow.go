package visitor

import (
	"context"
	"log/slog"
	"strings"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/cooldown"
	"github.com/dukerupert/perkdrop/internal/model"
)

// API is the part of the offers API a visit uses.
type API interface {
	Select(ctx context.Context, zip string) (*SelectResponse, error)
	Claim(ctx context.Context, offerID, contact string) (*ClaimResponse, error)
}

// Outcome is what the visitor ends up with.
type Outcome struct {
	Offer   *model.OfferView
	ClaimID string
	Message string
}

func (o Outcome) Claimed() bool { return o.ClaimID != "" }

type Flow struct {
	api    API
	guard  *cooldown.Guard
	logger *slog.Logger
}

func NewFlow(api API, guard *cooldown.Guard, logger *slog.Logger) *Flow {
	return &Flow{api: api, guard: guard, logger: logger}
}

// Run performs one visit for zip. With an empty contact the visitor only
// previews the drawn offer; otherwise the offer is claimed and the cooldown
// starts. A visitor inside the cooldown window gets a CoolingDown error and
// no offer is drawn.
func (f *Flow) Run(ctx context.Context, zip, contact string) (Outcome, error) {
	visit := f.guard.Enter(ctx)

	var sel *SelectResponse
	err := f.guard.Admit(ctx, visit, func(ctx context.Context) error {
		var err error
		sel, err = f.api.Select(ctx, zip)
		return err
	})
	if err != nil {
		return Outcome{}, err
	}

	if !sel.Available || sel.Offer == nil {
		msg := sel.Message
		if msg == "" {
			msg = apperr.NoOffersMessage
		}
		return Outcome{Message: msg}, nil
	}

	if strings.TrimSpace(contact) == "" {
		return Outcome{Offer: sel.Offer}, nil
	}

	res, err := f.api.Claim(ctx, sel.Offer.ID, contact)
	if err != nil {
		return Outcome{Offer: sel.Offer}, err
	}

	if err := f.guard.Record(visit); err != nil {
		f.logger.Warn("could not save cooldown mark", "key", visit.Key, "error", err)
	}
	f.logger.Debug("offer claimed", "offer_id", sel.Offer.ID, "claim_id", res.ClaimID, "cooldown_key", visit.Key)

	view := *sel.Offer
	view.Content = res.Offer
	return Outcome{Offer: &view, ClaimID: res.ClaimID}, nil
}

package claim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/websocket"
)

// Finalizer marks claims redeemed when the visitor shows up at the business.
type Finalizer struct {
	claims ClaimStore
	hub    Broadcaster
	logger *slog.Logger
	now    func() time.Time
}

func NewFinalizer(claims ClaimStore, hub Broadcaster, logger *slog.Logger) *Finalizer {
	return &Finalizer{
		claims: claims,
		hub:    hub,
		logger: logger,
		now:    time.Now,
	}
}

// Redeem moves a claim from CLAIMED to REDEEMED. A claim is redeemed at most
// once; a second attempt returns AlreadyRedeemed and leaves the original
// redemption time untouched.
func (f *Finalizer) Redeem(ctx context.Context, claimID string) error {
	const op = "redeem claim"

	claimID = strings.TrimSpace(claimID)
	if claimID == "" {
		return apperr.Invalid(op, "claim id is required")
	}

	ok, err := f.claims.Redeem(ctx, claimID, f.now())
	if err != nil {
		return apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	if ok {
		f.logger.Info("claim redeemed", "claim_id", claimID)
		if f.hub != nil {
			f.hub.Broadcast(websocket.NewMessage("claim", "redeemed", claimID, nil))
		}
		return nil
	}

	existing, err := f.claims.GetByID(ctx, claimID)
	if err != nil {
		return apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	if existing == nil {
		return apperr.E(apperr.KindNotFound, op, fmt.Errorf("claim %q", claimID))
	}
	return apperr.E(apperr.KindAlreadyRedeemed, op, fmt.Errorf("claim %q", claimID))
}

// Lookup returns a claim for verification at the counter.
func (f *Finalizer) Lookup(ctx context.Context, claimID string) (*model.Claim, error) {
	const op = "lookup claim"

	c, err := f.claims.GetByID(ctx, strings.TrimSpace(claimID))
	if err != nil {
		return nil, apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	if c == nil {
		return nil, apperr.E(apperr.KindNotFound, op, fmt.Errorf("claim %q", claimID))
	}
	return c, nil
}

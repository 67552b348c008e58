// Package claim turns a visitor's request into exactly one unit of stock and
// one persisted claim, and later marks that claim redeemed at the counter.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/websocket"
)

const notifyTimeout = 15 * time.Second

// OfferStore is the part of the offer store a claim needs. Implemented by
// store.OfferStore and pgstore.OfferStore.
type OfferStore interface {
	GetByID(ctx context.Context, id string) (*model.Offer, error)
	DecrementIfAvailable(ctx context.Context, id string, now time.Time) (remaining int, ok bool, err error)
}

// ClaimStore persists claims. Implemented by store.ClaimStore and
// pgstore.ClaimStore.
type ClaimStore interface {
	Create(ctx context.Context, c *model.Claim) error
	GetByID(ctx context.Context, id string) (*model.Claim, error)
	Redeem(ctx context.Context, id string, at time.Time) (bool, error)
}

// Broadcaster receives live events. *websocket.Hub satisfies it.
type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

// Notifier delivers the claim code to the visitor. Delivery is best effort.
type Notifier interface {
	SendClaimCode(ctx context.Context, c model.Claim) error
}

type Request struct {
	OfferID       string `json:"offer_id"`
	ContactHandle string `json:"contact_handle"`
}

type Result struct {
	ClaimID string             `json:"claim_id"`
	Offer   model.OfferContent `json:"offer"`
}

type Coordinator struct {
	offers   OfferStore
	claims   ClaimStore
	hub      Broadcaster
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	notifying sync.WaitGroup
}

// NewCoordinator creates a Coordinator. hub and notifier may be nil.
func NewCoordinator(offers OfferStore, claims ClaimStore, hub Broadcaster, notifier Notifier, logger *slog.Logger) *Coordinator {
	return &Coordinator{
		offers:   offers,
		claims:   claims,
		hub:      hub,
		notifier: notifier,
		logger:   logger,
		now:      time.Now,
	}
}

// Claim takes one unit of the offer for the visitor and records the claim.
//
// Stock is taken first and never given back. If the claim cannot be
// recorded afterwards the unit stays consumed, the case is logged for
// reconciliation and the caller gets UpstreamUnavailable.
func (c *Coordinator) Claim(ctx context.Context, req Request) (*Result, error) {
	const op = "claim offer"

	offer, err := c.offers.GetByID(ctx, req.OfferID)
	if err != nil {
		return nil, apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	if offer == nil {
		return nil, apperr.E(apperr.KindNotFound, op, fmt.Errorf("offer %q", req.OfferID))
	}

	now := c.now()
	if !offer.Claimable(now) {
		return nil, apperr.E(apperr.KindOutOfStock, op, fmt.Errorf("offer %q", offer.ID))
	}

	contact := strings.TrimSpace(req.ContactHandle)
	if contact == "" {
		return nil, apperr.Invalid(op, "contact handle is required")
	}

	// Past this point a disconnecting visitor must not abandon a half-done
	// claim, so both phases run detached from the request's cancellation.
	storeCtx := context.WithoutCancel(ctx)

	remaining, ok, err := c.offers.DecrementIfAvailable(storeCtx, offer.ID, now)
	if err != nil {
		return nil, apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}
	if !ok {
		return nil, apperr.E(apperr.KindOutOfStock, op, fmt.Errorf("offer %q", offer.ID))
	}

	claim := model.Claim{
		ID:            model.ClaimID(offer.ID, now, remaining),
		OfferID:       offer.ID,
		ContactHandle: contact,
		Content:       offer.Content,
		State:         model.ClaimStateClaimed,
		ClaimedAt:     now,
	}
	if err := c.claims.Create(storeCtx, &claim); err != nil {
		c.logger.Error("claim not recorded after stock was taken",
			"offer_id", offer.ID,
			"claim_id", claim.ID,
			"remaining", remaining,
			"error", err,
		)
		c.broadcast(websocket.NewMessage("offer", "orphaned", offer.ID, map[string]any{
			"claim_id":  claim.ID,
			"remaining": remaining,
		}))
		return nil, apperr.E(apperr.KindUpstreamUnavailable, op, fmt.Errorf("record claim: %w", err))
	}

	c.logger.Info("offer claimed", "offer_id", offer.ID, "claim_id", claim.ID, "remaining", remaining)
	c.broadcast(websocket.NewMessage("offer", "claimed", offer.ID, map[string]any{
		"claim_id":  claim.ID,
		"remaining": remaining,
	}))
	c.notify(storeCtx, claim)

	return &Result{ClaimID: claim.ID, Offer: claim.Content}, nil
}

// Wait blocks until in-flight claim notifications finish.
func (c *Coordinator) Wait() {
	c.notifying.Wait()
}

func (c *Coordinator) notify(ctx context.Context, claim model.Claim) {
	if c.notifier == nil {
		return
	}
	c.notifying.Add(1)
	go func() {
		defer c.notifying.Done()
		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()
		if err := c.notifier.SendClaimCode(ctx, claim); err != nil {
			c.logger.Warn("claim notification failed", "claim_id", claim.ID, "error", err)
		}
	}()
}

func (c *Coordinator) broadcast(msg websocket.Message) {
	if c.hub != nil {
		c.hub.Broadcast(msg)
	}
}

package model

import "time"

// OfferContent is the display payload of an offer. The claim subsystem
// passes it through unchanged.
type OfferContent struct {
	Title    string `json:"title"`
	Subtitle string `json:"subtitle"`
	ImageURL string `json:"image_url"`
	MapURL   string `json:"map_url"`
}

type Offer struct {
	ID                string       `json:"id"`
	InitialQuantity   int          `json:"initial_quantity"`
	RemainingQuantity int          `json:"remaining_quantity"`
	ExpiresAt         time.Time    `json:"expires_at"`
	LocationText      string       `json:"location_text"`
	Content           OfferContent `json:"content"`
	CreatedAt         time.Time    `json:"created_at"`
}

// Claimable reports whether the offer still has stock and has not expired
// at now. Offers that are not claimable are terminal.
func (o *Offer) Claimable(now time.Time) bool {
	return o.RemainingQuantity > 0 && now.Before(o.ExpiresAt)
}

// NewOffer is the input for creating an offer.
type NewOffer struct {
	Quantity     int
	ExpiresAt    time.Time
	LocationText string
	Content      OfferContent
}

// OfferView is what visitors see: content and identity, no stock internals.
type OfferView struct {
	ID           string       `json:"id"`
	ExpiresAt    time.Time    `json:"expires_at"`
	LocationText string       `json:"location_text"`
	Content      OfferContent `json:"content"`
}

func (o *Offer) View() OfferView {
	return OfferView{
		ID:           o.ID,
		ExpiresAt:    o.ExpiresAt,
		LocationText: o.LocationText,
		Content:      o.Content,
	}
}

// StockDiscrepancy describes an offer whose consumed stock is not matched by
// claim records, i.e. units decremented without a claim being written.
type StockDiscrepancy struct {
	OfferID         string `json:"offer_id"`
	InitialQuantity int    `json:"initial_quantity"`
	Remaining       int    `json:"remaining_quantity"`
	ClaimCount      int    `json:"claim_count"`
	OrphanedUnits   int    `json:"orphaned_units"`
}

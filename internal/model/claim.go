package model

import (
	"fmt"
	"time"
)

type ClaimState string

const (
	ClaimStateClaimed  ClaimState = "CLAIMED"
	ClaimStateRedeemed ClaimState = "REDEEMED"
)

type Claim struct {
	ID            string       `json:"id"`
	OfferID       string       `json:"offer_id"`
	ContactHandle string       `json:"contact_handle"`
	Content       OfferContent `json:"content"`
	State         ClaimState   `json:"state"`
	ClaimedAt     time.Time    `json:"claimed_at"`
	RedeemedAt    *time.Time   `json:"redeemed_at,omitempty"`
}

// ClaimID derives a claim identifier from the offer, the claim time and the
// stock remaining right after this claim's decrement. The atomic decrement
// hands out each remaining value once per offer, so the id is unique
// without a coordination step even when two claims share a timestamp.
func ClaimID(offerID string, claimedAt time.Time, remainingAfter int) string {
	return fmt.Sprintf("%s-%d-%d", offerID, claimedAt.UnixMilli(), remainingAfter)
}

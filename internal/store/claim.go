package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/perkdrop/internal/model"
)

type ClaimStore struct {
	db *sql.DB
}

func NewClaimStore(db *sql.DB) *ClaimStore {
	return &ClaimStore{db: db}
}

func scanClaim(scanner interface{ Scan(...any) error }) (*model.Claim, error) {
	var c model.Claim
	var state string
	var claimedAt int64
	var redeemedAt sql.NullInt64

	err := scanner.Scan(
		&c.ID, &c.OfferID, &c.ContactHandle,
		&c.Content.Title, &c.Content.Subtitle, &c.Content.ImageURL, &c.Content.MapURL,
		&state, &claimedAt, &redeemedAt,
	)
	if err != nil {
		return nil, err
	}

	c.State = model.ClaimState(state)
	c.ClaimedAt = fromMillis(claimedAt)
	if redeemedAt.Valid {
		t := fromMillis(redeemedAt.Int64)
		c.RedeemedAt = &t
	}
	return &c, nil
}

const claimCols = `id, offer_id, contact_handle, title, subtitle, image_url, map_url, state, claimed_at, redeemed_at`

// Create inserts a claim under its caller-supplied id.
func (s *ClaimStore) Create(ctx context.Context, c *model.Claim) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO claims (`+claimCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		c.ID, c.OfferID, c.ContactHandle,
		c.Content.Title, c.Content.Subtitle, c.Content.ImageURL, c.Content.MapURL,
		string(model.ClaimStateClaimed), toMillis(c.ClaimedAt),
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

// GetByID returns the claim, or nil if it does not exist.
func (s *ClaimStore) GetByID(ctx context.Context, id string) (*model.Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimCols+` FROM claims WHERE id = ?`, id)
	c, err := scanClaim(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

// Redeem moves a CLAIMED claim to REDEEMED. It reports false when no claim
// in the CLAIMED state has that id.
func (s *ClaimStore) Redeem(ctx context.Context, id string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE claims SET state = ?, redeemed_at = ? WHERE id = ? AND state = ?`,
		string(model.ClaimStateRedeemed), toMillis(at), id, string(model.ClaimStateClaimed),
	)
	if err != nil {
		return false, fmt.Errorf("redeem claim: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n == 1, nil
}

// ListByOffer returns an offer's claims, oldest first.
func (s *ClaimStore) ListByOffer(ctx context.Context, offerID string) ([]model.Claim, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+claimCols+` FROM claims WHERE offer_id = ? ORDER BY claimed_at ASC, id ASC`,
		offerID,
	)
	if err != nil {
		return nil, fmt.Errorf("list claims by offer: %w", err)
	}
	defer rows.Close()

	var claims []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claim: %w", err)
		}
		claims = append(claims, *c)
	}
	return claims, rows.Err()
}

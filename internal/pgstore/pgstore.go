// Package pgstore implements the offer and claim stores on PostgreSQL for
// deployments where claims are served by more than one process. Stock is
// only ever changed by a single conditional UPDATE, so concurrent instances
// coordinate through row-level atomicity rather than in-process locks.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type OfferStore struct {
	db *pgxpool.Pool
}

func NewOfferStore(db *pgxpool.Pool) *OfferStore {
	return &OfferStore{db: db}
}

const offerCols = `id, initial_quantity, remaining_quantity, expires_at, location_text, title, subtitle, image_url, map_url, created_at`

func scanOffer(row pgx.Row) (*model.Offer, error) {
	var o model.Offer
	err := row.Scan(
		&o.ID, &o.InitialQuantity, &o.RemainingQuantity, &o.ExpiresAt, &o.LocationText,
		&o.Content.Title, &o.Content.Subtitle, &o.Content.ImageURL, &o.Content.MapURL, &o.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	o.ExpiresAt = o.ExpiresAt.UTC()
	o.CreatedAt = o.CreatedAt.UTC()
	return &o, nil
}

func (r *OfferStore) Create(ctx context.Context, in model.NewOffer) (*model.Offer, error) {
	id := uuid.NewString()
	_, err := r.db.Exec(ctx,
		`INSERT INTO offers (`+offerCols+`)
		 VALUES ($1, $2, $2, $3, $4, $5, $6, $7, $8, $9)`,
		id, in.Quantity, in.ExpiresAt, in.LocationText,
		in.Content.Title, in.Content.Subtitle, in.Content.ImageURL, in.Content.MapURL, time.Now().UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("insert offer: %w", err)
	}
	return r.GetByID(ctx, id)
}

// GetByID returns the offer, or nil if it does not exist.
func (r *OfferStore) GetByID(ctx context.Context, id string) (*model.Offer, error) {
	o, err := scanOffer(r.db.QueryRow(ctx, `SELECT `+offerCols+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

func (r *OfferStore) ListActive(ctx context.Context, now time.Time) ([]model.Offer, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+offerCols+` FROM offers
		 WHERE remaining_quantity > 0 AND expires_at > $1
		 ORDER BY id ASC`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("list active offers: %w", err)
	}
	defer rows.Close()

	var offers []model.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan offer: %w", err)
		}
		offers = append(offers, *o)
	}
	return offers, rows.Err()
}

// DecrementIfAvailable takes one unit of stock. The WHERE clause is
// re-evaluated against the latest row version under the row lock, so two
// instances racing on the last unit cannot both succeed.
func (r *OfferStore) DecrementIfAvailable(ctx context.Context, id string, now time.Time) (remaining int, ok bool, err error) {
	err = r.db.QueryRow(ctx,
		`UPDATE offers SET remaining_quantity = remaining_quantity - 1
		 WHERE id = $1 AND remaining_quantity > 0 AND expires_at > $2
		 RETURNING remaining_quantity`,
		id, now,
	).Scan(&remaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement offer: %w", err)
	}
	return remaining, true, nil
}

func (r *OfferStore) Discrepancies(ctx context.Context) ([]model.StockDiscrepancy, error) {
	rows, err := r.db.Query(ctx,
		`SELECT o.id, o.initial_quantity, o.remaining_quantity, COUNT(c.id)::int
		 FROM offers o
		 LEFT JOIN claims c ON c.offer_id = o.id
		 GROUP BY o.id, o.initial_quantity, o.remaining_quantity
		 HAVING o.initial_quantity - o.remaining_quantity > COUNT(c.id)
		 ORDER BY o.id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list stock discrepancies: %w", err)
	}
	defer rows.Close()

	var out []model.StockDiscrepancy
	for rows.Next() {
		var d model.StockDiscrepancy
		if err := rows.Scan(&d.OfferID, &d.InitialQuantity, &d.Remaining, &d.ClaimCount); err != nil {
			return nil, fmt.Errorf("scan stock discrepancy: %w", err)
		}
		d.OrphanedUnits = d.InitialQuantity - d.Remaining - d.ClaimCount
		out = append(out, d)
	}
	return out, rows.Err()
}

type ClaimStore struct {
	db *pgxpool.Pool
}

func NewClaimStore(db *pgxpool.Pool) *ClaimStore {
	return &ClaimStore{db: db}
}

const claimCols = `id, offer_id, contact_handle, title, subtitle, image_url, map_url, state, claimed_at, redeemed_at`

func scanClaim(row pgx.Row) (*model.Claim, error) {
	var c model.Claim
	var state string
	err := row.Scan(
		&c.ID, &c.OfferID, &c.ContactHandle,
		&c.Content.Title, &c.Content.Subtitle, &c.Content.ImageURL, &c.Content.MapURL,
		&state, &c.ClaimedAt, &c.RedeemedAt,
	)
	if err != nil {
		return nil, err
	}
	c.State = model.ClaimState(state)
	c.ClaimedAt = c.ClaimedAt.UTC()
	if c.RedeemedAt != nil {
		t := c.RedeemedAt.UTC()
		c.RedeemedAt = &t
	}
	return &c, nil
}

func (r *ClaimStore) Create(ctx context.Context, c *model.Claim) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO claims (`+claimCols+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULL)`,
		c.ID, c.OfferID, c.ContactHandle,
		c.Content.Title, c.Content.Subtitle, c.Content.ImageURL, c.Content.MapURL,
		string(model.ClaimStateClaimed), c.ClaimedAt,
	)
	if err != nil {
		return fmt.Errorf("insert claim: %w", err)
	}
	return nil
}

func (r *ClaimStore) GetByID(ctx context.Context, id string) (*model.Claim, error) {
	c, err := scanClaim(r.db.QueryRow(ctx, `SELECT `+claimCols+` FROM claims WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get claim: %w", err)
	}
	return c, nil
}

func (r *ClaimStore) Redeem(ctx context.Context, id string, at time.Time) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE claims SET state = $1, redeemed_at = $2 WHERE id = $3 AND state = $4`,
		string(model.ClaimStateRedeemed), at, id, string(model.ClaimStateClaimed),
	)
	if err != nil {
		return false, fmt.Errorf("redeem claim: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *ClaimStore) ListByOffer(ctx context.Context, offerID string) ([]model.Claim, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+claimCols+` FROM claims WHERE offer_id = $1 ORDER BY claimed_at ASC, id ASC`,
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

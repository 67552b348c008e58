package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/google/uuid"
)

// OfferStore persists offers in SQLite. Timestamps are stored as unix
// milliseconds so expiry comparisons happen numerically in SQL.
type OfferStore struct {
	db *sql.DB
}

func NewOfferStore(db *sql.DB) *OfferStore {
	return &OfferStore{db: db}
}

func scanOffer(scanner interface{ Scan(...any) error }) (*model.Offer, error) {
	var o model.Offer
	var expiresAt, createdAt int64

	err := scanner.Scan(
		&o.ID, &o.InitialQuantity, &o.RemainingQuantity, &expiresAt, &o.LocationText,
		&o.Content.Title, &o.Content.Subtitle, &o.Content.ImageURL, &o.Content.MapURL, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	o.ExpiresAt = fromMillis(expiresAt)
	o.CreatedAt = fromMillis(createdAt)
	return &o, nil
}

const offerCols = `id, initial_quantity, remaining_quantity, expires_at, location_text, title, subtitle, image_url, map_url, created_at`

func (s *OfferStore) Create(ctx context.Context, in model.NewOffer) (*model.Offer, error) {
	id := uuid.NewString()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO offers (`+offerCols+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Quantity, in.Quantity, toMillis(in.ExpiresAt), in.LocationText,
		in.Content.Title, in.Content.Subtitle, in.Content.ImageURL, in.Content.MapURL, toMillis(time.Now()),
	)
	if err != nil {
		return nil, fmt.Errorf("insert offer: %w", err)
	}
	return s.GetByID(ctx, id)
}

// GetByID returns the offer, or nil if it does not exist.
func (s *OfferStore) GetByID(ctx context.Context, id string) (*model.Offer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+offerCols+` FROM offers WHERE id = ?`, id)
	o, err := scanOffer(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get offer: %w", err)
	}
	return o, nil
}

// ListActive returns offers with stock left that have not expired at now.
func (s *OfferStore) ListActive(ctx context.Context, now time.Time) ([]model.Offer, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+offerCols+` FROM offers
		 WHERE remaining_quantity > 0 AND expires_at > ?
		 ORDER BY id ASC`,
		toMillis(now),
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

// DecrementIfAvailable takes one unit of stock in a single conditional
// UPDATE. ok is false when the offer is missing, exhausted or expired at now;
// remaining is the stock left after this decrement.
func (s *OfferStore) DecrementIfAvailable(ctx context.Context, id string, now time.Time) (remaining int, ok bool, err error) {
	err = s.db.QueryRowContext(ctx,
		`UPDATE offers SET remaining_quantity = remaining_quantity - 1
		 WHERE id = ? AND remaining_quantity > 0 AND expires_at > ?
		 RETURNING remaining_quantity`,
		id, toMillis(now),
	).Scan(&remaining)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("decrement offer: %w", err)
	}
	return remaining, true, nil
}

// Discrepancies returns offers whose consumed stock exceeds their claim
// records.
func (s *OfferStore) Discrepancies(ctx context.Context) ([]model.StockDiscrepancy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT o.id, o.initial_quantity, o.remaining_quantity, COUNT(c.id)
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

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

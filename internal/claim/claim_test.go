package claim

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/database"
	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/store"
	"github.com/dukerupert/perkdrop/internal/websocket"
	"golang.org/x/sync/errgroup"
)

type recordingHub struct {
	mu   sync.Mutex
	msgs []websocket.Message
}

func (h *recordingHub) Broadcast(msg websocket.Message) {
	h.mu.Lock()
	h.msgs = append(h.msgs, msg)
	h.mu.Unlock()
}

func (h *recordingHub) types() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, m := range h.msgs {
		out = append(out, m.Type)
	}
	return out
}

// flakyClaims fails Create while still serving everything else.
type flakyClaims struct {
	ClaimStore
	createErr error
}

func (f *flakyClaims) Create(ctx context.Context, c *model.Claim) error {
	if f.createErr != nil {
		return f.createErr
	}
	return f.ClaimStore.Create(ctx, c)
}

// brokenOffers fails every call.
type brokenOffers struct {
	err        error
	decrements int
}

func (b *brokenOffers) GetByID(context.Context, string) (*model.Offer, error) {
	return nil, b.err
}

func (b *brokenOffers) DecrementIfAvailable(context.Context, string, time.Time) (int, bool, error) {
	b.decrements++
	return 0, false, b.err
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []model.Claim
	err  error
}

func (n *recordingNotifier) SendClaimCode(_ context.Context, c model.Claim) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, c)
	return n.err
}

type testEnv struct {
	offers *store.OfferStore
	claims *store.ClaimStore
	hub    *recordingHub
}

func setup(t *testing.T) testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return testEnv{
		offers: store.NewOfferStore(db),
		claims: store.NewClaimStore(db),
		hub:    &recordingHub{},
	}
}

func (e testEnv) offer(t *testing.T, qty int, expiresAt time.Time) *model.Offer {
	t.Helper()
	o, err := e.offers.Create(context.Background(), model.NewOffer{
		Quantity:     qty,
		ExpiresAt:    expiresAt,
		LocationText: "500 Howard St, San Francisco, CA 94105",
		Content:      model.OfferContent{Title: "Free Coffee", Subtitle: "Any size", MapURL: "https://maps.example.com/cafe"},
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return o
}

func TestClaimSuccess(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 3, time.Now().Add(time.Hour))
	notifier := &recordingNotifier{}
	c := NewCoordinator(env.offers, env.claims, env.hub, notifier, slog.Default())

	res, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "  alice@example.com "})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	c.Wait()

	if res.Offer.Title != "Free Coffee" || res.Offer.MapURL != "https://maps.example.com/cafe" {
		t.Errorf("result content = %+v", res.Offer)
	}

	got, _ := env.offers.GetByID(context.Background(), o.ID)
	if got.RemainingQuantity != 2 {
		t.Errorf("remaining = %d, want 2", got.RemainingQuantity)
	}

	stored, err := env.claims.GetByID(context.Background(), res.ClaimID)
	if err != nil || stored == nil {
		t.Fatalf("stored claim = (%v, %v)", stored, err)
	}
	if stored.ContactHandle != "alice@example.com" {
		t.Errorf("contact = %q, want trimmed handle", stored.ContactHandle)
	}
	if stored.State != model.ClaimStateClaimed {
		t.Errorf("state = %q, want CLAIMED", stored.State)
	}

	if types := env.hub.types(); len(types) != 1 || types[0] != "offer_claimed" {
		t.Errorf("events = %v, want [offer_claimed]", types)
	}
	if len(notifier.sent) != 1 || notifier.sent[0].ID != res.ClaimID {
		t.Errorf("notifications = %+v, want one for %s", notifier.sent, res.ClaimID)
	}
}

func TestClaimPreconditionOrder(t *testing.T) {
	env := setup(t)
	live := env.offer(t, 1, time.Now().Add(time.Hour))
	empty := env.offer(t, 0, time.Now().Add(time.Hour))
	c := NewCoordinator(env.offers, env.claims, nil, nil, slog.Default())

	tests := []struct {
		name    string
		req     Request
		wantErr error
	}{
		{"missing offer wins over blank contact", Request{OfferID: "nope", ContactHandle: ""}, apperr.ErrNotFound},
		{"out of stock wins over blank contact", Request{OfferID: empty.ID, ContactHandle: " "}, apperr.ErrOutOfStock},
		{"blank contact", Request{OfferID: live.ID, ContactHandle: " \t"}, apperr.ErrInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Claim(context.Background(), tt.req)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want %v", err, tt.wantErr)
			}
		})
	}

	got, _ := env.offers.GetByID(context.Background(), live.ID)
	if got.RemainingQuantity != 1 {
		t.Errorf("rejected claims changed stock: remaining = %d", got.RemainingQuantity)
	}
}

func TestClaimExpiredOffer(t *testing.T) {
	env := setup(t)
	now := time.Now()
	o := env.offer(t, 5, now.Add(time.Minute))
	c := NewCoordinator(env.offers, env.claims, nil, nil, slog.Default())
	c.now = func() time.Time { return now.Add(2 * time.Minute) }

	_, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "a@example.com"})
	if !errors.Is(err, apperr.ErrOutOfStock) {
		t.Fatalf("err = %v, want out of stock", err)
	}
	got, _ := env.offers.GetByID(context.Background(), o.ID)
	if got.RemainingQuantity != 5 {
		t.Errorf("remaining = %d, want 5", got.RemainingQuantity)
	}
}

func TestClaimLastUnitThenOutOfStock(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 1, time.Now().Add(time.Hour))
	c := NewCoordinator(env.offers, env.claims, nil, nil, slog.Default())

	if _, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "first"}); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	_, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "second"})
	if !errors.Is(err, apperr.ErrOutOfStock) {
		t.Errorf("err = %v, want out of stock", err)
	}
}

func TestClaimConcurrentLastUnit(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 1, time.Now().Add(time.Hour))
	c := NewCoordinator(env.offers, env.claims, nil, nil, slog.Default())

	const n = 20
	var wins, outOfStock atomic.Int32
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			_, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "racer"})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, apperr.ErrOutOfStock):
				outOfStock.Add(1)
			default:
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("unexpected claim error: %v", err)
	}

	if wins.Load() != 1 || outOfStock.Load() != n-1 {
		t.Errorf("wins = %d, out of stock = %d, want 1 and %d", wins.Load(), outOfStock.Load(), n-1)
	}
	claims, err := env.claims.ListByOffer(context.Background(), o.ID)
	if err != nil {
		t.Fatalf("list claims: %v", err)
	}
	if len(claims) != 1 {
		t.Errorf("claims recorded = %d, want 1", len(claims))
	}
}

func TestClaimRecordFailureKeepsDecrement(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 2, time.Now().Add(time.Hour))
	claims := &flakyClaims{ClaimStore: env.claims, createErr: errors.New("disk I/O error")}
	notifier := &recordingNotifier{}
	c := NewCoordinator(env.offers, claims, env.hub, notifier, slog.Default())

	_, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "a@example.com"})
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Fatalf("err = %v, want upstream unavailable", err)
	}
	c.Wait()

	got, _ := env.offers.GetByID(context.Background(), o.ID)
	if got.RemainingQuantity != 1 {
		t.Errorf("remaining = %d, want 1 (decrement is not rolled back)", got.RemainingQuantity)
	}
	if types := env.hub.types(); len(types) != 1 || types[0] != "offer_orphaned" {
		t.Errorf("events = %v, want [offer_orphaned]", types)
	}
	if len(notifier.sent) != 0 {
		t.Error("no notification should be sent for an unrecorded claim")
	}

	ds, err := env.offers.Discrepancies(context.Background())
	if err != nil {
		t.Fatalf("discrepancies: %v", err)
	}
	if len(ds) != 1 || ds[0].OfferID != o.ID || ds[0].OrphanedUnits != 1 {
		t.Errorf("discrepancies = %+v, want one orphaned unit on %s", ds, o.ID)
	}
}

func TestClaimStoreUnavailable(t *testing.T) {
	offers := &brokenOffers{err: errors.New("connection refused")}
	c := NewCoordinator(offers, nil, nil, nil, slog.Default())

	_, err := c.Claim(context.Background(), Request{OfferID: "x", ContactHandle: "a"})
	if !errors.Is(err, apperr.ErrUpstreamUnavailable) {
		t.Errorf("err = %v, want upstream unavailable", err)
	}
	if offers.decrements != 0 {
		t.Error("decrement should not run when the offer cannot be read")
	}
}

func TestClaimSurvivesCanceledRequest(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 1, time.Now().Add(time.Hour))
	c := NewCoordinator(env.offers, env.claims, nil, nil, slog.Default())

	ctx, cancel := context.WithCancel(context.Background())
	c.offers = &cancelOnDecrement{OfferStore: env.offers, cancel: cancel}

	res, err := c.Claim(ctx, Request{OfferID: o.ID, ContactHandle: "a"})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if stored, _ := env.claims.GetByID(context.Background(), res.ClaimID); stored == nil {
		t.Error("claim should be recorded even though the request was canceled")
	}
}

// cancelOnDecrement cancels the caller's context as soon as stock is taken.
type cancelOnDecrement struct {
	OfferStore
	cancel context.CancelFunc
}

func (c *cancelOnDecrement) DecrementIfAvailable(ctx context.Context, id string, now time.Time) (int, bool, error) {
	remaining, ok, err := c.OfferStore.DecrementIfAvailable(ctx, id, now)
	c.cancel()
	return remaining, ok, err
}

func TestClaimNotificationFailureIsIgnored(t *testing.T) {
	env := setup(t)
	o := env.offer(t, 1, time.Now().Add(time.Hour))
	notifier := &recordingNotifier{err: errors.New("postmark down")}
	c := NewCoordinator(env.offers, env.claims, nil, notifier, slog.Default())

	if _, err := c.Claim(context.Background(), Request{OfferID: o.ID, ContactHandle: "a@example.com"}); err != nil {
		t.Fatalf("claim should succeed despite notifier failure: %v", err)
	}
	c.Wait()
}

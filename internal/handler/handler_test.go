package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/claim"
	"github.com/dukerupert/perkdrop/internal/database"
	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/proximity"
	"github.com/dukerupert/perkdrop/internal/store"
)

type testEnv struct {
	offers *store.OfferStore
	claims *store.ClaimStore
	offerH *OfferHandler
	claimH *ClaimHandler
}

func setup(t *testing.T) testEnv {
	t.Helper()
	db, err := database.Open(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	offers := store.NewOfferStore(db)
	claims := store.NewClaimStore(db)
	logger := slog.Default()
	return testEnv{
		offers: offers,
		claims: claims,
		offerH: NewOfferHandler(proximity.NewSelector(offers), offers, nil, logger),
		claimH: NewClaimHandler(
			claim.NewCoordinator(offers, claims, nil, nil, logger),
			claim.NewFinalizer(claims, nil, logger),
			logger,
		),
	}
}

func (e testEnv) seed(t *testing.T, qty int, location string) *model.Offer {
	t.Helper()
	o, err := e.offers.Create(context.Background(), model.NewOffer{
		Quantity:     qty,
		ExpiresAt:    time.Now().Add(time.Hour),
		LocationText: location,
		Content:      model.OfferContent{Title: "Free Coffee", MapURL: "https://maps.example.com/cafe"},
	})
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	return o
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return v
}

func postClaim(env testEnv, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/claims", strings.NewReader(body))
	rec := httptest.NewRecorder()
	env.claimH.Create(rec, req)
	return rec
}

func TestSelectEndpoint(t *testing.T) {
	env := setup(t)
	o := env.seed(t, 2, "500 Howard St, San Francisco, CA 94105")

	rec := httptest.NewRecorder()
	env.offerH.Select(rec, httptest.NewRequest("GET", "/api/offers/select?zip=94105", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[selectResponse](t, rec)
	if !got.Available || got.Offer == nil || got.Offer.ID != o.ID {
		t.Errorf("response = %+v, want offer %s", got, o.ID)
	}
}

func TestSelectEndpointEmpty(t *testing.T) {
	env := setup(t)

	rec := httptest.NewRecorder()
	env.offerH.Select(rec, httptest.NewRequest("GET", "/api/offers/select?zip=94105", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[selectResponse](t, rec)
	if got.Available || got.Message != apperr.NoOffersMessage {
		t.Errorf("response = %+v, want no offers message", got)
	}
}

func TestSelectEndpointBadZip(t *testing.T) {
	env := setup(t)

	rec := httptest.NewRecorder()
	env.offerH.Select(rec, httptest.NewRequest("GET", "/api/offers/select?zip=abc", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Kind != apperr.KindInvalidInput {
		t.Errorf("kind = %q, want invalid_input", got.Kind)
	}
}

func TestGetOfferEndpoint(t *testing.T) {
	env := setup(t)
	o := env.seed(t, 1, "CA 94105")

	req := httptest.NewRequest("GET", "/api/offers/"+o.ID, nil)
	req.SetPathValue("id", o.ID)
	rec := httptest.NewRecorder()
	env.offerH.Get(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	got := decode[offerResponse](t, rec)
	if !got.Claimable || got.Content.Title != "Free Coffee" {
		t.Errorf("response = %+v", got)
	}

	req = httptest.NewRequest("GET", "/api/offers/missing", nil)
	req.SetPathValue("id", "missing")
	rec = httptest.NewRecorder()
	env.offerH.Get(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("missing offer status = %d, want 404", rec.Code)
	}
}

func TestClaimAndRedeemEndpoints(t *testing.T) {
	env := setup(t)
	o := env.seed(t, 1, "CA 94105")

	rec := postClaim(env, `{"offer_id":"`+o.ID+`","contact_handle":"alice@example.com"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("claim status = %d, body %s", rec.Code, rec.Body.String())
	}
	res := decode[claim.Result](t, rec)
	if res.ClaimID == "" || res.Offer.MapURL != "https://maps.example.com/cafe" {
		t.Errorf("claim response = %+v", res)
	}

	// The last unit is gone.
	rec = postClaim(env, `{"offer_id":"`+o.ID+`","contact_handle":"bob@example.com"}`)
	if rec.Code != http.StatusGone {
		t.Errorf("second claim status = %d, want 410", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Message != "this offer is no longer available" {
		t.Errorf("message = %q", got.Message)
	}

	redeem := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest("POST", "/api/claims/"+res.ClaimID+"/redeem", nil)
		req.SetPathValue("id", res.ClaimID)
		rec := httptest.NewRecorder()
		env.claimH.Redeem(rec, req)
		return rec
	}
	if rec := redeem(); rec.Code != http.StatusOK {
		t.Fatalf("redeem status = %d, body %s", rec.Code, rec.Body.String())
	}
	rec = redeem()
	if rec.Code != http.StatusConflict {
		t.Errorf("second redeem status = %d, want 409", rec.Code)
	}
	if got := decode[errorResponse](t, rec); got.Kind != apperr.KindAlreadyRedeemed {
		t.Errorf("kind = %q, want already_redeemed", got.Kind)
	}

	req := httptest.NewRequest("GET", "/api/claims/"+res.ClaimID, nil)
	req.SetPathValue("id", res.ClaimID)
	rec = httptest.NewRecorder()
	env.claimH.Get(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get claim status = %d", rec.Code)
	}
	if got := decode[model.Claim](t, rec); got.State != model.ClaimStateRedeemed {
		t.Errorf("state = %q, want REDEEMED", got.State)
	}
}

func TestClaimEndpointErrors(t *testing.T) {
	env := setup(t)
	o := env.seed(t, 1, "CA 94105")

	tests := []struct {
		name string
		body string
		want int
		kind apperr.Kind
	}{
		{"malformed json", `{"offer_id":`, http.StatusBadRequest, apperr.KindInvalidInput},
		{"unknown offer", `{"offer_id":"nope","contact_handle":"a"}`, http.StatusNotFound, apperr.KindNotFound},
		{"blank contact", `{"offer_id":"` + o.ID + `","contact_handle":"  "}`, http.StatusBadRequest, apperr.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postClaim(env, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if got := decode[errorResponse](t, rec); got.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", got.Kind, tt.kind)
			}
		})
	}
}

func TestCreateOfferEndpoint(t *testing.T) {
	env := setup(t)
	expires := time.Now().Add(24 * time.Hour).UTC().Format(time.RFC3339)

	tests := []struct {
		name string
		body string
		want int
	}{
		{"valid", `{"quantity":5,"expires_at":"` + expires + `","location_text":"12 Main St, Oakland, CA 94607","title":"Half-price pastry"}`, http.StatusCreated},
		{"zero quantity", `{"quantity":0,"expires_at":"` + expires + `","location_text":"CA 94607","title":"x"}`, http.StatusBadRequest},
		{"already expired", `{"quantity":1,"expires_at":"2020-01-01T00:00:00Z","location_text":"CA 94607","title":"x"}`, http.StatusBadRequest},
		{"no zip", `{"quantity":1,"expires_at":"` + expires + `","location_text":"Main St","title":"x"}`, http.StatusBadRequest},
		{"no title", `{"quantity":1,"expires_at":"` + expires + `","location_text":"CA 94607","title":" "}`, http.StatusBadRequest},
		{"unknown field", `{"quantity":1,"remaining_quantity":9}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			env.offerH.Create(rec, httptest.NewRequest("POST", "/api/offers", strings.NewReader(tt.body)))
			if rec.Code != tt.want {
				t.Errorf("status = %d, want %d, body %s", rec.Code, tt.want, rec.Body.String())
			}
		})
	}

	active, err := env.offers.ListActive(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].RemainingQuantity != 5 || active[0].Content.Title != "Half-price pastry" {
		t.Errorf("active offers = %+v, want the one valid offer", active)
	}
}

type stubReporter struct {
	ds  []model.StockDiscrepancy
	err error
}

func (s stubReporter) Report(context.Context) ([]model.StockDiscrepancy, error) { return s.ds, s.err }

func TestReconciliationEndpoint(t *testing.T) {
	h := NewAdminHandler(stubReporter{ds: []model.StockDiscrepancy{
		{OfferID: "a", InitialQuantity: 5, Remaining: 1, ClaimCount: 2, OrphanedUnits: 2},
		{OfferID: "b", InitialQuantity: 3, Remaining: 0, ClaimCount: 2, OrphanedUnits: 1},
	}}, slog.Default())

	rec := httptest.NewRecorder()
	h.Reconciliation(rec, httptest.NewRequest("GET", "/api/admin/reconciliation", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	got := decode[reconciliationResponse](t, rec)
	if got.OrphanedUnits != 3 || len(got.Offers) != 2 {
		t.Errorf("report = %+v, want 3 orphaned units over 2 offers", got)
	}

	h = NewAdminHandler(stubReporter{err: errors.New("db down")}, slog.Default())
	rec = httptest.NewRecorder()
	h.Reconciliation(rec, httptest.NewRequest("GET", "/api/admin/reconciliation", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestWriteErrorRetryAfter(t *testing.T) {
	err := apperr.E(apperr.KindCoolingDown, "admit visitor", nil)
	err.RetryAfter = 90*time.Second + 200*time.Millisecond

	rec := httptest.NewRecorder()
	writeError(rec, slog.Default(), err)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "91" {
		t.Errorf("Retry-After = %q, want 91", got)
	}
}

func TestWriteErrorUnclassified(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, slog.Default(), errors.New("boom"))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
	got := decode[errorResponse](t, rec)
	if got.Message != "could not process your request, please try again" {
		t.Errorf("message = %q", got.Message)
	}
}

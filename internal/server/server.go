package server

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/dukerupert/perkdrop/internal/claim"
	"github.com/dukerupert/perkdrop/internal/cooldown"
	"github.com/dukerupert/perkdrop/internal/handler"
	"github.com/dukerupert/perkdrop/internal/middleware"
	"github.com/dukerupert/perkdrop/internal/proximity"
	"github.com/dukerupert/perkdrop/internal/reconcile"
	ws "github.com/dukerupert/perkdrop/internal/websocket"
)

const throttleSize = 100_000

// OfferStore is everything the server needs from an offer backend. Both
// store.OfferStore (SQLite) and pgstore.OfferStore (Postgres) satisfy it.
type OfferStore interface {
	proximity.Source
	claim.OfferStore
	handler.OfferStore
	reconcile.Source
}

type Config struct {
	AdminToken       string
	WebSocketOrigins []string
	SweepInterval    time.Duration
}

type Server struct {
	hub           *ws.Hub
	offerH        *handler.OfferHandler
	claimH        *handler.ClaimHandler
	adminH        *handler.AdminHandler
	coordinator   *claim.Coordinator
	sweeper       *reconcile.Sweeper
	rateLimiter   *middleware.RateLimiter
	claimThrottle *middleware.ClaimThrottle
	cfg           Config
	logger        *slog.Logger
}

// New wires the claim subsystem onto offers and claims. notifier may be nil.
func New(offers OfferStore, claims claim.ClaimStore, notifier claim.Notifier, cfg Config, logger *slog.Logger) (*Server, error) {
	hub := ws.NewHub(logger.With("component", "websocket"))

	throttle, err := middleware.NewClaimThrottle(cooldown.Window, throttleSize)
	if err != nil {
		return nil, fmt.Errorf("create server: %w", err)
	}

	coordinator := claim.NewCoordinator(offers, claims, hub, notifier, logger.With("component", "claim"))
	finalizer := claim.NewFinalizer(claims, hub, logger.With("component", "redeem"))
	sweeper := reconcile.NewSweeper(offers, hub, cfg.SweepInterval, logger.With("component", "reconcile"))
	selector := proximity.NewSelector(offers)

	return &Server{
		hub:           hub,
		offerH:        handler.NewOfferHandler(selector, offers, hub, logger.With("component", "offer")),
		claimH:        handler.NewClaimHandler(coordinator, finalizer, logger.With("component", "claim_handler")),
		adminH:        handler.NewAdminHandler(sweeper, logger.With("component", "admin")),
		coordinator:   coordinator,
		sweeper:       sweeper,
		rateLimiter:   middleware.NewRateLimiter(),
		claimThrottle: throttle,
		cfg:           cfg,
		logger:        logger,
	}, nil
}

// RateLimiter returns the rate limiter for cleanup tasks.
func (s *Server) RateLimiter() *middleware.RateLimiter {
	return s.rateLimiter
}

// Sweeper returns the reconciliation sweeper so main can start and stop it.
func (s *Server) Sweeper() *reconcile.Sweeper {
	return s.sweeper
}

// Coordinator returns the claim coordinator so main can wait for pending
// notifications on shutdown.
func (s *Server) Coordinator() *claim.Coordinator {
	return s.coordinator
}

func (s *Server) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.healthHandler)

	// Visitor API
	mux.HandleFunc("GET /api/offers/select", s.offerH.Select)
	mux.HandleFunc("GET /api/offers/{id}", s.offerH.Get)
	mux.Handle("POST /api/claims", s.rateLimited(s.claimThrottle.Middleware(http.HandlerFunc(s.claimH.Create))))
	mux.HandleFunc("GET /api/claims/{id}", s.claimH.Get)
	mux.Handle("POST /api/claims/{id}/redeem", s.rateLimited(http.HandlerFunc(s.claimH.Redeem)))

	// Operator API
	admin := middleware.RequireAdminToken(s.cfg.AdminToken)
	mux.Handle("POST /api/offers", admin(http.HandlerFunc(s.offerH.Create)))
	mux.Handle("GET /api/admin/reconciliation", admin(http.HandlerFunc(s.adminH.Reconciliation)))

	// WebSocket
	mux.HandleFunc("GET /ws", ws.HandleWebSocket(s.hub, s.cfg.WebSocketOrigins))

	var h http.Handler = mux
	h = chimw.Recoverer(h)
	h = middleware.RequestLogger(s.logger.With("component", "http"))(h)
	h = chimw.RequestID(h)
	return h
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) rateLimited(h http.Handler) http.Handler {
	keyFunc := func(r *http.Request) string {
		return middleware.RealIP(r)
	}
	return middleware.RateLimit(s.rateLimiter, keyFunc, 10, time.Minute)(h)
}

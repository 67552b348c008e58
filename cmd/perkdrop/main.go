package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dukerupert/perkdrop/internal/claim"
	"github.com/dukerupert/perkdrop/internal/database"
	"github.com/dukerupert/perkdrop/internal/email"
	"github.com/dukerupert/perkdrop/internal/logging"
	"github.com/dukerupert/perkdrop/internal/pgstore"
	"github.com/dukerupert/perkdrop/internal/reconcile"
	"github.com/dukerupert/perkdrop/internal/server"
	"github.com/dukerupert/perkdrop/internal/store"
)

func main() {
	logger := logging.Setup(os.Getenv("PERKDROP_LOG_LEVEL"), os.Getenv("PERKDROP_LOG_FORMAT"))
	if err := run(logger); err != nil {
		logger.Error("perkdrop exited", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	port := os.Getenv("PERKDROP_PORT")
	if port == "" {
		port = "8080"
	}

	baseURL := os.Getenv("PERKDROP_BASE_URL")
	if baseURL == "" {
		baseURL = fmt.Sprintf("http://localhost:%s", port)
	}

	sweepInterval := reconcile.DefaultInterval
	if v := os.Getenv("PERKDROP_SWEEP_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parse PERKDROP_SWEEP_INTERVAL: %w", err)
		}
		sweepInterval = d
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	offers, claims, closeDB, err := openStores(ctx, logger)
	if err != nil {
		return err
	}
	defer closeDB()

	// Email config
	var notifier claim.Notifier
	emailClient := email.NewClient(os.Getenv("PERKDROP_POSTMARK_TOKEN"), os.Getenv("PERKDROP_FROM_EMAIL"), baseURL)
	if emailClient.Configured() {
		notifier = emailClient
	} else {
		logger.Info("postmark token not set, claim codes will not be emailed")
	}

	adminToken := os.Getenv("PERKDROP_ADMIN_TOKEN")
	if adminToken == "" {
		logger.Warn("PERKDROP_ADMIN_TOKEN not set, operator endpoints are disabled")
	}

	srv, err := server.New(offers, claims, notifier, server.Config{
		AdminToken:       adminToken,
		WebSocketOrigins: splitList(os.Getenv("PERKDROP_WS_ORIGINS")),
		SweepInterval:    sweepInterval,
	}, logger)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              ":" + port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	srv.Sweeper().Start(ctx)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("perkdrop starting", "addr", httpServer.Addr, "base_url", baseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})

	// Background cleanup
	g.Go(func() error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				srv.RateLimiter().Cleanup()
			case <-gctx.Done():
				return nil
			}
		}
	})

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
		srv.Sweeper().Stop()
		srv.Coordinator().Wait()
		return nil
	})

	return g.Wait()
}

// openStores picks Postgres when PERKDROP_DATABASE_URL is set and the
// embedded SQLite database otherwise.
func openStores(ctx context.Context, logger *slog.Logger) (server.OfferStore, claim.ClaimStore, func(), error) {
	if url := os.Getenv("PERKDROP_DATABASE_URL"); url != "" {
		pool, err := database.OpenPostgres(ctx, url, logger.With("component", "database"))
		if err != nil {
			return nil, nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		logger.Info("using postgres store")
		return pgstore.NewOfferStore(pool), pgstore.NewClaimStore(pool), pool.Close, nil
	}

	dbPath := os.Getenv("PERKDROP_DB_PATH")
	if dbPath == "" {
		dbPath = "perkdrop.db"
	}
	db, err := database.Open(dbPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open database: %w", err)
	}
	logger.Info("using sqlite store", "path", dbPath)
	return store.NewOfferStore(db), store.NewClaimStore(db), func() { db.Close() }, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

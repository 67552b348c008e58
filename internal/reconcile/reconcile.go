// Package reconcile finds stock that was taken without a claim being
// recorded. Claims never roll back a decrement, so these units are
// reported for an operator to settle.
package reconcile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/dukerupert/perkdrop/internal/model"
	"github.com/dukerupert/perkdrop/internal/websocket"
)

const DefaultInterval = 5 * time.Minute

// Source computes initial - remaining - claims for every offer where that
// is positive. Implemented by store.OfferStore and pgstore.OfferStore.
type Source interface {
	Discrepancies(ctx context.Context) ([]model.StockDiscrepancy, error)
}

// Broadcaster receives orphaned-unit events. *websocket.Hub satisfies it.
type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

// Sweeper periodically reports orphaned units. Each offer is logged again
// only when its orphaned count grows.
type Sweeper struct {
	source   Source
	hub      Broadcaster
	logger   *slog.Logger
	interval time.Duration

	mu     sync.Mutex
	seen   map[string]int
	cancel context.CancelFunc
	done   chan struct{}
}

func NewSweeper(source Source, hub Broadcaster, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sweeper{
		source:   source,
		hub:      hub,
		logger:   logger,
		interval: interval,
		seen:     make(map[string]int),
	}
}

// Report returns the current discrepancies without side effects.
func (s *Sweeper) Report(ctx context.Context) ([]model.StockDiscrepancy, error) {
	return s.source.Discrepancies(ctx)
}

// Sweep checks once and returns the discrepancies that are new or have
// grown since the previous sweep.
func (s *Sweeper) Sweep(ctx context.Context) ([]model.StockDiscrepancy, error) {
	ds, err := s.source.Discrepancies(ctx)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var grown []model.StockDiscrepancy
	for _, d := range ds {
		if d.OrphanedUnits <= s.seen[d.OfferID] {
			continue
		}
		s.seen[d.OfferID] = d.OrphanedUnits
		grown = append(grown, d)

		s.logger.Error("orphaned stock found",
			"offer_id", d.OfferID,
			"initial_quantity", d.InitialQuantity,
			"remaining", d.Remaining,
			"claims", d.ClaimCount,
			"orphaned_units", d.OrphanedUnits,
		)
		if s.hub != nil {
			s.hub.Broadcast(websocket.NewMessage("offer", "orphaned", d.OfferID, map[string]any{
				"orphaned_units": d.OrphanedUnits,
			}))
		}
	}
	return grown, nil
}

// Start runs a sweep immediately and then on every interval.
func (s *Sweeper) Start(ctx context.Context) {
	s.mu.Lock()
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})
	s.mu.Unlock()

	go func() {
		defer close(s.done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.tick(ctx)
			}
		}
	}()
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
		s.logger.Warn("reconciliation sweep failed", "error", err)
	}
}

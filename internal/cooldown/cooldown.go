// Package cooldown stops a visitor from drawing a new offer too soon after
// claiming one. Visitors are keyed by public IP when it can be discovered and
// by a shared "local" key otherwise.
package cooldown

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
)

const (
	Window   = 15 * time.Minute
	LocalKey = "local"
)

// Resolver discovers the visitor's public IP.
type Resolver interface {
	Resolve(ctx context.Context) (string, error)
}

// Store persists the time of each visitor's last successful claim.
type Store interface {
	Get(key string) (markedAt time.Time, ok bool, err error)
	Set(key string, markedAt time.Time) error
}

// Visit identifies the visitor for one session.
type Visit struct {
	IP  string
	Key string
}

// KeyFor returns the cooldown key for an IP; an empty IP maps to LocalKey.
func KeyFor(ip string) string {
	if ip == "" {
		return LocalKey
	}
	return "ip:" + ip
}

type Status struct {
	Blocked   bool
	Remaining time.Duration
}

type Guard struct {
	resolver Resolver
	store    Store
	logger   *slog.Logger
	now      func() time.Time
}

func NewGuard(resolver Resolver, store Store, logger *slog.Logger) *Guard {
	return &Guard{
		resolver: resolver,
		store:    store,
		logger:   logger,
		now:      time.Now,
	}
}

// Enter resolves who the visitor is. It never fails: without a public IP
// the visitor is tracked under LocalKey.
func (g *Guard) Enter(ctx context.Context) Visit {
	if g.resolver == nil {
		return Visit{Key: LocalKey}
	}
	ip, err := g.resolver.Resolve(ctx)
	if err != nil || ip == "" {
		g.logger.Debug("public ip unavailable, using local cooldown key", "error", err)
		return Visit{Key: LocalKey}
	}
	return Visit{IP: ip, Key: KeyFor(ip)}
}

// Check reports whether the visitor is still inside the window. The IP key
// is read first; a visitor with no mark under it falls back to the local
// mark so a flaky lookup cannot be used to skip the wait.
func (g *Guard) Check(v Visit) Status {
	markedAt, ok := g.lookup(v.Key)
	if !ok && v.Key != LocalKey {
		markedAt, ok = g.lookup(LocalKey)
	}
	if !ok {
		return Status{}
	}

	elapsed := g.now().Sub(markedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	if elapsed >= Window {
		return Status{}
	}
	return Status{Blocked: true, Remaining: Window - elapsed}
}

// Admit runs fn only when the visitor is not cooling down. Otherwise it
// returns a CoolingDown error carrying the remaining wait.
func (g *Guard) Admit(ctx context.Context, v Visit, fn func(context.Context) error) error {
	if st := g.Check(v); st.Blocked {
		err := apperr.E(apperr.KindCoolingDown, "admit visitor", nil)
		err.RetryAfter = st.Remaining
		return err
	}
	return fn(ctx)
}

// Record starts the window for the visitor after a successful claim.
func (g *Guard) Record(v Visit) error {
	key := v.Key
	if key == "" {
		key = KeyFor(v.IP)
	}
	return g.store.Set(key, g.now())
}

func (g *Guard) lookup(key string) (time.Time, bool) {
	t, ok, err := g.store.Get(key)
	if err != nil {
		g.logger.Warn("read cooldown mark", "key", key, "error", err)
		return time.Time{}, false
	}
	return t, ok
}

package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/blake2b"
)

// ClaimThrottle enforces the claim cooldown on the server. After a client
// makes a successful claim (201), further claims from the same IP are
// rejected until the window passes. Addresses are kept only as blake2b
// digests, and the number tracked is bounded by an LRU.
type ClaimThrottle struct {
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	claims *lru.Cache
}

func NewClaimThrottle(window time.Duration, size int) (*ClaimThrottle, error) {
	cache, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("create claim throttle: %w", err)
	}
	return &ClaimThrottle{window: window, now: time.Now, claims: cache}, nil
}

func clientKey(ip string) [32]byte {
	return blake2b.Sum256([]byte(ip))
}

// Remaining reports how long ip must still wait before claiming again.
func (t *ClaimThrottle) Remaining(ip string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.claims.Get(clientKey(ip))
	if !ok {
		return 0
	}
	elapsed := t.now().Sub(v.(time.Time))
	if elapsed >= t.window {
		t.claims.Remove(clientKey(ip))
		return 0
	}
	if elapsed < 0 {
		elapsed = 0
	}
	return t.window - elapsed
}

// Mark starts the window for ip.
func (t *ClaimThrottle) Mark(ip string) {
	t.mu.Lock()
	t.claims.Add(clientKey(ip), t.now())
	t.mu.Unlock()
}

// Middleware rejects claims inside the window and marks the client after a
// claim succeeds.
func (t *ClaimThrottle) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := RealIP(r)
		if wait := t.Remaining(ip); wait > 0 {
			tooManyRequests(w, wait)
			return
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if rec.status == http.StatusCreated {
			t.Mark(ip)
		}
	})
}

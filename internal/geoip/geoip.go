// Package geoip discovers the visitor's public IP address, which keys the
// claim cooldown.
package geoip

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	DefaultURL     = "https://api.ipify.org?format=json"
	requestTimeout = 5 * time.Second
	cacheTTL       = 10 * time.Minute
)

// Resolver looks up the public IP through a JSON lookup service and caches
// the answer for a short while.
type Resolver struct {
	client  *http.Client
	baseURL string
	group   singleflight.Group

	mu        sync.RWMutex
	cached    string
	lastFetch time.Time
}

// NewResolver creates a Resolver. An empty url uses DefaultURL.
func NewResolver(url string) *Resolver {
	if url == "" {
		url = DefaultURL
	}
	return &Resolver{
		client:  &http.Client{Timeout: requestTimeout},
		baseURL: url,
	}
}

type apiResponse struct {
	IP string `json:"ip"`
}

// Resolve returns the visitor's public IP. Concurrent callers share one
// lookup. On failure a previously resolved address is returned if there is
// one.
func (r *Resolver) Resolve(ctx context.Context) (string, error) {
	r.mu.RLock()
	if r.cached != "" && time.Since(r.lastFetch) < cacheTTL {
		ip := r.cached
		r.mu.RUnlock()
		return ip, nil
	}
	r.mu.RUnlock()

	v, err, _ := r.group.Do("ip", func() (any, error) {
		return r.fetch(ctx)
	})
	if err != nil {
		r.mu.RLock()
		stale := r.cached
		r.mu.RUnlock()
		if stale != "" {
			return stale, nil
		}
		return "", err
	}

	ip := v.(string)
	r.mu.Lock()
	r.cached = ip
	r.lastFetch = time.Now()
	r.mu.Unlock()
	return ip, nil
}

func (r *Resolver) fetch(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL, nil)
	if err != nil {
		return "", fmt.Errorf("build ip lookup request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("ip lookup request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("ip lookup returned status %d", resp.StatusCode)
	}
	if mt, _, err := mime.ParseMediaType(resp.Header.Get("Content-Type")); err != nil || mt != "application/json" {
		return "", fmt.Errorf("ip lookup returned content type %q", resp.Header.Get("Content-Type"))
	}

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode ip lookup response: %w", err)
	}
	if net.ParseIP(body.IP) == nil {
		return "", fmt.Errorf("ip lookup returned invalid address %q", body.IP)
	}
	return body.IP, nil
}

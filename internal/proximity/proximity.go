// Package proximity picks which offer a visitor is shown for a zip code.
//
// Offers are ranked by a pluggable distance and one is drawn per request:
// most requests get a uniformly chosen exact match, some get the second or
// third closest offer, and anything that cannot be satisfied falls back to
// the closest offer.
package proximity

import (
	"context"
	"math/rand/v2"
	"regexp"
	"sort"
	"strconv"
	"time"

	"github.com/dukerupert/perkdrop/internal/apperr"
	"github.com/dukerupert/perkdrop/internal/model"
)

// Tier thresholds on a uniform roll in [0, 1).
const (
	exactTierCutoff  = 0.85
	secondTierCutoff = 0.95
)

var (
	zipPattern       = regexp.MustCompile(`\b(\d{5})(?:-\d{4})?\b`)
	requestedPattern = regexp.MustCompile(`^\s*(\d{5})\d*(?:-\d{4})?\s*$`)
)

// ExtractZip returns the last standalone 5-digit run in s. Addresses put the
// zip after the street number, so the last match wins.
func ExtractZip(s string) (string, bool) {
	m := zipPattern.FindAllStringSubmatch(s, -1)
	if len(m) == 0 {
		return "", false
	}
	return m[len(m)-1][1], true
}

// RequestedZip normalizes a visitor-supplied zip: five or more digits, with
// an optional ZIP+4 suffix. Only the first five digits are kept.
func RequestedZip(s string) (string, bool) {
	m := requestedPattern.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// Distancer ranks an offer against a requested zip. ok is false when the
// offer cannot be placed, which excludes it from ranking. Smaller is closer.
type Distancer interface {
	Distance(requestedZip string, offer model.Offer) (dist int, ok bool)
}

// ZipDistance is the absolute difference of the two zips read as integers.
// It is only a ranking signal, not a geographic distance.
type ZipDistance struct{}

func (ZipDistance) Distance(requestedZip string, offer model.Offer) (int, bool) {
	offerZip, ok := ExtractZip(offer.LocationText)
	if !ok {
		return 0, false
	}
	a, err := strconv.Atoi(requestedZip)
	if err != nil {
		return 0, false
	}
	b, err := strconv.Atoi(offerZip)
	if err != nil {
		return 0, false
	}
	if a > b {
		return a - b, true
	}
	return b - a, true
}

// Source lists offers that may be shown.
type Source interface {
	ListActive(ctx context.Context, now time.Time) ([]model.Offer, error)
}

// Rand is the randomness the selector draws from.
type Rand interface {
	Float64() float64
	IntN(n int) int
}

type globalRand struct{}

func (globalRand) Float64() float64 { return rand.Float64() }
func (globalRand) IntN(n int) int   { return rand.IntN(n) }

// Selection is the outcome of a select call. Offer is nil when nothing is
// available.
type Selection struct {
	Available bool             `json:"available"`
	Offer     *model.OfferView `json:"offer,omitempty"`
}

type Option func(*Selector)

func WithDistancer(d Distancer) Option {
	return func(s *Selector) { s.distancer = d }
}

func WithRand(r Rand) Option {
	return func(s *Selector) { s.rand = r }
}

func WithClock(now func() time.Time) Option {
	return func(s *Selector) { s.now = now }
}

type Selector struct {
	source    Source
	distancer Distancer
	rand      Rand
	now       func() time.Time
}

func NewSelector(source Source, opts ...Option) *Selector {
	s := &Selector{
		source:    source,
		distancer: ZipDistance{},
		rand:      globalRand{},
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type ranked struct {
	offer model.Offer
	dist  int
}

// Select returns one eligible offer for zip. It never mutates stock. An
// empty candidate set is a normal result, not an error.
func (s *Selector) Select(ctx context.Context, zip string) (Selection, error) {
	const op = "select offer"

	requested, ok := RequestedZip(zip)
	if !ok {
		return Selection{}, apperr.Invalid(op, "zip code must contain five digits")
	}

	now := s.now()
	offers, err := s.source.ListActive(ctx, now)
	if err != nil {
		return Selection{}, apperr.E(apperr.KindUpstreamUnavailable, op, err)
	}

	candidates := s.rank(requested, offers, now)
	picked, ok := s.pick(candidates)
	if !ok {
		return Selection{Available: false}, nil
	}
	view := picked.View()
	return Selection{Available: true, Offer: &view}, nil
}

// rank drops terminal and unplaceable offers and sorts the rest by distance,
// breaking ties by id so the ordering is deterministic.
func (s *Selector) rank(zip string, offers []model.Offer, now time.Time) []ranked {
	out := make([]ranked, 0, len(offers))
	for _, o := range offers {
		if !o.Claimable(now) {
			continue
		}
		d, ok := s.distancer.Distance(zip, o)
		if !ok {
			continue
		}
		out = append(out, ranked{offer: o, dist: d})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].offer.ID < out[j].offer.ID
	})
	return out
}

func (s *Selector) pick(candidates []ranked) (*model.Offer, bool) {
	if len(candidates) == 0 {
		return nil, false
	}

	exact := 0
	for exact < len(candidates) && candidates[exact].dist == 0 {
		exact++
	}

	roll := s.rand.Float64()
	switch {
	case roll < exactTierCutoff:
		if exact > 0 {
			return &candidates[s.rand.IntN(exact)].offer, true
		}
	case roll < secondTierCutoff:
		if len(candidates) > 1 {
			return &candidates[1].offer, true
		}
	default:
		if len(candidates) > 2 {
			return &candidates[2].offer, true
		}
	}
	return &candidates[0].offer, true
}

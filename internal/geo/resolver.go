// Package geo resolves free-text addresses to coordinates through an
// external geocoding provider and computes great-circle distances.
package geo

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/panierlocal/surplus-reservations/internal/domain"
)

// Cache stores resolved coordinates so repeat lookups skip the provider.
type Cache interface {
	GetPoint(ctx context.Context, address string) (*Point, error)
	SetPoint(ctx context.Context, address string, p Point) error
}

type Resolver struct {
	baseURL    string
	httpClient *http.Client
	cache      Cache
	callDelay  time.Duration
}

// NewResolver builds a resolver for the given provider base URL. cache
// may be nil. callDelay spaces out batch calls; anything below 200ms is
// raised to it to respect the provider's rate limit.
func NewResolver(baseURL string, cache Cache, callDelay time.Duration) *Resolver {
	if callDelay < 200*time.Millisecond {
		callDelay = 200 * time.Millisecond
	}
	return &Resolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 5 * time.Second,
		},
		cache:     cache,
		callDelay: callDelay,
	}
}

type geocodeResponse struct {
	Latitude         float64 `json:"latitude"`
	Longitude        float64 `json:"longitude"`
	FormattedAddress string  `json:"formattedAddress"`
}

// Resolve looks an address up, preferring the cache.
func (r *Resolver) Resolve(ctx context.Context, address string) (Point, error) {
	if strings.TrimSpace(address) == "" {
		return Point{}, errors.Wrap(domain.ErrInvalidInput, "empty address")
	}

	if r.cache != nil {
		if p, err := r.cache.GetPoint(ctx, address); err == nil && p != nil {
			return *p, nil
		}
	}

	q := url.Values{}
	q.Set("query", address)
	q.Set("country", "FR")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/geocode?"+q.Encode(), nil)
	if err != nil {
		return Point{}, err
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return Point{}, errors.Wrap(domain.ErrGeocodeUnavailable, err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Point{}, errors.Wrapf(domain.ErrNotFound, "address %q", address)
	case resp.StatusCode >= 500:
		return Point{}, errors.Wrapf(domain.ErrGeocodeUnavailable, "provider status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return Point{}, errors.Newf("geocode: unexpected status %d", resp.StatusCode)
	}

	var body geocodeResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Point{}, errors.Wrap(err, "decode geocode response")
	}

	p := Point{Lat: body.Latitude, Lon: body.Longitude}
	if r.cache != nil {
		_ = r.cache.SetPoint(ctx, address, p)
	}
	return p, nil
}

// Resolution is the per-address outcome of a batch resolve.
type Resolution struct {
	Address string
	Point   Point
	Err     error
}

// ResolveAll resolves addresses sequentially with a fixed inter-call
// delay. One failing address does not abort the batch; its entry
// carries the error and callers must treat it as "unresolved", not as
// distance zero.
func (r *Resolver) ResolveAll(ctx context.Context, addresses []string) ([]Resolution, error) {
	out := make([]Resolution, 0, len(addresses))
	for i, addr := range addresses {
		if i > 0 {
			select {
			case <-ctx.Done():
				return out, ctx.Err()
			case <-time.After(r.callDelay):
			}
		}
		p, err := r.Resolve(ctx, addr)
		out = append(out, Resolution{Address: addr, Point: p, Err: err})
	}
	return out, nil
}

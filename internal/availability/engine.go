// Package availability answers discovery queries across lots: what can
// still be reserved, filtered and sorted the way the storefront asks.
package availability

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	"github.com/panierlocal/surplus-reservations/internal/adapters/mongo"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/geo"
)

type SortKey string

const (
	SortUrgency   SortKey = "urgency"
	SortPriceAsc  SortKey = "price_asc"
	SortPriceDesc SortKey = "price_desc"
	SortQuantity  SortKey = "quantity"
	SortDistance  SortKey = "distance"
)

// Query narrows and orders a discovery request.
type Query struct {
	DonationMode  bool
	Category      *string
	IsUrgent      *bool
	Caller        *geo.Point
	MaxDistanceKm float64
	Sort          SortKey
}

// Result is a lot plus its computed availability and, when the caller
// supplied a location and the merchant's address resolved, a distance.
type Result struct {
	Lot        domain.Lot
	Available  int
	DistanceKm *float64
	Merchant   *domain.MerchantLocation
}

type LotStore interface {
	ListOpenLots(ctx context.Context, f crdb.LotFilter, now time.Time) ([]domain.Lot, error)
	GetLot(ctx context.Context, id uuid.UUID) (*domain.Lot, error)
}

type MerchantStore interface {
	GetMerchants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]mongo.MerchantDoc, error)
}

type Engine struct {
	lots      LotStore
	merchants MerchantStore
}

func NewEngine(lots LotStore, merchants MerchantStore) *Engine {
	return &Engine{lots: lots, merchants: merchants}
}

// Available re-reads the lot and reports its open quantity.
func (e *Engine) Available(ctx context.Context, lotID uuid.UUID) (int, error) {
	lot, err := e.lots.GetLot(ctx, lotID)
	if err != nil {
		return 0, err
	}
	return lot.Available(), nil
}

// Discover lists reservable lots for the query. No matches is an empty
// result, not an error; only a failing store surfaces one.
func (e *Engine) Discover(ctx context.Context, q Query) ([]Result, error) {
	lots, err := e.lots.ListOpenLots(ctx, crdb.LotFilter{
		DonationMode: q.DonationMode,
		Category:     q.Category,
		IsUrgent:     q.IsUrgent,
	}, time.Now())
	if err != nil {
		return nil, err
	}
	if len(lots) == 0 {
		return []Result{}, nil
	}

	merchantIDs := make([]uuid.UUID, 0, len(lots))
	seen := make(map[uuid.UUID]bool, len(lots))
	for _, lot := range lots {
		if !seen[lot.MerchantID] {
			seen[lot.MerchantID] = true
			merchantIDs = append(merchantIDs, lot.MerchantID)
		}
	}
	merchants, err := e.merchants.GetMerchants(ctx, merchantIDs)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(lots))
	for _, lot := range lots {
		res := Result{Lot: lot, Available: lot.Available()}
		if doc, ok := merchants[lot.MerchantID]; ok {
			loc := doc.Location()
			res.Merchant = &loc
			if q.Caller != nil && doc.Resolved {
				d := geo.DistanceKm(*q.Caller, geo.Point{Lat: doc.Latitude, Lon: doc.Longitude})
				res.DistanceKm = &d
			}
		}
		// An unresolved merchant address only exempts the lot from the
		// distance filter, never from the rest of the query.
		if q.Caller != nil && q.MaxDistanceKm > 0 && res.DistanceKm != nil && *res.DistanceKm > q.MaxDistanceKm {
			continue
		}
		results = append(results, res)
	}

	sortResults(results, q.Sort)
	return results, nil
}

// sortResults orders by the requested key with a stable created_at DESC
// tie-break, which ListOpenLots already provides.
func sortResults(results []Result, key SortKey) {
	var less func(a, b Result) bool
	switch key {
	case SortUrgency:
		less = func(a, b Result) bool { return a.Lot.IsUrgent && !b.Lot.IsUrgent }
	case SortPriceAsc:
		less = func(a, b Result) bool { return a.Lot.DiscountedPrice < b.Lot.DiscountedPrice }
	case SortPriceDesc:
		less = func(a, b Result) bool { return a.Lot.DiscountedPrice > b.Lot.DiscountedPrice }
	case SortQuantity:
		less = func(a, b Result) bool { return a.Available > b.Available }
	case SortDistance:
		less = func(a, b Result) bool {
			switch {
			case a.DistanceKm == nil:
				return false
			case b.DistanceKm == nil:
				return true
			default:
				return *a.DistanceKm < *b.DistanceKm
			}
		}
	default:
		return
	}
	sort.SliceStable(results, func(i, j int) bool { return less(results[i], results[j]) })
}

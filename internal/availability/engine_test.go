package availability_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	"github.com/panierlocal/surplus-reservations/internal/adapters/mongo"
	"github.com/panierlocal/surplus-reservations/internal/availability"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/geo"
)

type fakeLotStore struct {
	lots []domain.Lot
}

func (f *fakeLotStore) ListOpenLots(ctx context.Context, filter crdb.LotFilter, now time.Time) ([]domain.Lot, error) {
	var out []domain.Lot
	for _, lot := range f.lots {
		if lot.Status != domain.LotAvailable || lot.PickupEnd.Before(now) {
			continue
		}
		if filter.DonationMode {
			if !lot.IsFree {
				continue
			}
		} else if lot.DiscountedPrice <= 0 {
			continue
		}
		if filter.Category != nil && lot.Category != *filter.Category {
			continue
		}
		if filter.IsUrgent != nil && lot.IsUrgent != *filter.IsUrgent {
			continue
		}
		out = append(out, lot)
	}
	return out, nil
}

func (f *fakeLotStore) GetLot(ctx context.Context, id uuid.UUID) (*domain.Lot, error) {
	for _, lot := range f.lots {
		if lot.ID == id {
			return &lot, nil
		}
	}
	return nil, domain.ErrNotFound
}

type fakeMerchantStore struct {
	docs map[uuid.UUID]mongo.MerchantDoc
}

func (f *fakeMerchantStore) GetMerchants(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]mongo.MerchantDoc, error) {
	return f.docs, nil
}

func openLot(merchantID uuid.UUID, mutate func(*domain.Lot)) domain.Lot {
	lot := domain.Lot{
		ID:              uuid.New(),
		MerchantID:      merchantID,
		Title:           "surprise bag",
		Category:        "bakery",
		DiscountedPrice: 4.5,
		QuantityTotal:   10,
		PickupEnd:       time.Now().Add(2 * time.Hour),
		Status:          domain.LotAvailable,
		CreatedAt:       time.Now(),
	}
	if mutate != nil {
		mutate(&lot)
	}
	return lot
}

func TestAvailable_FloorsAtZero(t *testing.T) {
	lot := openLot(uuid.New(), func(l *domain.Lot) {
		l.QuantityTotal = 5
		l.QuantityReserved = 3
		l.QuantitySold = 3
	})
	require.Equal(t, 0, lot.Available())
}

func TestDiscover_FiltersAndSorts(t *testing.T) {
	merchantID := uuid.New()
	cheap := openLot(merchantID, func(l *domain.Lot) { l.DiscountedPrice = 2 })
	pricey := openLot(merchantID, func(l *domain.Lot) { l.DiscountedPrice = 9 })
	free := openLot(merchantID, func(l *domain.Lot) { l.DiscountedPrice = 0; l.IsFree = true })
	expired := openLot(merchantID, func(l *domain.Lot) { l.Status = domain.LotExpired })

	engine := availability.NewEngine(
		&fakeLotStore{lots: []domain.Lot{pricey, cheap, free, expired}},
		&fakeMerchantStore{docs: map[uuid.UUID]mongo.MerchantDoc{}},
	)

	results, err := engine.Discover(context.Background(), availability.Query{Sort: availability.SortPriceAsc})
	require.NoError(t, err)
	require.Len(t, results, 2, "free and expired lots must be excluded from the paid query")
	require.Equal(t, cheap.ID, results[0].Lot.ID)
	require.Equal(t, pricey.ID, results[1].Lot.ID)
}

func TestDiscover_DonationMode(t *testing.T) {
	merchantID := uuid.New()
	paid := openLot(merchantID, nil)
	free := openLot(merchantID, func(l *domain.Lot) { l.DiscountedPrice = 0; l.IsFree = true })

	engine := availability.NewEngine(
		&fakeLotStore{lots: []domain.Lot{paid, free}},
		&fakeMerchantStore{docs: map[uuid.UUID]mongo.MerchantDoc{}},
	)

	results, err := engine.Discover(context.Background(), availability.Query{DonationMode: true})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, free.ID, results[0].Lot.ID)
}

func TestDiscover_EmptyResultIsNotAnError(t *testing.T) {
	engine := availability.NewEngine(
		&fakeLotStore{},
		&fakeMerchantStore{docs: map[uuid.UUID]mongo.MerchantDoc{}},
	)
	results, err := engine.Discover(context.Background(), availability.Query{})
	require.NoError(t, err)
	require.Empty(t, results)
}

func TestDiscover_DistanceFilter(t *testing.T) {
	paris := geo.Point{Lat: 48.8566, Lon: 2.3522}

	nearID := uuid.New()
	farID := uuid.New()
	unresolvedID := uuid.New()

	near := openLot(nearID, nil)
	far := openLot(farID, nil)
	unresolved := openLot(unresolvedID, nil)

	docs := map[uuid.UUID]mongo.MerchantDoc{
		nearID:       {ID: nearID, Name: "near", Latitude: 48.86, Longitude: 2.35, Resolved: true},
		farID:        {ID: farID, Name: "far (Lyon)", Latitude: 45.7640, Longitude: 4.8357, Resolved: true},
		unresolvedID: {ID: unresolvedID, Name: "unresolved"},
	}

	engine := availability.NewEngine(
		&fakeLotStore{lots: []domain.Lot{near, far, unresolved}},
		&fakeMerchantStore{docs: docs},
	)

	results, err := engine.Discover(context.Background(), availability.Query{
		Caller:        &paris,
		MaxDistanceKm: 10,
		Sort:          availability.SortDistance,
	})
	require.NoError(t, err)

	// The far merchant is filtered out; the unresolved one stays in
	// (excluded from the distance filter only) but sorts last.
	require.Len(t, results, 2)
	require.Equal(t, near.ID, results[0].Lot.ID)
	require.NotNil(t, results[0].DistanceKm)
	require.Equal(t, unresolved.ID, results[1].Lot.ID)
	require.Nil(t, results[1].DistanceKm)
}

func TestDiscover_SortQuantityDesc(t *testing.T) {
	merchantID := uuid.New()
	small := openLot(merchantID, func(l *domain.Lot) { l.QuantityTotal = 2 })
	big := openLot(merchantID, func(l *domain.Lot) { l.QuantityTotal = 20 })

	engine := availability.NewEngine(
		&fakeLotStore{lots: []domain.Lot{small, big}},
		&fakeMerchantStore{docs: map[uuid.UUID]mongo.MerchantDoc{}},
	)
	results, err := engine.Discover(context.Background(), availability.Query{Sort: availability.SortQuantity})
	require.NoError(t, err)
	require.Equal(t, big.ID, results[0].Lot.ID)
}

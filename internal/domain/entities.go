package domain

import (
	"time"

	"github.com/google/uuid"
)

type LotStatus string

const (
	LotAvailable LotStatus = "available"
	LotExpired   LotStatus = "expired"
	LotWithdrawn LotStatus = "withdrawn"
)

type Lot struct {
	ID                uuid.UUID
	MerchantID        uuid.UUID
	Title             string
	Category          string
	OriginalPrice     float64
	DiscountedPrice   float64
	QuantityTotal     int
	QuantityReserved  int
	QuantitySold      int
	PickupStart       time.Time
	PickupEnd         time.Time
	IsUrgent          bool
	IsFree            bool
	RequiresColdChain bool
	Status            LotStatus
	CreatedAt         time.Time
}

// Available is the quantity still open for reservation, floored at zero.
func (l Lot) Available() int {
	avail := l.QuantityTotal - l.QuantityReserved - l.QuantitySold
	if avail < 0 {
		return 0
	}
	return avail
}

type ReservationStatus string

const (
	ReservationPending   ReservationStatus = "pending"
	ReservationConfirmed ReservationStatus = "confirmed"
	ReservationCompleted ReservationStatus = "completed"
	ReservationCancelled ReservationStatus = "cancelled"
)

type Reservation struct {
	ID                uuid.UUID
	LotID             uuid.UUID
	MerchantID        uuid.UUID
	UserID            uuid.UUID
	Quantity          int
	TotalPrice        float64
	PickupPIN         string
	CartGroupID       *uuid.UUID
	Status            ReservationStatus
	IsDonation        bool
	CustomerConfirmed bool
	CreatedAt         time.Time
}

// Active reports whether the reservation still holds inventory.
func (r Reservation) Active() bool {
	return r.Status == ReservationPending || r.Status == ReservationConfirmed
}

// CartGroup ties reservations made in one checkout against the same
// merchant to a single pickup credential.
type CartGroup struct {
	ID           uuid.UUID
	MerchantID   uuid.UUID
	PickupPIN    string
	Reservations []Reservation
}

func (g CartGroup) TotalPrice() float64 {
	var total float64
	for _, r := range g.Reservations {
		total += r.TotalPrice
	}
	return total
}

// MerchantLocation is read-only here; the merchant catalog owns it.
type MerchantLocation struct {
	MerchantID uuid.UUID
	Name       string
	Address    string
	Latitude   float64
	Longitude  float64
}

package domain

import (
	"time"

	"github.com/google/uuid"
)

// DonationCancelWindow bounds how long after creation a donation
// reservation may still be cancelled.
const DonationCancelWindow = 30 * time.Minute

func NewReservation(lot Lot, quantity int, userID uuid.UUID, isDonation bool, pin string) Reservation {
	price := 0.0
	if !isDonation {
		price = lot.DiscountedPrice * float64(quantity)
	}
	return Reservation{
		ID:         uuid.New(),
		LotID:      lot.ID,
		MerchantID: lot.MerchantID,
		UserID:     userID,
		Quantity:   quantity,
		TotalPrice: price,
		PickupPIN:  pin,
		Status:     ReservationPending,
		IsDonation: isDonation,
		CreatedAt:  time.Now().UTC(),
	}
}

// Cancellable reports whether the reservation may still be cancelled at
// the given instant. Donations get a bounded window; paid reservations
// only need to still be pending.
func (r Reservation) Cancellable(now time.Time) error {
	if r.Status != ReservationPending {
		return ErrConflict
	}
	if r.IsDonation && now.Sub(r.CreatedAt) > DonationCancelWindow {
		return ErrCancellationWindowExpired
	}
	return nil
}

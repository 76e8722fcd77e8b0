// Package workflow is the reservation state machine: it governs a
// reservation from creation through cancellation or pickup and
// customer confirmation, delegating every inventory mutation to the
// store's atomic conditional updates.
package workflow

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/notify"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

// pinAttempts bounds how often a clashing PIN is redrawn before the
// reserve call gives up. Collisions in a per-merchant 6-digit space are
// rare enough that hitting the bound means something else is wrong.
const pinAttempts = 5

// Store is the transactional storage contract. Implementations must
// make each method a single atomic unit of work; callers never see or
// write raw quantity fields.
type Store interface {
	GetLot(ctx context.Context, id uuid.UUID) (*domain.Lot, error)
	GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error)
	GetActiveByPIN(ctx context.Context, merchantID uuid.UUID, pin string) ([]domain.Reservation, error)
	CreateReservations(ctx context.Context, reservations []domain.Reservation, event notify.Event) error
	Cancel(ctx context.Context, res domain.Reservation, event notify.Event) error
	CompletePickup(ctx context.Context, reservations []domain.Reservation, event notify.Event) error
	ConfirmAndQueueSettlement(ctx context.Context, id, userID uuid.UUID) (*domain.Reservation, error)
}

// PinIssuer draws pickup credentials.
type PinIssuer interface {
	IssueSingle() (string, error)
	IssueForCart() (string, uuid.UUID, error)
}

// Settler pushes a freshly queued settlement; failures leave the
// payout queued for the worker and are not the caller's problem.
type Settler interface {
	SettleNow(ctx context.Context, reservationID uuid.UUID)
}

type Workflow struct {
	store   Store
	pins    PinIssuer
	settler Settler
	logger  observability.Logger
	now     func() time.Time
}

func New(store Store, pins PinIssuer, settler Settler, logger observability.Logger) *Workflow {
	return &Workflow{
		store:   store,
		pins:    pins,
		settler: settler,
		logger:  logger,
		now:     time.Now,
	}
}

func (w *Workflow) Get(ctx context.Context, reservationID uuid.UUID) (*domain.Reservation, error) {
	return w.store.GetReservation(ctx, reservationID)
}

// Reserve claims quantity against the lot and returns the reservation
// carrying its pickup PIN.
func (w *Workflow) Reserve(ctx context.Context, lotID uuid.UUID, quantity int, userID uuid.UUID, isDonation bool) (*domain.Reservation, error) {
	if quantity < 1 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "quantity must be at least 1")
	}

	lot, err := w.store.GetLot(ctx, lotID)
	if err != nil {
		return nil, err
	}
	if isDonation && !lot.IsFree {
		return nil, errors.Wrap(domain.ErrInvalidInput, "lot is not donation-eligible")
	}

	for attempt := 0; attempt < pinAttempts; attempt++ {
		pin, err := w.pins.IssueSingle()
		if err != nil {
			return nil, err
		}
		res := domain.NewReservation(*lot, quantity, userID, isDonation, pin)
		event := notify.Event{
			UserID: userID,
			Kind:   notify.KindReservationCreated,
			Payload: map[string]interface{}{
				"reservation_id": res.ID,
				"lot_id":         lot.ID,
				"quantity":       quantity,
			},
		}
		err = w.store.CreateReservations(ctx, []domain.Reservation{res}, event)
		if errors.Is(err, domain.ErrConflict) {
			continue // PIN clash, redraw
		}
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				observability.InsufficientStockTotal.Inc()
			}
			return nil, err
		}
		observability.ReservationsTotal.WithLabelValues("single").Inc()
		return &res, nil
	}
	return nil, errors.Wrap(domain.ErrConflict, "could not issue a unique pickup PIN")
}

// CartItem is one line of a multi-lot checkout.
type CartItem struct {
	LotID    uuid.UUID
	Quantity int
}

// ReserveCart reserves several lots of one merchant in a single action.
// All members share one PIN and cart group id, and either the whole
// cart commits or none of it does.
func (w *Workflow) ReserveCart(ctx context.Context, merchantID uuid.UUID, items []CartItem, userID uuid.UUID, isDonation bool) (*domain.CartGroup, error) {
	if len(items) == 0 {
		return nil, errors.Wrap(domain.ErrInvalidInput, "empty cart")
	}

	lots := make([]*domain.Lot, len(items))
	for i, item := range items {
		if item.Quantity < 1 {
			return nil, errors.Wrap(domain.ErrInvalidInput, "quantity must be at least 1")
		}
		lot, err := w.store.GetLot(ctx, item.LotID)
		if err != nil {
			return nil, err
		}
		if lot.MerchantID != merchantID {
			return nil, errors.Wrap(domain.ErrInvalidInput, "cart spans multiple merchants")
		}
		if isDonation && !lot.IsFree {
			return nil, errors.Wrap(domain.ErrInvalidInput, "lot is not donation-eligible")
		}
		lots[i] = lot
	}

	for attempt := 0; attempt < pinAttempts; attempt++ {
		pin, groupID, err := w.pins.IssueForCart()
		if err != nil {
			return nil, err
		}
		reservations := make([]domain.Reservation, len(items))
		for i, item := range items {
			res := domain.NewReservation(*lots[i], item.Quantity, userID, isDonation, pin)
			res.CartGroupID = &groupID
			reservations[i] = res
		}
		event := notify.Event{
			UserID: userID,
			Kind:   notify.KindReservationCreated,
			Payload: map[string]interface{}{
				"cart_group_id": groupID,
				"items":         len(items),
			},
		}
		err = w.store.CreateReservations(ctx, reservations, event)
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			if errors.Is(err, domain.ErrInsufficientStock) {
				observability.InsufficientStockTotal.Inc()
			}
			return nil, err
		}
		observability.ReservationsTotal.WithLabelValues("cart").Inc()
		return &domain.CartGroup{
			ID:           groupID,
			MerchantID:   merchantID,
			PickupPIN:    pin,
			Reservations: reservations,
		}, nil
	}
	return nil, errors.Wrap(domain.ErrConflict, "could not issue a unique pickup PIN")
}

// Cancel tears down a pending reservation and restores availability.
// Donations only cancel within their bounded window.
func (w *Workflow) Cancel(ctx context.Context, reservationID uuid.UUID) error {
	res, err := w.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if err := res.Cancellable(w.now()); err != nil {
		return err
	}
	event := notify.Event{
		UserID: res.UserID,
		Kind:   notify.KindReservationCancelled,
		Payload: map[string]interface{}{
			"reservation_id": res.ID,
			"lot_id":         res.LotID,
		},
	}
	return w.store.Cancel(ctx, *res, event)
}

// MarkPickedUp completes a single reservation after the merchant
// validated the credential out-of-band.
func (w *Workflow) MarkPickedUp(ctx context.Context, reservationID uuid.UUID) error {
	res, err := w.store.GetReservation(ctx, reservationID)
	if err != nil {
		return err
	}
	if !res.Active() {
		return domain.ErrConflict
	}
	return w.completeAll(ctx, []domain.Reservation{*res})
}

// PickupClaims carries the extra fields of a scanned QR payload. All
// fields are optional; a bare PIN entered by hand arrives with none.
type PickupClaims struct {
	Kind        string
	UserID      uuid.UUID
	CartGroupID *uuid.UUID
}

// matches reports whether the claims agree with what the PIN resolved
// to. A stale or tampered QR code fails here.
func (c *PickupClaims) matches(reservations []domain.Reservation) bool {
	if c == nil {
		return true
	}
	first := reservations[0]
	if c.UserID != uuid.Nil && c.UserID != first.UserID {
		return false
	}
	if c.CartGroupID != nil {
		if first.CartGroupID == nil || *first.CartGroupID != *c.CartGroupID {
			return false
		}
	}
	switch c.Kind {
	case "":
	case "single":
		if first.CartGroupID != nil {
			return false
		}
	case "cart":
		if first.CartGroupID == nil {
			return false
		}
	default:
		return false
	}
	return true
}

// PickupByPIN resolves a presented PIN to the merchant's active
// reservations (the whole cart group, if any) and completes them.
// When QR claims are present they must agree with the resolved group.
func (w *Workflow) PickupByPIN(ctx context.Context, merchantID uuid.UUID, pin string, claims *PickupClaims) ([]domain.Reservation, error) {
	reservations, err := w.store.GetActiveByPIN(ctx, merchantID, pin)
	if err != nil {
		return nil, err
	}
	if len(reservations) == 0 {
		return nil, domain.ErrNotFound
	}
	// A mismatch reads the same as an unknown PIN so a guessed code
	// reveals nothing about the claim fields.
	if !claims.matches(reservations) {
		return nil, domain.ErrNotFound
	}
	if err := w.completeAll(ctx, reservations); err != nil {
		return nil, err
	}
	return reservations, nil
}

func (w *Workflow) completeAll(ctx context.Context, reservations []domain.Reservation) error {
	first := reservations[0]
	event := notify.Event{
		UserID: first.UserID,
		Kind:   notify.KindReservationPickedUp,
		Payload: map[string]interface{}{
			"reservation_id": first.ID,
			"count":          len(reservations),
		},
	}
	return w.store.CompletePickup(ctx, reservations, event)
}

// ConfirmReceipt flips customer_confirmed exactly once and triggers
// settlement. Donations are exempt; a repeat call gets AlreadyConfirmed
// and never a second payout.
func (w *Workflow) ConfirmReceipt(ctx context.Context, reservationID, userID uuid.UUID) error {
	res, err := w.store.ConfirmAndQueueSettlement(ctx, reservationID, userID)
	if err != nil {
		return err
	}
	w.logger.WithField("reservation_id", res.ID.String()).Info("receipt confirmed, settlement queued")
	if w.settler != nil {
		w.settler.SettleNow(ctx, res.ID)
	}
	return nil
}

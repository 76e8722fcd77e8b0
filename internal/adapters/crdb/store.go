package crdb

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/notify"
)

// Store composes the repository's conditional updates into the
// transactional units the reservation workflow needs. Each method is
// one atomic unit of work: either every effect lands or none does.
type Store struct {
	*Repository
}

func NewStore(repo *Repository) *Store {
	return &Store{Repository: repo}
}

func (s *Store) outboxFor(ctx context.Context, tx pgx.Tx, aggregateID uuid.UUID, event notify.Event) error {
	payload, err := event.Body()
	if err != nil {
		return err
	}
	return s.InsertOutbox(ctx, tx, OutboxRecord{
		ID:            uuid.New(),
		AggregateType: "reservation",
		AggregateID:   aggregateID,
		EventType:     event.Kind,
		Payload:       payload,
		DedupeKey:     uuid.New().String(),
	})
}

// CreateReservations claims the shared PIN, takes an inventory hold per
// lot, inserts every reservation row and queues the notification, all
// in one SERIALIZABLE transaction.
func (s *Store) CreateReservations(ctx context.Context, reservations []domain.Reservation, event notify.Event) error {
	if len(reservations) == 0 {
		return domain.ErrInvalidInput
	}
	first := reservations[0]
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.ClaimPIN(ctx, tx, first.MerchantID, first.PickupPIN); err != nil {
			return err
		}
		for _, res := range reservations {
			if err := s.TryReserve(ctx, tx, res.LotID, res.Quantity); err != nil {
				return err
			}
		}
		if len(reservations) == 1 {
			if err := s.CreateReservation(ctx, tx, first); err != nil {
				return err
			}
		} else {
			if err := s.CreateCartReservations(ctx, tx, reservations); err != nil {
				return err
			}
		}
		return s.outboxFor(ctx, tx, first.ID, event)
	})
}

// Cancel releases the hold and retires the credential together with the
// status flip.
func (s *Store) Cancel(ctx context.Context, res domain.Reservation, event notify.Event) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.CancelReservation(ctx, tx, res.ID); err != nil {
			return err
		}
		if err := s.Release(ctx, tx, res.LotID, res.Quantity); err != nil {
			return err
		}
		if err := s.ReleasePIN(ctx, tx, res.MerchantID, res.PickupPIN); err != nil {
			return err
		}
		return s.outboxFor(ctx, tx, res.ID, event)
	})
}

// CompletePickup finishes one or more reservations sharing a credential:
// reserved quantity moves to sold and the PIN is retired.
func (s *Store) CompletePickup(ctx context.Context, reservations []domain.Reservation, event notify.Event) error {
	if len(reservations) == 0 {
		return domain.ErrNotFound
	}
	first := reservations[0]
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		for _, res := range reservations {
			if err := s.CompleteReservation(ctx, tx, res.ID); err != nil {
				return err
			}
			if err := s.RecordPickup(ctx, tx, res.LotID, res.Quantity); err != nil {
				return err
			}
		}
		if err := s.ReleasePIN(ctx, tx, first.MerchantID, first.PickupPIN); err != nil {
			return err
		}
		return s.outboxFor(ctx, tx, first.ID, event)
	})
}

// ConfirmAndQueueSettlement flips customer_confirmed and records the
// pending payout in one transaction, so a confirmed receipt can never
// silently lose its settlement.
func (s *Store) ConfirmAndQueueSettlement(ctx context.Context, id, userID uuid.UUID) (*domain.Reservation, error) {
	var confirmed *domain.Reservation
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if err := s.ConfirmReceipt(ctx, tx, id, userID); err != nil {
			return err
		}
		res, err := s.GetReservationTx(ctx, tx, id)
		if err != nil {
			return err
		}
		confirmed = res
		return s.InsertSettlement(ctx, tx, SettlementRecord{
			ReservationID: res.ID,
			MerchantID:    res.MerchantID,
			Amount:        res.TotalPrice,
		})
	})
	if err != nil {
		return nil, err
	}
	return confirmed, nil
}

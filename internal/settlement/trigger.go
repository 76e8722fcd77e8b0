package settlement

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

const (
	defaultMaxAttempts = 5
	defaultBatchSize   = 20

	backoffBase = 30 * time.Second
	backoffCap  = 30 * time.Minute
)

// backoffFor doubles the wait per failed attempt, capped so a stuck
// provider still gets retried regularly.
func backoffFor(attempts int) time.Duration {
	d := backoffBase << attempts
	if d > backoffCap || d <= 0 {
		return backoffCap
	}
	return d
}

type Trigger struct {
	repo        *crdb.Repository
	payout      PayoutClient
	logger      observability.Logger
	maxAttempts int
	batchSize   int
}

func NewTrigger(repo *crdb.Repository, payout PayoutClient, logger observability.Logger) *Trigger {
	return &Trigger{
		repo:        repo,
		payout:      payout,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
		batchSize:   defaultBatchSize,
	}
}

// settle pays one claimed record and updates it inside the claiming
// transaction. The row lock is what makes the payout exactly-once:
// nobody else can touch the record until this transaction ends.
func (t *Trigger) settle(ctx context.Context, tx pgx.Tx, rec crdb.SettlementRecord) error {
	err := t.payout.PayMerchant(ctx, rec.ReservationID, rec.MerchantID, rec.Amount)
	if err != nil {
		observability.SettlementRetriesTotal.Inc()
		if rec.Attempts+1 >= t.maxAttempts {
			observability.SettlementsFailedTotal.Inc()
			t.logger.WithField("reservation_id", rec.ReservationID.String()).
				Error("settlement exhausted retries", err)
		} else {
			t.logger.WithField("reservation_id", rec.ReservationID.String()).
				Warn("settlement attempt failed, will retry", err)
		}
		nextAttempt := time.Now().Add(backoffFor(rec.Attempts))
		return t.repo.MarkSettlementFailed(ctx, tx, rec.ReservationID, err.Error(), t.maxAttempts, nextAttempt)
	}
	return t.repo.MarkSettled(ctx, tx, rec.ReservationID, time.Now().UTC())
}

// SettleNow makes one immediate attempt for a freshly confirmed
// reservation. Failures leave the row queued; the worker picks it up.
func (t *Trigger) SettleNow(ctx context.Context, reservationID uuid.UUID) {
	err := t.repo.WithTx(ctx, func(tx pgx.Tx) error {
		rec, err := t.repo.ClaimSettlement(ctx, tx, reservationID)
		if err != nil || rec == nil {
			return err
		}
		return t.settle(ctx, tx, *rec)
	})
	if err != nil {
		t.logger.WithField("reservation_id", reservationID.String()).
			Warn("immediate settlement attempt failed", err)
	}
}

// RunOnce drains one batch of due settlements.
func (t *Trigger) RunOnce(ctx context.Context) error {
	return t.repo.WithTx(ctx, func(tx pgx.Tx) error {
		records, err := t.repo.ClaimDueSettlements(ctx, tx, t.batchSize)
		if err != nil {
			return err
		}
		for _, rec := range records {
			if err := t.settle(ctx, tx, rec); err != nil {
				return err
			}
		}
		return nil
	})
}

// Run polls until the context ends.
func (t *Trigger) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.RunOnce(ctx); err != nil && !isTransient(err) {
				t.logger.Error("settlement sweep failed", err)
			}
		}
	}
}

func isTransient(err error) bool {
	return errors.Is(err, domain.ErrSerializationFailure) || errors.Is(err, domain.ErrStoreUnavailable)
}

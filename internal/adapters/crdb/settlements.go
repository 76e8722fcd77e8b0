package crdb

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type SettlementRecord struct {
	ReservationID uuid.UUID
	MerchantID    uuid.UUID
	Amount        float64
	Status        string // NEW, SETTLED, FAILED
	Attempts      int
	LastError     *string
	NextAttemptAt time.Time
	CreatedAt     time.Time
	SettledAt     *time.Time
}

// InsertSettlement queues a payout. Written in the same transaction as
// the customer_confirmed flip so a confirmed receipt can never lose its
// pending payout.
func (r *Repository) InsertSettlement(ctx context.Context, tx pgx.Tx, rec SettlementRecord) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO settlements (reservation_id, merchant_id, amount, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, 'NEW', 0, now())
	`, rec.ReservationID, rec.MerchantID, rec.Amount)
	return err
}

// ClaimDueSettlements locks a batch of unpaid settlements for the
// calling transaction. SKIP LOCKED keeps concurrent workers off each
// other's rows, which is what makes the payout call exactly-once.
func (r *Repository) ClaimDueSettlements(ctx context.Context, tx pgx.Tx, limit int) ([]SettlementRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT reservation_id, merchant_id, amount, status, attempts, last_error, next_attempt_at, created_at, settled_at
		FROM settlements WHERE status = 'NEW' AND next_attempt_at <= now()
		ORDER BY next_attempt_at ASC LIMIT $1 FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []SettlementRecord
	for rows.Next() {
		var rec SettlementRecord
		if err := rows.Scan(&rec.ReservationID, &rec.MerchantID, &rec.Amount,
			&rec.Status, &rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SettledAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// ClaimSettlement locks one specific unpaid settlement, used for the
// immediate attempt right after confirmation. Nil without error when
// the row is already settled or claimed elsewhere.
func (r *Repository) ClaimSettlement(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID) (*SettlementRecord, error) {
	var rec SettlementRecord
	err := tx.QueryRow(ctx, `
		SELECT reservation_id, merchant_id, amount, status, attempts, last_error, next_attempt_at, created_at, settled_at
		FROM settlements WHERE reservation_id = $1 AND status = 'NEW'
		FOR UPDATE SKIP LOCKED
	`, reservationID).Scan(&rec.ReservationID, &rec.MerchantID, &rec.Amount,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SettledAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Repository) MarkSettled(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, settledAt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE settlements SET status = 'SETTLED', settled_at = $2
		WHERE reservation_id = $1
	`, reservationID, settledAt)
	return err
}

// MarkSettlementFailed records an attempt and schedules the next one;
// past maxAttempts the row goes FAILED and stops being retried, but
// stays visible to operators.
func (r *Repository) MarkSettlementFailed(ctx context.Context, tx pgx.Tx, reservationID uuid.UUID, lastError string, maxAttempts int, nextAttempt time.Time) error {
	_, err := tx.Exec(ctx, `
		UPDATE settlements
		SET attempts = attempts + 1,
		    last_error = $2,
		    next_attempt_at = $4,
		    status = CASE WHEN attempts + 1 >= $3 THEN 'FAILED' ELSE 'NEW' END
		WHERE reservation_id = $1
	`, reservationID, lastError, maxAttempts, nextAttempt)
	return err
}

func (r *Repository) GetSettlement(ctx context.Context, reservationID uuid.UUID) (*SettlementRecord, error) {
	var rec SettlementRecord
	err := r.pool.QueryRow(ctx, `
		SELECT reservation_id, merchant_id, amount, status, attempts, last_error, next_attempt_at, created_at, settled_at
		FROM settlements WHERE reservation_id = $1
	`, reservationID).Scan(&rec.ReservationID, &rec.MerchantID, &rec.Amount,
		&rec.Status, &rec.Attempts, &rec.LastError, &rec.NextAttemptAt, &rec.CreatedAt, &rec.SettledAt)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

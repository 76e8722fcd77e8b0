package crdb

import (
	"context"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

const (
	SerializationFailureCode = "40001"
)

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	timer := prometheus.NewTimer(observability.DBTxDuration)
	defer timer.ObserveDuration()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, "SET TRANSACTION ISOLATION LEVEL SERIALIZABLE")
	if err != nil {
		return err
	}

	err = fn(tx)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == SerializationFailureCode {
			return domain.ErrSerializationFailure
		}
		return err
	}

	return tx.Commit(ctx)
}

// TryReserve places a hold of qty on the lot as a single conditional
// update. The guard re-checks availability inside the store so two
// racing reservations can never drive reserved+sold past the total.
func (r *Repository) TryReserve(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, qty int) error {
	result, err := tx.Exec(ctx, `
		UPDATE lots SET quantity_reserved = quantity_reserved + $2
		WHERE id = $1 AND status = 'available'
		  AND quantity_total - quantity_reserved - quantity_sold >= $2
	`, lotID, qty)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		var exists bool
		err := tx.QueryRow(ctx, `
			SELECT EXISTS (SELECT 1 FROM lots WHERE id = $1 AND status = 'available')
		`, lotID).Scan(&exists)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		return domain.ErrInsufficientStock
	}
	return nil
}

// Release gives qty back to the lot. Symmetric with TryReserve and
// guarded the same way so a stale caller cannot drive reserved negative.
func (r *Repository) Release(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, qty int) error {
	result, err := tx.Exec(ctx, `
		UPDATE lots SET quantity_reserved = quantity_reserved - $2
		WHERE id = $1 AND quantity_reserved >= $2
	`, lotID, qty)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// RecordPickup moves qty from reserved to sold in one update.
func (r *Repository) RecordPickup(ctx context.Context, tx pgx.Tx, lotID uuid.UUID, qty int) error {
	result, err := tx.Exec(ctx, `
		UPDATE lots SET quantity_reserved = quantity_reserved - $2,
		                quantity_sold = quantity_sold + $2
		WHERE id = $1 AND quantity_reserved >= $2
	`, lotID, qty)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ClaimPIN registers a pickup PIN as active for a merchant. A clash
// with another currently active credential of the same merchant
// surfaces as ErrConflict so the caller can draw a fresh PIN.
func (r *Repository) ClaimPIN(ctx context.Context, tx pgx.Tx, merchantID uuid.UUID, pin string) error {
	result, err := tx.Exec(ctx, `
		INSERT INTO active_pins (merchant_id, pin) VALUES ($1, $2)
		ON CONFLICT (merchant_id, pin) DO NOTHING
	`, merchantID, pin)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return domain.ErrConflict
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ReleasePIN retires a credential once no active reservation uses it.
func (r *Repository) ReleasePIN(ctx context.Context, tx pgx.Tx, merchantID uuid.UUID, pin string) error {
	_, err := tx.Exec(ctx, `
		DELETE FROM active_pins WHERE merchant_id = $1 AND pin = $2
		AND NOT EXISTS (
			SELECT 1 FROM reservations
			WHERE merchant_id = $1 AND pickup_pin = $2
			  AND status IN ('pending', 'confirmed')
		)
	`, merchantID, pin)
	return err
}

func (r *Repository) CreateReservation(ctx context.Context, tx pgx.Tx, res domain.Reservation) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO reservations
			(id, lot_id, merchant_id, user_id, quantity, total_price,
			 pickup_pin, cart_group_id, status, is_donation, customer_confirmed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
	`, res.ID, res.LotID, res.MerchantID, res.UserID, res.Quantity, res.TotalPrice,
		res.PickupPIN, res.CartGroupID, res.Status, res.IsDonation, res.CreatedAt)
	return err
}

// CreateCartReservations inserts every member of a cart group as one
// pipelined batch. Holds on the lots are taken by the caller
// beforehand, inside the same transaction, so the cart commits
// all-or-nothing. A pgx.Tx is not safe for concurrent use; the batch
// keeps the round trips down without sharing the connection across
// goroutines.
func (r *Repository) CreateCartReservations(ctx context.Context, tx pgx.Tx, reservations []domain.Reservation) error {
	batch := &pgx.Batch{}
	for _, res := range reservations {
		batch.Queue(`
			INSERT INTO reservations
				(id, lot_id, merchant_id, user_id, quantity, total_price,
				 pickup_pin, cart_group_id, status, is_donation, customer_confirmed, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, false, $11)
		`, res.ID, res.LotID, res.MerchantID, res.UserID, res.Quantity, res.TotalPrice,
			res.PickupPIN, res.CartGroupID, res.Status, res.IsDonation, res.CreatedAt)
	}
	results := tx.SendBatch(ctx, batch)
	for range reservations {
		if _, err := results.Exec(); err != nil {
			results.Close()
			return err
		}
	}
	return results.Close()
}

func (r *Repository) GetReservation(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return r.getReservation(ctx, r.pool, id)
}

func (r *Repository) GetReservationTx(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*domain.Reservation, error) {
	return r.getReservation(ctx, tx, id)
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (r *Repository) getReservation(ctx context.Context, q querier, id uuid.UUID) (*domain.Reservation, error) {
	var res domain.Reservation
	err := q.QueryRow(ctx, `
		SELECT id, lot_id, merchant_id, user_id, quantity, total_price,
		       pickup_pin, cart_group_id, status, is_donation, customer_confirmed, created_at
		FROM reservations WHERE id = $1
	`, id).Scan(&res.ID, &res.LotID, &res.MerchantID, &res.UserID, &res.Quantity,
		&res.TotalPrice, &res.PickupPIN, &res.CartGroupID, &res.Status,
		&res.IsDonation, &res.CustomerConfirmed, &res.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// GetActiveByPIN resolves a presented credential to the merchant's
// active reservations (one for a single, several for a cart group).
func (r *Repository) GetActiveByPIN(ctx context.Context, merchantID uuid.UUID, pin string) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, lot_id, merchant_id, user_id, quantity, total_price,
		       pickup_pin, cart_group_id, status, is_donation, customer_confirmed, created_at
		FROM reservations
		WHERE merchant_id = $1 AND pickup_pin = $2 AND status IN ('pending', 'confirmed')
		ORDER BY created_at
	`, merchantID, pin)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

func scanReservations(rows pgx.Rows) ([]domain.Reservation, error) {
	var out []domain.Reservation
	for rows.Next() {
		var res domain.Reservation
		if err := rows.Scan(&res.ID, &res.LotID, &res.MerchantID, &res.UserID,
			&res.Quantity, &res.TotalPrice, &res.PickupPIN, &res.CartGroupID,
			&res.Status, &res.IsDonation, &res.CustomerConfirmed, &res.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

// CancelReservation flips a pending reservation to cancelled; zero rows
// means the state machine forbids the transition.
func (r *Repository) CancelReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	result, err := tx.Exec(ctx, `
		UPDATE reservations SET status = 'cancelled'
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// CompleteReservation marks an active reservation picked up.
func (r *Repository) CompleteReservation(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	result, err := tx.Exec(ctx, `
		UPDATE reservations SET status = 'completed'
		WHERE id = $1 AND status IN ('pending', 'confirmed')
	`, id)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConflict
	}
	return nil
}

// ConfirmReceipt flips customer_confirmed exactly once. The WHERE
// clause is the idempotency guard: a second call matches no row.
func (r *Repository) ConfirmReceipt(ctx context.Context, tx pgx.Tx, id, userID uuid.UUID) error {
	result, err := tx.Exec(ctx, `
		UPDATE reservations SET customer_confirmed = true
		WHERE id = $1 AND user_id = $2 AND status = 'completed'
		  AND customer_confirmed = false AND is_donation = false
	`, id, userID)
	if err != nil {
		return err
	}
	if result.RowsAffected() > 0 {
		return nil
	}

	res, err := r.getReservation(ctx, tx, id)
	if err != nil {
		return err
	}
	switch {
	case res.UserID != userID:
		return domain.ErrNotFound
	case res.CustomerConfirmed:
		return domain.ErrAlreadyConfirmed
	default:
		return domain.ErrConflict
	}
}

func (r *Repository) GetLot(ctx context.Context, id uuid.UUID) (*domain.Lot, error) {
	var lot domain.Lot
	err := r.pool.QueryRow(ctx, `
		SELECT id, merchant_id, title, category, original_price, discounted_price,
		       quantity_total, quantity_reserved, quantity_sold,
		       pickup_start, pickup_end, is_urgent, is_free, requires_cold_chain,
		       status, created_at
		FROM lots WHERE id = $1
	`, id).Scan(&lot.ID, &lot.MerchantID, &lot.Title, &lot.Category,
		&lot.OriginalPrice, &lot.DiscountedPrice, &lot.QuantityTotal,
		&lot.QuantityReserved, &lot.QuantitySold, &lot.PickupStart, &lot.PickupEnd,
		&lot.IsUrgent, &lot.IsFree, &lot.RequiresColdChain, &lot.Status, &lot.CreatedAt)
	if err == pgx.ErrNoRows {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &lot, nil
}

func (r *Repository) CreateLot(ctx context.Context, lot domain.Lot) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO lots
			(id, merchant_id, title, category, original_price, discounted_price,
			 quantity_total, quantity_reserved, quantity_sold,
			 pickup_start, pickup_end, is_urgent, is_free, requires_cold_chain,
			 status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`, lot.ID, lot.MerchantID, lot.Title, lot.Category, lot.OriginalPrice,
		lot.DiscountedPrice, lot.QuantityTotal, lot.QuantityReserved, lot.QuantitySold,
		lot.PickupStart, lot.PickupEnd, lot.IsUrgent, lot.IsFree,
		lot.RequiresColdChain, lot.Status, lot.CreatedAt)
	return err
}

// WithdrawLot takes an available lot off the storefront. Existing
// reservations stay valid; only new ones are blocked.
func (r *Repository) WithdrawLot(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE lots SET status = 'withdrawn'
		WHERE id = $1 AND status = 'available'
	`, id)
	if err != nil {
		return errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetLot(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// LotFilter narrows ListOpenLots. Distance filtering happens in the
// availability engine; the store only knows flat attributes.
type LotFilter struct {
	DonationMode bool
	Category     *string
	IsUrgent     *bool
}

func (r *Repository) ListOpenLots(ctx context.Context, f LotFilter, now time.Time) ([]domain.Lot, error) {
	query := `
		SELECT id, merchant_id, title, category, original_price, discounted_price,
		       quantity_total, quantity_reserved, quantity_sold,
		       pickup_start, pickup_end, is_urgent, is_free, requires_cold_chain,
		       status, created_at
		FROM lots
		WHERE status = 'available' AND pickup_end >= $1`
	args := []any{now}
	if f.DonationMode {
		query += ` AND is_free`
	} else {
		query += ` AND discounted_price > 0`
	}
	if f.Category != nil {
		args = append(args, *f.Category)
		query += ` AND category = $` + strconv.Itoa(len(args))
	}
	if f.IsUrgent != nil {
		args = append(args, *f.IsUrgent)
		query += ` AND is_urgent = $` + strconv.Itoa(len(args))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(domain.ErrStoreUnavailable, err.Error())
	}
	defer rows.Close()

	var lots []domain.Lot
	for rows.Next() {
		var lot domain.Lot
		if err := rows.Scan(&lot.ID, &lot.MerchantID, &lot.Title, &lot.Category,
			&lot.OriginalPrice, &lot.DiscountedPrice, &lot.QuantityTotal,
			&lot.QuantityReserved, &lot.QuantitySold, &lot.PickupStart, &lot.PickupEnd,
			&lot.IsUrgent, &lot.IsFree, &lot.RequiresColdChain, &lot.Status,
			&lot.CreatedAt); err != nil {
			return nil, err
		}
		lots = append(lots, lot)
	}
	return lots, rows.Err()
}

// ExpireLots flips lots past their pickup window and returns them so
// the worker can release pending reservations and notify.
func (r *Repository) ExpireLots(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE lots SET status = 'expired'
		WHERE status = 'available' AND pickup_end <= $1
		RETURNING id
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *Repository) GetPendingReservationsForLot(ctx context.Context, lotID uuid.UUID) ([]domain.Reservation, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, lot_id, merchant_id, user_id, quantity, total_price,
		       pickup_pin, cart_group_id, status, is_donation, customer_confirmed, created_at
		FROM reservations WHERE lot_id = $1 AND status = 'pending'
	`, lotID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanReservations(rows)
}

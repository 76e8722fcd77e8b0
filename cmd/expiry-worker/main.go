package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	"github.com/panierlocal/surplus-reservations/internal/adapters/rabbit"
	"github.com/panierlocal/surplus-reservations/internal/config"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/notify"
	"github.com/panierlocal/surplus-reservations/internal/observability"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdownOtel, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdownOtel()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	store := crdb.NewStore(repo)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("failed to connect to rabbitmq: %v", err)
	}
	defer conn.Close()
	rabbitPub, err := rabbit.NewPublisher(conn)
	if err != nil {
		log.Fatalf("failed to create publisher: %v", err)
	}
	gateway := notify.NewGateway(rabbitPub, logger)

	worker := NewExpiryWorker(store, gateway, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go worker.Run(ctx, time.Minute)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown expiry worker")
}

// ExpiryWorker flips lots past their pickup window to expired and
// releases the reservations still pending against them.
type ExpiryWorker struct {
	store   *crdb.Store
	gateway *notify.Gateway
	logger  observability.Logger
}

func NewExpiryWorker(store *crdb.Store, gateway *notify.Gateway, logger observability.Logger) *ExpiryWorker {
	return &ExpiryWorker{store: store, gateway: gateway, logger: logger}
}

func (w *ExpiryWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if err := w.sweep(ctx, now); err != nil {
				w.logger.Error("expiry sweep failed", err)
			}
		}
	}
}

// sweep handles each expired lot in its own goroutine; every release
// runs a separate pooled transaction, so the lots are independent.
func (w *ExpiryWorker) sweep(ctx context.Context, now time.Time) error {
	lotIDs, err := w.store.ExpireLots(ctx, now)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, lotID := range lotIDs {
		lotID := lotID
		g.Go(func() error {
			pending, err := w.store.GetPendingReservationsForLot(gctx, lotID)
			if err != nil {
				w.logger.WithField("lot_id", lotID.String()).Error("failed to load pending reservations", err)
				return nil
			}
			for _, res := range pending {
				if err := w.releaseWithRetry(gctx, res); err != nil {
					w.logger.WithField("reservation_id", res.ID.String()).
						Error("failed to release reservation after retries", err)
				}
			}
			w.gateway.Notify(gctx, notify.Event{
				Kind:    notify.KindLotExpired,
				Payload: map[string]interface{}{"lot_id": lotID},
			})
			return nil
		})
	}
	return g.Wait()
}

func (w *ExpiryWorker) releaseWithRetry(ctx context.Context, res domain.Reservation) error {
	maxRetries := 3
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		event := notify.Event{
			UserID: res.UserID,
			Kind:   notify.KindReservationCancelled,
			Payload: map[string]interface{}{
				"reservation_id": res.ID,
				"lot_id":         res.LotID,
				"reason":         "lot_expired",
			},
		}
		lastErr = w.store.Cancel(ctx, res, event)
		if lastErr == nil || errors.Is(lastErr, domain.ErrConflict) {
			// Conflict means the reservation already left pending.
			return nil
		}
		backoff := time.Duration(1<<i) * time.Second
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}
	return lastErr
}

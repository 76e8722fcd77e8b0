package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	"github.com/panierlocal/surplus-reservations/internal/config"
	"github.com/panierlocal/surplus-reservations/internal/observability"
	"github.com/panierlocal/surplus-reservations/internal/settlement"
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

	payout := settlement.NewHTTPPayoutClient(cfg.PayoutBaseURL)
	trigger := settlement.NewTrigger(repo, payout, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go trigger.Run(ctx, 30*time.Second)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	logger.Info("Shutdown settlement worker")
}

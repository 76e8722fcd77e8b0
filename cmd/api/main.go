package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	redisclient "github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	mongoadapter "github.com/panierlocal/surplus-reservations/internal/adapters/mongo"
	redisadapter "github.com/panierlocal/surplus-reservations/internal/adapters/redis"
	"github.com/panierlocal/surplus-reservations/internal/availability"
	"github.com/panierlocal/surplus-reservations/internal/config"
	"github.com/panierlocal/surplus-reservations/internal/geo"
	httphandler "github.com/panierlocal/surplus-reservations/internal/http"
	"github.com/panierlocal/surplus-reservations/internal/idempotency"
	"github.com/panierlocal/surplus-reservations/internal/observability"
	"github.com/panierlocal/surplus-reservations/internal/pin"
	"github.com/panierlocal/surplus-reservations/internal/rateLimit"
	"github.com/panierlocal/surplus-reservations/internal/settlement"
	"github.com/panierlocal/surplus-reservations/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	shutdown, err := observability.SetupOTel(context.Background(), cfg)
	if err != nil {
		log.Fatalf("failed to setup otel: %v", err)
	}
	defer shutdown()

	logger := observability.NewLogger()

	pool, err := pgxpool.New(context.Background(), cfg.CRDBDSN)
	if err != nil {
		log.Fatalf("failed to connect to crdb: %v", err)
	}
	defer pool.Close()
	repo := crdb.NewRepository(pool)
	store := crdb.NewStore(repo)

	mongoClient, err := mongo.Connect(context.Background(), options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		log.Fatalf("failed to connect to mongo: %v", err)
	}
	defer mongoClient.Disconnect(context.Background())
	mongoDB := mongoClient.Database("surplus")
	merchants := mongoadapter.NewMerchantCatalog(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	geoCache := redisadapter.NewCache(redisClient, cfg.GeoCacheTTL)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(geoCache)

	resolver := geo.NewResolver(cfg.GeocodeBaseURL, geoCache, cfg.GeocodeDelay)
	engine := availability.NewEngine(repo, merchants)
	payout := settlement.NewHTTPPayoutClient(cfg.PayoutBaseURL)
	trigger := settlement.NewTrigger(repo, payout, logger)
	wf := workflow.New(store, pin.NewIssuer(), trigger, logger)

	handlers := httphandler.NewHandlers(cfg, wf, engine, resolver, idemp, audit, repo, merchants)
	r := httphandler.SetupRouter(handlers, logger, rl)

	srv := &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %s\n", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown Server ...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server Shutdown:", err)
	}
	logger.Info("Server exiting")
}

package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/panierlocal/surplus-reservations/internal/adapters/crdb"
	mongoadapter "github.com/panierlocal/surplus-reservations/internal/adapters/mongo"
	"github.com/panierlocal/surplus-reservations/internal/adapters/rabbit"
	redisadapter "github.com/panierlocal/surplus-reservations/internal/adapters/redis"
	"github.com/panierlocal/surplus-reservations/internal/availability"
	"github.com/panierlocal/surplus-reservations/internal/config"
	"github.com/panierlocal/surplus-reservations/internal/domain"
	"github.com/panierlocal/surplus-reservations/internal/geo"
	httphandler "github.com/panierlocal/surplus-reservations/internal/http"
	"github.com/panierlocal/surplus-reservations/internal/idempotency"
	"github.com/panierlocal/surplus-reservations/internal/observability"
	"github.com/panierlocal/surplus-reservations/internal/outbox"
	"github.com/panierlocal/surplus-reservations/internal/pin"
	"github.com/panierlocal/surplus-reservations/internal/rateLimit"
	"github.com/panierlocal/surplus-reservations/internal/settlement"
	"github.com/panierlocal/surplus-reservations/internal/workflow"
)

const schema = `
	CREATE DATABASE IF NOT EXISTS surplus;
	CREATE TABLE IF NOT EXISTS surplus.lots (
		id UUID PRIMARY KEY,
		merchant_id UUID,
		title TEXT,
		category TEXT,
		original_price NUMERIC,
		discounted_price NUMERIC,
		quantity_total INT,
		quantity_reserved INT DEFAULT 0,
		quantity_sold INT DEFAULT 0,
		pickup_start TIMESTAMPTZ,
		pickup_end TIMESTAMPTZ,
		is_urgent BOOL DEFAULT false,
		is_free BOOL DEFAULT false,
		requires_cold_chain BOOL DEFAULT false,
		status TEXT,
		created_at TIMESTAMPTZ,
		CHECK (quantity_reserved >= 0 AND quantity_sold >= 0),
		CHECK (quantity_reserved + quantity_sold <= quantity_total)
	);
	CREATE TABLE IF NOT EXISTS surplus.reservations (
		id UUID PRIMARY KEY,
		lot_id UUID,
		merchant_id UUID,
		user_id UUID,
		quantity INT,
		total_price NUMERIC,
		pickup_pin TEXT,
		cart_group_id UUID,
		status TEXT,
		is_donation BOOL DEFAULT false,
		customer_confirmed BOOL DEFAULT false,
		created_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS surplus.active_pins (
		merchant_id UUID,
		pin TEXT,
		PRIMARY KEY (merchant_id, pin)
	);
	CREATE TABLE IF NOT EXISTS surplus.settlements (
		reservation_id UUID PRIMARY KEY,
		merchant_id UUID,
		amount NUMERIC,
		status TEXT DEFAULT 'NEW',
		attempts INT DEFAULT 0,
		last_error TEXT,
		next_attempt_at TIMESTAMPTZ DEFAULT now(),
		created_at TIMESTAMPTZ DEFAULT now(),
		settled_at TIMESTAMPTZ
	);
	CREATE TABLE IF NOT EXISTS surplus.outbox (
		id UUID PRIMARY KEY,
		aggregate_type TEXT,
		aggregate_id UUID,
		event_type TEXT,
		payload_json BYTES,
		created_at TIMESTAMPTZ DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT DEFAULT 'NEW',
		dedupe_key TEXT
	);
`

func TestIntegration_ReservePickupConfirm(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForExec([]string{"mongo", "--eval", "db.runCommand('ping').ok"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, err := crdbContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	crdbPort, err := crdbContainer.MappedPort(ctx, "26257")
	if err != nil {
		t.Fatal(err)
	}
	mongoHost, err := mongoContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	mongoPort, err := mongoContainer.MappedPort(ctx, "27017")
	if err != nil {
		t.Fatal(err)
	}
	redisHost, err := redisContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	redisPort, err := redisContainer.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatal(err)
	}
	rabbitHost, err := rabbitContainer.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	rabbitPort, err := rabbitContainer.MappedPort(ctx, "5672")
	if err != nil {
		t.Fatal(err)
	}

	// Payout provider stub, accepts everything.
	payoutSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer payoutSrv.Close()

	geocodeSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"latitude": 48.8566, "longitude": 2.3522, "formattedAddress": "Paris"})
	}))
	defer geocodeSrv.Close()

	cfg := &config.Config{
		CRDBDSN:        "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/surplus?sslmode=disable",
		MongoURI:       "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:      redisHost + ":" + redisPort.Port(),
		RabbitURL:      "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		GeocodeBaseURL: geocodeSrv.URL,
		GeocodeDelay:   200 * time.Millisecond,
		GeoCacheTTL:    time.Hour,
		PayoutBaseURL:  payoutSrv.URL,
		IdempotencyTTL: time.Hour,
		OTLPEndpoint:   "", // Skip otel for test
	}

	// Setup dependencies
	pool, err := pgxpool.New(ctx, cfg.CRDBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := crdb.NewRepository(pool)
	store := crdb.NewStore(repo)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("surplus")
	logger := observability.NewLogger()
	merchants := mongoadapter.NewMerchantCatalog(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	geoCache := redisadapter.NewCache(redisClient, cfg.GeoCacheTTL)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, cfg.IdempotencyTTL)
	rl := rateLimit.NewRateLimiter(geoCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()
	rabbitPub, err := rabbit.NewPublisher(rabbitConn)
	if err != nil {
		t.Fatal(err)
	}
	consumer, err := rabbit.NewConsumer(rabbitConn, "notifications.q", "reservation.#")
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}

	outboxCtx, outboxCancel := context.WithCancel(ctx)
	defer outboxCancel()
	go outbox.NewPublisher(repo, rabbitPub, logger).Run(outboxCtx, time.Second)

	resolver := geo.NewResolver(cfg.GeocodeBaseURL, geoCache, cfg.GeocodeDelay)
	engine := availability.NewEngine(repo, merchants)
	payout := settlement.NewHTTPPayoutClient(cfg.PayoutBaseURL)
	trigger := settlement.NewTrigger(repo, payout, logger)
	wf := workflow.New(store, pin.NewIssuer(), trigger, logger)

	handlers := httphandler.NewHandlers(cfg, wf, engine, resolver, idemp, audit, repo, merchants)
	r := httphandler.SetupRouter(handlers, logger, rl)

	// Start server
	srv := &http.Server{Addr: ":8089", Handler: r}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			t.Error(err)
		}
	}()
	defer srv.Shutdown(ctx)
	time.Sleep(100 * time.Millisecond)

	// Seed a merchant and a lot
	merchantID := uuid.New()
	userID := uuid.New()
	err = merchants.UpsertMerchant(ctx, mongoadapter.MerchantDoc{
		ID:        merchantID,
		Name:      "Boulangerie du Canal",
		Address:   "12 Quai de Jemmapes, Paris",
		Latitude:  48.8721,
		Longitude: 2.3642,
		Resolved:  true,
	})
	if err != nil {
		t.Fatal(err)
	}

	lotReq := map[string]interface{}{
		"merchant_id":      merchantID.String(),
		"title":            "End-of-day pastry box",
		"category":         "bakery",
		"original_price":   12,
		"discounted_price": 4.5,
		"quantity_total":   3,
		"pickup_start":     time.Now().Format(time.RFC3339),
		"pickup_end":       time.Now().Add(3 * time.Hour).Format(time.RFC3339),
	}
	lotBody, _ := json.Marshal(lotReq)
	req, _ := http.NewRequest("POST", "http://localhost:8089/v1/lots", bytes.NewReader(lotBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", merchantID.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("create lot failed: %v, status: %d", err, resp.StatusCode)
	}
	var lotResp struct {
		LotID uuid.UUID `json:"lot_id"`
	}
	json.NewDecoder(resp.Body).Decode(&lotResp)

	// Discover
	req, _ = http.NewRequest("GET", "http://localhost:8089/v1/lots?lat=48.8566&lon=2.3522", nil)
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("discover failed: %v, status: %d", err, resp.StatusCode)
	}
	var lots []struct {
		ID           uuid.UUID `json:"id"`
		MerchantName string    `json:"merchant_name"`
		Available    int       `json:"available"`
		DistanceKm   *float64  `json:"distance_km"`
	}
	json.NewDecoder(resp.Body).Decode(&lots)
	if len(lots) != 1 || lots[0].ID != lotResp.LotID {
		t.Fatalf("expected the seeded lot, got %+v", lots)
	}
	if lots[0].Available != 3 || lots[0].MerchantName != "Boulangerie du Canal" || lots[0].DistanceKm == nil {
		t.Errorf("unexpected discover payload: %+v", lots[0])
	}

	// Merchant detail behind a discovered lot
	req, _ = http.NewRequest("GET", "http://localhost:8089/v1/merchants/"+merchantID.String(), nil)
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("merchant detail failed: %v, status: %d", err, resp.StatusCode)
	}
	var merchantResp struct {
		Name     string   `json:"name"`
		Latitude *float64 `json:"latitude"`
	}
	json.NewDecoder(resp.Body).Decode(&merchantResp)
	if merchantResp.Name != "Boulangerie du Canal" || merchantResp.Latitude == nil {
		t.Errorf("unexpected merchant detail: %+v", merchantResp)
	}

	// Reserve
	idempKey := uuid.New().String()
	reserveReq := map[string]interface{}{
		"lot_id":   lotResp.LotID.String(),
		"quantity": 2,
		"user_id":  userID.String(),
	}
	reserveBody, _ := json.Marshal(reserveReq)
	req, _ = http.NewRequest("POST", "http://localhost:8089/v1/reservations", bytes.NewReader(reserveBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempKey)
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve failed: %v, status: %d", err, resp.StatusCode)
	}
	var reserveResp struct {
		ReservationID uuid.UUID `json:"reservation_id"`
		PickupPIN     string    `json:"pickup_pin"`
		TotalPrice    float64   `json:"total_price"`
	}
	json.NewDecoder(resp.Body).Decode(&reserveResp)
	if len(reserveResp.PickupPIN) != 6 {
		t.Errorf("expected 6-digit pin, got %q", reserveResp.PickupPIN)
	}
	if reserveResp.TotalPrice != 9 {
		t.Errorf("expected total 9.0, got %v", reserveResp.TotalPrice)
	}

	// Retrying the same request must replay, not hold stock twice
	req, _ = http.NewRequest("POST", "http://localhost:8089/v1/reservations", bytes.NewReader(reserveBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", idempKey)
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusCreated {
		t.Fatalf("reserve replay failed: %v, status: %d", err, resp.StatusCode)
	}
	var replayResp struct {
		ReservationID uuid.UUID `json:"reservation_id"`
	}
	json.NewDecoder(resp.Body).Decode(&replayResp)
	if replayResp.ReservationID != reserveResp.ReservationID {
		t.Errorf("replay returned a different reservation: %s vs %s", replayResp.ReservationID, reserveResp.ReservationID)
	}
	got, err := repo.GetLot(ctx, lotResp.LotID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Available() != 1 {
		t.Errorf("expected 1 left after replayed reserve, got %d", got.Available())
	}

	// Merchant scans the QR code; the payload fields ride along with
	// the PIN and must match the reservation.
	pickupReq := map[string]interface{}{
		"merchant_id": merchantID.String(),
		"pin":         reserveResp.PickupPIN,
		"type":        "single",
		"user_id":     userID.String(),
	}
	pickupBody, _ := json.Marshal(pickupReq)
	req, _ = http.NewRequest("POST", "http://localhost:8089/v1/pickups", bytes.NewReader(pickupBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", merchantID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("pickup failed: %v, status: %d", err, resp.StatusCode)
	}

	// Customer confirms receipt, releasing payment
	confirmReq := map[string]interface{}{"user_id": userID.String()}
	confirmBody, _ := json.Marshal(confirmReq)
	req, _ = http.NewRequest("POST", "http://localhost:8089/v1/reservations/"+reserveResp.ReservationID.String()+"/confirm", bytes.NewReader(confirmBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm failed: %v, status: %d", err, resp.StatusCode)
	}

	// A second confirm is a conflict
	req, _ = http.NewRequest("POST", "http://localhost:8089/v1/reservations/"+reserveResp.ReservationID.String()+"/confirm", bytes.NewReader(confirmBody))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on double confirm, got: %v, status: %d", err, resp.StatusCode)
	}

	// Verify final reservation state
	req, _ = http.NewRequest("GET", "http://localhost:8089/v1/reservations/"+reserveResp.ReservationID.String(), nil)
	req.Header.Set("X-User-ID", userID.String())
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("get reservation failed: %v, status: %d", err, resp.StatusCode)
	}
	var getResp struct {
		Status            string `json:"status"`
		CustomerConfirmed bool   `json:"customer_confirmed"`
	}
	json.NewDecoder(resp.Body).Decode(&getResp)
	if getResp.Status != string(domain.ReservationCompleted) || !getResp.CustomerConfirmed {
		t.Errorf("expected completed+confirmed, got %+v", getResp)
	}

	// The payout stub accepted, so the settlement must be settled
	deadline := time.Now().Add(10 * time.Second)
	for {
		rec, err := repo.GetSettlement(ctx, reserveResp.ReservationID)
		if err != nil {
			t.Fatal(err)
		}
		if rec != nil && rec.Status == "SETTLED" {
			if rec.Amount != 9 {
				t.Errorf("expected settled amount 9.0, got %v", rec.Amount)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("settlement never settled: %+v", rec)
		}
		time.Sleep(200 * time.Millisecond)
	}

	// The outbox publisher must deliver reservation events to the queue
	timeout := time.After(15 * time.Second)
	seen := map[string]bool{}
	for !seen["reservation.created"] || !seen["reservation.picked_up"] {
		select {
		case d := <-deliveries:
			seen[d.RoutingKey] = true
			d.Ack(false)
		case <-timeout:
			t.Fatalf("missing outbox events, saw %v", seen)
		}
	}
}

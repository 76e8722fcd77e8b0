package config

import (
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	ListenAddr     string
	CRDBDSN        string
	MongoURI       string
	RedisAddr      string
	RabbitURL      string
	GeocodeBaseURL string
	GeocodeDelay   time.Duration
	GeoCacheTTL    time.Duration
	PayoutBaseURL  string
	IdempotencyTTL time.Duration
	OTLPEndpoint   string
}

func Load() (*Config, error) {
	_ = godotenv.Load()

	return &Config{
		ListenAddr:     envOr("LISTEN_ADDR", ":8080"),
		CRDBDSN:        os.Getenv("CRDB_DSN"),
		MongoURI:       os.Getenv("MONGO_URI"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),
		RabbitURL:      os.Getenv("RABBIT_URL"),
		GeocodeBaseURL: os.Getenv("GEOCODE_BASE_URL"),
		GeocodeDelay:   durationOr("GEOCODE_DELAY", 200*time.Millisecond),
		GeoCacheTTL:    durationOr("GEO_CACHE_TTL", 24*time.Hour),
		PayoutBaseURL:  os.Getenv("PAYOUT_BASE_URL"),
		IdempotencyTTL: durationOr("IDEMPOTENCY_TTL", time.Hour),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func durationOr(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

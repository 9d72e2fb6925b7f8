package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config carries everything the daemons need. Values come from the
// environment; a local .env file is honored when present.
type Config struct {
	HTTPAddr    string
	MetricsAddr string

	DatabaseURL string
	DBTimeout   time.Duration

	JWTSecret string

	QueueURL  string
	AWSRegion string

	GatewayBaseURL      string
	GatewayClientID     string
	GatewayClientSecret string
	GatewayUserSecret   string
	GatewayTimeout      time.Duration

	WorkerConcurrency int
	WorkerPollWait    time.Duration

	StaleReservationTTL time.Duration
	SweepInterval       time.Duration
}

func Load() (Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:            envOr("WALLET_HTTP_ADDR", ":8080"),
		MetricsAddr:         envOr("WALLET_METRICS_ADDR", ":9091"),
		DatabaseURL:         envOr("WALLET_DATABASE_URL", ""),
		JWTSecret:           envOr("WALLET_JWT_SECRET", ""),
		QueueURL:            envOr("WALLET_QUEUE_URL", ""),
		AWSRegion:           envOr("AWS_REGION", "sa-east-1"),
		GatewayBaseURL:      envOr("WALLET_GATEWAY_BASE_URL", ""),
		GatewayClientID:     envOr("WALLET_GATEWAY_CLIENT_ID", ""),
		GatewayClientSecret: envOr("WALLET_GATEWAY_CLIENT_SECRET", ""),
		GatewayUserSecret:   envOr("WALLET_GATEWAY_USER_SECRET", ""),
	}

	var err error
	if cfg.DBTimeout, err = envDuration("WALLET_DB_TIMEOUT", 5*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.GatewayTimeout, err = envDuration("WALLET_GATEWAY_TIMEOUT", 30*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.WorkerPollWait, err = envDuration("WALLET_WORKER_POLL_WAIT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.StaleReservationTTL, err = envDuration("WALLET_STALE_RESERVATION_TTL", 30*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = envDuration("WALLET_SWEEP_INTERVAL", 5*time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency, err = envInt("WALLET_WORKER_CONCURRENCY", 4); err != nil {
		return Config{}, err
	}
	if cfg.WorkerConcurrency < 1 {
		return Config{}, fmt.Errorf("WALLET_WORKER_CONCURRENCY must be >= 1")
	}
	return cfg, nil
}

func envOr(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return n, nil
}

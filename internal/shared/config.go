package shared

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

type Config struct {
	AppEnv        string
	HTTPAddr      string
	MetricsAddr   string
	MySQLDSN      string
	RedisAddr     string
	RedisDB       int
	RedisPass     string
	PaymentsBase  string
	PaymentsKey   string
	PaymentsRPS   int
	OtpTTL        time.Duration
	SweepInterval time.Duration
	SweepWorkers  int
	SweepBatch    int
	PendingTTL    time.Duration
	CacheTTL      time.Duration
}

func Load() Config {
	atoi := func(k string, def int) int {
		if v := os.Getenv(k); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				return n
			}
		}
		return def
	}
	c := Config{
		AppEnv:        env("APP_ENV", "prod"),
		HTTPAddr:      env("HTTP_ADDR", ":8080"),
		MetricsAddr:   env("METRICS_ADDR", ":9100"),
		MySQLDSN:      env("MYSQL_DSN", "root:root@tcp(localhost:3306)/spacebroker?parseTime=true&charset=utf8mb4,utf8&loc=UTC"),
		RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
		RedisPass:     env("REDIS_PASSWORD", ""),
		RedisDB:       atoi("REDIS_DB", 0),
		PaymentsBase:  env("PAYMENTS_BASE_URL", "https://gateway.example.com/api"),
		PaymentsKey:   env("PAYMENTS_API_KEY", ""),
		PaymentsRPS:   atoi("PAYMENTS_RPS", 5),
		OtpTTL:        time.Duration(atoi("OTP_TTL_SECONDS", 300)) * time.Second,
		SweepInterval: time.Duration(atoi("SWEEP_INTERVAL_SECONDS", 300)) * time.Second,
		SweepWorkers:  atoi("SWEEP_WORKERS", 8),
		SweepBatch:    atoi("SWEEP_BATCH", 100),
		PendingTTL:    time.Duration(atoi("PENDING_TTL_SECONDS", 1800)) * time.Second,
		CacheTTL:      time.Duration(atoi("CACHE_TTL_SECONDS", 60)) * time.Second,
	}
	if c.PaymentsKey == "" {
		log.Warn().Msg("PAYMENTS_API_KEY is empty")
	}
	return c
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

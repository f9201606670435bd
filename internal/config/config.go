package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig captures all tunable parameters for the dispatch API process.
// Values are primarily loaded from environment variables with sane defaults
// so the binary can run locally without excessive setup.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers []string
	KafkaTopic   string

	PGDSN string

	OSRMEndpoint    string
	DefaultSpeedMps float64
	ETACacheTTL     time.Duration

	// dispatch tunables
	ResponseWindow time.Duration // how long a requested ride stays acceptable
	SearchRadiusM  float64
	MaxCandidates  int
	NotifyBatch    int
	Currency       string

	// fallback fare formula, used only when the active config is unreadable
	FallbackBaseFare  float64
	FallbackPerKm     float64
	FallbackPerMinute float64
	FallbackMinFare   float64

	PushEndpoint string
	PushKey      string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:        ":8080",
		ReadTimeout:     5 * time.Second,
		WriteTimeout:    10 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RedisGeoKey:     "drivers_geo",
		KafkaTopic:      "driver-locations",
		DefaultSpeedMps: 10,
		ETACacheTTL:     30 * time.Second,

		ResponseWindow: 60 * time.Second,
		SearchRadiusM:  5000,
		MaxCandidates:  10,
		NotifyBatch:    5,
		Currency:       "inr",

		FallbackBaseFare:  40,
		FallbackPerKm:     10,
		FallbackPerMinute: 1.5,
		FallbackMinFare:   60,

		LogLevel: "info",
	}
}

func LoadServerConfig() (ServerConfig, error) {
	cfg := defaultServerConfig()
	var errs []error

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaTopic, "KAFKA_TOPIC")

	cfg.PGDSN = os.Getenv("PG_DSN")

	cfg.OSRMEndpoint = strings.TrimSpace(os.Getenv("OSRM_ENDPOINT"))
	setFloatFromEnv(&cfg.DefaultSpeedMps, "ETA_DEFAULT_SPEED_MPS", &errs)
	setDurationFromEnv(&cfg.ETACacheTTL, "ETA_CACHE_TTL", &errs)

	setDurationFromEnv(&cfg.ResponseWindow, "DISPATCH_RESPONSE_WINDOW", &errs)
	setFloatFromEnv(&cfg.SearchRadiusM, "DISPATCH_SEARCH_RADIUS_M", &errs)
	setIntFromEnv(&cfg.MaxCandidates, "DISPATCH_MAX_CANDIDATES", &errs)
	setIntFromEnv(&cfg.NotifyBatch, "DISPATCH_NOTIFY_BATCH", &errs)
	setStringFromEnv(&cfg.Currency, "DISPATCH_CURRENCY")

	setFloatFromEnv(&cfg.FallbackBaseFare, "FARE_FALLBACK_BASE", &errs)
	setFloatFromEnv(&cfg.FallbackPerKm, "FARE_FALLBACK_PER_KM", &errs)
	setFloatFromEnv(&cfg.FallbackPerMinute, "FARE_FALLBACK_PER_MINUTE", &errs)
	setFloatFromEnv(&cfg.FallbackMinFare, "FARE_FALLBACK_MIN", &errs)

	cfg.PushEndpoint = strings.TrimSpace(os.Getenv("PUSH_ENDPOINT"))
	cfg.PushKey = os.Getenv("PUSH_KEY")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	if cfg.ResponseWindow <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_RESPONSE_WINDOW must be > 0"))
	}
	if cfg.MaxCandidates <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_CANDIDATES must be > 0"))
	}
	if cfg.NotifyBatch <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_NOTIFY_BATCH must be > 0"))
	}
	if cfg.SearchRadiusM <= 0 {
		errs = append(errs, fmt.Errorf("DISPATCH_SEARCH_RADIUS_M must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/notify"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		os.Stderr.WriteString("config error: " + err.Error() + "\n")
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	// geo index: redis in production, in-memory for local runs
	var g interface {
		geo.Geo
		geo.Directory
	}
	if cfg.RedisAddr != "" {
		g = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index: redis", "addr", cfg.RedisAddr, "key", cfg.RedisGeoKey)
	} else {
		g = geo.NewIndex()
		logger.Warn("geo index: in-memory (REDIS_ADDR unset)")
	}

	// ride + notification persistence
	var rideStore storage.RideStore
	var notifStore storage.NotificationStore
	var fareSource fare.ConfigSource
	if cfg.PGDSN != "" {
		pg, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := runMigrations(pg, filepath.Join("migrations", "001_create_rides.sql")); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migrations applied")
		}
		rideStore = pg
		notifStore = pg
		fareSource = &fare.PostgresSource{DB: pg.DB()}
	} else {
		mem := storage.NewMemoryStore()
		rideStore = mem
		notifStore = mem
		fareSource = fare.StaticSource{Cfg: fare.Config{
			BaseFare: cfg.FallbackBaseFare, PerKmRate: cfg.FallbackPerKm,
			PerMinuteRate: cfg.FallbackPerMinute, MinFare: cfg.FallbackMinFare,
		}}
		logger.Warn("ride store: in-memory (PG_DSN unset)")
	}

	// route estimator
	var routes eta.Client = eta.Naive{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		routes = eta.Cached{Inner: eta.NewOSRMClient(cfg.OSRMEndpoint), Cache: eta.NewCache(cfg.ETACacheTTL)}
		logger.Info("route estimator: osrm", "endpoint", cfg.OSRMEndpoint)
	}

	estimator := &fare.Estimator{
		Source: fareSource,
		Fallback: fare.Fallback{
			BaseFare: cfg.FallbackBaseFare, PerKmRate: cfg.FallbackPerKm,
			PerMinuteRate: cfg.FallbackPerMinute, MinFare: cfg.FallbackMinFare,
		},
		Logger: logger,
	}

	registry := notify.NewRegistry()
	var channel notify.Channel = &notify.LiveWithFallback{Live: registry}
	if cfg.PushEndpoint != "" {
		channel = &notify.LiveWithFallback{Live: registry, Fallback: notify.NewPushChannel(cfg.PushEndpoint, cfg.PushKey)}
	}
	notifier := &notify.Notifier{Store: notifStore, Channel: channel, BatchSize: cfg.NotifyBatch, Logger: logger}

	var holder dispatch.PaymentHolder
	if os.Getenv("STRIPE_API_KEY") != "" {
		holder = payments.NewStripeClient()
	}

	coord := dispatch.NewCoordinator(g, g, routes, estimator, rideStore, notifStore, notifier, holder, logger,
		dispatch.Options{
			ResponseWindow: cfg.ResponseWindow,
			SearchRadiusM:  cfg.SearchRadiusM,
			MaxCandidates:  cfg.MaxCandidates,
			Currency:       cfg.Currency,
		})

	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer producer.Close()
	}

	srv := httpapi.NewServer(coord, g, producer, registry, logger)
	httpServer := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	logger.Info("ride-dispatch stopped")
}

func runMigrations(pg *storage.PostgresStore, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	_, err = pg.DB().Exec(string(b))
	return err
}

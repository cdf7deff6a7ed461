package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mholetzko/permetix/internal/api"
	"github.com/mholetzko/permetix/internal/config"
	"github.com/mholetzko/permetix/internal/domain"
	"github.com/mholetzko/permetix/internal/events"
	"github.com/mholetzko/permetix/internal/ledger"
	"github.com/mholetzko/permetix/internal/logger"
	"github.com/mholetzko/permetix/internal/metrics"
	"github.com/mholetzko/permetix/internal/storage"
	"github.com/mholetzko/permetix/internal/stream"
	"github.com/mholetzko/permetix/internal/telemetry"
)

const version = "1.0.0"

func main() {
	log.Printf("Permetix license server starting... (version %s)", version)

	cfg := loadConfig()
	appLog := logger.NewLogger(os.Stdout, logger.LogLevel(cfg.Server.LogLevel))
	collector := metrics.NewCollector()

	archive := initArchive(cfg)
	defer archive.Close()

	buffer := telemetry.NewBuffer(cfg.Telemetry.Retention, cfg.Telemetry.BufferCap)
	sink, firehose := initSink(cfg, buffer, appLog)
	if firehose != nil {
		defer firehose.Close()
	}

	pool := ledger.New(sink, archive, appLog)
	seedPools(cfg, pool)

	hub := stream.NewHub(cfg.Stream.SessionQueueSize, appLog)
	publisher := stream.NewPublisher(
		pool, buffer, hub,
		cfg.Stream.SnapshotInterval, cfg.Stream.RecentLookback,
		appLog,
	).WithGauges(collector)

	if cfg.Redis.Addr != "" {
		cache := initSnapshotCache(cfg)
		defer cache.Close()
		publisher.WithCache(cache)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go publisher.Run(ctx)

	janitor := initJanitor(ctx, cfg, buffer, appLog)
	defer janitor.Stop()

	handler := api.NewHandler(pool, archive, hub, publisher, collector, appLog, version)
	router := api.SetupRouter(handler, collector.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming responses stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	handleGracefulShutdown(server, cancel)
}

func loadConfig() *config.Config {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func initArchive(cfg *config.Config) domain.Archive {
	if !cfg.Postgres.Enabled {
		log.Println("No POSTGRES_HOST configured, using in-memory archive.")
		return storage.NewMemoryArchive()
	}

	archive, err := storage.NewPostgresArchive(storage.PostgresConfig{
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		Database: cfg.Postgres.Database,
		SSLMode:  cfg.Postgres.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Println("PostgreSQL connected successfully.")
	return archive
}

// initSink assembles the event fan-out: the telemetry buffer always
// listens, and a RabbitMQ firehose joins it when RABBITMQ_URL is set.
func initSink(cfg *config.Config, buffer *telemetry.Buffer, appLog *logger.Logger) (domain.EventSink, *events.Firehose) {
	if cfg.RabbitMQ.URL == "" {
		return buffer, nil
	}

	firehose, err := events.NewFirehose(cfg.RabbitMQ.URL, appLog)
	if err != nil {
		log.Fatalf("Failed to connect to RabbitMQ: %v", err)
	}
	log.Println("RabbitMQ event firehose connected.")
	return events.MultiSink{buffer, firehose}, firehose
}

func seedPools(cfg *config.Config, pool *ledger.Ledger) {
	catalogue, err := cfg.SeedPools()
	if err != nil {
		log.Fatalf("Failed to load seed catalogue: %v", err)
	}
	for _, entry := range catalogue {
		if err := pool.AddPool(entry); err != nil {
			log.Fatalf("Failed to seed pool %q: %v", entry.Tool, err)
		}
	}
	if len(catalogue) > 0 {
		log.Printf("Seeded %d license pools.", len(catalogue))
	}
}

func initSnapshotCache(cfg *config.Config) *storage.SnapshotCache {
	cache, err := storage.NewSnapshotCache(cfg.Redis.Addr, cfg.Redis.SnapshotTTL)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	log.Println("Redis snapshot cache connected.")
	return cache
}

func initJanitor(ctx context.Context, cfg *config.Config, buffer *telemetry.Buffer, appLog *logger.Logger) *events.Janitor {
	var exporter events.SeriesExporter
	if cfg.S3.Bucket != "" {
		s3Exporter, err := storage.NewSeriesExporter(ctx, storage.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			Prefix:          cfg.S3.Prefix,
		})
		if err != nil {
			log.Fatalf("Failed to create S3 series exporter: %v", err)
		}
		log.Println("S3 series exporter connected.")
		exporter = s3Exporter
	}

	janitor := events.NewJanitor(buffer, exporter, appLog)
	if err := janitor.Start(); err != nil {
		log.Fatalf("Failed to start maintenance scheduler: %v", err)
	}
	return janitor
}

func handleGracefulShutdown(server *http.Server, cancel context.CancelFunc) {
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Listening on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-shutdownChan
	log.Println("\nShutdown signal received")

	// Stop the publisher first so no new frames land on sessions
	// that are about to be torn down.
	cancel()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelTimeout()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("Error during server shutdown: %v", err)
	}
	log.Println("Shutdown complete.")
}

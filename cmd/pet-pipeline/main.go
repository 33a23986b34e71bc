package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/petmatch/pet-media-pipeline/cmd/migrate"
	jobapi "github.com/petmatch/pet-media-pipeline/internal/api/handlers/jobs"
	"github.com/petmatch/pet-media-pipeline/internal/api/router"
	"github.com/petmatch/pet-media-pipeline/internal/api/server"
	"github.com/petmatch/pet-media-pipeline/internal/config"
	"github.com/petmatch/pet-media-pipeline/internal/infra/kafka/consumer"
	"github.com/petmatch/pet-media-pipeline/internal/infra/kafka/producer"
	convmsg "github.com/petmatch/pet-media-pipeline/internal/kafka/handlers/conversion"
	"github.com/petmatch/pet-media-pipeline/internal/queue/dlq"
	auditrepo "github.com/petmatch/pet-media-pipeline/internal/repository/auditlog"
	jobrepo "github.com/petmatch/pet-media-pipeline/internal/repository/job"
	petrepo "github.com/petmatch/pet-media-pipeline/internal/repository/pet"
	convsvc "github.com/petmatch/pet-media-pipeline/internal/service/conversion"
	"github.com/petmatch/pet-media-pipeline/internal/service/integrity"
	"github.com/petmatch/pet-media-pipeline/internal/service/jobs"
	"github.com/petmatch/pet-media-pipeline/internal/storage/blob"
	"github.com/petmatch/pet-media-pipeline/internal/transform"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad("./config")

	// Apply schema migrations before anything touches the database.
	if err := migrate.Migrate(cfg.Database.Master.DSN(), migrate.Migrations); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	// Collect slave DSNs for replica connections.
	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Initialize blob storage (MinIO).
	storage, err := blob.NewStorage(ctx, cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.BucketName, cfg.Storage.UseSSL)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Repositories.
	pets := petrepo.NewRepository(db)
	audit := auditrepo.NewRepository(db)
	jobsRepo := jobrepo.NewRepository(db)

	// Kafka producers (primary + dead-letter).
	p := producer.New(&cfg.Kafka, strategy)

	// Conversion path: transform adapter, dispatcher, retry/DLQ router.
	trans := transform.New(cfg.Conversion.TransformURL, cfg.Conversion.TransformTimeout, cfg.Conversion.Fallback)
	dispatcher := convsvc.NewService(storage, trans, pets, audit)
	dlqRouter := dlq.NewRouter(p, audit, dlq.Config{
		BaseDelay:  cfg.Conversion.BaseDelay,
		MaxDelay:   cfg.Conversion.MaxDelay,
		MaxRetries: cfg.Conversion.MaxRetries,
	})

	// Kafka message handler for conversion messages.
	msgHandler := convmsg.NewHandler(dispatcher, dlqRouter)

	// Job registry, progress monitor, and batch runner.
	registry := jobs.NewRegistry(jobsRepo)
	monitor := jobs.NewMonitor(jobsRepo)
	runner := jobs.NewRunner(registry, monitor, pets, p)

	// Integrity reconciler.
	reconciler := integrity.NewReconciler(pets, storage, audit, integrity.Config{
		BatchSize: cfg.Reconcile.BatchSize,
		Workers:   cfg.Reconcile.Workers,
	})

	// HTTP handler for job and integrity routes.
	apiHandler := jobapi.NewHandler(runner, registry, monitor, reconciler, audit)

	// Kafka consumer for processing conversion messages.
	c := consumer.New(&cfg.Kafka, strategy, msgHandler)

	// Start Kafka consumer in a separate goroutine.
	var wg sync.WaitGroup
	wg.Add(1)
	go c.Consume(ctx, &wg)

	// Start HTTP server in a separate goroutine.
	r := router.Setup(apiHandler)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for Kafka consumer goroutine to finish.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err = p.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka producer clients")
	}
	if err = c.Client.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka consumer client")
	}
}

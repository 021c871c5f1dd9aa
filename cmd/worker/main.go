/**
 * Lab Report Upload Worker - Main Entry Point
 *
 * Finishes uploads that interactive sessions handed off before exiting.
 *
 * Architecture:
 * - Asynq consumer for the Redis-backed upload queue (critical/default)
 * - Analysis service client performing the actual upload
 * - PostgreSQL persistence of upload task state (optional)
 * - Redis pub/sub events for upload progress (optional)
 * - Prometheus /metrics and /healthz endpoints
 */

package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adverant/nexus/labreport-pipeline/internal/clients"
	"github.com/adverant/nexus/labreport-pipeline/internal/config"
	"github.com/adverant/nexus/labreport-pipeline/internal/logging"
	"github.com/adverant/nexus/labreport-pipeline/internal/queue"
	"github.com/adverant/nexus/labreport-pipeline/internal/storage"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(".env"); err != nil {
		log.Printf("Warning: .env not found, using system environment variables")
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logging.SetLevel(cfg.LogLevel)
	logger := logging.NewLogger("Worker")

	logger.Info("Upload worker starting",
		"redis", cfg.RedisURL,
		"analysis_service", cfg.AnalysisServiceURL,
		"concurrency", cfg.WorkerConcurrency,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Optional task persistence
	var recorder queue.TaskRecorder
	var store *storage.PostgresStore
	if cfg.DatabaseURL != "" {
		store, err = storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to PostgreSQL: %v", err)
		}
		defer store.Close()
		if err := store.EnsureSchema(ctx); err != nil {
			log.Fatalf("Failed to apply schema: %v", err)
		}
		recorder = store
		logger.Info("PostgreSQL connected")
	}

	// Optional progress events
	var publisher queue.TaskPublisher
	if pub, err := queue.NewRedisPublisher(ctx, cfg.RedisURL, logging.NewLogger("Events")); err != nil {
		logger.Warn("Upload events disabled", "error", err)
	} else {
		defer pub.Close()
		publisher = pub
	}

	client := clients.NewAnalysisClient(cfg.AnalysisServiceURL,
		clients.WithAPIKey(cfg.AnalysisAPIKey),
		clients.WithPollInterval(cfg.StatusPollInterval),
	)
	handler := queue.NewUploadHandler(client, recorder, publisher,
		clients.UploadOptions{PreferAccuracy: true}, logging.NewLogger("UploadHandler"))

	server, mux, err := queue.NewServer(queue.ServerConfig{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logging.NewLogger("UploadWorker"),
	}, handler)
	if err != nil {
		log.Fatalf("Failed to initialize upload worker: %v", err)
	}
	if err := server.Start(mux); err != nil {
		log.Fatalf("Failed to start upload worker: %v", err)
	}

	var db database
	if store != nil {
		db = store
	}
	httpServer := &http.Server{Addr: cfg.MetricsAddr, Handler: healthMux(db, client)}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", "error", err)
		}
	}()

	logger.Info("Upload worker ready", "queues", []string{queue.QueueCritical, queue.QueueDefault}, "metrics", cfg.MetricsAddr)

	<-ctx.Done()
	logger.Info("Shutdown signal received, draining")

	server.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown", "error", err)
	}

	logger.Info("Shutdown complete")
}

// database is the part of the task store the health endpoint inspects
type database interface {
	Ping(ctx context.Context) error
	GetStats() sql.DBStats
}

type upstream interface {
	HealthCheck(ctx context.Context) error
}

func healthMux(db database, client upstream) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := healthCheck(r.Context(), db, client); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		if db == nil {
			_, _ = w.Write([]byte("ok\n"))
			return
		}
		st := db.GetStats()
		fmt.Fprintf(w, "ok db_open=%d db_in_use=%d db_idle=%d db_wait_count=%d\n",
			st.OpenConnections, st.InUse, st.Idle, st.WaitCount)
	})
	return mux
}

func healthCheck(ctx context.Context, db database, client upstream) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if db != nil {
		if err := db.Ping(ctx); err != nil {
			return fmt.Errorf("database health check failed: %w", err)
		}
	}
	if err := client.HealthCheck(ctx); err != nil {
		return fmt.Errorf("analysis service health check failed: %w", err)
	}
	return nil
}

// The ingestor consumes CRM domain events from Kafka and projects them into
// PostgreSQL staging tables, with a full audit trail per consumed message.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/salespipe/crm-analytics-platform/internal/crm"
	"github.com/salespipe/crm-analytics-platform/internal/crm/audit"
	"github.com/salespipe/crm-analytics-platform/internal/crm/consumer"
	"github.com/salespipe/crm-analytics-platform/internal/crm/decoder"
	"github.com/salespipe/crm-analytics-platform/internal/crm/idempotency"
	"github.com/salespipe/crm-analytics-platform/internal/crm/pipeline"
	"github.com/salespipe/crm-analytics-platform/internal/crm/projector"
	"github.com/salespipe/crm-analytics-platform/pkg/config"
	"github.com/salespipe/crm-analytics-platform/pkg/health"
	"github.com/salespipe/crm-analytics-platform/pkg/logger"
	"github.com/salespipe/crm-analytics-platform/pkg/metrics"
	"github.com/salespipe/crm-analytics-platform/pkg/postgres"
	"github.com/salespipe/crm-analytics-platform/pkg/redis"
	"github.com/salespipe/crm-analytics-platform/pkg/schemaregistry"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)

	runID := crm.NewRunID()
	log := logger.WithRun("ingestor", runID)
	log.Info("crm ingestor starting",
		"brokers", cfg.Kafka.Brokers,
		"group", cfg.Kafka.ConsumerGroup,
		"topics", cfg.Kafka.Topics.All(),
	)

	db, err := postgres.New(cfg.Postgres)
	if err != nil {
		log.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Redis only accelerates the idempotency check; without it every check
	// goes to Postgres, so a missing cache is a warning, not a fatal error.
	var cache idempotency.Cache
	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		log.Warn("redis unavailable, idempotency checks fall back to postgres", "error", err)
	} else {
		cache = redisClient
		defer redisClient.Close()
	}

	m := metrics.New()
	if cfg.Metrics.Enabled {
		shutdownMetrics := metrics.StartServer(cfg.Metrics.Port)
		defer shutdownMetrics(context.Background())
	}

	auditLog := audit.NewLog(db)
	handler := pipeline.Handler(pipeline.Deps{
		Decoder:   decoder.New(schemaregistry.New(cfg.SchemaRegistry, m)),
		Gate:      idempotency.New(db, cache, cfg.Redis.SeenTTL, m),
		Projector: projector.New(),
		Audit:     auditLog,
		Tx:        db,
		Metrics:   m,
		Timeout:   cfg.Ingestor.ProcessingTimeout,
	}, runID)
	ingest := consumer.New(cfg.Kafka, handler)

	checker := health.NewChecker()
	checker.Register("postgres", health.PingCheck(db.DB.PingContext))
	if redisClient != nil && cache != nil {
		checker.Register("redis", health.PingCheck(redisClient.Ping))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health/live", checker.LiveHandler())
	mux.HandleFunc("/health/ready", checker.ReadyHandler())
	mux.HandleFunc("/api/v1/ingestion/metrics", runMetricsHandler(auditLog, runID))
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	go func() {
		log.Info("ops server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server error", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	consumerDone := make(chan error, 1)
	go func() {
		consumerDone <- ingest.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received, draining consumers")
		// Start returns after in-flight handlers finish and readers close.
		if err := <-consumerDone; err != nil {
			log.Error("consumer stopped with error", "error", err)
		}
	case err := <-consumerDone:
		if err != nil {
			log.Error("consumer failed", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("ops server shutdown error", "error", err)
	}
	log.Info("crm ingestor stopped")
}

// runMetricsHandler serves the audit-log aggregates for the current ingestion
// run as JSON.
func runMetricsHandler(auditLog *audit.Log, runID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		summary, err := auditLog.IngestionMetrics(r.Context(), runID)
		if err != nil {
			http.Error(w, fmt.Sprintf("aggregating run metrics: %v", err), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(summary)
	}
}

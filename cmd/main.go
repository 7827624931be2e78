package main

import (
	"context"
	"ephemeral-lab/internal"
	"ephemeral-lab/observability"
	"ephemeral-lab/repositories"
	"ephemeral-lab/runtime"
	"ephemeral-lab/runtime/workers"
	"ephemeral-lab/services"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/database"
	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Exit codes to provide meaningful status to the operating system or service manager (e.g., systemd).
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
	}
	os.Exit(code)
}

// run initializes all components, manages the server lifecycle, and centralizes error reporting.
// Every defer (database close included) runs before the process exits.
func run() (int, error) {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return exitRuntime, fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	if log.Enabled(context.Background(), slog.LevelDebug) {
		endpoint := "/inspect"
		log.Info("Debug Badger inspector available",
			"url", fmt.Sprintf("http://localhost:%d%s", config.DebugPort, endpoint))
		database.StartDebugServer(db, config.DebugPort, endpoint, RecordMapper)
	}

	// 3. Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(registry, "ephemeral")

	// 4. Lifecycle manager: store, scheduler, supervision
	repository := repositories.NewRecordRepository(db, log, config.LimitRecords, config.DeleteMaxAttempts)
	scheduler := runtime.NewExpiryScheduler(log, services.NewReaper(repository, metrics), metrics,
		config.ExpiryWorkers, config.ExpiryBufferSize)
	sup := workers.NewSupervisor(log, config.RestartInterval)
	manager := services.NewLifecycleManager(log, repository, scheduler, sup, metrics)

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 6. Recovery must complete before anything is served
	if err = manager.Recover(ctx); err != nil {
		return exitRuntime, fmt.Errorf("expiry recovery failed: %w", err)
	}

	errChan := make(chan error, 3)
	go func() {
		if err := manager.Start(ctx); err != nil {
			errChan <- fmt.Errorf("lifecycle manager error: %w", err)
		}
	}()

	// 7. gRPC health & metrics endpoints
	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		manager.Stop()
		return exitRuntime, fmt.Errorf("failed to listen on %s: %w", address, err)
	}
	s := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(s, healthServer)
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	go func() {
		log.Info("Starting gRPC server", "address", address, "at", time.Now().UTC())
		if err := s.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			errChan <- fmt.Errorf("gRPC server error: %w", err)
		}
	}()

	metricsServer := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.Host, config.MetricsPort),
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Info("Starting metrics server", "address", metricsServer.Addr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- fmt.Errorf("metrics server error: %w", err)
		}
	}()

	// 8. Wait for Stop or Error
	code := exitOK
	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case runErr = <-errChan:
		code = exitRuntime
	}

	// 9. Final Cleanup: no expiry may fire once the database is closed
	healthServer.Shutdown()
	s.GracefulStop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	manager.Stop()
	log.Info("Program stopped cleanly")

	return code, runErr
}

// RecordMapper renders "rec:" values in the Badger inspector.
func RecordMapper(key string, val []byte) database.InspectRow {
	row := database.DefaultMapper(key, val)
	if !strings.HasPrefix(key, "rec:") {
		row.Type = "INDEX"
		return row
	}
	record, err := repositories.DecodeRecord(val)
	if err != nil {
		row.Detail = "Error: decode failed"
		return row
	}
	row.Type = strings.ToUpper(record.Kind().String())
	row.Timestamp = record.CreatedAt.Format("15:04:05")
	row.EntityID = record.ID.String()
	if expiresAt, ok := record.ExpiresAt(); ok {
		row.Detail = "expires at " + expiresAt.Format(time.RFC3339)
	} else {
		row.Detail = "no self-destruct"
	}
	return row
}

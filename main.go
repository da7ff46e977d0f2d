package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BrunoKrugel/stream2bucket/internal/config"
	"github.com/BrunoKrugel/stream2bucket/internal/ingest"
	"github.com/BrunoKrugel/stream2bucket/internal/metrics"
	"github.com/BrunoKrugel/stream2bucket/internal/notify"
	"github.com/BrunoKrugel/stream2bucket/internal/server"
	"github.com/BrunoKrugel/stream2bucket/internal/storage"
	_ "github.com/joho/godotenv/autoload"
)

func main() {
	cfg, err := config.NewConfig()
	if err != nil {
		panic(err)
	}

	level, _ := config.ParseLogLevel(cfg.Server.LogLevel)
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s3Client, err := storage.NewClient(ctx, storage.ClientConfig{
		Endpoint:        cfg.Storage.Endpoint,
		Region:          cfg.Storage.Region,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		ForcePathStyle:  cfg.Storage.ForcePathStyle,
	})
	if err != nil {
		return err
	}

	store := storage.New(s3Client, storage.Options{
		Bucket:   cfg.Storage.Bucket,
		PartSize: cfg.Storage.PartSize,
		Logger:   logger.With("component", "storage"),
	})

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		logger.Warn("object store not reachable at startup, uploads will fail", "bucket", cfg.Storage.Bucket, "error", err)
	}
	cancel()

	pub, err := notify.NewPublisher(cfg.Queue.URL, cfg.Queue.Name, logger.With("component", "notify"))
	if err != nil {
		return err
	}

	collector := metrics.New()
	dispatcher := notify.NewDispatcher(pub, notify.DispatcherOptions{
		Pattern: cfg.Queue.Pattern,
		Buffer:  cfg.Queue.Buffer,
		Logger:  logger.With("component", "notify"),
		Metrics: collector,
	})

	svc := ingest.NewService(store, logger.With("component", "ingest"), ingest.WithMetrics(collector))

	srv := server.New(server.Options{
		Processor:          svc,
		Notifier:           dispatcher,
		Health:             store,
		Metrics:            collector,
		Logger:             logger.With("component", "http"),
		MaxBodyBytes:       cfg.Server.MaxFileSize,
		RateLimitPerMinute: cfg.Server.RateLimitPerMinute,
		RateLimitIdleTTL:   cfg.Server.RateLimitIdleTTL,
		TrustProxy:         cfg.Server.TrustProxy,
		CORSOrigin:         cfg.Server.CORSOrigin,
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ingestion server listening", "addr", httpServer.Addr, "bucket", cfg.Storage.Bucket, "queue", cfg.Queue.Name)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	return dispatcher.Close(shutdownCtx)
}

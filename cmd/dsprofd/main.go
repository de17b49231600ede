// Command dsprofd is the ingest and query API service.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/config"
	"github.com/hazyhaar/dsprof/httpapi"
	"github.com/hazyhaar/dsprof/jobs"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/queue"
	_ "modernc.org/sqlite"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config (defaults apply when empty)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.Error("config", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	store, err := metastore.Open(cfg.DBPath)
	if err != nil {
		slog.Error("metastore", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	broker := queue.New(store.DB(), queue.Options{
		Name:         cfg.Queue.Name,
		Visibility:   cfg.Queue.Visibility,
		PollInterval: cfg.Queue.PollInterval,
		Logger:       logger,
	})
	if err := broker.EnsureTable(ctx); err != nil {
		slog.Error("queue", "error", err)
		os.Exit(1)
	}

	blobs, err := openBlobStore(ctx, cfg)
	if err != nil {
		slog.Error("blobstore", "error", err)
		os.Exit(1)
	}

	ctl := jobs.NewController(store, broker, logger)
	api := httpapi.NewServer(store, blobs, ctl, httpapi.Options{
		UploadsBucket:  cfg.Storage.UploadsBucket,
		MaxUploadBytes: cfg.MaxUploadBytes(),
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		slog.Info("server starting", "listen", cfg.Listen, "storage", cfg.Storage.Backend)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown", "error", err)
	}
	slog.Info("server stopped")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// openBlobStore builds the configured backend and ensures both buckets.
func openBlobStore(ctx context.Context, cfg *config.Config) (blobstore.Store, error) {
	var store blobstore.Store
	switch cfg.Storage.Backend {
	case "minio":
		s, err := blobstore.NewMinio(blobstore.MinioConfig{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Secure:    cfg.Storage.Secure,
		})
		if err != nil {
			return nil, err
		}
		store = s
	case "memory":
		store = blobstore.NewMemory()
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Storage.Backend)
	}

	for _, bucket := range []string{cfg.Storage.UploadsBucket, cfg.Storage.ReportsBucket} {
		if err := store.EnsureBucket(ctx, bucket); err != nil {
			return nil, err
		}
	}
	return store, nil
}

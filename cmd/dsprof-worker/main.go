// Command dsprof-worker consumes process messages and runs the
// profiling pipeline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hazyhaar/dsprof/blobstore"
	"github.com/hazyhaar/dsprof/config"
	"github.com/hazyhaar/dsprof/metastore"
	"github.com/hazyhaar/dsprof/parser"
	"github.com/hazyhaar/dsprof/queue"
	"github.com/hazyhaar/dsprof/worker"
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

	proc := worker.NewProcessor(store, blobs, worker.Options{
		UploadsBucket: cfg.Storage.UploadsBucket,
		ReportsBucket: cfg.Storage.ReportsBucket,
		Limits: parser.Limits{
			MaxRows:  cfg.Limits.MaxRows,
			MaxBytes: cfg.MaxUploadBytes(),
		},
		MaxRetries:  cfg.Worker.MaxRetries,
		BackoffBase: cfg.Worker.BackoffBase,
		BackoffCap:  cfg.Worker.BackoffCap,
		Logger:      logger,
	})

	slog.Info("worker starting",
		"queue", cfg.Queue.Name,
		"concurrency", cfg.Worker.Concurrency,
		"storage", cfg.Storage.Backend,
	)
	broker.Consume(ctx, cfg.Worker.Concurrency, proc.Handle)
	slog.Info("worker stopped")
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

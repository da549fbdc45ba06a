package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/parisxmas/oxiwarehouse/internal/archive"
	"github.com/parisxmas/oxiwarehouse/internal/config"
	"github.com/parisxmas/oxiwarehouse/internal/db"
	"github.com/parisxmas/oxiwarehouse/internal/handler"
	"github.com/parisxmas/oxiwarehouse/internal/notify"
	"github.com/parisxmas/oxiwarehouse/internal/repository"
	"github.com/parisxmas/oxiwarehouse/internal/storage"
)

// blobStore is the opened storage backend plus its lifecycle hooks.
type blobStore struct {
	gateway *storage.Gateway
	check   handler.Check
	close   func()
}

func openBlobStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*blobStore, error) {
	var (
		backend storage.Backend
		check   handler.Check = func(context.Context) error { return nil }
		closeFn               = func() {}
	)
	switch cfg.Storage.Backend {
	case "memory":
		logger.Warn("using in-memory blob storage; files are lost on restart")
		backend = storage.NewMemoryBackend()
	case "fs":
		fsb, err := storage.NewFSBackend(cfg.Storage.Root)
		if err != nil {
			return nil, err
		}
		backend = fsb
	case "oxidb":
		addr := net.JoinHostPort(cfg.Storage.OxiDBHost, strconv.Itoa(cfg.Storage.OxiDBPort))
		pool, err := db.NewPool(ctx, addr, cfg.Storage.PoolSize, logger)
		if err != nil {
			return nil, fmt.Errorf("connect to OxiDB: %w", err)
		}
		oxb, err := storage.NewOxiBackend(ctx, pool, cfg.Storage.Bucket)
		if err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to OxiDB", "addr", addr, "pool_size", cfg.Storage.PoolSize, "bucket", cfg.Storage.Bucket)
		backend, check, closeFn = oxb, pool.Ping, pool.Close
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}

	gw := storage.NewGateway(backend, storage.NewSigner(cfg.Storage.SigningSecret, cfg.PublicURL),
		storage.WithRetry(storage.RetryPolicy{
			Attempts: cfg.Retry.Attempts,
			Initial:  time.Duration(cfg.Retry.InitialMS) * time.Millisecond,
			Max:      time.Duration(cfg.Retry.MaxMS) * time.Millisecond,
		}),
		storage.WithLogger(logger.With("component", "storage")),
	)
	return &blobStore{gateway: gw, check: check, close: closeFn}, nil
}

func newArchiveBuilder(cfg *config.Config, gw *storage.Gateway, logger *slog.Logger) *archive.Builder {
	var fetcher archive.Fetcher = gw
	if cfg.Archive.FetchOverHTTP {
		fetcher = archive.NewHTTPFetcher(2 * time.Minute)
	}
	return archive.NewBuilder(gw, fetcher, cfg.Archive.Parallelism, logger.With("component", "archive"))
}

// newNotifier fans events out to the log, the websocket hub and, when SMTP is
// configured, email.
func newNotifier(cfg *config.Config, hub *notify.Hub, logger *slog.Logger) notify.Notifier {
	notifiers := notify.Multi{notify.LogNotifier{Logger: logger.With("component", "notify")}}
	if hub != nil {
		notifiers = append(notifiers, hub)
	}
	if cfg.Notify.SMTPHost != "" {
		notifiers = append(notifiers, notify.NewEmailNotifier(notify.EmailConfig{
			Host:         cfg.Notify.SMTPHost,
			Port:         cfg.Notify.SMTPPort,
			Username:     cfg.Notify.SMTPUser,
			Password:     cfg.Notify.SMTPPassword,
			From:         cfg.Notify.From,
			DashboardURL: cfg.Notify.DashboardURL,
		}))
		logger.Info("email notifications enabled", "smtp_host", cfg.Notify.SMTPHost)
	}
	return notifiers
}

func openStore(ctx context.Context, cfg *config.Config) (*repository.Store, error) {
	store, err := repository.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"bookrecord/pkg/domain"
	"bookrecord/pkg/ledger"
	"bookrecord/pkg/notify"
	"bookrecord/pkg/storage"
	"bookrecord/pkg/store"
)

// ErrExportUnavailable is returned when no object storage is configured.
var ErrExportUnavailable = errors.New("export storage not configured")

// Config holds runtime configuration for the core application.
type Config struct {
	StoreDriver string
	DatabaseURL string
	SQLitePath  string
	// Store overrides StoreDriver when set.
	Store store.Store

	RedisAddr     string
	RedisPassword string
	NotifyStream  string
	AMQPURL       string
	AMQPExchange  string
	// Notifiers are appended to the ones built from Redis and AMQP settings.
	Notifiers []notify.Notifier

	Minio        storage.MinioConfig
	Objects      storage.ObjectStore
	ExportExpiry time.Duration

	Logger *slog.Logger
}

// App wires the ledger to its store, notifiers and export storage.
type App struct {
	ledger   *ledger.Ledger
	store    store.Store
	exporter *storage.Exporter
	closers  []io.Closer
	logger   *slog.Logger
}

// New opens the configured backends. Optional backends that are not
// configured are skipped.
func New(ctx context.Context, cfg Config) (*App, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{logger: logger}

	dataStore, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	a.store = dataStore

	notifiers := notify.Multi{notify.Log{Logger: logger}}
	if cfg.RedisAddr != "" {
		stream, err := notify.NewRedisStream(notify.RedisStreamConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			Stream:   cfg.NotifyStream,
			Logger:   logger,
		})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init redis stream: %w", err)
		}
		a.closers = append(a.closers, stream)
		notifiers = append(notifiers, stream)
	}
	if cfg.AMQPURL != "" {
		pub, err := notify.NewAMQPPublisher(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init amqp publisher: %w", err)
		}
		a.closers = append(a.closers, pub)
		notifiers = append(notifiers, pub)
	}
	notifiers = append(notifiers, cfg.Notifiers...)

	objects := cfg.Objects
	if objects == nil && cfg.Minio.Endpoint != "" {
		minioStore, err := storage.NewMinioStore(ctx, cfg.Minio)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("init object storage: %w", err)
		}
		objects = minioStore
	}
	if objects != nil {
		a.exporter, err = storage.NewExporter(objects, cfg.ExportExpiry)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.ledger = ledger.New(dataStore, ledger.WithNotifier(notifiers), ledger.WithLogger(logger))
	return a, nil
}

func openStore(cfg Config) (store.Store, error) {
	if cfg.Store != nil {
		return cfg.Store, nil
	}
	switch cfg.StoreDriver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "postgres":
		if cfg.DatabaseURL == "" {
			return nil, errors.New("database URL required")
		}
		s, err := store.NewGormStore(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	case "sqlite":
		s, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("init sqlite store: %w", err)
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}

// Ledger exposes the book operations.
func (a *App) Ledger() *ledger.Ledger {
	return a.ledger
}

// ExportEnabled reports whether ExportBooks can succeed.
func (a *App) ExportEnabled() bool {
	return a.exporter != nil
}

// ExportBooks writes the caller's books to object storage.
func (a *App) ExportBooks(ctx context.Context, caller domain.Caller) (storage.Export, error) {
	if a.exporter == nil {
		return storage.Export{}, ErrExportUnavailable
	}
	books, err := a.ledger.Books(ctx, caller)
	if err != nil {
		return storage.Export{}, err
	}
	out, err := a.exporter.Export(ctx, caller.ID, books)
	if err != nil {
		return storage.Export{}, fmt.Errorf("export books: %w", err)
	}
	return out, nil
}

// Close releases the store and notifier connections.
func (a *App) Close() error {
	var g errgroup.Group
	for _, c := range a.closers {
		g.Go(c.Close)
	}
	if a.store != nil {
		g.Go(a.store.Close)
	}
	return g.Wait()
}

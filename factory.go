package kisa

import (
	"context"
	"log/slog"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

// Option adjusts the store options built by CreateStore.
type Option func(*storage.Options)

func WithLogger(l *slog.Logger) Option {
	return func(o *storage.Options) { o.Logger = l }
}

func WithMetrics(m *storage.Metrics) Option {
	return func(o *storage.Options) { o.Metrics = m }
}

func WithExtendDefaultFields(fn storage.ExtendFunc) Option {
	return func(o *storage.Options) { o.ExtendDefaultFields = fn }
}

// CreateStore opens the configured database, builds the store and waits
// until its schema is ready. The store owns the database it opened;
// callers release both with CloseStore.
func CreateStore(ctx context.Context, cfg types.Config, opts ...Option) (*storage.SQLStore, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}
	dialect, err := storage.ParseDialect(cfg.StoreType)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(dialect, cfg.DSN)
	if err != nil {
		return nil, err
	}

	storeOpts := StoreOptions(cfg)
	storeOpts.DB = db
	for _, opt := range opts {
		opt(&storeOpts)
	}

	store, err := storage.New(storeOpts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Ready(ctx); err != nil {
		_ = store.Close()
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// CloseStore stops a store created by CreateStore and closes its database.
func CloseStore(store *storage.SQLStore) error {
	if err := store.Close(); err != nil {
		return err
	}
	return store.DB().Close()
}

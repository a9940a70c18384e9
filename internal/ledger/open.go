package ledger

import (
	"context"
	"fmt"
	"log/slog"
)

// Drivers accepted by Open.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects and configures a Store backend.
type Config struct {
	Driver   string
	Path     string // sqlite file
	URL      string // postgres dsn
	PoolSize int
	// CleanOnStart wipes every event after the schema is ensured.
	CleanOnStart bool
	Logger       *slog.Logger
}

// Open builds the configured Store with its schema in place.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var (
		store Store
		err   error
	)
	switch cfg.Driver {
	case DriverSQLite, "":
		store, err = OpenSQLite(SQLiteConfig{Path: cfg.Path, PoolSize: cfg.PoolSize, Logger: cfg.Logger})
	case DriverPostgres:
		store, err = OpenPostgres(ctx, PostgresConfig{URL: cfg.URL, PoolSize: cfg.PoolSize, Logger: cfg.Logger})
	default:
		return nil, fmt.Errorf("ledger: unknown driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if cfg.CleanOnStart {
		if err := store.Clear(ctx); err != nil {
			store.Close()
			return nil, err
		}
	}
	return store, nil
}

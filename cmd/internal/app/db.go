package app

import (
	"context"
	"fmt"
	"time"

	"rollcall/cmd/internal/attendance"
	"rollcall/cmd/internal/sqlitedb"

	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
)

// storeHandle owns the attendance store and whatever connection resources sit under it.
type storeHandle struct {
	attendance.Store
	backend string
	release func()
}

func (h *storeHandle) shutdown() {
	if h == nil || h.release == nil {
		return
	}
	_ = h.Store.Close()
	h.release()
	h.release = nil
}

// openStore selects Postgres when a database URL is configured and the
// embedded SQLite store otherwise.
func openStore(ctx context.Context, cfg Config, log Logger) (*storeHandle, error) {
	if cfg.DatabaseURL == "" {
		return openSQLiteStore(ctx, cfg, log)
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if cfg.DBAutoMigrate {
		if err := attendance.ApplyPostgresSchema(ctx, pool, cfg.DBSchema); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.migrated", "backend", backendPostgres, "schema", cfg.DBSchema)
	}

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	st, err := attendance.NewPostgresStore(pool, attendance.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, err
	}

	log.Info("db.enabled", "backend", backendPostgres, "schema", cfg.DBSchema)
	return &storeHandle{Store: st, backend: backendPostgres, release: pool.Close}, nil
}

func openSQLiteStore(ctx context.Context, cfg Config, log Logger) (*storeHandle, error) {
	db, err := sqlitedb.Open(ctx, sqlitedb.Config{Path: cfg.SQLitePath})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if cfg.SeedDev {
		if err := sqlitedb.SeedDev(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("seed sqlite: %w", err)
		}
		log.Info("db.seeded", "backend", backendSQLite, "class_id", sqlitedb.DevClassID)
	}

	w := sqlitedb.NewWorker(db)
	st, err := attendance.NewSQLiteStore(db, w)
	if err != nil {
		w.Close()
		_ = db.Close()
		return nil, err
	}

	log.Info("db.enabled", "backend", backendSQLite, "path", cfg.SQLitePath)
	return &storeHandle{
		Store:   st,
		backend: backendSQLite,
		release: func() {
			w.Close()
			_ = db.Close()
		},
	}, nil
}

// NewDBPool builds a pgxpool with sane defaults and validates connectivity.
// It does NOT apply the schema; see ROLLCALL_DB_AUTO_MIGRATE.
func NewDBPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}

	if cfg.DBMaxConns > 0 {
		pcfg.MaxConns = cfg.DBMaxConns
	}
	if cfg.DBMinConns >= 0 {
		pcfg.MinConns = cfg.DBMinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := pingStore(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, err
	}

	return pool, nil
}

type pinger interface {
	Ping(ctx context.Context) error
}

// pingStore checks the backing store answers within timeout.
func pingStore(parent context.Context, p pinger, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()
	return p.Ping(ctx)
}

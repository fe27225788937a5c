// Package sqlitedb opens and migrates the embedded SQLite database used when
// no Postgres URL is configured, and serializes writes through a single worker.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	defaultPath = "./data/rollcall.db"

	pragmas = "_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
)

// Config selects the database file. Path ":memory:" opens a private in-memory database.
type Config struct {
	Path string
}

// Open connects, pings, and migrates the database described by cfg.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = defaultPath
	}

	var dsn string
	if path == ":memory:" {
		dsn = memoryDSN("rollcall")
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir db dir: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?%s", path, pragmas)
	}

	return openDSN(ctx, dsn)
}

// OpenMemory opens a migrated in-memory database keyed by name.
// Connections opened with the same name share one database.
func OpenMemory(ctx context.Context, name string) (*sql.DB, error) {
	return openDSN(ctx, memoryDSN(name))
}

func memoryDSN(name string) string {
	name = strings.NewReplacer("/", "_", " ", "_", "?", "_", "&", "_", "#", "_").Replace(name)
	return fmt.Sprintf("file:%s?mode=memory&cache=shared&%s", name, pragmas)
}

func openDSN(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}

	// One connection: SQLite has a single writer, and the shared-cache memory
	// database disappears when its last connection closes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

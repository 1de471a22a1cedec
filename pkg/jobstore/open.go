package jobstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// OpenDB opens the database cfg names, creating a local file and its
// directory when needed, and applies the connection policy for its backend.
func OpenDB(ctx context.Context, cfg Config) (*sql.DB, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	loc, err := cfg.locate()
	if err != nil {
		return nil, err
	}
	if loc.backend == backendRemote && !remoteSupported {
		return nil, errors.New("remote libsql store requires a cgo-enabled build")
	}
	if loc.backend == backendFile {
		if dir := filepath.Dir(loc.file); dir != "." {
			// #nosec G301 -- data directories use 0755 for multi-user access compatibility
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create store directory: %w", err)
			}
		}
	}

	db, err := sql.Open(driverName, loc.dsn)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	if err := loc.configure(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s job store: %w", loc.backend, err)
	}
	return db, nil
}

func (l location) configure(ctx context.Context, db *sql.DB) error {
	if n := l.maxConns(); n > 0 {
		db.SetMaxOpenConns(n)
		db.SetMaxIdleConns(n)
		db.SetConnMaxLifetime(0)
	}
	if l.backend != backendFile {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var mode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode=WAL").Scan(&mode); err != nil {
		return fmt.Errorf("enable WAL mode: %w", err)
	}
	if !strings.EqualFold(mode, "wal") {
		return fmt.Errorf("enable WAL mode: journal mode is %q", mode)
	}
	var busy int64
	pragma := fmt.Sprintf("PRAGMA busy_timeout=%d", l.busyTimeout.Milliseconds())
	if err := db.QueryRowContext(ctx, pragma).Scan(&busy); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	return nil
}

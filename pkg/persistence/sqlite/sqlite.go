// Package sqlite provides a single-file SQLite persistence implementation for
// small deployments and local development.
package sqlite

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dukex/devicehub/pkg/persistence/sqlbase"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

// Persistence implements the persistence layer for SQLite.
type Persistence struct {
	*sqlbase.Persistence

	path string
}

// NewPersistence opens the database file named by databaseURL, which may carry
// a sqlite:// prefix, creating it and its directory when missing.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	path := strings.TrimPrefix(databaseURL, "sqlite://")

	if path != ":memory:" {
		err := os.MkdirAll(filepath.Dir(path), 0750)
		if err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := sqlx.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// SQLite allows one writer; a single connection serialises access.
	database.SetMaxOpenConns(1)
	database.SetMaxIdleConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL;", "PRAGMA synchronous=FULL;"} {
		_, err = database.ExecContext(ctx, pragma)
		if err != nil {
			_ = database.Close()

			return nil, fmt.Errorf("failed to set pragma %q: %w", pragma, err)
		}
	}

	base, err := sqlbase.NewPersistence(ctx, logger.With("module", "sqlite"), database, migrations())
	if err != nil {
		_ = database.Close()

		return nil, err
	}

	return &Persistence{Persistence: base, path: path}, nil
}

// Path returns the database file location.
func (p *Persistence) Path() string {
	return p.path
}

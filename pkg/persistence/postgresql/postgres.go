// Package postgresql provides the PostgreSQL persistence implementation.
package postgresql

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/devicehub/pkg/persistence/sqlbase"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

// Persistence implements the persistence layer for PostgreSQL.
type Persistence struct {
	*sqlbase.Persistence
}

// NewPersistence creates a new PostgreSQL persistence layer.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (*Persistence, error) {
	database, err := sqlx.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	err = database.PingContext(ctx)
	if err != nil {
		_ = database.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	base, err := sqlbase.NewPersistence(ctx, logger.With("module", "postgresql"), database, migrations())
	if err != nil {
		_ = database.Close()

		return nil, err
	}

	return &Persistence{Persistence: base}, nil
}

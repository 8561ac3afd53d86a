package sqlbase

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

// Persistence implements persistence.Persistence on top of any sqlx driver
// that accepts the shared schema.
type Persistence struct {
	db     *sqlx.DB
	logger *slog.Logger

	devices    *DeviceRepository
	tasks      *TaskRepository
	chunks     *ChunkRepository
	workflows  *WorkflowRepository
	executions *ExecutionRepository
}

// NewPersistence runs migrations on db and wires the repositories.
func NewPersistence(ctx context.Context, logger *slog.Logger, db *sqlx.DB, migrations map[int]string) (*Persistence, error) {
	err := NewMigrationManager(logger, db, migrations).RunMigrations(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return &Persistence{
		db:         db,
		logger:     logger,
		devices:    &DeviceRepository{db: db},
		tasks:      &TaskRepository{db: db, logger: logger},
		chunks:     &ChunkRepository{db: db},
		workflows:  &WorkflowRepository{db: db, logger: logger},
		executions: &ExecutionRepository{db: db},
	}, nil
}

var _ persistence.Persistence = (*Persistence)(nil)

func (p *Persistence) Devices() persistence.DeviceRepository       { return p.devices }
func (p *Persistence) Tasks() persistence.TaskRepository           { return p.tasks }
func (p *Persistence) Chunks() persistence.ChunkRepository         { return p.chunks }
func (p *Persistence) Workflows() persistence.WorkflowRepository   { return p.workflows }
func (p *Persistence) Executions() persistence.ExecutionRepository { return p.executions }

// DB exposes the underlying handle, mainly for tests.
func (p *Persistence) DB() *sqlx.DB {
	return p.db
}

// Close closes the database connection.
func (p *Persistence) Close(_ context.Context) error {
	if p.db != nil {
		err := p.db.Close()
		if err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (p *Persistence) HealthCheck(ctx context.Context) error {
	err := p.db.PingContext(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// withTx runs fn inside a transaction, committing only when fn succeeds.
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) (err error) {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	err = fn(tx)
	if err != nil {
		return err
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// exists reports whether query returns at least one row.
func exists(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) (bool, error) {
	var count int

	err := sqlx.GetContext(ctx, q, &count, query, args...)
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

func rowsAffected(result sql.Result) (int64, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}

	return n, nil
}

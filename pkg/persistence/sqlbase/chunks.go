package sqlbase

import (
	"context"
	"fmt"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

// ChunkRepository handles transfer chunk rows.
type ChunkRepository struct {
	db *sqlx.DB
}

func (r *ChunkRepository) List(ctx context.Context, taskID string) ([]*models.Chunk, error) {
	var rows []chunkRow

	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(`
		SELECT task_id, chunk_index, size, expected_hash, hash, acknowledged, acknowledged_at
		FROM task_chunks
		WHERE task_id = ?
		ORDER BY chunk_index
	`), taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks of task %s: %w", taskID, err)
	}

	chunks := make([]*models.Chunk, 0, len(rows))
	for _, row := range rows {
		chunks = append(chunks, row.model())
	}

	return chunks, nil
}

func (r *ChunkRepository) Acknowledge(ctx context.Context, taskID string, index int, hash string, at time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind("UPDATE task_chunks SET acknowledged = ?, hash = ?, acknowledged_at = ? WHERE task_id = ? AND chunk_index = ? AND acknowledged = ?"),
		true, hash, at.UTC(), taskID, index, false,
	)
	if err != nil {
		return false, persistence.NewChunkError("Acknowledge", taskID, index, fmt.Errorf("failed to update chunk: %w", err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return false, persistence.NewChunkError("Acknowledge", taskID, index, err)
	}

	if n > 0 {
		return true, nil
	}

	found, err := exists(ctx, r.db, r.db.Rebind("SELECT COUNT(1) FROM task_chunks WHERE task_id = ? AND chunk_index = ?"), taskID, index)
	if err != nil {
		return false, persistence.NewChunkError("Acknowledge", taskID, index, err)
	}

	if !found {
		return false, persistence.NewChunkError("Acknowledge", taskID, index, persistence.ErrChunkNotFound)
	}

	return false, nil
}

func (r *ChunkRepository) Replace(ctx context.Context, taskID string, chunks []*models.Chunk) error {
	return withTx(ctx, r.db, func(tx *sqlx.Tx) error {
		acked, err := exists(ctx, tx, tx.Rebind("SELECT COUNT(1) FROM task_chunks WHERE task_id = ? AND acknowledged = ?"), taskID, true)
		if err != nil {
			return persistence.NewTaskError("ReplaceChunks", taskID, err)
		}

		if acked {
			return persistence.NewTaskError("ReplaceChunks", taskID, persistence.ErrAlreadyExists)
		}

		_, err = tx.ExecContext(ctx, tx.Rebind("DELETE FROM task_chunks WHERE task_id = ?"), taskID)
		if err != nil {
			return persistence.NewTaskError("ReplaceChunks", taskID, fmt.Errorf("failed to delete chunks: %w", err))
		}

		err = insertChunks(ctx, tx, chunks)
		if err != nil {
			return persistence.NewTaskError("ReplaceChunks", taskID, err)
		}

		return nil
	})
}

func insertChunks(ctx context.Context, tx *sqlx.Tx, chunks []*models.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	rows := make([]chunkRow, 0, len(chunks))
	for _, ch := range chunks {
		rows = append(rows, toChunkRow(ch))
	}

	query := `
		INSERT INTO task_chunks (task_id, chunk_index, size, expected_hash, hash, acknowledged, acknowledged_at)
		VALUES (:task_id, :chunk_index, :size, :expected_hash, :hash, :acknowledged, :acknowledged_at)
	`

	// Bounded batches keep each statement under the driver parameter limit.
	const batch = 100

	for start := 0; start < len(rows); start += batch {
		end := min(start+batch, len(rows))

		_, err := tx.NamedExecContext(ctx, query, rows[start:end])
		if err != nil {
			return fmt.Errorf("failed to insert chunks: %w", err)
		}
	}

	return nil
}

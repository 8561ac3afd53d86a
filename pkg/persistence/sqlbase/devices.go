package sqlbase

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/jmoiron/sqlx"
)

const deviceColumns = `id, name, type, address, status, last_heartbeat, metadata, active, created_at, updated_at`

// DeviceRepository handles device-related database operations.
type DeviceRepository struct {
	db *sqlx.DB
}

func (r *DeviceRepository) Upsert(ctx context.Context, device *models.Device) error {
	row, err := toDeviceRow(device)
	if err != nil {
		return persistence.NewDeviceError("Upsert", device.ID, err)
	}

	query := `
		INSERT INTO devices (` + deviceColumns + `)
		VALUES (:id, :name, :type, :address, :status, :last_heartbeat, :metadata, :active, :created_at, :updated_at)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			address = excluded.address,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			metadata = excluded.metadata,
			active = excluded.active,
			updated_at = excluded.updated_at
	`

	_, err = r.db.NamedExecContext(ctx, query, row)
	if err != nil {
		return persistence.NewDeviceError("Upsert", device.ID, fmt.Errorf("failed to upsert device: %w", err))
	}

	var createdAt time.Time

	err = r.db.GetContext(ctx, &createdAt, r.db.Rebind("SELECT created_at FROM devices WHERE id = ?"), device.ID)
	if err != nil {
		return persistence.NewDeviceError("Upsert", device.ID, fmt.Errorf("failed to read created_at: %w", err))
	}

	device.CreatedAt = createdAt.UTC()

	return nil
}

func (r *DeviceRepository) GetByID(ctx context.Context, id string) (*models.Device, error) {
	var row deviceRow

	err := r.db.GetContext(ctx, &row, r.db.Rebind("SELECT "+deviceColumns+" FROM devices WHERE id = ?"), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewDeviceError("GetByID", id, persistence.ErrDeviceNotFound)
		}

		return nil, persistence.NewDeviceError("GetByID", id, fmt.Errorf("failed to query device: %w", err))
	}

	return row.model()
}

func (r *DeviceRepository) List(ctx context.Context, opts persistence.ListDevicesOptions) ([]*models.Device, error) {
	conditions := []string{"1 = 1"}
	args := make([]any, 0)

	if opts.ActiveOnly {
		conditions = append(conditions, "active = ?")
		args = append(args, true)
	}

	if opts.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(opts.Status))
	}

	query := "SELECT " + deviceColumns + " FROM devices WHERE " + strings.Join(conditions, " AND ") + " ORDER BY id"

	var rows []deviceRow

	err := r.db.SelectContext(ctx, &rows, r.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := make([]*models.Device, 0, len(rows))

	for _, row := range rows {
		device, err := row.model()
		if err != nil {
			return nil, err
		}

		devices = append(devices, device)
	}

	return devices, nil
}

func (r *DeviceRepository) SetActive(ctx context.Context, id string, active bool) error {
	result, err := r.db.ExecContext(ctx,
		r.db.Rebind("UPDATE devices SET active = ?, updated_at = ? WHERE id = ?"),
		active, time.Now().UTC(), id,
	)
	if err != nil {
		return persistence.NewDeviceError("SetActive", id, fmt.Errorf("failed to update device: %w", err))
	}

	n, err := rowsAffected(result)
	if err != nil {
		return persistence.NewDeviceError("SetActive", id, err)
	}

	if n == 0 {
		return persistence.NewDeviceError("SetActive", id, persistence.ErrDeviceNotFound)
	}

	return nil
}

func (r *DeviceRepository) SetStatus(ctx context.Context, id string, status models.DeviceStatus, lastHeartbeat time.Time) error {
	found, err := exists(ctx, r.db, r.db.Rebind("SELECT COUNT(1) FROM devices WHERE id = ?"), id)
	if err != nil {
		return persistence.NewDeviceError("SetStatus", id, fmt.Errorf("failed to query device: %w", err))
	}

	if !found {
		return persistence.NewDeviceError("SetStatus", id, persistence.ErrDeviceNotFound)
	}

	_, err = r.db.ExecContext(ctx,
		r.db.Rebind("UPDATE devices SET status = ?, updated_at = ? WHERE id = ? AND last_heartbeat = ? AND status <> ?"),
		string(status), time.Now().UTC(), id, lastHeartbeat.UTC(), string(status),
	)
	if err != nil {
		return persistence.NewDeviceError("SetStatus", id, fmt.Errorf("failed to update device status: %w", err))
	}

	return nil
}

func (r *DeviceRepository) MarkOffline(ctx context.Context, cutoff time.Time) ([]string, error) {
	var ids []string

	err := r.db.SelectContext(ctx, &ids,
		r.db.Rebind("UPDATE devices SET status = ?, updated_at = ? WHERE status = ? AND last_heartbeat <= ? RETURNING id"),
		string(models.DeviceStatusOffline), time.Now().UTC(), string(models.DeviceStatusOnline), cutoff.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to mark devices offline: %w", err)
	}

	sort.Strings(ids)

	if ids == nil {
		ids = make([]string, 0)
	}

	return ids, nil
}

package memory

import (
	"context"
	"sort"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

// DeviceRepository handles device rows in memory.
type DeviceRepository struct {
	p *Persistence
}

func (r *DeviceRepository) Upsert(_ context.Context, device *models.Device) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		stored := cloneDevice(device)

		if existing, ok := s.Devices[device.ID]; ok && !existing.CreatedAt.IsZero() {
			stored.CreatedAt = existing.CreatedAt
		}

		s.Devices[device.ID] = stored
		device.CreatedAt = stored.CreatedAt

		return true, nil
	})
}

func (r *DeviceRepository) GetByID(_ context.Context, id string) (*models.Device, error) {
	var device *models.Device

	err := r.p.read(func(s *Snapshot) error {
		stored, ok := s.Devices[id]
		if !ok {
			return persistence.NewDeviceError("GetByID", id, persistence.ErrDeviceNotFound)
		}

		device = cloneDevice(stored)

		return nil
	})

	return device, err
}

func (r *DeviceRepository) List(_ context.Context, opts persistence.ListDevicesOptions) ([]*models.Device, error) {
	devices := make([]*models.Device, 0)

	err := r.p.read(func(s *Snapshot) error {
		for _, d := range s.Devices {
			if opts.ActiveOnly && !d.Active {
				continue
			}

			if opts.Status != "" && d.Status != opts.Status {
				continue
			}

			devices = append(devices, cloneDevice(d))
		}

		return nil
	})

	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })

	return devices, err
}

func (r *DeviceRepository) SetActive(_ context.Context, id string, active bool) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		d, ok := s.Devices[id]
		if !ok {
			return false, persistence.NewDeviceError("SetActive", id, persistence.ErrDeviceNotFound)
		}

		d.Active = active
		d.UpdatedAt = time.Now().UTC()

		return true, nil
	})
}

func (r *DeviceRepository) SetStatus(_ context.Context, id string, status models.DeviceStatus, lastHeartbeat time.Time) error {
	return r.p.write(func(s *Snapshot) (bool, error) {
		d, ok := s.Devices[id]
		if !ok {
			return false, persistence.NewDeviceError("SetStatus", id, persistence.ErrDeviceNotFound)
		}

		if !d.LastHeartbeat.Equal(lastHeartbeat) || d.Status == status {
			return false, nil
		}

		d.Status = status
		d.UpdatedAt = time.Now().UTC()

		return true, nil
	})
}

func (r *DeviceRepository) MarkOffline(_ context.Context, cutoff time.Time) ([]string, error) {
	ids := make([]string, 0)

	err := r.p.write(func(s *Snapshot) (bool, error) {
		for id, d := range s.Devices {
			if d.Status == models.DeviceStatusOnline && !d.LastHeartbeat.After(cutoff) {
				d.Status = models.DeviceStatusOffline
				d.UpdatedAt = time.Now().UTC()
				ids = append(ids, id)
			}
		}

		return len(ids) > 0, nil
	})

	sort.Strings(ids)

	return ids, err
}

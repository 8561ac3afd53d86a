// Package devices tracks known devices and derives their liveness from
// heartbeat recency.
package devices

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"github.com/dukex/devicehub/pkg/events"
	"github.com/dukex/devicehub/pkg/keylock"
	"github.com/dukex/devicehub/pkg/loop"
	"github.com/dukex/devicehub/pkg/metrics"
	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
)

const (
	DefaultLivenessWindow = 2 * time.Minute
	DefaultSweepInterval  = 30 * time.Second
)

// Metadata keys written from heartbeat metrics.
const (
	MetricsKey          = "metrics"
	MetricsUpdatedAtKey = "metrics_updated_at"
)

type Option func(*Registry)

// WithClock replaces time.Now.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		r.clock = clock
	}
}

func WithLivenessWindow(window time.Duration) Option {
	return func(r *Registry) {
		if window > 0 {
			r.window = window
		}
	}
}

func WithSweepInterval(interval time.Duration) Option {
	return func(r *Registry) {
		if interval > 0 {
			r.sweepInterval = interval
		}
	}
}

func WithMetrics(collector *metrics.Collector) Option {
	return func(r *Registry) {
		r.metrics = collector
	}
}

type Registry struct {
	logger        *slog.Logger
	repo          persistence.DeviceRepository
	window        time.Duration
	sweepInterval time.Duration
	clock         func() time.Time
	metrics       *metrics.Collector
	locks         *keylock.Map
	sweeper       *loop.Loop
}

func NewRegistry(logger *slog.Logger, repo persistence.DeviceRepository, opts ...Option) *Registry {
	r := &Registry{
		logger:        logger.With("module", "devices"),
		repo:          repo,
		window:        DefaultLivenessWindow,
		sweepInterval: DefaultSweepInterval,
		clock:         time.Now,
		locks:         keylock.New(),
	}

	for _, opt := range opts {
		opt(r)
	}

	r.sweeper = loop.New(r.logger, "liveness-sweep", r.sweepInterval, func(ctx context.Context) {
		_, err := r.Sweep(ctx)
		if err != nil {
			r.logger.ErrorContext(ctx, "Liveness sweep failed", "error", err)
		}
	})

	return r
}

// LivenessWindow returns the window used to derive online status.
func (r *Registry) LivenessWindow() time.Duration {
	return r.window
}

func (r *Registry) now() time.Time {
	return r.clock().UTC()
}

// RegisterHeartbeat upserts the device named by the heartbeat and marks it
// online. Unknown devices are created; a conflicting identity overwrites the
// stored metadata.
func (r *Registry) RegisterHeartbeat(ctx context.Context, hb models.Heartbeat) (*models.Device, error) {
	id := models.ResolveDeviceID(hb)

	unlock := r.locks.Lock(id)
	defer unlock()

	now := r.now()

	device, err := r.repo.GetByID(ctx, id)

	switch {
	case persistence.IsDeviceNotFound(err):
		device = &models.Device{ID: id, Active: true, CreatedAt: now}

		r.logger.InfoContext(ctx, "Registering new device", "device_id", id, "name", hb.Name)
	case err != nil:
		return nil, fmt.Errorf("failed to load device %s: %w", id, err)
	}

	if hb.Name != "" {
		device.Name = hb.Name
	}

	if hb.Type != "" {
		device.Type = hb.Type
	}

	if addr := models.PrivateAddress(hb.Addresses); addr != "" {
		device.Address = addr
	} else if len(hb.Addresses) > 0 {
		device.Address = hb.Addresses[0]
	}

	device.Metadata = mergeMetadata(device.Metadata, hb, now)
	device.Status = models.DeviceStatusOnline
	device.LastHeartbeat = now
	device.UpdatedAt = now

	err = r.repo.Upsert(ctx, device)
	if err != nil {
		return nil, fmt.Errorf("failed to store heartbeat of %s: %w", id, err)
	}

	r.logger.DebugContext(ctx, "Heartbeat registered", "device_id", id)

	return device, nil
}

// mergeMetadata applies last-writer-wins: metadata carried by the heartbeat
// replaces what was stored, and metrics are nested under MetricsKey.
func mergeMetadata(current map[string]any, hb models.Heartbeat, now time.Time) map[string]any {
	merged := make(map[string]any)

	if hb.Metadata != nil {
		maps.Copy(merged, hb.Metadata)

		for _, key := range []string{MetricsKey, MetricsUpdatedAtKey} {
			if value, ok := current[key]; ok {
				merged[key] = value
			}
		}
	} else {
		maps.Copy(merged, current)
	}

	if len(hb.Metrics) > 0 {
		merged[MetricsKey] = maps.Clone(hb.Metrics)
		merged[MetricsUpdatedAtKey] = now.Format(time.RFC3339)
	}

	if len(merged) == 0 {
		return nil
	}

	return merged
}

// GetStatus returns the derived status, or unknown for a device that never
// sent a heartbeat. A stale stored status is corrected on the way.
func (r *Registry) GetStatus(ctx context.Context, id string) (models.DeviceStatus, error) {
	device, err := r.repo.GetByID(ctx, id)
	if persistence.IsDeviceNotFound(err) {
		return models.DeviceStatusUnknown, nil
	}

	if err != nil {
		return "", fmt.Errorf("failed to load device %s: %w", id, err)
	}

	status := r.derive(device)

	if status != device.Status {
		err = r.repo.SetStatus(ctx, id, status, device.LastHeartbeat)
		if err != nil {
			r.logger.WarnContext(ctx, "Failed to materialize device status", "device_id", id, "status", status, "error", err)
		}
	}

	return status, nil
}

func (r *Registry) derive(device *models.Device) models.DeviceStatus {
	return models.Liveness(r.now(), device.LastHeartbeat, r.window)
}

// Get returns the device with its status derived at read time.
func (r *Registry) Get(ctx context.Context, id string) (*models.Device, error) {
	device, err := r.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	device.Status = r.derive(device)

	return device, nil
}

// Exists reports whether the device has registered and was not deactivated.
func (r *Registry) Exists(ctx context.Context, id string) (bool, error) {
	device, err := r.repo.GetByID(ctx, id)
	if persistence.IsDeviceNotFound(err) {
		return false, nil
	}

	if err != nil {
		return false, err
	}

	return device.Active, nil
}

// List returns devices with derived status. A status filter applies to the
// derived value.
func (r *Registry) List(ctx context.Context, opts persistence.ListDevicesOptions) ([]*models.Device, error) {
	wanted := opts.Status
	opts.Status = ""

	stored, err := r.repo.List(ctx, opts)
	if err != nil {
		return nil, err
	}

	devices := make([]*models.Device, 0, len(stored))

	for _, device := range stored {
		device.Status = r.derive(device)

		if wanted != "" && device.Status != wanted {
			continue
		}

		devices = append(devices, device)
	}

	return devices, nil
}

// Deactivate hides a device from dispatch. Its row and task history remain.
func (r *Registry) Deactivate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, false)
}

// Activate reverses Deactivate.
func (r *Registry) Activate(ctx context.Context, id string) error {
	return r.setActive(ctx, id, true)
}

func (r *Registry) setActive(ctx context.Context, id string, active bool) error {
	unlock := r.locks.Lock(id)
	defer unlock()

	err := r.repo.SetActive(ctx, id, active)
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "Device activation changed", "device_id", id, "active", active)

	return nil
}

// Sweep materializes offline status for every device whose last heartbeat is
// outside the liveness window and returns their identifiers.
func (r *Registry) Sweep(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.window)

	ids, err := r.repo.MarkOffline(ctx, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to mark devices offline: %w", err)
	}

	if len(ids) > 0 {
		r.logger.InfoContext(ctx, "Devices went offline", "count", len(ids), "device_ids", ids)
	}

	online, err := r.repo.List(ctx, persistence.ListDevicesOptions{Status: models.DeviceStatusOnline})
	if err == nil {
		r.metrics.SetDevicesOnline(len(online))
	}

	return ids, nil
}

// HandleHeartbeatEvent is the event bus handler for device heartbeats.
func (r *Registry) HandleHeartbeatEvent(ctx context.Context, event any) error {
	heartbeat, ok := event.(*events.DeviceHeartbeat)
	if !ok {
		return fmt.Errorf("unexpected event %T", event)
	}

	_, err := r.RegisterHeartbeat(ctx, heartbeat.Heartbeat)

	return err
}

// Start runs the liveness sweep in the background.
func (r *Registry) Start(ctx context.Context) error {
	return r.sweeper.Start(ctx)
}

func (r *Registry) Stop(ctx context.Context) error {
	return r.sweeper.Stop(ctx)
}

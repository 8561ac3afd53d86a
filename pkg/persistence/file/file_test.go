package file_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/models"
	"github.com/dukex/devicehub/pkg/persistence"
	"github.com/dukex/devicehub/pkg/persistence/file"
	"github.com/dukex/devicehub/pkg/persistence/persistencetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilePersistence(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) persistence.Persistence {
		t.Helper()

		p, err := file.NewPersistence(t.TempDir())
		require.NoError(t, err)

		return p
	})
}

func TestNewPersistenceStripsScheme(t *testing.T) {
	dir := t.TempDir()

	p, err := file.NewPersistence("file://" + dir)
	require.NoError(t, err)
	require.NoError(t, p.HealthCheck(t.Context()))

	require.NoError(t, p.Devices().Upsert(t.Context(), &models.Device{ID: "dev-1"}))

	_, err = os.Stat(filepath.Join(dir, file.SnapshotFile))
	assert.NoError(t, err)
}

func TestSnapshotSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	ts := time.Now().UTC().Truncate(time.Millisecond)

	p, err := file.NewPersistence(dir)
	require.NoError(t, err)

	require.NoError(t, p.Devices().Upsert(ctx, &models.Device{ID: "dev-1", Name: "kiosk", LastHeartbeat: ts}))
	task := &models.Task{
		ID:         "task-1",
		DeviceID:   "dev-1",
		Kind:       models.TaskKindScreenshot,
		Params:     []byte(`{}`),
		Status:     models.TaskStatusPending,
		CreatedAt:  ts,
		DeadlineAt: ts.Add(5 * time.Minute),
	}
	require.NoError(t, p.Tasks().Create(ctx, task, nil))
	require.NoError(t, p.Close(ctx))

	reopened, err := file.NewPersistence(dir)
	require.NoError(t, err)

	device, err := reopened.Devices().GetByID(ctx, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, "kiosk", device.Name)
	assert.True(t, device.LastHeartbeat.Equal(ts))

	got, err := reopened.Tasks().GetByID(ctx, "task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)

	// Audit identifiers keep increasing after a reload.
	_, err = got.Apply(models.TaskStatusRunning, nil, "", ts)
	require.NoError(t, err)
	require.NoError(t, reopened.Tasks().Update(ctx, got, &models.TaskTransition{
		TaskID: got.ID,
		From:   models.TaskStatusPending,
		To:     models.TaskStatusRunning,
		Source: models.SourceAgent,
		At:     ts,
	}))

	transitions, err := reopened.Tasks().Transitions(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, transitions, 2)
	assert.Greater(t, transitions[1].ID, transitions[0].ID)
}

func TestCorruptSnapshot(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, file.SnapshotFile), []byte("{not json"), 0600))

	_, err := file.NewPersistence(dir)
	assert.Error(t, err)
}

func TestHealthCheckMissingRoot(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "data")

	p, err := file.NewPersistence(dir)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(dir))

	assert.Error(t, p.HealthCheck(t.Context()))
}

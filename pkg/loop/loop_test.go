package loop_test

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dukex/devicehub/pkg/loop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestLoop_RunsUntilStopped(t *testing.T) {
	var runs atomic.Int32

	l := loop.New(newLogger(), "test", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	ctx := context.Background()

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Start(ctx))
	assert.True(t, l.Running())

	assert.Eventually(t, func() bool { return runs.Load() >= 3 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, l.Stop(ctx))
	require.NoError(t, l.Stop(ctx))
	assert.False(t, l.Running())

	stopped := runs.Load()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
}

func TestLoop_RestartAfterStop(t *testing.T) {
	var runs atomic.Int32

	l := loop.New(newLogger(), "restart", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	ctx := context.Background()

	require.NoError(t, l.Start(ctx))
	require.NoError(t, l.Stop(ctx))

	before := runs.Load()

	require.NoError(t, l.Start(ctx))
	assert.Eventually(t, func() bool { return runs.Load() > before }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, l.Stop(ctx))
}

func TestLoop_ContextCancellationEndsLoop(t *testing.T) {
	var runs atomic.Int32

	ctx, cancel := context.WithCancel(context.Background())

	l := loop.New(newLogger(), "ctx", 10*time.Millisecond, func(context.Context) {
		runs.Add(1)
	})

	require.NoError(t, l.Start(ctx))
	assert.Eventually(t, func() bool { return runs.Load() >= 1 }, 2*time.Second, 5*time.Millisecond)

	cancel()

	time.Sleep(30 * time.Millisecond)

	settled := runs.Load()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, settled, runs.Load())

	require.NoError(t, l.Stop(context.Background()))
}

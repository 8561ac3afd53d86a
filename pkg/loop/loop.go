// Package loop runs a function on a fixed interval until stopped.
package loop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

type Loop struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context)
	logger   *slog.Logger

	mu      sync.Mutex
	ticker  *time.Ticker
	done    chan struct{}
	exited  chan struct{}
	started bool
}

// New creates a loop calling run every interval.
func New(logger *slog.Logger, name string, interval time.Duration, run func(ctx context.Context)) *Loop {
	return &Loop{
		name:     name,
		interval: interval,
		run:      run,
		logger:   logger.With("loop", name),
	}
}

// Start launches the loop. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return nil
	}

	l.ticker = time.NewTicker(l.interval)
	l.done = make(chan struct{})
	l.exited = make(chan struct{})
	l.started = true

	go l.poll(ctx, l.ticker, l.done, l.exited)

	l.logger.Info("Loop started", "interval", l.interval)

	return nil
}

// Stop halts the loop and waits for an in-flight run to return, or for ctx
// to end. Stopping a stopped loop is a no-op.
func (l *Loop) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.started {
		return nil
	}

	l.ticker.Stop()
	close(l.done)
	l.started = false

	select {
	case <-l.exited:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.logger.Info("Loop stopped")

	return nil
}

// Running reports whether the loop has been started and not stopped.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.started
}

func (l *Loop) poll(ctx context.Context, ticker *time.Ticker, done, exited chan struct{}) {
	defer close(exited)

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.run(ctx)
		}
	}
}

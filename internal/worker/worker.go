// Package worker runs the periodic chat maintenance jobs: closing expired
// sessions, draining the waiting queue, expiring silent agents and repairing
// agent load counters.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ashureev/supportdesk/internal/shared"
)

const (
	conflictRetries   = 3
	conflictBaseDelay = 50 * time.Millisecond
	minSweepInterval  = time.Second
)

// Jobs is the chat maintenance surface the workers drive.
type Jobs interface {
	CloseExpired(ctx context.Context) (int, error)
	AssignWaiting(ctx context.Context) (int, error)
	SweepStaleAgents(ctx context.Context, timeout time.Duration) (int, error)
	ReconcileAgentLoad(ctx context.Context) (int64, error)
}

// Config sets job intervals. A zero interval disables the job.
type Config struct {
	ReaperInterval    time.Duration
	DispatchInterval  time.Duration
	HeartbeatTimeout  time.Duration
	ReconcileInterval time.Duration
}

// Start launches the enabled jobs and returns a func that blocks until they
// have all stopped after ctx is cancelled.
func Start(ctx context.Context, jobs Jobs, cfg Config) (wait func()) {
	var wg sync.WaitGroup
	run := func(name string, interval time.Duration, fn func(context.Context) error) {
		if interval <= 0 {
			slog.Info("Worker disabled", "worker", name)
			return
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			runEvery(ctx, name, interval, fn)
		}()
	}

	run("reaper", cfg.ReaperInterval, func(ctx context.Context) error {
		n, err := jobs.CloseExpired(ctx)
		if n > 0 {
			slog.Info("Expired chat sessions closed", "count", n)
		}
		return err
	})

	run("dispatcher", cfg.DispatchInterval, func(ctx context.Context) error {
		n, err := jobs.AssignWaiting(ctx)
		if n > 0 {
			slog.Info("Waiting sessions assigned", "count", n)
		}
		return err
	})

	if cfg.HeartbeatTimeout > 0 {
		run("heartbeat-sweeper", max(cfg.HeartbeatTimeout/2, minSweepInterval), func(ctx context.Context) error {
			_, err := jobs.SweepStaleAgents(ctx, cfg.HeartbeatTimeout)
			return err
		})
	}

	run("reconciler", cfg.ReconcileInterval, func(ctx context.Context) error {
		_, err := jobs.ReconcileAgentLoad(ctx)
		return err
	})

	return wg.Wait
}

func runEvery(ctx context.Context, name string, interval time.Duration, fn func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	slog.Info("Worker started", "worker", name, "interval", interval)

	for {
		select {
		case <-ticker.C:
			err := shared.RetryOnConflict(ctx, name, conflictRetries, conflictBaseDelay, func() error {
				return fn(ctx)
			})
			if err != nil && ctx.Err() == nil {
				slog.Error("Worker run failed", "worker", name, "error", err)
			}
		case <-ctx.Done():
			slog.Info("Worker shutting down", "worker", name, "reason", ctx.Err())
			return
		}
	}
}

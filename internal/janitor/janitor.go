// Package janitor periodically retires idle conversations.
package janitor

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	rcron "github.com/robfig/cron/v3"
)

// Sweeper represents cleanup behavior needed by the janitor.
type Sweeper interface {
	SweepIdle(ctx context.Context) (int, error)
}

// Start schedules sweeps on spec (a cron expression or descriptor such as
// "@every 1m"). The returned func stops the schedule and waits for a
// running sweep to finish.
func Start(ctx context.Context, logger *log.Logger, spec string, sweeper Sweeper) (func(), error) {
	c := rcron.New(rcron.WithChain(rcron.SkipIfStillRunning(rcron.DiscardLogger)))
	if _, err := c.AddFunc(spec, func() { sweep(ctx, logger, sweeper) }); err != nil {
		return nil, fmt.Errorf("schedule sweep %q: %w", spec, err)
	}
	c.Start()
	logger.Debug("janitor started", "schedule", spec)

	return func() {
		<-c.Stop().Done()
		logger.Debug("janitor stopped")
	}, nil
}

func sweep(ctx context.Context, logger *log.Logger, sweeper Sweeper) {
	if ctx.Err() != nil {
		return
	}
	n, err := sweeper.SweepIdle(ctx)
	if err != nil {
		logger.Warn("idle sweep failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("retired idle conversations", "count", n)
	}
}

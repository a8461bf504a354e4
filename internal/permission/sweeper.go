package permission

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentserver/agentserver/internal/cron"
	"github.com/agentserver/agentserver/internal/store"
)

// Sweeper periodically expires PermissionRequests that have sat
// pending past the timeout without a resolution — a second line of
// defense alongside Gate.Check's own per-call timer, for requests
// whose runner process died or whose timer never fired (e.g. process
// restart while a request was pending). Driven by internal/cron's
// "every" schedule kind.
type Sweeper struct {
	perms    store.Permissions
	timeout  time.Duration
	schedule cron.Schedule
	logger   *slog.Logger
}

func NewSweeper(perms store.Permissions, timeout, interval time.Duration, logger *slog.Logger) (*Sweeper, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sched, err := cron.Every(interval)
	if err != nil {
		return nil, err
	}
	return &Sweeper{perms: perms, timeout: timeout, schedule: sched, logger: logger}, nil
}

// Run blocks, sweeping on the configured interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	for {
		next, ok, err := s.schedule.Next(time.Now())
		if err != nil || !ok {
			s.logger.Error("sweeper schedule error", "error", err)
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Until(next)):
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	cutoff := time.Now().Add(-s.timeout)
	ids, err := s.perms.ExpirePendingOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("permission sweep failed", "error", err)
		return
	}
	if len(ids) > 0 {
		s.logger.Info("expired stale permission requests", "count", len(ids))
	}
}

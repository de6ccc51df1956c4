package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// DefaultDedupRetention is how long inbound message ids are remembered.
const DefaultDedupRetention = 7 * 24 * time.Hour

// SessionExpirer ends active sessions that have been idle past their timeout.
// flow.Engine implements it.
type SessionExpirer interface {
	ExpireStaleSessions(ctx context.Context) (int, error)
}

// DedupPurger deletes inbound dedup records. store.DedupRepo implements it.
type DedupPurger interface {
	PurgeDedupBefore(cutoff time.Time) (int, error)
}

// Housekeeping is one periodic maintenance pass.
type Housekeeping struct {
	Sessions       SessionExpirer
	Dedup          DedupPurger // optional
	DedupRetention time.Duration
	Now            func() time.Time
}

// Run performs one pass. Both steps always run; the first error is returned.
func (h *Housekeeping) Run(ctx context.Context) error {
	var firstErr error
	if h.Sessions != nil {
		n, err := h.Sessions.ExpireStaleSessions(ctx)
		if err != nil {
			slog.Error("Housekeeping.Run: expiring sessions failed", "error", err)
			firstErr = fmt.Errorf("expire sessions: %w", err)
		} else if n > 0 {
			slog.Info("Housekeeping.Run: expired stale sessions", "count", n)
		}
	}

	if h.Dedup != nil {
		retention := h.DedupRetention
		if retention <= 0 {
			retention = DefaultDedupRetention
		}
		now := time.Now
		if h.Now != nil {
			now = h.Now
		}
		n, err := h.Dedup.PurgeDedupBefore(now().Add(-retention))
		if err != nil {
			slog.Error("Housekeeping.Run: purging dedup records failed", "error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("purge dedup: %w", err)
			}
		} else if n > 0 {
			slog.Debug("Housekeeping.Run: purged dedup records", "count", n)
		}
	}
	return firstErr
}

// AddHousekeeping schedules h on expr. Each pass runs with ctx.
func (s *Scheduler) AddHousekeeping(ctx context.Context, expr string, h *Housekeeping) error {
	if expr == "" {
		expr = DefaultHousekeepingSchedule
	}
	if err := s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		_ = h.Run(ctx)
	}); err != nil {
		return fmt.Errorf("invalid housekeeping schedule %q: %w", expr, err)
	}
	slog.Info("Scheduler.AddHousekeeping: scheduled", "schedule", expr)
	return nil
}

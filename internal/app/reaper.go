package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/consultline/internal/platform/correlation"
)

// Reaper periodically adopts or ends sessions whose billing instance died.
type Reaper struct {
	sessions *SessionService
	interval time.Duration
	clock    clockwork.Clock
}

func NewReaper(sessions *SessionService, interval time.Duration, clock clockwork.Clock) *Reaper {
	return &Reaper{sessions: sessions, interval: interval, clock: clock}
}

// Run makes one pass immediately, then one per interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.interval)
	defer ticker.Stop()

	r.pass(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Reaper stopped")
			return
		case <-ticker.Chan():
			r.pass(ctx)
		}
	}
}

func (r *Reaper) pass(ctx context.Context) {
	ctx = correlation.WithID(ctx, correlation.NewID())
	report, err := r.sessions.ReapStale(ctx, true)
	if err != nil {
		slog.ErrorContext(ctx, "Reaper pass failed", "error", err)
		return
	}
	if report != (ReapReport{}) {
		slog.InfoContext(ctx, "Reaper pass", "missed", report.Missed, "adopted", report.Adopted, "ended", report.Ended)
	}
}

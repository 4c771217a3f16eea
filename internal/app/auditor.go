package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
)

const auditTimeout = 5 * time.Minute

// Leader gates cluster-wide singleton jobs.
type Leader interface {
	TryAcquire(ctx context.Context) (bool, error)
}

// LedgerAuditor compares every wallet balance with the sum of its ledger
// entries and reports drift.
type LedgerAuditor struct {
	wallets domain.WalletRepository
	leader  Leader
	metrics *metrics.LedgerMetrics
}

// NewLedgerAuditor creates an auditor. leader may be nil in single-instance mode.
func NewLedgerAuditor(wallets domain.WalletRepository, leader Leader, m *metrics.LedgerMetrics) *LedgerAuditor {
	return &LedgerAuditor{wallets: wallets, leader: leader, metrics: m}
}

// Audit runs one pass and returns the drifted wallets.
func (a *LedgerAuditor) Audit(ctx context.Context) ([]domain.WalletDrift, error) {
	drift, err := a.wallets.FindDrift(ctx)
	if err != nil {
		a.metrics.Audit("error", 0)
		return nil, fmt.Errorf("ledger audit failed: %w", err)
	}

	if len(drift) == 0 {
		a.metrics.Audit("clean", 0)
		slog.InfoContext(ctx, "Ledger audit clean")
		return nil, nil
	}

	a.metrics.Audit("drift", len(drift))
	for _, d := range drift {
		slog.ErrorContext(ctx, "Ledger drift detected", "user_id", d.UserID, "balance", d.Balance, "ledger_sum", d.LedgerSum)
	}
	return drift, nil
}

// Schedule registers the audit on a cron schedule (e.g. "@every 1h") and
// starts the scheduler. Only the leader instance audits on each run.
func (a *LedgerAuditor) Schedule(spec string) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, a.scheduledRun); err != nil {
		return nil, fmt.Errorf("invalid ledger audit schedule %q: %w", spec, err)
	}
	c.Start()
	return c, nil
}

func (a *LedgerAuditor) scheduledRun() {
	ctx, cancel := context.WithTimeout(context.Background(), auditTimeout)
	defer cancel()
	ctx = correlation.WithID(ctx, correlation.NewID())

	if a.leader != nil {
		leader, err := a.leader.TryAcquire(ctx)
		if err != nil {
			slog.WarnContext(ctx, "Ledger audit: leader election failed", "error", err)
			a.metrics.Audit("skipped", 0)
			return
		}
		if !leader {
			a.metrics.Audit("skipped", 0)
			return
		}
	}

	if _, err := a.Audit(ctx); err != nil {
		slog.ErrorContext(ctx, "Scheduled ledger audit failed", "error", err)
	}
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/sony/gobreaker"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
	"github.com/pscheid92/consultline/internal/platform/retry"
)

const leaseReleaseTimeout = 2 * time.Second

type MeterConfig struct {
	DisconnectGrace time.Duration
	LowBalanceWarn  time.Duration
	MaxTickFailures int
	Retry           retry.Policy
}

func DefaultMeterConfig() MeterConfig {
	return MeterConfig{
		DisconnectGrace: 30 * time.Second,
		LowBalanceWarn:  60 * time.Second,
		MaxTickFailures: 3,
		Retry: retry.Policy{
			MaxAttempts:    3,
			InitialBackoff: 50 * time.Millisecond,
			MaxBackoff:     200 * time.Millisecond,
			LongBackoff:    500 * time.Millisecond,
		},
	}
}

type terminateFunc func(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason)

type meterLoop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

type meterState struct {
	session      domain.Session
	seq          int64
	offlineSince time.Time
	failures     int
	warned       bool
}

// Meter runs one billing loop per active session. A loop only runs while
// this instance holds the session's billing lease; every tick is applied to
// the ledger through a circuit breaker and a short retry.
type Meter struct {
	ledger    domain.TickApplier
	lease     domain.BillingLease
	presence  domain.PresenceRegistry
	notifier  domain.Notifier
	clock     clockwork.Clock
	cfg       MeterConfig
	metrics   *metrics.BillingMetrics
	breaker   *gobreaker.CircuitBreaker
	terminate terminateFunc

	mu      sync.Mutex
	loops   map[uuid.UUID]*meterLoop
	stopped bool
	wg      sync.WaitGroup
}

func NewMeter(
	ledger domain.TickApplier,
	lease domain.BillingLease,
	presence domain.PresenceRegistry,
	notifier domain.Notifier,
	clock clockwork.Clock,
	cfg MeterConfig,
	m *metrics.BillingMetrics,
	terminate terminateFunc,
) *Meter {
	if cfg.Retry.Clock == nil {
		cfg.Retry.Clock = clock
	}
	return &Meter{
		ledger:    ledger,
		lease:     lease,
		presence:  presence,
		notifier:  notifier,
		clock:     clock,
		cfg:       cfg,
		metrics:   m,
		breaker:   newLedgerBreaker(m),
		terminate: terminate,
		loops:     make(map[uuid.UUID]*meterLoop),
	}
}

func newLedgerBreaker(m *metrics.BillingMetrics) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "ledger",
		MaxRequests: 1,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || isBillingOutcome(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state changed", "component", name, "from", from.String(), "to", to.String())
			m.SetBreakerState(int(to))
		},
	})
}

// isBillingOutcome reports errors that are valid answers from the ledger
// rather than ledger failures.
func isBillingOutcome(err error) bool {
	return errors.Is(err, domain.ErrInsufficientBalance) ||
		errors.Is(err, domain.ErrSessionNotActive) ||
		errors.Is(err, domain.ErrSessionNotFound)
}

func classifyLedgerError(err error) retry.Action {
	switch {
	case isBillingOutcome(err),
		errors.Is(err, gobreaker.ErrOpenState),
		errors.Is(err, gobreaker.ErrTooManyRequests),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return retry.Stop
	case errors.Is(err, domain.ErrLedgerContention):
		return retry.After
	default:
		return retry.Retry
	}
}

// Start begins billing an active session. It returns false without error
// when another instance holds the lease. Starting a session that is already
// metered here is a no-op.
func (m *Meter) Start(ctx context.Context, sess *domain.Session) (bool, error) {
	if sess.Status != domain.StatusActive {
		return false, domain.ErrSessionNotActive
	}
	if m.Running(sess.ID) {
		return true, nil
	}

	ok, err := m.lease.Acquire(ctx, sess.ID)
	if err != nil {
		return false, fmt.Errorf("failed to acquire billing lease: %w", err)
	}
	if !ok {
		return false, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		m.releaseLease(sess.ID)
		return false, nil
	}
	if _, exists := m.loops[sess.ID]; exists {
		return true, nil
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	loop := &meterLoop{cancel: cancel, done: make(chan struct{})}
	m.loops[sess.ID] = loop
	m.wg.Add(1)
	m.metrics.MeterStarted()

	st := &meterState{session: *sess, seq: sess.LastTickSeq}
	go m.run(loopCtx, loop, st)

	slog.InfoContext(ctx, "Meter started", "session_id", sess.ID, "kind", sess.Kind, "rate", sess.RatePerMinute, "tick_ms", sess.TickMillis)
	return true, nil
}

// Stop halts the session's loop and waits for it to exit. It must not be
// called from the loop itself.
func (m *Meter) Stop(sessionID uuid.UUID) {
	m.mu.Lock()
	loop, ok := m.loops[sessionID]
	m.mu.Unlock()
	if !ok {
		return
	}
	loop.cancel()
	<-loop.done
}

// StopAll halts every loop and releases their leases so other instances can
// adopt the sessions.
func (m *Meter) StopAll() {
	m.mu.Lock()
	m.stopped = true
	for _, loop := range m.loops {
		loop.cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Meter) Running(sessionID uuid.UUID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[sessionID]
	return ok
}

func (m *Meter) run(ctx context.Context, loop *meterLoop, st *meterState) {
	defer m.wg.Done()
	defer close(loop.done)
	defer m.forget(st.session.ID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Meter loop panicked", "session_id", st.session.ID, "panic", r)
		}
	}()

	ticker := m.clock.NewTicker(time.Duration(st.session.TickMillis) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if m.tick(ctx, st) {
				return
			}
		}
	}
}

func (m *Meter) forget(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.loops, sessionID)
	m.mu.Unlock()
	m.releaseLease(sessionID)
	m.metrics.MeterStopped()
}

func (m *Meter) releaseLease(sessionID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), leaseReleaseTimeout)
	defer cancel()
	if err := m.lease.Release(ctx, sessionID); err != nil {
		slog.Warn("Failed to release billing lease", "session_id", sessionID, "error", err)
	}
}

// tick processes one interval and reports whether the loop must stop.
func (m *Meter) tick(ctx context.Context, st *meterState) bool {
	s := &st.session
	tickCtx := correlation.WithSession(correlation.WithID(ctx, correlation.NewID()), s.ID.String())

	held, err := m.lease.Renew(tickCtx, s.ID)
	if err != nil {
		slog.WarnContext(tickCtx, "Meter: lease renew failed", "error", err)
	} else if !held {
		slog.WarnContext(tickCtx, "Meter: billing lease lost, stopping loop")
		return true
	}

	now := m.clock.Now()
	if !m.partiesOnline(tickCtx, s) {
		if st.offlineSince.IsZero() {
			st.offlineSince = now
		}
		m.metrics.ObserveTick("paused", 0)
		if now.Sub(st.offlineSince) >= m.cfg.DisconnectGrace {
			slog.InfoContext(tickCtx, "Meter: party offline past grace period", "offline_since", st.offlineSince)
			m.terminate(tickCtx, s.ID, domain.EndDisconnected)
			return true
		}
		return false
	}
	st.offlineSince = time.Time{}

	seq := st.seq + 1
	started := time.Now()
	res, err := m.apply(tickCtx, domain.TickRequest{SessionID: s.ID, Seq: seq, At: now})
	elapsed := time.Since(started)

	switch {
	case errors.Is(err, domain.ErrInsufficientBalance):
		m.metrics.ObserveTick("insufficient", elapsed)
		slog.InfoContext(tickCtx, "Meter: payer balance exhausted", "seq", seq)
		m.terminate(tickCtx, s.ID, domain.EndInsufficientBalance)
		return true
	case errors.Is(err, domain.ErrSessionNotActive), errors.Is(err, domain.ErrSessionNotFound):
		slog.DebugContext(tickCtx, "Meter: session no longer active", "seq", seq)
		return true
	case err != nil:
		st.failures++
		m.metrics.ObserveTick("failed", elapsed)
		slog.ErrorContext(tickCtx, "Meter: tick failed", "seq", seq, "failures", st.failures, "error", err)
		if st.failures >= m.cfg.MaxTickFailures {
			m.terminate(tickCtx, s.ID, domain.EndBillingFailed)
			return true
		}
		return false
	}

	st.failures = 0
	st.seq = res.Seq
	if res.Replayed {
		m.metrics.ObserveTick("replayed", elapsed)
		slog.DebugContext(tickCtx, "Meter: tick already applied", "seq", seq, "stored_seq", res.Seq)
		return false
	}

	m.metrics.ObserveTick("charged", elapsed)
	m.metrics.AddCharge(res.Charge.Amount, res.Charge.Commission)
	m.publishTick(tickCtx, st, res)
	return false
}

func (m *Meter) apply(ctx context.Context, req domain.TickRequest) (*domain.TickResult, error) {
	return retry.Do(ctx, m.cfg.Retry, classifyLedgerError, func() (*domain.TickResult, error) {
		out, err := m.breaker.Execute(func() (interface{}, error) {
			return m.ledger.ApplyTick(ctx, req)
		})
		if err != nil {
			return nil, err
		}
		return out.(*domain.TickResult), nil
	})
}

// partiesOnline treats presence lookup failures as online so a flaky
// registry never ends a paid session on its own.
func (m *Meter) partiesOnline(ctx context.Context, s *domain.Session) bool {
	for _, userID := range []uuid.UUID{s.PayerID, s.PayeeID} {
		_, ok, err := m.presence.Lookup(ctx, userID)
		if err != nil {
			slog.WarnContext(ctx, "Meter: presence lookup failed", "user_id", userID, "error", err)
			continue
		}
		if !ok {
			return false
		}
	}
	return true
}

func (m *Meter) publishTick(ctx context.Context, st *meterState, res *domain.TickResult) {
	s := &st.session
	remaining := domain.AffordableMillis(res.PayerBalance, s.RatePerMinute) / 1000

	m.send(ctx, s.PayerID, domain.NewSessionEvent(domain.EventBillingTick, s, domain.BillingTickPayload{
		Seq:              res.Seq,
		Charged:          res.Charge.Amount,
		TotalCharged:     res.TotalCharged,
		Balance:          res.PayerBalance,
		BilledSeconds:    res.BilledMillis / 1000,
		RemainingSeconds: remaining,
	}))
	m.send(ctx, s.PayeeID, domain.NewSessionEvent(domain.EventEarningTick, s, domain.EarningTickPayload{
		Seq:           res.Seq,
		Earned:        res.Charge.PayeeCredit,
		TotalEarned:   res.PayeeEarned,
		BilledSeconds: res.BilledMillis / 1000,
	}))

	if !st.warned && remaining*1000 < m.cfg.LowBalanceWarn.Milliseconds() {
		st.warned = true
		m.send(ctx, s.PayerID, domain.NewSessionEvent(domain.EventLowBalance, s, domain.LowBalancePayload{
			Balance:          res.PayerBalance,
			RemainingSeconds: remaining,
		}))
	}
}

func (m *Meter) send(ctx context.Context, userID uuid.UUID, ev domain.Event) {
	if err := m.notifier.Notify(ctx, userID, ev); err != nil {
		if errors.Is(err, domain.ErrPeerOffline) {
			slog.DebugContext(ctx, "Meter: recipient offline", "user_id", userID, "type", ev.Type)
			return
		}
		slog.WarnContext(ctx, "Meter: failed to deliver event", "user_id", userID, "type", ev.Type, "error", err)
	}
}

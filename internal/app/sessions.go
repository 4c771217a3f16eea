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
	"golang.org/x/sync/singleflight"

	"github.com/pscheid92/consultline/internal/adapter/metrics"
	"github.com/pscheid92/consultline/internal/domain"
	"github.com/pscheid92/consultline/internal/platform/correlation"
)

const timerCallbackTimeout = 10 * time.Second

type SessionConfig struct {
	ChatTick          time.Duration
	CallTick          time.Duration
	RingTimeout       time.Duration
	MinBalanceMinutes int64
	CommissionBps     int
	StaleAfter        time.Duration
}

func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		ChatTick:          time.Second,
		CallTick:          5 * time.Second,
		RingTimeout:       45 * time.Second,
		MinBalanceMinutes: 1,
		CommissionBps:     2500,
		StaleAfter:        2 * time.Minute,
	}
}

func (c SessionConfig) tickFor(kind domain.SessionKind) time.Duration {
	if kind == domain.KindCall {
		return c.CallTick
	}
	return c.ChatTick
}

type SessionDeps struct {
	Users          domain.UserRepository
	Wallets        domain.WalletRepository
	Sessions       domain.SessionRepository
	Presence       domain.PresenceRegistry
	Lease          domain.BillingLease
	Notifier       domain.Notifier
	Metrics        *metrics.SessionMetrics
	BillingMetrics *metrics.BillingMetrics
}

// SessionService owns the consultation lifecycle. Every status change goes
// through a compare-and-set on the session row, so concurrent accepts,
// cancels, ends and timeouts resolve to exactly one winner and one event.
type SessionService struct {
	users    domain.UserRepository
	wallets  domain.WalletRepository
	sessions domain.SessionRepository
	presence domain.PresenceRegistry
	lease    domain.BillingLease
	notifier domain.Notifier
	metrics  *metrics.SessionMetrics
	meter    *Meter
	clock    clockwork.Clock
	cfg      SessionConfig

	requestGroup singleflight.Group

	mu         sync.Mutex
	ringTimers map[uuid.UUID]clockwork.Timer
}

func NewSessionService(deps SessionDeps, cfg SessionConfig, meterCfg MeterConfig, clock clockwork.Clock) *SessionService {
	s := &SessionService{
		users:      deps.Users,
		wallets:    deps.Wallets,
		sessions:   deps.Sessions,
		presence:   deps.Presence,
		lease:      deps.Lease,
		notifier:   deps.Notifier,
		metrics:    deps.Metrics,
		clock:      clock,
		cfg:        cfg,
		ringTimers: make(map[uuid.UUID]clockwork.Timer),
	}
	s.meter = NewMeter(deps.Wallets, deps.Lease, deps.Presence, deps.Notifier, clock, meterCfg, deps.BillingMetrics, s.endFromMeter)
	return s
}

// Request opens a consultation from a client to an online, idle astrologer.
// Identical concurrent requests collapse into one; requests to different
// astrologers race and the loser gets domain.ErrPayerBusy.
func (s *SessionService) Request(ctx context.Context, payerID, payeeID uuid.UUID, kind domain.SessionKind) (*domain.Session, error) {
	key := payerID.String() + "|" + payeeID.String() + "|" + string(kind)
	v, err, _ := s.requestGroup.Do(key, func() (any, error) {
		return s.request(ctx, payerID, payeeID, kind)
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Session), nil
}

func (s *SessionService) request(ctx context.Context, payerID, payeeID uuid.UUID, kind domain.SessionKind) (*domain.Session, error) {
	if payerID == payeeID {
		return nil, domain.ErrSelfSession
	}
	if _, err := domain.ParseSessionKind(string(kind)); err != nil {
		return nil, err
	}

	payer, err := s.users.GetByID(ctx, payerID)
	if err != nil {
		return nil, err
	}
	payee, err := s.users.GetByID(ctx, payeeID)
	if err != nil {
		return nil, err
	}
	if payer.Role != domain.RoleClient || payee.Role != domain.RoleAstrologer {
		return nil, domain.ErrForbiddenRole
	}

	if _, online, err := s.presence.Lookup(ctx, payeeID); err != nil {
		return nil, fmt.Errorf("failed to look up astrologer presence: %w", err)
	} else if !online {
		return nil, domain.ErrPayeeOffline
	}

	if err := s.ensureIdle(ctx, payeeID, domain.ErrPayeeBusy); err != nil {
		return nil, err
	}
	if err := s.ensureIdle(ctx, payerID, domain.ErrPayerBusy); err != nil {
		return nil, err
	}

	rate := payee.RateFor(kind)
	wallet, err := s.wallets.GetWallet(ctx, payerID)
	if err != nil {
		return nil, err
	}
	if wallet.Balance < domain.MinimumBalance(rate, s.cfg.MinBalanceMinutes) {
		return nil, domain.ErrInsufficientBalance
	}

	sess := &domain.Session{
		ID:            uuid.New(),
		Kind:          kind,
		PayerID:       payerID,
		PayeeID:       payeeID,
		RatePerMinute: rate,
		CommissionBps: s.cfg.CommissionBps,
		TickMillis:    s.cfg.tickFor(kind).Milliseconds(),
		Status:        domain.StatusRequested,
		RequestedAt:   s.clock.Now(),
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, err
	}
	s.metrics.Transition(string(domain.StatusRequested))

	s.armRing(sess.ID)
	s.notifyParties(ctx, sess, domain.EventSessionRequested)

	slog.InfoContext(ctx, "Session requested", "session_id", sess.ID, "payer_id", payerID, "payee_id", payeeID, "kind", kind, "rate", rate)
	return sess, nil
}

func (s *SessionService) ensureIdle(ctx context.Context, userID uuid.UUID, busy error) error {
	_, err := s.sessions.FindLiveForUser(ctx, userID)
	switch {
	case err == nil:
		return busy
	case errors.Is(err, domain.ErrSessionNotFound):
		return nil
	default:
		return err
	}
}

// Accept is called by the astrologer and starts billing.
func (s *SessionService) Accept(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error) {
	sess, err := s.loadForActor(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.PayeeID {
		return nil, domain.ErrForbiddenRole
	}

	updated, err := s.transition(ctx, sess, domain.StatusActive, "")
	if err != nil {
		return nil, err
	}
	s.disarmRing(sessionID)

	started, err := s.meter.Start(ctx, updated)
	if err != nil {
		slog.ErrorContext(ctx, "Failed to start meter, ending session", "session_id", sessionID, "error", err)
		if _, endErr := s.end(ctx, updated, domain.EndBillingFailed, false); endErr != nil {
			slog.ErrorContext(ctx, "Failed to end unmetered session", "session_id", sessionID, "error", endErr)
		}
		return nil, fmt.Errorf("failed to start billing: %w", err)
	}
	if !started {
		slog.WarnContext(ctx, "Billing lease held elsewhere on accept", "session_id", sessionID)
	}

	s.notifyParties(ctx, updated, domain.EventSessionAccepted)
	slog.InfoContext(ctx, "Session accepted", "session_id", sessionID)
	return updated, nil
}

// Reject is called by the astrologer while the session is ringing.
func (s *SessionService) Reject(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error) {
	sess, err := s.loadForActor(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.PayeeID {
		return nil, domain.ErrForbiddenRole
	}
	return s.closeRinging(ctx, sess, domain.StatusRejected, domain.EventSessionRejected)
}

// Cancel is called by the client while the session is ringing.
func (s *SessionService) Cancel(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error) {
	sess, err := s.loadForActor(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}
	if actorID != sess.PayerID {
		return nil, domain.ErrForbiddenRole
	}
	return s.closeRinging(ctx, sess, domain.StatusCancelled, domain.EventSessionCancelled)
}

func (s *SessionService) closeRinging(ctx context.Context, sess *domain.Session, to domain.SessionStatus, ev domain.EventType) (*domain.Session, error) {
	updated, err := s.transition(ctx, sess, to, "")
	if err != nil {
		return nil, err
	}
	s.disarmRing(sess.ID)
	s.notifyParties(ctx, updated, ev)
	slog.InfoContext(ctx, "Session closed before start", "session_id", sess.ID, "status", to)
	return updated, nil
}

// End is called by either party. Ending a ringing session cancels or rejects
// it; ending an already ended session returns it unchanged.
func (s *SessionService) End(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error) {
	sess, err := s.loadForActor(ctx, sessionID, actorID)
	if err != nil {
		return nil, err
	}

	if sess.Status == domain.StatusRequested {
		if actorID == sess.PayerID {
			return s.closeRinging(ctx, sess, domain.StatusCancelled, domain.EventSessionCancelled)
		}
		return s.closeRinging(ctx, sess, domain.StatusRejected, domain.EventSessionRejected)
	}
	return s.end(ctx, sess, sess.EndReasonFor(actorID), true)
}

// ForceEnd ends a session on behalf of an operator or the system.
func (s *SessionService) ForceEnd(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status == domain.StatusRequested {
		return s.closeRinging(ctx, sess, domain.StatusCancelled, domain.EventSessionCancelled)
	}
	return s.end(ctx, sess, reason, true)
}

func (s *SessionService) end(ctx context.Context, sess *domain.Session, reason domain.EndReason, stopMeter bool) (*domain.Session, error) {
	if sess.Status == domain.StatusEnded {
		return sess, nil
	}
	if sess.Status != domain.StatusActive {
		return nil, fmt.Errorf("%w: cannot end a %s session", domain.ErrInvalidTransition, sess.Status)
	}

	if stopMeter {
		s.meter.Stop(sess.ID)
	}

	updated, err := s.transition(ctx, sess, domain.StatusEnded, reason)
	if errors.Is(err, domain.ErrStatusConflict) {
		return s.sessions.Get(ctx, sess.ID)
	}
	if err != nil {
		return nil, err
	}

	s.metrics.Ended(string(updated.Kind), string(reason), time.Duration(updated.BilledMillis)*time.Millisecond)
	s.notifyParties(ctx, updated, domain.EventSessionEnded)
	slog.InfoContext(ctx, "Session ended", "session_id", updated.ID, "reason", reason, "billed_ms", updated.BilledMillis, "charged", updated.TotalCharged)
	return updated, nil
}

// endFromMeter runs on the meter's own goroutine, so it must not stop the meter.
func (s *SessionService) endFromMeter(ctx context.Context, sessionID uuid.UUID, reason domain.EndReason) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		slog.ErrorContext(ctx, "Meter termination: failed to load session", "error", err)
		return
	}
	if _, err := s.end(ctx, sess, reason, false); err != nil {
		slog.ErrorContext(ctx, "Meter termination: failed to end session", "reason", reason, "error", err)
	}
}

// OnConnect resyncs a (re)connecting user with their live session.
func (s *SessionService) OnConnect(ctx context.Context, userID uuid.UUID) {
	sess, err := s.sessions.FindLiveForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			slog.WarnContext(ctx, "OnConnect: live session lookup failed", "user_id", userID, "error", err)
		}
		return
	}

	s.send(ctx, userID, domain.NewSessionEvent(domain.EventSessionState, sess, domain.NewSessionView(sess)))
	if sess.Status == domain.StatusActive {
		peer, _ := sess.Counterpart(userID)
		s.send(ctx, peer, domain.NewSessionEvent(domain.EventPeerReconnected, sess, domain.PeerPayload{UserID: userID}))
	}
}

// OnDisconnect runs when a user's last socket is gone. A ringing request is
// withdrawn if its client left. An active session keeps running and the
// meter pauses billing until the grace period runs out.
func (s *SessionService) OnDisconnect(ctx context.Context, userID uuid.UUID) {
	sess, err := s.sessions.FindLiveForUser(ctx, userID)
	if err != nil {
		if !errors.Is(err, domain.ErrSessionNotFound) {
			slog.WarnContext(ctx, "OnDisconnect: live session lookup failed", "user_id", userID, "error", err)
		}
		return
	}

	switch sess.Status {
	case domain.StatusRequested:
		if userID != sess.PayerID {
			return
		}
		if _, err := s.closeRinging(ctx, sess, domain.StatusCancelled, domain.EventSessionCancelled); err != nil && !errors.Is(err, domain.ErrStatusConflict) {
			slog.WarnContext(ctx, "OnDisconnect: failed to cancel ringing session", "session_id", sess.ID, "error", err)
		}
	case domain.StatusActive:
		peer, _ := sess.Counterpart(userID)
		s.send(ctx, peer, domain.NewSessionEvent(domain.EventPeerDisconnected, sess, domain.PeerPayload{UserID: userID}))
	}
}

func (s *SessionService) Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	return s.sessions.Get(ctx, sessionID)
}

func (s *SessionService) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return nil, err
	}
	return s.sessions.ListForUser(ctx, userID, limit)
}

// UserStatus is a user's availability as seen by other users.
type UserStatus struct {
	UserID    uuid.UUID  `json:"user_id"`
	Online    bool       `json:"online"`
	Busy      bool       `json:"busy"`
	SessionID *uuid.UUID `json:"session_id,omitempty"`
}

func (s *SessionService) Status(ctx context.Context, userID uuid.UUID) (UserStatus, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		return UserStatus{}, err
	}

	status := UserStatus{UserID: userID}
	_, online, err := s.presence.Lookup(ctx, userID)
	if err != nil {
		return UserStatus{}, fmt.Errorf("failed to look up presence: %w", err)
	}
	status.Online = online

	sess, err := s.sessions.FindLiveForUser(ctx, userID)
	switch {
	case err == nil:
		status.Busy = true
		status.SessionID = &sess.ID
	case !errors.Is(err, domain.ErrSessionNotFound):
		return UserStatus{}, err
	}
	return status, nil
}

// ReapReport summarizes one reaper pass.
type ReapReport struct {
	Missed  int `json:"missed"`
	Adopted int `json:"adopted"`
	Ended   int `json:"ended"`
}

// ReapStale cleans up after instances that died mid-session. Ringing
// sessions past the ring timeout become missed. Active sessions nobody is
// billing are adopted by this instance when adopt is set, or ended as
// orphans once they have been silent for longer than StaleAfter.
func (s *SessionService) ReapStale(ctx context.Context, adopt bool) (ReapReport, error) {
	var report ReapReport
	now := s.clock.Now()

	ringing, err := s.sessions.ListByStatus(ctx, domain.StatusRequested, now.Add(-s.cfg.RingTimeout))
	if err != nil {
		return report, fmt.Errorf("failed to list ringing sessions: %w", err)
	}
	for i := range ringing {
		if s.expire(ctx, &ringing[i]) {
			report.Missed++
			s.metrics.Reap("missed")
		}
	}

	active, err := s.sessions.ListByStatus(ctx, domain.StatusActive, now)
	if err != nil {
		return report, fmt.Errorf("failed to list active sessions: %w", err)
	}
	for i := range active {
		sess := &active[i]
		if s.meter.Running(sess.ID) {
			continue
		}
		held, err := s.lease.Held(ctx, sess.ID)
		if err != nil {
			slog.WarnContext(ctx, "Reaper: lease check failed", "session_id", sess.ID, "error", err)
			continue
		}
		if held {
			continue
		}

		if now.Sub(sess.LastActivity()) >= s.cfg.StaleAfter {
			if _, err := s.end(ctx, sess, domain.EndShutdownOrphan, true); err != nil {
				slog.WarnContext(ctx, "Reaper: failed to end orphan", "session_id", sess.ID, "error", err)
				continue
			}
			report.Ended++
			s.metrics.Reap("ended")
			continue
		}

		if !adopt {
			continue
		}
		started, err := s.meter.Start(ctx, sess)
		if err != nil {
			slog.WarnContext(ctx, "Reaper: failed to adopt session", "session_id", sess.ID, "error", err)
			continue
		}
		if started {
			report.Adopted++
			s.metrics.Reap("adopted")
		}
	}

	return report, nil
}

// Shutdown stops all meters and pending ring timers. Active sessions stay
// active so another instance can adopt them.
func (s *SessionService) Shutdown() {
	s.mu.Lock()
	for id, t := range s.ringTimers {
		t.Stop()
		delete(s.ringTimers, id)
	}
	s.mu.Unlock()
	s.meter.StopAll()
}

func (s *SessionService) loadForActor(ctx context.Context, sessionID, actorID uuid.UUID) (*domain.Session, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !sess.IsParty(actorID) {
		return nil, domain.ErrNotParticipant
	}
	return sess, nil
}

func (s *SessionService) transition(ctx context.Context, sess *domain.Session, to domain.SessionStatus, reason domain.EndReason) (*domain.Session, error) {
	if !domain.CanTransition(sess.Status, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, sess.Status, to)
	}
	updated, err := s.sessions.Transition(ctx, sess.ID, sess.Status, to, s.clock.Now(), reason)
	if err != nil {
		return nil, err
	}
	s.metrics.Transition(string(to))
	return updated, nil
}

func (s *SessionService) armRing(sessionID uuid.UUID) {
	timer := s.clock.AfterFunc(s.cfg.RingTimeout, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timerCallbackTimeout)
		defer cancel()
		ctx = correlation.WithSession(correlation.WithID(ctx, correlation.NewID()), sessionID.String())

		s.mu.Lock()
		delete(s.ringTimers, sessionID)
		s.mu.Unlock()

		sess, err := s.sessions.Get(ctx, sessionID)
		if err != nil {
			slog.WarnContext(ctx, "Ring timeout: failed to load session", "error", err)
			return
		}
		s.expire(ctx, sess)
	})

	s.mu.Lock()
	s.ringTimers[sessionID] = timer
	s.mu.Unlock()
}

func (s *SessionService) disarmRing(sessionID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.ringTimers[sessionID]; ok {
		t.Stop()
		delete(s.ringTimers, sessionID)
	}
}

// expire marks a still-ringing session as missed.
func (s *SessionService) expire(ctx context.Context, sess *domain.Session) bool {
	if sess.Status != domain.StatusRequested {
		return false
	}
	updated, err := s.transition(ctx, sess, domain.StatusMissed, "")
	if err != nil {
		if !errors.Is(err, domain.ErrStatusConflict) {
			slog.WarnContext(ctx, "Failed to mark session missed", "session_id", sess.ID, "error", err)
		}
		return false
	}
	s.disarmRing(sess.ID)
	s.notifyParties(ctx, updated, domain.EventSessionMissed)
	slog.InfoContext(ctx, "Session missed", "session_id", sess.ID)
	return true
}

func (s *SessionService) notifyParties(ctx context.Context, sess *domain.Session, t domain.EventType) {
	ev := domain.NewSessionEvent(t, sess, domain.NewSessionView(sess))
	s.send(ctx, sess.PayerID, ev)
	s.send(ctx, sess.PayeeID, ev)
}

func (s *SessionService) send(ctx context.Context, userID uuid.UUID, ev domain.Event) {
	if err := s.notifier.Notify(ctx, userID, ev); err != nil {
		if errors.Is(err, domain.ErrPeerOffline) {
			slog.DebugContext(ctx, "Event recipient offline", "user_id", userID, "type", ev.Type)
			return
		}
		slog.WarnContext(ctx, "Failed to deliver event", "user_id", userID, "type", ev.Type, "error", err)
	}
}

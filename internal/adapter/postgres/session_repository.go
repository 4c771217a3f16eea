package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/consultline/internal/domain"
)

// sessionColumns must match the Scan order in scanSession.
const sessionColumns = `id, kind, payer_id, payee_id, rate_per_minute, commission_bps, tick_millis,
	status, end_reason, requested_at, accepted_at, ended_at, last_tick_at,
	last_tick_seq, billed_millis, total_charged, payee_earned`

const (
	livePayerIndex = "sessions_live_payer_idx"
	livePayeeIndex = "sessions_live_payee_idx"
)

type SessionRepo struct {
	pool *pgxpool.Pool
}

func NewSessionRepo(pool *pgxpool.Pool) *SessionRepo {
	return &SessionRepo{pool: pool}
}

func scanSession(row pgx.Row) (*domain.Session, error) {
	var s domain.Session
	var kind, status string
	var reason *string
	err := row.Scan(
		&s.ID, &kind, &s.PayerID, &s.PayeeID, &s.RatePerMinute, &s.CommissionBps, &s.TickMillis,
		&status, &reason, &s.RequestedAt, &s.AcceptedAt, &s.EndedAt, &s.LastTickAt,
		&s.LastTickSeq, &s.BilledMillis, &s.TotalCharged, &s.PayeeEarned,
	)
	if err != nil {
		return nil, err
	}
	s.Kind = domain.SessionKind(kind)
	s.Status = domain.SessionStatus(status)
	if reason != nil {
		s.EndReason = domain.EndReason(*reason)
	}
	return &s, nil
}

func collectSessions(rows pgx.Rows) ([]domain.Session, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Session, error) {
		s, err := scanSession(row)
		if err != nil {
			return domain.Session{}, err
		}
		return *s, nil
	})
}

func (r *SessionRepo) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sessions (id, kind, payer_id, payee_id, rate_per_minute, commission_bps, tick_millis, status, requested_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, string(s.Kind), s.PayerID, s.PayeeID, s.RatePerMinute, s.CommissionBps, s.TickMillis,
		string(s.Status), s.RequestedAt)
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err, livePayerIndex):
		return domain.ErrPayerBusy
	case isUniqueViolation(err, livePayeeIndex):
		return domain.ErrPayeeBusy
	case isForeignKeyViolation(err):
		return domain.ErrUserNotFound
	default:
		return fmt.Errorf("failed to create session: %w", err)
	}
}

func (r *SessionRepo) Get(ctx context.Context, sessionID uuid.UUID) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

// Transition is a compare-and-set on status. Entering active stamps
// accepted_at; entering a terminal status stamps ended_at and the reason.
func (r *SessionRepo) Transition(ctx context.Context, sessionID uuid.UUID, from, to domain.SessionStatus, at time.Time, reason domain.EndReason) (*domain.Session, error) {
	if !domain.CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, from, to)
	}

	var acceptedAt, endedAt *time.Time
	var endReason *string
	if to == domain.StatusActive {
		acceptedAt = &at
	}
	if to.IsTerminal() {
		endedAt = &at
		if reason != "" {
			rs := string(reason)
			endReason = &rs
		}
	}

	s, err := scanSession(r.pool.QueryRow(ctx, `
		UPDATE sessions
		SET status = $3,
			accepted_at = COALESCE($4, accepted_at),
			ended_at = COALESCE($5, ended_at),
			end_reason = COALESCE($6, end_reason)
		WHERE id = $1 AND status = $2
		RETURNING `+sessionColumns,
		sessionID, string(from), string(to), acceptedAt, endedAt, endReason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.missOrConflict(ctx, sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to transition session: %w", err)
	}
	return s, nil
}

func (r *SessionRepo) missOrConflict(ctx context.Context, sessionID uuid.UUID) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM sessions WHERE id = $1)`, sessionID).Scan(&exists); err != nil {
		return fmt.Errorf("failed to check session: %w", err)
	}
	if !exists {
		return domain.ErrSessionNotFound
	}
	return domain.ErrStatusConflict
}

func (r *SessionRepo) FindLiveForUser(ctx context.Context, userID uuid.UUID) (*domain.Session, error) {
	s, err := scanSession(r.pool.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE (payer_id = $1 OR payee_id = $1) AND status IN ('requested', 'active')
		ORDER BY requested_at DESC
		LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find live session: %w", err)
	}
	return s, nil
}

// ListForUser returns the user's sessions on either side, newest first.
func (r *SessionRepo) ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE payer_id = $1 OR payee_id = $1
		ORDER BY requested_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

// ListByStatus returns sessions in status whose last activity is not after
// activeBefore. Last activity is the latest tick, acceptance or request.
func (r *SessionRepo) ListByStatus(ctx context.Context, status domain.SessionStatus, activeBefore time.Time) ([]domain.Session, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE status = $1 AND COALESCE(last_tick_at, accepted_at, requested_at) <= $2
		ORDER BY requested_at`, string(status), activeBefore)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions by status: %w", err)
	}
	sessions, err := collectSessions(rows)
	if err != nil {
		return nil, fmt.Errorf("failed to scan sessions: %w", err)
	}
	return sessions, nil
}

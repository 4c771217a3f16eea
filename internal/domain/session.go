package domain

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type SessionKind string

const (
	KindChat SessionKind = "chat"
	KindCall SessionKind = "call"
)

func ParseSessionKind(s string) (SessionKind, error) {
	switch SessionKind(s) {
	case KindChat, KindCall:
		return SessionKind(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

type SessionStatus string

const (
	StatusRequested SessionStatus = "requested"
	StatusActive    SessionStatus = "active"
	StatusEnded     SessionStatus = "ended"
	StatusRejected  SessionStatus = "rejected"
	StatusCancelled SessionStatus = "cancelled"
	StatusMissed    SessionStatus = "missed"
)

// IsLive reports whether the session still occupies both parties.
func (s SessionStatus) IsLive() bool {
	return s == StatusRequested || s == StatusActive
}

func (s SessionStatus) IsTerminal() bool {
	return !s.IsLive()
}

var transitions = map[SessionStatus][]SessionStatus{
	StatusRequested: {StatusActive, StatusRejected, StatusCancelled, StatusMissed},
	StatusActive:    {StatusEnded},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to SessionStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type EndReason string

const (
	EndPayerEnded          EndReason = "payer_ended"
	EndPayeeEnded          EndReason = "payee_ended"
	EndInsufficientBalance EndReason = "insufficient_balance"
	EndDisconnected        EndReason = "disconnected"
	EndBillingFailed       EndReason = "billing_failed"
	EndOperator            EndReason = "operator"
	EndShutdownOrphan      EndReason = "shutdown_orphan"
)

// Session is one paid consultation between a client (payer) and an
// astrologer (payee). Rate, commission and tick length are snapshotted when
// the session is requested.
type Session struct {
	ID            uuid.UUID
	Kind          SessionKind
	PayerID       uuid.UUID
	PayeeID       uuid.UUID
	RatePerMinute int64
	CommissionBps int
	TickMillis    int64
	Status        SessionStatus
	EndReason     EndReason
	RequestedAt   time.Time
	AcceptedAt    *time.Time
	EndedAt       *time.Time
	LastTickAt    *time.Time
	LastTickSeq   int64
	BilledMillis  int64
	TotalCharged  int64
	PayeeEarned   int64
}

func (s *Session) IsParty(userID uuid.UUID) bool {
	return userID == s.PayerID || userID == s.PayeeID
}

// Counterpart returns the other party of the session.
func (s *Session) Counterpart(userID uuid.UUID) (uuid.UUID, bool) {
	switch userID {
	case s.PayerID:
		return s.PayeeID, true
	case s.PayeeID:
		return s.PayerID, true
	default:
		return uuid.Nil, false
	}
}

// LastActivity is the latest point at which the session showed progress.
func (s *Session) LastActivity() time.Time {
	switch {
	case s.LastTickAt != nil:
		return *s.LastTickAt
	case s.AcceptedAt != nil:
		return *s.AcceptedAt
	default:
		return s.RequestedAt
	}
}

// EndReasonFor maps the ending party to its end reason.
func (s *Session) EndReasonFor(userID uuid.UUID) EndReason {
	if userID == s.PayeeID {
		return EndPayeeEnded
	}
	return EndPayerEnded
}

type SessionRepository interface {
	// Create inserts a requested session. It returns ErrPayerBusy or
	// ErrPayeeBusy when either party already has a live session.
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID uuid.UUID) (*Session, error)
	// Transition moves the session from -> to only if it is still in from.
	// It returns ErrStatusConflict when another writer got there first.
	Transition(ctx context.Context, sessionID uuid.UUID, from, to SessionStatus, at time.Time, reason EndReason) (*Session, error)
	FindLiveForUser(ctx context.Context, userID uuid.UUID) (*Session, error)
	ListForUser(ctx context.Context, userID uuid.UUID, limit int) ([]Session, error)
	ListByStatus(ctx context.Context, status SessionStatus, activeBefore time.Time) ([]Session, error)
}

package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventSessionRequested EventType = "session_requested"
	EventSessionAccepted  EventType = "session_accepted"
	EventSessionRejected  EventType = "session_rejected"
	EventSessionCancelled EventType = "session_cancelled"
	EventSessionMissed    EventType = "session_missed"
	EventSessionEnded     EventType = "session_ended"
	EventSessionState     EventType = "session_state"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventPeerReconnected  EventType = "peer_reconnected"

	EventBillingTick EventType = "billing_tick"
	EventEarningTick EventType = "earning_tick"
	EventLowBalance  EventType = "low_balance"

	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice_candidate"
	EventChatMessage  EventType = "chat_message"

	EventPong       EventType = "pong"
	EventSuperseded EventType = "superseded"
	EventError      EventType = "error"
)

// IsSignal reports whether the type is relayed verbatim between parties.
func (t EventType) IsSignal() bool {
	switch t {
	case EventOffer, EventAnswer, EventICECandidate, EventChatMessage:
		return true
	default:
		return false
	}
}

// Event is the outbound envelope delivered to a user's socket.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	From      string    `json:"from,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

func NewSessionEvent(t EventType, s *Session, payload any) Event {
	return Event{Type: t, SessionID: s.ID.String(), Payload: payload}
}

// Notifier delivers an event to whichever instance holds the user's socket.
// It returns ErrPeerOffline when the user has no live connection.
type Notifier interface {
	Notify(ctx context.Context, userID uuid.UUID, ev Event) error
}

// SessionView is the client-facing projection of a session.
type SessionView struct {
	ID            uuid.UUID     `json:"id"`
	Kind          SessionKind   `json:"kind"`
	PayerID       uuid.UUID     `json:"payer_id"`
	PayeeID       uuid.UUID     `json:"payee_id"`
	RatePerMinute int64         `json:"rate_per_minute"`
	Status        SessionStatus `json:"status"`
	EndReason     EndReason     `json:"end_reason,omitempty"`
	RequestedAt   time.Time     `json:"requested_at"`
	AcceptedAt    *time.Time    `json:"accepted_at,omitempty"`
	EndedAt       *time.Time    `json:"ended_at,omitempty"`
	BilledSeconds int64         `json:"billed_seconds"`
	TotalCharged  int64         `json:"total_charged"`
	PayeeEarned   int64         `json:"payee_earned"`
}

func NewSessionView(s *Session) SessionView {
	return SessionView{
		ID:            s.ID,
		Kind:          s.Kind,
		PayerID:       s.PayerID,
		PayeeID:       s.PayeeID,
		RatePerMinute: s.RatePerMinute,
		Status:        s.Status,
		EndReason:     s.EndReason,
		RequestedAt:   s.RequestedAt,
		AcceptedAt:    s.AcceptedAt,
		EndedAt:       s.EndedAt,
		BilledSeconds: s.BilledMillis / 1000,
		TotalCharged:  s.TotalCharged,
		PayeeEarned:   s.PayeeEarned,
	}
}

type BillingTickPayload struct {
	Seq              int64 `json:"seq"`
	Charged          int64 `json:"charged"`
	TotalCharged     int64 `json:"total_charged"`
	Balance          int64 `json:"balance"`
	BilledSeconds    int64 `json:"billed_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type EarningTickPayload struct {
	Seq           int64 `json:"seq"`
	Earned        int64 `json:"earned"`
	TotalEarned   int64 `json:"total_earned"`
	BilledSeconds int64 `json:"billed_seconds"`
}

type LowBalancePayload struct {
	Balance          int64 `json:"balance"`
	RemainingSeconds int64 `json:"remaining_seconds"`
}

type PeerPayload struct {
	UserID uuid.UUID `json:"user_id"`
}

type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Ref     string `json:"ref,omitempty"`
}

package app

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/consultline/internal/domain"
)

// Relay forwards WebRTC signaling and chat messages to the other party of an
// active session. Signaling payloads are opaque; chat messages are persisted
// before delivery.
type Relay struct {
	sessions domain.SessionRepository
	chats    domain.ChatRepository
	notifier domain.Notifier
	clock    clockwork.Clock
}

func NewRelay(sessions domain.SessionRepository, chats domain.ChatRepository, notifier domain.Notifier, clock clockwork.Clock) *Relay {
	return &Relay{sessions: sessions, chats: chats, notifier: notifier, clock: clock}
}

type chatInput struct {
	Text string `json:"text"`
}

// Forward delivers payload from senderID to the counterpart. It returns
// domain.ErrPeerOffline when the counterpart has no live socket.
func (r *Relay) Forward(ctx context.Context, senderID, sessionID uuid.UUID, t domain.EventType, payload json.RawMessage) error {
	if !t.IsSignal() {
		return fmt.Errorf("%w: %q", domain.ErrUnsupportedSignal, t)
	}

	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}
	peer, ok := sess.Counterpart(senderID)
	if !ok {
		return domain.ErrNotParticipant
	}
	if sess.Status != domain.StatusActive {
		return domain.ErrSessionNotActive
	}

	ev := domain.Event{Type: t, SessionID: sessionID.String(), From: senderID.String(), Payload: payload}

	if t == domain.EventChatMessage {
		msg, err := r.saveChat(ctx, sess, senderID, payload)
		if err != nil {
			return err
		}
		ev.Payload = msg
	}

	return r.notifier.Notify(ctx, peer, ev)
}

func (r *Relay) saveChat(ctx context.Context, sess *domain.Session, senderID uuid.UUID, payload json.RawMessage) (*domain.ChatMessage, error) {
	var in chatInput
	if err := json.Unmarshal(payload, &in); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidChatMessage, err)
	}
	text := strings.TrimSpace(in.Text)
	if text == "" || utf8.RuneCountInString(text) > domain.MaxChatMessageLength {
		return nil, fmt.Errorf("%w: text must be 1-%d characters", domain.ErrInvalidChatMessage, domain.MaxChatMessageLength)
	}

	msg := &domain.ChatMessage{
		ID:        uuid.New(),
		SessionID: sess.ID,
		SenderID:  senderID,
		Body:      text,
		SentAt:    r.clock.Now(),
	}
	if err := r.chats.Save(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to save chat message: %w", err)
	}
	return msg, nil
}

// Transcript returns the stored chat of a session to one of its parties.
func (r *Relay) Transcript(ctx context.Context, sessionID, viewerID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if viewerID != uuid.Nil && !sess.IsParty(viewerID) {
		return nil, domain.ErrNotParticipant
	}
	return r.chats.ListBySession(ctx, sessionID, limit)
}

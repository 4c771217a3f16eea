package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

const MaxChatMessageLength = 4000

type ChatMessage struct {
	ID        uuid.UUID `json:"id"`
	SessionID uuid.UUID `json:"session_id"`
	SenderID  uuid.UUID `json:"sender_id"`
	Body      string    `json:"body"`
	SentAt    time.Time `json:"sent_at"`
}

type ChatRepository interface {
	Save(ctx context.Context, msg *ChatMessage) error
	ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]ChatMessage, error)
}

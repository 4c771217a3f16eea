package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pscheid92/consultline/internal/domain"
)

type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

func (r *ChatRepo) Save(ctx context.Context, msg *domain.ChatMessage) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_messages (id, session_id, sender_id, body, sent_at)
		VALUES ($1, $2, $3, $4, $5)`,
		msg.ID, msg.SessionID, msg.SenderID, msg.Body, msg.SentAt)
	if isForeignKeyViolation(err) {
		return domain.ErrSessionNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to save chat message: %w", err)
	}
	return nil
}

// ListBySession returns the oldest limit messages in send order.
func (r *ChatRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, limit int) ([]domain.ChatMessage, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, sender_id, body, sent_at
		FROM chat_messages
		WHERE session_id = $1
		ORDER BY sent_at, id
		LIMIT $2`, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat messages: %w", err)
	}

	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ChatMessage, error) {
		var m domain.ChatMessage
		err := row.Scan(&m.ID, &m.SessionID, &m.SenderID, &m.Body, &m.SentAt)
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan chat messages: %w", err)
	}
	return msgs, nil
}

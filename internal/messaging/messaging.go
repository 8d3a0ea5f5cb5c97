package messaging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/driftline/backend/internal/models"
)

type Service struct {
	db    *sql.DB
	redis *redis.Client
}

func NewService(db *sql.DB, redis *redis.Client) *Service {
	return &Service{
		db:    db,
		redis: redis,
	}
}

// CreateMessage durably persists a direct message. The id and timestamp
// are assigned here, at persistence time. Persistence always precedes any
// delivery attempt; a failure here means the message does not exist.
func (s *Service) CreateMessage(ctx context.Context, senderID, recipientID uuid.UUID, content string) (*models.Message, error) {
	msg := &models.Message{
		ID:          uuid.New(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Content:     content,
		CreatedAt:   time.Now(),
	}

	query := `
		INSERT INTO messages (id, sender_id, recipient_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, sender_id, recipient_id, content, created_at
	`

	err := s.db.QueryRowContext(ctx, query,
		msg.ID, msg.SenderID, msg.RecipientID, msg.Content, msg.CreatedAt,
	).Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.CreatedAt)

	if err != nil {
		return nil, fmt.Errorf("failed to create message: %w", err)
	}

	return msg, nil
}

// GetConversation retrieves the message history between two users with
// pagination, newest first.
func (s *Service) GetConversation(ctx context.Context, userID, peerID uuid.UUID, limit, offset int) ([]*models.Message, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT id, sender_id, recipient_id, content, created_at
		FROM messages
		WHERE (sender_id = $1 AND recipient_id = $2)
		   OR (sender_id = $2 AND recipient_id = $1)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`

	rows, err := s.db.QueryContext(ctx, query, userID, peerID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.Message{}
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(
			&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	return messages, nil
}

// Presence Management (using Redis, best-effort)

// SetOnline marks a user as online
func (s *Service) SetOnline(ctx context.Context, userID uuid.UUID) error {
	if s.redis == nil {
		return nil
	}

	key := fmt.Sprintf("presence:%s", userID.String())
	data := map[string]interface{}{
		"status":       "online",
		"last_seen_at": time.Now().Unix(),
	}

	return s.redis.HSet(ctx, key, data).Err()
}

// SetOffline marks a user as offline and records when they were last seen
func (s *Service) SetOffline(ctx context.Context, userID uuid.UUID) error {
	if s.redis == nil {
		return nil
	}

	key := fmt.Sprintf("presence:%s", userID.String())
	data := map[string]interface{}{
		"status":       "offline",
		"last_seen_at": time.Now().Unix(),
	}

	return s.redis.HSet(ctx, key, data).Err()
}

// GetPresence gets a user's presence status
func (s *Service) GetPresence(ctx context.Context, userID uuid.UUID) (*models.Presence, error) {
	if s.redis == nil {
		return nil, fmt.Errorf("redis not available")
	}

	key := fmt.Sprintf("presence:%s", userID.String())
	result, err := s.redis.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, err
	}

	if len(result) == 0 {
		return nil, fmt.Errorf("presence not found")
	}

	presence := &models.Presence{
		UserID: userID,
		Status: result["status"],
	}
	if raw, ok := result["last_seen_at"]; ok {
		var unix int64
		if _, err := fmt.Sscanf(raw, "%d", &unix); err == nil {
			presence.LastSeenAt = time.Unix(unix, 0)
		}
	}

	return presence, nil
}

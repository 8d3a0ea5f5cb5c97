package models

import (
	"time"

	"github.com/google/uuid"
)

// User represents a registered account
type User struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"` // Never serialize
	JoinDate     time.Time `json:"join_date"`
}

// Post represents a feed post with its populated likes and comments
type Post struct {
	ID         uuid.UUID   `json:"id"`
	Content    string      `json:"content"`
	AuthorID   uuid.UUID   `json:"author_id"`
	AuthorName string      `json:"author_name"`
	Likes      []uuid.UUID `json:"likes"`
	Comments   []Comment   `json:"comments"`
	CreatedAt  time.Time   `json:"created_at"`
}

// Comment represents a single comment attached to a post
type Comment struct {
	ID         uuid.UUID `json:"id"`
	AuthorID   uuid.UUID `json:"author_id"`
	AuthorName string    `json:"author_name"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}

// Message represents a persisted direct message between two users.
// Messages are never mutated after creation.
type Message struct {
	ID          uuid.UUID `json:"id"`
	SenderID    uuid.UUID `json:"sender_id"`
	RecipientID uuid.UUID `json:"recipient_id"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"created_at"`
}

// Presence status (kept in Redis, best-effort)
type Presence struct {
	UserID     uuid.UUID `json:"user_id"`
	Status     string    `json:"status"` // online, offline
	LastSeenAt time.Time `json:"last_seen_at"`
}

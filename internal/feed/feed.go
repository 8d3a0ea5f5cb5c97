package feed

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/driftline/backend/internal/models"
)

var ErrPostNotFound = errors.New("post not found")

type Service struct {
	db *sql.DB
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db}
}

// CreatePost inserts a new post and returns it fully populated with the
// resolved author name. Likes and comments start empty.
func (s *Service) CreatePost(ctx context.Context, authorID uuid.UUID, content string) (*models.Post, error) {
	post := &models.Post{
		ID:        uuid.New(),
		Content:   content,
		AuthorID:  authorID,
		Likes:     []uuid.UUID{},
		Comments:  []models.Comment{},
		CreatedAt: time.Now(),
	}

	query := `
		INSERT INTO posts (id, content, author_id, created_at)
		VALUES ($1, $2, $3, $4)
	`

	if _, err := s.db.ExecContext(ctx, query,
		post.ID, post.Content, post.AuthorID, post.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("failed to create post: %w", err)
	}

	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM users WHERE id = $1", authorID,
	).Scan(&post.AuthorName)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve author name: %w", err)
	}

	return post, nil
}

// GetPost retrieves a single post with likes and comments populated
func (s *Service) GetPost(ctx context.Context, postID uuid.UUID) (*models.Post, error) {
	var post models.Post

	query := `
		SELECT p.id, p.content, p.author_id, u.name, p.created_at
		FROM posts p
		INNER JOIN users u ON u.id = p.author_id
		WHERE p.id = $1
	`

	err := s.db.QueryRowContext(ctx, query, postID).Scan(
		&post.ID, &post.Content, &post.AuthorID, &post.AuthorName, &post.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, ErrPostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query post: %w", err)
	}

	if err := s.populate(ctx, &post); err != nil {
		return nil, err
	}

	return &post, nil
}

// ListPosts retrieves posts newest-first with likes and comments populated
func (s *Service) ListPosts(ctx context.Context, limit, offset int) ([]*models.Post, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := `
		SELECT p.id, p.content, p.author_id, u.name, p.created_at
		FROM posts p
		INNER JOIN users u ON u.id = p.author_id
		ORDER BY p.created_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	posts := []*models.Post{}
	for rows.Next() {
		var post models.Post
		if err := rows.Scan(
			&post.ID, &post.Content, &post.AuthorID, &post.AuthorName, &post.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, &post)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate posts: %w", err)
	}

	for _, post := range posts {
		if err := s.populate(ctx, post); err != nil {
			return nil, err
		}
	}

	return posts, nil
}

// LikePost records a like. A user can like a given post at most once; a
// repeat like is a no-op. Returns the updated post.
func (s *Service) LikePost(ctx context.Context, postID, userID uuid.UUID) (*models.Post, error) {
	query := `
		INSERT INTO post_likes (post_id, user_id, created_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (post_id, user_id) DO NOTHING
	`

	if _, err := s.db.ExecContext(ctx, query, postID, userID, time.Now()); err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to like post: %w", err)
	}

	return s.GetPost(ctx, postID)
}

// AddComment appends a comment to a post and returns the updated post
func (s *Service) AddComment(ctx context.Context, postID, authorID uuid.UUID, content string) (*models.Post, error) {
	query := `
		INSERT INTO post_comments (id, post_id, author_id, content, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`

	if _, err := s.db.ExecContext(ctx, query,
		uuid.New(), postID, authorID, content, time.Now(),
	); err != nil {
		if strings.Contains(err.Error(), "foreign key") {
			return nil, ErrPostNotFound
		}
		return nil, fmt.Errorf("failed to comment on post: %w", err)
	}

	return s.GetPost(ctx, postID)
}

// populate loads the likes and comments for a post
func (s *Service) populate(ctx context.Context, post *models.Post) error {
	post.Likes = []uuid.UUID{}
	post.Comments = []models.Comment{}

	likeRows, err := s.db.QueryContext(ctx,
		"SELECT user_id FROM post_likes WHERE post_id = $1 ORDER BY created_at ASC", post.ID)
	if err != nil {
		return fmt.Errorf("failed to query likes: %w", err)
	}
	defer likeRows.Close()

	for likeRows.Next() {
		var userID uuid.UUID
		if err := likeRows.Scan(&userID); err != nil {
			return fmt.Errorf("failed to scan like: %w", err)
		}
		post.Likes = append(post.Likes, userID)
	}
	if err := likeRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate likes: %w", err)
	}

	commentRows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.author_id, u.name, c.content, c.created_at
		FROM post_comments c
		INNER JOIN users u ON u.id = c.author_id
		WHERE c.post_id = $1
		ORDER BY c.created_at ASC
	`, post.ID)
	if err != nil {
		return fmt.Errorf("failed to query comments: %w", err)
	}
	defer commentRows.Close()

	for commentRows.Next() {
		var comment models.Comment
		if err := commentRows.Scan(
			&comment.ID, &comment.AuthorID, &comment.AuthorName, &comment.Content, &comment.CreatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan comment: %w", err)
		}
		post.Comments = append(post.Comments, comment)
	}
	if err := commentRows.Err(); err != nil {
		return fmt.Errorf("failed to iterate comments: %w", err)
	}

	return nil
}

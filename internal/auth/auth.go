package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/driftline/backend/internal/models"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserNotFound       = errors.New("user not found")
	ErrUserExists         = errors.New("user already exists")
)

type Service struct {
	db     *sql.DB
	tokens *TokenIssuer
}

func NewService(db *sql.DB, tokens *TokenIssuer) *Service {
	return &Service{db: db, tokens: tokens}
}

// Tokens exposes the issuer so transport middleware can verify bearer tokens.
func (s *Service) Tokens() *TokenIssuer {
	return s.tokens
}

// CreateUser registers a new account with a bcrypt-hashed password.
func (s *Service) CreateUser(ctx context.Context, name, email, password string) (*models.User, error) {
	passwordHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &models.User{
		ID:           uuid.New(),
		Name:         name,
		Email:        strings.ToLower(strings.TrimSpace(email)),
		PasswordHash: string(passwordHash),
		JoinDate:     time.Now(),
	}

	query := `
		INSERT INTO users (id, name, email, password_hash, join_date)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, name, email, join_date
	`

	err = s.db.QueryRowContext(ctx, query,
		user.ID, user.Name, user.Email, user.PasswordHash, user.JoinDate,
	).Scan(&user.ID, &user.Name, &user.Email, &user.JoinDate)

	if err != nil {
		if strings.Contains(err.Error(), "duplicate key") {
			return nil, ErrUserExists
		}
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	return user, nil
}

// AuthenticateByEmail verifies email/password and returns the user
func (s *Service) AuthenticateByEmail(ctx context.Context, email, password string) (*models.User, error) {
	var user models.User
	var passwordHash string

	query := `
		SELECT id, name, email, password_hash, join_date
		FROM users
		WHERE email = $1
	`

	err := s.db.QueryRowContext(ctx, query, strings.ToLower(strings.TrimSpace(email))).Scan(
		&user.ID, &user.Name, &user.Email, &passwordHash, &user.JoinDate,
	)

	if err == sql.ErrNoRows {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &user, nil
}

// GetUserByID retrieves a user by ID
func (s *Service) GetUserByID(ctx context.Context, userID uuid.UUID) (*models.User, error) {
	var user models.User

	query := `
		SELECT id, name, email, join_date
		FROM users
		WHERE id = $1
	`

	err := s.db.QueryRowContext(ctx, query, userID).Scan(
		&user.ID, &user.Name, &user.Email, &user.JoinDate,
	)

	if err == sql.ErrNoRows {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query user: %w", err)
	}

	return &user, nil
}

// DisplayName resolves the display name for a user id. Used by the
// realtime router to enrich outgoing message payloads.
func (s *Service) DisplayName(ctx context.Context, userID uuid.UUID) (string, error) {
	var name string

	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM users WHERE id = $1", userID,
	).Scan(&name)

	if err == sql.ErrNoRows {
		return "", ErrUserNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to query user name: %w", err)
	}

	return name, nil
}

// Package auth implements the session manager: issuing opaque bearer tokens on
// login and resolving them on every subsequent request.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/objectwire/objectwire/internal/models"
	"github.com/objectwire/objectwire/pkg/crypto"
	"github.com/objectwire/objectwire/pkg/metrics"
)

// DefaultTokenLength is the byte length of generated session tokens.
const DefaultTokenLength = 32

// tokenMintAttempts bounds the collision-check retry loop.
const tokenMintAttempts = 5

var (
	// ErrInvalidCredentials covers unknown clients, secret mismatches and bad
	// user passwords. Callers render it as 401 without distinguishing.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")
	// ErrSessionNotFound indicates that no session matches the supplied token.
	ErrSessionNotFound = errors.New("auth: session not found")
)

// Config describes tunable behaviour for the SessionService.
type Config struct {
	TokenLength int
	Clock       func() time.Time
}

// LoginInput carries the credentials of a login request. Username and Password
// are optional; a login without them produces a client-only session.
type LoginInput struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// SessionService creates and resolves sessions. Resolution is a read-mostly
// lookup safe for concurrent use; creation relies on random token generation
// plus a uniqueness check so two logins can race without colliding.
type SessionService struct {
	db       *gorm.DB
	tokenLen int
	now      func() time.Time
}

// NewSessionService constructs a session manager backed by the provided database.
func NewSessionService(db *gorm.DB, cfg Config) (*SessionService, error) {
	if db == nil {
		return nil, errors.New("session service: db is required")
	}

	length := cfg.TokenLength
	if length <= 0 {
		length = DefaultTokenLength
	}

	clock := time.Now
	if cfg.Clock != nil {
		clock = cfg.Clock
	}

	return &SessionService{
		db:       db,
		tokenLen: length,
		now:      clock,
	}, nil
}

// Login validates the client secret and, when user credentials are supplied,
// the user password, then mints a new session. No session is created on any
// validation failure.
func (s *SessionService) Login(ctx context.Context, input LoginInput) (*models.Session, error) {
	clientID := strings.TrimSpace(input.ClientID)
	if clientID == "" {
		return nil, ErrInvalidCredentials
	}

	var client models.Client
	err := s.db.WithContext(ctx).Take(&client, "id = ?", clientID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("session service: load client: %w", err)
	}

	if !crypto.SecureCompare(client.Secret, input.ClientSecret) {
		return nil, ErrInvalidCredentials
	}

	var user *models.User
	if username := strings.TrimSpace(input.Username); username != "" {
		var found models.User
		err := s.db.WithContext(ctx).Take(&found, "username = ?", username).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrInvalidCredentials
		}
		if err != nil {
			return nil, fmt.Errorf("session service: load user: %w", err)
		}
		if !found.VerifyPassword(input.Password) {
			return nil, ErrInvalidCredentials
		}
		user = &found
	}

	token, err := s.mintToken(ctx)
	if err != nil {
		return nil, err
	}

	now := s.now()
	session := &models.Session{
		Token:      token,
		ClientID:   client.ID,
		CreatedAt:  now,
		LastUsedAt: now,
	}
	if user != nil {
		session.UserID = &user.ID
	}

	if err := s.db.WithContext(ctx).Create(session).Error; err != nil {
		return nil, fmt.Errorf("session service: create session: %w", err)
	}

	if user != nil {
		// Record the client among the user's authorized clients.
		if err := s.db.WithContext(ctx).
			Model(user).
			Association("Clients").
			Append(&client); err != nil {
			return nil, fmt.Errorf("session service: authorize client: %w", err)
		}
	}

	metrics.ActiveSessions.Inc()
	session.Client = &client
	session.User = user
	return session, nil
}

// mintToken generates a random token and verifies it is not already in use.
func (s *SessionService) mintToken(ctx context.Context) (string, error) {
	for attempt := 0; attempt < tokenMintAttempts; attempt++ {
		token, err := crypto.GenerateToken(s.tokenLen)
		if err != nil {
			return "", fmt.Errorf("session service: generate token: %w", err)
		}

		var count int64
		if err := s.db.WithContext(ctx).
			Model(&models.Session{}).
			Where("token = ?", token).
			Count(&count).Error; err != nil {
			return "", fmt.Errorf("session service: token uniqueness check: %w", err)
		}
		if count == 0 {
			return token, nil
		}
	}
	return "", errors.New("session service: could not mint a unique token")
}

// Resolve looks a session up by its token and touches its last-use time.
// A missing session resolves to ErrSessionNotFound.
func (s *SessionService) Resolve(ctx context.Context, token string) (*models.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, ErrSessionNotFound
	}

	var session models.Session
	err := s.db.WithContext(ctx).
		Preload("Client").
		Preload("User").
		Where("token = ?", token).
		Take(&session).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session service: find session: %w", err)
	}

	// The unique index did the lookup; confirm without leaking timing.
	if !crypto.SecureCompare(session.Token, token) {
		return nil, ErrSessionNotFound
	}

	session.LastUsedAt = s.now()
	if err := s.db.WithContext(ctx).
		Model(&session).
		Update("last_used_at", session.LastUsedAt).Error; err != nil {
		return nil, fmt.Errorf("session service: touch session: %w", err)
	}

	return &session, nil
}

// Logout deletes the session identified by the token.
func (s *SessionService) Logout(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrSessionNotFound
	}

	result := s.db.WithContext(ctx).Where("token = ?", token).Delete(&models.Session{})
	if result.Error != nil {
		return fmt.Errorf("session service: delete session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrSessionNotFound
	}

	metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	return nil
}

// CleanupExpired removes sessions idle for longer than ttl.
func (s *SessionService) CleanupExpired(ctx context.Context, ttl time.Duration) (int64, error) {
	if ttl <= 0 {
		return 0, nil
	}

	cutoff := s.now().Add(-ttl)
	result := s.db.WithContext(ctx).
		Where("last_used_at < ?", cutoff).
		Delete(&models.Session{})
	if result.Error != nil {
		return 0, fmt.Errorf("session service: cleanup expired sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		metrics.ActiveSessions.Sub(float64(result.RowsAffected))
	}
	return result.RowsAffected, nil
}

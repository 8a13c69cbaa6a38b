// Package auth provides JWT issuance/verification and the user registry.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/Huyen1974/agent-data-sub002/internal/apperr"
	"github.com/Huyen1974/agent-data-sub002/internal/metadata"
)

// DefaultTTL is the access-token lifetime when none is configured.
const DefaultTTL = 30 * time.Minute

// ErrInvalidConfig indicates missing or unusable auth configuration.
var ErrInvalidConfig = errors.New("invalid auth configuration")

// Token is the login response body.
type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

// User is the registration response body.
type User struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

// Manager signs and verifies access tokens and manages the user collection.
type Manager struct {
	secret []byte
	ttl    time.Duration
	users  metadata.Store
	now    func() time.Time
}

// NewManager creates an auth manager. users holds one record per email.
func NewManager(secret string, ttl time.Duration, users metadata.Store) (*Manager, error) {
	if secret == "" {
		return nil, fmt.Errorf("%w: signing secret required", ErrInvalidConfig)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Manager{secret: []byte(secret), ttl: ttl, users: users, now: time.Now}, nil
}

// SetClock overrides the time source for tests.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// IssueToken signs an HS256 access token for sub.
func (m *Manager) IssueToken(sub string) (string, error) {
	now := m.now()
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(m.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// VerifyToken validates signature and expiry, returning the subject.
func (m *Manager) VerifyToken(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(func() time.Time { return m.now() }))
	if err != nil {
		return "", apperr.Wrap(apperr.KindUnauthorized, err, "invalid token")
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", apperr.New(apperr.KindUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// Register creates a user keyed by email with a bcrypt password hash.
func (m *Manager) Register(ctx context.Context, email, password, fullName string) (User, error) {
	if email == "" || password == "" {
		return User{}, apperr.New(apperr.KindInvalidInput, "email and password are required")
	}
	exists, err := m.users.Exists(ctx, email)
	if err != nil {
		return User{}, fmt.Errorf("checking user: %w", err)
	}
	if exists {
		return User{}, apperr.New(apperr.KindInvalidInput, "email already registered")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("hashing password: %w", err)
	}
	userID := uuid.NewString()
	err = m.users.Set(ctx, email, metadata.Record{
		"user_id":       userID,
		"email":         email,
		"full_name":     fullName,
		"password_hash": string(hash),
		"created_at":    m.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return User{}, fmt.Errorf("storing user: %w", err)
	}
	return User{UserID: userID, Email: email}, nil
}

// Login verifies credentials and issues a token. Unknown users and wrong
// passwords are indistinguishable to the caller.
func (m *Manager) Login(ctx context.Context, username, password string) (Token, error) {
	rec, err := m.users.Get(ctx, username)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindNotFound {
			return Token{}, apperr.New(apperr.KindUnauthorized, "invalid credentials")
		}
		return Token{}, fmt.Errorf("reading user: %w", err)
	}
	hash, _ := rec["password_hash"].(string)
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) != nil {
		return Token{}, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}

	token, err := m.IssueToken(username)
	if err != nil {
		return Token{}, err
	}
	return Token{AccessToken: token, TokenType: "bearer"}, nil
}

// Package session issues, validates, and revokes authenticated live sessions.
package session

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/meridianweb/meridian.site/internal/errors"
	"github.com/meridianweb/meridian.site/internal/platform/id"
	"github.com/meridianweb/meridian.site/internal/services/live/storage"
)

// sessionEnv holds raw env values before post-parse validation.
type sessionEnv struct {
	Issuer   string        `env:"MERIDIAN_SITE_SESSION_ISSUER"`
	Audience string        `env:"MERIDIAN_SITE_SESSION_AUDIENCE"`
	Secret   string        `env:"MERIDIAN_SITE_SESSION_SECRET"`
	TTL      time.Duration `env:"MERIDIAN_SITE_SESSION_TTL" envDefault:"12h"`
}

// Config defines how session tokens are signed and verified.
type Config struct {
	Issuer   string
	Audience string
	Secret   []byte
	TTL      time.Duration
	Now      func() time.Time
}

// Claims captures the validated identity of a live session token.
type Claims struct {
	SessionID string
	UserID    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// tokenClaims is the internal claims type used for JWT parsing.
type tokenClaims struct {
	jwt.RegisteredClaims
}

// LoadConfigFromEnv reads session signing configuration.
func LoadConfigFromEnv(now func() time.Time) (Config, error) {
	var raw sessionEnv
	if err := env.Parse(&raw); err != nil {
		return Config{}, fmt.Errorf("parse session env: %w", err)
	}
	issuer := strings.TrimSpace(raw.Issuer)
	audience := strings.TrimSpace(raw.Audience)
	secret := strings.TrimSpace(raw.Secret)
	if issuer == "" {
		return Config{}, fmt.Errorf("MERIDIAN_SITE_SESSION_ISSUER is required")
	}
	if audience == "" {
		return Config{}, fmt.Errorf("MERIDIAN_SITE_SESSION_AUDIENCE is required")
	}
	if secret == "" {
		return Config{}, fmt.Errorf("MERIDIAN_SITE_SESSION_SECRET is required")
	}
	secretBytes, err := decodeBase64(secret)
	if err != nil {
		return Config{}, fmt.Errorf("decode session secret: %w", err)
	}
	if raw.TTL <= 0 {
		return Config{}, fmt.Errorf("MERIDIAN_SITE_SESSION_TTL must be positive")
	}
	if now == nil {
		now = time.Now
	}
	return Config{
		Issuer:   issuer,
		Audience: audience,
		Secret:   secretBytes,
		TTL:      raw.TTL,
		Now:      now,
	}, nil
}

// Manager binds token signing to the session store, so a validated token is
// only as alive as its backing record.
type Manager struct {
	cfg   Config
	store storage.SessionStore
}

// NewManager creates a session manager over the given store.
func NewManager(cfg Config, store storage.SessionStore) (*Manager, error) {
	if cfg.Issuer == "" || cfg.Audience == "" {
		return nil, errors.New("session issuer and audience are required")
	}
	if len(cfg.Secret) == 0 {
		return nil, errors.New("session secret is required")
	}
	if cfg.TTL <= 0 {
		return nil, errors.New("session ttl must be positive")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if store == nil {
		return nil, errors.New("session store is required")
	}
	return &Manager{cfg: cfg, store: store}, nil
}

// Issue creates a session record and returns a signed token carrying its id.
func (m *Manager) Issue(ctx context.Context, userID string) (string, storage.Session, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return "", storage.Session{}, apperrors.New(apperrors.CodeInvalidArgument, "user id is required")
	}

	sessionID, err := id.NewID()
	if err != nil {
		return "", storage.Session{}, fmt.Errorf("generate session id: %w", err)
	}
	now := m.cfg.Now().UTC()
	record := storage.Session{
		ID:        sessionID,
		UserID:    userID,
		CreatedAt: now,
	}
	if err := m.store.CreateSession(ctx, record); err != nil {
		return "", storage.Session{}, fmt.Errorf("persist session: %w", err)
	}

	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    m.cfg.Issuer,
			Audience:  jwt.ClaimStrings{m.cfg.Audience},
			Subject:   userID,
			ID:        sessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.cfg.TTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", storage.Session{}, fmt.Errorf("sign session token: %w", err)
	}
	return token, record, nil
}

// Validate verifies a session token and checks its backing record.
//
// A token over a revoked record fails with CodeSessionRevoked regardless of
// its remaining lifetime; every other failure is CodeUnauthorized.
func (m *Manager) Validate(ctx context.Context, token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session token is required")
	}

	var parsed tokenClaims
	_, err := jwt.ParseWithClaims(token, &parsed, func(t *jwt.Token) (any, error) {
		return m.cfg.Secret, nil
	},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, mapJWTError(err)
	}

	if parsed.Issuer == "" || parsed.Issuer != m.cfg.Issuer {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session issuer mismatch")
	}
	if !audienceContains(parsed.Audience, m.cfg.Audience) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session audience mismatch")
	}
	if parsed.ID == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session jti is required")
	}
	if parsed.Subject == "" {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session subject is required")
	}
	if parsed.ExpiresAt == nil {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session exp is required")
	}

	now := m.cfg.Now().UTC()
	exp := parsed.ExpiresAt.Time.UTC()
	if !exp.After(now) {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session token is expired")
	}

	record, err := m.store.GetSession(ctx, parsed.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session is unknown")
		}
		return Claims{}, fmt.Errorf("load session %s: %w", parsed.ID, err)
	}
	if record.Revoked() {
		return Claims{}, apperrors.New(apperrors.CodeSessionRevoked, "session is revoked")
	}
	if record.UserID != parsed.Subject {
		return Claims{}, apperrors.New(apperrors.CodeUnauthorized, "session subject mismatch")
	}

	claims := Claims{
		SessionID: parsed.ID,
		UserID:    parsed.Subject,
		ExpiresAt: exp,
	}
	if parsed.IssuedAt != nil {
		claims.IssuedAt = parsed.IssuedAt.Time.UTC()
	}
	return claims, nil
}

// Revoke marks a session dead. Revoking twice keeps the first revocation
// time; an unknown id fails with CodeNotFound.
func (m *Manager) Revoke(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return apperrors.New(apperrors.CodeInvalidArgument, "session id is required")
	}
	if err := m.store.RevokeSession(ctx, sessionID, m.cfg.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return apperrors.Newf(apperrors.CodeNotFound, "session %s is unknown", sessionID)
		}
		return fmt.Errorf("revoke session %s: %w", sessionID, err)
	}
	return nil
}

// mapJWTError translates jwt library errors to application errors.
func mapJWTError(err error) error {
	if errors.Is(err, jwt.ErrTokenSignatureInvalid) {
		return apperrors.New(apperrors.CodeUnauthorized, "session signature is invalid")
	}
	if errors.Is(err, jwt.ErrTokenUnverifiable) {
		return apperrors.New(apperrors.CodeUnauthorized, "session alg is invalid")
	}
	return apperrors.New(apperrors.CodeUnauthorized, "session token is invalid")
}

// audienceContains reports whether the audience list contains the given value.
func audienceContains(aud jwt.ClaimStrings, value string) bool {
	for _, item := range aud {
		if item == value {
			return true
		}
	}
	return false
}

func decodeBase64(value string) ([]byte, error) {
	if value == "" {
		return nil, errors.New("empty base64 value")
	}
	decoded, err := base64.RawStdEncoding.DecodeString(value)
	if err == nil {
		return decoded, nil
	}
	return base64.StdEncoding.DecodeString(value)
}

// Package authsvc issues and verifies the relay's bearer JWTs (access
// and refresh), rotates refresh tokens, and hashes user passwords with
// Argon2id (spec.md §6, Data Model User/RefreshToken).
package authsvc

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenType discriminates access from refresh JWTs via the token_type
// claim.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Claims is the JWT payload: jti, sub (user id), username, iat, exp,
// token_type.
type Claims struct {
	jwt.RegisteredClaims
	Username  string    `json:"username"`
	TokenType TokenType `json:"token_type"`
}

// Config holds the JWT signing secret and token lifetimes.
type Config struct {
	Secret     []byte
	AccessTTL  time.Duration // default 3600s
	RefreshTTL time.Duration // default 7 days
}

// ErrWeakSecret is returned by New when the configured secret is too
// short or is the well-known development placeholder.
var ErrWeakSecret = errors.New("authsvc: jwt secret must be at least 32 bytes and not the dev placeholder")

const devSecretPlaceholder = "dev-secret-change-me"

func (c Config) withDefaults() Config {
	if c.AccessTTL <= 0 {
		c.AccessTTL = time.Hour
	}
	if c.RefreshTTL <= 0 {
		c.RefreshTTL = 7 * 24 * time.Hour
	}
	return c
}

// Service issues and verifies tokens and manages refresh rotation.
type Service struct {
	cfg   Config
	store Store
}

// New validates cfg.Secret and constructs a Service backed by store.
func New(cfg Config, store Store) (*Service, error) {
	if len(cfg.Secret) < 32 || string(cfg.Secret) == devSecretPlaceholder {
		return nil, ErrWeakSecret
	}
	return &Service{cfg: cfg.withDefaults(), store: store}, nil
}

// TokenPair is an issued access+refresh JWT pair.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

func (s *Service) sign(userID, username string, tt TokenType, ttl time.Duration) (string, string, error) {
	now := time.Now()
	jti := newJTI()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Username:  username,
		TokenType: tt,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.cfg.Secret)
	if err != nil {
		return "", "", fmt.Errorf("sign %s token: %w", tt, err)
	}
	return signed, jti, nil
}

func newJTI() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

// IssueTokenPair mints a fresh access+refresh JWT pair for userID, and
// records the refresh token's hash for later revocation checks.
func (s *Service) IssueTokenPair(userID, username string) (TokenPair, error) {
	access, _, err := s.sign(userID, username, TokenAccess, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, err
	}
	refresh, jti, err := s.sign(userID, username, TokenRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, err
	}
	rt := &RefreshToken{
		ID:        jti,
		UserID:    userID,
		TokenHash: hashToken(refresh),
		ExpiresAt: time.Now().Add(s.cfg.RefreshTTL),
		CreatedAt: time.Now(),
	}
	if err := s.store.CreateRefreshToken(rt); err != nil {
		return TokenPair{}, fmt.Errorf("persist refresh token: %w", err)
	}
	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// ErrUnauthenticated wraps every verification/rotation failure that
// should surface to callers as the relay's UNAUTHENTICATED status.
var ErrUnauthenticated = errors.New("authsvc: unauthenticated")

func (s *Service) parse(raw string, want TokenType) (*Claims, error) {
	var claims Claims
	tok, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.cfg.Secret, nil
	})
	if err != nil || !tok.Valid {
		return nil, ErrUnauthenticated
	}
	if claims.TokenType != want {
		return nil, ErrUnauthenticated
	}
	return &claims, nil
}

// VerifyAccess validates an access token and returns its claims.
func (s *Service) VerifyAccess(raw string) (*Claims, error) {
	return s.parse(raw, TokenAccess)
}

// Refresh rotates a refresh token: rawRefresh is revoked and a fresh
// pair is issued atomically. A refresh token may be used exactly once;
// reuse of an already-revoked token fails ErrUnauthenticated, with no
// grace window after rotation.
func (s *Service) Refresh(rawRefresh string) (TokenPair, error) {
	claims, err := s.parse(rawRefresh, TokenRefresh)
	if err != nil {
		return TokenPair{}, err
	}

	hash := hashToken(rawRefresh)
	rt, err := s.store.GetRefreshTokenByHash(hash)
	if err != nil {
		return TokenPair{}, ErrUnauthenticated
	}
	if rt.Revoked || time.Now().After(rt.ExpiresAt) {
		return TokenPair{}, ErrUnauthenticated
	}

	if err := s.store.RevokeRefreshToken(rt.ID); err != nil {
		return TokenPair{}, fmt.Errorf("revoke refresh token: %w", err)
	}

	return s.IssueTokenPair(claims.Subject, claims.Username)
}

package authsvc

import "time"

// User is a registered relay account.
type User struct {
	ID           string
	Username     string
	Email        string
	PasswordHash string // Argon2id encoded hash
	CreatedAt    time.Time
}

// RefreshToken is the durable record backing rotation and revocation;
// access tokens are never stored.
type RefreshToken struct {
	ID        string // the token's jti
	UserID    string
	TokenHash string // SHA-256 hex of the raw token
	ExpiresAt time.Time
	Revoked   bool
	CreatedAt time.Time
}

// Store is the persistence interface for users and refresh tokens.
type Store interface {
	CreateUser(u *User) error
	GetUserByUsername(username string) (*User, error)
	GetUser(id string) (*User, error)

	CreateRefreshToken(rt *RefreshToken) error
	GetRefreshTokenByHash(hash string) (*RefreshToken, error)
	RevokeRefreshToken(id string) error
}

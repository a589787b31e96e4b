package auth

import "time"

type User struct {
	ID           string
	Email        string
	PasswordHash string
	Active       bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RefreshTokenRecord backs one refresh token. The record id is embedded in
// the signed token as the jti claim; the token string itself is never stored.
type RefreshTokenRecord struct {
	ID        string
	UserID    string
	Revoked   bool
	ExpiresAt time.Time
	CreatedAt time.Time
}

type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// LoginHistoryRecord is an append-only audit row. UserID is nil for failed
// attempts against an unknown email.
type LoginHistoryRecord struct {
	ID        string
	UserID    *string
	IP        string
	UserAgent string
	Success   bool
	CreatedAt time.Time
}

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims is the verified payload of an access token. Validity is
// purely cryptographic plus the expiry check; no database lookup happens.
type AccessClaims struct {
	UserID string
	Roles  []string
}

// RefreshClaims is the verified payload of a refresh token. TokenID is the
// jti claim referencing the backing RefreshTokenRecord.
type RefreshClaims struct {
	TokenID string
	UserID  string
}

type TokenManager struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
}

func NewTokenManager(accessSecret, refreshSecret string, accessTTL time.Duration) *TokenManager {
	if accessTTL <= 0 {
		accessTTL = 15 * time.Minute
	}

	return &TokenManager{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
	}
}

func (m *TokenManager) AccessTTL() time.Duration {
	return m.accessTTL
}

func (m *TokenManager) IssueAccess(userID string, roles []string) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"sub":   userID,
		"iat":   now.Unix(),
		"exp":   now.Add(m.accessTTL).Unix(),
		"typ":   "access",
		"roles": roles,
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.accessSecret)
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return encoded, nil
}

// VerifyAccess distinguishes an expired token (ErrTokenExpired) from a
// malformed or tampered one (ErrTokenMalformed). Callers branch on it: the
// HTTP boundary maps expired to 401 and malformed to 403.
func (m *TokenManager) VerifyAccess(raw string) (AccessClaims, error) {
	claims, err := m.parse(raw, m.accessSecret)
	if err != nil {
		return AccessClaims{}, err
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "access" {
		return AccessClaims{}, ErrTokenMalformed
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return AccessClaims{}, ErrTokenMalformed
	}

	var roles []string
	if rawRoles, ok := claims["roles"].([]any); ok {
		for _, entry := range rawRoles {
			if role, ok := entry.(string); ok {
				roles = append(roles, role)
			}
		}
	}

	return AccessClaims{UserID: sub, Roles: roles}, nil
}

func (m *TokenManager) IssueRefresh(record RefreshTokenRecord) (string, error) {
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"jti": record.ID,
		"sub": record.UserID,
		"iat": now.Unix(),
		"exp": record.ExpiresAt.Unix(),
		"typ": "refresh",
	}

	encoded, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.refreshSecret)
	if err != nil {
		return "", fmt.Errorf("sign refresh token: %w", err)
	}

	return encoded, nil
}

func (m *TokenManager) VerifyRefresh(raw string) (RefreshClaims, error) {
	claims, err := m.parse(raw, m.refreshSecret)
	if err != nil {
		return RefreshClaims{}, err
	}
	if tokenType, _ := claims["typ"].(string); tokenType != "refresh" {
		return RefreshClaims{}, ErrTokenMalformed
	}

	jti, _ := claims["jti"].(string)
	sub, _ := claims["sub"].(string)
	if jti == "" || sub == "" {
		return RefreshClaims{}, ErrTokenMalformed
	}

	return RefreshClaims{TokenID: jti, UserID: sub}, nil
}

func (m *TokenManager) parse(raw string, secret []byte) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenMalformed
	}
	if !token.Valid {
		return nil, ErrTokenMalformed
	}

	return claims, nil
}

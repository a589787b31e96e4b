package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"storefront-api/internal/observability"
)

const (
	defaultRefreshTTL = 30 * 24 * time.Hour
	defaultRole       = "customer"

	// Compared against when the email is unknown so that both failure
	// paths pay the bcrypt cost. Hash of an unguessable throwaway value.
	dummyPasswordHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

// Store is the persistence surface the service needs. *Repository
// implements it; tests substitute an in-memory fake.
type Store interface {
	GetUserByEmail(ctx context.Context, email string) (User, error)
	GetUserByID(ctx context.Context, id string) (User, error)
	CreateUser(ctx context.Context, email, passwordHash, defaultRole string) (User, error)
	UpdatePassword(ctx context.Context, userID, passwordHash string) error
	UserRoles(ctx context.Context, userID string) ([]string, error)
	CreateRefreshToken(ctx context.Context, userID string, expiresAt time.Time) (RefreshTokenRecord, error)
	GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error)
	RotateRefreshToken(ctx context.Context, oldID, userID string, newExpiresAt time.Time) (RefreshTokenRecord, error)
	RevokeRefreshToken(ctx context.Context, id string) error
	RevokeAllForUser(ctx context.Context, userID string) (int64, error)
	RecordLogin(ctx context.Context, entry LoginHistoryRecord) error
	RecentLoginsByIP(ctx context.Context, ip string, since time.Time) ([]LoginHistoryRecord, error)
	UserLoginHistory(ctx context.Context, userID string, limit int) ([]LoginHistoryRecord, error)
}

// ClientInfo carries the request metadata recorded in login history.
type ClientInfo struct {
	IP        string
	UserAgent string
}

type Service struct {
	store      Store
	tokens     *TokenManager
	logger     *observability.Logger
	refreshTTL time.Duration
}

func NewService(store Store, tokens *TokenManager, logger *observability.Logger, refreshTTL time.Duration) *Service {
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTTL
	}

	return &Service{
		store:      store,
		tokens:     tokens,
		logger:     logger,
		refreshTTL: refreshTTL,
	}
}

func (s *Service) RefreshTTL() time.Duration {
	return s.refreshTTL
}

func (s *Service) Register(ctx context.Context, email, password string, client ClientInfo) (TokenPair, error) {
	email = normalizeEmail(email)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return TokenPair{}, fmt.Errorf("hash password: %w", err)
	}

	user, err := s.store.CreateUser(ctx, email, string(hash), defaultRole)
	if err != nil {
		return TokenPair{}, err
	}

	s.recordLogin(ctx, &user.ID, client, true)

	return s.issuePair(ctx, user)
}

// Login verifies credentials and appends a login history row on both
// success and failure. Unknown email and wrong password map to the same
// error, and the unknown-email path still runs a bcrypt comparison so the
// two are not distinguishable by latency.
func (s *Service) Login(ctx context.Context, email, password string, client ClientInfo) (TokenPair, error) {
	email = normalizeEmail(email)

	user, err := s.store.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyPasswordHash), []byte(password))
			s.recordLogin(ctx, nil, client, false)
			return TokenPair{}, ErrInvalidCredentials
		}
		return TokenPair{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		s.recordLogin(ctx, &user.ID, client, false)
		return TokenPair{}, ErrInvalidCredentials
	}

	if !user.Active {
		s.recordLogin(ctx, &user.ID, client, false)
		return TokenPair{}, ErrInvalidCredentials
	}

	s.recordLogin(ctx, &user.ID, client, true)

	return s.issuePair(ctx, user)
}

// Rotate exchanges a refresh token for a new access+refresh pair. An
// already-revoked record means the token was rotated away or revoked and is
// being replayed: the whole session set of the user is revoked and the
// caller gets the same unauthorized answer as any other failure.
func (s *Service) Rotate(ctx context.Context, rawRefresh string) (TokenPair, error) {
	claims, err := s.tokens.VerifyRefresh(rawRefresh)
	if err != nil {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	record, err := s.store.GetRefreshToken(ctx, claims.TokenID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return TokenPair{}, ErrInvalidRefreshToken
		}
		return TokenPair{}, err
	}

	now := time.Now().UTC()
	if record.Revoked {
		s.logger.Warn("refresh_token_reuse", map[string]any{
			"token_id": record.ID,
			"user_id":  record.UserID,
		})
		if _, err := s.store.RevokeAllForUser(ctx, record.UserID); err != nil {
			return TokenPair{}, err
		}
		return TokenPair{}, ErrInvalidRefreshToken
	}
	if now.After(record.ExpiresAt) {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	rotated, err := s.store.RotateRefreshToken(ctx, record.ID, record.UserID, now.Add(s.refreshTTL))
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := s.tokens.IssueRefresh(rotated)
	if err != nil {
		return TokenPair{}, err
	}

	roles, err := s.store.UserRoles(ctx, record.UserID)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := s.tokens.IssueAccess(record.UserID, roles)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

// Logout revokes the single session behind the presented refresh token.
func (s *Service) Logout(ctx context.Context, rawRefresh string) error {
	claims, err := s.tokens.VerifyRefresh(rawRefresh)
	if err != nil {
		return ErrInvalidRefreshToken
	}

	return s.store.RevokeRefreshToken(ctx, claims.TokenID)
}

// LogoutAll revokes every session of the user.
func (s *Service) LogoutAll(ctx context.Context, userID string) (int64, error) {
	return s.store.RevokeAllForUser(ctx, userID)
}

// ChangePassword is the self-service path: the current password is
// re-verified, then the change cascades into revocation of every session.
func (s *Service) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidCredentials
		}
		return err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return ErrInvalidCredentials
	}

	return s.setPassword(ctx, userID, newPassword)
}

// ResetPassword is the admin path: no current-password check, same cascade.
func (s *Service) ResetPassword(ctx context.Context, userID, newPassword string) error {
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}

	return s.setPassword(ctx, userID, newPassword)
}

func (s *Service) setPassword(ctx context.Context, userID, newPassword string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.store.UpdatePassword(ctx, userID, string(hash)); err != nil {
		return err
	}

	revoked, err := s.store.RevokeAllForUser(ctx, userID)
	if err != nil {
		return err
	}

	s.logger.Info("password_change_cascade", map[string]any{
		"user_id":          userID,
		"revoked_sessions": revoked,
	})

	return nil
}

// Identity resolves the email and roles behind a verified user id.
func (s *Service) Identity(ctx context.Context, userID string) (string, []string, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	roles, err := s.store.UserRoles(ctx, userID)
	if err != nil {
		return "", nil, err
	}

	return user.Email, roles, nil
}

func (s *Service) LoginHistory(ctx context.Context, userID string, limit int) ([]LoginHistoryRecord, error) {
	return s.store.UserLoginHistory(ctx, userID, limit)
}

func (s *Service) RecentLoginsByIP(ctx context.Context, ip string, since time.Time) ([]LoginHistoryRecord, error) {
	return s.store.RecentLoginsByIP(ctx, ip, since)
}

func (s *Service) issuePair(ctx context.Context, user User) (TokenPair, error) {
	record, err := s.store.CreateRefreshToken(ctx, user.ID, time.Now().UTC().Add(s.refreshTTL))
	if err != nil {
		return TokenPair{}, err
	}

	refresh, err := s.tokens.IssueRefresh(record)
	if err != nil {
		return TokenPair{}, err
	}

	roles, err := s.store.UserRoles(ctx, user.ID)
	if err != nil {
		return TokenPair{}, err
	}

	access, err := s.tokens.IssueAccess(user.ID, roles)
	if err != nil {
		return TokenPair{}, err
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Service) recordLogin(ctx context.Context, userID *string, client ClientInfo, success bool) {
	err := s.store.RecordLogin(ctx, LoginHistoryRecord{
		UserID:    userID,
		IP:        client.IP,
		UserAgent: client.UserAgent,
		Success:   success,
	})
	if err != nil {
		s.logger.Error("record_login_failed", map[string]any{"error": err.Error()})
	}
}

// BootstrapAdmin seeds an admin account from the environment. Both values
// empty means no seeding; one empty is a configuration error.
func (s *Service) BootstrapAdmin(ctx context.Context, email, password string) error {
	email = normalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("ADMIN_EMAIL and ADMIN_PASSWORD are required together")
	}

	if _, err := s.store.GetUserByEmail(ctx, email); err == nil {
		return nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	if _, err := s.store.CreateUser(ctx, email, string(hash), "admin"); err != nil {
		return err
	}

	return nil
}

func normalizeEmail(email string) string {
	return strings.TrimSpace(strings.ToLower(email))
}

package auth

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-api/internal/observability"
)

// fakeStore implements Store in memory with the same rotation semantics as
// the SQL repository: the revoked flag flips at most once, and only the
// caller that flips it wins.
type fakeStore struct {
	mu      sync.Mutex
	nextID  int
	users   map[string]User
	byEmail map[string]string
	roles   map[string][]string
	tokens  map[string]RefreshTokenRecord
	history []LoginHistoryRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:   make(map[string]User),
		byEmail: make(map[string]string),
		roles:   make(map[string][]string),
		tokens:  make(map[string]RefreshTokenRecord),
	}
}

func (s *fakeStore) id() string {
	s.nextID++
	return fmt.Sprintf("id-%d", s.nextID)
}

func (s *fakeStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byEmail[email]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return s.users[id], nil
}

func (s *fakeStore) GetUserByID(ctx context.Context, id string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[id]
	if !ok {
		return User{}, sql.ErrNoRows
	}
	return user, nil
}

func (s *fakeStore) CreateUser(ctx context.Context, email, passwordHash, defaultRole string) (User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return User{}, ErrEmailTaken
	}

	user := User{
		ID:           s.id(),
		Email:        email,
		PasswordHash: passwordHash,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.byEmail[email] = user.ID
	s.roles[user.ID] = []string{defaultRole}
	return user, nil
}

func (s *fakeStore) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return sql.ErrNoRows
	}
	user.PasswordHash = passwordHash
	s.users[userID] = user
	return nil
}

func (s *fakeStore) UserRoles(ctx context.Context, userID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return append([]string(nil), s.roles[userID]...), nil
}

func (s *fakeStore) CreateRefreshToken(ctx context.Context, userID string, expiresAt time.Time) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record := RefreshTokenRecord{
		ID:        s.id(),
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	s.tokens[record.ID] = record
	return record, nil
}

func (s *fakeStore) GetRefreshToken(ctx context.Context, id string) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[id]
	if !ok {
		return RefreshTokenRecord{}, sql.ErrNoRows
	}
	return record, nil
}

func (s *fakeStore) RotateRefreshToken(ctx context.Context, oldID, userID string, newExpiresAt time.Time) (RefreshTokenRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[oldID]
	if !ok || old.Revoked {
		return RefreshTokenRecord{}, ErrInvalidRefreshToken
	}
	old.Revoked = true
	s.tokens[oldID] = old

	record := RefreshTokenRecord{
		ID:        s.id(),
		UserID:    userID,
		ExpiresAt: newExpiresAt,
		CreatedAt: time.Now().UTC(),
	}
	s.tokens[record.ID] = record
	return record, nil
}

func (s *fakeStore) RevokeRefreshToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.tokens[id]
	if !ok {
		return nil
	}
	record.Revoked = true
	s.tokens[id] = record
	return nil
}

func (s *fakeStore) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var revoked int64
	for id, record := range s.tokens {
		if record.UserID == userID && !record.Revoked {
			record.Revoked = true
			s.tokens[id] = record
			revoked++
		}
	}
	return revoked, nil
}

func (s *fakeStore) RecordLogin(ctx context.Context, entry LoginHistoryRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry.ID = s.id()
	entry.CreatedAt = time.Now().UTC()
	s.history = append(s.history, entry)
	return nil
}

func (s *fakeStore) RecentLoginsByIP(ctx context.Context, ip string, since time.Time) ([]LoginHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]LoginHistoryRecord, 0)
	for _, entry := range s.history {
		if entry.IP == ip && !entry.CreatedAt.Before(since) {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (s *fakeStore) UserLoginHistory(ctx context.Context, userID string, limit int) ([]LoginHistoryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]LoginHistoryRecord, 0)
	for _, entry := range s.history {
		if entry.UserID != nil && *entry.UserID == userID {
			entries = append(entries, entry)
		}
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (s *fakeStore) activeTokens(userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, record := range s.tokens {
		if record.UserID == userID && !record.Revoked && record.ExpiresAt.After(time.Now().UTC()) {
			count++
		}
	}
	return count
}

func newTestService(t *testing.T) (*Service, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	tokens := NewTokenManager("access-secret", "refresh-secret", 15*time.Minute)
	service := NewService(store, tokens, observability.NewLogger(), time.Hour)
	return service, store
}

func registerUser(t *testing.T, service *Service, email string) TokenPair {
	t.Helper()

	pair, err := service.Register(context.Background(), email, "correct-password-123", ClientInfo{IP: "198.51.100.7", UserAgent: "test"})
	require.NoError(t, err)
	return pair
}

func userIDByEmail(t *testing.T, store *fakeStore, email string) string {
	t.Helper()

	store.mu.Lock()
	defer store.mu.Unlock()
	id, ok := store.byEmail[email]
	require.True(t, ok)
	return id
}

func TestLoginSuccessLeavesOneActiveSession(t *testing.T) {
	service, store := newTestService(t)
	registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	require.Equal(t, 1, store.activeTokens(userID))

	pair, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "198.51.100.7"})
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, 2, store.activeTokens(userID))
}

func TestLoginFailureAndUnknownEmailLookAlike(t *testing.T) {
	service, store := newTestService(t)
	registerUser(t, service, "alice@example.com")

	_, err := service.Login(context.Background(), "alice@example.com", "wrong-password-000", ClientInfo{IP: "203.0.113.1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = service.Login(context.Background(), "nobody@example.com", "wrong-password-000", ClientInfo{IP: "203.0.113.1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	store.mu.Lock()
	defer store.mu.Unlock()
	// Registration + two failures; the unknown-email row has no user id.
	require.Len(t, store.history, 3)
	assert.True(t, store.history[0].Success)
	assert.False(t, store.history[1].Success)
	assert.NotNil(t, store.history[1].UserID)
	assert.False(t, store.history[2].Success)
	assert.Nil(t, store.history[2].UserID)
}

func TestLoginRecordsHistoryOnSuccess(t *testing.T) {
	service, store := newTestService(t)
	registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	_, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "203.0.113.1", UserAgent: "cli"})
	require.NoError(t, err)

	entries, err := service.LoginHistory(context.Background(), userID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "203.0.113.1", entries[1].IP)
	assert.Equal(t, "cli", entries[1].UserAgent)
	assert.True(t, entries[1].Success)
}

func TestRotateInvalidatesOldToken(t *testing.T) {
	service, _ := newTestService(t)
	pair := registerUser(t, service, "alice@example.com")

	rotated, err := service.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)

	// Scenario: replaying the pre-rotation token must never succeed.
	_, err = service.Rotate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestReuseDetectionRevokesAllSessions(t *testing.T) {
	service, store := newTestService(t)
	pair := registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	second, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "198.51.100.7"})
	require.NoError(t, err)

	rotated, err := service.Rotate(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	// Replay of the rotated-away token: reuse signal, blast radius is the
	// whole session set.
	_, err = service.Rotate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	assert.Equal(t, 0, store.activeTokens(userID))

	_, err = service.Rotate(context.Background(), rotated.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = service.Rotate(context.Background(), second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotateGarbageToken(t *testing.T) {
	service, _ := newTestService(t)

	_, err := service.Rotate(context.Background(), "garbage")
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotateConcurrentSingleWinner(t *testing.T) {
	service, _ := newTestService(t)
	pair := registerUser(t, service, "alice@example.com")

	const n = 16
	var wg sync.WaitGroup
	wg.Add(n)

	results := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			_, err := service.Rotate(context.Background(), pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	success := 0
	failed := 0
	for err := range results {
		if err == nil {
			success++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidRefreshToken)
		failed++
	}

	assert.Equal(t, 1, success)
	assert.Equal(t, n-1, failed)
}

func TestChangePasswordCascadesRevocation(t *testing.T) {
	service, store := newTestService(t)
	first := registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	second, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "198.51.100.7"})
	require.NoError(t, err)

	err = service.ChangePassword(context.Background(), userID, "correct-password-123", "brand-new-password-456")
	require.NoError(t, err)
	assert.Equal(t, 0, store.activeTokens(userID))

	_, err = service.Rotate(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = service.Rotate(context.Background(), second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = service.Login(context.Background(), "alice@example.com", "brand-new-password-456", ClientInfo{IP: "198.51.100.7"})
	assert.NoError(t, err)
}

func TestChangePasswordRejectsWrongCurrent(t *testing.T) {
	service, store := newTestService(t)
	registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	err := service.ChangePassword(context.Background(), userID, "wrong-password-000", "brand-new-password-456")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	assert.Equal(t, 1, store.activeTokens(userID))
}

func TestAdminResetPasswordCascades(t *testing.T) {
	service, store := newTestService(t)
	first := registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	second, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "198.51.100.7"})
	require.NoError(t, err)

	err = service.ResetPassword(context.Background(), userID, "admin-chosen-password-789")
	require.NoError(t, err)
	assert.Equal(t, 0, store.activeTokens(userID))

	_, err = service.Rotate(context.Background(), first.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
	_, err = service.Rotate(context.Background(), second.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)

	_, err = service.Login(context.Background(), "alice@example.com", "admin-chosen-password-789", ClientInfo{IP: "198.51.100.7"})
	assert.NoError(t, err)
}

func TestRegisterDuplicateEmail(t *testing.T) {
	service, _ := newTestService(t)
	registerUser(t, service, "alice@example.com")

	_, err := service.Register(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{})
	assert.ErrorIs(t, err, ErrEmailTaken)

	// Email lookup is case-insensitive by normalization.
	_, err = service.Register(context.Background(), "ALICE@example.com", "correct-password-123", ClientInfo{})
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestLogoutRevokesSingleSession(t *testing.T) {
	service, store := newTestService(t)
	first := registerUser(t, service, "alice@example.com")
	userID := userIDByEmail(t, store, "alice@example.com")

	second, err := service.Login(context.Background(), "alice@example.com", "correct-password-123", ClientInfo{IP: "198.51.100.7"})
	require.NoError(t, err)

	require.NoError(t, service.Logout(context.Background(), first.RefreshToken))
	assert.Equal(t, 1, store.activeTokens(userID))

	_, err = service.Rotate(context.Background(), second.RefreshToken)
	assert.NoError(t, err)
}

func TestExpiredRefreshRecordRejected(t *testing.T) {
	service, store := newTestService(t)
	pair := registerUser(t, service, "alice@example.com")

	claims, err := NewTokenManager("access-secret", "refresh-secret", time.Minute).VerifyRefresh(pair.RefreshToken)
	require.NoError(t, err)

	store.mu.Lock()
	record := store.tokens[claims.TokenID]
	record.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.tokens[claims.TokenID] = record
	store.mu.Unlock()

	_, err = service.Rotate(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

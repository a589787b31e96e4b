package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront-api/internal/observability"
)

type failingStore struct{}

func (failingStore) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("store down")
}

func (failingStore) Reset(ctx context.Context) error { return nil }

func TestMiddlewareBlocksWithRetryAfter(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), map[Profile]Limit{
		ProfileLogin: {Max: 1, Window: time.Minute},
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := guard.Middleware(ProfileLogin, observability.NewLogger(), nil)(next)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.1:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), "too many attempts")

	retryAfter, err := strconv.Atoi(rec.Header().Get("Retry-After"))
	require.NoError(t, err)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestMiddlewareSeparateClients(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), map[Profile]Limit{
		ProfileLogin: {Max: 1, Window: time.Minute},
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := guard.Middleware(ProfileLogin, observability.NewLogger(), nil)(next)

	send := func(ip string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = ip + ":4000"
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("203.0.113.1"))
	assert.Equal(t, http.StatusTooManyRequests, send("203.0.113.1"))
	assert.Equal(t, http.StatusOK, send("203.0.113.2"))
}

func TestMiddlewareCustomKey(t *testing.T) {
	guard := NewGuard(NewMemoryStore(), map[Profile]Limit{
		ProfileLogin: {Max: 1, Window: time.Minute},
	})

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	keyFn := func(r *http.Request) string {
		return ClientIP(r) + "|" + r.Header.Get("X-Account")
	}
	handler := guard.Middleware(ProfileLogin, observability.NewLogger(), keyFn)(next)

	send := func(account string) int {
		req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
		req.RemoteAddr = "203.0.113.1:4000"
		req.Header.Set("X-Account", account)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusOK, send("alice@example.com"))
	assert.Equal(t, http.StatusTooManyRequests, send("alice@example.com"))
	// Same IP, different account key: not throttled together.
	assert.Equal(t, http.StatusOK, send("bob@example.com"))
}

func TestMiddlewareFailsOpenOnStoreError(t *testing.T) {
	guard := NewGuard(failingStore{}, nil)

	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	handler := guard.Middleware(ProfileLogin, observability.NewLogger(), nil)(next)

	req := httptest.NewRequest(http.MethodPost, "/auth/login", nil)
	req.RemoteAddr = "203.0.113.1:4000"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

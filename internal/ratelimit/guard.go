package ratelimit

import (
	"context"
	"time"
)

// Profile names a guarded endpoint class with its own threshold and window.
type Profile string

const (
	ProfileLogin        Profile = "login"
	ProfileRefresh      Profile = "refresh"
	ProfileRegistration Profile = "registration"
)

type Limit struct {
	Max    int
	Window time.Duration
}

// Verdict is the guard's answer for one request. RetryAfter is set only
// when the request is blocked.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
}

// CounterStore is the shared mutable state behind the guard. Incr bumps
// the fixed-window counter for key and reports the count plus the time
// left until the window ends. Reset clears all counters and exists for
// tests.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
	Reset(ctx context.Context) error
}

type Guard struct {
	store  CounterStore
	limits map[Profile]Limit
}

func NewGuard(store CounterStore, limits map[Profile]Limit) *Guard {
	merged := map[Profile]Limit{
		ProfileLogin:        {Max: 5, Window: time.Minute},
		ProfileRefresh:      {Max: 10, Window: time.Minute},
		ProfileRegistration: {Max: 3, Window: time.Minute},
	}
	for profile, limit := range limits {
		if limit.Max > 0 && limit.Window > 0 {
			merged[profile] = limit
		}
	}

	return &Guard{store: store, limits: merged}
}

// Check counts the request against (profile, key) and blocks once the
// profile threshold is exceeded within the window. Every request to a
// guarded endpoint counts, whatever the underlying operation later
// returns.
func (g *Guard) Check(ctx context.Context, profile Profile, key string) (Verdict, error) {
	limit, ok := g.limits[profile]
	if !ok {
		return Verdict{Allowed: true}, nil
	}

	count, remaining, err := g.store.Incr(ctx, string(profile)+":"+key, limit.Window)
	if err != nil {
		return Verdict{}, err
	}

	if count <= int64(limit.Max) {
		return Verdict{Allowed: true}, nil
	}

	retryAfter := roundUpSeconds(remaining)
	if retryAfter > limit.Window {
		retryAfter = limit.Window
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}

	return Verdict{RetryAfter: retryAfter}, nil
}

// Reset clears all counters across every profile. Test use only.
func (g *Guard) Reset(ctx context.Context) error {
	return g.store.Reset(ctx)
}

func roundUpSeconds(d time.Duration) time.Duration {
	if d <= 0 {
		return time.Second
	}
	rounded := d.Truncate(time.Second)
	if rounded < d {
		rounded += time.Second
	}
	return rounded
}

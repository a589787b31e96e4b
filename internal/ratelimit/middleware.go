package ratelimit

import (
	"encoding/json"
	"net/http"
	"strconv"

	"storefront-api/internal/observability"
)

// Middleware short-circuits guarded endpoints with 429 before any
// credential or rotation logic runs. keyFn derives the counter key from
// the request; nil means IP-only. A counter-store failure fails open with
// a logged warning rather than locking every client out.
func (g *Guard) Middleware(profile Profile, logger *observability.Logger, keyFn func(*http.Request) string) func(http.Handler) http.Handler {
	if keyFn == nil {
		keyFn = ClientIP
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			verdict, err := g.Check(r.Context(), profile, keyFn(r))
			if err != nil {
				logger.Warn("rate_limit_check_failed", map[string]any{
					"profile": string(profile),
					"error":   err.Error(),
				})
				next.ServeHTTP(w, r)
				return
			}

			if !verdict.Allowed {
				logger.Warn("rate_limit_block", map[string]any{
					"profile":     string(profile),
					"ip":          ClientIP(r),
					"retry_after": int(verdict.RetryAfter.Seconds()),
				})
				w.Header().Set("Retry-After", strconv.Itoa(int(verdict.RetryAfter.Seconds())))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "too many attempts"})
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

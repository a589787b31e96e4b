package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

type contextKey int

const claimsContextKey contextKey = iota

// ClaimsFromContext returns the access claims stored by RequireAuth.
func ClaimsFromContext(ctx context.Context) (AccessClaims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(AccessClaims)
	return claims, ok
}

// RequireAuth verifies the bearer token and stores its claims in the
// request context. Missing or expired tokens get 401, malformed or
// tampered ones 403; the same convention applies everywhere.
func RequireAuth(tokens *TokenManager, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := strings.TrimSpace(r.Header.Get("Authorization"))
		if header == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			writeError(w, http.StatusForbidden, "invalid authorization format")
			return
		}

		raw := strings.TrimSpace(parts[1])
		if raw == "" {
			writeError(w, http.StatusForbidden, "invalid authorization token")
			return
		}

		claims, err := tokens.VerifyAccess(raw)
		if err != nil {
			if errors.Is(err, ErrTokenExpired) {
				writeError(w, http.StatusUnauthorized, "token expired")
				return
			}
			writeError(w, http.StatusForbidden, "invalid token")
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), claimsContextKey, claims)))
	})
}

// RequireRoles rejects requests whose claims carry none of the listed
// roles. Each route declares the roles it needs explicitly; there is no
// reflection or route metadata.
func RequireRoles(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing authorization token")
				return
			}

			if !isAuthorized(claims.Roles, roles) {
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isAuthorized grants access when the user holds at least one of the
// required roles. An empty requirement list allows everyone.
func isAuthorized(userRoles, requiredRoles []string) bool {
	if len(requiredRoles) == 0 {
		return true
	}

	for _, required := range requiredRoles {
		for _, role := range userRoles {
			if role == required {
				return true
			}
		}
	}

	return false
}

package auth

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/google/uuid"

	"storefront-api/internal/ratelimit"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const (
	maxJSONBodyBytes  = 1 << 20
	refreshCookieName = "refreshToken"
	refreshCookiePath = "/auth"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type resetPasswordRequest struct {
	NewPassword string `json:"newPassword"`
}

type accessTokenResponse struct {
	AccessToken string `json:"accessToken"`
	TokenType   string `json:"type"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	body, ok := parseCredentials(w, r)
	if !ok {
		return
	}

	pair, err := h.service.Register(r.Context(), body.Email, body.Password, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrEmailTaken) {
			writeError(w, http.StatusConflict, "email already registered")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to register")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusCreated, accessTokenResponse{AccessToken: pair.AccessToken, TokenType: "Bearer"})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	body, ok := parseCredentials(w, r)
	if !ok {
		return
	}

	pair, err := h.service.Login(r.Context(), body.Email, body.Password, clientInfo(r))
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to login")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: pair.AccessToken, TokenType: "Bearer"})
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	pair, err := h.service.Rotate(r.Context(), cookie.Value)
	if err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to refresh token")
		return
	}

	h.setRefreshCookie(w, pair.RefreshToken)
	writeJSON(w, http.StatusOK, accessTokenResponse{AccessToken: pair.AccessToken, TokenType: "Bearer"})
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil || strings.TrimSpace(cookie.Value) == "" {
		writeError(w, http.StatusUnauthorized, "missing refresh token")
		return
	}

	if err := h.service.Logout(r.Context(), cookie.Value); err != nil {
		if errors.Is(err, ErrInvalidRefreshToken) {
			h.clearRefreshCookie(w)
			writeError(w, http.StatusUnauthorized, "invalid refresh token")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	revoked, err := h.service.LogoutAll(r.Context(), claims.UserID)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to logout everywhere")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "revokedSessions": revoked})
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body changePasswordRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "new password must be 12 to 72 bytes")
		return
	}

	if err := h.service.ChangePassword(r.Context(), claims.UserID, body.CurrentPassword, body.NewPassword); err != nil {
		if errors.Is(err, ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to change password")
		return
	}

	h.clearRefreshCookie(w)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ResetPassword is the admin path; route registration restricts it to the
// admin role.
func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, http.StatusBadRequest, "invalid user id")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body resetPasswordRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if !validPassword(body.NewPassword) {
		writeError(w, http.StatusBadRequest, "new password must be 12 to 72 bytes")
		return
	}

	if err := h.service.ResetPassword(r.Context(), userID, body.NewPassword); err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusNotFound, "user not found")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to reset password")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	email, roles, err := h.service.Identity(r.Context(), claims.UserID)
	if err != nil {
		if isNotFound(err) {
			writeError(w, http.StatusUnauthorized, "unknown user")
			return
		}
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to check token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"email": email, "roles": roles})
}

func (h *Handler) LoginHistory(w http.ResponseWriter, r *http.Request) {
	claims, ok := ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "missing authorization token")
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	entries, err := h.service.LoginHistory(r.Context(), claims.UserID, limit)
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load login history")
		return
	}

	writeJSON(w, http.StatusOK, toHistoryResponse(entries))
}

// LoginsByIP serves forensic queries; admin-only by route registration.
func (h *Handler) LoginsByIP(w http.ResponseWriter, r *http.Request) {
	ip := strings.TrimSpace(r.URL.Query().Get("ip"))
	if ip == "" {
		writeError(w, http.StatusBadRequest, "ip is required")
		return
	}

	hours, err := strconv.Atoi(r.URL.Query().Get("hours"))
	if err != nil || hours <= 0 || hours > 24*30 {
		hours = 24
	}

	entries, err := h.service.RecentLoginsByIP(r.Context(), ip, time.Now().UTC().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, "failed to load logins by ip")
		return
	}

	writeJSON(w, http.StatusOK, toHistoryResponse(entries))
}

type historyEntry struct {
	ID        string    `json:"id"`
	UserID    *string   `json:"userId,omitempty"`
	IP        string    `json:"ip"`
	UserAgent string    `json:"userAgent"`
	Success   bool      `json:"success"`
	CreatedAt time.Time `json:"createdAt"`
}

func toHistoryResponse(entries []LoginHistoryRecord) []historyEntry {
	out := make([]historyEntry, 0, len(entries))
	for _, entry := range entries {
		out = append(out, historyEntry{
			ID:        entry.ID,
			UserID:    entry.UserID,
			IP:        entry.IP,
			UserAgent: entry.UserAgent,
			Success:   entry.Success,
			CreatedAt: entry.CreatedAt,
		})
	}
	return out
}

func (h *Handler) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		MaxAge:   int(h.service.RefreshTTL().Seconds()),
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func (h *Handler) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	})
}

func parseCredentials(w http.ResponseWriter, r *http.Request) (credentialsRequest, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)

	var body credentialsRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return credentialsRequest{}, false
	}

	body.Email = strings.TrimSpace(body.Email)
	body.Password = strings.TrimSpace(body.Password)
	if !emailRegex.MatchString(strings.ToLower(body.Email)) || len(body.Email) > 254 {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return credentialsRequest{}, false
	}
	if !validPassword(body.Password) {
		writeError(w, http.StatusBadRequest, "password must be 12 to 72 bytes")
		return credentialsRequest{}, false
	}

	return body, true
}

// validPassword bounds the byte length. The upper bound is bcrypt's 72-byte
// input limit; anything longer would fail at hashing time.
func validPassword(password string) bool {
	return len(password) >= 12 && len(password) <= 72
}

func clientInfo(r *http.Request) ClientInfo {
	return ClientInfo{
		IP:        ratelimit.ClientIP(r),
		UserAgent: r.UserAgent(),
	}
}

// LoginRateKey combines the client IP with the attempted identity so one
// busy NAT does not lock out every account behind it.
func LoginRateKey(r *http.Request) string {
	email := peekEmail(r)
	if email == "" {
		return ratelimit.ClientIP(r)
	}
	return ratelimit.ClientIP(r) + "|" + email
}

// peekEmail reads the request body to extract the attempted identity for
// rate-limit keying and puts the bytes back for the handler.
func peekEmail(r *http.Request) string {
	if r.Body == nil {
		return ""
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxJSONBodyBytes))
	if err != nil {
		return ""
	}
	r.Body = io.NopCloser(bytes.NewReader(data))

	var probe struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ""
	}

	return normalizeEmail(probe.Email)
}

func isNotFound(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

package maintenance

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"storefront-api/internal/auth"
	"storefront-api/internal/observability"
)

type CleanupResult struct {
	DeletedRefreshTokens int64 `json:"deleted_refresh_tokens"`
	DeletedLoginHistory  int64 `json:"deleted_login_history"`
}

// CleanupHandler runs the retention job: refresh-token rows past retention
// and login-history rows older than the configured age. Protected by a
// bearer secret meant for the cron scheduler, not end users.
type CleanupHandler struct {
	repo                  *auth.Repository
	logger                *observability.Logger
	cronSecret            string
	refreshRetention      time.Duration
	loginHistoryRetention time.Duration
	batchSize             int
}

func NewCleanupHandler(
	repo *auth.Repository,
	logger *observability.Logger,
	cronSecret string,
	refreshRetention time.Duration,
	loginHistoryRetention time.Duration,
	batchSize int,
) *CleanupHandler {
	return &CleanupHandler{
		repo:                  repo,
		logger:                logger,
		cronSecret:            strings.TrimSpace(cronSecret),
		refreshRetention:      refreshRetention,
		loginHistoryRetention: loginHistoryRetention,
		batchSize:             batchSize,
	}
}

func (h *CleanupHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if h.cronSecret == "" {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) != h.cronSecret {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		return
	}

	deletedTokens, err := h.repo.DeleteStaleRefreshTokens(r.Context(), h.refreshRetention, h.batchSize)
	if err != nil {
		h.logger.Error("refresh_token_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	deletedHistory, err := h.repo.DeleteOldLoginHistory(r.Context(), h.loginHistoryRetention, h.batchSize)
	if err != nil {
		h.logger.Error("login_history_cleanup_failed", map[string]any{"error": err.Error()})
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "cleanup failed"})
		return
	}

	result := CleanupResult{
		DeletedRefreshTokens: deletedTokens,
		DeletedLoginHistory:  deletedHistory,
	}

	h.logger.Info("cleanup_completed", map[string]any{
		"deleted_refresh_tokens": result.DeletedRefreshTokens,
		"deleted_login_history":  result.DeletedLoginHistory,
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"result": result,
	})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

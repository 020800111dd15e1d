package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"canvascache/internal/cache"
	"canvascache/internal/stats"
	"canvascache/pkg/logging/logging"
)

// CacheHandler exposes cache statistics and maintenance.
type CacheHandler struct {
	Cache    *cache.ChangeCache
	Reporter *stats.Reporter
}

func NewCacheHandler(cc *cache.ChangeCache, reporter *stats.Reporter) *CacheHandler {
	return &CacheHandler{Cache: cc, Reporter: reporter}
}

// Stats handles GET /v1/cache/stats.
func (h *CacheHandler) Stats(w http.ResponseWriter, r *http.Request) {
	snap, err := h.Reporter.Snapshot(r.Context())
	if err != nil {
		logging.L(r.Context()).Error("cache_stats_failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type usersResponse struct {
	Users []string `json:"users"`
}

// Users handles GET /v1/cache/users.
func (h *CacheHandler) Users(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, usersResponse{Users: h.Reporter.Users()})
}

// UserStats handles GET /v1/cache/users/{userID}.
func (h *CacheHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Reporter.UserStats(chi.URLParam(r, "userID")))
}

type evictRequest struct {
	// Expired drops every expired entry and ignores the identity fields.
	Expired   bool   `json:"expired"`
	Kind      string `json:"kind"`
	UserID    string `json:"user_id"`
	ProblemID string `json:"problem_id"`
	SessionID string `json:"session_id"`
}

type evictResponse struct {
	Removed  int    `json:"removed,omitempty"`
	Identity string `json:"identity,omitempty"`
}

// Evict handles POST /v1/cache/evict.
func (h *CacheHandler) Evict(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logging.L(ctx)

	var req evictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("invalid request", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON")
		return
	}

	if req.Expired {
		n, err := h.Cache.EvictExpired(ctx)
		if err != nil {
			logger.Error("evict_expired_failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal_error", "")
			return
		}
		writeJSON(w, http.StatusOK, evictResponse{Removed: n})
		return
	}

	kind, err := cache.ParseKind(req.Kind)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	key := cache.IdentityKey{
		Kind:      kind,
		UserID:    req.UserID,
		ProblemID: req.ProblemID,
		SessionID: req.SessionID,
	}.Normalize()
	if err := key.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if err := h.Cache.Evict(ctx, key); err != nil {
		logger.Error("evict_failed", zap.String("identity", key.String()), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error", "")
		return
	}
	logger.Info("cache_evicted", zap.String("identity", key.String()))
	writeJSON(w, http.StatusOK, evictResponse{Identity: key.String()})
}

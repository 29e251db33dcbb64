package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/auth"
	"github.com/hively/hively-backend/internal/category"
	"github.com/hively/hively-backend/internal/community"
	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/delegation"
	"github.com/hively/hively-backend/internal/feedback"
	"github.com/hively/hively-backend/internal/hexgrid"
	"github.com/hively/hively-backend/internal/media"
	"github.com/hively/hively-backend/internal/offer"
	"github.com/hively/hively-backend/internal/points"
	"github.com/hively/hively-backend/internal/post"
	"github.com/hively/hively-backend/internal/store"
	"github.com/hively/hively-backend/internal/ws"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// Pinger is the readiness probe the handler runs against Postgres.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	authSvc       *auth.Service
	communitySvc  *community.Service
	categorySvc   *category.Service
	postSvc       *post.Service
	pointsSvc     *points.Service
	offerSvc      *offer.Service
	delegationSvc *delegation.Service
	feedbackSvc   *feedback.Service
	mediaSvc      *media.Service
	wsHub         *ws.Hub
	sseHandler    *ws.SSEHandler
	db            Pinger
	cache         *store.Cache
	config        *config.Config
	logger        *zap.SugaredLogger
	metrics       MetricsInterface
}

func NewHandler(
	authSvc *auth.Service,
	communitySvc *community.Service,
	categorySvc *category.Service,
	postSvc *post.Service,
	pointsSvc *points.Service,
	offerSvc *offer.Service,
	delegationSvc *delegation.Service,
	feedbackSvc *feedback.Service,
	mediaSvc *media.Service,
	wsHub *ws.Hub,
	sseHandler *ws.SSEHandler,
	db Pinger,
	cache *store.Cache,
	config *config.Config,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		authSvc:       authSvc,
		communitySvc:  communitySvc,
		categorySvc:   categorySvc,
		postSvc:       postSvc,
		pointsSvc:     pointsSvc,
		offerSvc:      offerSvc,
		delegationSvc: delegationSvc,
		feedbackSvc:   feedbackSvc,
		mediaSvc:      mediaSvc,
		wsHub:         wsHub,
		sseHandler:    sseHandler,
		db:            db,
		cache:         cache,
		config:        config,
		logger:        logger,
		metrics:       metrics,
	}
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness probe failed", "component", "postgres", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// WebSocket endpoint
func (h *Handler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHub.HandleWebSocket(w, r)
}

// SSE endpoint
func (h *Handler) HandleSSE(w http.ResponseWriter, r *http.Request) {
	h.sseHandler.HandleSSE(w, r)
}

// Auth endpoints
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	profile, tokens, err := h.authSvc.Register(r.Context(), req.Email, req.Password, req.DisplayName)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrEmailTaken):
			h.writeError(w, http.StatusConflict, "EMAIL_TAKEN", "email already registered")
		case errors.Is(err, auth.ErrInvalidCredentials):
			h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "REGISTER_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, AuthResponse{Profile: profile, Tokens: tokens})
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	tokens, err := h.authSvc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			h.writeError(w, http.StatusUnauthorized, "INVALID_CREDENTIALS", "invalid email or password")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "LOGIN_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	tokens, err := h.authSvc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			h.writeError(w, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired refresh token")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "REFRESH_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, tokens)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	if err := h.authSvc.Logout(r.Context(), req.RefreshToken); err != nil {
		h.writeError(w, http.StatusInternalServerError, "LOGOUT_ERROR", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Profile endpoints
func (h *Handler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	profile, err := h.authSvc.Profile(r.Context(), userID)
	if err != nil {
		if errors.Is(err, auth.ErrProfileNotFound) {
			h.writeStaleSession(w, r)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "PROFILE_ERROR", err.Error())
		return
	}

	resolution, err := h.communitySvc.ResolveForUser(r.Context(), userID)
	if err != nil {
		if errors.Is(err, community.ErrStaleSession) {
			h.writeStaleSession(w, r)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "RESOLVE_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, MeResponse{Profile: profile, Communities: resolution})
}

func (h *Handler) UpdateDisplayName(w http.ResponseWriter, r *http.Request) {
	var req DisplayNameRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	profile, err := h.authSvc.UpdateDisplayName(r.Context(), UserIDFromContext(r.Context()), req.DisplayName)
	if err != nil {
		if errors.Is(err, auth.ErrProfileNotFound) {
			h.writeStaleSession(w, r)
			return
		}
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) SetLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	resolution, err := h.communitySvc.SetHomeLocation(r.Context(), UserIDFromContext(r.Context()), req.Lat, req.Lng)
	if err != nil {
		switch {
		case errors.Is(err, community.ErrStaleSession):
			h.writeStaleSession(w, r)
		case errors.Is(err, hexgrid.ErrInvalidCoordinate):
			h.writeError(w, http.StatusBadRequest, "INVALID_LOCATION", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "LOCATION_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, resolution)
}

func (h *Handler) ClearLocation(w http.ResponseWriter, r *http.Request) {
	if err := h.communitySvc.ClearHomeLocation(r.Context(), UserIDFromContext(r.Context())); err != nil {
		if errors.Is(err, community.ErrStaleSession) {
			h.writeStaleSession(w, r)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "LOCATION_ERROR", err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// GetMyCommunities resolves the caller's home community and its
// neighbor ring. A user without a home location gets a nil primary
// and an empty neighbor list, not an error.
func (h *Handler) GetMyCommunities(w http.ResponseWriter, r *http.Request) {
	resolution, err := h.communitySvc.ResolveForUser(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		if errors.Is(err, community.ErrStaleSession) {
			h.writeStaleSession(w, r)
			return
		}
		h.writeError(w, http.StatusInternalServerError, "RESOLVE_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, resolution)
}

// Community endpoints
func (h *Handler) GetCommunity(w http.ResponseWriter, r *http.Request) {
	index := chi.URLParam(r, "index")

	c, err := h.communitySvc.Get(r.Context(), index)
	if err != nil {
		if errors.Is(err, community.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "COMMUNITY_NOT_FOUND", "no such community")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "COMMUNITY_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

func (h *Handler) RenameCommunity(w http.ResponseWriter, r *http.Request) {
	var req RenameCommunityRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	c, err := h.communitySvc.Rename(r.Context(), chi.URLParam(r, "index"), req.Name)
	if err != nil {
		switch {
		case errors.Is(err, community.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "COMMUNITY_NOT_FOUND", "no such community")
		default:
			h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

// Category endpoints
//
// ListCategories never fails: on any storage trouble the categories
// service already falls back to the unfiltered list.
func (h *Handler) ListCategories(w http.ResponseWriter, r *http.Request) {
	communityIndex := r.URL.Query().Get("community")
	categories := h.categorySvc.Available(r.Context(), communityIndex)

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"community":  communityIndex,
		"categories": categories,
	})
}

func (h *Handler) ListCategoryRestrictions(w http.ResponseWriter, r *http.Request) {
	scope := r.URL.Query().Get("scope")
	if scope == "" {
		scope = category.ScopeGlobal
	}

	restrictions, err := h.categorySvc.ListRestrictions(r.Context(), scope)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "RESTRICTIONS_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"scope":        scope,
		"restrictions": restrictions,
	})
}

func (h *Handler) SetCategoryRestriction(w http.ResponseWriter, r *http.Request) {
	var req RestrictionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	restriction, err := h.categorySvc.SetRestriction(r.Context(), req.Scope, category.Category(req.Category), req.IsAllowed)
	if err != nil {
		if errors.Is(err, category.ErrUnknownCategory) {
			h.writeError(w, http.StatusBadRequest, "UNKNOWN_CATEGORY", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "RESTRICTIONS_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, restriction)
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Code:    code,
		Message: message,
	}
	json.NewEncoder(w).Encode(err)
}

// writeStaleSession tears a broken session down: every refresh token
// of the user is revoked and the client is told to sign in again.
func (h *Handler) writeStaleSession(w http.ResponseWriter, r *http.Request) {
	if userID := UserIDFromContext(r.Context()); userID != "" {
		if err := h.authSvc.RevokeAll(r.Context(), userID); err != nil {
			h.logger.Warnw("failed to revoke sessions for stale profile", "user_id", userID, "error", err)
		}
	}
	h.writeError(w, http.StatusUnauthorized, "STALE_SESSION", "session is stale, sign in again")
}

func (h *Handler) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		h.writeError(w, http.StatusBadRequest, "BAD_JSON", "request body is not valid JSON")
		return false
	}
	return true
}

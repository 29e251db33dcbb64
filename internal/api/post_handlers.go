package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hively/hively-backend/internal/community"
	"github.com/hively/hively-backend/internal/post"
)

// Post endpoints
func (h *Handler) CreatePost(w http.ResponseWriter, r *http.Request) {
	var in post.CreateInput
	if !h.decodeJSON(w, r, &in) {
		return
	}

	p, err := h.postSvc.Create(r.Context(), UserIDFromContext(r.Context()), in)
	if err != nil {
		switch {
		case errors.Is(err, post.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "INVALID_POST", err.Error())
		case errors.Is(err, post.ErrCategoryUnavailable):
			h.writeError(w, http.StatusUnprocessableEntity, "CATEGORY_UNAVAILABLE", err.Error())
		case errors.Is(err, post.ErrNoDelegation):
			h.writeError(w, http.StatusForbidden, "NO_DELEGATION", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "POST_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, p)
}

func (h *Handler) GetPost(w http.ResponseWriter, r *http.Request) {
	p, err := h.postSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, post.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "POST_NOT_FOUND", "no such post")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "POST_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

func (h *Handler) UpdatePost(w http.ResponseWriter, r *http.Request) {
	var in post.UpdateInput
	if !h.decodeJSON(w, r, &in) {
		return
	}

	p, err := h.postSvc.Update(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		switch {
		case errors.Is(err, post.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "POST_NOT_FOUND", "no such post")
		case errors.Is(err, post.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "NOT_YOUR_POST", "only the author can edit a post")
		case errors.Is(err, post.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "INVALID_POST", err.Error())
		case errors.Is(err, post.ErrCategoryUnavailable):
			h.writeError(w, http.StatusUnprocessableEntity, "CATEGORY_UNAVAILABLE", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "POST_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, p)
}

// GetFeed lists the posts visible to the caller, newest first.
func (h *Handler) GetFeed(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFeedFilter(w, r)
	if !ok {
		return
	}

	posts, err := h.postSvc.Feed(r.Context(), UserIDFromContext(r.Context()), filter)
	if err != nil {
		switch {
		case errors.Is(err, community.ErrStaleSession):
			h.writeStaleSession(w, r)
		case errors.Is(err, post.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "FEED_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, h.paginatePosts(posts, filter.Limit))
}

// ListCommunityPosts lists one community's posts plus global ones.
func (h *Handler) ListCommunityPosts(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFeedFilter(w, r)
	if !ok {
		return
	}

	posts, err := h.postSvc.ListByCommunity(r.Context(), chi.URLParam(r, "index"), filter)
	if err != nil {
		if errors.Is(err, post.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, "INVALID_FILTER", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "FEED_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, h.paginatePosts(posts, filter.Limit))
}

// parseFeedFilter reads type, category, before and limit query
// parameters. The cursor is the created_at of the last post seen.
func (h *Handler) parseFeedFilter(w http.ResponseWriter, r *http.Request) (post.FeedFilter, bool) {
	q := r.URL.Query()
	filter := post.FeedFilter{
		Type:     q.Get("type"),
		Category: q.Get("category"),
		Limit:    20,
	}

	if raw := q.Get("before"); raw != "" {
		cursor, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "before must be an RFC 3339 timestamp")
			return post.FeedFilter{}, false
		}
		filter.Cursor = cursor
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return post.FeedFilter{}, false
		}
		filter.Limit = limit
	}

	return filter, true
}

func (h *Handler) paginatePosts(posts []post.Post, limit int) PaginatedResponse {
	resp := PaginatedResponse{Data: posts, HasMore: len(posts) == limit}
	if len(posts) > 0 {
		resp.Cursor = posts[len(posts)-1].CreatedAt.Format(time.RFC3339Nano)
	}
	return resp
}

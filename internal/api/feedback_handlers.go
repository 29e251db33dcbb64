package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hively/hively-backend/internal/feedback"
)

// Feedback endpoints
func (h *Handler) CreateFeedback(w http.ResponseWriter, r *http.Request) {
	var req FeedbackRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	ticket, err := h.feedbackSvc.Create(r.Context(), UserIDFromContext(r.Context()), req.Subject, req.Body)
	if err != nil {
		if errors.Is(err, feedback.ErrInvalidInput) {
			h.writeError(w, http.StatusBadRequest, "INVALID_TICKET", err.Error())
			return
		}
		h.writeError(w, http.StatusInternalServerError, "FEEDBACK_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, ticket)
}

// ListFeedback shows staff every ticket, optionally filtered by
// status; everyone else sees their own.
func (h *Handler) ListFeedback(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	isStaff, err := h.authSvc.IsStaff(r.Context(), userID)
	if err != nil {
		h.logger.Warnw("Staff check failed, listing own tickets", "user_id", userID, "error", err)
		isStaff = false
	}

	var tickets []feedback.Ticket
	if isStaff {
		tickets, err = h.feedbackSvc.ListAll(r.Context(), r.URL.Query().Get("status"))
	} else {
		tickets, err = h.feedbackSvc.ListMine(r.Context(), userID)
	}
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "FEEDBACK_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, tickets)
}

func (h *Handler) GetFeedbackTicket(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	ticket, err := h.feedbackSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, feedback.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "TICKET_NOT_FOUND", "no such ticket")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "FEEDBACK_ERROR", err.Error())
		return
	}

	if ticket.AuthorID != userID {
		isStaff, err := h.authSvc.IsStaff(r.Context(), userID)
		if err != nil || !isStaff {
			// Same answer as a missing ticket so ids cannot be probed.
			h.writeError(w, http.StatusNotFound, "TICKET_NOT_FOUND", "no such ticket")
			return
		}
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

func (h *Handler) SetFeedbackStatus(w http.ResponseWriter, r *http.Request) {
	var req FeedbackStatusRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	ticket, err := h.feedbackSvc.SetStatus(r.Context(), chi.URLParam(r, "id"), req.Status, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, feedback.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "TICKET_NOT_FOUND", "no such ticket")
		case errors.Is(err, feedback.ErrTicketClosed):
			h.writeError(w, http.StatusConflict, "TICKET_CLOSED", "ticket is already closed")
		case errors.Is(err, feedback.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "INVALID_STATUS", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "FEEDBACK_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, ticket)
}

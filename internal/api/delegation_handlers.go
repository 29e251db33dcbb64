package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hively/hively-backend/internal/delegation"
)

// DelegationFunction is the callable-function entry point for the
// pairing handshake. It always answers 200; failures travel in the
// error field of the envelope.
func (h *Handler) DelegationFunction(w http.ResponseWriter, r *http.Request) {
	var req FunctionRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	userID := UserIDFromContext(r.Context())

	var (
		result interface{}
		err    error
	)
	switch req.Action {
	case "lookup":
		result, err = h.delegationSvc.Lookup(r.Context(), req.Code)
	case "generate-link":
		result, err = h.delegationSvc.GenerateLink(r.Context(), userID)
	case "accept-link":
		result, err = h.delegationSvc.AcceptLink(r.Context(), userID, req.Code)
	case "accept":
		result, err = h.delegationSvc.Accept(r.Context(), userID, req.DelegationID)
	default:
		h.writeJSON(w, http.StatusOK, FunctionResponse{Error: "unknown action"})
		return
	}

	if err != nil {
		h.writeJSON(w, http.StatusOK, FunctionResponse{Error: h.functionError(req.Action, err)})
		return
	}

	h.writeJSON(w, http.StatusOK, FunctionResponse{Result: result})
}

// functionError picks what the envelope shows: pairing failures
// verbatim, anything else scrubbed to a generic message.
func (h *Handler) functionError(action string, err error) string {
	switch {
	case errors.Is(err, delegation.ErrUnknownCode),
		errors.Is(err, delegation.ErrSelfDelegation),
		errors.Is(err, delegation.ErrNotFound),
		errors.Is(err, delegation.ErrForbidden):
		return err.Error()
	}
	h.logger.Errorw("Delegation function failed", "action", action, "error", err)
	return "internal error"
}

// ListDelegations shows pairings where the caller is either side.
func (h *Handler) ListDelegations(w http.ResponseWriter, r *http.Request) {
	ds, err := h.delegationSvc.ListForUser(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "DELEGATION_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, ds)
}

func (h *Handler) RevokeDelegation(w http.ResponseWriter, r *http.Request) {
	err := h.delegationSvc.Revoke(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, delegation.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "DELEGATION_NOT_FOUND", "no such delegation")
		case errors.Is(err, delegation.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "FORBIDDEN", "only the delegator can revoke")
		default:
			h.writeError(w, http.StatusInternalServerError, "DELEGATION_ERROR", err.Error())
		}
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hively/hively-backend/internal/offer"
	"github.com/hively/hively-backend/internal/points"
	"github.com/hively/hively-backend/internal/post"
)

// Offer endpoints
func (h *Handler) CreateOffer(w http.ResponseWriter, r *http.Request) {
	var in offer.CreateInput
	if !h.decodeJSON(w, r, &in) {
		return
	}

	o, err := h.offerSvc.Create(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"), in)
	if err != nil {
		switch {
		case errors.Is(err, post.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "POST_NOT_FOUND", "no such post")
		case errors.Is(err, offer.ErrOwnPost):
			h.writeError(w, http.StatusBadRequest, "OWN_POST", "cannot offer on your own post")
		case errors.Is(err, offer.ErrNotBuyPost):
			h.writeError(w, http.StatusBadRequest, "NOT_BUY_POST", "offers go on buy posts")
		case errors.Is(err, offer.ErrInvalidInput):
			h.writeError(w, http.StatusBadRequest, "INVALID_OFFER", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "OFFER_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, o)
}

func (h *Handler) GetOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offerSvc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, offer.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "OFFER_NOT_FOUND", "no such offer")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "OFFER_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, o)
}

// ListPostOffers lists a post's offers; only the post author may look.
func (h *Handler) ListPostOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.offerSvc.ListForPost(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		switch {
		case errors.Is(err, post.ErrNotFound):
			h.writeError(w, http.StatusNotFound, "POST_NOT_FOUND", "no such post")
		case errors.Is(err, offer.ErrForbidden):
			h.writeError(w, http.StatusForbidden, "FORBIDDEN", "only the post author can list offers")
		default:
			h.writeError(w, http.StatusInternalServerError, "OFFER_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusOK, offers)
}

func (h *Handler) ListMyOffers(w http.ResponseWriter, r *http.Request) {
	offers, err := h.offerSvc.ListMine(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "OFFER_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, offers)
}

// AcceptOffer settles the offer against the caller's point balance.
// When the balance is short the rejection carries purchase options
// sized to the shortfall.
func (h *Handler) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	offerID := chi.URLParam(r, "id")

	o, err := h.offerSvc.Accept(r.Context(), userID, offerID)
	if err != nil {
		if errors.Is(err, points.ErrInsufficientPoints) {
			h.writeInsufficientPoints(w, r, userID, offerID)
			return
		}
		h.writeOfferDecisionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offerSvc.Decline(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOfferDecisionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) WithdrawOffer(w http.ResponseWriter, r *http.Request) {
	o, err := h.offerSvc.Withdraw(r.Context(), UserIDFromContext(r.Context()), chi.URLParam(r, "id"))
	if err != nil {
		h.writeOfferDecisionError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, o)
}

func (h *Handler) writeOfferDecisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, offer.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "OFFER_NOT_FOUND", "no such offer")
	case errors.Is(err, offer.ErrForbidden):
		h.writeError(w, http.StatusForbidden, "FORBIDDEN", "not your offer to act on")
	case errors.Is(err, offer.ErrOfferClosed):
		h.writeError(w, http.StatusConflict, "OFFER_CLOSED", "offer is no longer pending")
	default:
		h.writeError(w, http.StatusInternalServerError, "OFFER_ERROR", err.Error())
	}
}

func (h *Handler) writeInsufficientPoints(w http.ResponseWriter, r *http.Request, userID, offerID string) {
	const message = "not enough points to settle this offer"

	o, err := h.offerSvc.Get(r.Context(), offerID)
	if err != nil {
		h.writeError(w, http.StatusConflict, "INSUFFICIENT_POINTS", message)
		return
	}
	balance, options, err := h.pointsSvc.PurchaseOptions(r.Context(), userID, o.Total())
	if err != nil {
		h.writeError(w, http.StatusConflict, "INSUFFICIENT_POINTS", message)
		return
	}

	h.writeJSON(w, http.StatusConflict, InsufficientPointsResponse{
		Code:            "INSUFFICIENT_POINTS",
		Message:         message,
		PurchaseOptions: purchaseOptionsDTO(balance, o.Total(), options),
	})
}

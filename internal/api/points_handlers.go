package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/hively/hively-backend/internal/calc"
	"github.com/hively/hively-backend/internal/points"
)

// Points endpoints
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	balance, err := h.pointsSvc.Balance(r.Context(), userID)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "BALANCE_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, BalanceDTO{UserID: userID, Balance: balance})
}

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())

	var beforeID int64
	if raw := r.URL.Query().Get("before"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "INVALID_CURSOR", "before must be a ledger entry id")
			return
		}
		beforeID = parsed
	}

	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	entries, err := h.pointsSvc.History(r.Context(), userID, beforeID, limit)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "LEDGER_ERROR", err.Error())
		return
	}

	// A full page probably has more behind it; a stale cursor just
	// yields an empty next page.
	hasMore := len(entries) == limit
	cursor := ""
	if len(entries) > 0 {
		cursor = strconv.FormatInt(entries[len(entries)-1].ID, 10)
	}

	h.writeJSON(w, http.StatusOK, PaginatedResponse{Data: entries, Cursor: cursor, HasMore: hasMore})
}

// GetPurchaseOptions quotes top-up bundles for a caller who needs a
// given number of points. With no deficit the options list is empty.
func (h *Handler) GetPurchaseOptions(w http.ResponseWriter, r *http.Request) {
	required, err := strconv.ParseInt(r.URL.Query().Get("required"), 10, 64)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", "required must be a point amount")
		return
	}
	if err := calc.ValidateRequired(required); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error())
		return
	}

	userID := UserIDFromContext(r.Context())
	balance, options, err := h.pointsSvc.PurchaseOptions(r.Context(), userID, required)
	if err != nil {
		h.writeError(w, http.StatusInternalServerError, "OPTIONS_ERROR", err.Error())
		return
	}

	h.writeJSON(w, http.StatusOK, purchaseOptionsDTO(balance, required, options))
}

func purchaseOptionsDTO(balance, required int64, options []calc.PurchaseOption) PurchaseOptionsDTO {
	resp := PurchaseOptionsDTO{
		Balance:  balance,
		Required: required,
		Deficit:  calc.Deficit(balance, required),
		Currency: "EUR",
		Options:  make([]PurchaseOptionDTO, 0, len(options)),
	}
	for _, o := range options {
		resp.Options = append(resp.Options, PurchaseOptionDTO{
			Kind:   o.Kind,
			Points: o.Points,
			Cost:   o.Cost.StringFixed(2),
			Fee:    o.Fee.StringFixed(2),
			Total:  o.Total.StringFixed(2),
		})
	}
	return resp
}

func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	var req PurchaseRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	receipt, err := h.pointsSvc.Purchase(r.Context(), UserIDFromContext(r.Context()), req.Points)
	if err != nil {
		if errors.Is(err, points.ErrPaymentFailed) {
			// Provider details stay in the server log.
			h.writeError(w, http.StatusBadGateway, "PAYMENT_FAILED", "payment could not be completed")
			return
		}
		h.writeError(w, http.StatusBadRequest, "INVALID_PURCHASE", err.Error())
		return
	}

	h.writeJSON(w, http.StatusCreated, ReceiptDTO{
		Entry:    receipt.Entry,
		Points:   receipt.Points,
		Cost:     receipt.Cost.StringFixed(2),
		Fee:      receipt.Fee.StringFixed(2),
		Total:    receipt.Total.StringFixed(2),
		Currency: "EUR",
	})
}

func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req TransferRequest
	if !h.decodeJSON(w, r, &req) {
		return
	}

	out, _, err := h.pointsSvc.Transfer(r.Context(), UserIDFromContext(r.Context()), req.ToUserID, req.Amount, nil, req.Note)
	if err != nil {
		switch {
		case errors.Is(err, points.ErrInsufficientPoints):
			h.writeError(w, http.StatusConflict, "INSUFFICIENT_POINTS", "not enough points")
		case errors.Is(err, points.ErrInvalidKind):
			h.writeError(w, http.StatusBadRequest, "INVALID_TRANSFER", err.Error())
		default:
			h.writeError(w, http.StatusInternalServerError, "TRANSFER_ERROR", err.Error())
		}
		return
	}

	h.writeJSON(w, http.StatusCreated, out)
}

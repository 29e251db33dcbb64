package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/offer"
	"github.com/hively/hively-backend/internal/points"
)

type stubSettler struct{ err error }

func (s stubSettler) Transfer(ctx context.Context, fromID, toID string, amount int64, refID *string, note string) (points.LedgerEntry, points.LedgerEntry, error) {
	return points.LedgerEntry{}, points.LedgerEntry{}, s.err
}

func offerColumns() []string {
	return []string{"id", "post_id", "seller_id", "quantity", "price_per_unit", "message", "status", "created_at", "updated_at"}
}

func decisionRow(status, buyerID string) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(append(offerColumns(), "author_id")).
		AddRow("offer-1", "post-1", "seller-2", int64(3), int64(100), "3 jars", status, now, now, buyerID)
}

func TestCreateOfferOnOwnPost(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT author_id, type FROM posts`).
		WithArgs("post-1").
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "type"}).AddRow("user-1", "buy"))

	body := jsonBody(t, offer.CreateInput{Quantity: 2, PricePerUnit: 50})
	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPost, "/v1/posts/post-1/offers", body), "user-1"),
		"id", "post-1")
	handler.CreateOffer(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "OWN_POST", decodeError(t, w).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetOfferNotFound(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT id, post_id, seller_id`).
		WithArgs("offer-404").
		WillReturnError(pgx.ErrNoRows)

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodGet, "/v1/offers/offer-404", nil), "user-1"),
		"id", "offer-404")
	handler.GetOffer(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "OFFER_NOT_FOUND", decodeError(t, w).Code)
}

// TestAcceptOfferSettles walks the whole happy path: both ledger rows
// in one transaction, then the status flip.
func TestAcceptOfferSettles(t *testing.T) {
	handler, mock := createTestHandler(t)

	now := time.Now()
	mock.ExpectQuery(`FROM offers o JOIN posts p`).
		WithArgs("offer-1").
		WillReturnRows(pgxmock.NewRows(append(offerColumns(), "author_id")).
			AddRow("offer-1", "post-1", "seller-2", int64(2), int64(50), "", "pending", now, now, "user-1"))

	mock.ExpectBegin()
	// Sorted lock order: seller-2 before user-1.
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("seller-2").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`INSERT INTO point_ledger`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "balance_after", "created_at"}).
			AddRow(int64(10), int64(20), now))
	mock.ExpectQuery(`INSERT INTO point_ledger`).
		WithArgs("seller-2", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "balance_after", "created_at"}).
			AddRow(int64(11), int64(150), now))
	mock.ExpectCommit()

	mock.ExpectExec(`UPDATE offers SET status`).
		WithArgs("offer-1", "accepted").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPost, "/v1/offers/offer-1/accept", nil), "user-1"),
		"id", "offer-1")
	handler.AcceptOffer(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var o offer.Offer
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &o))
	assert.Equal(t, "accepted", o.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// TestAcceptOfferInsufficientPoints checks that a short balance turns
// into a 409 carrying purchase options sized to the shortfall.
func TestAcceptOfferInsufficientPoints(t *testing.T) {
	handler, mock := createTestHandler(t)
	handler.offerSvc = offer.NewService(mock, stubSettler{err: points.ErrInsufficientPoints}, zap.NewNop().Sugar())

	now := time.Now()
	mock.ExpectQuery(`FROM offers o JOIN posts p`).
		WithArgs("offer-1").
		WillReturnRows(decisionRow("pending", "user-1"))

	// The handler reloads the offer to size the quote.
	mock.ExpectQuery(`SELECT id, post_id, seller_id`).
		WithArgs("offer-1").
		WillReturnRows(pgxmock.NewRows(offerColumns()).
			AddRow("offer-1", "post-1", "seller-2", int64(3), int64(100), "3 jars", "pending", now, now))
	mock.ExpectQuery(`FROM offer_delivery_dates`).
		WithArgs("offer-1").
		WillReturnRows(pgxmock.NewRows([]string{"delivery_on", "note"}))
	mock.ExpectQuery(`FROM offer_media`).
		WithArgs("offer-1").
		WillReturnRows(pgxmock.NewRows([]string{"media_id", "position"}))
	mock.ExpectQuery(`SELECT balance_after FROM point_ledger`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance_after"}).AddRow(int64(120)))

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPost, "/v1/offers/offer-1/accept", nil), "user-1"),
		"id", "offer-1")
	handler.AcceptOffer(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)

	var resp InsufficientPointsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "INSUFFICIENT_POINTS", resp.Code)
	assert.Equal(t, int64(120), resp.PurchaseOptions.Balance)
	assert.Equal(t, int64(300), resp.PurchaseOptions.Required)
	assert.Equal(t, int64(180), resp.PurchaseOptions.Deficit)
	require.NotEmpty(t, resp.PurchaseOptions.Options)
	assert.Equal(t, "recommended", resp.PurchaseOptions.Options[0].Kind)
	assert.Equal(t, int64(200), resp.PurchaseOptions.Options[0].Points)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeclineClosedOffer(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`FROM offers o JOIN posts p`).
		WithArgs("offer-1").
		WillReturnRows(decisionRow("accepted", "user-1"))

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPost, "/v1/offers/offer-1/decline", nil), "user-1"),
		"id", "offer-1")
	handler.DeclineOffer(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "OFFER_CLOSED", decodeError(t, w).Code)
}

func TestDeclineSomeoneElsesOffer(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`FROM offers o JOIN posts p`).
		WithArgs("offer-1").
		WillReturnRows(decisionRow("pending", "the-real-buyer"))

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPost, "/v1/offers/offer-1/decline", nil), "user-1"),
		"id", "offer-1")
	handler.DeclineOffer(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "FORBIDDEN", decodeError(t, w).Code)
}

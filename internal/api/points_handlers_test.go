package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ledgerColumns() []string {
	return []string{"id", "user_id", "delta", "balance_after", "kind", "ref_id", "note", "created_at"}
}

func TestGetBalance(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT balance_after FROM point_ledger`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance_after"}).AddRow(int64(250)))

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/balance", nil), "user-1")
	handler.GetBalance(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp BalanceDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "user-1", resp.UserID)
	assert.Equal(t, int64(250), resp.Balance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetBalanceEmptyLedger(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT balance_after FROM point_ledger`).
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/balance", nil), "user-1")
	handler.GetBalance(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp BalanceDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(0), resp.Balance)
}

func TestGetLedger(t *testing.T) {
	t.Run("full page sets cursor", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`SELECT id, user_id, delta, balance_after`).
			WithArgs("user-1", pgxmock.AnyArg(), 2).
			WillReturnRows(pgxmock.NewRows(ledgerColumns()).
				AddRow(int64(42), "user-1", int64(-30), int64(70), "spend", nil, "offer settlement", now).
				AddRow(int64(41), "user-1", int64(100), int64(100), "purchase", nil, "purchase of 100 points", now))

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/ledger?limit=2", nil), "user-1")
		handler.GetLedger(w, req)

		assert.Equal(t, http.StatusOK, w.Code)

		var resp PaginatedResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
		assert.True(t, resp.HasMore)
		assert.Equal(t, "41", resp.Cursor)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad cursor", func(t *testing.T) {
		handler, _ := createTestHandler(t)

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/ledger?before=yesterday", nil), "user-1")
		handler.GetLedger(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_CURSOR", decodeError(t, w).Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		handler, _ := createTestHandler(t)

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/ledger?limit=-3", nil), "user-1")
		handler.GetLedger(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_LIMIT", decodeError(t, w).Code)
	})
}

// TestGetPurchaseOptionsQuote covers the two bundle shapes: the
// fee-free 50-step bundle and the cheaper exact bundle with its
// processing fee. Fee economics come from the configured defaults
// because no fee_config row is reachable.
func TestGetPurchaseOptionsQuote(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT balance_after FROM point_ledger`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance_after"}).AddRow(int64(120)))

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/purchase-options?required=300", nil), "user-1")
	handler.GetPurchaseOptions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp PurchaseOptionsDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(120), resp.Balance)
	assert.Equal(t, int64(300), resp.Required)
	assert.Equal(t, int64(180), resp.Deficit)
	assert.Equal(t, "EUR", resp.Currency)

	require.Len(t, resp.Options, 2)
	assert.Equal(t, "recommended", resp.Options[0].Kind)
	assert.Equal(t, int64(200), resp.Options[0].Points)
	assert.Equal(t, "20.00", resp.Options[0].Cost)
	assert.Equal(t, "0.00", resp.Options[0].Fee)
	assert.Equal(t, "20.00", resp.Options[0].Total)

	assert.Equal(t, "exact", resp.Options[1].Kind)
	assert.Equal(t, int64(180), resp.Options[1].Points)
	assert.Equal(t, "18.00", resp.Options[1].Cost)
	assert.Equal(t, "0.52", resp.Options[1].Fee)
	assert.Equal(t, "18.52", resp.Options[1].Total)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPurchaseOptionsCoveredBalance(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT balance_after FROM point_ledger`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{"balance_after"}).AddRow(int64(500)))

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/purchase-options?required=300", nil), "user-1")
	handler.GetPurchaseOptions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp PurchaseOptionsDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(-200), resp.Deficit)
	assert.Empty(t, resp.Options)
}

func TestGetPurchaseOptionsRejectsBadInput(t *testing.T) {
	handler, _ := createTestHandler(t)

	for _, query := range []string{"required=lots", "required=-10", ""} {
		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/points/purchase-options?"+query, nil), "user-1")
		handler.GetPurchaseOptions(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code, "query %q", query)
		assert.Equal(t, "INVALID_INPUT", decodeError(t, w).Code)
	}
}

func TestPurchaseRejectsOddAmount(t *testing.T) {
	handler, _ := createTestHandler(t)

	body := jsonBody(t, PurchaseRequest{Points: 55})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/points/purchase", body), "user-1")
	handler.Purchase(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_PURCHASE", decodeError(t, w).Code)
}

// TestPurchaseScrubsStorageError checks that callers only ever see the
// generic payment failure, never what broke underneath.
func TestPurchaseScrubsStorageError(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectBegin().WillReturnError(errors.New("connection reset by peer"))

	body := jsonBody(t, PurchaseRequest{Points: 50})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/points/purchase", body), "user-1")
	handler.Purchase(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "PAYMENT_FAILED", resp.Code)
	assert.Equal(t, "payment could not be completed", resp.Message)
	assert.NotContains(t, w.Body.String(), "connection reset")
}

func TestPurchaseHappyPath(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectQuery(`INSERT INTO point_ledger`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"id", "balance_after", "created_at"}).
			AddRow(int64(7), int64(100), time.Now()))
	mock.ExpectCommit()

	body := jsonBody(t, PurchaseRequest{Points: 100})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/points/purchase", body), "user-1")
	handler.Purchase(w, req)

	assert.Equal(t, http.StatusCreated, w.Code)

	var resp ReceiptDTO
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, int64(100), resp.Points)
	assert.Equal(t, "10.00", resp.Cost)
	assert.Equal(t, "0.00", resp.Fee)
	assert.Equal(t, "10.00", resp.Total)
	assert.Equal(t, "EUR", resp.Currency)
	assert.Equal(t, int64(100), resp.Entry.BalanceAfter)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTransferToSelf(t *testing.T) {
	handler, _ := createTestHandler(t)

	body := jsonBody(t, TransferRequest{ToUserID: "user-1", Amount: 25})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/points/transfer", body), "user-1")
	handler.Transfer(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "INVALID_TRANSFER", resp.Code)
	assert.Contains(t, resp.Message, "yourself")
}

func TestTransferInsufficientBalance(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectBegin()
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("user-1").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	mock.ExpectExec(`SELECT pg_advisory_xact_lock`).
		WithArgs("user-2").
		WillReturnResult(pgxmock.NewResult("SELECT", 1))
	// The guarded insert matches no row when the debit would go
	// negative.
	mock.ExpectQuery(`INSERT INTO point_ledger`).
		WithArgs("user-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	body := jsonBody(t, TransferRequest{ToUserID: "user-2", Amount: 500, Note: "thanks!"})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/points/transfer", body), "user-1")
	handler.Transfer(w, req)

	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "INSUFFICIENT_POINTS", decodeError(t, w).Code)
	assert.NoError(t, mock.ExpectationsWereMet())
}

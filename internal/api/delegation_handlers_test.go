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

func delegationColumns() []string {
	return []string{"id", "delegator_id", "delegatee_id", "code", "status", "expires_at", "created_at", "updated_at"}
}

func callFunction(t *testing.T, handler *Handler, userID string, req FunctionRequest) (int, FunctionResponse) {
	t.Helper()
	w := httptest.NewRecorder()
	r := authed(httptest.NewRequest(http.MethodPost, "/v1/functions/delegation", jsonBody(t, req)), userID)
	handler.DelegationFunction(w, r)

	var resp FunctionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return w.Code, resp
}

func TestDelegationFunctionUnknownAction(t *testing.T) {
	handler, _ := createTestHandler(t)

	code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "frobnicate"})

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "unknown action", resp.Error)
	assert.Nil(t, resp.Result)
}

func TestDelegationFunctionLookup(t *testing.T) {
	t.Run("unknown code", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		mock.ExpectQuery(`FROM delegations d JOIN profiles p`).
			WithArgs("NOPE2345").
			WillReturnError(pgx.ErrNoRows)

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "lookup", Code: "NOPE2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "unknown or expired code", resp.Error)
	})

	t.Run("storage failure is scrubbed", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		mock.ExpectQuery(`FROM delegations d JOIN profiles p`).
			WithArgs("ABCD2345").
			WillReturnError(errors.New("pool exhausted"))

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "lookup", Code: "ABCD2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "internal error", resp.Error)
		assert.NotContains(t, resp.Error, "pool")
	})

	t.Run("pending code resolves", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`FROM delegations d JOIN profiles p`).
			WithArgs("ABCD2345").
			WillReturnRows(pgxmock.NewRows(append(delegationColumns(), "display_name")).
				AddRow("del-1", "user-2", nil, "ABCD2345", "pending", now.Add(time.Hour), now, now, "Marta"))

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "lookup", Code: "ABCD2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Empty(t, resp.Error)

		result, ok := resp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "Marta", result["delegator_name"])
		assert.Equal(t, "pending", result["status"])
	})
}

func TestDelegationFunctionGenerateLink(t *testing.T) {
	handler, mock := createTestHandler(t)

	now := time.Now()
	mock.ExpectQuery(`FROM delegations`).
		WithArgs("user-1").
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery(`INSERT INTO delegations`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows(delegationColumns()).
			AddRow("del-1", "user-1", nil, "WXYZ2345", "pending", now.Add(24*time.Hour), now, now))

	code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "generate-link"})

	assert.Equal(t, http.StatusOK, code)
	assert.Empty(t, resp.Error)

	result, ok := resp.Result.(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "WXYZ2345", result["code"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDelegationFunctionAcceptLink(t *testing.T) {
	t.Run("own code", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`FROM delegations WHERE code`).
			WithArgs("ABCD2345").
			WillReturnRows(pgxmock.NewRows(delegationColumns()).
				AddRow("del-1", "user-1", nil, "ABCD2345", "pending", now.Add(time.Hour), now, now))

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "accept-link", Code: "ABCD2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Contains(t, resp.Error, "yourself")
	})

	t.Run("claims pending code", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`FROM delegations WHERE code`).
			WithArgs("ABCD2345").
			WillReturnRows(pgxmock.NewRows(delegationColumns()).
				AddRow("del-1", "user-2", nil, "ABCD2345", "pending", now.Add(time.Hour), now, now))
		mock.ExpectExec(`UPDATE delegations SET delegatee_id`).
			WithArgs("del-1", "user-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "accept-link", Code: "ABCD2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Empty(t, resp.Error)

		result, ok := resp.Result.(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "active", result["status"])
		assert.Equal(t, "user-1", result["delegatee_id"])
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already claimed code", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		delegatee := "user-3"
		mock.ExpectQuery(`FROM delegations WHERE code`).
			WithArgs("ABCD2345").
			WillReturnRows(pgxmock.NewRows(delegationColumns()).
				AddRow("del-1", "user-2", &delegatee, "ABCD2345", "active", now.Add(time.Hour), now, now))

		code, resp := callFunction(t, handler, "user-1", FunctionRequest{Action: "accept-link", Code: "ABCD2345"})

		assert.Equal(t, http.StatusOK, code)
		assert.Equal(t, "unknown or expired code", resp.Error)
	})
}

func TestListDelegations(t *testing.T) {
	handler, mock := createTestHandler(t)

	now := time.Now()
	mock.ExpectQuery(`FROM delegations`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows(delegationColumns()).
			AddRow("del-1", "user-1", nil, "ABCD2345", "pending", now.Add(time.Hour), now, now))

	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodGet, "/v1/delegations", nil), "user-1")
	handler.ListDelegations(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "del-1", resp[0]["id"])
}

func TestRevokeDelegation(t *testing.T) {
	t.Run("delegator revokes", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`FROM delegations WHERE id`).
			WithArgs("del-1").
			WillReturnRows(pgxmock.NewRows(delegationColumns()).
				AddRow("del-1", "user-1", nil, "ABCD2345", "pending", now.Add(time.Hour), now, now))
		mock.ExpectExec(`UPDATE delegations SET status = 'revoked'`).
			WithArgs("del-1").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))

		w := httptest.NewRecorder()
		req := withParam(authed(httptest.NewRequest(http.MethodDelete, "/v1/delegations/del-1", nil), "user-1"),
			"id", "del-1")
		handler.RevokeDelegation(w, req)

		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("only the delegator may revoke", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		now := time.Now()
		mock.ExpectQuery(`FROM delegations WHERE id`).
			WithArgs("del-1").
			WillReturnRows(pgxmock.NewRows(delegationColumns()).
				AddRow("del-1", "someone-else", nil, "ABCD2345", "active", now.Add(time.Hour), now, now))

		w := httptest.NewRecorder()
		req := withParam(authed(httptest.NewRequest(http.MethodDelete, "/v1/delegations/del-1", nil), "user-1"),
			"id", "del-1")
		handler.RevokeDelegation(w, req)

		assert.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("missing delegation", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		mock.ExpectQuery(`FROM delegations WHERE id`).
			WithArgs("del-404").
			WillReturnError(pgx.ErrNoRows)

		w := httptest.NewRecorder()
		req := withParam(authed(httptest.NewRequest(http.MethodDelete, "/v1/delegations/del-404", nil), "user-1"),
			"id", "del-404")
		handler.RevokeDelegation(w, req)

		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "DELEGATION_NOT_FOUND", decodeError(t, w).Code)
	})
}

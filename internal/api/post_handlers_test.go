package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hively/hively-backend/internal/post"
)

func postColumns() []string {
	return []string{"id", "author_id", "on_behalf_of", "community_index", "type", "reach", "content", "created_at", "updated_at"}
}

func TestCreatePostRejectsUnknownType(t *testing.T) {
	handler, _ := createTestHandler(t)

	body := jsonBody(t, post.CreateInput{
		CommunityIndex: "8828308281fffff",
		Type:           "auction",
		Reach:          post.ReachCommunity,
		Content:        json.RawMessage(`{"title":"rare stamps"}`),
	})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/posts", body), "user-1")
	handler.CreatePost(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	resp := decodeError(t, w)
	assert.Equal(t, "INVALID_POST", resp.Code)
	assert.Contains(t, resp.Message, "auction")
}

func TestCreatePostRejectsSellWithoutDetails(t *testing.T) {
	handler, _ := createTestHandler(t)

	body := jsonBody(t, post.CreateInput{
		CommunityIndex: "8828308281fffff",
		Type:           post.TypeSell,
		Reach:          post.ReachCommunity,
		Content:        json.RawMessage(`{"title":"honey"}`),
	})
	w := httptest.NewRecorder()
	req := authed(httptest.NewRequest(http.MethodPost, "/v1/posts", body), "user-1")
	handler.CreatePost(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_POST", decodeError(t, w).Code)
}

func TestGetPostNotFound(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT id, author_id, on_behalf_of`).
		WithArgs("post-404").
		WillReturnError(pgx.ErrNoRows)

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodGet, "/v1/posts/post-404", nil), "user-1"),
		"id", "post-404")
	handler.GetPost(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "POST_NOT_FOUND", decodeError(t, w).Code)
}

func TestUpdatePostForbidden(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`SELECT author_id, type, community_index`).
		WithArgs("post-1").
		WillReturnRows(pgxmock.NewRows([]string{"author_id", "type", "community_index"}).
			AddRow("someone-else", post.TypeSell, "8828308281fffff"))

	body := jsonBody(t, post.UpdateInput{Content: json.RawMessage(`{"title":"edited"}`)})
	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodPatch, "/v1/posts/post-1", body), "user-1"),
		"id", "post-1")
	handler.UpdatePost(w, req)

	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_YOUR_POST", decodeError(t, w).Code)
}

func TestGetFeed(t *testing.T) {
	t.Run("stale session", func(t *testing.T) {
		handler, mock := createTestHandler(t)

		mock.ExpectQuery(`SELECT home_h3_index, nearby_h3_indexes`).
			WithArgs("user-1").
			WillReturnError(pgx.ErrNoRows)
		mock.ExpectExec(`DELETE FROM refresh_tokens WHERE user_id`).
			WithArgs("user-1").
			WillReturnResult(pgxmock.NewResult("DELETE", 1))

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/feed", nil), "user-1")
		handler.GetFeed(w, req)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, "STALE_SESSION", decodeError(t, w).Code)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("bad cursor", func(t *testing.T) {
		handler, _ := createTestHandler(t)

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/feed?before=yesterday", nil), "user-1")
		handler.GetFeed(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_CURSOR", decodeError(t, w).Code)
	})

	t.Run("bad limit", func(t *testing.T) {
		handler, _ := createTestHandler(t)

		w := httptest.NewRecorder()
		req := authed(httptest.NewRequest(http.MethodGet, "/v1/feed?limit=0", nil), "user-1")
		handler.GetFeed(w, req)

		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, "INVALID_LIMIT", decodeError(t, w).Code)
	})
}

func TestListCommunityPostsEmpty(t *testing.T) {
	handler, mock := createTestHandler(t)

	mock.ExpectQuery(`FROM posts`).
		WithArgs(pgxmock.AnyArg(), "", "", pgxmock.AnyArg(), 20).
		WillReturnRows(pgxmock.NewRows(postColumns()))

	w := httptest.NewRecorder()
	req := withParam(authed(httptest.NewRequest(http.MethodGet, "/v1/communities/8828308281fffff/posts", nil), "user-1"),
		"index", "8828308281fffff")
	handler.ListCommunityPosts(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp PaginatedResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.False(t, resp.HasMore)
	assert.Empty(t, resp.Cursor)
	assert.NoError(t, mock.ExpectationsWereMet())
}

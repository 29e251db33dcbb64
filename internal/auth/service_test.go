package auth

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v3"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hively/hively-backend/internal/config"
)

func newTestService(t *testing.T) (*Service, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("failed to create mock pool: %v", err)
	}
	svc := NewService(mock, zap.NewNop().Sugar(), config.AuthConfig{
		JWTSecret:       "test-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: 30 * 24 * time.Hour,
	})
	return svc, mock
}

func TestRegisterIssuesTokens(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	mock.ExpectExec(`INSERT INTO users`).
		WithArgs(pgxmock.AnyArg(), "ada@example.com", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO profiles`).
		WithArgs(pgxmock.AnyArg(), "Ada").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	profile, pair, err := svc.Register(context.Background(), " Ada@Example.com ", "correct horse", "Ada")
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if profile.UserID == "" {
		t.Fatal("expected a user id")
	}
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		t.Fatal("expected a full token pair")
	}

	userID, err := svc.ParseAccessToken(pair.AccessToken)
	if err != nil {
		t.Fatalf("ParseAccessToken returned error: %v", err)
	}
	if userID != profile.UserID {
		t.Fatalf("token subject = %q, want %q", userID, profile.UserID)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	_, _, err := svc.Register(context.Background(), "ada@example.com", "short", "Ada")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("right password"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	mock.ExpectQuery(`SELECT id, password_hash FROM users`).
		WithArgs("ada@example.com").
		WillReturnRows(pgxmock.NewRows([]string{"id", "password_hash"}).
			AddRow("user-1", string(hash)))

	_, err = svc.Login(context.Background(), "ada@example.com", "wrong password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestLoginUnknownEmail(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	mock.ExpectQuery(`SELECT id, password_hash FROM users`).
		WithArgs("ghost@example.com").
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.Login(context.Background(), "ghost@example.com", "whatever password")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestRefreshRotatesToken(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	mock.ExpectQuery(`DELETE FROM refresh_tokens WHERE token_hash = \$1 RETURNING`).
		WithArgs(hashToken("old-refresh-token")).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).
			AddRow("user-1", time.Now().Add(time.Hour)))
	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	pair, err := svc.Refresh(context.Background(), "old-refresh-token")
	if err != nil {
		t.Fatalf("Refresh returned error: %v", err)
	}
	if pair.RefreshToken == "old-refresh-token" {
		t.Fatal("refresh token was not rotated")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestRefreshConsumedToken(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	mock.ExpectQuery(`DELETE FROM refresh_tokens WHERE token_hash = \$1 RETURNING`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	_, err := svc.Refresh(context.Background(), "already-used")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestRefreshExpiredToken(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	mock.ExpectQuery(`DELETE FROM refresh_tokens WHERE token_hash = \$1 RETURNING`).
		WithArgs(pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"user_id", "expires_at"}).
			AddRow("user-1", time.Now().Add(-time.Minute)))

	_, err := svc.Refresh(context.Background(), "expired-token")
	if !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestParseAccessTokenRejectsForgery(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	other := NewService(mock, zap.NewNop().Sugar(), config.AuthConfig{
		JWTSecret:       "another-secret",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
	})

	mock.ExpectExec(`INSERT INTO refresh_tokens`).
		WithArgs(pgxmock.AnyArg(), "user-1", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	pair, err := other.issueTokens(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("issueTokens returned error: %v", err)
	}

	if _, err := svc.ParseAccessToken(pair.AccessToken); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("err = %v, want ErrInvalidToken", err)
	}
}

func TestProfileNullHome(t *testing.T) {
	svc, mock := newTestService(t)
	defer mock.Close()

	now := time.Now()
	mock.ExpectQuery(`SELECT user_id, display_name, home_h3_index`).
		WithArgs("user-1").
		WillReturnRows(pgxmock.NewRows([]string{
			"user_id", "display_name", "home_h3_index", "nearby_h3_indexes",
			"home_lat", "home_lng", "is_staff", "created_at", "updated_at",
		}).AddRow("user-1", "Ada", nil, []string{}, nil, nil, false, now, now))

	p, err := svc.Profile(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Profile returned error: %v", err)
	}
	if p.HomeIndex != nil {
		t.Fatalf("HomeIndex = %v, want nil", *p.HomeIndex)
	}
	if p.NearbyIndexes == nil {
		t.Fatal("NearbyIndexes should be an empty slice, not nil")
	}
}

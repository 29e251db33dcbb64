package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/storage"
)

var (
	// ErrInvalidCredentials covers both unknown emails and wrong
	// passwords so callers cannot probe which accounts exist.
	ErrInvalidCredentials = errors.New("invalid email or password")
	// ErrEmailTaken is returned when registering an email that
	// already has an account.
	ErrEmailTaken = errors.New("email already registered")
	// ErrInvalidToken covers malformed, expired and revoked tokens.
	ErrInvalidToken = errors.New("invalid or expired token")
	// ErrProfileNotFound is returned when a profile lookup misses.
	ErrProfileNotFound = errors.New("profile not found")
)

const (
	minPasswordLen  = 8
	refreshTokenLen = 32
)

// Service implements registration, login and token lifecycle.
// Access tokens are short-lived HS256 JWTs; refresh tokens are opaque
// random values stored hashed and rotated on every use.
type Service struct {
	db         storage.Querier
	logger     *zap.SugaredLogger
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

func NewService(db storage.Querier, logger *zap.SugaredLogger, cfg config.AuthConfig) *Service {
	return &Service{
		db:         db,
		logger:     logger,
		secret:     []byte(cfg.JWTSecret),
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}
}

// Register creates the user and its profile, then signs the first
// token pair.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (Profile, TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)

	if !strings.Contains(email, "@") {
		return Profile{}, TokenPair{}, fmt.Errorf("%w: malformed email", ErrInvalidCredentials)
	}
	if len(password) < minPasswordLen {
		return Profile{}, TokenPair{}, fmt.Errorf("%w: password must be at least %d characters", ErrInvalidCredentials, minPasswordLen)
	}
	if displayName == "" {
		displayName = strings.SplitN(email, "@", 2)[0]
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Profile{}, TokenPair{}, fmt.Errorf("failed to hash password: %w", err)
	}

	userID := uuid.NewString()
	_, err = s.db.Exec(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1, $2, $3)`,
		userID, email, string(hash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Profile{}, TokenPair{}, ErrEmailTaken
		}
		return Profile{}, TokenPair{}, fmt.Errorf("failed to create user: %w", err)
	}

	_, err = s.db.Exec(ctx,
		`INSERT INTO profiles (user_id, display_name) VALUES ($1, $2)`,
		userID, displayName)
	if err != nil {
		return Profile{}, TokenPair{}, fmt.Errorf("failed to create profile: %w", err)
	}

	pair, err := s.issueTokens(ctx, userID)
	if err != nil {
		return Profile{}, TokenPair{}, err
	}

	s.logger.Infow("user registered", "user_id", userID)
	return Profile{UserID: userID, DisplayName: displayName, NearbyIndexes: []string{}}, pair, nil
}

// Login verifies the password and signs a fresh token pair.
func (s *Service) Login(ctx context.Context, email, password string) (TokenPair, error) {
	email = strings.ToLower(strings.TrimSpace(email))

	var userID, passwordHash string
	err := s.db.QueryRow(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).
		Scan(&userID, &passwordHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenPair{}, ErrInvalidCredentials
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to look up user: %w", err)
	}

	if bcrypt.CompareHashAndPassword([]byte(passwordHash), []byte(password)) != nil {
		return TokenPair{}, ErrInvalidCredentials
	}
	return s.issueTokens(ctx, userID)
}

// Refresh rotates a refresh token: the presented token is consumed
// and a new pair is issued. Reuse of a consumed token fails.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	tokenHash := hashToken(refreshToken)

	var userID string
	var expiresAt time.Time
	err := s.db.QueryRow(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1 RETURNING user_id, expires_at`,
		tokenHash).Scan(&userID, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return TokenPair{}, ErrInvalidToken
	}
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to rotate refresh token: %w", err)
	}
	if time.Now().After(expiresAt) {
		return TokenPair{}, ErrInvalidToken
	}
	return s.issueTokens(ctx, userID)
}

// Logout revokes a single refresh token. Revoking a token that is
// already gone is not an error.
func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE token_hash = $1`, hashToken(refreshToken))
	if err != nil {
		return fmt.Errorf("failed to revoke refresh token: %w", err)
	}
	return nil
}

// RevokeAll drops every refresh token of a user, forcing sign-in on
// all devices. Used when a session turns out to be stale.
func (s *Service) RevokeAll(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`DELETE FROM refresh_tokens WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to revoke refresh tokens: %w", err)
	}
	s.logger.Infow("revoked all sessions", "user_id", userID)
	return nil
}

// Profile loads a user's profile row.
func (s *Service) Profile(ctx context.Context, userID string) (Profile, error) {
	var p Profile
	err := s.db.QueryRow(ctx,
		`SELECT user_id, display_name, home_h3_index, nearby_h3_indexes, home_lat, home_lng, is_staff, created_at, updated_at
		 FROM profiles WHERE user_id = $1`, userID).
		Scan(&p.UserID, &p.DisplayName, &p.HomeIndex, &p.NearbyIndexes, &p.HomeLat, &p.HomeLng, &p.IsStaff, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Profile{}, ErrProfileNotFound
	}
	if err != nil {
		return Profile{}, fmt.Errorf("failed to load profile: %w", err)
	}
	if p.NearbyIndexes == nil {
		p.NearbyIndexes = []string{}
	}
	return p, nil
}

// IsStaff reports whether a user's profile carries the staff flag.
func (s *Service) IsStaff(ctx context.Context, userID string) (bool, error) {
	p, err := s.Profile(ctx, userID)
	if err != nil {
		return false, err
	}
	return p.IsStaff, nil
}

// UpdateDisplayName renames the profile.
func (s *Service) UpdateDisplayName(ctx context.Context, userID, displayName string) (Profile, error) {
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		return Profile{}, errors.New("display name must not be empty")
	}
	tag, err := s.db.Exec(ctx,
		`UPDATE profiles SET display_name = $2, updated_at = now() WHERE user_id = $1`,
		userID, displayName)
	if err != nil {
		return Profile{}, fmt.Errorf("failed to update display name: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Profile{}, ErrProfileNotFound
	}
	return s.Profile(ctx, userID)
}

// ParseAccessToken validates the JWT signature and expiry and returns
// the subject user id.
func (s *Service) ParseAccessToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", ErrInvalidToken
	}
	return sub, nil
}

func (s *Service) issueTokens(ctx context.Context, userID string) (TokenPair, error) {
	now := time.Now()
	expiresAt := now.Add(s.accessTTL)

	claims := jwt.MapClaims{
		"sub": userID,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to sign access token: %w", err)
	}

	raw := make([]byte, refreshTokenLen)
	if _, err := rand.Read(raw); err != nil {
		return TokenPair{}, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	refresh := hex.EncodeToString(raw)

	_, err = s.db.Exec(ctx,
		`INSERT INTO refresh_tokens (token_hash, user_id, expires_at) VALUES ($1, $2, $3)`,
		hashToken(refresh), userID, now.Add(s.refreshTTL))
	if err != nil {
		return TokenPair{}, fmt.Errorf("failed to store refresh token: %w", err)
	}

	return TokenPair{AccessToken: access, RefreshToken: refresh, ExpiresAt: expiresAt}, nil
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

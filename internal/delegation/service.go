package delegation

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

var (
	// ErrUnknownCode is the single answer for codes that do not
	// exist, have expired or were already claimed. The wording is
	// what clients display.
	ErrUnknownCode = errors.New("unknown or expired code")
	// ErrSelfDelegation rejects claiming your own code.
	ErrSelfDelegation = errors.New("you cannot accept a delegation from yourself")
	// ErrNotFound is returned when a delegation id lookup misses.
	ErrNotFound = errors.New("delegation not found")
	// ErrForbidden is returned when someone revokes a delegation
	// they did not create.
	ErrForbidden = errors.New("not your delegation")
)

// codeAlphabet omits 0/O/1/I so read-aloud codes survive handwriting.
const (
	codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeLength   = 8
)

// Service owns delegation pairing.
type Service struct {
	db     storage.Querier
	cache  *store.Cache
	logger *zap.SugaredLogger
	ttl    time.Duration
}

func NewService(db storage.Querier, cache *store.Cache, logger *zap.SugaredLogger, ttl time.Duration) *Service {
	return &Service{db: db, cache: cache, logger: logger, ttl: ttl}
}

// GenerateLink creates a pending delegation with a fresh pairing
// code, or hands back the caller's existing unexpired pending one.
func (s *Service) GenerateLink(ctx context.Context, delegatorID string) (Delegation, error) {
	var existing Delegation
	err := s.db.QueryRow(ctx,
		`SELECT id, delegator_id, delegatee_id, code, status, expires_at, created_at, updated_at
		 FROM delegations
		 WHERE delegator_id = $1 AND status = 'pending' AND expires_at > now()
		 ORDER BY created_at DESC LIMIT 1`, delegatorID).
		Scan(&existing.ID, &existing.DelegatorID, &existing.DelegateeID, &existing.Code,
			&existing.Status, &existing.ExpiresAt, &existing.CreatedAt, &existing.UpdatedAt)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Delegation{}, fmt.Errorf("failed to look up pending delegation: %w", err)
	}

	// Codes are short, so retry the insert on the rare collision.
	for attempt := 0; attempt < 3; attempt++ {
		code, err := generateCode()
		if err != nil {
			return Delegation{}, err
		}

		var d Delegation
		err = s.db.QueryRow(ctx,
			`INSERT INTO delegations (id, delegator_id, code, status, expires_at)
			 VALUES ($1, $2, $3, 'pending', $4)
			 RETURNING id, delegator_id, delegatee_id, code, status, expires_at, created_at, updated_at`,
			uuid.NewString(), delegatorID, code, time.Now().Add(s.ttl)).
			Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.Code, &d.Status, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt)
		if err == nil {
			s.publish(ctx, d)
			s.logger.Infow("delegation link generated", "delegation_id", d.ID, "delegator_id", delegatorID)
			return d, nil
		}

		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			continue
		}
		return Delegation{}, fmt.Errorf("failed to create delegation: %w", err)
	}
	return Delegation{}, errors.New("failed to generate a unique pairing code")
}

// Lookup resolves a pairing code without claiming it.
func (s *Service) Lookup(ctx context.Context, code string) (LookupResult, error) {
	var r LookupResult
	err := s.db.QueryRow(ctx,
		`SELECT d.id, d.delegator_id, d.delegatee_id, d.code, d.status, d.expires_at, d.created_at, d.updated_at,
		        p.display_name
		 FROM delegations d JOIN profiles p ON p.user_id = d.delegator_id
		 WHERE d.code = $1 AND d.status = 'pending' AND d.expires_at > now()`, code).
		Scan(&r.ID, &r.DelegatorID, &r.DelegateeID, &r.Code, &r.Status, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
			&r.DelegatorName)
	if errors.Is(err, pgx.ErrNoRows) {
		return LookupResult{}, ErrUnknownCode
	}
	if err != nil {
		return LookupResult{}, fmt.Errorf("failed to look up code: %w", err)
	}
	return r, nil
}

// AcceptLink claims a pairing code for userID: the delegation flips
// pending -> active with the caller as delegatee. Claiming your own
// code fails; unknown, expired and already-claimed codes all answer
// ErrUnknownCode.
func (s *Service) AcceptLink(ctx context.Context, userID, code string) (Delegation, error) {
	var d Delegation
	err := s.db.QueryRow(ctx,
		`SELECT id, delegator_id, delegatee_id, code, status, expires_at, created_at, updated_at
		 FROM delegations WHERE code = $1`, code).
		Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.Code, &d.Status, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delegation{}, ErrUnknownCode
	}
	if err != nil {
		return Delegation{}, fmt.Errorf("failed to load delegation: %w", err)
	}
	return s.activate(ctx, userID, d)
}

// Accept is the same transition addressed by delegation id.
func (s *Service) Accept(ctx context.Context, userID, delegationID string) (Delegation, error) {
	d, err := s.Get(ctx, delegationID)
	if err != nil {
		return Delegation{}, err
	}
	return s.activate(ctx, userID, d)
}

func (s *Service) activate(ctx context.Context, userID string, d Delegation) (Delegation, error) {
	if d.DelegatorID == userID {
		return Delegation{}, ErrSelfDelegation
	}
	if d.Status != StatusPending || time.Now().After(d.ExpiresAt) {
		return Delegation{}, ErrUnknownCode
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE delegations SET delegatee_id = $2, status = 'active', updated_at = now()
		 WHERE id = $1 AND status = 'pending'`, d.ID, userID)
	if err != nil {
		return Delegation{}, fmt.Errorf("failed to activate delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Delegation{}, ErrUnknownCode
	}

	d.DelegateeID = &userID
	d.Status = StatusActive
	s.publish(ctx, d)
	s.logger.Infow("delegation activated",
		"delegation_id", d.ID, "delegator_id", d.DelegatorID, "delegatee_id", userID)
	return d, nil
}

// Get loads one delegation by id.
func (s *Service) Get(ctx context.Context, delegationID string) (Delegation, error) {
	var d Delegation
	err := s.db.QueryRow(ctx,
		`SELECT id, delegator_id, delegatee_id, code, status, expires_at, created_at, updated_at
		 FROM delegations WHERE id = $1`, delegationID).
		Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.Code, &d.Status, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Delegation{}, ErrNotFound
	}
	if err != nil {
		return Delegation{}, fmt.Errorf("failed to load delegation: %w", err)
	}
	return d, nil
}

// ListForUser lists delegations the user is on either side of.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Delegation, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, delegator_id, delegatee_id, code, status, expires_at, created_at, updated_at
		 FROM delegations
		 WHERE delegator_id = $1 OR delegatee_id = $1
		 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list delegations: %w", err)
	}
	defer rows.Close()

	delegations := []Delegation{}
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.ID, &d.DelegatorID, &d.DelegateeID, &d.Code, &d.Status, &d.ExpiresAt, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan delegation: %w", err)
		}
		delegations = append(delegations, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read delegations: %w", err)
	}
	return delegations, nil
}

// Revoke kills a pending or active delegation. Delegator only.
func (s *Service) Revoke(ctx context.Context, delegatorID, delegationID string) error {
	d, err := s.Get(ctx, delegationID)
	if err != nil {
		return err
	}
	if d.DelegatorID != delegatorID {
		return ErrForbidden
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE delegations SET status = 'revoked', updated_at = now()
		 WHERE id = $1 AND status IN ('pending', 'active')`, delegationID)
	if err != nil {
		return fmt.Errorf("failed to revoke delegation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	d.Status = StatusRevoked
	s.publish(ctx, d)
	return nil
}

// ActiveBetween reports whether delegator currently delegates to
// delegatee. The posts module checks this for on_behalf_of.
func (s *Service) ActiveBetween(ctx context.Context, delegatorID, delegateeID string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx,
		`SELECT EXISTS (
		   SELECT 1 FROM delegations
		   WHERE delegator_id = $1 AND delegatee_id = $2 AND status = 'active'
		 )`, delegatorID, delegateeID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check delegation: %w", err)
	}
	return exists, nil
}

// ExpirePending times out pending delegations past their expiry. The
// sweeper calls this.
func (s *Service) ExpirePending(ctx context.Context) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE delegations SET status = 'expired', updated_at = now()
		 WHERE status = 'pending' AND expires_at <= now()`)
	if err != nil {
		return 0, fmt.Errorf("failed to expire delegations: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Service) publish(ctx context.Context, d Delegation) {
	event := Event{DelegationID: d.ID, Status: d.Status}
	if err := s.cache.Publish(ctx, store.DelegationsChannel(d.DelegatorID), event); err != nil {
		s.logger.Warnw("failed to publish delegation event", "delegation_id", d.ID, "error", err)
	}
}

func generateCode() (string, error) {
	code := make([]byte, codeLength)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range code {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate pairing code: %w", err)
		}
		code[i] = codeAlphabet[n.Int64()]
	}
	return string(code), nil
}

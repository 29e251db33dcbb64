package points

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hively/hively-backend/internal/calc"
	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

var (
	// ErrInsufficientPoints is returned when a debit would push a
	// balance below zero.
	ErrInsufficientPoints = errors.New("insufficient points")
	// ErrPaymentFailed is the only error purchases surface to users.
	// The underlying cause is logged, never returned.
	ErrPaymentFailed = errors.New("payment could not be completed")
	// ErrInvalidKind rejects appends with an unknown ledger kind or a
	// delta whose sign does not match the kind.
	ErrInvalidKind = errors.New("invalid ledger entry")
)

// maxHistoryLimit caps one ledger history page.
const maxHistoryLimit = 100

// Service owns the point ledger: balances, history, purchases and
// transfers. Every append runs under a per-user advisory lock so the
// balance_after snapshots stay consistent under concurrency.
type Service struct {
	db       storage.Querier
	cache    *store.Cache
	logger   *zap.SugaredLogger
	defaults calc.FeeParams
	sf       singleflight.Group
}

func NewService(db storage.Querier, cache *store.Cache, logger *zap.SugaredLogger, cfg config.PointsConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		logger: logger,
		defaults: calc.FeeParams{
			Rate:            decimal.NewFromFloat(cfg.FeeRate),
			FixedFee:        decimal.NewFromFloat(cfg.FeeFixedEUR),
			PointPrice:      decimal.NewFromFloat(cfg.PointPriceEUR),
			MinimumPurchase: cfg.MinimumPurchase,
		},
	}
}

// FeeParams returns the current purchase economics. The fee_config
// row is the source of truth; when it cannot be read the configured
// defaults apply so purchases keep working.
func (s *Service) FeeParams(ctx context.Context) calc.FeeParams {
	var cached calc.FeeParams
	if err := s.cache.GetFeeConfig(ctx, &cached); err == nil {
		return cached
	}

	var rate, fixed, price string
	var minimum int64
	err := s.db.QueryRow(ctx,
		`SELECT fee_rate::text, fee_fixed_eur::text, point_price_eur::text, minimum_purchase
		 FROM fee_config WHERE id = 1`).
		Scan(&rate, &fixed, &price, &minimum)
	if err != nil {
		s.logger.Warnw("failed to load fee config; using defaults", "error", err)
		return s.defaults
	}

	params, err := parseFeeParams(rate, fixed, price, minimum)
	if err != nil {
		s.logger.Warnw("fee config row is malformed; using defaults", "error", err)
		return s.defaults
	}

	if err := s.cache.SetFeeConfig(ctx, params); err != nil {
		s.logger.Warnw("failed to cache fee config", "error", err)
	}
	return params
}

// Balance returns the user's current balance: the balance_after of
// the latest ledger row, zero for an empty ledger. Served from a
// short-lived cache; concurrent misses share one query.
func (s *Service) Balance(ctx context.Context, userID string) (int64, error) {
	var cached int64
	if err := s.cache.GetBalance(ctx, userID, &cached); err == nil {
		return cached, nil
	}

	v, err, _ := s.sf.Do("balance:"+userID, func() (interface{}, error) {
		var balance int64
		err := s.db.QueryRow(ctx,
			`SELECT balance_after FROM point_ledger
			 WHERE user_id = $1
			 ORDER BY created_at DESC, id DESC
			 LIMIT 1`, userID).Scan(&balance)
		if errors.Is(err, pgx.ErrNoRows) {
			return int64(0), nil
		}
		if err != nil {
			return int64(0), fmt.Errorf("failed to read balance: %w", err)
		}
		return balance, nil
	})
	if err != nil {
		return 0, err
	}

	balance := v.(int64)
	if err := s.cache.SetBalance(ctx, userID, balance); err != nil {
		s.logger.Warnw("failed to cache balance", "user_id", userID, "error", err)
	}
	return balance, nil
}

// History pages through a user's ledger, newest first. beforeID of
// zero starts at the top; pass the last entry's ID to continue.
func (s *Service) History(ctx context.Context, userID string, beforeID int64, limit int) ([]LedgerEntry, error) {
	if limit <= 0 || limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	if beforeID <= 0 {
		beforeID = math.MaxInt64
	}

	rows, err := s.db.Query(ctx,
		`SELECT id, user_id, delta, balance_after, kind, ref_id, note, created_at
		 FROM point_ledger
		 WHERE user_id = $1 AND id < $2
		 ORDER BY id DESC
		 LIMIT $3`, userID, beforeID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger history: %w", err)
	}
	defer rows.Close()

	entries := []LedgerEntry{}
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.Delta, &e.BalanceAfter, &e.Kind, &e.RefID, &e.Note, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan ledger entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read ledger history: %w", err)
	}
	return entries, nil
}

// Append writes one ledger row. The new balance_after is computed
// from the latest snapshot inside the same transaction, guarded by a
// per-user advisory lock; debits that would go negative are rejected
// with ErrInsufficientPoints.
func (s *Service) Append(ctx context.Context, p AppendParams) (LedgerEntry, error) {
	if err := validateAppend(p); err != nil {
		return LedgerEntry{}, err
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to begin ledger append: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockLedger(ctx, tx, p.UserID); err != nil {
		return LedgerEntry{}, err
	}
	entry, err := appendInTx(ctx, tx, p)
	if err != nil {
		return LedgerEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to commit ledger append: %w", err)
	}

	s.afterAppend(ctx, entry)
	return entry, nil
}

// Transfer moves points between two users atomically: a transfer_out
// row for the sender and a transfer_in row for the receiver, both in
// one transaction. The sender must cover the full amount.
func (s *Service) Transfer(ctx context.Context, fromID, toID string, amount int64, refID *string, note string) (out, in LedgerEntry, err error) {
	if amount <= 0 {
		return LedgerEntry{}, LedgerEntry{}, fmt.Errorf("%w: transfer amount must be positive", ErrInvalidKind)
	}
	if fromID == toID {
		return LedgerEntry{}, LedgerEntry{}, fmt.Errorf("%w: cannot transfer to yourself", ErrInvalidKind)
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, fmt.Errorf("failed to begin transfer: %w", err)
	}
	defer tx.Rollback(ctx)

	// Locks are taken in a stable order so two opposing transfers
	// cannot deadlock.
	for _, id := range orderedPair(fromID, toID) {
		if err := lockLedger(ctx, tx, id); err != nil {
			return LedgerEntry{}, LedgerEntry{}, err
		}
	}

	out, err = appendInTx(ctx, tx, AppendParams{
		UserID: fromID, Delta: -amount, Kind: KindTransferOut, RefID: refID, Note: note,
	})
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	in, err = appendInTx(ctx, tx, AppendParams{
		UserID: toID, Delta: amount, Kind: KindTransferIn, RefID: refID, Note: note,
	})
	if err != nil {
		return LedgerEntry{}, LedgerEntry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return LedgerEntry{}, LedgerEntry{}, fmt.Errorf("failed to commit transfer: %w", err)
	}

	s.afterAppend(ctx, out)
	s.afterAppend(ctx, in)
	return out, in, nil
}

// PurchaseOptions computes how a user can cover needing `required`
// points given their current balance.
func (s *Service) PurchaseOptions(ctx context.Context, userID string, required int64) (balance int64, options []calc.PurchaseOption, err error) {
	if err := calc.ValidateRequired(required); err != nil {
		return 0, nil, err
	}
	balance, err = s.Balance(ctx, userID)
	if err != nil {
		return 0, nil, err
	}
	options = calc.PurchaseOptions(calc.Deficit(balance, required), s.FeeParams(ctx))
	return balance, options, nil
}

// Purchase credits bought points to the ledger. Any storage failure
// is logged in full and surfaced as the scrubbed ErrPaymentFailed;
// validation errors pass through untouched.
func (s *Service) Purchase(ctx context.Context, userID string, points int64) (Receipt, error) {
	if err := calc.ValidatePurchasePoints(points); err != nil {
		return Receipt{}, err
	}

	params := s.FeeParams(ctx)
	cost, fee, total := calc.PriceFor(points, params)

	entry, err := s.Append(ctx, AppendParams{
		UserID: userID,
		Delta:  points,
		Kind:   KindPurchase,
		Note:   fmt.Sprintf("purchase of %d points", points),
	})
	if err != nil {
		s.logger.Errorw("point purchase failed",
			"user_id", userID, "points", points, "error", err)
		return Receipt{}, ErrPaymentFailed
	}

	return Receipt{Entry: entry, Points: points, Cost: cost, Fee: fee, Total: total}, nil
}

func (s *Service) afterAppend(ctx context.Context, entry LedgerEntry) {
	if err := s.cache.SetBalance(ctx, entry.UserID, entry.BalanceAfter); err != nil {
		s.logger.Warnw("failed to refresh cached balance", "user_id", entry.UserID, "error", err)
	}
	update := BalanceUpdate{UserID: entry.UserID, Balance: entry.BalanceAfter, Entry: entry}
	if err := s.cache.Publish(ctx, store.PointsChannel(entry.UserID), update); err != nil {
		s.logger.Warnw("failed to publish balance update", "user_id", entry.UserID, "error", err)
	}
}

func appendInTx(ctx context.Context, tx pgx.Tx, p AppendParams) (LedgerEntry, error) {
	entry := LedgerEntry{
		UserID: p.UserID,
		Delta:  p.Delta,
		Kind:   p.Kind,
		RefID:  p.RefID,
		Note:   p.Note,
	}
	err := tx.QueryRow(ctx,
		`WITH current AS (
		   SELECT COALESCE((
		     SELECT balance_after FROM point_ledger
		     WHERE user_id = $1
		     ORDER BY created_at DESC, id DESC
		     LIMIT 1
		   ), 0) AS balance
		 )
		 INSERT INTO point_ledger (user_id, delta, balance_after, kind, ref_id, note)
		 SELECT $1, $2, current.balance + $2, $3, $4, $5 FROM current
		 WHERE current.balance + $2 >= 0
		 RETURNING id, balance_after, created_at`,
		p.UserID, p.Delta, p.Kind, p.RefID, p.Note).
		Scan(&entry.ID, &entry.BalanceAfter, &entry.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return LedgerEntry{}, ErrInsufficientPoints
	}
	if err != nil {
		return LedgerEntry{}, fmt.Errorf("failed to append ledger entry: %w", err)
	}
	return entry, nil
}

func lockLedger(ctx context.Context, tx pgx.Tx, userID string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, userID); err != nil {
		return fmt.Errorf("failed to lock ledger for %s: %w", userID, err)
	}
	return nil
}

func validateAppend(p AppendParams) error {
	if p.UserID == "" {
		return fmt.Errorf("%w: missing user", ErrInvalidKind)
	}
	if p.Delta == 0 {
		return fmt.Errorf("%w: delta must not be zero", ErrInvalidKind)
	}
	switch p.Kind {
	case KindPurchase, KindEarn, KindTransferIn:
		if p.Delta < 0 {
			return fmt.Errorf("%w: %s requires a positive delta", ErrInvalidKind, p.Kind)
		}
	case KindSpend, KindTransferOut:
		if p.Delta > 0 {
			return fmt.Errorf("%w: %s requires a negative delta", ErrInvalidKind, p.Kind)
		}
	case KindAdjustment:
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidKind, p.Kind)
	}
	return nil
}

func parseFeeParams(rate, fixed, price string, minimum int64) (calc.FeeParams, error) {
	r, err := decimal.NewFromString(rate)
	if err != nil {
		return calc.FeeParams{}, fmt.Errorf("bad fee_rate %q: %w", rate, err)
	}
	f, err := decimal.NewFromString(fixed)
	if err != nil {
		return calc.FeeParams{}, fmt.Errorf("bad fee_fixed_eur %q: %w", fixed, err)
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return calc.FeeParams{}, fmt.Errorf("bad point_price_eur %q: %w", price, err)
	}
	return calc.FeeParams{Rate: r, FixedFee: f, PointPrice: p, MinimumPurchase: minimum}, nil
}

func orderedPair(a, b string) []string {
	pair := []string{a, b}
	sort.Strings(pair)
	return pair
}

package category

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

// ScopeGlobal is the restriction scope that applies everywhere.
const ScopeGlobal = "global"

var (
	// ErrUnknownCategory is returned when a restriction names a
	// category outside the fixed list.
	ErrUnknownCategory = errors.New("unknown category")
)

// Service computes the categories available in a community. Lookups
// must never take a community down with them: any failure loading
// restrictions falls back to the full list.
type Service struct {
	db     storage.Querier
	cache  *store.Cache
	logger *zap.SugaredLogger
	sf     singleflight.Group
}

func NewService(db storage.Querier, cache *store.Cache, logger *zap.SugaredLogger) *Service {
	return &Service{db: db, cache: cache, logger: logger}
}

// Available returns the categories visible in the given community,
// or the global view when communityIndex is empty. It never fails:
// restriction lookups that error resolve to the unfiltered list.
func (s *Service) Available(ctx context.Context, communityIndex string) []Category {
	scope := communityIndex
	if scope == "" {
		scope = ScopeGlobal
	}

	var cached []Category
	if err := s.cache.GetCategories(ctx, scope, &cached); err == nil {
		return cached
	}

	result, err, _ := s.sf.Do("categories:"+scope, func() (interface{}, error) {
		restrictions, err := s.loadRestrictions(ctx, scope)
		if err != nil {
			return nil, err
		}
		return Filter(All(), restrictions), nil
	})
	if err != nil {
		s.logger.Warnw("failed to load category restrictions; serving full list",
			"scope", scope, "error", err)
		return All()
	}

	categories := result.([]Category)
	if err := s.cache.SetCategories(ctx, scope, categories); err != nil {
		s.logger.Warnw("failed to cache categories", "scope", scope, "error", err)
	}
	return categories
}

// Allowed reports whether one category is currently visible in the
// community. Same fail-open behavior as Available.
func (s *Service) Allowed(ctx context.Context, communityIndex string, c Category) bool {
	for _, available := range s.Available(ctx, communityIndex) {
		if available == c {
			return true
		}
	}
	return false
}

// SetRestriction upserts a restriction row and invalidates the
// affected cached lists. Staff only; the handler enforces that.
func (s *Service) SetRestriction(ctx context.Context, scope string, c Category, isAllowed bool) (Restriction, error) {
	if !Valid(c) {
		return Restriction{}, fmt.Errorf("%w: %s", ErrUnknownCategory, c)
	}
	if scope == "" {
		scope = ScopeGlobal
	}

	_, err := s.db.Exec(ctx,
		`INSERT INTO category_restrictions (scope, category, is_allowed)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (scope, category) DO UPDATE SET is_allowed = EXCLUDED.is_allowed`,
		scope, string(c), isAllowed)
	if err != nil {
		return Restriction{}, fmt.Errorf("failed to upsert category restriction: %w", err)
	}

	// A global restriction affects every community's cached list;
	// those expire on their own TTL. The touched scope is dropped
	// immediately.
	if err := s.cache.DeleteCategories(ctx, scope, ScopeGlobal); err != nil {
		s.logger.Warnw("failed to invalidate category cache", "scope", scope, "error", err)
	}

	s.logger.Infow("category restriction updated",
		"scope", scope, "category", c, "is_allowed", isAllowed)
	return Restriction{Scope: scope, Category: c, IsAllowed: isAllowed}, nil
}

// ListRestrictions returns the raw restriction rows for a scope.
func (s *Service) ListRestrictions(ctx context.Context, scope string) ([]Restriction, error) {
	if scope == "" {
		scope = ScopeGlobal
	}
	rows, err := s.db.Query(ctx,
		`SELECT scope, category, is_allowed FROM category_restrictions WHERE scope = $1 ORDER BY category`,
		scope)
	if err != nil {
		return nil, fmt.Errorf("failed to list category restrictions: %w", err)
	}
	defer rows.Close()

	restrictions := []Restriction{}
	for rows.Next() {
		var r Restriction
		var name string
		if err := rows.Scan(&r.Scope, &name, &r.IsAllowed); err != nil {
			return nil, fmt.Errorf("failed to scan category restriction: %w", err)
		}
		r.Category = Category(name)
		restrictions = append(restrictions, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read category restrictions: %w", err)
	}
	return restrictions, nil
}

func (s *Service) loadRestrictions(ctx context.Context, scope string) ([]Restriction, error) {
	rows, err := s.db.Query(ctx,
		`SELECT scope, category, is_allowed FROM category_restrictions
		 WHERE scope = $1 OR scope = $2`,
		scope, ScopeGlobal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var restrictions []Restriction
	for rows.Next() {
		var r Restriction
		var name string
		if err := rows.Scan(&r.Scope, &name, &r.IsAllowed); err != nil {
			return nil, err
		}
		r.Category = Category(name)
		restrictions = append(restrictions, r)
	}
	return restrictions, rows.Err()
}

// Filter removes the categories any restriction row disallows.
// Filtering an already filtered list is a no-op.
func Filter(categories []Category, restrictions []Restriction) []Category {
	blocked := make(map[Category]bool, len(restrictions))
	for _, r := range restrictions {
		if !r.IsAllowed {
			blocked[r.Category] = true
		}
	}

	filtered := make([]Category, 0, len(categories))
	for _, c := range categories {
		if !blocked[c] {
			filtered = append(filtered, c)
		}
	}
	return filtered
}

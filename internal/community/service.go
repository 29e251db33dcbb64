package community

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/hively/hively-backend/internal/config"
	"github.com/hively/hively-backend/internal/hexgrid"
	"github.com/hively/hively-backend/internal/storage"
	"github.com/hively/hively-backend/internal/store"
)

var (
	// ErrNotFound is returned when a community lookup misses.
	ErrNotFound = errors.New("community not found")
	// ErrStaleSession signals that a profile points at a home
	// community that no longer exists. Callers must treat this as a
	// broken session: revoke it and force the user to sign in again.
	ErrStaleSession = errors.New("home community no longer exists")
)

// Service manages communities and resolves which ones a user sees.
type Service struct {
	db     storage.Querier
	cache  *store.Cache
	logger *zap.SugaredLogger
	res    int
	ringK  int
}

func NewService(db storage.Querier, cache *store.Cache, logger *zap.SugaredLogger, cfg config.GeoConfig) *Service {
	return &Service{
		db:     db,
		cache:  cache,
		logger: logger,
		res:    cfg.CellResolution,
		ringK:  cfg.NeighborRingK,
	}
}

// Ensure creates the community for a cell if it does not exist yet
// and returns the current row either way.
func (s *Service) Ensure(ctx context.Context, index, name string) (Community, error) {
	if err := hexgrid.Validate(index); err != nil {
		return Community{}, err
	}
	lat, lng, err := hexgrid.CellCenter(index)
	if err != nil {
		return Community{}, err
	}
	if name == "" {
		name = fmt.Sprintf("Community %s", index)
	}

	var c Community
	err = s.db.QueryRow(ctx,
		`INSERT INTO communities (h3_index, name, center_lat, center_lng)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (h3_index) DO UPDATE SET h3_index = EXCLUDED.h3_index
		 RETURNING h3_index, name, center_lat, center_lng, created_at`,
		index, name, lat, lng).
		Scan(&c.Index, &c.Name, &c.CenterLat, &c.CenterLng, &c.CreatedAt)
	if err != nil {
		return Community{}, fmt.Errorf("failed to ensure community %s: %w", index, err)
	}

	s.cacheCommunity(c)
	return c, nil
}

// Get loads one community, serving from cache when possible.
func (s *Service) Get(ctx context.Context, index string) (Community, error) {
	var cached Community
	if err := s.cache.GetCommunity(ctx, index, &cached); err == nil {
		return cached, nil
	}

	var c Community
	err := s.db.QueryRow(ctx,
		`SELECT h3_index, name, center_lat, center_lng, created_at
		 FROM communities WHERE h3_index = $1`, index).
		Scan(&c.Index, &c.Name, &c.CenterLat, &c.CenterLng, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Community{}, ErrNotFound
	}
	if err != nil {
		return Community{}, fmt.Errorf("failed to load community %s: %w", index, err)
	}

	s.cacheCommunity(c)
	return c, nil
}

// Rename updates a community's display name. Staff only; the handler
// enforces that.
func (s *Service) Rename(ctx context.Context, index, name string) (Community, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE communities SET name = $2 WHERE h3_index = $1`, index, name)
	if err != nil {
		return Community{}, fmt.Errorf("failed to rename community %s: %w", index, err)
	}
	if tag.RowsAffected() == 0 {
		return Community{}, ErrNotFound
	}
	if err := s.cache.Delete(ctx, store.KeyCommunity+":"+index); err != nil {
		s.logger.Warnw("failed to invalidate community cache", "h3_index", index, "error", err)
	}
	return s.Get(ctx, index)
}

// SetHomeLocation pins a user's profile to the cell containing the
// given coordinates, materializes that community and its ring, and
// returns the fresh resolution.
func (s *Service) SetHomeLocation(ctx context.Context, userID string, lat, lng float64) (Resolution, error) {
	cell, err := hexgrid.CellForLocation(lat, lng, s.res)
	if err != nil {
		return Resolution{}, err
	}
	ring, err := hexgrid.NeighborRing(cell, s.ringK)
	if err != nil {
		return Resolution{}, err
	}

	if _, err := s.Ensure(ctx, cell, ""); err != nil {
		return Resolution{}, err
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE profiles
		 SET home_h3_index = $2, nearby_h3_indexes = $3, home_lat = $4, home_lng = $5, updated_at = now()
		 WHERE user_id = $1`,
		userID, cell, ring, lat, lng)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to update home location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return Resolution{}, ErrStaleSession
	}

	s.logger.Infow("home location set", "user_id", userID, "h3_index", cell)
	return s.ResolveForUser(ctx, userID)
}

// ClearHomeLocation detaches the user from any community.
func (s *Service) ClearHomeLocation(ctx context.Context, userID string) error {
	_, err := s.db.Exec(ctx,
		`UPDATE profiles
		 SET home_h3_index = NULL, nearby_h3_indexes = '{}', home_lat = NULL, home_lng = NULL, updated_at = now()
		 WHERE user_id = $1`, userID)
	if err != nil {
		return fmt.Errorf("failed to clear home location: %w", err)
	}
	return nil
}

// ResolveForUser turns the indices stored on a profile into loaded
// communities, split into the home community and its neighbors.
//
// A profile without a home location resolves to an empty result. A
// profile whose home community is missing from the communities table
// resolves to ErrStaleSession so the session can be torn down.
func (s *Service) ResolveForUser(ctx context.Context, userID string) (Resolution, error) {
	var home *string
	var nearby []string
	err := s.db.QueryRow(ctx,
		`SELECT home_h3_index, nearby_h3_indexes FROM profiles WHERE user_id = $1`, userID).
		Scan(&home, &nearby)
	if errors.Is(err, pgx.ErrNoRows) {
		return Resolution{}, ErrStaleSession
	}
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load profile location: %w", err)
	}

	if home == nil {
		return Resolution{Neighbors: []Community{}}, nil
	}

	indices := append([]string{*home}, nearby...)
	rows, err := s.db.Query(ctx,
		`SELECT h3_index, name, center_lat, center_lng, created_at
		 FROM communities WHERE h3_index = ANY($1) ORDER BY h3_index`, indices)
	if err != nil {
		return Resolution{}, fmt.Errorf("failed to load communities: %w", err)
	}
	defer rows.Close()

	resolution := Resolution{Neighbors: []Community{}}
	for rows.Next() {
		var c Community
		if err := rows.Scan(&c.Index, &c.Name, &c.CenterLat, &c.CenterLng, &c.CreatedAt); err != nil {
			return Resolution{}, fmt.Errorf("failed to scan community: %w", err)
		}
		if c.Index == *home {
			primary := c
			resolution.Primary = &primary
		} else {
			resolution.Neighbors = append(resolution.Neighbors, c)
		}
	}
	if err := rows.Err(); err != nil {
		return Resolution{}, fmt.Errorf("failed to read communities: %w", err)
	}

	if resolution.Primary == nil {
		s.logger.Warnw("profile references a missing home community",
			"user_id", userID, "h3_index", *home)
		return Resolution{}, ErrStaleSession
	}
	return resolution, nil
}

// Indices returns the raw cell indices a user's feed spans, home
// first. Used by the post feed without loading full community rows.
func (s *Service) Indices(ctx context.Context, userID string) ([]string, error) {
	resolution, err := s.ResolveForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if resolution.Primary == nil {
		return []string{}, nil
	}
	indices := make([]string, 0, 1+len(resolution.Neighbors))
	indices = append(indices, resolution.Primary.Index)
	for _, n := range resolution.Neighbors {
		indices = append(indices, n.Index)
	}
	return indices, nil
}

func (s *Service) cacheCommunity(c Community) {
	if err := s.cache.SetCommunity(context.Background(), c.Index, c); err != nil {
		s.logger.Warnw("failed to cache community", "h3_index", c.Index, "error", err)
	}
}

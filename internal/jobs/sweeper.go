package jobs

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DelegationExpirer marks overdue pairing codes as expired.
type DelegationExpirer interface {
	ExpirePending(ctx context.Context) (int64, error)
}

// OfferExpirer closes offers that sat unanswered for too long.
type OfferExpirer interface {
	ExpireStale(ctx context.Context, maxAgeDays int) (int64, error)
}

// Sweeper periodically expires pending delegations and stale offers.
type Sweeper struct {
	delegations DelegationExpirer
	offers      OfferExpirer
	logger      *zap.SugaredLogger
	config      SweeperConfig

	mu        sync.Mutex
	cancelCtx context.CancelFunc
}

type SweeperConfig struct {
	Interval    time.Duration // How often to run a sweep
	OfferMaxAge int           // Days before a pending offer expires
}

func NewSweeper(delegations DelegationExpirer, offers OfferExpirer, logger *zap.SugaredLogger, config SweeperConfig) *Sweeper {
	return &Sweeper{
		delegations: delegations,
		offers:      offers,
		logger:      logger,
		config:      config,
	}
}

func (s *Sweeper) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	s.logger.Infow("Starting expiry sweeper",
		"interval", s.config.Interval,
		"offer_max_age_days", s.config.OfferMaxAge,
	)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	// Sweep once at startup, then on every tick
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Infow("Expiry sweeper stopping due to context cancellation")
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancelCtx != nil {
		s.cancelCtx()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	if n, err := s.delegations.ExpirePending(ctx); err != nil {
		s.logger.Warnw("Failed to expire pending delegations", "error", err)
	} else if n > 0 {
		s.logger.Infow("Expired pending delegations", "count", n)
	}

	if n, err := s.offers.ExpireStale(ctx, s.config.OfferMaxAge); err != nil {
		s.logger.Warnw("Failed to expire stale offers", "error", err)
	} else if n > 0 {
		s.logger.Infow("Expired stale offers", "count", n)
	}
}

// DefaultSweeperConfig returns a reasonable default configuration
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:    time.Minute,
		OfferMaxAge: 14,
	}
}

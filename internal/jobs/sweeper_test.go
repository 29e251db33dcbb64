package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

type fakeDelegations struct {
	calls atomic.Int64
	err   error
}

func (f *fakeDelegations) ExpirePending(context.Context) (int64, error) {
	f.calls.Add(1)
	return 2, f.err
}

type fakeOffers struct {
	calls   atomic.Int64
	lastAge atomic.Int64
}

func (f *fakeOffers) ExpireStale(_ context.Context, maxAgeDays int) (int64, error) {
	f.calls.Add(1)
	f.lastAge.Store(int64(maxAgeDays))
	return 1, nil
}

func TestSweeperRunsBothExpirers(t *testing.T) {
	delegations := &fakeDelegations{}
	offers := &fakeOffers{}
	sweeper := NewSweeper(delegations, offers, zap.NewNop().Sugar(), SweeperConfig{
		Interval:    10 * time.Millisecond,
		OfferMaxAge: 14,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	if err := sweeper.Start(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("start returned %v, want deadline exceeded", err)
	}

	if delegations.calls.Load() < 2 {
		t.Errorf("delegation expirer ran %d times, want at least 2", delegations.calls.Load())
	}
	if offers.calls.Load() < 2 {
		t.Errorf("offer expirer ran %d times, want at least 2", offers.calls.Load())
	}
	if got := offers.lastAge.Load(); got != 14 {
		t.Errorf("offer max age = %d, want 14", got)
	}
}

func TestSweeperKeepsGoingAfterErrors(t *testing.T) {
	delegations := &fakeDelegations{err: errors.New("db down")}
	offers := &fakeOffers{}
	sweeper := NewSweeper(delegations, offers, zap.NewNop().Sugar(), SweeperConfig{
		Interval:    10 * time.Millisecond,
		OfferMaxAge: 7,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_ = sweeper.Start(ctx)

	// A failing delegation sweep must not stop the offer sweep.
	if offers.calls.Load() == 0 {
		t.Error("offer expirer never ran")
	}
}

func TestSweeperStop(t *testing.T) {
	sweeper := NewSweeper(&fakeDelegations{}, &fakeOffers{}, zap.NewNop().Sugar(), DefaultSweeperConfig())

	done := make(chan error, 1)
	go func() {
		done <- sweeper.Start(context.Background())
	}()

	time.Sleep(20 * time.Millisecond)
	sweeper.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("start returned %v, want context canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}

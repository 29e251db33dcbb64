package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func TestInMemoryFallback(t *testing.T) {
	// An unreachable Redis address drops the cache into in-memory mode
	logger, _ := zap.NewDevelopment()
	sugar := logger.Sugar()

	cache, err := NewCache("invalid:6379", sugar, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if !cache.IsInMemoryMode() {
		t.Fatal("Expected cache to be in in-memory mode")
	}

	ctx := context.Background()

	if err := cache.SetBalance(ctx, "user-1", 420); err != nil {
		t.Fatalf("Failed to set balance: %v", err)
	}

	var balance int64
	if err := cache.GetBalance(ctx, "user-1", &balance); err != nil {
		t.Fatalf("Failed to get balance: %v", err)
	}
	if balance != 420 {
		t.Errorf("Expected balance 420, got %d", balance)
	}

	if err := cache.DeleteBalance(ctx, "user-1"); err != nil {
		t.Fatalf("Failed to delete balance: %v", err)
	}
	if err := cache.GetBalance(ctx, "user-1", &balance); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss after delete, got %v", err)
	}

	if err := cache.Ping(ctx); err != nil {
		t.Fatalf("In-memory cache should report healthy: %v", err)
	}
}

func TestInMemoryPubSub(t *testing.T) {
	logger, _ := zap.NewDevelopment()
	sugar := logger.Sugar()

	cache, err := NewCache("invalid:6379", sugar, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	ctx := context.Background()
	channel := PointsChannel("user-1")
	message := map[string]string{
		"event": "ledger_append",
		"data":  "test data",
	}

	localPubsub := cache.SubscribeInMemory(ctx, channel)
	if localPubsub == nil {
		t.Fatal("Expected in-memory pubsub to be available")
	}
	defer localPubsub.Close()

	if err := cache.Publish(ctx, channel, message); err != nil {
		t.Fatalf("Failed to publish message: %v", err)
	}

	select {
	case msg := <-localPubsub.Channel():
		if msg == nil {
			t.Fatal("Received nil message")
		}
		if msg.Channel != channel {
			t.Errorf("Expected channel %s, got %s", channel, msg.Channel)
		}

		var received map[string]string
		if err := json.Unmarshal([]byte(msg.Payload), &received); err != nil {
			t.Fatalf("Failed to unmarshal message: %v", err)
		}
		if received["event"] != message["event"] {
			t.Errorf("Expected event %s, got %s", message["event"], received["event"])
		}

	case <-time.After(1 * time.Second):
		t.Fatal("Timeout waiting for pubsub message")
	}
}

func TestRedisMode(t *testing.T) {
	mr := miniredis.RunT(t)

	logger, _ := zap.NewDevelopment()
	sugar := logger.Sugar()

	cache, err := NewCache(mr.Addr(), sugar, nil)
	if err != nil {
		t.Fatalf("Failed to create cache: %v", err)
	}
	defer cache.Close()

	if cache.IsInMemoryMode() {
		t.Fatal("Expected cache to run against Redis")
	}

	ctx := context.Background()

	type communityView struct {
		Index string `json:"index"`
		Name  string `json:"name"`
	}

	want := communityView{Index: "8928308280fffff", Name: "Mission District"}
	if err := cache.SetCommunity(ctx, want.Index, want); err != nil {
		t.Fatalf("Failed to set community: %v", err)
	}

	var got communityView
	if err := cache.GetCommunity(ctx, want.Index, &got); err != nil {
		t.Fatalf("Failed to get community: %v", err)
	}
	if got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}

	var missing communityView
	if err := cache.GetCommunity(ctx, "8928308280bffff", &missing); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss, got %v", err)
	}

	// TTLs reach Redis
	mr.FastForward(11 * time.Minute)
	if err := cache.GetCommunity(ctx, want.Index, &got); !errors.Is(err, ErrCacheMiss) {
		t.Fatalf("Expected ErrCacheMiss after TTL, got %v", err)
	}
}

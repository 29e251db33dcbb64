package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/hively/hively-backend/internal/metrics"
	"github.com/hively/hively-backend/pkg/kv"
	memkv "github.com/hively/hively-backend/pkg/kv/memory"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Cache struct {
	// When Redis is available, use client for all operations
	client *redis.Client
	// When Redis is unavailable, fall back to an in-memory kv.Store
	kvStore kv.Store
	// In-memory pubsub hub for when Redis is unavailable
	pubsubHub *PubSubHub

	logger  *zap.SugaredLogger
	metrics *metrics.Metrics
}

func NewCache(addr string, logger *zap.SugaredLogger, metrics *metrics.Metrics) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     "",
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		// Redis unavailable: fall back to in-memory cache
		if logger != nil {
			logger.Warnw("Redis unavailable; using in-memory cache with local pubsub", "error", err)
		}
		return &Cache{
			client:    nil,
			kvStore:   memkv.NewStore(),
			pubsubHub: NewPubSubHub(),
			logger:    logger,
			metrics:   metrics,
		}, nil
	}

	return &Cache{
		client:  client,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Cache key prefixes
const (
	KeyBalance    = "hively:points:balance"
	KeyFeeConfig  = "hively:points:feeconfig"
	KeyCategories = "hively:categories"
	KeyCommunity  = "hively:community"
)

// PubSub channels
const (
	ChannelFeedback = "hively:feedback"

	// ChannelPattern matches every channel this service publishes on.
	ChannelPattern = "hively:*"

	channelPointsPrefix      = "hively:points:"
	channelPostsPrefix       = "hively:posts:"
	channelDelegationsPrefix = "hively:delegations:"
)

// PointsChannel is the per-user channel ledger appends are published on.
func PointsChannel(userID string) string {
	return channelPointsPrefix + userID
}

// PostsChannel is the per-community channel new posts are published on.
func PostsChannel(communityIndex string) string {
	return channelPostsPrefix + communityIndex
}

// DelegationsChannel is the per-delegator channel for pairing updates.
func DelegationsChannel(userID string) string {
	return channelDelegationsPrefix + userID
}

// IsPostsChannel reports whether channel carries new-post events.
func IsPostsChannel(channel string) bool {
	return strings.HasPrefix(channel, channelPostsPrefix)
}

func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	// Redis mode
	if c.client != nil {
		val, err := c.client.Get(ctx, key).Result()
		if err != nil {
			if err == redis.Nil {
				if c.metrics != nil {
					c.metrics.RecordCacheMiss(ctx, key)
				}
				return ErrCacheMiss
			}
			if c.logger != nil {
				c.logger.Errorw("Cache get error", "key", key, "error", err)
			}
			return fmt.Errorf("cache get error: %w", err)
		}
		if c.metrics != nil {
			c.metrics.RecordCacheHit(ctx, key)
		}
		if err := json.Unmarshal([]byte(val), dest); err != nil {
			return fmt.Errorf("cache unmarshal error: %w", err)
		}
		return nil
	}

	// In-memory mode via kv.Store
	data, err := c.kvStore.Get(ctx, key)
	if err != nil {
		if err == kv.ErrNotFound {
			if c.metrics != nil {
				c.metrics.RecordCacheMiss(ctx, key)
			}
			return ErrCacheMiss
		}
		return fmt.Errorf("cache get error: %w", err)
	}
	if c.metrics != nil {
		c.metrics.RecordCacheHit(ctx, key)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("cache unmarshal error: %w", err)
	}
	return nil
}

func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("cache marshal error: %w", err)
	}
	if c.client != nil {
		if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache set error", "key", key, "error", err)
			}
			return fmt.Errorf("cache set error: %w", err)
		}
		return nil
	}
	if err := c.kvStore.Set(ctx, key, data, ttl); err != nil {
		return fmt.Errorf("cache set error: %w", err)
	}
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	if c.client != nil {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Cache delete error", "keys", keys, "error", err)
			}
			return fmt.Errorf("cache delete error: %w", err)
		}
		return nil
	}
	if _, err := c.kvStore.Del(ctx, keys...); err != nil {
		return fmt.Errorf("cache delete error: %w", err)
	}
	return nil
}

func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	if c.client != nil {
		count, err := c.client.Exists(ctx, key).Result()
		if err != nil {
			return false, fmt.Errorf("cache exists error: %w", err)
		}
		return count > 0, nil
	}
	count, err := c.kvStore.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("cache exists error: %w", err)
	}
	return count > 0, nil
}

// Specialized cache methods

func (c *Cache) GetBalance(ctx context.Context, userID string, dest *int64) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyBalance, userID), dest)
}

func (c *Cache) SetBalance(ctx context.Context, userID string, balance int64) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyBalance, userID), balance, 5*time.Second)
}

func (c *Cache) DeleteBalance(ctx context.Context, userID string) error {
	return c.Delete(ctx, fmt.Sprintf("%s:%s", KeyBalance, userID))
}

func (c *Cache) GetFeeConfig(ctx context.Context, dest interface{}) error {
	return c.Get(ctx, KeyFeeConfig, dest)
}

func (c *Cache) SetFeeConfig(ctx context.Context, value interface{}) error {
	return c.Set(ctx, KeyFeeConfig, value, time.Minute)
}

func (c *Cache) GetCategories(ctx context.Context, scope string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyCategories, scope), dest)
}

func (c *Cache) SetCategories(ctx context.Context, scope string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyCategories, scope), value, 5*time.Minute)
}

func (c *Cache) DeleteCategories(ctx context.Context, scopes ...string) error {
	keys := make([]string, 0, len(scopes))
	for _, scope := range scopes {
		keys = append(keys, fmt.Sprintf("%s:%s", KeyCategories, scope))
	}
	return c.Delete(ctx, keys...)
}

func (c *Cache) GetCommunity(ctx context.Context, index string, dest interface{}) error {
	return c.Get(ctx, fmt.Sprintf("%s:%s", KeyCommunity, index), dest)
}

func (c *Cache) SetCommunity(ctx context.Context, index string, value interface{}) error {
	return c.Set(ctx, fmt.Sprintf("%s:%s", KeyCommunity, index), value, 10*time.Minute)
}

// Pub/Sub methods for real-time updates

func (c *Cache) Publish(ctx context.Context, channel string, message interface{}) error {
	data, err := json.Marshal(message)
	if err != nil {
		return fmt.Errorf("pubsub marshal error: %w", err)
	}

	if c.client != nil {
		// Redis mode
		if err := c.client.Publish(ctx, channel, data).Err(); err != nil {
			if c.logger != nil {
				c.logger.Errorw("Publish error", "channel", channel, "error", err)
			}
			return fmt.Errorf("pubsub publish error: %w", err)
		}
		return nil
	}

	// In-memory mode
	if c.pubsubHub != nil {
		c.pubsubHub.Publish(channel, string(data))
		if c.logger != nil {
			c.logger.Debugw("Published to in-memory pubsub", "channel", channel)
		}
	}
	return nil
}

func (c *Cache) Subscribe(ctx context.Context, channels ...string) *redis.PubSub {
	if c.client != nil {
		// Redis mode
		return c.client.Subscribe(ctx, channels...)
	}

	// In-memory mode - callers fall back to SubscribeInMemory
	if c.logger != nil {
		c.logger.Debugw("Redis unavailable; in-memory pubsub active", "channels", channels)
	}
	return nil
}

// SubscribePattern subscribes to channel patterns (PSUBSCRIBE).
func (c *Cache) SubscribePattern(ctx context.Context, patterns ...string) *redis.PubSub {
	if c.client != nil {
		return c.client.PSubscribe(ctx, patterns...)
	}

	if c.logger != nil {
		c.logger.Debugw("Redis unavailable; in-memory pubsub active", "patterns", patterns)
	}
	return nil
}

// SubscribeInMemory subscribes to channels on the in-process pubsub hub.
func (c *Cache) SubscribeInMemory(ctx context.Context, channels ...string) *LocalPubSub {
	if c.pubsubHub != nil {
		return c.pubsubHub.Subscribe(ctx, channels...)
	}
	return nil
}

// SubscribeInMemoryPattern subscribes to channel patterns on the
// in-process pubsub hub.
func (c *Cache) SubscribeInMemoryPattern(ctx context.Context, patterns ...string) *LocalPubSub {
	if c.pubsubHub != nil {
		return c.pubsubHub.SubscribePattern(ctx, patterns...)
	}
	return nil
}

// IsInMemoryMode returns true if the cache is running without Redis.
func (c *Cache) IsInMemoryMode() bool {
	return c.client == nil
}

// Health check
func (c *Cache) Ping(ctx context.Context) error {
	if c.client != nil {
		return c.client.Ping(ctx).Err()
	}
	// In-memory mode considered healthy
	return nil
}

// Close connection
func (c *Cache) Close() error {
	var err error
	if c.client != nil {
		err = c.client.Close()
	}
	if c.kvStore != nil {
		if closeErr := c.kvStore.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// Error types
var (
	ErrCacheMiss = fmt.Errorf("cache miss")
)

// Package cache provides Redis-backed caching for the latest tick and
// market snapshot, with graceful degradation when Redis is unavailable.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"confluence-trading-bot/internal/coinbase"
	"confluence-trading-bot/internal/logging"
)

// Key layouts. One product per deployment, keyed by product id.
const (
	keyLastTick = "market:%s:last_tick"
	keySnapshot = "market:%s:snapshot"
)

// TTLs. Ticks go stale fast; snapshots are refreshed by the scheduler.
const (
	tickTTL     = 30 * time.Second
	snapshotTTL = 2 * time.Minute
)

// Config holds Redis connection settings
type Config struct {
	Enabled  bool
	Address  string
	Password string
	DB       int
	PoolSize int
}

// MarketCache caches market data in Redis. All reads report a miss instead
// of an error when Redis is down; callers fall back to the REST API.
type MarketCache struct {
	client *redis.Client
	config Config

	mu           sync.RWMutex
	healthy      bool
	failureCount int
	lastCheck    time.Time

	maxFailures   int
	checkInterval time.Duration

	log *logging.Logger
}

// NewMarketCache connects to Redis. A failed initial connection returns a
// degraded cache, not an error; with Redis disabled every read is a miss.
func NewMarketCache(cfg Config) (*MarketCache, error) {
	if !cfg.Enabled {
		mc := &MarketCache{
			config: cfg,
			log:    logging.WithComponent("cache"),
		}
		mc.log.Info("Redis disabled, market cache inactive")
		return mc, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	mc := &MarketCache{
		client:        client,
		config:        cfg,
		maxFailures:   3,
		checkInterval: 30 * time.Second,
		log:           logging.WithComponent("cache"),
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		mc.log.Warn("initial Redis connection failed, running degraded", "error", err)
		return mc, nil
	}

	mc.healthy = true
	mc.lastCheck = time.Now()
	mc.log.Info("Redis connected", "address", cfg.Address)
	return mc, nil
}

// IsHealthy returns whether Redis is currently usable
func (mc *MarketCache) IsHealthy() bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	return mc.healthy
}

func (mc *MarketCache) recordFailure() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	mc.failureCount++
	if mc.failureCount >= mc.maxFailures {
		if mc.healthy {
			mc.log.Warn("Redis marked unhealthy", "failures", mc.failureCount)
		}
		mc.healthy = false
	}
}

func (mc *MarketCache) recordSuccess() {
	mc.mu.Lock()
	defer mc.mu.Unlock()

	if !mc.healthy {
		mc.log.Info("Redis recovered")
	}
	mc.healthy = true
	mc.failureCount = 0
	mc.lastCheck = time.Now()
}

func (mc *MarketCache) checkHealth() {
	if mc.client == nil {
		return
	}
	mc.mu.RLock()
	shouldCheck := !mc.healthy && time.Since(mc.lastCheck) >= mc.checkInterval
	mc.mu.RUnlock()

	if !shouldCheck {
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := mc.client.Ping(ctx).Err(); err == nil {
			mc.recordSuccess()
		} else {
			mc.mu.Lock()
			mc.lastCheck = time.Now()
			mc.mu.Unlock()
		}
	}()
}

// SetLastTick caches the most recent ticker
func (mc *MarketCache) SetLastTick(ctx context.Context, tick coinbase.Ticker) {
	mc.setJSON(ctx, fmt.Sprintf(keyLastTick, tick.ProductID), tick, tickTTL)
}

// LastTick returns the cached ticker, or nil on miss or degraded Redis
func (mc *MarketCache) LastTick(ctx context.Context, productID string) *coinbase.Ticker {
	var tick coinbase.Ticker
	if !mc.getJSON(ctx, fmt.Sprintf(keyLastTick, productID), &tick) {
		return nil
	}
	return &tick
}

// SetSnapshot caches a market snapshot
func (mc *MarketCache) SetSnapshot(ctx context.Context, snapshot *coinbase.MarketSnapshot) {
	mc.setJSON(ctx, fmt.Sprintf(keySnapshot, snapshot.ProductID), snapshot, snapshotTTL)
}

// Snapshot returns the cached market snapshot, or nil on miss
func (mc *MarketCache) Snapshot(ctx context.Context, productID string) *coinbase.MarketSnapshot {
	var snapshot coinbase.MarketSnapshot
	if !mc.getJSON(ctx, fmt.Sprintf(keySnapshot, productID), &snapshot) {
		return nil
	}
	return &snapshot
}

func (mc *MarketCache) setJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return
	}

	encoded, err := json.Marshal(value)
	if err != nil {
		mc.log.Error("cache encode failed", "key", key, "error", err)
		return
	}
	if err := mc.client.Set(ctx, key, encoded, ttl).Err(); err != nil {
		mc.recordFailure()
		return
	}
	mc.recordSuccess()
}

func (mc *MarketCache) getJSON(ctx context.Context, key string, out interface{}) bool {
	mc.checkHealth()
	if !mc.IsHealthy() {
		return false
	}

	raw, err := mc.client.Get(ctx, key).Result()
	if err != nil {
		if err != redis.Nil {
			mc.recordFailure()
		}
		return false
	}
	mc.recordSuccess()

	if err := json.Unmarshal([]byte(raw), out); err != nil {
		mc.log.Error("cache decode failed", "key", key, "error", err)
		return false
	}
	return true
}

// Close releases the Redis connection
func (mc *MarketCache) Close() error {
	if mc.client != nil {
		return mc.client.Close()
	}
	return nil
}

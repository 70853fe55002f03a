package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"energycast/pkg/models"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// ForecastCache は予測結果のメモ化を抽象化します。
type ForecastCache interface {
	Get(ctx context.Context, key string) (*models.Forecast, bool)
	Set(ctx context.Context, key string, fc *models.Forecast)
	// InvalidatePrefix は指定したプレフィックスで始まるキーをすべて削除します。
	InvalidatePrefix(ctx context.Context, prefix string) int
	Flush(ctx context.Context)
}

// ForecastCacheKey は予測のメモ化キーを組み立てます。
func ForecastCacheKey(datasetID, region string, horizon int, unit, seriesFingerprint string) string {
	return fmt.Sprintf("%s:%s:%d:%s:%s", datasetID, region, horizon, unit, seriesFingerprint)
}

// MemoryForecastCache はプロセス内のマップによるキャッシュです。
type MemoryForecastCache struct {
	mu      sync.RWMutex
	entries map[string]*models.Forecast
}

// NewMemoryForecastCache は新しいMemoryForecastCacheを生成します。
func NewMemoryForecastCache() *MemoryForecastCache {
	return &MemoryForecastCache{entries: make(map[string]*models.Forecast)}
}

func (c *MemoryForecastCache) Get(_ context.Context, key string) (*models.Forecast, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	fc, ok := c.entries[key]
	return fc, ok
}

func (c *MemoryForecastCache) Set(_ context.Context, key string, fc *models.Forecast) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = fc
}

func (c *MemoryForecastCache) InvalidatePrefix(_ context.Context, prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

func (c *MemoryForecastCache) Flush(_ context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*models.Forecast)
}

// Len はキャッシュ件数を返します。
func (c *MemoryForecastCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// RedisForecastCache は予測結果をJSONとしてRedisに保存します。
// 保存するのは予測結果のみで、推定済みモデルは保持しません。
type RedisForecastCache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *logrus.Logger
}

// NewRedisForecastCache は新しいRedisForecastCacheを生成します。
func NewRedisForecastCache(client *redis.Client, ttl time.Duration, logger *logrus.Logger) *RedisForecastCache {
	return &RedisForecastCache{
		client: client,
		ttl:    ttl,
		prefix: "energycast:forecast:",
		logger: logger,
	}
}

// NewRedisClient は REDIS_URL 形式の接続文字列からクライアントを生成し、疎通確認を行います。
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (c *RedisForecastCache) Get(ctx context.Context, key string) (*models.Forecast, bool) {
	data, err := c.client.Get(ctx, c.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("redis get failed")
		return nil, false
	}
	var fc models.Forecast
	if err := json.Unmarshal(data, &fc); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("cached forecast is not valid JSON")
		return nil, false
	}
	return &fc, true
}

func (c *RedisForecastCache) Set(ctx context.Context, key string, fc *models.Forecast) {
	data, err := json.Marshal(fc)
	if err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("failed to encode forecast")
		return
	}
	if err := c.client.Set(ctx, c.prefix+key, data, c.ttl).Err(); err != nil {
		c.logger.WithError(err).WithField("key", key).Warn("redis set failed")
	}
}

func (c *RedisForecastCache) InvalidatePrefix(ctx context.Context, prefix string) int {
	var (
		cursor uint64
		total  int
	)
	for {
		keys, next, err := c.client.Scan(ctx, cursor, c.prefix+prefix+"*", 100).Result()
		if err != nil {
			c.logger.WithError(err).Warn("redis scan failed")
			return total
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				c.logger.WithError(err).Warn("redis delete failed")
				return total
			}
			total += len(keys)
		}
		cursor = next
		if cursor == 0 {
			return total
		}
	}
}

func (c *RedisForecastCache) Flush(ctx context.Context) {
	c.InvalidatePrefix(ctx, "")
}

// TieredForecastCache はメモリを一次キャッシュ、Redisを二次キャッシュとして使います。
type TieredForecastCache struct {
	primary   ForecastCache
	secondary ForecastCache
}

// NewTieredForecastCache は新しいTieredForecastCacheを生成します。
func NewTieredForecastCache(primary, secondary ForecastCache) *TieredForecastCache {
	return &TieredForecastCache{primary: primary, secondary: secondary}
}

func (c *TieredForecastCache) Get(ctx context.Context, key string) (*models.Forecast, bool) {
	if fc, ok := c.primary.Get(ctx, key); ok {
		return fc, true
	}
	fc, ok := c.secondary.Get(ctx, key)
	if ok {
		c.primary.Set(ctx, key, fc)
	}
	return fc, ok
}

func (c *TieredForecastCache) Set(ctx context.Context, key string, fc *models.Forecast) {
	c.primary.Set(ctx, key, fc)
	c.secondary.Set(ctx, key, fc)
}

func (c *TieredForecastCache) InvalidatePrefix(ctx context.Context, prefix string) int {
	n := c.primary.InvalidatePrefix(ctx, prefix)
	if m := c.secondary.InvalidatePrefix(ctx, prefix); m > n {
		n = m
	}
	return n
}

func (c *TieredForecastCache) Flush(ctx context.Context) {
	c.primary.Flush(ctx)
	c.secondary.Flush(ctx)
}

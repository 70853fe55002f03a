package services

import (
	"context"
	"testing"
	"time"

	"energycast/pkg/logging"
	"energycast/pkg/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleForecast(region string) *models.Forecast {
	return &models.Forecast{
		Region:   region,
		Interval: models.Daily,
		Order:    DailyModel.Order.String(),
		Points: []models.ForecastPoint{
			{Timestamp: day(15), Value: 1000},
			{Timestamp: day(16), Value: 1010.5},
		},
		Warnings: []string{"numeric fit warning: ar[0] near bound"},
	}
}

func newTestRedisCache(t *testing.T, ttl time.Duration) (*RedisForecastCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisForecastCache(client, ttl, logging.Discard()), mr
}

func TestForecastCacheKey(t *testing.T) {
	assert.Equal(t, "abc:cal:7:days:fp", ForecastCacheKey("abc", "cal", 7, "days", "fp"))
}

func TestMemoryForecastCache(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryForecastCache()

	_, ok := c.Get(ctx, "a:cal:7:days:x")
	assert.False(t, ok)

	c.Set(ctx, "a:cal:7:days:x", sampleForecast("cal"))
	c.Set(ctx, "a:tex:7:days:y", sampleForecast("tex"))
	c.Set(ctx, "b:cal:7:days:z", sampleForecast("cal"))

	fc, ok := c.Get(ctx, "a:cal:7:days:x")
	require.True(t, ok)
	assert.Equal(t, "cal", fc.Region)

	assert.Equal(t, 2, c.InvalidatePrefix(ctx, "a:"))
	assert.Equal(t, 1, c.Len())

	c.Flush(ctx)
	assert.Equal(t, 0, c.Len())
}

func TestRedisForecastCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Hour)

	_, ok := c.Get(ctx, "a:cal:7:days:x")
	assert.False(t, ok)

	want := sampleForecast("cal")
	c.Set(ctx, "a:cal:7:days:x", want)
	assert.True(t, mr.Exists("energycast:forecast:a:cal:7:days:x"))

	got, ok := c.Get(ctx, "a:cal:7:days:x")
	require.True(t, ok)
	assert.Equal(t, want.Region, got.Region)
	assert.Equal(t, want.Order, got.Order)
	assert.Equal(t, want.Values(), got.Values())
	assert.True(t, want.Points[0].Timestamp.Equal(got.Points[0].Timestamp))
	assert.Equal(t, want.Warnings, got.Warnings)
}

func TestRedisForecastCacheExpires(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Minute)

	c.Set(ctx, "k", sampleForecast("cal"))
	mr.FastForward(2 * time.Minute)

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestRedisForecastCacheIgnoresCorruptEntries(t *testing.T) {
	c, mr := newTestRedisCache(t, time.Hour)
	require.NoError(t, mr.Set("energycast:forecast:bad", "{not json"))

	_, ok := c.Get(context.Background(), "bad")
	assert.False(t, ok)
}

func TestRedisForecastCacheInvalidatePrefix(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestRedisCache(t, time.Hour)
	require.NoError(t, mr.Set("other:key", "keep"))

	for _, k := range []string{"a:cal:1:days:x", "a:tex:1:days:y", "b:cal:1:days:z"} {
		c.Set(ctx, k, sampleForecast("cal"))
	}

	assert.Equal(t, 2, c.InvalidatePrefix(ctx, "a:"))
	_, ok := c.Get(ctx, "b:cal:1:days:z")
	assert.True(t, ok)

	c.Flush(ctx)
	_, ok = c.Get(ctx, "b:cal:1:days:z")
	assert.False(t, ok)
	assert.True(t, mr.Exists("other:key"))
}

func TestTieredForecastCachePromotesSecondaryHits(t *testing.T) {
	ctx := context.Background()
	primary := NewMemoryForecastCache()
	secondary, _ := newTestRedisCache(t, time.Hour)
	c := NewTieredForecastCache(primary, secondary)

	secondary.Set(ctx, "a:cal:7:days:x", sampleForecast("cal"))
	assert.Equal(t, 0, primary.Len())

	fc, ok := c.Get(ctx, "a:cal:7:days:x")
	require.True(t, ok)
	assert.Equal(t, "cal", fc.Region)
	assert.Equal(t, 1, primary.Len())

	c.Set(ctx, "a:tex:7:days:y", sampleForecast("tex"))
	_, ok = secondary.Get(ctx, "a:tex:7:days:y")
	assert.True(t, ok)

	assert.Equal(t, 2, c.InvalidatePrefix(ctx, "a:"))
	assert.Equal(t, 0, primary.Len())

	c.Set(ctx, "b:cal:7:days:z", sampleForecast("cal"))
	c.Flush(ctx)
	_, ok = c.Get(ctx, "b:cal:7:days:z")
	assert.False(t, ok)
}

func TestNewRedisClient(t *testing.T) {
	mr := miniredis.RunT(t)
	client, err := NewRedisClient(context.Background(), "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer client.Close()

	_, err = NewRedisClient(context.Background(), "://bad")
	assert.Error(t, err)
}

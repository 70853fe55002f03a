package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadConfig(t *testing.T) {
	// テスト用の環境変数を設定
	testCases := map[string]string{
		"PORT":                     "9090",
		"ENVIRONMENT":              "production",
		"LOG_LEVEL":                "debug",
		"API_KEY":                  "secret",
		"ENERGYCAST_DATASET_PATH":  "/data/region_demand.csv",
		"FORECAST_DEFAULT_HORIZON": "14",
		"FORECAST_MAX_HORIZON":     "90",
		"FORECAST_WORKERS":         "8",
		"FORECAST_FIT_TIMEOUT":     "5s",
		"MAX_UPLOAD_MB":            "64",
		"REDIS_URL":                "redis://localhost:6379/0",
		"CACHE_TTL":                "30m",
	}
	for key, value := range testCases {
		t.Setenv(key, value)
	}

	cfg := LoadConfig()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "production", cfg.Environment)
	assert.False(t, cfg.IsDevelopment())
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "secret", cfg.APIKey)
	assert.Equal(t, "/data/region_demand.csv", cfg.DatasetPath)
	assert.Equal(t, 14, cfg.DefaultHorizon)
	assert.Equal(t, 90, cfg.MaxHorizon)
	assert.Equal(t, 8, cfg.Workers)
	assert.Equal(t, 5*time.Second, cfg.FitTimeout)
	assert.Equal(t, int64(64<<20), cfg.MaxUploadBytes())
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, 30*time.Minute, cfg.CacheTTL)
}

func TestLoadConfigDefaults(t *testing.T) {
	// 空文字は未設定として扱われる
	for key := range defaults {
		t.Setenv(key, "")
	}

	cfg := LoadConfig()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "development", cfg.Environment)
	assert.True(t, cfg.IsDevelopment())
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.APIKey)
	assert.Equal(t, 30, cfg.DefaultHorizon)
	assert.Equal(t, 60, cfg.MaxHorizon)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 20*time.Second, cfg.FitTimeout)
	assert.Equal(t, int64(32), cfg.MaxUploadMB)
	assert.Empty(t, cfg.RedisURL)
	assert.Equal(t, 12*time.Hour, cfg.CacheTTL)
}

func TestLoadConfigRejectsNonPositiveNumbers(t *testing.T) {
	t.Setenv("FORECAST_WORKERS", "0")
	t.Setenv("FORECAST_MAX_HORIZON", "abc")
	t.Setenv("FORECAST_FIT_TIMEOUT", "-1s")

	cfg := LoadConfig()
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, 60, cfg.MaxHorizon)
	assert.Equal(t, 20*time.Second, cfg.FitTimeout)
}

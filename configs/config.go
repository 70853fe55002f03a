package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration
type Config struct {
	Port        string
	Environment string
	LogLevel    string

	APIKey        string
	AdminUsername string
	AdminPassword string

	DatasetPath    string
	DefaultHorizon int
	MaxHorizon     int
	Workers        int
	FitTimeout     time.Duration
	MaxUploadMB    int64
	RedisURL       string
	CacheTTL       time.Duration
}

// defaults は環境変数が未設定の場合に使う値です。
var defaults = map[string]interface{}{
	"PORT":                     "8080",
	"ENVIRONMENT":              "development",
	"LOG_LEVEL":                "info",
	"API_KEY":                  "",
	"ADMIN_USERNAME":           "",
	"ADMIN_PASSWORD":           "",
	"ENERGYCAST_DATASET_PATH":  "",
	"FORECAST_DEFAULT_HORIZON": 30,
	"FORECAST_MAX_HORIZON":     60,
	"FORECAST_WORKERS":         4,
	"FORECAST_FIT_TIMEOUT":     20 * time.Second,
	"MAX_UPLOAD_MB":            32,
	"REDIS_URL":                "",
	"CACHE_TTL":                12 * time.Hour,
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *Config {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	return &Config{
		Port:           v.GetString("PORT"),
		Environment:    v.GetString("ENVIRONMENT"),
		LogLevel:       v.GetString("LOG_LEVEL"),
		APIKey:         v.GetString("API_KEY"),
		AdminUsername:  v.GetString("ADMIN_USERNAME"),
		AdminPassword:  v.GetString("ADMIN_PASSWORD"),
		DatasetPath:    v.GetString("ENERGYCAST_DATASET_PATH"),
		DefaultHorizon: positiveInt(v, "FORECAST_DEFAULT_HORIZON"),
		MaxHorizon:     positiveInt(v, "FORECAST_MAX_HORIZON"),
		Workers:        positiveInt(v, "FORECAST_WORKERS"),
		FitTimeout:     positiveDuration(v, "FORECAST_FIT_TIMEOUT"),
		MaxUploadMB:    int64(positiveInt(v, "MAX_UPLOAD_MB")),
		RedisURL:       v.GetString("REDIS_URL"),
		CacheTTL:       positiveDuration(v, "CACHE_TTL"),
	}
}

// IsDevelopment は開発環境かどうかを返します。
func (c *Config) IsDevelopment() bool {
	return strings.EqualFold(c.Environment, "development")
}

// MaxUploadBytes はアップロードの上限をバイト数で返します。
func (c *Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// positiveInt は0以下や解釈できない値を既定値に戻します。
func positiveInt(v *viper.Viper, key string) int {
	if n := v.GetInt(key); n > 0 {
		return n
	}
	return defaults[key].(int)
}

func positiveDuration(v *viper.Viper, key string) time.Duration {
	if d := v.GetDuration(key); d > 0 {
		return d
	}
	return defaults[key].(time.Duration)
}

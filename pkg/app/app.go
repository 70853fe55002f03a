// Package app はサーバーとサーバーレス関数で共有するアプリケーションの組み立てを行います。
package app

import (
	"context"

	config "energycast/configs"
	"energycast/pkg/handlers"
	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// App は組み立て済みのアプリケーションです。
type App struct {
	Router  *gin.Engine
	Service *services.ForecastService
	Metrics *services.Metrics

	redis  *redis.Client
	logger *logrus.Logger
}

// New は設定からサービスとルーターを組み立てます。
// Redisに接続できない場合や既定データセットの読み込みに失敗した場合は警告を出して続行します。
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) *App {
	a := &App{Metrics: services.NewMetrics(), logger: logger}

	var cache services.ForecastCache = services.NewMemoryForecastCache()
	if cfg.RedisURL != "" {
		client, err := services.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.WithError(err).Warn("redis unavailable, using in-memory forecast cache only")
		} else {
			a.redis = client
			cache = services.NewTieredForecastCache(cache, services.NewRedisForecastCache(client, cfg.CacheTTL, logger))
			logger.Info("redis forecast cache enabled")
		}
	}

	svcCfg := services.DefaultServiceConfig()
	svcCfg.MaxHorizon = cfg.MaxHorizon
	svcCfg.Workers = cfg.Workers
	svcCfg.Engine.FitTimeout = cfg.FitTimeout
	a.Service = services.NewForecastService(svcCfg, cache, a.Metrics, logger)

	if cfg.DatasetPath != "" {
		ds, err := a.Service.PrepareFile(ctx, cfg.DatasetPath, "")
		if err != nil {
			logger.WithError(err).WithField("path", cfg.DatasetPath).Warn("failed to load default dataset")
		} else {
			logger.WithFields(logrus.Fields{"dataset_id": ds.ID, "regions": len(ds.Series.Series)}).Info("default dataset loaded")
		}
	}

	a.Router = handlers.SetupRouter(handlers.RouterDeps{
		Config:     cfg,
		Service:    a.Service,
		Monitoring: services.NewMonitoringService(logger),
		Metrics:    a.Metrics,
		Logger:     logger,
	})
	return a
}

// Close は外部接続を閉じます。
func (a *App) Close() error {
	if a.redis != nil {
		return a.redis.Close()
	}
	return nil
}

package handlers

import (
	"net/http"

	config "energycast/configs"
	"energycast/pkg/services"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// RouterDeps はルーターの構築に必要な依存関係です。
type RouterDeps struct {
	Config     *config.Config
	Service    *services.ForecastService
	Monitoring *services.MonitoringService
	Metrics    *services.Metrics
	Logger     *logrus.Logger
}

// APIKeyMiddleware は X-API-KEY ヘッダーを検証します。apiKey が空の場合は認証を行いません。
func APIKeyMiddleware(apiKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if apiKey == "" {
			c.Next()
			return
		}
		if c.GetHeader("X-API-KEY") != apiKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// SetupRouter はサーバーとサーバーレスの両エントリーポイントで共有するGinエンジンを構築します。
func SetupRouter(deps RouterDeps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(deps.Monitoring.LoggingMiddleware())
	r.Use(deps.Metrics.GinMiddleware())

	corsConfig := cors.DefaultConfig()
	corsConfig.AllowAllOrigins = true
	corsConfig.AllowHeaders = append(corsConfig.AllowHeaders, "X-API-KEY", services.RequestIDHeader)
	corsConfig.ExposeHeaders = []string{services.RequestIDHeader}
	r.Use(cors.New(corsConfig))

	datasetHandler := NewDatasetHandler(deps.Service, deps.Config.MaxUploadBytes(), deps.Logger)
	forecastHandler := NewForecastHandler(deps.Service, deps.Config.DefaultHorizon)
	adminHandler := NewAdminHandler(deps.Config, deps.Service, deps.Logger)
	monitoringHandler := NewMonitoringHandler(deps.Monitoring)

	// ヘルスチェックとメトリクス
	r.GET("/health", adminHandler.HealthCheck)
	r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	v1 := r.Group("/api/v1")
	v1.Use(APIKeyMiddleware(deps.Config.APIKey))
	{
		datasets := v1.Group("/datasets")
		{
			datasets.POST("", datasetHandler.Upload)
			datasets.GET("", datasetHandler.List)
			datasets.GET("/:id", datasetHandler.Get)
			datasets.DELETE("/:id", datasetHandler.Delete)
			datasets.GET("/:id/regions", datasetHandler.Regions)
			datasets.GET("/:id/series/:region", datasetHandler.Series)
			datasets.GET("/:id/stats/:region", datasetHandler.Stats)
			datasets.GET("/:id/forecast/:region", forecastHandler.ForecastRegion)
			datasets.POST("/:id/forecast", forecastHandler.ForecastAll)
		}

		// 管理者向けAPI
		admin := v1.Group("/admin")
		{
			admin.GET("/health-status", adminHandler.GetHealthStatus)
			admin.POST("/maintenance/start", adminHandler.StartMaintenance)
			admin.POST("/maintenance/stop", adminHandler.StopMaintenance)
			admin.POST("/cache/flush", adminHandler.FlushCache)
		}

		// モニタリングAPI
		monitoring := v1.Group("/monitoring")
		{
			monitoring.GET("/logs", monitoringHandler.GetLogs)
		}
	}

	return r
}

package handlers

import (
	"crypto/subtle"
	"net/http"
	"sync/atomic"

	config "energycast/configs"
	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// AdminHandler は管理者向け操作のハンドラです。
type AdminHandler struct {
	AdminUsername string
	AdminPassword string

	service     *services.ForecastService
	logger      *logrus.Logger
	maintenance atomic.Bool
}

// NewAdminHandler は新しいAdminHandlerを生成します。
func NewAdminHandler(cfg *config.Config, service *services.ForecastService, logger *logrus.Logger) *AdminHandler {
	return &AdminHandler{
		AdminUsername: cfg.AdminUsername,
		AdminPassword: cfg.AdminPassword,
		service:       service,
		logger:        logger,
	}
}

// AdminCredentials は管理者認証のためのリクエストボディです。
type AdminCredentials struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
	// Scope はキャッシュ破棄の対象です。"forecasts"（既定）または "all"。
	Scope string `json:"scope"`
}

// authorize は資格情報を検証し、失敗した場合はレスポンスを書き込んで false を返します。
// 管理者の資格情報が未設定の場合は常に拒否します。
func (h *AdminHandler) authorize(c *gin.Context) (AdminCredentials, bool) {
	var input AdminCredentials
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Username and password are required"})
		return input, false
	}

	if h.AdminUsername == "" || h.AdminPassword == "" ||
		subtle.ConstantTimeCompare([]byte(input.Username), []byte(h.AdminUsername)) != 1 ||
		subtle.ConstantTimeCompare([]byte(input.Password), []byte(h.AdminPassword)) != 1 {
		h.logger.WithField("client_ip", c.ClientIP()).Warn("admin authentication failed")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials"})
		return input, false
	}
	return input, true
}

// StartMaintenance はメンテナンスモードを開始します。
func (h *AdminHandler) StartMaintenance(c *gin.Context) {
	if _, ok := h.authorize(c); !ok {
		return
	}
	h.maintenance.Store(true)
	h.logger.Info("maintenance mode started")
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode started"})
}

// StopMaintenance はメンテナンスモードを停止します。
func (h *AdminHandler) StopMaintenance(c *gin.Context) {
	if _, ok := h.authorize(c); !ok {
		return
	}
	h.maintenance.Store(false)
	h.logger.Info("maintenance mode stopped")
	c.JSON(http.StatusOK, gin.H{"message": "Maintenance mode stopped"})
}

// FlushCache は予測キャッシュを破棄します。scope が "all" の場合はデータセットも破棄します。
func (h *AdminHandler) FlushCache(c *gin.Context) {
	input, ok := h.authorize(c)
	if !ok {
		return
	}
	switch input.Scope {
	case "", "forecasts":
		h.service.FlushForecasts(c.Request.Context())
	case "all":
		h.service.InvalidateAll(c.Request.Context())
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "scope must be 'forecasts' or 'all'"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Cache flushed", "scope": input.Scope})
}

// GetHealthStatus は現在のサーバーの状態を返します。
func (h *AdminHandler) GetHealthStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"isMaintenanceMode": h.maintenance.Load(),
		"datasets":          len(h.service.Datasets()),
	})
}

// HealthCheck は外部のヘルスチェッカー（例: ロードバランサー）からのリクエストに応答します。
func (h *AdminHandler) HealthCheck(c *gin.Context) {
	if h.maintenance.Load() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "message": "Server is in maintenance mode"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

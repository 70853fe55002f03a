package handlers

import (
	"net/http"

	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
)

// ForecastHandler は予測APIのハンドラです。
type ForecastHandler struct {
	service        *services.ForecastService
	defaultHorizon int
}

// NewForecastHandler は新しいForecastHandlerを生成します。
func NewForecastHandler(service *services.ForecastService, defaultHorizon int) *ForecastHandler {
	return &ForecastHandler{service: service, defaultHorizon: defaultHorizon}
}

// BatchForecastRequest は全地域予測のリクエストボディです。
type BatchForecastRequest struct {
	Horizon int    `json:"horizon"`
	Unit    string `json:"unit"`
}

// ForecastRegion は1地域分の予測と要約指標を返します。
// GET /api/v1/datasets/:id/forecast/:region?horizon=30&unit=days&metric=average
func (h *ForecastHandler) ForecastRegion(c *gin.Context) {
	horizon, err := services.ParseHorizon(c.Query("horizon"), h.defaultHorizon)
	if err != nil {
		respondError(c, err)
		return
	}
	unit, err := services.ParseHorizonUnit(c.Query("unit"))
	if err != nil {
		respondError(c, err)
		return
	}

	fc, err := h.service.Forecast(c.Request.Context(), c.Param("id"), c.Param("region"), horizon, unit)
	if err != nil {
		respondError(c, err)
		return
	}

	summary := services.Summarize(fc)
	metric := c.DefaultQuery("metric", "average")
	value, err := services.SummaryMetric(summary, metric)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"forecast": fc,
		"summary":  summary,
		"metric":   metric,
		"value":    value,
	})
}

// ForecastAll は全地域を並列に予測します。失敗した地域は結果内にエラーとして記録されます。
func (h *ForecastHandler) ForecastAll(c *gin.Context) {
	var req BatchForecastRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	if req.Horizon == 0 {
		req.Horizon = h.defaultHorizon
	}
	unit, err := services.ParseHorizonUnit(req.Unit)
	if err != nil {
		respondError(c, err)
		return
	}

	batch, err := h.service.ForecastAll(c.Request.Context(), c.Param("id"), req.Horizon, unit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

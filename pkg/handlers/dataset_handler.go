package handlers

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"energycast/pkg/models"
	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// defaultSeriesTail は履歴取得で返す既定の点数です。
const defaultSeriesTail = 180

// DatasetHandler はデータセットのアップロードと参照を扱います。
type DatasetHandler struct {
	service        *services.ForecastService
	maxUploadBytes int64
	logger         *logrus.Logger
}

// NewDatasetHandler は新しいDatasetHandlerを生成します。
func NewDatasetHandler(service *services.ForecastService, maxUploadBytes int64, logger *logrus.Logger) *DatasetHandler {
	return &DatasetHandler{service: service, maxUploadBytes: maxUploadBytes, logger: logger}
}

// Upload はmultipartの file フィールドでCSV/XLSXを受け取り、分類・正規化した結果を返します。
// interval に "hourly" または "daily" を指定すると間隔の自動判定を上書きします。
func (h *DatasetHandler) Upload(c *gin.Context) {
	if h.maxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxUploadBytes)
	}

	file, header, err := c.Request.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "uploaded file is too large"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field 'file' is required"})
		return
	}
	defer file.Close()

	var interval models.Interval
	if raw := c.PostForm("interval"); raw != "" {
		interval, err = models.ParseInterval(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read uploaded file"})
		return
	}

	ds, err := h.service.PrepareDataset(c.Request.Context(), header.Filename, data, interval)
	if err != nil {
		h.logger.WithError(err).WithField("file", header.Filename).Warn("dataset rejected")
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, ds.Summary())
}

// List は読み込み済みのデータセットを返します。
func (h *DatasetHandler) List(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"datasets": h.service.Datasets()})
}

// Get はデータセットの概要を返します。
func (h *DatasetHandler) Get(c *gin.Context) {
	ds, err := h.service.Dataset(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ds.Summary())
}

// Delete はデータセットとその予測キャッシュを破棄します。
func (h *DatasetHandler) Delete(c *gin.Context) {
	if err := h.service.DeleteDataset(c.Request.Context(), c.Param("id")); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// Regions はデータセットに含まれる地域の一覧を返します。
func (h *DatasetHandler) Regions(c *gin.Context) {
	ds, err := h.service.Dataset(c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"dataset_id": ds.ID,
		"interval":   ds.Series.Interval,
		"regions":    ds.Series.Regions(),
	})
}

// Series は地域の履歴を末尾から tail 点返します。
func (h *DatasetHandler) Series(c *gin.Context) {
	unit, err := services.ParseHorizonUnit(c.Query("unit"))
	if err != nil {
		respondError(c, err)
		return
	}
	tail := defaultSeriesTail
	if raw := c.Query("tail"); raw != "" {
		tail, err = strconv.Atoi(raw)
		if err != nil || tail < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "tail must be a positive integer"})
			return
		}
	}

	rs, err := h.service.RegionSeries(c.Param("id"), c.Param("region"), unit)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"region":   rs.Region,
		"interval": rs.Interval,
		"total":    rs.Len(),
		"points":   rs.Tail(tail),
	})
}

// Stats は地域の履歴の記述統計と異常値を返します。window と threshold で検知条件を上書きできます。
func (h *DatasetHandler) Stats(c *gin.Context) {
	unit, err := services.ParseHorizonUnit(c.Query("unit"))
	if err != nil {
		respondError(c, err)
		return
	}
	rs, err := h.service.RegionSeries(c.Param("id"), c.Param("region"), unit)
	if err != nil {
		respondError(c, err)
		return
	}

	cfg := services.DefaultAnomalyConfig(rs.Interval)
	if raw := c.Query("window"); raw != "" {
		if cfg.Window, err = strconv.Atoi(raw); err != nil || cfg.Window < 2 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "window must be an integer >= 2"})
			return
		}
	}
	if raw := c.Query("threshold"); raw != "" {
		if cfg.Threshold, err = strconv.ParseFloat(raw, 64); err != nil || cfg.Threshold <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "threshold must be a positive number"})
			return
		}
	}

	stats, err := services.DescribeSeries(rs)
	if err != nil {
		respondError(c, err)
		return
	}
	anomalies, err := services.DetectAnomalies(rs, cfg)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"statistics": stats,
		"anomalies":  anomalies,
		"window":     cfg.Window,
		"threshold":  cfg.Threshold,
	})
}

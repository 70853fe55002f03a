package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	config "energycast/configs"
	"energycast/pkg/logging"
	"energycast/pkg/models"
	"energycast/pkg/services"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	router  *gin.Engine
	service *services.ForecastService
	cfg     *config.Config
}

func newTestServer(t *testing.T, mutate func(*config.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg := &config.Config{
		Environment:    "test",
		AdminUsername:  "admin",
		AdminPassword:  "pass",
		DefaultHorizon: 7,
		MaxHorizon:     60,
		Workers:        2,
		FitTimeout:     10 * time.Second,
		MaxUploadMB:    1,
	}
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.Discard()
	svcCfg := services.DefaultServiceConfig()
	svcCfg.MaxHorizon = cfg.MaxHorizon
	svcCfg.Workers = cfg.Workers
	svcCfg.Engine.FitTimeout = cfg.FitTimeout
	metrics := services.NewMetrics()
	svc := services.NewForecastService(svcCfg, nil, metrics, logger)

	r := SetupRouter(RouterDeps{
		Config:     cfg,
		Service:    svc,
		Monitoring: services.NewMonitoringService(logger),
		Metrics:    metrics,
		Logger:     logger,
	})
	return &testServer{router: r, service: svc, cfg: cfg}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func wideCSV(days, texDays int) string {
	var b strings.Builder
	b.WriteString("datetime,CAL_mw,TEX_mw\n")
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < days; i++ {
		v := 1000 + 50*math.Sin(2*math.Pi*float64(i)/7) + float64(i)
		tex := "-"
		if i < texDays {
			tex = fmt.Sprintf("%.2f", v*2)
		}
		fmt.Fprintf(&b, "%s,\"%s\",%s\n", start.AddDate(0, 0, i).Format("2006-01-02"), formatThousands(v), tex)
	}
	return b.String()
}

// formatThousands は "1,234.56" 形式に整形します。
func formatThousands(v float64) string {
	s := fmt.Sprintf("%.2f", v)
	intPart, frac := s[:len(s)-3], s[len(s)-3:]
	if len(intPart) > 3 {
		intPart = intPart[:len(intPart)-3] + "," + intPart[len(intPart)-3:]
	}
	return intPart + frac
}

func uploadRequest(t *testing.T, name, content string, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", name)
	require.NoError(t, err)
	_, err = part.Write([]byte(content))
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (s *testServer) upload(t *testing.T, content string) models.DatasetSummary {
	t.Helper()
	w := s.do(uploadRequest(t, "region_demand.csv", content, nil))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var summary models.DatasetSummary
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &summary))
	return summary
}

func jsonRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(method, path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok"}`, w.Body.String())
	assert.NotEmpty(t, w.Header().Get(services.RequestIDHeader))

	w = s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "energycast_http_requests_total")
}

func TestUploadDataset(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(30, 8))

	assert.Len(t, summary.ID, 64)
	assert.True(t, summary.Wide)
	assert.Equal(t, "datetime", summary.Roles.TimeColumn)
	assert.Equal(t, []string{"cal_mw", "tex_mw"}, summary.Roles.DemandColumns)
	assert.Equal(t, []string{"cal_mw", "tex_mw"}, summary.Regions)
	assert.Equal(t, models.Daily, summary.Interval)

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+summary.ID, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), summary.ID)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+summary.ID+"/regions", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"regions":["cal_mw","tex_mw"]`)
}

func TestUploadRejectsBadInput(t *testing.T) {
	s := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/datasets", strings.NewReader("x"))
	req.Header.Set("Content-Type", "text/plain")
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)

	w := s.do(uploadRequest(t, "bad.csv", "label,mw\nabc,1\ndef,2\n", nil))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "no usable time column")

	w = s.do(uploadRequest(t, "x.csv", wideCSV(20, 20), map[string]string{"interval": "weekly"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	unreadable := map[string]string{
		"header.csv":  "datetime,mw\n",
		"empty.csv":   "",
		"broken.xlsx": "PK\x03\x04garbage",
	}
	for name, content := range unreadable {
		w = s.do(uploadRequest(t, name, content, nil))
		assert.Equal(t, http.StatusBadRequest, w.Code, name)
		assert.Contains(t, w.Body.String(), "invalid dataset file", name)
	}
}

func TestUploadTooLarge(t *testing.T) {
	s := newTestServer(t, nil)
	big := "datetime,mw\n" + strings.Repeat("2024-01-01,1\n", 200000)

	w := s.do(uploadRequest(t, "big.csv", big, nil))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestForecastRegionEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(30, 8))
	base := "/api/v1/datasets/" + summary.ID

	w := s.do(httptest.NewRequest(http.MethodGet, base+"/forecast/cal_mw?horizon=7&metric=peak", nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Forecast models.Forecast        `json:"forecast"`
		Summary  models.ForecastSummary `json:"summary"`
		Metric   string                 `json:"metric"`
		Value    float64                `json:"value"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 7, resp.Forecast.Len())
	assert.Equal(t, "peak", resp.Metric)
	assert.Equal(t, resp.Summary.Peak, resp.Value)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), resp.Forecast.Points[0].Timestamp)

	cases := map[string]int{
		"/forecast/cal_mw?horizon=0":     http.StatusBadRequest,
		"/forecast/cal_mw?horizon=61":    http.StatusBadRequest,
		"/forecast/cal_mw?horizon=abc":   http.StatusBadRequest,
		"/forecast/cal_mw?unit=hours":    http.StatusBadRequest,
		"/forecast/cal_mw?metric=median": http.StatusBadRequest,
		"/forecast/nyis_mw":              http.StatusNotFound,
		"/forecast/tex_mw?horizon=3":     http.StatusUnprocessableEntity,
		"/series/cal_mw?tail=0":          http.StatusBadRequest,
		"/series/unknown":                http.StatusNotFound,
	}
	for path, want := range cases {
		w := s.do(httptest.NewRequest(http.MethodGet, base+path, nil))
		assert.Equal(t, want, w.Code, path)
	}

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/missing/forecast/cal_mw", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestSeriesEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(30, 30))

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+summary.ID+"/series/cal_mw?tail=5", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Total  int                  `json:"total"`
		Points []models.Observation `json:"points"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 30, resp.Total)
	require.Len(t, resp.Points, 5)
	assert.Equal(t, time.Date(2024, 1, 30, 0, 0, 0, 0, time.UTC), resp.Points[4].Timestamp)
}

func TestStatsEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(30, 30))
	base := "/api/v1/datasets/" + summary.ID + "/stats/cal_mw"

	w := s.do(httptest.NewRequest(http.MethodGet, base, nil))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp struct {
		Statistics services.SeriesStatistics `json:"statistics"`
		Anomalies  []services.Anomaly        `json:"anomalies"`
		Window     int                       `json:"window"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 30, resp.Statistics.Count)
	assert.Equal(t, 28, resp.Window)
	assert.Empty(t, resp.Anomalies)
	assert.Greater(t, resp.Statistics.Trend, 0.0)

	assert.Equal(t, http.StatusBadRequest, s.do(httptest.NewRequest(http.MethodGet, base+"?window=1", nil)).Code)
	assert.Equal(t, http.StatusBadRequest, s.do(httptest.NewRequest(http.MethodGet, base+"?threshold=-1", nil)).Code)
	assert.Equal(t, http.StatusNotFound, s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/"+summary.ID+"/stats/nyis", nil)).Code)
}

func TestBatchForecastEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(30, 8))
	path := "/api/v1/datasets/" + summary.ID + "/forecast"

	w := s.do(jsonRequest(t, http.MethodPost, path, BatchForecastRequest{Horizon: 5, Unit: "days"}))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var batch models.ForecastBatch
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, 5, batch.Horizon)
	require.Len(t, batch.Results, 2)
	assert.Equal(t, "cal_mw", batch.Results[0].Region)
	assert.Equal(t, 5, batch.Results[0].Forecast.Len())
	assert.True(t, batch.Results[1].Skipped)

	// ボディなしは既定の予測期間を使う
	w = s.do(httptest.NewRequest(http.MethodPost, path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &batch))
	assert.Equal(t, s.cfg.DefaultHorizon, batch.Horizon)

	w = s.do(jsonRequest(t, http.MethodPost, path, BatchForecastRequest{Horizon: 100}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	assert.Equal(t, http.StatusBadRequest, s.do(req).Code)
}

func TestDeleteDatasetEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(20, 20))

	w := s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/datasets/"+summary.ID, nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(httptest.NewRequest(http.MethodDelete, "/api/v1/datasets/"+summary.ID, nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIKeyMiddleware(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.APIKey = "secret" })

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil)
	req.Header.Set("X-API-KEY", "secret")
	assert.Equal(t, http.StatusOK, s.do(req).Code)

	// ヘルスチェックは認証不要
	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)
}

func TestAdminMaintenanceAndCacheFlush(t *testing.T) {
	s := newTestServer(t, nil)
	summary := s.upload(t, wideCSV(20, 20))

	w := s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/maintenance/start", AdminCredentials{Username: "admin", Password: "wrong"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/maintenance/start", map[string]string{"username": "admin"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/maintenance/start", AdminCredentials{Username: "admin", Password: "pass"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusServiceUnavailable, s.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	w = s.do(httptest.NewRequest(http.MethodGet, "/api/v1/admin/health-status", nil))
	assert.JSONEq(t, `{"isMaintenanceMode":true,"datasets":1}`, w.Body.String())

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/maintenance/stop", AdminCredentials{Username: "admin", Password: "pass"}))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/health", nil)).Code)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/cache/flush", AdminCredentials{Username: "admin", Password: "pass", Scope: "bogus"}))
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/cache/flush", AdminCredentials{Username: "admin", Password: "pass", Scope: "all"}))
	assert.Equal(t, http.StatusOK, w.Code)
	_, err := s.service.Dataset(summary.ID)
	assert.ErrorIs(t, err, services.ErrDatasetNotFound)
}

func TestAdminRejectsWhenCredentialsUnset(t *testing.T) {
	s := newTestServer(t, func(c *config.Config) { c.AdminUsername, c.AdminPassword = "", "" })

	w := s.do(jsonRequest(t, http.MethodPost, "/api/v1/admin/maintenance/start", AdminCredentials{Username: "x", Password: "y"}))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestMonitoringLogs(t *testing.T) {
	s := newTestServer(t, nil)
	s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets", nil))
	s.do(httptest.NewRequest(http.MethodGet, "/api/v1/datasets/missing", nil))

	w := s.do(httptest.NewRequest(http.MethodGet, "/api/v1/monitoring/logs?period=1h", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var data services.DashboardData
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &data))
	require.Len(t, data.RequestsOverTime, 1)
	assert.Equal(t, 2, data.RequestsOverTime[0].Requests)
	assert.Equal(t, 1, data.Endpoints["/api/v1/datasets"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("wrap: %w", services.ErrDatasetNotFound), http.StatusNotFound},
		{services.ErrRegionNotFound, http.StatusNotFound},
		{services.ErrInvalidHorizon, http.StatusBadRequest},
		{services.ErrInvalidUnit, http.StatusBadRequest},
		{fmt.Errorf("failed to load dataset: %w", services.ErrInvalidDataset), http.StatusBadRequest},
		{&services.SchemaError{Column: "time"}, http.StatusUnprocessableEntity},
		{&services.DataQualityError{Reason: "empty"}, http.StatusUnprocessableEntity},
		{fmt.Errorf("x: %w", &services.InsufficientHistoryError{Region: "a"}), http.StatusUnprocessableEntity},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}

package services

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// RequestIDHeader はリクエストIDを受け渡すヘッダー名です。
const RequestIDHeader = "X-Request-ID"

// defaultMaxLogEntries は保持するリクエストログの上限です。
const defaultMaxLogEntries = 10000

// LogEntry は単一のリクエストログを表します。
type LogEntry struct {
	RequestID    string        `json:"requestId"`
	Timestamp    time.Time     `json:"timestamp"`
	Route        string        `json:"route"`
	Path         string        `json:"path"`
	Method       string        `json:"method"`
	StatusCode   int           `json:"statusCode"`
	ResponseTime time.Duration `json:"responseTime"`
}

// MonitoringService はリクエストログを保持し、ダッシュボード用に集計します。
type MonitoringService struct {
	mu         sync.RWMutex
	logs       []LogEntry
	maxEntries int
	location   *time.Location
	logger     *logrus.Logger
	now        func() time.Time
}

// NewMonitoringService は新しいMonitoringServiceを生成します。
func NewMonitoringService(logger *logrus.Logger) *MonitoringService {
	return &MonitoringService{
		logs:       make([]LogEntry, 0),
		maxEntries: defaultMaxLogEntries,
		location:   time.UTC,
		logger:     logger,
		now:        time.Now,
	}
}

// LogRequest はリクエストを記録します。上限を超えた古いログは破棄します。
func (s *MonitoringService) LogRequest(entry LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs = append(s.logs, entry)
	if over := len(s.logs) - s.maxEntries; over > 0 {
		s.logs = append([]LogEntry(nil), s.logs[over:]...)
	}
}

// LoggingMiddleware はリクエストIDを付与し、リクエストを構造化ログと集計用ログに記録します。
func (s *MonitoringService) LoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := s.now()

		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(RequestIDHeader, requestID)

		c.Next()

		entry := LogEntry{
			RequestID:    requestID,
			Timestamp:    start,
			Route:        c.FullPath(),
			Path:         c.Request.URL.Path,
			Method:       c.Request.Method,
			StatusCode:   c.Writer.Status(),
			ResponseTime: time.Since(start),
		}

		fields := logrus.Fields{
			"request_id": requestID,
			"method":     entry.Method,
			"path":       entry.Path,
			"status":     entry.StatusCode,
			"latency":    entry.ResponseTime.String(),
		}
		if len(c.Errors) > 0 {
			fields["errors"] = c.Errors.String()
		}
		switch {
		case entry.StatusCode >= 500:
			s.logger.WithFields(fields).Error("request failed")
		case entry.StatusCode >= 400:
			s.logger.WithFields(fields).Warn("request rejected")
		default:
			s.logger.WithFields(fields).Info("request handled")
		}

		// 管理系のリクエストはダッシュボードの集計から除外する
		if strings.HasPrefix(entry.Path, "/api/v1/admin") || strings.HasPrefix(entry.Path, "/api/v1/monitoring") {
			return
		}
		s.LogRequest(entry)
	}
}

// TimeBucket は1時間あたりのリクエスト数です。
type TimeBucket struct {
	Time     string `json:"time"`
	Requests int    `json:"requests"`
}

// StatusBucket はステータスクラスごとの件数です。
type StatusBucket struct {
	Name  string `json:"name"`
	Value int    `json:"value"`
}

// EndpointLatency はエンドポイントごとの平均応答時間（ミリ秒）です。
type EndpointLatency struct {
	Endpoint     string `json:"endpoint"`
	ResponseTime int64  `json:"responseTime"`
}

// DashboardData はダッシュボードに表示するための集計済みデータです。
type DashboardData struct {
	RequestsOverTime []TimeBucket      `json:"requestsOverTime"`
	Endpoints        map[string]int    `json:"endpoints"`
	StatusCodes      []StatusBucket    `json:"statusCodes"`
	AvgResponseTimes []EndpointLatency `json:"avgResponseTimes"`
	RecentErrors     []LogEntry        `json:"recentErrors"`
}

// GetDashboardData は直近 periodHours 時間のログを集計してダッシュボード用データを返します。
func (s *MonitoringService) GetDashboardData(periodHours int) DashboardData {
	if periodHours < 1 {
		periodHours = 1
	}

	s.mu.RLock()
	now := s.now().In(s.location)
	since := now.Add(-time.Duration(periodHours) * time.Hour)
	filtered := make([]LogEntry, 0)
	for _, entry := range s.logs {
		if entry.Timestamp.After(since) {
			filtered = append(filtered, entry)
		}
	}
	s.mu.RUnlock()

	// 過去から現在へ向かう順序で時間バケットを用意する
	overTime := make([]TimeBucket, periodHours)
	index := make(map[int64]int, periodHours)
	for i := 0; i < periodHours; i++ {
		t := now.Add(-time.Duration(periodHours-1-i) * time.Hour).Truncate(time.Hour)
		overTime[i] = TimeBucket{Time: t.Format("15:00")}
		index[t.Unix()] = i
	}

	endpoints := make(map[string]int)
	statusCounts := map[string]int{"2xx Success": 0, "4xx Client Error": 0, "5xx Server Error": 0}
	latencySum := make(map[string]time.Duration)
	for _, entry := range filtered {
		if i, ok := index[entry.Timestamp.In(s.location).Truncate(time.Hour).Unix()]; ok {
			overTime[i].Requests++
		}

		endpoints[entry.Path]++
		latencySum[entry.Path] += entry.ResponseTime

		switch {
		case entry.StatusCode >= 500:
			statusCounts["5xx Server Error"]++
		case entry.StatusCode >= 400:
			statusCounts["4xx Client Error"]++
		case entry.StatusCode >= 200 && entry.StatusCode < 300:
			statusCounts["2xx Success"]++
		}
	}

	statuses := make([]StatusBucket, 0, len(statusCounts))
	for name, value := range statusCounts {
		statuses = append(statuses, StatusBucket{Name: name, Value: value})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Name < statuses[j].Name })

	latencies := make([]EndpointLatency, 0, len(latencySum))
	for path, total := range latencySum {
		latencies = append(latencies, EndpointLatency{
			Endpoint:     path,
			ResponseTime: total.Milliseconds() / int64(endpoints[path]),
		})
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i].Endpoint < latencies[j].Endpoint })

	recentErrors := make([]LogEntry, 0)
	for i := len(filtered) - 1; i >= 0 && len(recentErrors) < 10; i-- {
		if filtered[i].StatusCode >= 500 {
			recentErrors = append(recentErrors, filtered[i])
		}
	}

	return DashboardData{
		RequestsOverTime: overTime,
		Endpoints:        endpoints,
		StatusCodes:      statuses,
		AvgResponseTimes: latencies,
		RecentErrors:     recentErrors,
	}
}

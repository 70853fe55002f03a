package services

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics はPrometheus向けのメトリクスをまとめたものです。
// nil レシーバでも安全に呼び出せます。
type Metrics struct {
	registry          *prometheus.Registry
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	forecastsTotal    *prometheus.CounterVec
	fitDuration       *prometheus.HistogramVec
	cacheHits         *prometheus.CounterVec
	cacheMisses       *prometheus.CounterVec
	datasetsLoaded    prometheus.Gauge
}

// NewMetrics は専用のレジストリにメトリクスを登録して返します。
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energycast_http_requests_total",
			Help: "Total count of HTTP requests processed by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energycast_http_request_duration_seconds",
			Help:    "Histogram of HTTP request durations by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		forecastsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energycast_forecasts_total",
			Help: "Forecast requests by interval and outcome.",
		}, []string{"interval", "outcome"}),
		fitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "energycast_model_fit_duration_seconds",
			Help:    "Histogram of SARIMA fit durations by interval.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30},
		}, []string{"interval"}),
		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energycast_cache_hits_total",
			Help: "Total cache hits by cache kind.",
		}, []string{"cache"}),
		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "energycast_cache_misses_total",
			Help: "Total cache misses by cache kind.",
		}, []string{"cache"}),
		datasetsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "energycast_datasets_loaded",
			Help: "Number of prepared datasets held in memory.",
		}),
	}

	m.registry.MustRegister(
		m.httpRequestsTotal,
		m.httpDuration,
		m.forecastsTotal,
		m.fitDuration,
		m.cacheHits,
		m.cacheMisses,
		m.datasetsLoaded,
	)
	return m
}

// Registry は内部のレジストリを返します。
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler は /metrics 用のHTTPハンドラを返します。
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// GinMiddleware はルート単位のリクエスト数と処理時間を記録します。
func (m *Metrics) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if m == nil {
			return
		}
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(c.Writer.Status())).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	}
}

func (m *Metrics) ForecastOutcome(interval, outcome string) {
	if m == nil {
		return
	}
	m.forecastsTotal.WithLabelValues(interval, outcome).Inc()
}

func (m *Metrics) ObserveFit(interval string, d time.Duration) {
	if m == nil {
		return
	}
	m.fitDuration.WithLabelValues(interval).Observe(d.Seconds())
}

func (m *Metrics) CacheHit(cache string) {
	if m == nil {
		return
	}
	m.cacheHits.WithLabelValues(cache).Inc()
}

func (m *Metrics) CacheMiss(cache string) {
	if m == nil {
		return
	}
	m.cacheMisses.WithLabelValues(cache).Inc()
}

func (m *Metrics) SetDatasets(n int) {
	if m == nil {
		return
	}
	m.datasetsLoaded.Set(float64(n))
}

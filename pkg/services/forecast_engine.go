package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"energycast/pkg/models"
	"energycast/pkg/sarima"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/floats"
)

// ModelSpec は間隔ごとに固定されたモデル構成です。
type ModelSpec struct {
	Order           sarima.Order
	IncludeConstant bool
	// Scale で割ってから推定し、予測値に掛け戻します。
	Scale float64
}

var (
	// DailyModel は日次系列用の構成 (2,1,2)(1,1,1)[7] です。
	DailyModel = ModelSpec{
		Order: sarima.Order{P: 2, D: 1, Q: 2, SP: 1, SD: 1, SQ: 1, M: 7},
		Scale: 1,
	}
	// HourlyModel は時間単位系列用の構成 (2,0,2)(1,1,1)[24] で、定数項を含みMW単位を1000で割って推定します。
	HourlyModel = ModelSpec{
		Order:           sarima.Order{P: 2, D: 0, Q: 2, SP: 1, SD: 1, SQ: 1, M: 24},
		IncludeConstant: true,
		Scale:           1000,
	}
)

// ModelFor は間隔に対応するモデル構成を返します。
func ModelFor(iv models.Interval) ModelSpec {
	if iv == models.Hourly {
		return HourlyModel
	}
	return DailyModel
}

// EngineConfig は予測エンジンの設定です。
type EngineConfig struct {
	FitTimeout     time.Duration
	MaxEvaluations int
}

// ForecastEngine は1地域分の系列にSARIMAモデルを当てはめて予測します。
type ForecastEngine struct {
	cfg     EngineConfig
	logger  *logrus.Logger
	metrics *Metrics
}

// NewForecastEngine は新しいForecastEngineを生成します。metrics は nil でも構いません。
func NewForecastEngine(cfg EngineConfig, logger *logrus.Logger, metrics *Metrics) *ForecastEngine {
	return &ForecastEngine{cfg: cfg, logger: logger, metrics: metrics}
}

// Forecast は系列の最終時刻の次から horizon ステップ分を予測します。
// 空の系列には空の予測を返し、履歴不足や数値的な破綻は InsufficientHistoryError になります。
func (e *ForecastEngine) Forecast(ctx context.Context, series *models.RegionSeries, horizon int) (*models.Forecast, error) {
	if horizon < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidHorizon, horizon)
	}
	if series.Len() == 0 {
		region, iv := "", models.Daily
		if series != nil {
			region, iv = series.Region, series.Interval
		}
		return &models.Forecast{Region: region, Interval: iv, Points: []models.ForecastPoint{}}, nil
	}

	spec := ModelFor(series.Interval)
	if need := spec.Order.MinObservations(); series.Len() < need {
		return nil, &InsufficientHistoryError{Region: series.Region, Have: series.Len(), Need: need}
	}

	if e.cfg.FitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.FitTimeout)
		defer cancel()
	}

	y := series.Values()
	floats.Scale(1/spec.Scale, y)

	model := sarima.New(spec.Order, sarima.Options{
		IncludeConstant: spec.IncludeConstant,
		MaxEvaluations:  e.cfg.MaxEvaluations,
	})

	start := time.Now()
	err := model.Fit(ctx, y)
	e.metrics.ObserveFit(string(series.Interval), time.Since(start))
	if err != nil {
		if errors.Is(err, sarima.ErrInsufficientData) || errors.Is(err, sarima.ErrNonFinite) {
			return nil, &InsufficientHistoryError{Region: series.Region, Have: series.Len(), Need: spec.Order.MinObservations(), Cause: err}
		}
		return nil, fmt.Errorf("fit %s for region %q: %w", spec.Order, series.Region, err)
	}

	values, err := model.Forecast(horizon)
	if err != nil {
		return nil, &InsufficientHistoryError{Region: series.Region, Have: series.Len(), Need: spec.Order.MinObservations(), Cause: err}
	}
	floats.Scale(spec.Scale, values)

	anchorAndClip(values, series.Last().Demand)

	last := series.Last().Timestamp
	points := make([]models.ForecastPoint, horizon)
	for i, v := range values {
		points[i] = models.ForecastPoint{Timestamp: series.Interval.Next(last, i+1), Value: v}
	}

	fc := &models.Forecast{
		Region:   series.Region,
		Interval: series.Interval,
		Order:    spec.Order.String(),
		Points:   points,
	}
	for _, w := range model.Warnings {
		fc.Warnings = append(fc.Warnings, NumericFitWarning{Message: w}.Error())
	}

	e.logger.WithFields(logrus.Fields{
		"region":   series.Region,
		"interval": series.Interval,
		"history":  series.Len(),
		"horizon":  horizon,
		"sse":      model.SSE,
		"warnings": len(fc.Warnings),
		"elapsed":  time.Since(start),
	}).Debug("forecast fitted")

	return fc, nil
}

// anchorAndClip は予測全体を一様にずらして先頭を最終観測値に一致させ、その後で負値を0に切り上げます。
func anchorAndClip(values []float64, last float64) {
	if len(values) == 0 {
		return
	}
	floats.AddConst(last-values[0], values)
	values[0] = last
	for i, v := range values {
		if v < 0 {
			values[i] = 0
		}
	}
}

// Summarize は予測値の平均・合計・ピークを返します。
func Summarize(fc *models.Forecast) models.ForecastSummary {
	if fc.Len() == 0 {
		return models.ForecastSummary{}
	}
	values := fc.Values()
	total := floats.Sum(values)
	return models.ForecastSummary{
		Average: total / float64(len(values)),
		Total:   total,
		Peak:    floats.Max(values),
	}
}

// SummaryMetric は "average", "total", "peak" のいずれかの値を返します。
func SummaryMetric(s models.ForecastSummary, metric string) (float64, error) {
	switch metric {
	case "", "average", "avg", "mean":
		return s.Average, nil
	case "total", "sum":
		return s.Total, nil
	case "peak", "max":
		return s.Peak, nil
	}
	return 0, fmt.Errorf("unknown metric %q", metric)
}

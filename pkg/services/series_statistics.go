package services

import (
	"fmt"
	"math"
	"sort"
	"time"

	"energycast/pkg/models"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// SeriesStatistics は地域の履歴の記述統計です。
type SeriesStatistics struct {
	Region         string          `json:"region"`
	Interval       models.Interval `json:"interval"`
	Count          int             `json:"count"`
	Start          time.Time       `json:"start"`
	End            time.Time       `json:"end"`
	Mean           float64         `json:"mean"`
	Median         float64         `json:"median"`
	StdDev         float64         `json:"std_dev"`
	Min            float64         `json:"min"`
	Max            float64         `json:"max"`
	PeakAt         time.Time       `json:"peak_at"`
	Trend          float64         `json:"trend_per_step"`
	TrendDirection string          `json:"trend_direction"`
	// WeekdayAverage は曜日ごとの平均を全体平均に対する比率で表します。
	WeekdayAverage map[string]float64 `json:"weekday_ratio"`
	// HourlyProfile は時間単位データのときのみ、時刻ごとの平均を持ちます。
	HourlyProfile []float64 `json:"hourly_profile,omitempty"`
}

// Anomaly は移動平均から大きく外れた観測値です。
type Anomaly struct {
	Timestamp time.Time `json:"timestamp"`
	Actual    float64   `json:"actual"`
	Expected  float64   `json:"expected"`
	Deviation float64   `json:"deviation"`
	ZScore    float64   `json:"z_score"`
	Type      string    `json:"type"` // "spike" または "drop"
	Severity  string    `json:"severity"`
}

// AnomalyConfig は異常検知の窓幅と乖離率のしきい値です。
type AnomalyConfig struct {
	Window    int
	Threshold float64
}

// DefaultAnomalyConfig は間隔に応じた既定値を返します。日次は4週間、時間単位は1週間の窓を使います。
func DefaultAnomalyConfig(iv models.Interval) AnomalyConfig {
	if iv == models.Hourly {
		return AnomalyConfig{Window: 24 * 7, Threshold: 0.3}
	}
	return AnomalyConfig{Window: 28, Threshold: 0.25}
}

// DescribeSeries は系列の記述統計を計算します。空の系列にはエラーを返します。
func DescribeSeries(rs *models.RegionSeries) (*SeriesStatistics, error) {
	if rs.Len() == 0 {
		return nil, &DataQualityError{Region: rs.Region, Reason: "series is empty"}
	}
	values := rs.Values()

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)

	mean, std := stat.MeanStdDev(values, nil)
	if math.IsNaN(std) {
		std = 0
	}
	peak := floats.MaxIdx(values)

	out := &SeriesStatistics{
		Region:         rs.Region,
		Interval:       rs.Interval,
		Count:          len(values),
		Start:          rs.Points[0].Timestamp,
		End:            rs.Last().Timestamp,
		Mean:           mean,
		Median:         stat.Quantile(0.5, stat.Empirical, sorted, nil),
		StdDev:         std,
		Min:            sorted[0],
		Max:            sorted[len(sorted)-1],
		PeakAt:         rs.Points[peak].Timestamp,
		WeekdayAverage: weekdayRatios(rs, mean),
	}

	out.Trend = trendSlope(values)
	switch {
	case out.Trend > 0.001*math.Abs(mean):
		out.TrendDirection = "increasing"
	case out.Trend < -0.001*math.Abs(mean):
		out.TrendDirection = "decreasing"
	default:
		out.TrendDirection = "stable"
	}

	if rs.Interval == models.Hourly {
		out.HourlyProfile = hourlyProfile(rs)
	}
	return out, nil
}

// trendSlope は観測番号に対する最小二乗の傾きです。
func trendSlope(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	x := make([]float64, len(values))
	floats.Span(x, 0, float64(len(values)-1))
	_, beta := stat.LinearRegression(x, values, nil, false)
	return beta
}

func weekdayRatios(rs *models.RegionSeries, mean float64) map[string]float64 {
	sums := make(map[time.Weekday]float64)
	counts := make(map[time.Weekday]int)
	for _, p := range rs.Points {
		wd := p.Timestamp.Weekday()
		sums[wd] += p.Demand
		counts[wd]++
	}
	out := make(map[string]float64, len(sums))
	for wd, sum := range sums {
		avg := sum / float64(counts[wd])
		if mean > 0 {
			out[wd.String()] = avg / mean
		}
	}
	return out
}

func hourlyProfile(rs *models.RegionSeries) []float64 {
	sums := make([]float64, 24)
	counts := make([]int, 24)
	for _, p := range rs.Points {
		h := p.Timestamp.Hour()
		sums[h] += p.Demand
		counts[h]++
	}
	for h := range sums {
		if counts[h] > 0 {
			sums[h] /= float64(counts[h])
		}
	}
	return sums
}

// DetectAnomalies は直前 Window 点の移動平均から Threshold 以上の比率で乖離した点を返します。
// Zスコアは窓内の標準偏差から計算する参考値です。
func DetectAnomalies(rs *models.RegionSeries, cfg AnomalyConfig) ([]Anomaly, error) {
	if cfg.Window < 2 || cfg.Threshold <= 0 {
		return nil, fmt.Errorf("invalid anomaly config: window %d, threshold %g", cfg.Window, cfg.Threshold)
	}
	out := []Anomaly{}
	values := rs.Values()
	for i := cfg.Window; i < len(values); i++ {
		window := values[i-cfg.Window : i]
		mean, std := stat.MeanStdDev(window, nil)
		if mean <= 0 {
			continue
		}
		deviation := values[i] - mean
		if math.Abs(deviation) <= mean*cfg.Threshold {
			continue
		}

		var z float64
		if std > 0 {
			z = deviation / std
		}
		kind := "spike"
		if deviation < 0 {
			kind = "drop"
		}
		out = append(out, Anomaly{
			Timestamp: rs.Points[i].Timestamp,
			Actual:    values[i],
			Expected:  mean,
			Deviation: math.Abs(deviation),
			ZScore:    z,
			Type:      kind,
			Severity:  severity(math.Abs(z)),
		})
	}
	return out, nil
}

func severity(absZ float64) string {
	switch {
	case absZ > 4:
		return "critical"
	case absZ > 3.5:
		return "high"
	case absZ > 3:
		return "medium"
	default:
		return "low"
	}
}

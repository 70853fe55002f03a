package services

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"energycast/pkg/models"

	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

// missingTokens は欠損として扱う値です（大文字小文字は区別しません）。
var missingTokens = map[string]struct{}{
	"":     {},
	"-":    {},
	"nan":  {},
	"none": {},
}

// CleanDemandValue は需要値の文字列を数値に変換します。
// 前後の空白と桁区切りのカンマを除去し、欠損トークン・解析不能・非有限値は欠損 (false) を返します。
func CleanDemandValue(raw string) (float64, bool) {
	s := strings.TrimSpace(raw)
	s = strings.ReplaceAll(s, ",", "")
	if _, missing := missingTokens[strings.ToLower(s)]; missing {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

// CleanDemandColumn は列全体に CleanDemandValue を適用します。
func CleanDemandColumn(values []string) ([]float64, []bool) {
	out := make([]float64, len(values))
	ok := make([]bool, len(values))
	for i, v := range values {
		out[i], ok[i] = CleanDemandValue(v)
	}
	return out, ok
}

// NormalizerConfig は正規化の設定です。
type NormalizerConfig struct {
	// Interval を指定するとサンプリング間隔の自動判定を行いません。
	Interval models.Interval
	// MaxGridPoints は1地域あたりのリサンプリング後の最大点数です。
	MaxGridPoints int
}

// DefaultNormalizerConfig は標準の正規化設定を返します。
func DefaultNormalizerConfig() NormalizerConfig {
	return NormalizerConfig{MaxGridPoints: 500000}
}

// SeriesNormalizer は分類済みのデータセットを地域ごとの等間隔系列に変換します。
type SeriesNormalizer struct {
	cfg    NormalizerConfig
	logger *logrus.Logger
}

// NewSeriesNormalizer は新しいSeriesNormalizerを生成します。
func NewSeriesNormalizer(cfg NormalizerConfig, logger *logrus.Logger) *SeriesNormalizer {
	if cfg.MaxGridPoints <= 0 {
		cfg.MaxGridPoints = DefaultNormalizerConfig().MaxGridPoints
	}
	return &SeriesNormalizer{cfg: cfg, logger: logger}
}

// WithInterval は間隔を固定したコピーを返します。
func (n *SeriesNormalizer) WithInterval(iv models.Interval) *SeriesNormalizer {
	cfg := n.cfg
	cfg.Interval = iv
	return &SeriesNormalizer{cfg: cfg, logger: n.logger}
}

// Normalize は生データを正規化済み系列に変換します。
func (n *SeriesNormalizer) Normalize(ds *models.RawDataset, cls *models.Classification) (*models.CanonicalSeries, error) {
	records, err := Melt(ds, cls)
	if err != nil {
		return nil, err
	}
	total := len(records)

	// 欠損・負値の需要を除外
	kept := records[:0]
	for _, r := range records {
		if r.Missing() || r.Demand < 0 {
			continue
		}
		kept = append(kept, r)
	}
	records = kept

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})

	if len(records) == 0 {
		return nil, &DataQualityError{Reason: "all values empty after cleaning"}
	}

	byRegion, order := groupByRegion(records)

	interval := n.cfg.Interval
	if interval == "" {
		interval = DetectInterval(byRegion)
	}

	out := &models.CanonicalSeries{Interval: interval, Series: make(map[string]*models.RegionSeries, len(order))}
	for _, region := range order {
		points, err := n.resample(region, byRegion[region], interval)
		if err != nil {
			return nil, err
		}
		if len(points) == 0 {
			continue
		}
		out.Series[region] = &models.RegionSeries{Region: region, Interval: interval, Points: points}
	}
	if len(out.Series) == 0 {
		return nil, &DataQualityError{Reason: "no region has usable observations after resampling"}
	}

	n.logger.WithFields(logrus.Fields{
		"dataset":  ds.Name,
		"records":  total,
		"kept":     len(records),
		"regions":  len(out.Series),
		"interval": interval,
	}).Info("dataset normalized")

	return out, nil
}

// Melt は分類結果に従ってデータセットをロング形式 (時刻, 地域, 需要) に変換します。
// ワイド形式では需要列名がそのまま地域ラベルになります。時刻が解析できなかった行は除外します。
func Melt(ds *models.RawDataset, cls *models.Classification) ([]models.LongRecord, error) {
	roles := cls.Roles
	demand := make([][]float64, len(roles.DemandColumns))
	valid := make([][]bool, len(roles.DemandColumns))
	for i, name := range roles.DemandColumns {
		col, ok := ds.Column(name)
		if !ok {
			return nil, &SchemaError{Column: "demand", Searched: ds.ColumnNames(), Reason: fmt.Sprintf("column %q not present", name)}
		}
		demand[i], valid[i] = CleanDemandColumn(col.Values)
	}

	var regionValues []string
	if !roles.IsWide() && roles.HasRegion() {
		col, ok := ds.Column(roles.RegionColumn)
		if !ok {
			return nil, &SchemaError{Column: "region", Searched: ds.ColumnNames(), Reason: fmt.Sprintf("column %q not present", roles.RegionColumn)}
		}
		regionValues = col.Values
	}

	records := make([]models.LongRecord, 0, len(cls.Times)*len(roles.DemandColumns))
	for row, ts := range cls.Times {
		if ts.IsZero() {
			continue
		}
		for i, name := range roles.DemandColumns {
			region := name
			if !roles.IsWide() {
				region = DefaultRegionLabel
				if regionValues != nil {
					region = ""
					if row < len(regionValues) {
						region = strings.TrimSpace(regionValues[row])
					}
					if region == "" {
						continue
					}
				}
			}
			v := math.NaN()
			if row < len(demand[i]) && valid[i][row] {
				v = demand[i][row]
			}
			records = append(records, models.LongRecord{Timestamp: ts, Region: region, Demand: v})
		}
	}
	return records, nil
}

// groupByRegion は時刻順に並んだレコードを地域ごとにまとめ、同一時刻の重複は最初の1件を残します。
func groupByRegion(records []models.LongRecord) (map[string][]models.LongRecord, []string) {
	out := make(map[string][]models.LongRecord)
	var order []string
	for _, r := range records {
		list, seen := out[r.Region]
		if !seen {
			order = append(order, r.Region)
		}
		if len(list) > 0 && list[len(list)-1].Timestamp.Equal(r.Timestamp) {
			continue
		}
		out[r.Region] = append(list, r)
	}
	sort.Strings(order)
	return out, order
}

// DetectInterval は全地域の隣接時刻差の中央値から間隔を判定します。24時間未満なら時間単位です。
func DetectInterval(byRegion map[string][]models.LongRecord) models.Interval {
	var gaps []float64
	for _, list := range byRegion {
		for i := 1; i < len(list); i++ {
			if d := list[i].Timestamp.Sub(list[i-1].Timestamp); d > 0 {
				gaps = append(gaps, d.Hours())
			}
		}
	}
	if len(gaps) == 0 {
		return models.Daily
	}
	sort.Float64s(gaps)
	if stat.Quantile(0.5, stat.Empirical, gaps, nil) < 24 {
		return models.Hourly
	}
	return models.Daily
}

// resample はバケット平均で等間隔化し、空のバケットは時間加重の線形補間で埋めます。
func (n *SeriesNormalizer) resample(region string, list []models.LongRecord, iv models.Interval) ([]models.Observation, error) {
	if len(list) == 0 {
		return nil, nil
	}

	sums := make(map[time.Time]float64)
	counts := make(map[time.Time]int)
	for _, r := range list {
		b := iv.Truncate(r.Timestamp)
		sums[b] += r.Demand
		counts[b]++
	}

	first := iv.Truncate(list[0].Timestamp)
	last := iv.Truncate(list[len(list)-1].Timestamp)

	var grid []time.Time
	for t := first; !t.After(last); t = iv.Next(t, 1) {
		grid = append(grid, t)
		if len(grid) > n.cfg.MaxGridPoints {
			return nil, &DataQualityError{
				Region: region,
				Reason: fmt.Sprintf("resampled series exceeds %d points; check the time column", n.cfg.MaxGridPoints),
			}
		}
	}

	values := make([]float64, len(grid))
	for i, t := range grid {
		if c := counts[t]; c > 0 {
			values[i] = sums[t] / float64(c)
		} else {
			values[i] = math.NaN()
		}
	}
	interpolate(grid, values)

	points := make([]models.Observation, 0, len(grid))
	for i, t := range grid {
		if math.IsNaN(values[i]) {
			continue
		}
		points = append(points, models.Observation{Timestamp: t, Demand: values[i]})
	}
	return trimToContiguous(points, iv), nil
}

// interpolate は NaN の区間を前後の既知点から時間加重で線形補間します。端の NaN はそのまま残します。
func interpolate(grid []time.Time, values []float64) {
	prev := -1
	for i := range values {
		if math.IsNaN(values[i]) {
			continue
		}
		if prev >= 0 && i-prev > 1 {
			span := grid[i].Sub(grid[prev]).Seconds()
			for k := prev + 1; k < i; k++ {
				w := grid[k].Sub(grid[prev]).Seconds() / span
				values[k] = values[prev] + w*(values[i]-values[prev])
			}
		}
		prev = i
	}
}

// trimToContiguous は補間できなかった先頭・末尾を落とした結果、途中に欠けがないことを保証します。
func trimToContiguous(points []models.Observation, iv models.Interval) []models.Observation {
	for i := 1; i < len(points); i++ {
		if !iv.Next(points[i-1].Timestamp, 1).Equal(points[i].Timestamp) {
			return points[:i]
		}
	}
	return points
}

// AggregateDaily は時間単位の系列を日平均に集約します。日次の系列はそのまま返します。
func AggregateDaily(cs *models.CanonicalSeries) *models.CanonicalSeries {
	if cs.Interval == models.Daily {
		return cs
	}
	out := &models.CanonicalSeries{Interval: models.Daily, Series: make(map[string]*models.RegionSeries, len(cs.Series))}
	for region, s := range cs.Series {
		out.Series[region] = AggregateSeriesDaily(s)
	}
	return out
}

// AggregateSeriesDaily は1地域分の系列を日平均に集約します。
func AggregateSeriesDaily(s *models.RegionSeries) *models.RegionSeries {
	if s.Interval == models.Daily {
		return s
	}
	out := &models.RegionSeries{Region: s.Region, Interval: models.Daily}
	var (
		day   time.Time
		sum   float64
		count int
	)
	flush := func() {
		if count > 0 {
			out.Points = append(out.Points, models.Observation{Timestamp: day, Demand: sum / float64(count)})
		}
	}
	for _, p := range s.Points {
		d := models.Daily.Truncate(p.Timestamp)
		if count > 0 && !d.Equal(day) {
			flush()
			sum, count = 0, 0
		}
		day = d
		sum += p.Demand
		count++
	}
	flush()
	return out
}

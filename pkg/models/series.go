package models

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Interval は正規化済み系列のサンプリング間隔です。
type Interval string

const (
	Hourly Interval = "hourly"
	Daily  Interval = "daily"
)

// ParseInterval は間隔指定文字列を解釈します。
// 空文字の場合は自動判定を意味する "" を返します。
func ParseInterval(s string) (Interval, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return "", nil
	case "hourly", "h", "hour":
		return Hourly, nil
	case "daily", "d", "day":
		return Daily, nil
	}
	return "", fmt.Errorf("unknown interval %q", s)
}

// Duration は1ステップの長さを返します。
func (i Interval) Duration() time.Duration {
	if i == Hourly {
		return time.Hour
	}
	return 24 * time.Hour
}

// Truncate は t を間隔の境界に切り捨てます。
func (i Interval) Truncate(t time.Time) time.Time {
	if i == Hourly {
		return t.Truncate(time.Hour)
	}
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Next は t から steps ステップ進めた時刻を返します。日次はカレンダー日で進めます。
func (i Interval) Next(t time.Time, steps int) time.Time {
	if i == Hourly {
		return t.Add(time.Duration(steps) * time.Hour)
	}
	return t.AddDate(0, 0, steps)
}

// Observation は正規化済み系列の1点です。
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Demand    float64   `json:"demand_mw"`
}

// RegionSeries は1地域分の欠損のない等間隔系列です。
type RegionSeries struct {
	Region   string        `json:"region"`
	Interval Interval      `json:"interval"`
	Points   []Observation `json:"points"`
}

// Len は観測数を返します。
func (s *RegionSeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Points)
}

// Values は需要値を時系列順にコピーして返します。
func (s *RegionSeries) Values() []float64 {
	out := make([]float64, len(s.Points))
	for i, p := range s.Points {
		out[i] = p.Demand
	}
	return out
}

// Last は最後の観測を返します。空の系列では panic します。
func (s *RegionSeries) Last() Observation {
	return s.Points[len(s.Points)-1]
}

// Tail は末尾 n 件を返します。n <= 0 の場合は全件を返します。
func (s *RegionSeries) Tail(n int) []Observation {
	if n <= 0 || n >= len(s.Points) {
		return s.Points
	}
	return s.Points[len(s.Points)-n:]
}

// CanonicalSeries は地域ラベルから正規化済み系列へのマップです。
type CanonicalSeries struct {
	Interval Interval                 `json:"interval"`
	Series   map[string]*RegionSeries `json:"series"`
}

// Regions は地域ラベルを昇順で返します。
func (c *CanonicalSeries) Regions() []string {
	out := make([]string, 0, len(c.Series))
	for r := range c.Series {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Region は指定した地域の系列を返します。
func (c *CanonicalSeries) Region(name string) (*RegionSeries, bool) {
	s, ok := c.Series[name]
	return s, ok
}

// ForecastPoint は予測値の1点です。
type ForecastPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// Forecast は1地域分の予測結果です。
type Forecast struct {
	Region   string          `json:"region"`
	Interval Interval        `json:"interval"`
	Order    string          `json:"order,omitempty"`
	Points   []ForecastPoint `json:"points"`
	Warnings []string        `json:"warnings,omitempty"`
}

// Len は予測点の数を返します。
func (f *Forecast) Len() int {
	if f == nil {
		return 0
	}
	return len(f.Points)
}

// Values は予測値を順に返します。
func (f *Forecast) Values() []float64 {
	out := make([]float64, len(f.Points))
	for i, p := range f.Points {
		out[i] = p.Value
	}
	return out
}

// ForecastSummary は地図表示向けに予測を集約した値です。
type ForecastSummary struct {
	Average float64 `json:"average"`
	Total   float64 `json:"total"`
	Peak    float64 `json:"peak"`
}

// RegionForecastResult は複数地域予測の1件分です。Forecast と Error のどちらか一方のみが設定されます。
type RegionForecastResult struct {
	Region   string           `json:"region"`
	Forecast *Forecast        `json:"forecast,omitempty"`
	Summary  *ForecastSummary `json:"summary,omitempty"`
	Error    string           `json:"error,omitempty"`
	Skipped  bool             `json:"skipped,omitempty"`
}

// ForecastBatch は地域ラベル順に並べた予測結果の一覧です。
type ForecastBatch struct {
	DatasetID string                 `json:"dataset_id"`
	Horizon   int                    `json:"horizon"`
	Unit      string                 `json:"unit"`
	Results   []RegionForecastResult `json:"results"`
}

// DatasetSummary はAPIクライアント向けのデータセット概要です。
type DatasetSummary struct {
	ID       string      `json:"id"`
	Name     string      `json:"name"`
	Rows     int         `json:"rows"`
	Columns  []string    `json:"columns"`
	Roles    ColumnRoles `json:"roles"`
	Wide     bool        `json:"wide"`
	Interval Interval    `json:"interval"`
	Regions  []string    `json:"regions"`
	Points   int         `json:"points"`
	LoadedAt time.Time   `json:"loaded_at"`
}

package models

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Column は生データセットの1列を表します。
// 値は読み込んだ文字列のまま保持し、型の判定は列分類の段階で行います。
type Column struct {
	Name   string   `json:"name"`
	Values []string `json:"-"`
}

// IsNumeric は空でない値がすべて数値として解釈できるかを返します。
// 空でない値が1つもない列は数値列とみなしません。
func (c Column) IsNumeric() bool {
	seen := false
	for _, v := range c.Values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			return false
		}
		seen = true
	}
	return seen
}

// DistinctCount は空でない値のユニーク数を返します。
func (c Column) DistinctCount() int {
	set := make(map[string]struct{}, len(c.Values))
	for _, v := range c.Values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		set[v] = struct{}{}
	}
	return len(set)
}

// RawDataset は取得レイヤーから渡される任意形式の表データです。
type RawDataset struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// NumRows は最も長い列の行数を返します。
func (d *RawDataset) NumRows() int {
	n := 0
	for _, c := range d.Columns {
		if len(c.Values) > n {
			n = len(c.Values)
		}
	}
	return n
}

// ColumnNames は列順のヘッダーを返します。
func (d *RawDataset) ColumnNames() []string {
	names := make([]string, len(d.Columns))
	for i, c := range d.Columns {
		names[i] = c.Name
	}
	return names
}

// Column は指定した名前の列を返します。
func (d *RawDataset) Column(name string) (Column, bool) {
	for _, c := range d.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Normalized はヘッダーを正規化したコピーを返します（BOM除去、前後空白除去、小文字化）。
// 重複した列名には出現順に ".1", ".2" を付与し、短い列は空文字で埋めます。
func (d *RawDataset) Normalized() *RawDataset {
	rows := d.NumRows()
	out := &RawDataset{Name: d.Name, Columns: make([]Column, len(d.Columns))}
	seen := make(map[string]int, len(d.Columns))
	for i, c := range d.Columns {
		name := NormalizeHeader(c.Name)
		if n, ok := seen[name]; ok {
			seen[name] = n + 1
			name = fmt.Sprintf("%s.%d", name, n+1)
		} else {
			seen[name] = 0
		}
		values := make([]string, rows)
		copy(values, c.Values)
		out.Columns[i] = Column{Name: name, Values: values}
	}
	return out
}

// NormalizeHeader はヘッダーセルのBOMと空白を除去して小文字化します。
func NormalizeHeader(h string) string {
	h = strings.TrimPrefix(h, "\ufeff")
	return strings.ToLower(strings.TrimSpace(h))
}

// ColumnRoles はデータセット内の各列の役割（時刻・需要・地域）を表します。
type ColumnRoles struct {
	TimeColumn    string   `json:"time_column"`
	DemandColumns []string `json:"demand_columns"`
	RegionColumn  string   `json:"region_column,omitempty"`
}

// IsWide は地域ごとに需要列を持つワイド形式かどうかを返します。
func (r ColumnRoles) IsWide() bool {
	return len(r.DemandColumns) > 1
}

// HasRegion は地域列が検出されたかどうかを返します。
func (r ColumnRoles) HasRegion() bool {
	return r.RegionColumn != ""
}

// Validate は役割の整合性を検証します。
func (r ColumnRoles) Validate() error {
	if r.TimeColumn == "" {
		return fmt.Errorf("time column is empty")
	}
	if len(r.DemandColumns) == 0 {
		return fmt.Errorf("no demand columns")
	}
	for _, d := range r.DemandColumns {
		if d == r.TimeColumn {
			return fmt.Errorf("time column %q is also a demand column", d)
		}
		if r.RegionColumn != "" && d == r.RegionColumn {
			return fmt.Errorf("region column %q is also a demand column", d)
		}
	}
	if r.RegionColumn != "" && r.RegionColumn == r.TimeColumn {
		return fmt.Errorf("region column %q is also the time column", r.RegionColumn)
	}
	return nil
}

// Classification は列分類の結果です。
// Times には時刻列をパースした値が入り、失敗した行はゼロ値になります。
type Classification struct {
	Roles      ColumnRoles `json:"roles"`
	Times      []time.Time `json:"-"`
	TimeParsed int         `json:"time_parsed"`
}

// LongRecord はロング形式の1レコード（時刻, 地域, 需要）です。欠損時の Demand は NaN です。
type LongRecord struct {
	Timestamp time.Time
	Region    string
	Demand    float64
}

// Missing は需要値が欠損しているかを返します。
func (r LongRecord) Missing() bool {
	return math.IsNaN(r.Demand)
}

package services

import (
	"strings"
	"time"

	"energycast/pkg/models"

	"github.com/sirupsen/logrus"
)

// DefaultRegionLabel は地域列がないデータセットに付与する地域ラベルです。
const DefaultRegionLabel = "all"

// ClassifierConfig は列分類で使うキーワードと閾値をまとめたものです。
type ClassifierConfig struct {
	TimeKeywords      []string
	TimezoneTokens    []string
	DemandKeywords    []string
	RegionKeywords    []string
	MinNumericRatio   float64
	MinDistinctValues int
	TimestampLayouts  []string
}

// DefaultClassifierConfig は標準の分類設定を返します。
func DefaultClassifierConfig() ClassifierConfig {
	return ClassifierConfig{
		TimeKeywords:      []string{"datetime", "timestamp", "time", "date", "hour_ending", "hour"},
		TimezoneTokens:    []string{"timezone", "tz"},
		DemandKeywords:    []string{"mw", "mwh", "demand", "load", "consumption", "value"},
		RegionKeywords:    []string{"region", "respondent", "ba", "balancing", "market", "name", "area", "state"},
		MinNumericRatio:   0.9,
		MinDistinctValues: 50,
		TimestampLayouts:  DefaultTimestampLayouts(),
	}
}

// DefaultTimestampLayouts は時刻列の解析に試すレイアウトを優先順で返します。
func DefaultTimestampLayouts() []string {
	return []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02 15:04",
		"2006-01-02T15:04",
		"2006-01-02T15",
		"2006-01-02",
		"2006/01/02 15:04:05",
		"2006/01/02 15:04",
		"2006/01/02",
		"1/2/2006 15:04:05",
		"1/2/2006 15:04",
		"1/2/2006 3:04:05 PM",
		"1/2/2006 3:04 PM",
		"1/2/2006",
		"02-Jan-2006 15:04",
		"02-Jan-2006",
		"Jan 2, 2006",
		"2006-01",
	}
}

// ColumnClassifier は任意のCSVから時刻・需要・地域の各列を推定します。
type ColumnClassifier struct {
	cfg    ClassifierConfig
	logger *logrus.Logger
}

// NewColumnClassifier は新しいColumnClassifierを生成します。
func NewColumnClassifier(cfg ClassifierConfig, logger *logrus.Logger) *ColumnClassifier {
	if len(cfg.TimestampLayouts) == 0 {
		cfg.TimestampLayouts = DefaultTimestampLayouts()
	}
	return &ColumnClassifier{cfg: cfg, logger: logger}
}

// Config は分類設定を返します。
func (c *ColumnClassifier) Config() ClassifierConfig {
	return c.cfg
}

// Classify は正規化済みヘッダーを持つデータセットの列の役割を判定します。
func (c *ColumnClassifier) Classify(ds *models.RawDataset) (*models.Classification, error) {
	timeCol, times, parsed, err := c.detectTimeColumn(ds)
	if err != nil {
		return nil, err
	}

	demandCols, err := c.detectDemandColumns(ds, timeCol)
	if err != nil {
		return nil, err
	}

	roles := models.ColumnRoles{TimeColumn: timeCol, DemandColumns: demandCols}
	if len(demandCols) == 1 {
		roles.RegionColumn = c.detectRegionColumn(ds, timeCol, demandCols[0])
	}
	if err := roles.Validate(); err != nil {
		return nil, &SchemaError{Column: "demand", Reason: err.Error()}
	}

	c.logger.WithFields(logrus.Fields{
		"dataset":        ds.Name,
		"time_column":    roles.TimeColumn,
		"demand_columns": roles.DemandColumns,
		"region_column":  roles.RegionColumn,
		"time_parsed":    parsed,
	}).Debug("columns classified")

	return &models.Classification{Roles: roles, Times: times, TimeParsed: parsed}, nil
}

// timeCandidates はキーワードの優先順に候補列を並べます。
// キーワードに一致する列がなければ全列が候補になります。
func (c *ColumnClassifier) timeCandidates(ds *models.RawDataset) []models.Column {
	var out []models.Column
	added := make(map[string]bool)
	for _, kw := range c.cfg.TimeKeywords {
		for _, col := range ds.Columns {
			if added[col.Name] || c.isTimezoneColumn(col.Name) {
				continue
			}
			if matchesKeyword(col.Name, kw) {
				out = append(out, col)
				added[col.Name] = true
			}
		}
	}
	if len(out) == 0 {
		return ds.Columns
	}
	return out
}

func (c *ColumnClassifier) isTimezoneColumn(name string) bool {
	for _, tok := range c.cfg.TimezoneTokens {
		if matchesKeyword(name, tok) {
			return true
		}
	}
	return false
}

func (c *ColumnClassifier) detectTimeColumn(ds *models.RawDataset) (string, []time.Time, int, error) {
	candidates := c.timeCandidates(ds)

	bestName := ""
	var bestTimes []time.Time
	bestCount := 0
	for _, col := range candidates {
		if col.IsNumeric() {
			continue
		}
		times, count := c.parseTimes(col.Values)
		if count > bestCount {
			bestName, bestTimes, bestCount = col.Name, times, count
		}
	}
	if bestCount == 0 {
		return "", nil, 0, &SchemaError{
			Column:   "time",
			Searched: columnNames(candidates),
			Reason:   "no candidate produced a parseable timestamp",
		}
	}
	return bestName, bestTimes, bestCount, nil
}

func (c *ColumnClassifier) parseTimes(values []string) ([]time.Time, int) {
	times := make([]time.Time, len(values))
	count := 0
	for i, v := range values {
		if t, ok := ParseTimestamp(v, c.cfg.TimestampLayouts); ok {
			times[i] = t
			count++
		}
	}
	return times, count
}

func (c *ColumnClassifier) detectDemandColumns(ds *models.RawDataset, timeCol string) ([]string, error) {
	var out []string
	var searched []string
	for _, col := range ds.Columns {
		if col.Name == timeCol {
			continue
		}
		searched = append(searched, col.Name)

		values, ok := CleanDemandColumn(col.Values)
		successes := 0
		distinct := make(map[float64]struct{})
		for i, v := range values {
			if ok[i] {
				successes++
				distinct[v] = struct{}{}
			}
		}
		if successes == 0 {
			continue
		}
		ratio := 0.0
		if len(values) > 0 {
			ratio = float64(successes) / float64(len(values))
		}

		byKeyword := c.matchesAny(col.Name, c.cfg.DemandKeywords)
		byStats := ratio >= c.cfg.MinNumericRatio && len(distinct) >= c.cfg.MinDistinctValues
		if byKeyword || byStats {
			out = append(out, col.Name)
		}
	}
	if len(out) == 0 {
		return nil, &SchemaError{Column: "demand", Searched: searched, Reason: "no numeric column matched a demand keyword or the numeric thresholds"}
	}
	return out, nil
}

func (c *ColumnClassifier) detectRegionColumn(ds *models.RawDataset, timeCol, demandCol string) string {
	var rest []models.Column
	for _, col := range ds.Columns {
		if col.Name != timeCol && col.Name != demandCol {
			rest = append(rest, col)
		}
	}

	for _, kw := range c.cfg.RegionKeywords {
		for _, col := range rest {
			if matchesKeyword(col.Name, kw) && col.DistinctCount() > 1 {
				return col.Name
			}
		}
	}

	best := ""
	bestDistinct := 1
	for _, col := range rest {
		if col.IsNumeric() {
			continue
		}
		if n := col.DistinctCount(); n > bestDistinct {
			best, bestDistinct = col.Name, n
		}
	}
	return best
}

func (c *ColumnClassifier) matchesAny(name string, keywords []string) bool {
	for _, kw := range keywords {
		if matchesKeyword(name, kw) {
			return true
		}
	}
	return false
}

// matchesKeyword は列名がキーワードを部分文字列として含むかを判定します。
func matchesKeyword(name, kw string) bool {
	return strings.Contains(name, kw)
}

// ParseTimestamp はレイアウトを順に試して時刻を解析します。結果はUTCに揃えます。
func ParseTimestamp(s string, layouts []string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func columnNames(cols []models.Column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.Name
	}
	return out
}

package services

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"energycast/pkg/models"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// HorizonUnit は予測期間の単位です。
type HorizonUnit string

const (
	UnitDays  HorizonUnit = "days"
	UnitHours HorizonUnit = "hours"
)

// ParseHorizonUnit は単位文字列を解釈します。空文字は日単位として扱います。
func ParseHorizonUnit(s string) (HorizonUnit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "days", "day", "d", "daily":
		return UnitDays, nil
	case "hours", "hour", "h", "hourly":
		return UnitHours, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidUnit, s)
}

// ServiceConfig はForecastServiceの設定です。
type ServiceConfig struct {
	MaxHorizon int
	Workers    int
	Classifier ClassifierConfig
	Normalizer NormalizerConfig
	Engine     EngineConfig
}

// DefaultServiceConfig は標準の設定を返します。
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		MaxHorizon: 60,
		Workers:    4,
		Classifier: DefaultClassifierConfig(),
		Normalizer: DefaultNormalizerConfig(),
		Engine:     EngineConfig{FitTimeout: 20 * time.Second},
	}
}

// PreparedDataset は分類と正規化を済ませたデータセットです。作成後は変更しません。
type PreparedDataset struct {
	ID             string
	Name           string
	Rows           int
	Columns        []string
	Classification *models.Classification
	Series         *models.CanonicalSeries
	Daily          *models.CanonicalSeries
	LoadedAt       time.Time

	fingerprints map[string]string
}

// SeriesFor は単位に応じた系列を返します。日単位では時間データを日平均に集約した系列を使います。
func (p *PreparedDataset) SeriesFor(unit HorizonUnit) (*models.CanonicalSeries, error) {
	if unit == UnitHours {
		if p.Series.Interval != models.Hourly {
			return nil, fmt.Errorf("%w: hourly horizon requires hourly data, dataset is %s", ErrInvalidUnit, p.Series.Interval)
		}
		return p.Series, nil
	}
	return p.Daily, nil
}

// Summary はAPI向けの概要を返します。
func (p *PreparedDataset) Summary() models.DatasetSummary {
	points := 0
	for _, s := range p.Series.Series {
		points += s.Len()
	}
	return models.DatasetSummary{
		ID:       p.ID,
		Name:     p.Name,
		Rows:     p.Rows,
		Columns:  p.Columns,
		Roles:    p.Classification.Roles,
		Wide:     p.Classification.Roles.IsWide(),
		Interval: p.Series.Interval,
		Regions:  p.Series.Regions(),
		Points:   points,
		LoadedAt: p.LoadedAt,
	}
}

func (p *PreparedDataset) seriesFingerprint(unit HorizonUnit, region string) string {
	return p.fingerprints[string(unit)+"/"+region]
}

// ForecastService はデータセットのメモ化、地域ごとの並列予測、予測結果のメモ化を担います。
type ForecastService struct {
	cfg        ServiceConfig
	classifier *ColumnClassifier
	normalizer *SeriesNormalizer
	engine     *ForecastEngine
	cache      ForecastCache
	metrics    *Metrics
	logger     *logrus.Logger

	mu       sync.RWMutex
	datasets map[string]*PreparedDataset
	flights  singleflight.Group
}

// NewForecastService は新しいForecastServiceを生成します。cache が nil の場合はメモリキャッシュを使います。
func NewForecastService(cfg ServiceConfig, cache ForecastCache, metrics *Metrics, logger *logrus.Logger) *ForecastService {
	if cfg.MaxHorizon <= 0 {
		cfg.MaxHorizon = DefaultServiceConfig().MaxHorizon
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cache == nil {
		cache = NewMemoryForecastCache()
	}
	return &ForecastService{
		cfg:        cfg,
		classifier: NewColumnClassifier(cfg.Classifier, logger),
		normalizer: NewSeriesNormalizer(cfg.Normalizer, logger),
		engine:     NewForecastEngine(cfg.Engine, logger, metrics),
		cache:      cache,
		metrics:    metrics,
		logger:     logger,
		datasets:   make(map[string]*PreparedDataset),
	}
}

// MaxHorizon は受け付ける最大の予測期間です。
func (s *ForecastService) MaxHorizon() int {
	return s.cfg.MaxHorizon
}

// DatasetFingerprint はデータセットの内容（と固定する間隔）からSHA-256の識別子を計算します。
func DatasetFingerprint(data []byte, interval models.Interval) string {
	h := sha256.New()
	h.Write(data)
	if interval != "" {
		h.Write([]byte("|interval=" + string(interval)))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PrepareDataset は生データを読み込み、分類・正規化した結果をメモ化して返します。
// 同じ内容のデータセットは再計算しません。
func (s *ForecastService) PrepareDataset(ctx context.Context, name string, data []byte, interval models.Interval) (*PreparedDataset, error) {
	id := DatasetFingerprint(data, interval)
	return s.prepareOnce(ctx, id, name, interval, func() (*models.RawDataset, error) {
		return LoadDatasetBytes(name, data)
	})
}

// PrepareFile はローカルにキャッシュされたデータセットファイルを読み込みます。
func (s *ForecastService) PrepareFile(ctx context.Context, path string, interval models.Interval) (*PreparedDataset, error) {
	raw, data, err := LoadDatasetFile(path)
	if err != nil {
		return nil, err
	}
	id := DatasetFingerprint(data, interval)
	return s.prepareOnce(ctx, id, raw.Name, interval, func() (*models.RawDataset, error) {
		return raw, nil
	})
}

func (s *ForecastService) prepareOnce(ctx context.Context, id, name string, interval models.Interval, load func() (*models.RawDataset, error)) (*PreparedDataset, error) {
	s.mu.RLock()
	if ds, ok := s.datasets[id]; ok {
		s.mu.RUnlock()
		s.metrics.CacheHit("dataset")
		return ds, nil
	}
	s.mu.RUnlock()
	s.metrics.CacheMiss("dataset")
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v, err, _ := s.flights.Do("dataset:"+id, func() (interface{}, error) {
		s.mu.RLock()
		if ds, ok := s.datasets[id]; ok {
			s.mu.RUnlock()
			return ds, nil
		}
		s.mu.RUnlock()

		ds, err := s.prepare(id, name, load, interval)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.datasets[id] = ds
		n := len(s.datasets)
		s.mu.Unlock()
		s.metrics.SetDatasets(n)
		return ds, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*PreparedDataset), nil
}

func (s *ForecastService) prepare(id, name string, load func() (*models.RawDataset, error), interval models.Interval) (*PreparedDataset, error) {
	raw, err := load()
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset %q: %w", name, err)
	}

	norm := raw.Normalized()
	cls, err := s.classifier.Classify(norm)
	if err != nil {
		return nil, fmt.Errorf("failed to classify columns of %q: %w", name, err)
	}

	normalizer := s.normalizer
	if interval != "" {
		normalizer = normalizer.WithInterval(interval)
	}
	series, err := normalizer.Normalize(norm, cls)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize %q: %w", name, err)
	}

	ds := &PreparedDataset{
		ID:             id,
		Name:           name,
		Rows:           norm.NumRows(),
		Columns:        norm.ColumnNames(),
		Classification: cls,
		Series:         series,
		Daily:          AggregateDaily(series),
		LoadedAt:       time.Now().UTC(),
		fingerprints:   make(map[string]string),
	}
	for region, rs := range ds.Daily.Series {
		ds.fingerprints[string(UnitDays)+"/"+region] = SeriesFingerprint(rs)
	}
	if series.Interval == models.Hourly {
		for region, rs := range series.Series {
			ds.fingerprints[string(UnitHours)+"/"+region] = SeriesFingerprint(rs)
		}
	}

	s.logger.WithFields(logrus.Fields{
		"dataset_id": id,
		"name":       name,
		"rows":       ds.Rows,
		"regions":    len(series.Series),
		"interval":   series.Interval,
		"wide":       cls.Roles.IsWide(),
	}).Info("dataset prepared")
	return ds, nil
}

// SeriesFingerprint は系列の時刻と値からSHA-256の識別子を計算します。
func SeriesFingerprint(rs *models.RegionSeries) string {
	h := sha256.New()
	h.Write([]byte(rs.Region))
	h.Write([]byte(rs.Interval))
	buf := make([]byte, 16)
	for _, p := range rs.Points {
		binary.LittleEndian.PutUint64(buf[:8], uint64(p.Timestamp.Unix()))
		binary.LittleEndian.PutUint64(buf[8:], math.Float64bits(p.Demand))
		h.Write(buf)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Dataset はメモ化済みのデータセットを返します。
func (s *ForecastService) Dataset(id string) (*PreparedDataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ds, ok := s.datasets[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	return ds, nil
}

// Datasets は読み込み済みデータセットの概要を読み込み順に返します。
func (s *ForecastService) Datasets() []models.DatasetSummary {
	s.mu.RLock()
	out := make([]models.DatasetSummary, 0, len(s.datasets))
	for _, ds := range s.datasets {
		out = append(out, ds.Summary())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].LoadedAt.Equal(out[j].LoadedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].LoadedAt.Before(out[j].LoadedAt)
	})
	return out
}

// DeleteDataset はデータセットとその予測キャッシュを破棄します。
func (s *ForecastService) DeleteDataset(ctx context.Context, id string) error {
	s.mu.Lock()
	_, ok := s.datasets[id]
	delete(s.datasets, id)
	n := len(s.datasets)
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrDatasetNotFound, id)
	}
	s.metrics.SetDatasets(n)
	removed := s.cache.InvalidatePrefix(ctx, id+":")
	s.logger.WithFields(logrus.Fields{"dataset_id": id, "forecasts_removed": removed}).Info("dataset invalidated")
	return nil
}

// InvalidateAll はすべてのデータセットと予測キャッシュを破棄します。
func (s *ForecastService) InvalidateAll(ctx context.Context) {
	s.mu.Lock()
	s.datasets = make(map[string]*PreparedDataset)
	s.mu.Unlock()
	s.metrics.SetDatasets(0)
	s.cache.Flush(ctx)
	s.logger.Info("all datasets and forecasts invalidated")
}

// FlushForecasts は予測キャッシュのみを破棄します。
func (s *ForecastService) FlushForecasts(ctx context.Context) {
	s.cache.Flush(ctx)
}

// RegionSeries は指定した単位での地域の系列を返します。
func (s *ForecastService) RegionSeries(id, region string, unit HorizonUnit) (*models.RegionSeries, error) {
	ds, err := s.Dataset(id)
	if err != nil {
		return nil, err
	}
	cs, err := ds.SeriesFor(unit)
	if err != nil {
		return nil, err
	}
	rs, ok := cs.Region(region)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}
	return rs, nil
}

func (s *ForecastService) validateHorizon(horizon int) error {
	if horizon < 1 || horizon > s.cfg.MaxHorizon {
		return fmt.Errorf("%w: got %d, allowed 1..%d", ErrInvalidHorizon, horizon, s.cfg.MaxHorizon)
	}
	return nil
}

// Forecast は1地域分の予測を返します。同じ条件の予測はキャッシュから返し、同時に来た同一リクエストは1回の推定にまとめます。
func (s *ForecastService) Forecast(ctx context.Context, id, region string, horizon int, unit HorizonUnit) (*models.Forecast, error) {
	if err := s.validateHorizon(horizon); err != nil {
		return nil, err
	}
	ds, err := s.Dataset(id)
	if err != nil {
		return nil, err
	}
	return s.forecastRegion(ctx, ds, region, horizon, unit)
}

func (s *ForecastService) forecastRegion(ctx context.Context, ds *PreparedDataset, region string, horizon int, unit HorizonUnit) (*models.Forecast, error) {
	cs, err := ds.SeriesFor(unit)
	if err != nil {
		return nil, err
	}
	rs, ok := cs.Region(region)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRegionNotFound, region)
	}

	key := ForecastCacheKey(ds.ID, region, horizon, string(unit), ds.seriesFingerprint(unit, region))
	if fc, ok := s.cache.Get(ctx, key); ok {
		s.metrics.CacheHit("forecast")
		return fc, nil
	}
	s.metrics.CacheMiss("forecast")

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// 推定は呼び出し元のキャンセルから切り離し、エンジンの FitTimeout で打ち切ります。
	// 待機側はそれぞれ自分の ctx で離脱できます。
	fitCtx := context.WithoutCancel(ctx)
	ch := s.flights.DoChan("forecast:"+key, func() (interface{}, error) {
		if fc, ok := s.cache.Get(fitCtx, key); ok {
			return fc, nil
		}
		fc, err := s.engine.Forecast(fitCtx, rs, horizon)
		if err != nil {
			s.metrics.ForecastOutcome(string(rs.Interval), outcomeLabel(err))
			return nil, err
		}
		s.metrics.ForecastOutcome(string(rs.Interval), "ok")
		s.cache.Set(fitCtx, key, fc)
		return fc, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*models.Forecast), nil
	}
}

func outcomeLabel(err error) string {
	switch {
	case IsRecoverable(err):
		return "insufficient_history"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "error"
	}
}

// ForecastAll は全地域を並列に予測します。地域ごとの失敗は結果に記録し、他の地域の処理は継続します。
// 結果は地域ラベル順に並びます。
func (s *ForecastService) ForecastAll(ctx context.Context, id string, horizon int, unit HorizonUnit) (*models.ForecastBatch, error) {
	if err := s.validateHorizon(horizon); err != nil {
		return nil, err
	}
	ds, err := s.Dataset(id)
	if err != nil {
		return nil, err
	}
	cs, err := ds.SeriesFor(unit)
	if err != nil {
		return nil, err
	}

	regions := cs.Regions()
	results := make([]models.RegionForecastResult, len(regions))

	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)
	for i, region := range regions {
		i, region := i, region
		g.Go(func() error {
			res := models.RegionForecastResult{Region: region}
			fc, err := s.forecastRegion(ctx, ds, region, horizon, unit)
			switch {
			case err == nil:
				summary := Summarize(fc)
				res.Forecast, res.Summary = fc, &summary
			case IsRecoverable(err):
				res.Error, res.Skipped = err.Error(), true
			default:
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	skipped := 0
	for _, r := range results {
		if r.Error != "" {
			skipped++
		}
	}
	s.logger.WithFields(logrus.Fields{
		"dataset_id": id,
		"regions":    len(regions),
		"failed":     skipped,
		"horizon":    horizon,
		"unit":       unit,
	}).Info("batch forecast completed")

	return &models.ForecastBatch{DatasetID: id, Horizon: horizon, Unit: string(unit), Results: results}, nil
}

// ParseHorizon はクエリ文字列の予測期間を解釈します。空文字の場合は既定値を返します。
func ParseHorizon(raw string, def int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return def, nil
	}
	h, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an integer", ErrInvalidHorizon, raw)
	}
	return h, nil
}

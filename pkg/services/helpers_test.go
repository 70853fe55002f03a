package services

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"math"
	"strconv"
	"testing"
	"time"

	"energycast/pkg/logging"
	"energycast/pkg/models"

	"github.com/stretchr/testify/require"
)

func buildCSV(t *testing.T, header []string, rows [][]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	require.NoError(t, w.Write(header))
	require.NoError(t, w.WriteAll(rows))
	return buf.Bytes()
}

func dataset(header []string, rows [][]string) *models.RawDataset {
	cols := make([]models.Column, len(header))
	for i, h := range header {
		cols[i].Name = h
		for _, r := range rows {
			cols[i].Values = append(cols[i].Values, r[i])
		}
	}
	return (&models.RawDataset{Name: "test.csv", Columns: cols}).Normalized()
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', 2, 64)
}

func dailyDemand(i int) float64 {
	return 1000 + 50*math.Sin(2*math.Pi*float64(i)/7) + float64(i)
}

func dailySeries(region string, start time.Time, n int) *models.RegionSeries {
	s := &models.RegionSeries{Region: region, Interval: models.Daily}
	for i := 0; i < n; i++ {
		s.Points = append(s.Points, models.Observation{
			Timestamp: start.AddDate(0, 0, i),
			Demand:    dailyDemand(i),
		})
	}
	return s
}

func hourlySeries(region string, start time.Time, n int) *models.RegionSeries {
	s := &models.RegionSeries{Region: region, Interval: models.Hourly}
	for i := 0; i < n; i++ {
		s.Points = append(s.Points, models.Observation{
			Timestamp: start.Add(time.Duration(i) * time.Hour),
			Demand:    25000 + 4000*math.Sin(2*math.Pi*float64(i)/24) + float64(i%5)*10,
		})
	}
	return s
}

// wideDailyRows は CAL を n 日分、TEX を先頭 texDays 日分だけ持つワイド形式の行を返します。
func wideDailyRows(n, texDays int) [][]string {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([][]string, n)
	for i := 0; i < n; i++ {
		tex := "-"
		if i < texDays {
			tex = fmt.Sprintf("%.2f", dailyDemand(i)*2)
		}
		rows[i] = []string{
			start.AddDate(0, 0, i).Format("2006-01-02"),
			fmt.Sprintf("%.2f", dailyDemand(i)),
			tex,
		}
	}
	return rows
}

func newTestService(t *testing.T) (*ForecastService, *MemoryForecastCache, *Metrics) {
	t.Helper()
	cache := NewMemoryForecastCache()
	metrics := NewMetrics()
	cfg := DefaultServiceConfig()
	cfg.Workers = 2
	return NewForecastService(cfg, cache, metrics, logging.Discard()), cache, metrics
}

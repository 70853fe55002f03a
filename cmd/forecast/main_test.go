package main

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeWideCSV(t *testing.T, days, texDays int) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("datetime,CAL_mw,TEX_mw\n")
	for i := 0; i < days; i++ {
		v := 1000 + 50*math.Sin(2*math.Pi*float64(i)/7) + float64(i)
		tex := "-"
		if i < texDays {
			tex = fmt.Sprintf("%.2f", v*2)
		}
		d := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, i)
		fmt.Fprintf(&b, "%s,%.2f,%s\n", d.Format("2006-01-02"), v, tex)
	}
	path := filepath.Join(t.TempDir(), "region_demand.csv")
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0o644))
	return path
}

func TestRunSingleRegion(t *testing.T) {
	path := writeWideCSV(t, 14, 14)
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"--file", path, "--horizon", "7", "--region", "cal_mw", "--metric", "peak"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())

	out := stdout.String()
	assert.Contains(t, out, "time:     datetime")
	assert.Contains(t, out, "demand:   cal_mw, tex_mw")
	assert.Contains(t, out, "2024-01-15T00:00:00Z")
	assert.Contains(t, out, "2024-01-21T00:00:00Z")
	assert.NotContains(t, out, "2024-01-22")
	assert.Contains(t, out, "PEAK")
}

func TestRunAllRegionsReportsSkipped(t *testing.T) {
	path := writeWideCSV(t, 30, 8)
	var stdout, stderr bytes.Buffer

	err := run(context.Background(), []string{"-f", path, "-n", "3"}, &stdout, &stderr)
	require.NoError(t, err, stderr.String())
	assert.Contains(t, stdout.String(), "tex_mw")
	assert.Contains(t, stdout.String(), "skipped: insufficient history")
	assert.Contains(t, stdout.String(), "AVERAGE")
}

func TestRunRejectsBadFlags(t *testing.T) {
	var stdout, stderr bytes.Buffer
	path := writeWideCSV(t, 14, 14)

	t.Setenv("ENERGYCAST_DATASET_PATH", "")
	assert.EqualError(t, run(context.Background(), nil, &stdout, &stderr), "--file is required")
	assert.Error(t, run(context.Background(), []string{"--file", path, "--unit", "weeks"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"--file", path, "--metric", "median"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"--file", path, "--interval", "monthly"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"--file", path, "--region", "nyis"}, &stdout, &stderr))
	assert.Error(t, run(context.Background(), []string{"--bogus"}, &stdout, &stderr))
}

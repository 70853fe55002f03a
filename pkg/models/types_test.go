package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeHeader(t *testing.T) {
	cases := map[string]string{
		"\ufeffDateTime": "datetime",
		"  CAL_mw ":      "cal_mw",
		"Region":         "region",
	}
	for in, want := range cases {
		assert.Equal(t, want, NormalizeHeader(in), in)
	}
}

func TestRawDatasetNormalized(t *testing.T) {
	ds := &RawDataset{Name: "x.csv", Columns: []Column{
		{Name: "\ufeffDate", Values: []string{"2024-01-01", "2024-01-02"}},
		{Name: " TEX_MW", Values: []string{"1"}},
		{Name: "tex_mw", Values: []string{"2", "3"}},
	}}

	norm := ds.Normalized()
	assert.Equal(t, []string{"date", "tex_mw", "tex_mw.1"}, norm.ColumnNames())
	assert.Equal(t, []string{"1", ""}, norm.Columns[1].Values)
	assert.Equal(t, "\ufeffDate", ds.Columns[0].Name)
}

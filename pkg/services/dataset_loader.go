package services

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"energycast/pkg/models"

	"github.com/xuri/excelize/v2"
)

// zipMagic は .xlsx（ZIPコンテナ）の先頭バイトです。
var zipMagic = []byte("PK\x03\x04")

// LoadDatasetFile はローカルファイルからデータセットを読み込みます。
// ダウンロード済みのキャッシュファイルを読むためのフォールバック経路です。
func LoadDatasetFile(path string) (*models.RawDataset, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read dataset file: %w", err)
	}
	ds, err := LoadDatasetBytes(filepath.Base(path), data)
	if err != nil {
		return nil, nil, err
	}
	return ds, data, nil
}

// LoadDatasetBytes はファイル名と内容から RawDataset を構築します。
// .xlsx（またはZIPシグネチャ）は最初のシートを、それ以外はCSVとして読み込みます。
func LoadDatasetBytes(name string, data []byte) (*models.RawDataset, error) {
	var (
		rows [][]string
		err  error
	)
	if strings.HasSuffix(strings.ToLower(name), ".xlsx") || bytes.HasPrefix(data, zipMagic) {
		rows, err = readExcelRows(data)
	} else {
		rows, err = readCSVRows(data)
	}
	if err != nil {
		return nil, err
	}
	return rowsToDataset(name, rows)
}

func readExcelRows(data []byte) ([][]string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open workbook: %v", ErrInvalidDataset, err)
	}
	defer f.Close()

	rows, err := f.GetRows(f.GetSheetName(0))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read sheet rows: %v", ErrInvalidDataset, err)
	}
	return rows, nil
}

func readCSVRows(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	var rows [][]string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: failed to parse CSV: %v", ErrInvalidDataset, err)
		}
		rows = append(rows, rec)
	}
	return rows, nil
}

// rowsToDataset は行指向のセルを列指向の RawDataset に変換します。
// 1行目をヘッダーとし、空行は読み飛ばします。
func rowsToDataset(name string, rows [][]string) (*models.RawDataset, error) {
	if len(rows) == 0 {
		return nil, fmt.Errorf("%w: no header row", ErrInvalidDataset)
	}
	header := rows[0]
	if len(header) == 0 {
		return nil, fmt.Errorf("%w: header is empty", ErrInvalidDataset)
	}

	cols := make([]models.Column, len(header))
	for i, h := range header {
		if strings.TrimSpace(h) == "" {
			h = fmt.Sprintf("column_%d", i+1)
		}
		cols[i] = models.Column{Name: h}
	}

	dataRows := 0
	for _, row := range rows[1:] {
		if isBlankRow(row) {
			continue
		}
		for i := range cols {
			v := ""
			if i < len(row) {
				v = row[i]
			}
			cols[i].Values = append(cols[i].Values, v)
		}
		dataRows++
	}
	if dataRows == 0 {
		return nil, fmt.Errorf("%w: header but no data rows", ErrInvalidDataset)
	}
	return &models.RawDataset{Name: name, Columns: cols}, nil
}

func isBlankRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

package services

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrDatasetNotFound は指定されたデータセットIDが存在しない場合に返されます。
	ErrDatasetNotFound = errors.New("dataset not found")
	// ErrRegionNotFound は指定された地域がデータセットに含まれない場合に返されます。
	ErrRegionNotFound = errors.New("region not found")
	// ErrInvalidHorizon は予測期間が正の整数でない場合に返されます。
	ErrInvalidHorizon = errors.New("horizon must be a positive number of steps")
	// ErrInvalidUnit は予測期間の単位が不正、またはデータの間隔と合わない場合に返されます。
	ErrInvalidUnit = errors.New("invalid horizon unit")
	// ErrInvalidDataset はアップロードされたファイルを表として読めない場合に返されます。
	ErrInvalidDataset = errors.New("invalid dataset file")
)

// SchemaError は列の役割を特定できなかったことを表します。データセット単位で致命的です。
type SchemaError struct {
	Column   string   // "time", "demand", "region"
	Searched []string // 探索した列名
	Reason   string
}

func (e *SchemaError) Error() string {
	msg := fmt.Sprintf("no usable %s column", e.Column)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if len(e.Searched) > 0 {
		msg += fmt.Sprintf(" (searched: %s)", strings.Join(e.Searched, ", "))
	}
	return msg
}

// DataQualityError はクリーニング後に有効なデータが残らなかったことを表します。
type DataQualityError struct {
	Region string
	Reason string
}

func (e *DataQualityError) Error() string {
	if e.Region == "" {
		return e.Reason
	}
	return fmt.Sprintf("region %q: %s", e.Region, e.Reason)
}

// InsufficientHistoryError は地域の履歴が短すぎる、またはモデルが数値的に破綻したことを表します。
// 呼び出し側はその地域をスキップして処理を続行できます。
type InsufficientHistoryError struct {
	Region string
	Have   int
	Need   int
	Cause  error
}

func (e *InsufficientHistoryError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("insufficient history for region %q: %v", e.Region, e.Cause)
	}
	return fmt.Sprintf("insufficient history for region %q: have %d observations, need %d", e.Region, e.Have, e.Need)
}

func (e *InsufficientHistoryError) Unwrap() error {
	return e.Cause
}

// NumericFitWarning はモデル推定が境界付近に張り付いたなど、致命的でない数値上の警告です。
type NumericFitWarning struct {
	Message string
}

func (w NumericFitWarning) Error() string {
	return "numeric fit warning: " + w.Message
}

// IsRecoverable は地域単位でスキップ可能なエラーかどうかを返します。
func IsRecoverable(err error) bool {
	var ih *InsufficientHistoryError
	return errors.As(err, &ih)
}

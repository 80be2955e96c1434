// Package errors はプロジェクト全体のエラーハンドリングと警告システムを提供します。
// 学習ループ・データローダ・チェックポイントで発生するエラーに構造化された情報を付与します。
package errors

import (
	"fmt"
	"log"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"
)

// ===========================================================================
//
//	グローバル警告ハンドリング
//
// ===========================================================================
var (
	warningMutex   sync.Mutex
	warningHandler = func(w error) {
		log.Printf("finetune-warning: %v\n", w)
	}
	// zerologロガー（循環importを避けるため遅延初期化）
	zerologWarnFunc func(warning error)
)

// SetWarningHandler は警告ハンドラを設定します。
//
// 例:
//
//	errors.SetWarningHandler(func(w error) {
//	    // 警告を無視する
//	})
func SetWarningHandler(handler func(w error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	warningHandler = handler
}

// SetZerologWarnFunc はzerolog警告関数を設定します（循環importを避けるため）。
func SetZerologWarnFunc(warnFunc func(warning error)) {
	warningMutex.Lock()
	defer warningMutex.Unlock()
	zerologWarnFunc = warnFunc
}

// NewZerologWarnFunc はzerolog.Loggerに警告を書き出す関数を返します。
// 警告がzerolog.LogObjectMarshalerを実装していれば構造化フィールドとして出力します。
func NewZerologWarnFunc(logger zerolog.Logger) func(error) {
	return func(w error) {
		ev := logger.Warn()
		if m, ok := w.(zerolog.LogObjectMarshaler); ok {
			ev = ev.EmbedObject(m)
		}
		ev.Msg(w.Error())
	}
}

// Warn は警告を発生させます。
// zerologが設定されている場合は構造化ログとして出力し、そうでなければ従来のハンドラを使用します。
func Warn(w error) {
	warningMutex.Lock()
	defer warningMutex.Unlock()

	if zerologWarnFunc != nil {
		zerologWarnFunc(w)
		return
	}

	if warningHandler != nil {
		warningHandler(w)
	}
}

// ===========================================================================
//
//	警告型
//
// ===========================================================================

// EmptyClassWarning はクラスディレクトリに画像が一枚も無い場合の警告です。
type EmptyClassWarning struct {
	Root  string
	Class string
}

func (w *EmptyClassWarning) Error() string {
	return fmt.Sprintf("class directory %q under %s contains no images", w.Class, w.Root)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *EmptyClassWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Str("root", w.Root).
		Str("class", w.Class).
		Str("type", "EmptyClassWarning")
}

// NewEmptyClassWarning は新しいEmptyClassWarningを作成します。
func NewEmptyClassWarning(root, class string) *EmptyClassWarning {
	return &EmptyClassWarning{Root: root, Class: class}
}

// DeviceOversubscriptionWarning はデバイス数がCPU数を超えている場合の警告です。
type DeviceOversubscriptionWarning struct {
	Devices int
	CPUs    int
}

func (w *DeviceOversubscriptionWarning) Error() string {
	return fmt.Sprintf("%d devices requested but only %d CPUs are available; replicas will time-share", w.Devices, w.CPUs)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *DeviceOversubscriptionWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int("devices", w.Devices).
		Int("cpus", w.CPUs).
		Str("type", "DeviceOversubscriptionWarning")
}

// NewDeviceOversubscriptionWarning は新しいDeviceOversubscriptionWarningを作成します。
func NewDeviceOversubscriptionWarning(devices, cpus int) *DeviceOversubscriptionWarning {
	return &DeviceOversubscriptionWarning{Devices: devices, CPUs: cpus}
}

// ClassCountWarning は設定されたクラス数とデータセットのクラス数が食い違う場合の警告です。
type ClassCountWarning struct {
	Configured int
	Found      int
}

func (w *ClassCountWarning) Error() string {
	return fmt.Sprintf("configured %d classes but dataset has %d; using %d", w.Configured, w.Found, w.Found)
}

// MarshalZerologObject はzerologのイベントに構造化された警告情報を追加します。
func (w *ClassCountWarning) MarshalZerologObject(e *zerolog.Event) {
	e.Int("configured", w.Configured).
		Int("found", w.Found).
		Str("type", "ClassCountWarning")
}

// NewClassCountWarning は新しいClassCountWarningを作成します。
func NewClassCountWarning(configured, found int) *ClassCountWarning {
	return &ClassCountWarning{Configured: configured, Found: found}
}

// ===========================================================================
//
//	構造化されたエラー型
//
// ===========================================================================

// DimensionError は入力データの次元が期待値と異なる場合のエラーです。
type DimensionError struct {
	Op       string
	Expected int
	Got      int
	Axis     int // 0: rows (batch), 1: columns (features)
}

func (e *DimensionError) Error() string {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	return fmt.Sprintf("finetune: %s: dimension mismatch on axis %d (%s). Expected %d, got %d", e.Op, e.Axis, axisName, e.Expected, e.Got)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DimensionError) MarshalZerologObject(event *zerolog.Event) {
	axisName := "features"
	if e.Axis == 0 {
		axisName = "rows"
	}
	event.Str("operation", e.Op).
		Int("expected", e.Expected).
		Int("got", e.Got).
		Int("axis", e.Axis).
		Str("axis_name", axisName).
		Str("type", "DimensionError")
}

// NewDimensionError は新しいDimensionErrorを作成し、スタックトレースを付与します。
func NewDimensionError(op string, expected, got, axis int) error {
	err := &DimensionError{Op: op, Expected: expected, Got: got, Axis: axis}
	return errors.WithStack(err)
}

// ValidationError は設定値やパラメータの検証に失敗した場合のエラーです。
type ValidationError struct {
	ParamName string
	Reason    string
	Value     interface{}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("finetune: validation failed for parameter '%s': %s (got: %v)", e.ParamName, e.Reason, e.Value)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *ValidationError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("param_name", e.ParamName).
		Str("reason", e.Reason).
		Interface("value", e.Value).
		Str("type", "ValidationError")
}

// NewValidationError は新しいValidationErrorを作成し、スタックトレースを付与します。
func NewValidationError(param, reason string, value interface{}) error {
	err := &ValidationError{ParamName: param, Reason: reason, Value: value}
	return errors.WithStack(err)
}

// ValueError は引数の値が不適切または不正な場合に発生するエラーです。
type ValueError struct {
	Op      string
	Message string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("finetune: %s: %s", e.Op, e.Message)
}

// NewValueError は新しいValueErrorを作成し、スタックトレースを付与します。
func NewValueError(op, message string) error {
	err := &ValueError{Op: op, Message: message}
	return errors.WithStack(err)
}

// ModelError はモデルの構築・保存・読み込みに関する一般的なエラーです。
type ModelError struct {
	Op   string
	Kind string
	Err  error
}

func (e *ModelError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("finetune: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("finetune: %s: %s", e.Op, e.Kind)
}

func (e *ModelError) Unwrap() error {
	return e.Err
}

// NewModelError は新しいModelErrorを作成し、スタックトレースを付与します。
func NewModelError(op, kind string, err error) error {
	modelErr := &ModelError{Op: op, Kind: kind, Err: err}
	return errors.WithStack(modelErr)
}

// DatasetError はデータセットディレクトリが存在しない・空である場合などのエラーです。
type DatasetError struct {
	Root   string
	Reason string
	Err    error
}

func (e *DatasetError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("finetune: dataset %s: %s: %v", e.Root, e.Reason, e.Err)
	}
	return fmt.Sprintf("finetune: dataset %s: %s", e.Root, e.Reason)
}

func (e *DatasetError) Unwrap() error {
	return e.Err
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DatasetError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("root", e.Root).
		Str("reason", e.Reason).
		Str("type", "DatasetError")
}

// NewDatasetError は新しいDatasetErrorを作成し、スタックトレースを付与します。
func NewDatasetError(root, reason string, err error) error {
	return errors.WithStack(&DatasetError{Root: root, Reason: reason, Err: err})
}

// DeviceError はデバイスリストが不正な場合のエラーです。
type DeviceError struct {
	DeviceIDs []int
	Reason    string
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("finetune: devices %v: %s", e.DeviceIDs, e.Reason)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *DeviceError) MarshalZerologObject(event *zerolog.Event) {
	event.Ints("device_ids", e.DeviceIDs).
		Str("reason", e.Reason).
		Str("type", "DeviceError")
}

// NewDeviceError は新しいDeviceErrorを作成し、スタックトレースを付与します。
func NewDeviceError(ids []int, reason string) error {
	return errors.WithStack(&DeviceError{DeviceIDs: append([]int(nil), ids...), Reason: reason})
}

// ===========================================================================
//
//	cockroachdb/errors ラッパー関数
//
// ===========================================================================

// Is はエラーが特定のターゲットエラーかどうかを判定します。
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As はエラーが特定の型にキャスト可能かどうかを判定します。
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}

// Wrap は既存のエラーをメッセージ付きでラップします。
func Wrap(err error, message string) error {
	return errors.Wrap(err, message)
}

// Wrapf は既存のエラーをフォーマット文字列でラップします。
func Wrapf(err error, format string, args ...interface{}) error {
	return errors.Wrapf(err, format, args...)
}

// New は新しいエラーを作成します。
func New(message string) error {
	return errors.New(message)
}

// Newf は新しいフォーマット済みエラーを作成します。
func Newf(format string, args ...interface{}) error {
	return errors.Newf(format, args...)
}

// WithStack はエラーにスタックトレースを付与します。
func WithStack(err error) error {
	return errors.WithStack(err)
}

// ===========================================================================
//
//	数値計算のエラー型
//
// ===========================================================================

// NumericalInstabilityError は損失や勾配がNaN/Infになった場合のエラーです。
type NumericalInstabilityError struct {
	Operation string    // 発生した操作（例: "train_loss", "adam_step"）
	Values    []float64 // 問題のある値
	Iteration int       // 発生したイテレーション（バッチ）番号
}

func (e *NumericalInstabilityError) Error() string {
	valStr := ""
	for i, v := range e.Values {
		if i > 0 {
			valStr += ", "
		}
		if i >= 5 {
			valStr += "..."
			break
		}
		valStr += fmt.Sprintf("%.6g", v)
	}
	return fmt.Sprintf("finetune: numerical instability detected in %s at iteration %d. Values: [%s]",
		e.Operation, e.Iteration, valStr)
}

// MarshalZerologObject はzerologのイベントに構造化されたエラー情報を追加します。
func (e *NumericalInstabilityError) MarshalZerologObject(event *zerolog.Event) {
	event.Str("operation", e.Operation).
		Int("iteration", e.Iteration).
		Floats64("values", e.Values).
		Str("type", "NumericalInstabilityError")
}

// NewNumericalInstabilityError は新しいNumericalInstabilityErrorを作成します。
func NewNumericalInstabilityError(operation string, values []float64, iteration int) error {
	err := &NumericalInstabilityError{
		Operation: operation,
		Values:    values,
		Iteration: iteration,
	}
	return errors.WithStack(err)
}

// ===========================================================================
//
//	共通エラー変数
//
// ===========================================================================

var (
	// ErrEmptyData は空のデータが渡された場合のエラーです。
	ErrEmptyData = New("empty data")
)

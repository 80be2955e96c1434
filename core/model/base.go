package model

import "sync/atomic"

// Mode はモデルの実行モード（学習・評価）を表す
type Mode int32

const (
	// Training はドロップアウトと勾配記録が有効な学習モード
	Training Mode = iota
	// Evaluation はドロップアウトを無効にし勾配を記録しない評価モード
	Evaluation
)

// String はモード名を返す
func (m Mode) String() string {
	switch m {
	case Training:
		return "train"
	case Evaluation:
		return "eval"
	default:
		return "unknown"
	}
}

// ModeState は学習・評価モードを保持する。ゼロ値は学習モード。
// レプリカのゴルーチンから並行に参照されるためatomicで保持する。
type ModeState struct {
	mode atomic.Int32
}

// Train は学習モードに切り替える
func (s *ModeState) Train() {
	s.mode.Store(int32(Training))
}

// Eval は評価モードに切り替える
func (s *ModeState) Eval() {
	s.mode.Store(int32(Evaluation))
}

// Mode は現在のモードを返す
func (s *ModeState) Mode() Mode {
	return Mode(s.mode.Load())
}

// IsTraining は学習モードかどうかを返す
func (s *ModeState) IsTraining() bool {
	return s.Mode() == Training
}

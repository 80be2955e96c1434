package model

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/YuminosukeSato/finetune/pkg/errors"
)

// SaveModel はモデルのスナップショットをgob形式でファイルに保存する。
// 親ディレクトリが無ければ作成し、一時ファイルに書き込んでからリネームするため
// 途中で失敗しても既存のチェックポイントは壊れない。
//
// パラメータ:
//   - snapshot: 保存する値（gobでエンコード可能な構造体）
//   - filename: 保存先のファイルパス（例: models/flowers102_model_3.pt）
//
// 戻り値:
//   - error: 保存に失敗した場合のエラー
func SaveModel(snapshot interface{}, filename string) error {
	dir := filepath.Dir(filename)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.NewModelError("SaveModel", "create directory", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(filename)+".tmp-*")
	if err != nil {
		return errors.NewModelError("SaveModel", "create file", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := SaveModelToWriter(snapshot, tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return errors.NewModelError("SaveModel", "close file", err)
	}
	if err := os.Rename(tmpName, filename); err != nil {
		return errors.NewModelError("SaveModel", "rename file", err)
	}
	return nil
}

// LoadModel はファイルからスナップショットを読み込む
//
// パラメータ:
//   - snapshot: 読み込み先（ポインタ）
//   - filename: 読み込み元のファイルパス
func LoadModel(snapshot interface{}, filename string) error {
	file, err := os.Open(filename)
	if err != nil {
		return errors.NewModelError("LoadModel", "open file", err)
	}
	defer file.Close()

	return LoadModelFromReader(snapshot, file)
}

// SaveModelToWriter はスナップショットをio.Writerに保存する
func SaveModelToWriter(snapshot interface{}, w io.Writer) error {
	if err := gob.NewEncoder(w).Encode(snapshot); err != nil {
		return errors.NewModelError("SaveModel", "encode", err)
	}
	return nil
}

// LoadModelFromReader はio.Readerからスナップショットを読み込む
func LoadModelFromReader(snapshot interface{}, r io.Reader) error {
	if err := gob.NewDecoder(r).Decode(snapshot); err != nil {
		return errors.NewModelError("LoadModel", "decode", err)
	}
	return nil
}

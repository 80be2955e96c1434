// Package model はチェックポイントの永続化と学習・評価モードの管理を提供する。
package model

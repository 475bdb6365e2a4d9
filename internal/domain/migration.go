package domain

import "time"

// MigrationStatus はマイグレーションの適用状態を表す
type MigrationStatus string

const (
	MigrationStatusPending MigrationStatus = "pending"
	MigrationStatusApplied MigrationStatus = "applied"
)

// Migration はスキーマ変更1件を表すドメインモデル
type Migration struct {
	Version   string          // バージョン（例: "001"）
	Name      string          // ファイル名から抽出した名前
	Path      string          // マイグレーションソース内のパス
	AppliedAt *time.Time      // 適用日時（未適用の場合はnil）
	Status    MigrationStatus // 適用状態
}

// IsApplied は適用済みかどうかを返す。
func (m *Migration) IsApplied() bool {
	return m.Status == MigrationStatusApplied
}

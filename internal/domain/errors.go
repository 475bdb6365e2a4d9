package domain

import "errors"

var (
	// ErrInvalidConfiguration は閾値・シャード数などの設定が不正な場合のエラー。
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrShardCount は再構築に渡されたシャード数が2以外の場合のエラー。
	ErrShardCount = errors.New("Exactly 2 shards required for reconstruction")

	// ErrShardNotFound は有効なシャードレコードが存在しない場合のエラー。
	ErrShardNotFound = errors.New("active shard not found")

	// ErrInvalidShard はシャードの内容が不正な場合のエラー。
	ErrInvalidShard = errors.New("invalid shard")

	// ErrDecryption は復号・認証タグ検証に失敗した場合のエラー。
	ErrDecryption = errors.New("decryption failed")

	// ErrInvalidKeyHolders は鍵保有者の指定が不正な場合のエラー。
	ErrInvalidKeyHolders = errors.New("invalid key holders")

	// ErrRateLimitExceeded は再構築試行回数が上限に達した場合のエラー。
	ErrRateLimitExceeded = errors.New("reconstruction rate limit exceeded")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)

// ReconstructionError はシャードからの鍵再構築に失敗したことを表す。
type ReconstructionError struct {
	Cause error
}

func (e *ReconstructionError) Error() string {
	return "key reconstruction failed: " + e.Cause.Error()
}

func (e *ReconstructionError) Unwrap() error {
	return e.Cause
}

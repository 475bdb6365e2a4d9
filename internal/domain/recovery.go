package domain

import "time"

// RecoveryEncryptionMethod はリカバリバックアップの暗号方式ラベル。
const RecoveryEncryptionMethod = "aes-256-gcm"

// RecoveryBackup はRECOVERYシャードのバックアップレコードを表す。
type RecoveryBackup struct {
	ID               string
	UserUUID         string
	EncryptedBackup  []byte
	EncryptionMethod string
	KeyVersion       string
	BackupHash       string // 復号後のシャード内容のSHA-256（hex）
	IsVerified       bool
	UsageCount       int
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

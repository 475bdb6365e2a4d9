// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"
)

// ShardType はシャードの役割を表す。
type ShardType string

const (
	// ShardTypeDevice は端末（エンクレーブ）が保持するシャード。
	ShardTypeDevice ShardType = "device"
	// ShardTypeAuth はHSMが保持するシャード。
	ShardTypeAuth ShardType = "auth"
	// ShardTypeRecovery はリカバリ用に暗号化保管されるシャード。
	ShardTypeRecovery ShardType = "recovery"
)

// ShardTypes は永続化対象となる3種類のシャード種別。
var ShardTypes = []ShardType{ShardTypeDevice, ShardTypeAuth, ShardTypeRecovery}

// 各シャードの固定インデックス。
const (
	DeviceShardIndex   = 1
	AuthShardIndex     = 2
	RecoveryShardIndex = 3
)

// 各シャードの保管先ラベル。
const (
	EncryptedForDevice   = "device-enclave"
	EncryptedForHSM      = "hsm"
	EncryptedForRecovery = "user-cloud"
)

// ShardStatus はシャードレコードのステータスを表す。
type ShardStatus string

const (
	// ShardStatusActive は有効なシャード。
	ShardStatusActive ShardStatus = "active"
	// ShardStatusRotated はローテーションで置き換えられたシャード。
	ShardStatusRotated ShardStatus = "rotated"
	// ShardStatusRevoked は失効したシャード。
	ShardStatusRevoked ShardStatus = "revoked"
)

// IsTerminal は再有効化できない状態かどうかを返す。
func (s ShardStatus) IsTerminal() bool {
	return s == ShardStatusRotated || s == ShardStatusRevoked
}

// KeyShard は分割された秘密鍵の断片を表す（永続化しない値オブジェクト）。
type KeyShard struct {
	Type         ShardType
	Data         []byte
	EncryptedFor string
	UserID       string
	Index        int
}

// NewKeyShard はKeyShardを生成する。Dataはコピーして保持する。
func NewKeyShard(shardType ShardType, data []byte, encryptedFor, userID string, index int) KeyShard {
	return KeyShard{
		Type:         shardType,
		Data:         append([]byte(nil), data...),
		EncryptedFor: encryptedFor,
		UserID:       userID,
		Index:        index,
	}
}

// KeyShardRecord はシャードの永続化レコードを表す。
// DEVICEシャードのEncryptedDataは一方向ハッシュのみを保持する。
type KeyShardRecord struct {
	ID             string
	UserUUID       string
	ShardType      ShardType
	ShardIndex     int
	EncryptedData  []byte
	EncryptedFor   string
	KeyVersion     string
	Status         ShardStatus
	PublicKeyHash  string
	LastAccessedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ShardPresence はシャード種別ごとの存在状況を表す。
type ShardPresence struct {
	Exists         bool
	LastAccessedAt *time.Time
}

// ShardsSummary はユーザーのシャード保管状況のサマリ。
type ShardsSummary struct {
	Device   ShardPresence
	Auth     ShardPresence
	Recovery ShardPresence
}

// AuthShardSecretID はHSM上のAUTHシャードのシークレットIDを返す。
func AuthShardSecretID(userUUID, keyVersion string) string {
	return fmt.Sprintf("auth-shard:%s:%s", userUUID, keyVersion)
}

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"key-custody-service/internal/domain"
)

// KeyShardRecordModel はkey_shard_recordsテーブルのモデル。
type KeyShardRecordModel struct {
	ID             string     `gorm:"type:char(36);primaryKey"`
	UserUUID       string     `gorm:"type:varchar(64);not null;index:idx_user_type_status"`
	ShardType      string     `gorm:"type:varchar(16);not null;index:idx_user_type_status"`
	ShardIndex     int        `gorm:"not null"`
	EncryptedData  []byte     `gorm:"type:blob;not null"`
	EncryptedFor   string     `gorm:"type:varchar(32);not null"`
	KeyVersion     string     `gorm:"type:varchar(64);not null;index:idx_user_version"`
	Status         string     `gorm:"type:varchar(16);not null;default:'active';index:idx_user_type_status"`
	PublicKeyHash  string     `gorm:"type:char(64);not null"`
	LastAccessedAt *time.Time `gorm:"type:datetime(6)"`
	CreatedAt      time.Time  `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt      time.Time  `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (KeyShardRecordModel) TableName() string {
	return "key_shard_records"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyShardRecordModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *KeyShardRecordModel) toDomain() *domain.KeyShardRecord {
	return &domain.KeyShardRecord{
		ID:             m.ID,
		UserUUID:       m.UserUUID,
		ShardType:      domain.ShardType(m.ShardType),
		ShardIndex:     m.ShardIndex,
		EncryptedData:  m.EncryptedData,
		EncryptedFor:   m.EncryptedFor,
		KeyVersion:     m.KeyVersion,
		Status:         domain.ShardStatus(m.Status),
		PublicKeyHash:  m.PublicKeyHash,
		LastAccessedAt: m.LastAccessedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

// ShardRecordRepository はシャードレコードのデータアクセスを提供する。
type ShardRecordRepository struct {
	db *gorm.DB
}

// NewShardRecordRepository は新しいShardRecordRepositoryを生成する。
func NewShardRecordRepository(db *gorm.DB) *ShardRecordRepository {
	return &ShardRecordRepository{db: db}
}

// Create はシャードレコードを保存する。
func (r *ShardRecordRepository) Create(ctx context.Context, record *domain.KeyShardRecord) error {
	model := &KeyShardRecordModel{
		ID:            record.ID,
		UserUUID:      record.UserUUID,
		ShardType:     string(record.ShardType),
		ShardIndex:    record.ShardIndex,
		EncryptedData: record.EncryptedData,
		EncryptedFor:  record.EncryptedFor,
		KeyVersion:    record.KeyVersion,
		Status:        string(record.Status),
		PublicKeyHash: record.PublicKeyHash,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create shard record",
			"operation", "create_shard_record",
			"user_uuid", record.UserUUID,
			"shard_type", record.ShardType,
			"key_version", record.KeyVersion,
			"error", err,
		)
		return err
	}
	record.ID = model.ID
	record.CreatedAt = model.CreatedAt
	record.UpdatedAt = model.UpdatedAt
	return nil
}

// FindActiveByType は指定種別の最新の有効なシャードレコードを取得する。存在しない場合は nil, nil を返す。
func (r *ShardRecordRepository) FindActiveByType(ctx context.Context, userUUID string, shardType domain.ShardType) (*domain.KeyShardRecord, error) {
	var model KeyShardRecordModel
	err := conn(ctx, r.db).
		Where("user_uuid = ? AND shard_type = ? AND status = ?", userUUID, string(shardType), string(domain.ShardStatusActive)).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find active shard",
			"operation", "find_active_by_type",
			"user_uuid", userUUID,
			"shard_type", shardType,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindActiveByUser はユーザーの有効なシャードレコードを新しい順に取得する。
func (r *ShardRecordRepository) FindActiveByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error) {
	return r.find(ctx, "find_active_by_user", userUUID,
		conn(ctx, r.db).Where("user_uuid = ? AND status = ?", userUUID, string(domain.ShardStatusActive)))
}

// FindByUserAndVersion は指定バージョンのシャードレコードをステータスを問わず取得する。
func (r *ShardRecordRepository) FindByUserAndVersion(ctx context.Context, userUUID, keyVersion string) ([]*domain.KeyShardRecord, error) {
	return r.find(ctx, "find_by_user_and_version", userUUID,
		conn(ctx, r.db).Where("user_uuid = ? AND key_version = ?", userUUID, keyVersion))
}

// FindAllByUser はユーザーの全シャードレコードを新しい順に取得する。
func (r *ShardRecordRepository) FindAllByUser(ctx context.Context, userUUID string) ([]*domain.KeyShardRecord, error) {
	return r.find(ctx, "find_all_by_user", userUUID,
		conn(ctx, r.db).Where("user_uuid = ?", userUUID))
}

func (r *ShardRecordRepository) find(ctx context.Context, operation, userUUID string, query *gorm.DB) ([]*domain.KeyShardRecord, error) {
	var models []KeyShardRecordModel
	if err := query.Order("created_at DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find shard records",
			"operation", operation,
			"user_uuid", userUUID,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.KeyShardRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// UpdateStatus は有効なシャードレコードのステータスを更新する。
// ROTATED/REVOKED のレコードは更新しない。
func (r *ShardRecordRepository) UpdateStatus(ctx context.Context, id string, status domain.ShardStatus) error {
	err := conn(ctx, r.db).
		Model(&KeyShardRecordModel{}).
		Where("id = ? AND status = ?", id, string(domain.ShardStatusActive)).
		Update("status", string(status)).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to update shard status",
			"operation", "update_status",
			"id", id,
			"status", status,
			"error", err,
		)
		return err
	}
	return nil
}

// MarkAccessed はシャードレコードの最終アクセス日時を更新する。
func (r *ShardRecordRepository) MarkAccessed(ctx context.Context, id string, at time.Time) error {
	err := conn(ctx, r.db).
		Model(&KeyShardRecordModel{}).
		Where("id = ?", id).
		Update("last_accessed_at", at).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to mark shard accessed",
			"operation", "mark_accessed",
			"id", id,
			"error", err,
		)
		return err
	}
	return nil
}

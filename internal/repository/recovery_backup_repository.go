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

// RecoveryBackupModel はrecovery_backupsテーブルのモデル。
type RecoveryBackupModel struct {
	ID               string    `gorm:"type:char(36);primaryKey"`
	UserUUID         string    `gorm:"type:varchar(64);not null;index:idx_user_verified"`
	EncryptedBackup  []byte    `gorm:"type:blob;not null"`
	EncryptionMethod string    `gorm:"type:varchar(32);not null"`
	KeyVersion       string    `gorm:"type:varchar(64);not null"`
	BackupHash       string    `gorm:"type:char(64);not null"`
	IsVerified       bool      `gorm:"not null;default:false;index:idx_user_verified"`
	UsageCount       int       `gorm:"not null;default:0"`
	CreatedAt        time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt        time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (RecoveryBackupModel) TableName() string {
	return "recovery_backups"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *RecoveryBackupModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *RecoveryBackupModel) toDomain() *domain.RecoveryBackup {
	return &domain.RecoveryBackup{
		ID:               m.ID,
		UserUUID:         m.UserUUID,
		EncryptedBackup:  m.EncryptedBackup,
		EncryptionMethod: m.EncryptionMethod,
		KeyVersion:       m.KeyVersion,
		BackupHash:       m.BackupHash,
		IsVerified:       m.IsVerified,
		UsageCount:       m.UsageCount,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

// RecoveryBackupRepository はリカバリバックアップのデータアクセスを提供する。
type RecoveryBackupRepository struct {
	db *gorm.DB
}

// NewRecoveryBackupRepository は新しいRecoveryBackupRepositoryを生成する。
func NewRecoveryBackupRepository(db *gorm.DB) *RecoveryBackupRepository {
	return &RecoveryBackupRepository{db: db}
}

// Create はリカバリバックアップを保存する。
func (r *RecoveryBackupRepository) Create(ctx context.Context, backup *domain.RecoveryBackup) error {
	model := &RecoveryBackupModel{
		ID:               backup.ID,
		UserUUID:         backup.UserUUID,
		EncryptedBackup:  backup.EncryptedBackup,
		EncryptionMethod: backup.EncryptionMethod,
		KeyVersion:       backup.KeyVersion,
		BackupHash:       backup.BackupHash,
		IsVerified:       backup.IsVerified,
		UsageCount:       backup.UsageCount,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create recovery backup",
			"operation", "create_recovery_backup",
			"user_uuid", backup.UserUUID,
			"key_version", backup.KeyVersion,
			"error", err,
		)
		return err
	}
	backup.ID = model.ID
	backup.CreatedAt = model.CreatedAt
	backup.UpdatedAt = model.UpdatedAt
	return nil
}

// FindVerifiedByUser はユーザーの最新の検証済みバックアップを取得する。存在しない場合は nil, nil を返す。
func (r *RecoveryBackupRepository) FindVerifiedByUser(ctx context.Context, userUUID string) (*domain.RecoveryBackup, error) {
	var model RecoveryBackupModel
	err := conn(ctx, r.db).
		Where("user_uuid = ? AND is_verified = ?", userUUID, true).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find verified recovery backup",
			"operation", "find_verified_by_user",
			"user_uuid", userUUID,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"key-custody-service/internal/domain"
)

// KeyReconstructionLogModel はkey_reconstruction_logsテーブルのモデル。追記のみで更新しない。
type KeyReconstructionLogModel struct {
	ID            string    `gorm:"type:char(36);primaryKey"`
	UserUUID      string    `gorm:"type:varchar(64);not null;index:idx_user_created"`
	KeyVersion    string    `gorm:"type:varchar(64);not null"`
	ShardsUsed    []string  `gorm:"type:text;not null;serializer:json"`
	Purpose       string    `gorm:"type:varchar(64);not null"`
	IPAddress     string    `gorm:"type:varchar(64)"`
	UserAgent     string    `gorm:"type:varchar(512)"`
	DeviceID      string    `gorm:"type:varchar(128)"`
	Success       bool      `gorm:"not null"`
	FailureReason *string   `gorm:"type:text"`
	CreatedAt     time.Time `gorm:"type:datetime(6);not null;index:idx_user_created"`
}

// TableName はテーブル名を返す。
func (KeyReconstructionLogModel) TableName() string {
	return "key_reconstruction_logs"
}

// BeforeCreate はレコード作成前にUUIDを生成する。
func (m *KeyReconstructionLogModel) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	return nil
}

func (m *KeyReconstructionLogModel) toDomain() *domain.KeyReconstructionLog {
	return &domain.KeyReconstructionLog{
		ID:            m.ID,
		UserUUID:      m.UserUUID,
		KeyVersion:    m.KeyVersion,
		ShardsUsed:    m.ShardsUsed,
		Purpose:       m.Purpose,
		IPAddress:     m.IPAddress,
		UserAgent:     m.UserAgent,
		DeviceID:      m.DeviceID,
		Success:       m.Success,
		FailureReason: m.FailureReason,
		CreatedAt:     m.CreatedAt,
	}
}

// ReconstructionLogRepository は再構築監査ログのデータアクセスを提供する。
type ReconstructionLogRepository struct {
	db *gorm.DB
}

// NewReconstructionLogRepository は新しいReconstructionLogRepositoryを生成する。
func NewReconstructionLogRepository(db *gorm.DB) *ReconstructionLogRepository {
	return &ReconstructionLogRepository{db: db}
}

// Create は監査ログを追記する。CreatedAtが未設定の場合は現在時刻（UTC）を使う。
func (r *ReconstructionLogRepository) Create(ctx context.Context, log *domain.KeyReconstructionLog) error {
	createdAt := log.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	shardsUsed := log.ShardsUsed
	if shardsUsed == nil {
		shardsUsed = []string{}
	}

	model := &KeyReconstructionLogModel{
		ID:            log.ID,
		UserUUID:      log.UserUUID,
		KeyVersion:    log.KeyVersion,
		ShardsUsed:    shardsUsed,
		Purpose:       log.Purpose,
		IPAddress:     log.IPAddress,
		UserAgent:     log.UserAgent,
		DeviceID:      log.DeviceID,
		Success:       log.Success,
		FailureReason: log.FailureReason,
		CreatedAt:     createdAt.UTC(),
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create reconstruction log",
			"operation", "create_reconstruction_log",
			"user_uuid", log.UserUUID,
			"error", err,
		)
		return err
	}
	log.ID = model.ID
	log.CreatedAt = model.CreatedAt
	return nil
}

// CountSince はsince以降のユーザーの試行回数を成功・失敗を問わず数える。
func (r *ReconstructionLogRepository) CountSince(ctx context.Context, userUUID string, since time.Time) (int64, error) {
	var count int64
	err := conn(ctx, r.db).
		Model(&KeyReconstructionLogModel{}).
		Where("user_uuid = ? AND created_at >= ?", userUUID, since.UTC()).
		Count(&count).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to count reconstruction logs",
			"operation", "count_since",
			"user_uuid", userUUID,
			"error", err,
		)
		return 0, err
	}
	return count, nil
}

// FindRecentByUser はユーザーの監査ログを新しい順に最大limit件取得する。
func (r *ReconstructionLogRepository) FindRecentByUser(ctx context.Context, userUUID string, limit int) ([]*domain.KeyReconstructionLog, error) {
	var models []KeyReconstructionLogModel
	err := conn(ctx, r.db).
		Where("user_uuid = ?", userUUID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find recent reconstruction logs",
			"operation", "find_recent_by_user",
			"user_uuid", userUUID,
			"limit", limit,
			"error", err,
		)
		return nil, err
	}

	logs := make([]*domain.KeyReconstructionLog, len(models))
	for i := range models {
		logs[i] = models[i].toDomain()
	}
	return logs, nil
}

package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// HSMSecretModel はhsm_secretsテーブルのモデル。Ciphertextは外部KMSで暗号化済みの値。
type HSMSecretModel struct {
	SecretID   string    `gorm:"column:secret_id;type:varchar(255);primaryKey"`
	Ciphertext []byte    `gorm:"type:blob;not null"`
	CreatedAt  time.Time `gorm:"type:datetime(6);not null;autoCreateTime"`
	UpdatedAt  time.Time `gorm:"type:datetime(6);not null;autoUpdateTime"`
}

// TableName はテーブル名を返す。
func (HSMSecretModel) TableName() string {
	return "hsm_secrets"
}

// SecretRepository は暗号化済みシークレットの保管を提供する。
type SecretRepository struct {
	db *gorm.DB
}

// NewSecretRepository は新しいSecretRepositoryを生成する。
func NewSecretRepository(db *gorm.DB) *SecretRepository {
	return &SecretRepository{db: db}
}

// Upsert はシークレットを保存する。同じIDが存在する場合は上書きする。
func (r *SecretRepository) Upsert(ctx context.Context, secretID string, ciphertext []byte) error {
	model := &HSMSecretModel{
		SecretID:   secretID,
		Ciphertext: ciphertext,
	}
	err := conn(ctx, r.db).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "secret_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"ciphertext", "updated_at"}),
		}).
		Create(model).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert secret",
			"operation", "upsert_secret",
			"secret_id", secretID,
			"error", err,
		)
		return err
	}
	return nil
}

// Find はシークレットを取得する。存在しない場合は nil, nil を返す。
func (r *SecretRepository) Find(ctx context.Context, secretID string) ([]byte, error) {
	var model HSMSecretModel
	err := conn(ctx, r.db).Where("secret_id = ?", secretID).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find secret",
			"operation", "find_secret",
			"secret_id", secretID,
			"error", err,
		)
		return nil, err
	}
	return model.Ciphertext, nil
}

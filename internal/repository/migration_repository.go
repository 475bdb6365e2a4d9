package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"key-custody-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;type:varchar(14)"`
	Name      string    `gorm:"column:name;type:varchar(255);not null;default:''"`
	AppliedAt time.Time `gorm:"column:applied_at;type:datetime(6);not null;autoCreateTime"`
}

// TableName はテーブル名を返す。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository はマイグレーション履歴とスキーマ変更を扱う。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable はschema_migrationsテーブルが無ければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := conn(ctx, r.db).Migrator().AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションをバージョン順に取得する。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := conn(ctx, r.db).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i := range models {
		appliedAt := models[i].AppliedAt
		migrations[i] = &domain.Migration{
			Version:   models[i].Version,
			Name:      models[i].Name,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// RecordMigration は適用履歴を記録する。
func (r *MigrationRepository) RecordMigration(ctx context.Context, migration *domain.Migration) error {
	model := &SchemaMigrationModel{
		Version: migration.Version,
		Name:    migration.Name,
	}
	if err := conn(ctx, r.db).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to record migration",
			"operation", "record_migration",
			"version", migration.Version,
			"error", err,
		)
		return err
	}
	return nil
}

// IsMigrationApplied はマイグレーションが適用済みか確認する。
func (r *MigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	var count int64
	if err := conn(ctx, r.db).Model(&SchemaMigrationModel{}).Where("version = ?", version).Count(&count).Error; err != nil {
		slog.ErrorContext(ctx, "failed to check migration",
			"operation", "is_migration_applied",
			"version", version,
			"error", err,
		)
		return false, err
	}
	return count > 0, nil
}

// ExecStatement はDDLなどのSQL文を1つ実行する。
func (r *MigrationRepository) ExecStatement(ctx context.Context, statement string) error {
	if err := conn(ctx, r.db).Exec(statement).Error; err != nil {
		slog.ErrorContext(ctx, "failed to execute statement",
			"operation", "exec_statement",
			"error", err,
		)
		return err
	}
	return nil
}

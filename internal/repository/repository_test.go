package repository

import (
	"context"
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"key-custody-service/internal/usecase"
	"key-custody-service/migrations"
)

// setupTestDB は埋め込みのSQLite用マイグレーションを適用したインメモリDBを作成する。
func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}

	// :memory: は接続ごとに別DBになるため1接続に固定する
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	source, err := migrations.ForDriver("sqlite")
	if err != nil {
		t.Fatalf("failed to load migrations: %v", err)
	}
	svc := usecase.NewMigrationService(NewMigrationRepository(db), NewGormTxManager(db), source)
	if _, err := svc.ApplyMigrations(context.Background()); err != nil {
		t.Fatalf("failed to apply migrations: %v", err)
	}
	return db
}

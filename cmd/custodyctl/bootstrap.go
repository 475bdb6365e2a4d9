package main

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"gorm.io/gorm"

	"key-custody-service/config"
	"key-custody-service/internal/infra"
	"key-custody-service/internal/repository"
	"key-custody-service/internal/usecase"
	"key-custody-service/migrations"
)

// app はコマンド実行に必要な依存をまとめたもの。
type app struct {
	db             *gorm.DB
	shards         *repository.ShardRecordRepository
	encryption     *usecase.EncryptionService
	distribution   *usecase.ShardDistributionService
	reconstruction *usecase.KeyReconstructionService

	tracer  *sdktrace.TracerProvider
	closers []func() error
}

// openDB はトレーサーとDB接続を初期化する。
func openDB(ctx context.Context, cfg *config.Config) (*gorm.DB, *sdktrace.TracerProvider, error) {
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to init tracer: %w", err)
	}
	db, err := infra.NewDB(cfg)
	if err != nil {
		infra.ShutdownTracer(ctx, tp)
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, tp, nil
}

// newApp は設定に従って各サービスを組み立てる。
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	db, tp, err := openDB(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a := &app{db: db, tracer: tp}
	a.addDBCloser()

	encryption, err := usecase.NewEncryptionService([]byte(cfg.AppSecret))
	if err != nil {
		a.close(ctx)
		return nil, fmt.Errorf("APP_SECRET: %w", err)
	}
	shamir, err := usecase.NewShamirService(usecase.ShamirConfig{
		Threshold:   cfg.ShamirThreshold,
		TotalShards: cfg.ShamirTotalShards,
	}, encryption)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	hsm, err := a.newSecretStore(ctx, cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}
	events := a.newEventSink(cfg)

	tx := repository.NewGormTxManager(db)
	a.shards = repository.NewShardRecordRepository(db)
	a.encryption = encryption
	a.distribution = usecase.NewShardDistributionService(
		shamir,
		encryption,
		a.shards,
		repository.NewRecoveryBackupRepository(db),
		hsm,
		events,
		tx,
	)
	a.reconstruction = usecase.NewKeyReconstructionService(
		shamir,
		a.shards,
		repository.NewReconstructionLogRepository(db),
		hsm,
		events,
		tx,
	).WithMaxAttempts(cfg.ReconstructMaxAttempts)

	return a, nil
}

func (a *app) newSecretStore(ctx context.Context, cfg *config.Config) (usecase.SecretStore, error) {
	switch cfg.HSMBackend {
	case "memory":
		slog.WarnContext(ctx, "using in-memory HSM backend; auth shards are lost on exit",
			"operation", "bootstrap",
		)
		return infra.NewMemorySecretStore(), nil
	case "kms":
		client, err := infra.NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, client.Close)
		return infra.NewKMSSecretStore(client, repository.NewSecretRepository(a.db)), nil
	case "vault":
		return infra.NewVaultSecretStore(cfg.VaultAddr, cfg.VaultToken, cfg.VaultMount, cfg.VaultPath)
	default:
		return nil, fmt.Errorf("unsupported HSM_BACKEND %q", cfg.HSMBackend)
	}
}

func (a *app) newEventSink(cfg *config.Config) usecase.EventSink {
	if cfg.EventSink != "redis" {
		return infra.LogEventSink{}
	}
	client := infra.NewRedisClient(cfg.RedisAddr)
	a.closers = append(a.closers, client.Close)
	return infra.NewMultiEventSink(infra.LogEventSink{}, infra.NewRedisEventSink(client, cfg.RedisChannel))
}

func (a *app) addDBCloser() {
	a.closers = append(a.closers, func() error {
		sqlDB, err := a.db.DB()
		if err != nil {
			return err
		}
		return sqlDB.Close()
	})
}

// close は後から開いたものから順に解放する。
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			slog.ErrorContext(ctx, "failed to close resource", "operation", "shutdown", "error", err)
		}
	}
	infra.ShutdownTracer(ctx, a.tracer)
}

// migrationSource はMIGRATIONS_DIR配下にドライバ名のディレクトリがあればそれを、なければ埋め込みSQLを返す。
func migrationSource(cfg *config.Config) (fs.FS, string, error) {
	dir := filepath.Join(cfg.MigrationsDir, cfg.DatabaseDriver)
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return os.DirFS(dir), dir, nil
	}
	source, err := migrations.ForDriver(cfg.DatabaseDriver)
	if err != nil {
		return nil, "", err
	}
	return source, "embedded:" + cfg.DatabaseDriver, nil
}

func newMigrationService(db *gorm.DB, source fs.FS) *usecase.MigrationService {
	return usecase.NewMigrationService(
		repository.NewMigrationRepository(db),
		repository.NewGormTxManager(db),
		source,
	)
}

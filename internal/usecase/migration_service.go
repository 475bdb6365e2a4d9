package usecase

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"key-custody-service/internal/domain"
)

// MigrationRepository はマイグレーション履歴とSQL実行のインターフェース。
type MigrationRepository interface {
	EnsureTable(ctx context.Context) error
	FindAllApplied(ctx context.Context) ([]*domain.Migration, error)
	RecordMigration(ctx context.Context, migration *domain.Migration) error
	IsMigrationApplied(ctx context.Context, version string) (bool, error)
	ExecStatement(ctx context.Context, statement string) error
}

// MigrationService はスキーマのマイグレーションを提供する。
type MigrationService struct {
	repo   MigrationRepository
	tx     TxManager
	source fs.FS
}

// NewMigrationService は新しいMigrationServiceを生成する。sourceのルート直下の.sqlファイルを対象とする。
func NewMigrationService(repo MigrationRepository, tx TxManager, source fs.FS) *MigrationService {
	return &MigrationService{
		repo:   repo,
		tx:     tx,
		source: source,
	}
}

// ApplyMigrations は未適用のマイグレーションをバージョン順に適用し、適用した件数を返す。
func (s *MigrationService) ApplyMigrations(ctx context.Context) (int, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return 0, fmt.Errorf("ensuring schema_migrations: %w", err)
	}

	migrations, err := s.scan()
	if err != nil {
		slog.ErrorContext(ctx, "failed to scan migrations",
			"operation", "apply_migrations",
			"error", err,
		)
		return 0, err
	}

	applied := 0
	for _, migration := range migrations {
		done, err := s.repo.IsMigrationApplied(ctx, migration.Version)
		if err != nil {
			return applied, fmt.Errorf("checking migration %s: %w", migration.Version, err)
		}
		if done {
			continue
		}

		if err := s.apply(ctx, migration); err != nil {
			slog.ErrorContext(ctx, "failed to apply migration",
				"operation", "apply_migrations",
				"version", migration.Version,
				"error", err,
			)
			return applied, fmt.Errorf("%w: version %s: %v", domain.ErrMigrationFailed, migration.Version, err)
		}
		slog.InfoContext(ctx, "migration applied",
			"operation", "apply_migrations",
			"version", migration.Version,
			"name", migration.Name,
		)
		applied++
	}
	return applied, nil
}

// GetMigrationStatus はマイグレーションごとの適用状況をバージョン順に返す。
func (s *MigrationService) GetMigrationStatus(ctx context.Context) ([]*domain.Migration, error) {
	if err := s.repo.EnsureTable(ctx); err != nil {
		return nil, fmt.Errorf("ensuring schema_migrations: %w", err)
	}

	migrations, err := s.scan()
	if err != nil {
		return nil, err
	}

	applied, err := s.repo.FindAllApplied(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching applied migrations: %w", err)
	}
	appliedByVersion := make(map[string]*domain.Migration, len(applied))
	for _, m := range applied {
		appliedByVersion[m.Version] = m
	}

	for _, migration := range migrations {
		if m, ok := appliedByVersion[migration.Version]; ok {
			migration.Status = domain.MigrationStatusApplied
			migration.AppliedAt = m.AppliedAt
		}
	}
	return migrations, nil
}

// apply は1件のマイグレーションを実行し、同じトランザクションで履歴を記録する。
func (s *MigrationService) apply(ctx context.Context, migration *domain.Migration) error {
	content, err := fs.ReadFile(s.source, migration.Path)
	if err != nil {
		return fmt.Errorf("%w: %s", domain.ErrMigrationFileNotFound, migration.Path)
	}
	statements := splitStatements(string(content))
	if len(statements) == 0 {
		return fmt.Errorf("%w: %s has no statements", domain.ErrInvalidMigrationFile, migration.Path)
	}

	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		for _, statement := range statements {
			if err := s.repo.ExecStatement(ctx, statement); err != nil {
				return fmt.Errorf("executing statement: %w", err)
			}
		}
		if err := s.repo.RecordMigration(ctx, migration); err != nil {
			return fmt.Errorf("recording migration: %w", err)
		}
		return nil
	})
}

// scan はsourceから{version}_{name}.sql形式のファイルを読み取りバージョン順に並べる。
func (s *MigrationService) scan() ([]*domain.Migration, error) {
	entries, err := fs.ReadDir(s.source, ".")
	if err != nil {
		return nil, fmt.Errorf("reading migrations: %w", err)
	}

	seen := make(map[string]string)
	var migrations []*domain.Migration
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, name, err := parseMigrationFileName(entry.Name())
		if err != nil {
			return nil, err
		}
		if prev, ok := seen[version]; ok {
			return nil, fmt.Errorf("%w: version %s used by %s and %s", domain.ErrInvalidMigrationFile, version, prev, entry.Name())
		}
		seen[version] = entry.Name()

		migrations = append(migrations, &domain.Migration{
			Version: version,
			Name:    name,
			Path:    entry.Name(),
			Status:  domain.MigrationStatusPending,
		})
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})
	return migrations, nil
}

// parseMigrationFileName は "001_create_x.sql" からバージョンと名前を取り出す。
func parseMigrationFileName(filename string) (version, name string, err error) {
	parts := strings.SplitN(strings.TrimSuffix(filename, ".sql"), "_", 2)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: %s (expected format: {version}_{name}.sql)", domain.ErrInvalidMigrationFile, filename)
	}
	return parts[0], parts[1], nil
}

// splitStatements はSQLを ; で分割し、空文と -- コメント行を取り除く。
// 文字列リテラル内の ; は想定しない。
func splitStatements(sql string) []string {
	var lines []string
	for _, line := range strings.Split(sql, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var statements []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			statements = append(statements, stmt)
		}
	}
	return statements
}

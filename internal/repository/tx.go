// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"

	"gorm.io/gorm"
)

type txContextKey struct{}

// GormTxManager はcontextにgormのトランザクションを載せて境界を管理する。
type GormTxManager struct {
	db *gorm.DB
}

// NewGormTxManager は新しいGormTxManagerを生成する。
func NewGormTxManager(db *gorm.DB) *GormTxManager {
	return &GormTxManager{db: db}
}

// WithinTransaction はfnをトランザクション内で実行する。
// 既にトランザクション中のcontextが渡された場合は外側のトランザクションに参加する。
func (m *GormTxManager) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return fn(ctx)
	}
	return m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(context.WithValue(ctx, txContextKey{}, tx))
	})
}

// conn はcontextにトランザクションがあればそれを、無ければdbを返す。
func conn(ctx context.Context, db *gorm.DB) *gorm.DB {
	if tx, ok := ctx.Value(txContextKey{}).(*gorm.DB); ok {
		return tx.WithContext(ctx)
	}
	return db.WithContext(ctx)
}

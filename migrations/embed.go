// Package migrations はDBドライバごとのスキーマ定義SQLを埋め込みで提供する。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// ForDriver はドライバ名に対応するマイグレーションファイル群を返す。
func ForDriver(driver string) (fs.FS, error) {
	switch driver {
	case "mysql", "sqlite":
		return fs.Sub(files, driver)
	default:
		return nil, fmt.Errorf("no migrations for database driver %q", driver)
	}
}

// Package storage 按数据库类型组装存储实现（内部使用）
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/LENAX/crm-automation/pkg/storage"
	"github.com/LENAX/crm-automation/pkg/storage/mysql"
	"github.com/LENAX/crm-automation/pkg/storage/postgres"
	pkgsqlite "github.com/LENAX/crm-automation/pkg/storage/sqlite"
	"github.com/LENAX/crm-automation/pkg/storage/sqlstore"
)

// NewDialect 根据数据库类型返回方言（内部方法）
// dbType: 数据库类型（sqlite/mysql/postgres）
func NewDialect(dbType string) (storage.Dialect, error) {
	switch strings.ToLower(dbType) {
	case "", "sqlite", "sqlite3":
		return pkgsqlite.NewSQLiteDialect(), nil
	case "mysql":
		return mysql.NewMySQLDialect(), nil
	case "postgres", "postgresql":
		return postgres.NewPostgresDialect(), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", dbType)
	}
}

// NewStore 创建存储实例（内部方法）
// dsn: 数据库连接字符串
func NewStore(dbType, dsn string, opts sqlstore.Options) (storage.Store, error) {
	dialect, err := NewDialect(dbType)
	if err != nil {
		return nil, err
	}
	if dialect.Name() == "sqlite" {
		if err := ensureSQLiteDir(dsn); err != nil {
			return nil, err
		}
	}
	store, err := sqlstore.Open(dialect, dsn, opts)
	if err != nil {
		return nil, fmt.Errorf("create %s store failed: %w", dialect.Name(), err)
	}
	return store, nil
}

// ensureSQLiteDir 为文件型 sqlite 创建所在目录
func ensureSQLiteDir(dsn string) error {
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.Index(path, "?"); i >= 0 {
		path = path[:i]
	}
	if path == "" || path == ":memory:" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("创建数据目录失败: %w", err)
		}
	}
	return nil
}

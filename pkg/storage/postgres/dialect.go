// Package postgres PostgreSQL方言与驱动注册
package postgres

import (
	"fmt"
	"strings"

	_ "github.com/lib/pq"

	"github.com/LENAX/crm-automation/pkg/storage"
)

// PostgresDialect PostgreSQL方言实现（对外导出）
type PostgresDialect struct{}

// NewPostgresDialect 创建PostgreSQL方言实例
func NewPostgresDialect() *PostgresDialect {
	return &PostgresDialect{}
}

// Name 返回方言名称
func (d *PostgresDialect) Name() string {
	return "postgres"
}

// DriverName 返回驱动名
func (d *PostgresDialect) DriverName() string {
	return "postgres"
}

// PrepareDSN PostgreSQL原样使用
func (d *PostgresDialect) PrepareDSN(dsn string) string {
	return dsn
}

// UpsertSQL 返回PostgreSQL的UPSERT语句（使用ON CONFLICT DO UPDATE）
func (d *PostgresDialect) UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string {
	namedPlaceholders := make([]string, len(columns))
	for i, col := range columns {
		namedPlaceholders[i] = ":" + col
	}

	updateParts := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updateParts[i] = fmt.Sprintf("%s = EXCLUDED.%s", col, col)
	}

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET %s",
		tableName,
		strings.Join(columns, ", "),
		strings.Join(namedPlaceholders, ", "),
		conflictColumn,
		strings.Join(updateParts, ", "),
	)
}

// CreateTableSQL 转换DDL为PostgreSQL兼容格式
func (d *PostgresDialect) CreateTableSQL(schema string) string {
	result := schema
	result = strings.ReplaceAll(result, "REAL NOT NULL", "DOUBLE PRECISION NOT NULL")
	result = strings.ReplaceAll(result, "REAL DEFAULT", "DOUBLE PRECISION DEFAULT")
	return result
}

// CreateIndexSQL 返回创建索引的DDL
func (d *PostgresDialect) CreateIndexSQL(name, table string, columns []string) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)", name, table, strings.Join(columns, ", "))
}

// ConfigureDB PostgreSQL无需额外配置
func (d *PostgresDialect) ConfigureDB() []string {
	return nil
}

// IgnorableSchemaError 并发初始化时可能出现 already exists
func (d *PostgresDialect) IgnorableSchemaError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "already exists")
}

// 确保实现接口
var _ storage.Dialect = (*PostgresDialect)(nil)

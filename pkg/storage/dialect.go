package storage

// Dialect SQL方言接口（对外导出）
// 封装不同数据库的SQL语法差异，查询本身统一写成 ? 占位符并由 sqlx.Rebind 转换。
type Dialect interface {
	// Name 返回方言名称（如 "sqlite", "mysql", "postgres"）
	Name() string

	// DriverName 返回 database/sql 驱动名
	DriverName() string

	// PrepareDSN 补全驱动需要的DSN参数
	PrepareDSN(dsn string) string

	// UpsertSQL 返回按主键插入或更新的SQL语句（使用 :column 命名参数）
	// updateColumns: 冲突时需要更新的列（不含主键）
	UpsertSQL(tableName string, columns []string, conflictColumn string, updateColumns []string) string

	// CreateTableSQL 把通用DDL转换为方言DDL
	CreateTableSQL(schema string) string

	// CreateIndexSQL 返回创建索引的DDL
	CreateIndexSQL(name, table string, columns []string) string

	// ConfigureDB 连接建立后需要执行的语句（如SQLite的PRAGMA）
	ConfigureDB() []string

	// IgnorableSchemaError 建表/建索引时可忽略的"已存在"错误
	IgnorableSchemaError(err error) bool
}

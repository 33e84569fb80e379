// Package sqlstore 基于 sqlx 的通用存储实现，按方言适配 SQLite/MySQL/PostgreSQL
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/LENAX/crm-automation/pkg/storage"
)

// Options 连接池参数
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Store storage.Store 的 sqlx 实现（对外导出）
type Store struct {
	db      *sqlx.DB
	dialect storage.Dialect
}

// Open 通过方言与DSN打开数据库并初始化表结构（对外导出）
func Open(dialect storage.Dialect, dsn string, opts Options) (*Store, error) {
	db, err := sqlx.Open(dialect.DriverName(), dialect.PrepareDSN(dsn))
	if err != nil {
		return nil, fmt.Errorf("打开数据库失败: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接失败: %w", err)
	}

	store, err := New(db, dialect)
	if err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New 使用已有连接创建存储（对外导出）
func New(db *sqlx.DB, dialect storage.Dialect) (*Store, error) {
	s := &Store{db: db, dialect: dialect}
	for _, stmt := range dialect.ConfigureDB() {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("配置数据库失败: %w", err)
		}
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("初始化表结构失败: %w", err)
	}
	log.Printf("✅ [存储] 数据库已就绪: dialect=%s", dialect.Name())
	return s, nil
}

// DB 获取底层数据库连接（对外导出）
func (s *Store) DB() *sqlx.DB {
	return s.db
}

// Dialect 当前方言
func (s *Store) Dialect() storage.Dialect {
	return s.dialect
}

// Ping 检查数据库连通性
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close 关闭数据库连接（对外导出）
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

type index struct {
	name    string
	table   string
	columns []string
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS automation_workflow (
		id VARCHAR(64) PRIMARY KEY,
		org_id VARCHAR(64) NOT NULL,
		directory VARCHAR(255) NOT NULL DEFAULT '',
		name VARCHAR(255) NOT NULL,
		description TEXT,
		status VARCHAR(32) NOT NULL,
		trigger_kind VARCHAR(64) NOT NULL,
		conditions TEXT,
		actions TEXT,
		prevent_duplicates SMALLINT NOT NULL DEFAULT 0,
		duplicate_lookback_days INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 0,
		total_runs BIGINT NOT NULL DEFAULT 0,
		successful_runs BIGINT NOT NULL DEFAULT 0,
		failed_runs BIGINT NOT NULL DEFAULT 0,
		executed_steps BIGINT NOT NULL DEFAULT 0,
		total_step_ms BIGINT NOT NULL DEFAULT 0,
		last_run_at BIGINT,
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS workflow_enrollment (
		id VARCHAR(64) PRIMARY KEY,
		org_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		client_id VARCHAR(64) NOT NULL,
		reason VARCHAR(255) NOT NULL DEFAULT '',
		status VARCHAR(32) NOT NULL,
		current_step VARCHAR(64) NOT NULL DEFAULT '',
		next_execution_at BIGINT,
		pending_execution_at BIGINT,
		waiting_on VARCHAR(64) NOT NULL DEFAULT '',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		claimed_by VARCHAR(128) NOT NULL DEFAULT '',
		claimed_until BIGINT,
		version BIGINT NOT NULL DEFAULT 0,
		enrolled_at BIGINT NOT NULL,
		completed_at BIGINT,
		paused_at BIGINT,
		resumed_at BIGINT,
		updated_at BIGINT NOT NULL,
		facts TEXT,
		metadata TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS enrollment_guard (
		org_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		client_id VARCHAR(64) NOT NULL,
		locked_at BIGINT NOT NULL,
		PRIMARY KEY (org_id, workflow_id, client_id)
	);`,
	`CREATE TABLE IF NOT EXISTS execution_log (
		id VARCHAR(64) PRIMARY KEY,
		org_id VARCHAR(64) NOT NULL,
		workflow_id VARCHAR(64) NOT NULL,
		enrollment_id VARCHAR(64) NOT NULL,
		client_id VARCHAR(64) NOT NULL,
		step_id VARCHAR(64) NOT NULL,
		action_type VARCHAR(64) NOT NULL,
		status VARCHAR(32) NOT NULL,
		attempt INTEGER NOT NULL DEFAULT 0,
		executed_at BIGINT NOT NULL,
		duration_ms BIGINT NOT NULL DEFAULT 0,
		message TEXT,
		error TEXT,
		metadata TEXT
	);`,
	`CREATE TABLE IF NOT EXISTS appointment_trigger (
		id VARCHAR(64) PRIMARY KEY,
		org_id VARCHAR(64) NOT NULL,
		appointment_id VARCHAR(64) NOT NULL,
		client_id VARCHAR(64) NOT NULL,
		event_id VARCHAR(128) NOT NULL UNIQUE,
		event_kind VARCHAR(64) NOT NULL,
		appointment_type VARCHAR(64) NOT NULL DEFAULT '',
		matched_workflow_ids TEXT,
		enrollment_ids TEXT,
		created_at BIGINT NOT NULL
	);`,
}

var indexes = []index{
	{"idx_workflow_org", "automation_workflow", []string{"org_id"}},
	{"idx_workflow_org_status", "automation_workflow", []string{"org_id", "status"}},
	{"idx_enrollment_org", "workflow_enrollment", []string{"org_id"}},
	{"idx_enrollment_workflow_client", "workflow_enrollment", []string{"workflow_id", "client_id", "enrolled_at"}},
	{"idx_enrollment_client", "workflow_enrollment", []string{"client_id"}},
	{"idx_enrollment_status", "workflow_enrollment", []string{"status"}},
	{"idx_enrollment_due", "workflow_enrollment", []string{"status", "next_execution_at"}},
	{"idx_log_org", "execution_log", []string{"org_id"}},
	{"idx_log_enrollment", "execution_log", []string{"enrollment_id", "step_id"}},
	{"idx_log_workflow", "execution_log", []string{"workflow_id"}},
	{"idx_appt_trigger_appointment", "appointment_trigger", []string{"org_id", "appointment_id"}},
}

// initSchema 初始化数据库表结构
func (s *Store) initSchema() error {
	for _, ddl := range schema {
		if _, err := s.db.Exec(s.dialect.CreateTableSQL(ddl)); err != nil && !s.dialect.IgnorableSchemaError(err) {
			return err
		}
	}
	for _, idx := range indexes {
		stmt := s.dialect.CreateIndexSQL(idx.name, idx.table, idx.columns)
		if _, err := s.db.Exec(stmt); err != nil && !s.dialect.IgnorableSchemaError(err) {
			return fmt.Errorf("创建索引 %s 失败: %w", idx.name, err)
		}
	}
	return nil
}

// rebind 把 ? 占位符转换为当前驱动格式
func (s *Store) rebind(query string) string {
	return s.db.Rebind(query)
}

func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// 确保实现接口
var _ storage.Store = (*Store)(nil)

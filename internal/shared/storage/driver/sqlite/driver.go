// Package sqlite SQLite 数据库驱动
//
// 提供 SQLite 连接管理、方言实现和自动 Schema 迁移。
// 适用于开发、测试和轻量级部署场景。
package sqlite

import (
	"database/sql"
	"fmt"
	"strings"

	"qcfleet/internal/shared/storage/dbutil"

	_ "modernc.org/sqlite"
)

// Dialect SQLite 方言实现
type Dialect struct{}

var _ dbutil.Dialect = (*Dialect)(nil)

func (d *Dialect) DriverType() dbutil.DriverType {
	return dbutil.DriverSQLite
}

func (d *Dialect) Rebind(query string) string {
	return dbutil.RebindToQuestion(query)
}

func (d *Dialect) CurrentTimestamp() string {
	return "datetime('now')"
}

func (d *Dialect) UpsertConflict(conflictColumns []string, updateExprs []string) string {
	if len(updateExprs) == 0 {
		return fmt.Sprintf("ON CONFLICT (%s) DO NOTHING", strings.Join(conflictColumns, ", "))
	}
	return fmt.Sprintf("ON CONFLICT (%s) DO UPDATE SET %s",
		strings.Join(conflictColumns, ", "), strings.Join(updateExprs, ", "))
}

// LockingClause SQLite 单写者模型不需要行锁
func (d *Dialect) LockingClause() string {
	return ""
}

func (d *Dialect) AutoMigrate(db *sql.DB) error {
	_, err := db.Exec(schema)
	return err
}

// Open 创建 SQLite 数据库连接
// dsn 示例: "file:qcfleet.db?cache=shared&mode=rwc" 或 ":memory:"
func Open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}

	// SQLite 优化设置
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("failed to set pragma %s: %w", p, err)
		}
	}

	// 内存库只允许单连接，避免每个连接各有一份空库
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping sqlite: %w", err)
	}

	return db, nil
}

// NewDialect 创建 SQLite 方言
func NewDialect() *Dialect {
	return &Dialect{}
}

// schema SQLite 完整建表语句（等价于 PostgreSQL 迁移文件）
const schema = `
-- specifications 内容寻址的计算规格
CREATE TABLE IF NOT EXISTS specifications (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash VARCHAR(64) NOT NULL UNIQUE,
    program VARCHAR(100) NOT NULL,
    driver VARCHAR(32) NOT NULL DEFAULT '',
    method VARCHAR(100) NOT NULL,
    basis VARCHAR(100) NOT NULL DEFAULT '',
    keywords TEXT NOT NULL DEFAULT '{}',
    protocols TEXT,
    created_on DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- molecules 内容寻址的分子结构
CREATE TABLE IF NOT EXISTS molecules (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    hash VARCHAR(64) NOT NULL UNIQUE,
    name VARCHAR(200),
    payload TEXT NOT NULL,
    charge INTEGER NOT NULL DEFAULT 0,
    multiplicity INTEGER NOT NULL DEFAULT 1,
    created_on DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- records 计算记录
CREATE TABLE IF NOT EXISTS records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_type VARCHAR(32) NOT NULL,
    is_service INTEGER NOT NULL DEFAULT 0,
    specification_id INTEGER NOT NULL REFERENCES specifications(id),
    molecule_id INTEGER REFERENCES molecules(id),
    status VARCHAR(16) NOT NULL,
    manager_name VARCHAR(200),
    owner_user VARCHAR(100),
    properties TEXT,
    created_on DATETIME NOT NULL DEFAULT (datetime('now')),
    modified_on DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_records_status ON records(status);
CREATE INDEX IF NOT EXISTS idx_records_manager ON records(manager_name);
CREATE INDEX IF NOT EXISTS idx_records_spec_mol ON records(record_type, specification_id, molecule_id);

-- record_children 复合记录的子记录关系
CREATE TABLE IF NOT EXISTS record_children (
    parent_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    child_id INTEGER NOT NULL REFERENCES records(id),
    relation VARCHAR(32) NOT NULL,
    position INTEGER NOT NULL DEFAULT 0,
    key VARCHAR(200) NOT NULL DEFAULT '',
    coefficient REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (parent_id, child_id, relation, position, key)
);
CREATE INDEX IF NOT EXISTS idx_record_children_child ON record_children(child_id);

-- tasks 待领取/执行中的任务队列
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL UNIQUE REFERENCES records(id) ON DELETE CASCADE,
    tag VARCHAR(100) NOT NULL DEFAULT '*',
    priority INTEGER NOT NULL DEFAULT 1,
    required_programs TEXT NOT NULL DEFAULT '[]',
    function VARCHAR(200),
    function_kwargs TEXT,
    claimed_by VARCHAR(200),
    claimed_at DATETIME,
    created_on DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(claimed_by, tag, priority DESC, created_on ASC);

-- compute_history 记录的执行历史（只追加）
CREATE TABLE IF NOT EXISTS compute_history (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    status VARCHAR(16) NOT NULL,
    manager_name VARCHAR(200),
    modified_on DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_compute_history_record ON compute_history(record_id);

-- outputs 执行历史关联的输出（stdout/stderr/error）
CREATE TABLE IF NOT EXISTS outputs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    history_id INTEGER NOT NULL REFERENCES compute_history(id) ON DELETE CASCADE,
    output_type VARCHAR(16) NOT NULL,
    data BLOB,
    object_key VARCHAR(300),
    UNIQUE (history_id, output_type)
);

-- managers 计算管理器注册表
CREATE TABLE IF NOT EXISTS managers (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name VARCHAR(200) NOT NULL UNIQUE,
    cluster_name VARCHAR(100) NOT NULL,
    hostname VARCHAR(200) NOT NULL,
    manager_version VARCHAR(50),
    username VARCHAR(100),
    programs TEXT NOT NULL DEFAULT '{}',
    tags TEXT NOT NULL DEFAULT '[]',
    claimed INTEGER NOT NULL DEFAULT 0,
    successes INTEGER NOT NULL DEFAULT 0,
    failures INTEGER NOT NULL DEFAULT 0,
    rejected INTEGER NOT NULL DEFAULT 0,
    active INTEGER NOT NULL DEFAULT 1,
    created_on DATETIME NOT NULL DEFAULT (datetime('now')),
    modified_on DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- services 复合记录的编排状态
CREATE TABLE IF NOT EXISTS services (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL UNIQUE REFERENCES records(id) ON DELETE CASCADE,
    tag VARCHAR(100) NOT NULL DEFAULT '*',
    priority INTEGER NOT NULL DEFAULT 1,
    find_existing INTEGER NOT NULL DEFAULT 1,
    iteration INTEGER NOT NULL DEFAULT 0,
    service_state TEXT,
    created_on DATETIME NOT NULL DEFAULT (datetime('now')),
    modified_on DATETIME NOT NULL DEFAULT (datetime('now'))
);

-- service_dependencies 服务当前波次的子记录依赖
CREATE TABLE IF NOT EXISTS service_dependencies (
    service_id INTEGER NOT NULL REFERENCES services(id) ON DELETE CASCADE,
    record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    key VARCHAR(200) NOT NULL DEFAULT '',
    PRIMARY KEY (service_id, record_id, key)
);
CREATE INDEX IF NOT EXISTS idx_service_deps_record ON service_dependencies(record_id);

-- record_info_backup 软删除/取消前的状态备份
CREATE TABLE IF NOT EXISTS record_info_backup (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    record_id INTEGER NOT NULL REFERENCES records(id) ON DELETE CASCADE,
    old_status VARCHAR(16) NOT NULL,
    old_tag VARCHAR(100),
    old_priority INTEGER,
    modified_on DATETIME NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_record_info_backup_record ON record_info_backup(record_id);
`

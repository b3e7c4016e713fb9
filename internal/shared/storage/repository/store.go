// Package repository 数据库无关的业务逻辑存储层
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
// 记录状态机、任务领取、回传入库等核心语义全部在本包的事务内实现。
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"qcfleet/internal/shared/eventbus"
	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage/dbutil"
	"qcfleet/pkg/logging"
)

// OutputOffloader 大输出转存接口
//
// 由对象存储客户端实现；超过阈值的输出只在数据库中保留 object_key。
type OutputOffloader interface {
	ShouldOffload(size int) bool
	OffloadOutput(ctx context.Context, recordID int64, outputType string, data []byte) (string, error)
}

// RecordEventPublisher 记录终态事件发布接口
//
// 回传入库提交后发布，供服务编排器实时唤醒。发布失败只记日志，
// 保底扫描会补上遗漏的唤醒。
type RecordEventPublisher interface {
	PublishRecordEvent(ctx context.Context, event *eventbus.RecordEvent) error
}

// ContentArchiver 内容寻址对象归档接口
//
// 由 MongoDB 归档存储实现；规格与分子入库后按哈希并行归档，
// 归档失败只记日志，不影响 SQL 主存储。
type ContentArchiver interface {
	ArchiveSpecification(ctx context.Context, spec *model.Specification) (string, error)
	ArchiveMolecule(ctx context.Context, mol *model.Molecule) (string, error)
}

// Store 通用存储实现
type Store struct {
	db        *sql.DB
	dialect   dbutil.Dialect
	logger    *logging.Logger
	offloader OutputOffloader      // 可为 nil，此时输出全部内联入库
	events    RecordEventPublisher // 可为 nil，此时依赖编排器保底扫描
	archiver  ContentArchiver      // 可为 nil，此时不做文档归档
}

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{
		db:      db,
		dialect: dialect,
		logger:  logging.Default("repository"),
	}
}

// SetOutputOffloader 配置大输出转存
func (s *Store) SetOutputOffloader(o OutputOffloader) {
	s.offloader = o
}

// SetEventPublisher 配置记录终态事件发布
func (s *Store) SetEventPublisher(p RecordEventPublisher) {
	s.events = p
}

// SetArchiver 配置内容寻址对象归档
func (s *Store) SetArchiver(a ContentArchiver) {
	s.archiver = a
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// now 返回当前时间戳 SQL 表达式
func (s *Store) now() string {
	return s.dialect.CurrentTimestamp()
}

// withTx 在事务中执行 fn，出错时回滚
//
// 所有多表写入的操作（建记录+建任务、领取、回传、重置）
// 都必须经由事务保证原子性。
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// scanner 行扫描抽象，同时覆盖 *sql.Row 和 *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

// nullString 拆箱可能为 NULL 的字符串
func nullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// nullTime 拆箱可能为 NULL 的时间
func nullTime(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

// nullInt64 拆箱可能为 NULL 的整数
func nullInt64(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

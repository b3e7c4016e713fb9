// Package storage 定义存储层领域错误
//
// 这些错误用于隔离业务层与底层存储引擎的错误类型，
// 各驱动实现（repository/mongostore）负责将底层错误转换为这些领域错误。
package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound 实体不存在
	// 替代 sql.ErrNoRows / mongo.ErrNoDocuments
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（状态机前置条件不满足）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)

// ============================================================================
// ComputeManagerError - 管理器调用级错误
// ============================================================================

// ComputeManagerError 管理器协议的调用级失败
//
// 与逐任务的软拒绝不同，调用级失败使整个请求失败：
// 未注册或已停用的管理器不得领取或回传任何任务。
type ComputeManagerError struct {
	Manager string
	Reason  string
}

func (e *ComputeManagerError) Error() string {
	return fmt.Sprintf("compute manager %s %s", e.Manager, e.Reason)
}

// ErrManagerNotFound 管理器未注册
func ErrManagerNotFound(manager string) error {
	return &ComputeManagerError{Manager: manager, Reason: "does not exist"}
}

// ErrManagerInactive 管理器已停用
func ErrManagerInactive(manager string) error {
	return &ComputeManagerError{Manager: manager, Reason: "is not active"}
}

// ============================================================================
// 逐任务软拒绝原因
// ============================================================================

// 回传结果时的逐任务拒绝原因
//
// 拒绝不会使整个回传调用失败：被拒绝的任务记入应答并
// 累加管理器的 rejected 计数，其余任务正常入库。
const (
	// RejectTaskMissing 任务已不在队列中（重复回传、已被重置等）
	RejectTaskMissing = "Task does not exist in the task queue"

	// RejectWrongManager 任务被其他管理器领取
	RejectWrongManager = "Task is claimed by another manager"

	// RejectNotRunning 任务对应记录不处于 running 状态
	RejectNotRunning = "Task is not in a running state"
)

// Package model 定义核心数据模型
//
// task.go 包含任务队列相关的数据模型定义：
//   - Task：与 waiting/running 记录一一对应的可认领工作单元
//   - Priority：任务优先级枚举
package model

import (
	"strings"
	"time"
)

// ============================================================================
// Priority - 任务优先级
// ============================================================================

// Priority 任务优先级，高优先级先被认领
type Priority int

const (
	PriorityLow    Priority = 0
	PriorityNormal Priority = 1
	PriorityHigh   Priority = 2
)

// ParsePriority 大小写不敏感地解析优先级字符串
//
// 无法识别的输入回落到 normal
func ParsePriority(s string) Priority {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return PriorityHigh
	case "low":
		return PriorityLow
	default:
		return PriorityNormal
	}
}

// String 返回优先级名称
func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityLow:
		return "low"
	default:
		return "normal"
	}
}

// ============================================================================
// Task - 可认领的工作单元
// ============================================================================

// TagWildcard 通配标签：Manager 声明 "*" 时可服务任意标签的任务
const TagWildcard = "*"

// Task 任务队列条目
//
// Task 与处于 waiting/running 状态的记录一一对应：
//   - 与记录在同一个事务中创建
//   - 记录离开可认领状态时删除
//   - ClaimedBy 非空表示已被某个 Manager 认领（记录应为 running）
//
// 认领协议保证恰好一次：同一个任务绝不会同时发给两个 Manager。
type Task struct {
	ID       int64 `json:"id" bson:"_id" db:"id"`
	RecordID int64 `json:"record_id" bson:"record_id" db:"record_id"`

	// Tag 队列标签（自由字符串，"*" 表示接受任意 Manager）
	Tag string `json:"tag" bson:"tag" db:"tag"`

	// Priority 优先级，认领顺序为 (priority DESC, created_on ASC)
	Priority Priority `json:"priority" bson:"priority" db:"priority"`

	// RequiredPrograms 执行本任务所需的程序能力
	RequiredPrograms []string `json:"required_programs" bson:"required_programs" db:"required_programs"`

	// Function 待执行函数名快照（随任务下发给 Manager）
	Function string `json:"function,omitempty" bson:"function,omitempty" db:"function"`

	// FunctionKwargs 函数参数快照（JSON）
	FunctionKwargs []byte `json:"function_kwargs,omitempty" bson:"function_kwargs,omitempty" db:"function_kwargs"`

	// ClaimedBy 认领者 Manager 全名，未认领时为 nil
	ClaimedBy *string `json:"claimed_by,omitempty" bson:"claimed_by,omitempty" db:"claimed_by"`

	// ClaimedAt 认领时刻
	ClaimedAt *time.Time `json:"claimed_at,omitempty" bson:"claimed_at,omitempty" db:"claimed_at"`

	CreatedOn time.Time `json:"created_on" bson:"created_on" db:"created_on"`
}

// IsClaimed 判断任务是否已被认领
func (t *Task) IsClaimed() bool {
	return t.ClaimedBy != nil && *t.ClaimedBy != ""
}

// Package model 定义核心数据模型
//
// record.go 包含计算记录相关的数据模型定义：
//   - Record：一次计算（原子或复合）的跟踪记录
//   - RecordStatus：记录状态枚举
//   - RecordType：记录类型枚举
//   - ComputeHistory：计算历史（只增不减的审计日志）
//   - OutputStore：输出数据（stdout/stderr/error）
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// RecordStatus - 记录状态
// ============================================================================

// RecordStatus 表示计算记录的状态
//
// 记录生命周期：
//
//	waiting → running → complete
//	   ↑         ↓          ↓
//	   ←───── (reset)    invalid (invalidate)
//	   ↑         ↓
//	   ←── error (重试耗尽)
//	waiting/running → cancelled (cancel)
//	任意状态 → deleted (软删除)
//
// 状态说明：
//   - waiting：已创建，等待 Manager 认领
//   - running：已被某个 Manager 认领，正在计算
//   - complete：计算成功结束（终态）
//   - error：计算失败且重试耗尽（可通过 reset 重新排队）
//   - cancelled：被用户取消（终态，可 uncancel 恢复）
//   - invalid：结果被标记为无效（终态，可 uninvalidate 恢复）
//   - deleted：软删除，行保留（终态）
type RecordStatus string

const (
	// RecordStatusWaiting 等待中：等待 Manager 认领任务
	RecordStatusWaiting RecordStatus = "waiting"

	// RecordStatusRunning 计算中：已被 Manager 认领
	RecordStatusRunning RecordStatus = "running"

	// RecordStatusComplete 已完成：计算成功结束
	RecordStatusComplete RecordStatus = "complete"

	// RecordStatusError 已失败：计算失败且重试预算耗尽
	RecordStatusError RecordStatus = "error"

	// RecordStatusCancelled 已取消：用户主动取消
	RecordStatusCancelled RecordStatus = "cancelled"

	// RecordStatusInvalid 已失效：结果事后被标记为不可信
	RecordStatusInvalid RecordStatus = "invalid"

	// RecordStatusDeleted 已删除：软删除，保留历史
	RecordStatusDeleted RecordStatus = "deleted"
)

// IsTerminal 判断状态是否为终态
func (s RecordStatus) IsTerminal() bool {
	switch s {
	case RecordStatusComplete, RecordStatusError, RecordStatusCancelled,
		RecordStatusInvalid, RecordStatusDeleted:
		return true
	default:
		return false
	}
}

// IsClaimable 判断状态是否允许存在任务队列条目
func (s RecordStatus) IsClaimable() bool {
	return s == RecordStatusWaiting || s == RecordStatusRunning
}

// ============================================================================
// RecordType - 记录类型
// ============================================================================

// RecordType 记录类型，决定子记录结构和服务编排策略
type RecordType string

const (
	// RecordTypeSinglepoint 单点计算：原子记录，无子记录
	RecordTypeSinglepoint RecordType = "singlepoint"

	// RecordTypeOptimization 几何优化：拥有有序的 trajectory 单点子记录
	RecordTypeOptimization RecordType = "optimization"

	// RecordTypeReaction 反应能计算：服务记录，子记录为各组分单点
	RecordTypeReaction RecordType = "reaction"

	// RecordTypeGridoptimization 网格优化：服务记录，子记录为各网格点优化
	RecordTypeGridoptimization RecordType = "gridoptimization"

	// RecordTypeTorsiondrive 二面角扫描：服务记录，子记录为各角度优化
	RecordTypeTorsiondrive RecordType = "torsiondrive"

	// RecordTypeNEB 过渡态搜索（Nudged Elastic Band）：服务记录，子记录为链上各镜像单点
	RecordTypeNEB RecordType = "neb"
)

// IsService 判断记录类型是否由服务编排驱动
func (t RecordType) IsService() bool {
	switch t {
	case RecordTypeReaction, RecordTypeGridoptimization, RecordTypeTorsiondrive, RecordTypeNEB:
		return true
	default:
		return false
	}
}

// ============================================================================
// Record - 计算记录
// ============================================================================

// Record 表示一次被跟踪的计算（原子或复合）
//
// 核心不变式：
//   - Task 非空 ⇔ 状态为 waiting 或 running（且非服务记录）
//   - ManagerName 非空 ⇔ 状态为 running
//   - ComputeHistory 只增不减（整行硬删除除外）
type Record struct {
	ID              int64        `json:"id" bson:"_id" db:"id"`
	RecordType      RecordType   `json:"record_type" bson:"record_type" db:"record_type"`
	IsService       bool         `json:"is_service" bson:"is_service" db:"is_service"`
	SpecificationID int64        `json:"specification_id" bson:"specification_id" db:"specification_id"`
	MoleculeID      *int64       `json:"molecule_id,omitempty" bson:"molecule_id,omitempty" db:"molecule_id"`
	Status          RecordStatus `json:"status" bson:"status" db:"status"`
	ManagerName     *string      `json:"manager_name,omitempty" bson:"manager_name,omitempty" db:"manager_name"`
	OwnerUser       string       `json:"owner_user,omitempty" bson:"owner_user,omitempty" db:"owner_user"`

	// Properties 计算结果属性（如 return_energy），complete 后填充
	Properties json.RawMessage `json:"properties,omitempty" bson:"properties,omitempty" db:"properties"`

	CreatedOn  time.Time `json:"created_on" bson:"created_on" db:"created_on"`
	ModifiedOn time.Time `json:"modified_on" bson:"modified_on" db:"modified_on"`

	// === 按需加载字段 ===

	// Task 任务队列条目（waiting/running 的非服务记录才有）
	Task *Task `json:"task,omitempty" bson:"task,omitempty" db:"-"`

	// Service 服务编排状态（仅服务记录）
	Service *Service `json:"service,omitempty" bson:"service,omitempty" db:"-"`

	// ComputeHistory 计算历史，按时间升序
	ComputeHistory []*ComputeHistory `json:"compute_history,omitempty" bson:"compute_history,omitempty" db:"-"`

	// Children 类型化子记录关系
	Children []*RecordChild `json:"children,omitempty" bson:"children,omitempty" db:"-"`
}

// RecordChild 父子记录关系
//
// 子记录按引用共享：同一个子记录可以被多个父记录引用
// （如去重后的单点被两个反应复用），删除父记录时需要做引用计数检查。
type RecordChild struct {
	ParentID int64 `json:"parent_id" bson:"parent_id" db:"parent_id"`
	ChildID  int64 `json:"child_id" bson:"child_id" db:"child_id"`

	// Relation 关系类型（trajectory/stoichiometry/grid_point/optimization/singlepoint）
	Relation string `json:"relation" bson:"relation" db:"relation"`

	// Position 有序关系中的序号（如 trajectory 第几步）
	Position int `json:"position" bson:"position" db:"position"`

	// Key 命名关系的键（如网格点坐标 "1,0"、二面角 "(-90,)"）
	Key string `json:"key,omitempty" bson:"key,omitempty" db:"key"`

	// Coefficient 化学计量系数（reaction 专用）
	Coefficient float64 `json:"coefficient,omitempty" bson:"coefficient,omitempty" db:"coefficient"`
}

// 常用的子记录关系类型
const (
	ChildRelationTrajectory    = "trajectory"
	ChildRelationStoichiometry = "stoichiometry"
	ChildRelationGridPoint     = "grid_point"
	ChildRelationOptimization  = "optimization"
	ChildRelationSinglepoint   = "singlepoint"
)

// ============================================================================
// ComputeHistory - 计算历史
// ============================================================================

// OutputType 输出数据类型
type OutputType string

const (
	OutputTypeStdout OutputType = "stdout"
	OutputTypeStderr OutputType = "stderr"
	OutputTypeError  OutputType = "error"
)

// OutputStore 一份输出数据
//
// 小数据内联在 Data 中；超过阈值的数据被转移到对象存储，
// 此时 Data 为空而 ObjectKey 指向 MinIO 中的对象。
type OutputStore struct {
	ID         int64      `json:"id" bson:"_id" db:"id"`
	HistoryID  int64      `json:"history_id" bson:"history_id" db:"history_id"`
	OutputType OutputType `json:"output_type" bson:"output_type" db:"output_type"`
	Data       []byte     `json:"data,omitempty" bson:"data,omitempty" db:"data"`
	ObjectKey  string     `json:"object_key,omitempty" bson:"object_key,omitempty" db:"object_key"`
}

// ComputeHistory 一次计算尝试的记录
//
// 每次 Manager 回传结果（无论成败）都会追加一条历史，
// 除整行硬删除外历史永不缩短，构成完整的审计链。
type ComputeHistory struct {
	ID          int64        `json:"id" bson:"_id" db:"id"`
	RecordID    int64        `json:"record_id" bson:"record_id" db:"record_id"`
	Status      RecordStatus `json:"status" bson:"status" db:"status"`
	ManagerName *string      `json:"manager_name,omitempty" bson:"manager_name,omitempty" db:"manager_name"`
	ModifiedOn  time.Time    `json:"modified_on" bson:"modified_on" db:"modified_on"`

	// Outputs 本次尝试产生的输出，按类型索引
	Outputs map[OutputType]*OutputStore `json:"outputs,omitempty" bson:"outputs,omitempty" db:"-"`
}

// GetOutput 获取指定类型的输出数据（不存在时返回 nil）
func (h *ComputeHistory) GetOutput(t OutputType) []byte {
	if h.Outputs == nil {
		return nil
	}
	o, ok := h.Outputs[t]
	if !ok {
		return nil
	}
	return o.Data
}

// ============================================================================
// RecordInfoBackup - 状态备份
// ============================================================================

// RecordInfoBackup 记录状态备份
//
// 软删除/取消/失效前保存旧状态和任务参数，
// 供 undelete/uncancel/uninvalidate 恢复使用。
type RecordInfoBackup struct {
	ID          int64        `json:"id" bson:"_id" db:"id"`
	RecordID    int64        `json:"record_id" bson:"record_id" db:"record_id"`
	OldStatus   RecordStatus `json:"old_status" bson:"old_status" db:"old_status"`
	OldTag      *string      `json:"old_tag,omitempty" bson:"old_tag,omitempty" db:"old_tag"`
	OldPriority *Priority    `json:"old_priority,omitempty" bson:"old_priority,omitempty" db:"old_priority"`
	ModifiedOn  time.Time    `json:"modified_on" bson:"modified_on" db:"modified_on"`
}

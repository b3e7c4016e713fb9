// Package model 定义核心数据模型
//
// service.go 包含服务编排相关的数据模型定义：
//   - Service：驱动复合记录迭代的编排状态
//   - ServiceDependency：当前迭代波次中的子记录依赖
package model

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Service - 服务编排状态
// ============================================================================

// Service 复合记录的编排状态
//
// 服务是显式可恢复的状态机（而非阻塞循环）：
//   - Iteration 记录已完成的迭代次数
//   - ServiceState 是策略私有的不透明状态（镜像链、网格点表、扫描进度）
//   - Dependencies 是当前波次尚未收割的子记录集合
//
// 一个波次可能持续数小时，编排进程可能重启，
// 因此全部状态落库，唤醒事件只是触发器。
// 同一服务的唤醒处理被串行化，ServiceState 绝不会被并发修改。
type Service struct {
	ID       int64 `json:"id" bson:"_id" db:"id"`
	RecordID int64 `json:"record_id" bson:"record_id" db:"record_id"`

	// Tag/Priority 传播给本服务产生的所有子任务
	Tag      string   `json:"tag" bson:"tag" db:"tag"`
	Priority Priority `json:"priority" bson:"priority" db:"priority"`

	// FindExisting 提交子记录时是否复用已有的等价记录
	FindExisting bool `json:"find_existing" bson:"find_existing" db:"find_existing"`

	// Iteration 迭代计数器
	Iteration int `json:"iteration" bson:"iteration" db:"iteration"`

	// ServiceState 策略私有的迭代状态（JSON）
	ServiceState json.RawMessage `json:"service_state,omitempty" bson:"service_state,omitempty" db:"service_state"`

	CreatedOn  time.Time `json:"created_on" bson:"created_on" db:"created_on"`
	ModifiedOn time.Time `json:"modified_on" bson:"modified_on" db:"modified_on"`

	// Dependencies 当前波次的子记录依赖（按需加载）
	Dependencies []*ServiceDependency `json:"dependencies,omitempty" bson:"dependencies,omitempty" db:"-"`
}

// ServiceDependency 当前波次中的一个子记录依赖
type ServiceDependency struct {
	ServiceID int64 `json:"service_id" bson:"service_id" db:"service_id"`
	RecordID  int64 `json:"record_id" bson:"record_id" db:"record_id"`

	// Key 策略自定义的依赖标识（如网格点坐标、镜像序号）
	Key string `json:"key,omitempty" bson:"key,omitempty" db:"key"`
}

// Package model 定义核心数据模型
//
// manager.go 包含计算 Manager 相关的数据模型定义：
//   - ManagerName：Manager 的三元组身份
//   - ComputeManager：Manager 的注册信息与运行计数
package model

import (
	"fmt"
	"time"
)

// ============================================================================
// ManagerName - Manager 身份
// ============================================================================

// ManagerName Manager 的三元组身份 (cluster, hostname, uuid)
//
// 全名 "cluster-hostname-uuid" 是认领/回传协议中的调用方标识。
type ManagerName struct {
	Cluster  string `json:"cluster" bson:"cluster"`
	Hostname string `json:"hostname" bson:"hostname"`
	UUID     string `json:"uuid" bson:"uuid"`
}

// Fullname 返回 Manager 全名
func (n ManagerName) Fullname() string {
	return fmt.Sprintf("%s-%s-%s", n.Cluster, n.Hostname, n.UUID)
}

// ============================================================================
// ComputeManager - 计算 Manager
// ============================================================================

// ComputeManager 一个外部 Worker 进程的注册信息
//
// Manager 是独立进程，启动时 Activate 注册、退出时 Deactivate 注销：
//   - Programs 声明可执行的程序能力（值为版本号，nil 表示未知/任意版本）
//   - Tags 声明服务的队列标签，按优先顺序排列
//   - 每次认领/回传都会更新对应计数器
//
// 心跳与存活超时由外部协作方负责（心跳时间戳缓存在 Redis），
// 卡死的 running 记录通过 Reset 人工恢复。
type ComputeManager struct {
	ID int64 `json:"id" bson:"_id" db:"id"`

	// Name Manager 全名（cluster-hostname-uuid）
	Name string `json:"name" bson:"name" db:"name"`

	ClusterName string `json:"cluster_name" bson:"cluster_name" db:"cluster_name"`
	Hostname    string `json:"hostname" bson:"hostname" db:"hostname"`

	// ManagerVersion Manager 软件版本
	ManagerVersion string `json:"manager_version" bson:"manager_version" db:"manager_version"`

	// Username 激活时的操作者身份（鉴权由外部协作方提供）
	Username string `json:"username,omitempty" bson:"username,omitempty" db:"username"`

	// Programs 程序能力 → 版本（nil 表示未知/任意）
	Programs map[string]*string `json:"programs" bson:"programs" db:"programs"`

	// Tags 服务的队列标签，按优先顺序排列
	Tags []string `json:"tags" bson:"tags" db:"tags"`

	// === 运行计数 ===

	// Claimed 累计认领任务数
	Claimed int `json:"claimed" bson:"claimed" db:"claimed"`

	// Successes 累计成功回传数
	Successes int `json:"successes" bson:"successes" db:"successes"`

	// Failures 累计失败回传数
	Failures int `json:"failures" bson:"failures" db:"failures"`

	// Rejected 累计被拒绝的回传数
	Rejected int `json:"rejected" bson:"rejected" db:"rejected"`

	// Active 是否在线（Deactivate 或存活超时后置 false）
	Active bool `json:"active" bson:"active" db:"active"`

	CreatedOn  time.Time `json:"created_on" bson:"created_on" db:"created_on"`
	ModifiedOn time.Time `json:"modified_on" bson:"modified_on" db:"modified_on"`
}

// ServesTag 判断 Manager 是否服务指定标签
func (m *ComputeManager) ServesTag(tag string) bool {
	for _, t := range m.Tags {
		if t == TagWildcard || t == tag {
			return true
		}
	}
	return false
}

// ServesWildcard 判断 Manager 是否声明了通配标签
func (m *ComputeManager) ServesWildcard() bool {
	for _, t := range m.Tags {
		if t == TagWildcard {
			return true
		}
	}
	return false
}

// HasPrograms 判断 Manager 是否具备全部所需程序能力
func (m *ComputeManager) HasPrograms(required []string) bool {
	for _, p := range required {
		if _, ok := m.Programs[p]; !ok {
			return false
		}
	}
	return true
}

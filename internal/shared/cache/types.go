// Package cache 缓存层类型定义
package cache

import (
	"time"
)

// ============================================================================
// 缓存数据类型
// ============================================================================

// ManagerStatus Manager 心跳上报的瞬时状态
type ManagerStatus struct {
	Status      string    `json:"status"`
	ActiveTasks int       `json:"active_tasks"`
	TotalCores  int       `json:"total_cores"`
	TotalMemory float64   `json:"total_memory"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// QueueStats 队列深度快照
type QueueStats struct {
	WaitingTasks  int       `json:"waiting_tasks"`
	RunningTasks  int       `json:"running_tasks"`
	LiveManagers  int       `json:"live_managers"`
	ActiveService int       `json:"active_services"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ============================================================================
// Key 前缀和 TTL 常量
// ============================================================================

const (
	// Key 前缀
	KeyManagerHeartbeat = "manager_heartbeat:"
	KeyQueueStats       = "queue_stats"

	// TTL 常量
	TTLManagerHeartbeat = 90 * time.Second
	TTLQueueStats       = 15 * time.Second
)

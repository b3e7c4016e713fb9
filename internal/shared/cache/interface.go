// Package cache 缓存层抽象接口
//
// 提供临时状态和缓存的存取能力，当前由 Redis 实现。
package cache

import (
	"context"
)

// ============================================================================
// 缓存接口定义
// ============================================================================

// ManagerHeartbeatCache Manager 心跳缓存接口
//
// Manager 的存活状态是短生命周期数据，写入频繁且允许丢失，
// 放在 Redis 而非主存储；心跳超时由 TTL 自动过期表达。
type ManagerHeartbeatCache interface {
	UpdateManagerHeartbeat(ctx context.Context, managerName string, status *ManagerStatus) error
	GetManagerHeartbeat(ctx context.Context, managerName string) (*ManagerStatus, error)
	DeleteManagerHeartbeat(ctx context.Context, managerName string) error
	ListLiveManagers(ctx context.Context) ([]string, error)
}

// QueueStatsCache 队列统计缓存接口
//
// 队列深度等监控读数的短期缓存，避免高频 COUNT 打到主存储。
type QueueStatsCache interface {
	SetQueueStats(ctx context.Context, stats *QueueStats) error
	GetQueueStats(ctx context.Context) (*QueueStats, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// Cache 缓存组合接口
type Cache interface {
	ManagerHeartbeatCache
	QueueStatsCache
	Close() error
}

// Package cache 缓存层 mock 实现
package cache

import (
	"context"
)

// ============================================================================
// NoOpCache - 空操作的 Cache 实现（用于测试）
// ============================================================================

// NoOpCache 是一个不做任何操作的 Cache 实现
type NoOpCache struct{}

// NewNoOpCache 创建 NoOpCache 实例
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Close 关闭缓存
func (c *NoOpCache) Close() error {
	return nil
}

// ManagerHeartbeatCache 方法

func (c *NoOpCache) UpdateManagerHeartbeat(ctx context.Context, managerName string, status *ManagerStatus) error {
	return nil
}
func (c *NoOpCache) GetManagerHeartbeat(ctx context.Context, managerName string) (*ManagerStatus, error) {
	return nil, nil
}
func (c *NoOpCache) DeleteManagerHeartbeat(ctx context.Context, managerName string) error {
	return nil
}
func (c *NoOpCache) ListLiveManagers(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

// QueueStatsCache 方法

func (c *NoOpCache) SetQueueStats(ctx context.Context, stats *QueueStats) error {
	return nil
}
func (c *NoOpCache) GetQueueStats(ctx context.Context) (*QueueStats, error) {
	return nil, nil
}

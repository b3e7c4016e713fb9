// Package redis QueueStats 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"qcfleet/internal/shared/cache"
)

// SetQueueStats 写入队列深度快照
func (s *Store) SetQueueStats(ctx context.Context, stats *cache.QueueStats) error {
	stats.UpdatedAt = time.Now()
	data, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, cache.KeyQueueStats, data, cache.TTLQueueStats).Err()
}

// GetQueueStats 读取队列深度快照，缓存未命中时返回 nil
func (s *Store) GetQueueStats(ctx context.Context) (*cache.QueueStats, error) {
	data, err := s.client.Get(ctx, cache.KeyQueueStats).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var stats cache.QueueStats
	if err := json.Unmarshal([]byte(data), &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

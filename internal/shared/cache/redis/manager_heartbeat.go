// Package redis ManagerHeartbeat 缓存操作
package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"qcfleet/internal/shared/cache"
)

// UpdateManagerHeartbeat 更新 Manager 心跳
func (s *Store) UpdateManagerHeartbeat(ctx context.Context, managerName string, status *cache.ManagerStatus) error {
	key := cache.KeyManagerHeartbeat + managerName

	status.UpdatedAt = time.Now()
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}

	return s.client.Set(ctx, key, data, cache.TTLManagerHeartbeat).Err()
}

// GetManagerHeartbeat 获取 Manager 心跳
func (s *Store) GetManagerHeartbeat(ctx context.Context, managerName string) (*cache.ManagerStatus, error) {
	key := cache.KeyManagerHeartbeat + managerName

	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var status cache.ManagerStatus
	if err := json.Unmarshal([]byte(data), &status); err != nil {
		return nil, err
	}

	return &status, nil
}

// DeleteManagerHeartbeat 删除 Manager 心跳缓存（停用时调用）
func (s *Store) DeleteManagerHeartbeat(ctx context.Context, managerName string) error {
	key := cache.KeyManagerHeartbeat + managerName
	return s.client.Del(ctx, key).Err()
}

// ListLiveManagers 列出心跳未过期的 Manager
//
// 使用 SCAN 替代 KEYS，避免在 Manager 数量大时阻塞 Redis
func (s *Store) ListLiveManagers(ctx context.Context) ([]string, error) {
	pattern := cache.KeyManagerHeartbeat + "*"
	var names []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		names = append(names, key[len(cache.KeyManagerHeartbeat):])
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return names, nil
}

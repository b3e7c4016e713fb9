// Package infra Redis 基础设施初始化
package infra

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"qcfleet/internal/shared/cache"
	cacheredis "qcfleet/internal/shared/cache/redis"
	"qcfleet/internal/shared/eventbus"
	eventbusredis "qcfleet/internal/shared/eventbus/redis"
)

// RedisInfra Redis 基础设施
//
// 在一个连接上组合 Cache（心跳/统计）与 EventBus（记录事件流）。
type RedisInfra struct {
	cacheStore    *cacheredis.Store
	eventBusStore *eventbusredis.Store

	client *redis.Client
}

// NewRedisInfra 从 URL 创建 Redis 基础设施
func NewRedisInfra(redisURL string) (*RedisInfra, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	log.Printf("[Redis/Infra] Connected to %s", opts.Addr)

	return &RedisInfra{
		client:        client,
		cacheStore:    cacheredis.NewStoreFromClient(client),
		eventBusStore: eventbusredis.NewStoreFromClient(client),
	}, nil
}

// Cache 返回缓存组件接口
func (r *RedisInfra) Cache() cache.Cache {
	return r
}

// EventBus 返回事件总线组件接口
func (r *RedisInfra) EventBus() eventbus.EventBus {
	return r
}

// Client 返回底层 Redis 客户端
func (r *RedisInfra) Client() *redis.Client {
	return r.client
}

// Close 关闭 Redis 连接
func (r *RedisInfra) Close() error {
	return r.client.Close()
}

// ============================================================================
// cache.Cache 接口委托实现
// ============================================================================

func (r *RedisInfra) UpdateManagerHeartbeat(ctx context.Context, managerName string, status *cache.ManagerStatus) error {
	return r.cacheStore.UpdateManagerHeartbeat(ctx, managerName, status)
}
func (r *RedisInfra) GetManagerHeartbeat(ctx context.Context, managerName string) (*cache.ManagerStatus, error) {
	return r.cacheStore.GetManagerHeartbeat(ctx, managerName)
}
func (r *RedisInfra) DeleteManagerHeartbeat(ctx context.Context, managerName string) error {
	return r.cacheStore.DeleteManagerHeartbeat(ctx, managerName)
}
func (r *RedisInfra) ListLiveManagers(ctx context.Context) ([]string, error) {
	return r.cacheStore.ListLiveManagers(ctx)
}
func (r *RedisInfra) SetQueueStats(ctx context.Context, stats *cache.QueueStats) error {
	return r.cacheStore.SetQueueStats(ctx, stats)
}
func (r *RedisInfra) GetQueueStats(ctx context.Context) (*cache.QueueStats, error) {
	return r.cacheStore.GetQueueStats(ctx)
}

// ============================================================================
// eventbus.EventBus 接口委托实现
// ============================================================================

func (r *RedisInfra) PublishRecordEvent(ctx context.Context, event *eventbus.RecordEvent) error {
	return r.eventBusStore.PublishRecordEvent(ctx, event)
}
func (r *RedisInfra) GetRecordEvents(ctx context.Context, fromID string, count int64) ([]*eventbus.RecordEvent, error) {
	return r.eventBusStore.GetRecordEvents(ctx, fromID, count)
}
func (r *RedisInfra) SubscribeRecordEvents(ctx context.Context) (<-chan *eventbus.RecordEvent, error) {
	return r.eventBusStore.SubscribeRecordEvents(ctx)
}

var _ cache.Cache = (*RedisInfra)(nil)
var _ eventbus.EventBus = (*RedisInfra)(nil)

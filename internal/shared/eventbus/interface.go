// Package eventbus 事件总线抽象接口
//
// 提供记录终态事件的发布/订阅能力，当前由 Redis Streams 实现。
// 编排器订阅该总线：子记录完成/失败的事件是服务迭代的唤醒信号。
package eventbus

import (
	"context"
)

// ============================================================================
// 事件总线接口定义
// ============================================================================

// RecordEventBus 记录事件总线接口
type RecordEventBus interface {
	PublishRecordEvent(ctx context.Context, event *RecordEvent) error
	GetRecordEvents(ctx context.Context, fromID string, count int64) ([]*RecordEvent, error)
	SubscribeRecordEvents(ctx context.Context) (<-chan *RecordEvent, error)
}

// ============================================================================
// 组合接口
// ============================================================================

// EventBus 事件总线组合接口
type EventBus interface {
	RecordEventBus
	Close() error
}

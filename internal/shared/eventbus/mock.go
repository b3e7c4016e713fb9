// Package eventbus 事件总线 mock 实现
package eventbus

import (
	"context"
	"sync"
)

// ============================================================================
// NoOpEventBus - 空操作的 EventBus 实现（用于测试）
// ============================================================================

// NoOpEventBus 是一个不做任何操作的 EventBus 实现
type NoOpEventBus struct{}

// NewNoOpEventBus 创建 NoOpEventBus 实例
func NewNoOpEventBus() *NoOpEventBus {
	return &NoOpEventBus{}
}

// Close 关闭事件总线
func (e *NoOpEventBus) Close() error {
	return nil
}

func (e *NoOpEventBus) PublishRecordEvent(ctx context.Context, event *RecordEvent) error {
	return nil
}
func (e *NoOpEventBus) GetRecordEvents(ctx context.Context, fromID string, count int64) ([]*RecordEvent, error) {
	return []*RecordEvent{}, nil
}
func (e *NoOpEventBus) SubscribeRecordEvents(ctx context.Context) (<-chan *RecordEvent, error) {
	ch := make(chan *RecordEvent)
	close(ch)
	return ch, nil
}

// 确保 NoOpEventBus 实现了 EventBus 接口
var _ EventBus = (*NoOpEventBus)(nil)

// ============================================================================
// MemoryEventBus - 进程内 EventBus 实现（用于测试编排逻辑）
// ============================================================================

// MemoryEventBus 把事件保存在内存并直接派发给订阅者
type MemoryEventBus struct {
	mu     sync.Mutex
	events []*RecordEvent
	subs   []chan *RecordEvent
}

// NewMemoryEventBus 创建 MemoryEventBus 实例
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{}
}

func (e *MemoryEventBus) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, ch := range e.subs {
		close(ch)
	}
	e.subs = nil
	return nil
}

func (e *MemoryEventBus) PublishRecordEvent(ctx context.Context, event *RecordEvent) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
	for _, ch := range e.subs {
		select {
		case ch <- event:
		default:
		}
	}
	return nil
}

func (e *MemoryEventBus) GetRecordEvents(ctx context.Context, fromID string, count int64) ([]*RecordEvent, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*RecordEvent, len(e.events))
	copy(out, e.events)
	if count > 0 && int64(len(out)) > count {
		out = out[:count]
	}
	return out, nil
}

func (e *MemoryEventBus) SubscribeRecordEvents(ctx context.Context) (<-chan *RecordEvent, error) {
	ch := make(chan *RecordEvent, 100)
	e.mu.Lock()
	e.subs = append(e.subs, ch)
	e.mu.Unlock()
	return ch, nil
}

var _ EventBus = (*MemoryEventBus)(nil)

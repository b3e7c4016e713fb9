// Package eventbus 事件总线类型定义
package eventbus

import (
	"time"
)

// ============================================================================
// 事件类型
// ============================================================================

// 记录事件类型
const (
	EventRecordComplete = "record_complete"
	EventRecordError    = "record_error"
	EventServiceCreated = "service_created"
)

// RecordEvent 记录终态事件
//
// 事件只是唤醒信号：消费方丢失事件不丢正确性，
// 编排器的定期扫描兜底所有可推进的服务。
type RecordEvent struct {
	ID        string    `json:"id"`
	RecordID  int64     `json:"record_id"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
}

// ============================================================================
// Key 前缀和常量
// ============================================================================

const (
	// KeyRecordEvents 记录事件流的 Stream key
	KeyRecordEvents = "record_events"

	// MaxStreamLength Stream 最大长度
	MaxStreamLength = 10000
)

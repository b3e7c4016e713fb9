// Package redis RecordEvents 事件总线操作
package redis

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"qcfleet/internal/shared/eventbus"
)

// PublishRecordEvent 发布记录终态事件
func (s *Store) PublishRecordEvent(ctx context.Context, event *eventbus.RecordEvent) error {
	args := &redis.XAddArgs{
		Stream: eventbus.KeyRecordEvents,
		MaxLen: eventbus.MaxStreamLength,
		Approx: true,
		Values: map[string]interface{}{
			"record_id": event.RecordID,
			"type":      event.Type,
			"timestamp": event.Timestamp.Format(time.RFC3339Nano),
		},
	}

	id, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("failed to publish record event: %w", err)
	}

	log.Printf("[Redis/EventBus] Published record event: record=%d seq=%s type=%s", event.RecordID, id, event.Type)
	return nil
}

// GetRecordEvents 获取记录事件列表
func (s *Store) GetRecordEvents(ctx context.Context, fromID string, count int64) ([]*eventbus.RecordEvent, error) {
	if fromID == "" {
		fromID = "0"
	}

	msgs, err := s.client.XRange(ctx, eventbus.KeyRecordEvents, fromID, "+").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get record events: %w", err)
	}

	var events []*eventbus.RecordEvent
	for _, msg := range msgs {
		events = append(events, decodeMessage(msg))
		if count > 0 && int64(len(events)) >= count {
			break
		}
	}
	return events, nil
}

// SubscribeRecordEvents 订阅记录事件
//
// 返回的 channel 在 ctx 取消时关闭。使用 XRead 阻塞读，
// 从订阅时刻之后的新事件开始消费。
func (s *Store) SubscribeRecordEvents(ctx context.Context) (<-chan *eventbus.RecordEvent, error) {
	ch := make(chan *eventbus.RecordEvent, 100)

	go func() {
		defer close(ch)
		lastID := "$"

		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{eventbus.KeyRecordEvents, lastID},
				Count:   50,
				Block:   5 * time.Second,
			}).Result()

			if err != nil {
				if err == redis.Nil {
					continue
				}
				if ctx.Err() != nil {
					return
				}
				log.Printf("[Redis/EventBus] Record event subscription error: %v", err)
				return
			}

			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					select {
					case ch <- decodeMessage(msg):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return ch, nil
}

// decodeMessage 从 Stream 消息还原事件
func decodeMessage(msg redis.XMessage) *eventbus.RecordEvent {
	event := &eventbus.RecordEvent{ID: msg.ID}

	if v, ok := msg.Values["record_id"].(string); ok {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil {
			event.RecordID = id
		}
	}
	if v, ok := msg.Values["type"].(string); ok {
		event.Type = v
	}
	if v, ok := msg.Values["timestamp"].(string); ok {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			event.Timestamp = t
		}
	}
	return event
}

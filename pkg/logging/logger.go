// Package logging 结构化日志
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// ContextKey 上下文键类型
type ContextKey string

const (
	RecordIDKey  ContextKey = "record_id"
	TaskIDKey    ContextKey = "task_id"
	ManagerKey   ContextKey = "manager_name"
	ServiceIDKey ContextKey = "service_id"
)

// Logger 结构化日志器
type Logger struct {
	*slog.Logger
	component string
}

// Config 日志配置
type Config struct {
	Level     string `json:"level"`
	Format    string `json:"format"` // json or text
	Output    string `json:"output"` // stdout, stderr, or file path
	Component string `json:"component"`
}

// New 创建新的日志器
func New(cfg Config) *Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var output io.Writer
	switch cfg.Output {
	case "stdout", "":
		output = os.Stdout
	case "stderr":
		output = os.Stderr
	default:
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			output = os.Stdout
		} else {
			output = f
		}
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return &Logger{
		Logger:    slog.New(handler),
		component: cfg.Component,
	}
}

// Default 创建默认日志器
func Default(component string) *Logger {
	return New(Config{
		Level:     os.Getenv("LOG_LEVEL"),
		Format:    os.Getenv("LOG_FORMAT"),
		Output:    "stdout",
		Component: component,
	})
}

// WithContext 从上下文提取追踪信息
func (l *Logger) WithContext(ctx context.Context) *Logger {
	attrs := []any{slog.String("component", l.component)}

	if recordID, ok := ctx.Value(RecordIDKey).(int64); ok && recordID != 0 {
		attrs = append(attrs, slog.Int64("record_id", recordID))
	}
	if taskID, ok := ctx.Value(TaskIDKey).(int64); ok && taskID != 0 {
		attrs = append(attrs, slog.Int64("task_id", taskID))
	}
	if manager, ok := ctx.Value(ManagerKey).(string); ok && manager != "" {
		attrs = append(attrs, slog.String("manager_name", manager))
	}
	if serviceID, ok := ctx.Value(ServiceIDKey).(int64); ok && serviceID != 0 {
		attrs = append(attrs, slog.Int64("service_id", serviceID))
	}

	return &Logger{
		Logger:    l.Logger.With(attrs...),
		component: l.component,
	}
}

// WithRecordID 添加 Record ID
func (l *Logger) WithRecordID(recordID int64) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Int64("record_id", recordID)),
		component: l.component,
	}
}

// WithTaskID 添加 Task ID
func (l *Logger) WithTaskID(taskID int64) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Int64("task_id", taskID)),
		component: l.component,
	}
}

// WithManager 添加 Manager 名称
func (l *Logger) WithManager(name string) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.String("manager_name", name)),
		component: l.component,
	}
}

// WithError 添加错误信息
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return &Logger{
		Logger:    l.Logger.With(slog.String("error", err.Error())),
		component: l.component,
	}
}

// WithDuration 添加持续时间
func (l *Logger) WithDuration(d time.Duration) *Logger {
	return &Logger{
		Logger:    l.Logger.With(slog.Float64("duration_ms", float64(d.Milliseconds()))),
		component: l.component,
	}
}

// ClaimLog 任务认领日志
func (l *Logger) ClaimLog(manager string, claimed int, limit int) {
	l.Logger.Info("Tasks claimed",
		slog.String("manager_name", manager),
		slog.Int("claimed", claimed),
		slog.Int("limit", limit),
	)
}

// ReturnLog 结果回传日志
func (l *Logger) ReturnLog(manager string, accepted, rejected int) {
	l.Logger.Info("Results returned",
		slog.String("manager_name", manager),
		slog.Int("accepted", accepted),
		slog.Int("rejected", rejected),
	)
}

// RejectLog 拒绝日志
//
// 拒绝不是错误，而是并发竞争的正常结果，但需要足够的上下文用于事后排查。
// recordID 为 0 表示任务行已不存在、记录 id 不可知，此时省略该字段。
func (l *Logger) RejectLog(manager string, taskID int64, recordID int64, reason string) {
	attrs := []any{
		slog.String("manager_name", manager),
		slog.Int64("task_id", taskID),
	}
	if recordID != 0 {
		attrs = append(attrs, slog.Int64("record_id", recordID))
	}
	attrs = append(attrs, slog.String("reason", reason))
	l.Logger.Warn("Task result rejected", attrs...)
}

// ServiceLog 服务迭代日志
func (l *Logger) ServiceLog(action string, serviceID, recordID int64, extra ...any) {
	attrs := []any{
		slog.String("action", action),
		slog.Int64("service_id", serviceID),
		slog.Int64("record_id", recordID),
	}
	attrs = append(attrs, extra...)
	l.Logger.Info("Service event", attrs...)
}

// HeartbeatLog 心跳日志
func (l *Logger) HeartbeatLog(manager, status string, latency time.Duration, err error) {
	attrs := []any{
		slog.String("manager_name", manager),
		slog.String("status", status),
		slog.Float64("latency_ms", float64(latency.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Warn("Heartbeat failed", attrs...)
	} else {
		l.Logger.Debug("Heartbeat sent", attrs...)
	}
}

// DBQueryLog 数据库查询日志
func (l *Logger) DBQueryLog(operation, table string, duration time.Duration, err error) {
	attrs := []any{
		slog.String("operation", operation),
		slog.String("table", table),
		slog.Float64("duration_ms", float64(duration.Milliseconds())),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		l.Logger.Error("DB query failed", attrs...)
	} else {
		l.Logger.Debug("DB query", attrs...)
	}
}

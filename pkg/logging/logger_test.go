package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return &Logger{
		Logger:    slog.New(slog.NewJSONHandler(buf, nil)),
		component: "test",
	}
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestRejectLogOmitsUnknownRecordID(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	// 任务行已不存在时记录 id 不可知，不输出误导性的 record_id=0
	l.RejectLog("cluster-node01-aaa", 42, 0, "Task does not exist in the task queue")

	entry := lastEntry(t, &buf)
	assert.Equal(t, float64(42), entry["task_id"])
	assert.Equal(t, "Task does not exist in the task queue", entry["reason"])
	_, present := entry["record_id"]
	assert.False(t, present)
}

func TestRejectLogIncludesKnownRecordID(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.RejectLog("cluster-node01-aaa", 42, 7, "Task is claimed by another manager")

	entry := lastEntry(t, &buf)
	assert.Equal(t, float64(7), entry["record_id"])
	assert.Equal(t, "Task is claimed by another manager", entry["reason"])
}

func TestWithRecordIDChaining(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	l.WithRecordID(11).Warn("something happened")

	entry := lastEntry(t, &buf)
	assert.Equal(t, float64(11), entry["record_id"])
}

// Package model 定义核心数据模型
//
// result.go 包含计算管理器回传结果的数据模型定义。
package model

import (
	"encoding/json"
	"fmt"
)

// ============================================================================
// ResultPayload - 回传结果
// ============================================================================

// ResultPayload 管理器回传的单个任务结果
//
// Success 为 true 时 Properties/Stdout 有效；
// 为 false 时 Error 必须非空，Stdout/Stderr 尽力而为。
type ResultPayload struct {
	Success bool `json:"success"`

	// Properties 计算产出的属性集（程序相关，存储层不解析）
	Properties json.RawMessage `json:"properties,omitempty"`

	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`

	Error *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo 失败结果的错误详情
type ErrorInfo struct {
	ErrorType    string `json:"error_type"`
	ErrorMessage string `json:"error_message"`
}

// Error 实现 error 接口
func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("%s: %s", e.ErrorType, e.ErrorMessage)
}

// Validate 校验结果负载的内部一致性
func (r *ResultPayload) Validate() error {
	if !r.Success && r.Error == nil {
		return fmt.Errorf("failed result missing error info")
	}
	return nil
}

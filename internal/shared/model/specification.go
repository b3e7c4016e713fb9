// Package model 定义核心数据模型
//
// specification.go 包含计算规格相关的数据模型定义：
//   - Specification：内容寻址、不可变的计算输入描述
//   - Protocols：输出/纠错协议
//   - ErrorCorrectionPolicy：失败重试策略
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"
)

// ============================================================================
// Protocols - 计算协议
// ============================================================================

// 协议字段的文档化默认值
//
// 等于默认值的字段在规范化时被剔除，保证
// 「显式写默认值」与「完全省略」哈希一致。
const (
	DefaultWavefunction = "none"
	DefaultMaxRetries   = 1
)

// ErrorCorrectionPolicy 失败纠错策略
//
// 精确的优先级规则（原始来源只有部分可见，这里显式定义）：
//  1. Policies[kind] 若存在，对该类错误直接生效
//  2. 否则回落到 DefaultPolicy（缺省为 true）
//  3. 仅当生效策略为 true 时消耗重试预算 MaxRetries（缺省 1 次追加尝试）
type ErrorCorrectionPolicy struct {
	// DefaultPolicy 未在 Policies 中列出的错误类型是否允许纠错重试
	DefaultPolicy *bool `json:"default_policy,omitempty" bson:"default_policy,omitempty"`

	// Policies 按错误类型覆盖默认策略
	Policies map[string]bool `json:"policies,omitempty" bson:"policies,omitempty"`

	// MaxRetries 重试预算（首次尝试之外允许的追加尝试次数）
	MaxRetries *int `json:"max_retries,omitempty" bson:"max_retries,omitempty"`
}

// AllowsRetry 判断指定错误类型是否允许重试
func (p *ErrorCorrectionPolicy) AllowsRetry(errorType string) bool {
	if p == nil {
		return true
	}
	if v, ok := p.Policies[errorType]; ok {
		return v
	}
	if p.DefaultPolicy != nil {
		return *p.DefaultPolicy
	}
	return true
}

// RetryBudget 返回允许的追加尝试次数
func (p *ErrorCorrectionPolicy) RetryBudget() int {
	if p == nil || p.MaxRetries == nil {
		return DefaultMaxRetries
	}
	return *p.MaxRetries
}

// Protocols 输出与纠错协议
type Protocols struct {
	// Wavefunction 波函数保留策略（none/orbitals_and_eigenvalues/all）
	Wavefunction string `json:"wavefunction,omitempty" bson:"wavefunction,omitempty"`

	// Stdout 是否保留标准输出（默认 true）
	Stdout *bool `json:"stdout,omitempty" bson:"stdout,omitempty"`

	// ErrorCorrection 失败纠错策略
	ErrorCorrection *ErrorCorrectionPolicy `json:"error_correction,omitempty" bson:"error_correction,omitempty"`
}

// KeepStdout 是否保留标准输出
func (p *Protocols) KeepStdout() bool {
	if p == nil || p.Stdout == nil {
		return true
	}
	return *p.Stdout
}

// ============================================================================
// Specification - 计算规格
// ============================================================================

// Specification 计算输入的规范化描述
//
// 规格是内容寻址且不可变的：
//   - 创建后永不修改，被任意多个记录引用
//   - 相同逻辑内容（仅大小写、键序或默认值不同）映射到同一个 id
//   - 去重键为规范化内容的 SHA-256 哈希
type Specification struct {
	ID int64 `json:"id" bson:"_id" db:"id"`

	// Hash 规范化内容哈希（唯一索引列）
	Hash string `json:"hash" bson:"hash" db:"hash"`

	// Program 计算程序（如 psi4），规范化为小写
	Program string `json:"program" bson:"program" db:"program"`

	// Driver 计算驱动（energy/gradient/hessian/deferred）
	Driver string `json:"driver,omitempty" bson:"driver,omitempty" db:"driver"`

	// Method 计算方法（如 b3lyp），规范化为小写
	Method string `json:"method" bson:"method" db:"method"`

	// Basis 基组（如 6-31g*）。nil 与空串视为等价，规范化为空串
	Basis *string `json:"basis,omitempty" bson:"basis,omitempty" db:"basis"`

	// Keywords 程序关键字。nil 规范化为空 map
	Keywords map[string]interface{} `json:"keywords,omitempty" bson:"keywords,omitempty" db:"keywords"`

	// Protocols 输出与纠错协议
	Protocols *Protocols `json:"protocols,omitempty" bson:"protocols,omitempty" db:"protocols"`

	CreatedOn time.Time `json:"created_on" bson:"created_on" db:"created_on"`
}

// canonicalSpec 参与哈希的规范化形式
//
// 注意 json.Marshal 对 map 键做字典序排序，因此序列化结果是确定性的。
type canonicalSpec struct {
	Program   string                 `json:"program"`
	Driver    string                 `json:"driver,omitempty"`
	Method    string                 `json:"method"`
	Basis     string                 `json:"basis"`
	Keywords  map[string]interface{} `json:"keywords"`
	Protocols map[string]interface{} `json:"protocols,omitempty"`
}

// Canonicalize 返回规范化副本
//
// 规范化规则：
//   - program/method/basis 转小写
//   - nil/缺失的 basis 合并为空串
//   - nil keywords 合并为空 map
//   - 协议中等于文档化默认值的字段被剔除
func (s *Specification) Canonicalize() *Specification {
	out := *s
	out.Program = strings.ToLower(strings.TrimSpace(s.Program))
	out.Driver = strings.ToLower(strings.TrimSpace(s.Driver))
	out.Method = strings.ToLower(strings.TrimSpace(s.Method))

	basis := ""
	if s.Basis != nil {
		basis = strings.ToLower(strings.TrimSpace(*s.Basis))
	}
	out.Basis = &basis

	if s.Keywords == nil {
		out.Keywords = map[string]interface{}{}
	}

	return &out
}

// canonicalProtocols 剔除默认值后的协议表示，全部为默认时返回 nil
func canonicalProtocols(p *Protocols) map[string]interface{} {
	if p == nil {
		return nil
	}

	out := map[string]interface{}{}

	if p.Wavefunction != "" && p.Wavefunction != DefaultWavefunction {
		out["wavefunction"] = p.Wavefunction
	}
	if p.Stdout != nil && !*p.Stdout {
		out["stdout"] = false
	}
	if ec := canonicalErrorCorrection(p.ErrorCorrection); ec != nil {
		out["error_correction"] = ec
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

func canonicalErrorCorrection(p *ErrorCorrectionPolicy) map[string]interface{} {
	if p == nil {
		return nil
	}

	out := map[string]interface{}{}

	if p.DefaultPolicy != nil && !*p.DefaultPolicy {
		out["default_policy"] = false
	}
	if len(p.Policies) > 0 {
		out["policies"] = p.Policies
	}
	if p.MaxRetries != nil && *p.MaxRetries != DefaultMaxRetries {
		out["max_retries"] = *p.MaxRetries
	}

	if len(out) == 0 {
		return nil
	}
	return out
}

// ComputeHash 计算规范化内容哈希
//
// 对任意两个逻辑等价的规格（键序、大小写、默认值差异）返回相同结果。
func (s *Specification) ComputeHash() string {
	c := s.Canonicalize()

	basis := ""
	if c.Basis != nil {
		basis = *c.Basis
	}

	canon := canonicalSpec{
		Program:   c.Program,
		Driver:    c.Driver,
		Method:    c.Method,
		Basis:     basis,
		Keywords:  c.Keywords,
		Protocols: canonicalProtocols(c.Protocols),
	}

	// map 键排序由 encoding/json 保证，序列化是确定性的
	data, _ := json.Marshal(canon)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

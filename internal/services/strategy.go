// Package services 复合记录（服务）编排
//
// 服务记录（reaction/gridoptimization/torsiondrive/neb）不直接进入任务队列，
// 而是由编排器按波次拆解为普通子记录，子记录走普通的认领/回传流程。
// 编排逻辑按记录类型分发到各自的 Strategy 实现。
package services

import (
	"encoding/json"
	"fmt"

	"qcfleet/internal/shared/model"
)

// ChildOutcome 一个终态子记录的结果视图
type ChildOutcome struct {
	RecordID   int64
	Key        string
	Status     model.RecordStatus
	Properties json.RawMessage
}

// ChildSpec 下一波次要提交的子记录
type ChildSpec struct {
	Key             string
	RecordType      model.RecordType
	SpecificationID int64
	MoleculeID      *int64

	// Relation/Position/Coefficient 写入父子关系表
	Relation    string
	Position    int
	Coefficient float64

	// RequiredPrograms 子任务的程序能力要求
	RequiredPrograms []string
}

// Strategy 按记录类型的编排策略
//
// 三个方法都以不透明的 service_state JSON 为工作对象，
// 状态的结构由各策略自行定义（提交参数 + 累积结果共存一处）。
type Strategy interface {
	// RecordType 返回本策略服务的记录类型
	RecordType() model.RecordType

	// FoldResults 将本波次终态子记录的结果并入迭代状态
	FoldResults(state json.RawMessage, children []*ChildOutcome) (json.RawMessage, error)

	// Converged 判断流程是否结束；结束时返回父记录最终属性
	Converged(state json.RawMessage) (bool, json.RawMessage, error)

	// NextWave 计算下一波子记录，可能为空（仅做簿记时）
	NextWave(state json.RawMessage, iteration int) ([]*ChildSpec, error)
}

// StrategyRegistry 记录类型到策略的映射
type StrategyRegistry struct {
	strategies map[model.RecordType]Strategy
}

// NewStrategyRegistry 创建带全部内置策略的注册表
func NewStrategyRegistry() *StrategyRegistry {
	r := &StrategyRegistry{strategies: make(map[model.RecordType]Strategy)}
	r.Register(&ReactionStrategy{})
	r.Register(&GridoptimizationStrategy{})
	r.Register(&TorsiondriveStrategy{})
	r.Register(&NEBStrategy{})
	return r
}

// Register 注册策略
func (r *StrategyRegistry) Register(s Strategy) {
	r.strategies[s.RecordType()] = s
}

// Get 查找记录类型对应的策略
func (r *StrategyRegistry) Get(recordType model.RecordType) (Strategy, error) {
	s, ok := r.strategies[recordType]
	if !ok {
		return nil, fmt.Errorf("no orchestration strategy for record type %s", recordType)
	}
	return s, nil
}

// extractEnergy 从子记录属性中取出能量值
//
// 兼容两种属性命名：return_result（计算引擎原始输出）和 energy。
func extractEnergy(props json.RawMessage) (float64, error) {
	if len(props) == 0 {
		return 0, fmt.Errorf("child record has no properties")
	}
	var p struct {
		ReturnResult *float64 `json:"return_result"`
		Energy       *float64 `json:"energy"`
	}
	if err := json.Unmarshal(props, &p); err != nil {
		return 0, fmt.Errorf("parse child properties: %w", err)
	}
	if p.ReturnResult != nil {
		return *p.ReturnResult, nil
	}
	if p.Energy != nil {
		return *p.Energy, nil
	}
	return 0, fmt.Errorf("child properties carry no energy value")
}

// outcomesByKey 将波次结果按依赖 key 索引
func outcomesByKey(children []*ChildOutcome) map[string]*ChildOutcome {
	m := make(map[string]*ChildOutcome, len(children))
	for _, c := range children {
		m[c.Key] = c
	}
	return m
}

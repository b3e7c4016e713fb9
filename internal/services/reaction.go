package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"qcfleet/internal/shared/model"
)

// reactionComponent 化学计量组分
type reactionComponent struct {
	MoleculeID      int64    `json:"molecule_id"`
	Coefficient     float64  `json:"coefficient"`
	SpecificationID int64    `json:"specification_id"`
	Programs        []string `json:"programs,omitempty"`

	// 结果（由 FoldResults 填充）
	RecordID int64    `json:"record_id,omitempty"`
	Energy   *float64 `json:"energy,omitempty"`
}

// reactionState 反应能计算的迭代状态
//
// 提交时填 Components 的输入字段，一波 singlepoint 子记录完成后
// 填入各组分能量，总能量为系数加权和。
type reactionState struct {
	Components []*reactionComponent `json:"components"`
}

// ReactionStrategy 反应能：每个化学计量组分一个 singlepoint 子记录
type ReactionStrategy struct{}

func (s *ReactionStrategy) RecordType() model.RecordType {
	return model.RecordTypeReaction
}

func (s *ReactionStrategy) FoldResults(state json.RawMessage, children []*ChildOutcome) (json.RawMessage, error) {
	var st reactionState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse reaction state: %w", err)
	}

	byKey := outcomesByKey(children)
	for i, comp := range st.Components {
		out, ok := byKey[strconv.Itoa(i)]
		if !ok {
			continue
		}
		energy, err := extractEnergy(out.Properties)
		if err != nil {
			return nil, fmt.Errorf("component %d (record %d): %w", i, out.RecordID, err)
		}
		comp.RecordID = out.RecordID
		comp.Energy = &energy
	}

	return json.Marshal(&st)
}

func (s *ReactionStrategy) Converged(state json.RawMessage) (bool, json.RawMessage, error) {
	var st reactionState
	if err := json.Unmarshal(state, &st); err != nil {
		return false, nil, fmt.Errorf("parse reaction state: %w", err)
	}
	if len(st.Components) == 0 {
		return false, nil, fmt.Errorf("reaction has no components")
	}

	total := 0.0
	for _, comp := range st.Components {
		if comp.Energy == nil {
			return false, nil, nil
		}
		total += comp.Coefficient * *comp.Energy
	}

	props, err := json.Marshal(map[string]float64{"total_energy": total})
	if err != nil {
		return false, nil, err
	}
	return true, props, nil
}

func (s *ReactionStrategy) NextWave(state json.RawMessage, iteration int) ([]*ChildSpec, error) {
	if iteration > 0 {
		// 反应只有一波：全部组分的 singlepoint
		return nil, nil
	}

	var st reactionState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse reaction state: %w", err)
	}

	specs := make([]*ChildSpec, 0, len(st.Components))
	for i, comp := range st.Components {
		molID := comp.MoleculeID
		specs = append(specs, &ChildSpec{
			Key:              strconv.Itoa(i),
			RecordType:       model.RecordTypeSinglepoint,
			SpecificationID:  comp.SpecificationID,
			MoleculeID:       &molID,
			Relation:         model.ChildRelationStoichiometry,
			Position:         i,
			Coefficient:      comp.Coefficient,
			RequiredPrograms: comp.Programs,
		})
	}
	return specs, nil
}

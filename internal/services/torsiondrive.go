package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"qcfleet/internal/shared/model"
)

// torsionPoint 一个二面角取样点的结果
type torsionPoint struct {
	RecordID int64    `json:"record_id,omitempty"`
	Energy   *float64 `json:"energy,omitempty"`
}

// torsiondriveState 二面角扫描的迭代状态
//
// 从 StartAngle 开始按 StepDegrees 逐点扫描 NumSteps 个角度，
// 每波约束优化一个角度，上一点的结果作为下一点的出发点（顺序扫描）。
type torsiondriveState struct {
	SpecificationID int64    `json:"specification_id"`
	MoleculeID      int64    `json:"molecule_id"`
	Programs        []string `json:"programs,omitempty"`
	Dihedral        []int    `json:"dihedral"` // 定义二面角的四个原子序号
	StartAngle      int      `json:"start_angle"`
	StepDegrees     int      `json:"step_degrees"`
	NumSteps        int      `json:"num_steps"`

	// Points 已完成的角度 → 结果
	Points map[string]*torsionPoint `json:"points,omitempty"`
}

// angleAt 第 i 个扫描角度（归一化到 [-180, 180)）
func (st *torsiondriveState) angleAt(i int) int {
	angle := st.StartAngle + i*st.StepDegrees
	for angle >= 180 {
		angle -= 360
	}
	for angle < -180 {
		angle += 360
	}
	return angle
}

// TorsiondriveStrategy 二面角扫描：逐角度的约束 optimization 波次
type TorsiondriveStrategy struct{}

func (s *TorsiondriveStrategy) RecordType() model.RecordType {
	return model.RecordTypeTorsiondrive
}

func (s *TorsiondriveStrategy) FoldResults(state json.RawMessage, children []*ChildOutcome) (json.RawMessage, error) {
	var st torsiondriveState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse torsiondrive state: %w", err)
	}

	for _, out := range children {
		energy, err := extractEnergy(out.Properties)
		if err != nil {
			return nil, fmt.Errorf("angle %s (record %d): %w", out.Key, out.RecordID, err)
		}
		if st.Points == nil {
			st.Points = make(map[string]*torsionPoint)
		}
		st.Points[out.Key] = &torsionPoint{RecordID: out.RecordID, Energy: &energy}
	}

	return json.Marshal(&st)
}

func (s *TorsiondriveStrategy) Converged(state json.RawMessage) (bool, json.RawMessage, error) {
	var st torsiondriveState
	if err := json.Unmarshal(state, &st); err != nil {
		return false, nil, fmt.Errorf("parse torsiondrive state: %w", err)
	}
	if st.NumSteps <= 0 || st.StepDegrees == 0 {
		return false, nil, fmt.Errorf("torsiondrive scan is not defined")
	}
	if len(st.Dihedral) != 4 {
		return false, nil, fmt.Errorf("torsiondrive dihedral must name 4 atoms")
	}

	if len(st.Points) < st.NumSteps {
		return false, nil, nil
	}

	energies := make(map[string]float64, len(st.Points))
	for key, pt := range st.Points {
		if pt.Energy == nil {
			return false, nil, nil
		}
		energies[key] = *pt.Energy
	}
	props, err := json.Marshal(map[string]interface{}{"angle_energies": energies})
	if err != nil {
		return false, nil, err
	}
	return true, props, nil
}

func (s *TorsiondriveStrategy) NextWave(state json.RawMessage, iteration int) ([]*ChildSpec, error) {
	var st torsiondriveState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse torsiondrive state: %w", err)
	}

	next := len(st.Points)
	if next >= st.NumSteps {
		return nil, nil
	}

	molID := st.MoleculeID
	angle := st.angleAt(next)
	return []*ChildSpec{{
		Key:              strconv.Itoa(angle),
		RecordType:       model.RecordTypeOptimization,
		SpecificationID:  st.SpecificationID,
		MoleculeID:       &molID,
		Relation:         model.ChildRelationOptimization,
		Position:         next,
		RequiredPrograms: st.Programs,
	}}, nil
}

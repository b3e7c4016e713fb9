package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"qcfleet/internal/shared/model"
)

// gridPoint 一个网格点的优化结果
type gridPoint struct {
	RecordID int64    `json:"record_id,omitempty"`
	Energy   *float64 `json:"energy,omitempty"`
}

// gridoptimizationState 网格优化的迭代状态
//
// Dimensions 定义每个扫描维度的取样点数（如 [2,2] 即 2×2 网格）。
// Preoptimization 为真时先跑一次整体优化，再铺开网格波次。
type gridoptimizationState struct {
	SpecificationID int64                 `json:"specification_id"`
	MoleculeID      int64                 `json:"molecule_id"`
	Programs        []string              `json:"programs,omitempty"`
	Dimensions      []int                 `json:"dimensions"`
	Preoptimization bool                  `json:"preoptimization"`
	PreoptDone      bool                  `json:"preopt_done,omitempty"`
	PreoptRecordID  int64                 `json:"preopt_record_id,omitempty"`
	Grid            map[string]*gridPoint `json:"grid,omitempty"`
}

// GridoptimizationStrategy 网格优化：每个网格坐标一个 optimization 子记录
type GridoptimizationStrategy struct{}

func (s *GridoptimizationStrategy) RecordType() model.RecordType {
	return model.RecordTypeGridoptimization
}

func (s *GridoptimizationStrategy) FoldResults(state json.RawMessage, children []*ChildOutcome) (json.RawMessage, error) {
	var st gridoptimizationState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse gridoptimization state: %w", err)
	}

	for _, out := range children {
		if out.Key == "preoptimization" {
			st.PreoptDone = true
			st.PreoptRecordID = out.RecordID
			continue
		}
		energy, err := extractEnergy(out.Properties)
		if err != nil {
			return nil, fmt.Errorf("grid point %s (record %d): %w", out.Key, out.RecordID, err)
		}
		if st.Grid == nil {
			st.Grid = make(map[string]*gridPoint)
		}
		st.Grid[out.Key] = &gridPoint{RecordID: out.RecordID, Energy: &energy}
	}

	return json.Marshal(&st)
}

func (s *GridoptimizationStrategy) Converged(state json.RawMessage) (bool, json.RawMessage, error) {
	var st gridoptimizationState
	if err := json.Unmarshal(state, &st); err != nil {
		return false, nil, fmt.Errorf("parse gridoptimization state: %w", err)
	}
	if len(st.Dimensions) == 0 {
		return false, nil, fmt.Errorf("gridoptimization has no scan dimensions")
	}

	total := gridSize(st.Dimensions)
	if len(st.Grid) < total {
		return false, nil, nil
	}
	for _, pt := range st.Grid {
		if pt.Energy == nil {
			return false, nil, nil
		}
	}

	energies := make(map[string]float64, len(st.Grid))
	for key, pt := range st.Grid {
		energies[key] = *pt.Energy
	}
	props, err := json.Marshal(map[string]interface{}{"grid_energies": energies})
	if err != nil {
		return false, nil, err
	}
	return true, props, nil
}

func (s *GridoptimizationStrategy) NextWave(state json.RawMessage, iteration int) ([]*ChildSpec, error) {
	var st gridoptimizationState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse gridoptimization state: %w", err)
	}

	molID := st.MoleculeID

	// 预优化波次
	if st.Preoptimization && !st.PreoptDone {
		return []*ChildSpec{{
			Key:              "preoptimization",
			RecordType:       model.RecordTypeOptimization,
			SpecificationID:  st.SpecificationID,
			MoleculeID:       &molID,
			Relation:         model.ChildRelationOptimization,
			RequiredPrograms: st.Programs,
		}}, nil
	}

	// 网格波次：全部坐标一次铺开（已有结果的不会走到这里，
	// NextWave 只在上一波全部折叠且未收敛时被调用）
	specs := make([]*ChildSpec, 0, gridSize(st.Dimensions))
	for pos, coord := range gridCoordinates(st.Dimensions) {
		specs = append(specs, &ChildSpec{
			Key:              coord,
			RecordType:       model.RecordTypeOptimization,
			SpecificationID:  st.SpecificationID,
			MoleculeID:       &molID,
			Relation:         model.ChildRelationGridPoint,
			Position:         pos,
			RequiredPrograms: st.Programs,
		})
	}
	return specs, nil
}

// gridSize 网格点总数
func gridSize(dims []int) int {
	total := 1
	for _, d := range dims {
		total *= d
	}
	return total
}

// gridCoordinates 生成全部网格坐标 key（如 "0,1"）
func gridCoordinates(dims []int) []string {
	coords := []string{""}
	for _, d := range dims {
		next := make([]string, 0, len(coords)*d)
		for _, prefix := range coords {
			for i := 0; i < d; i++ {
				if prefix == "" {
					next = append(next, strconv.Itoa(i))
				} else {
					next = append(next, prefix+","+strconv.Itoa(i))
				}
			}
		}
		coords = next
	}
	if len(coords) == 1 && coords[0] == "" {
		return nil
	}
	return coords
}

package services

import (
	"encoding/json"
	"fmt"
	"strconv"

	"qcfleet/internal/shared/model"
)

// nebState 弹性带（NEB）路径优化的迭代状态
//
// 一条由若干镜像分子组成的链，每波对全部镜像做 singlepoint 取梯度，
// 收敛判据为链上最大受力低于阈值（或迭代数耗尽）。
type nebState struct {
	SpecificationID  int64    `json:"specification_id"`
	ImageMoleculeIDs []int64  `json:"image_molecule_ids"`
	Programs         []string `json:"programs,omitempty"`
	ForceThreshold   float64  `json:"force_threshold"`
	MaxIterations    int      `json:"max_iterations"`

	CompletedWaves int      `json:"completed_waves,omitempty"`
	MaxForce       *float64 `json:"max_force,omitempty"`
}

// NEBStrategy 弹性带：每波全镜像 singlepoint，按最大受力收敛
type NEBStrategy struct{}

func (s *NEBStrategy) RecordType() model.RecordType {
	return model.RecordTypeNEB
}

func (s *NEBStrategy) FoldResults(state json.RawMessage, children []*ChildOutcome) (json.RawMessage, error) {
	var st nebState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse neb state: %w", err)
	}

	maxForce := 0.0
	for _, out := range children {
		force, err := extractMaxForce(out.Properties)
		if err != nil {
			return nil, fmt.Errorf("image %s (record %d): %w", out.Key, out.RecordID, err)
		}
		if force > maxForce {
			maxForce = force
		}
	}

	st.CompletedWaves++
	st.MaxForce = &maxForce
	return json.Marshal(&st)
}

func (s *NEBStrategy) Converged(state json.RawMessage) (bool, json.RawMessage, error) {
	var st nebState
	if err := json.Unmarshal(state, &st); err != nil {
		return false, nil, fmt.Errorf("parse neb state: %w", err)
	}
	if len(st.ImageMoleculeIDs) < 3 {
		return false, nil, fmt.Errorf("neb chain needs at least 3 images")
	}
	if st.MaxForce == nil {
		return false, nil, nil
	}

	converged := *st.MaxForce <= st.ForceThreshold
	exhausted := st.MaxIterations > 0 && st.CompletedWaves >= st.MaxIterations
	if !converged && !exhausted {
		return false, nil, nil
	}
	if !converged && exhausted {
		return false, nil, fmt.Errorf("neb did not converge after %d iterations (max force %g > %g)",
			st.CompletedWaves, *st.MaxForce, st.ForceThreshold)
	}

	props, err := json.Marshal(map[string]interface{}{
		"final_max_force": *st.MaxForce,
		"iterations":      st.CompletedWaves,
	})
	if err != nil {
		return false, nil, err
	}
	return true, props, nil
}

func (s *NEBStrategy) NextWave(state json.RawMessage, iteration int) ([]*ChildSpec, error) {
	var st nebState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("parse neb state: %w", err)
	}

	specs := make([]*ChildSpec, 0, len(st.ImageMoleculeIDs))
	for i, molID := range st.ImageMoleculeIDs {
		id := molID
		specs = append(specs, &ChildSpec{
			Key:              strconv.Itoa(i),
			RecordType:       model.RecordTypeSinglepoint,
			SpecificationID:  st.SpecificationID,
			MoleculeID:       &id,
			Relation:         model.ChildRelationSinglepoint,
			Position:         i,
			RequiredPrograms: st.Programs,
		})
	}
	return specs, nil
}

// extractMaxForce 从子记录属性中取出最大受力
//
// 兼容 max_force 和 gradient_norm 两种命名。
func extractMaxForce(props json.RawMessage) (float64, error) {
	if len(props) == 0 {
		return 0, fmt.Errorf("child record has no properties")
	}
	var p struct {
		MaxForce     *float64 `json:"max_force"`
		GradientNorm *float64 `json:"gradient_norm"`
	}
	if err := json.Unmarshal(props, &p); err != nil {
		return 0, fmt.Errorf("parse child properties: %w", err)
	}
	if p.MaxForce != nil {
		return *p.MaxForce, nil
	}
	if p.GradientNorm != nil {
		return *p.GradientNorm, nil
	}
	return 0, fmt.Errorf("child properties carry no force value")
}

package services

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcfleet/internal/shared/model"
)

func TestStrategyRegistry(t *testing.T) {
	r := NewStrategyRegistry()

	for _, rt := range []model.RecordType{
		model.RecordTypeReaction,
		model.RecordTypeGridoptimization,
		model.RecordTypeTorsiondrive,
		model.RecordTypeNEB,
	} {
		s, err := r.Get(rt)
		require.NoError(t, err)
		assert.Equal(t, rt, s.RecordType())
	}

	_, err := r.Get(model.RecordTypeSinglepoint)
	assert.Error(t, err)
}

func TestExtractEnergy(t *testing.T) {
	tests := []struct {
		name    string
		props   string
		want    float64
		wantErr bool
	}{
		{"return_result", `{"return_result": -76.4}`, -76.4, false},
		{"energy alias", `{"energy": -1.5}`, -1.5, false},
		{"return_result wins", `{"return_result": -2.0, "energy": -9.9}`, -2.0, false},
		{"no energy field", `{"dipole": [0,0,1]}`, 0, true},
		{"empty", ``, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractEnergy(json.RawMessage(tt.props))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.InDelta(t, tt.want, got, 1e-12)
		})
	}
}

func TestGridCoordinates(t *testing.T) {
	assert.Equal(t, []string{"0,0", "0,1", "1,0", "1,1"}, gridCoordinates([]int{2, 2}))
	assert.Equal(t, []string{"0", "1", "2"}, gridCoordinates([]int{3}))
	assert.Len(t, gridCoordinates([]int{2, 3, 2}), 12)
	assert.Nil(t, gridCoordinates(nil))
}

func TestTorsionAngleNormalization(t *testing.T) {
	st := &torsiondriveState{StartAngle: 0, StepDegrees: 120}
	assert.Equal(t, 0, st.angleAt(0))
	assert.Equal(t, 120, st.angleAt(1))
	assert.Equal(t, -120, st.angleAt(2)) // 240 归一化为 -120

	st = &torsiondriveState{StartAngle: -180, StepDegrees: -90}
	assert.Equal(t, -180, st.angleAt(0))
	assert.Equal(t, 90, st.angleAt(1)) // -270 归一化为 90
}

func TestGridoptimizationPreoptWaveFirst(t *testing.T) {
	s := &GridoptimizationStrategy{}
	state, err := json.Marshal(&gridoptimizationState{
		SpecificationID: 1,
		MoleculeID:      2,
		Dimensions:      []int{2},
		Preoptimization: true,
	})
	require.NoError(t, err)

	wave, err := s.NextWave(state, 0)
	require.NoError(t, err)
	require.Len(t, wave, 1)
	assert.Equal(t, "preoptimization", wave[0].Key)
	assert.Equal(t, model.RecordTypeOptimization, wave[0].RecordType)

	// 预优化完成后铺开网格
	folded, err := s.FoldResults(state, []*ChildOutcome{
		{RecordID: 10, Key: "preoptimization", Status: model.RecordStatusComplete},
	})
	require.NoError(t, err)

	wave, err = s.NextWave(folded, 1)
	require.NoError(t, err)
	assert.Len(t, wave, 2)
}

func TestNEBConvergedErrsWhenExhausted(t *testing.T) {
	s := &NEBStrategy{}
	force := 0.5
	state, err := json.Marshal(&nebState{
		SpecificationID:  1,
		ImageMoleculeIDs: []int64{1, 2, 3},
		ForceThreshold:   0.1,
		MaxIterations:    2,
		CompletedWaves:   2,
		MaxForce:         &force,
	})
	require.NoError(t, err)

	_, _, err = s.Converged(state)
	assert.Error(t, err)
}

func TestReactionFoldRejectsEnergylessChild(t *testing.T) {
	s := &ReactionStrategy{}
	state, err := json.Marshal(&reactionState{Components: []*reactionComponent{
		{MoleculeID: 1, Coefficient: 1, SpecificationID: 1},
	}})
	require.NoError(t, err)

	_, err = s.FoldResults(state, []*ChildOutcome{
		{RecordID: 5, Key: "0", Status: model.RecordStatusComplete, Properties: json.RawMessage(`{}`)},
	})
	assert.Error(t, err)
}

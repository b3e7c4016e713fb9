package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qcfleet/internal/config"
	"qcfleet/internal/shared/eventbus"
	"qcfleet/internal/shared/model"
	sqlitedriver "qcfleet/internal/shared/storage/driver/sqlite"
	"qcfleet/internal/shared/storage/repository"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *repository.Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := repository.NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// newTestOrchestrator 创建编排器（内存事件总线）
func newTestOrchestrator(t *testing.T, store *repository.Store) *Orchestrator {
	t.Helper()
	bus := eventbus.NewMemoryEventBus()
	store.SetEventPublisher(bus)
	return NewOrchestrator(store, bus, config.OrchestratorConfig{})
}

func addTestSpec(t *testing.T, s *repository.Store) int64 {
	t.Helper()
	id, _, err := s.AddSpecification(context.Background(), &model.Specification{
		Program: "psi4", Driver: "energy", Method: "b3lyp",
	})
	require.NoError(t, err)
	return id
}

func addTestMolecule(t *testing.T, s *repository.Store, name string) int64 {
	t.Helper()
	id, err := s.AddMolecule(context.Background(), &model.Molecule{
		Name:     name,
		Symbols:  []string{"O", "H", "H"},
		Geometry: []float64{0, 0, 0, 0, 0, 1, 0, 1, 0},
	})
	require.NoError(t, err)
	return id
}

func addTestManager(t *testing.T, s *repository.Store, name string) {
	t.Helper()
	_, err := s.ActivateManager(context.Background(), &model.ComputeManager{
		Name:        name,
		ClusterName: "testcluster",
		Hostname:    "node01",
		Programs:    map[string]*string{"psi4": nil},
		Tags:        []string{"*"},
	})
	require.NoError(t, err)
}

// completeClaimedTasks 认领全部任务并以给定能量回传成功结果
func completeClaimedTasks(t *testing.T, s *repository.Store, manager string, energyByRecord map[int64]float64) {
	t.Helper()
	ctx := context.Background()

	tasks, err := s.ClaimTasks(ctx, manager, 100)
	require.NoError(t, err)

	results := map[int64]*model.ResultPayload{}
	for _, task := range tasks {
		energy, ok := energyByRecord[task.RecordID]
		require.True(t, ok, "unexpected task for record %d", task.RecordID)
		results[task.ID] = &model.ResultPayload{
			Success:    true,
			Properties: json.RawMessage(fmt.Sprintf(`{"return_result": %g}`, energy)),
		}
	}

	meta, err := s.UpdateFinished(ctx, manager, results)
	require.NoError(t, err)
	require.Equal(t, len(tasks), meta.Accepted)
	require.Zero(t, meta.Rejected)
}

// waveRecordIDs 服务当前波次的子记录 id
func waveRecordIDs(t *testing.T, s *repository.Store, recordID int64) []int64 {
	t.Helper()
	svc, err := s.GetServiceByRecord(context.Background(), recordID)
	require.NoError(t, err)
	ids := make([]int64, 0, len(svc.Dependencies))
	for _, dep := range svc.Dependencies {
		ids = append(ids, dep.RecordID)
	}
	return ids
}

// waveByKey 服务当前波次的依赖 key → 子记录 id
func waveByKey(t *testing.T, s *repository.Store, recordID int64) map[string]int64 {
	t.Helper()
	svc, err := s.GetServiceByRecord(context.Background(), recordID)
	require.NoError(t, err)
	m := make(map[string]int64, len(svc.Dependencies))
	for _, dep := range svc.Dependencies {
		m[dep.Key] = dep.RecordID
	}
	return m
}

func TestReactionServiceCompletes(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()
	const manager = "testcluster-node01-aaa"

	specID := addTestSpec(t, s)
	reactant := addTestMolecule(t, s, "water")
	product := addTestMolecule(t, s, "peroxide")
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID, OwnerUser: "alice"},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: reactant, Coefficient: -1, SpecificationID: specID, Programs: []string{"psi4"}},
			{MoleculeID: product, Coefficient: 2, SpecificationID: specID, Programs: []string{"psi4"}},
		}})
	require.NoError(t, err)

	// 初始波次：每个组分一个 singlepoint 子记录
	wave := waveByKey(t, s, recordID)
	require.Len(t, wave, 2)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusRunning, rec.Status)

	energies := map[int64]float64{wave["0"]: -1.5, wave["1"]: -2.0}
	completeClaimedTasks(t, s, manager, energies)

	require.NoError(t, o.IterateServices(ctx))

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusComplete, rec.Status)

	var props struct {
		TotalEnergy float64 `json:"total_energy"`
	}
	require.NoError(t, json.Unmarshal(rec.Properties, &props))
	// -1 * -1.5 + 2 * -2.0
	assert.InDelta(t, -2.5, props.TotalEnergy, 1e-9)
}

func TestReactionChildrenCarryStoichiometry(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "water")

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "refinery", Priority: model.PriorityHigh},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 3, SpecificationID: specID},
		}})
	require.NoError(t, err)

	children, err := s.GetChildren(ctx, recordID)
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, model.ChildRelationStoichiometry, children[0].Relation)
	assert.InDelta(t, 3.0, children[0].Coefficient, 1e-9)

	// 子任务继承服务的 tag 和优先级
	task, err := s.GetTaskByRecord(ctx, children[0].ChildID)
	require.NoError(t, err)
	assert.Equal(t, "refinery", task.Tag)
	assert.Equal(t, model.PriorityHigh, task.Priority)
}

func TestGridoptimizationService(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()
	const manager = "testcluster-node01-bbb"

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "butane")
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeGridoptimization, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&gridoptimizationState{
			SpecificationID: specID,
			MoleculeID:      molID,
			Programs:        []string{"psi4"},
			Dimensions:      []int{2, 2},
		})
	require.NoError(t, err)

	// 2×2 网格一次铺开 4 个 optimization 子记录
	children := waveRecordIDs(t, s, recordID)
	require.Len(t, children, 4)

	energies := map[int64]float64{}
	for i, id := range children {
		energies[id] = -10.0 - float64(i)
	}
	completeClaimedTasks(t, s, manager, energies)

	require.NoError(t, o.IterateServices(ctx))

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusComplete, rec.Status)

	var props struct {
		GridEnergies map[string]float64 `json:"grid_energies"`
	}
	require.NoError(t, json.Unmarshal(rec.Properties, &props))
	assert.Len(t, props.GridEnergies, 4)
	for _, key := range []string{"0,0", "0,1", "1,0", "1,1"} {
		assert.Contains(t, props.GridEnergies, key)
	}
}

func TestTorsiondriveSequentialWaves(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()
	const manager = "testcluster-node01-ccc"

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "ethane")
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeTorsiondrive, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&torsiondriveState{
			SpecificationID: specID,
			MoleculeID:      molID,
			Programs:        []string{"psi4"},
			Dihedral:        []int{0, 1, 2, 3},
			StartAngle:      0,
			StepDegrees:     120,
			NumSteps:        2,
		})
	require.NoError(t, err)

	// 顺序扫描：每波一个角度
	wave1 := waveRecordIDs(t, s, recordID)
	require.Len(t, wave1, 1)
	completeClaimedTasks(t, s, manager, map[int64]float64{wave1[0]: -5.0})
	require.NoError(t, o.IterateServices(ctx))

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusRunning, rec.Status)

	wave2 := waveRecordIDs(t, s, recordID)
	require.Len(t, wave2, 1)
	require.NotEqual(t, wave1[0], wave2[0])
	completeClaimedTasks(t, s, manager, map[int64]float64{wave2[0]: -4.5})
	require.NoError(t, o.IterateServices(ctx))

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusComplete, rec.Status)

	var props struct {
		AngleEnergies map[string]float64 `json:"angle_energies"`
	}
	require.NoError(t, json.Unmarshal(rec.Properties, &props))
	assert.Len(t, props.AngleEnergies, 2)
	assert.InDelta(t, -5.0, props.AngleEnergies["0"], 1e-9)
	assert.InDelta(t, -4.5, props.AngleEnergies["120"], 1e-9)
}

func TestNEBServiceConverges(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()
	const manager = "testcluster-node01-ddd"

	specID := addTestSpec(t, s)
	images := []int64{
		addTestMolecule(t, s, "image0"),
		addTestMolecule(t, s, "image1"),
		addTestMolecule(t, s, "image2"),
	}
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeNEB, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&nebState{
			SpecificationID:  specID,
			ImageMoleculeIDs: images,
			Programs:         []string{"psi4"},
			ForceThreshold:   0.1,
			MaxIterations:    5,
		})
	require.NoError(t, err)

	children := waveRecordIDs(t, s, recordID)
	require.Len(t, children, 3)

	// 以 max_force 属性回传，全部低于阈值
	tasks, err := s.ClaimTasks(ctx, manager, 100)
	require.NoError(t, err)
	results := map[int64]*model.ResultPayload{}
	for _, task := range tasks {
		results[task.ID] = &model.ResultPayload{
			Success:    true,
			Properties: json.RawMessage(`{"max_force": 0.05}`),
		}
	}
	_, err = s.UpdateFinished(ctx, manager, results)
	require.NoError(t, err)

	require.NoError(t, o.IterateServices(ctx))

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusComplete, rec.Status)

	var props struct {
		FinalMaxForce float64 `json:"final_max_force"`
		Iterations    int     `json:"iterations"`
	}
	require.NoError(t, json.Unmarshal(rec.Properties, &props))
	assert.InDelta(t, 0.05, props.FinalMaxForce, 1e-9)
	assert.Equal(t, 1, props.Iterations)
}

func TestServiceChildErrorFailsParent(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()
	const manager = "testcluster-node01-eee"

	// 纠错策略关闭重试，子记录一次失败即落 error
	specID, _, err := s.AddSpecification(ctx, &model.Specification{
		Program: "psi4", Driver: "energy", Method: "hf",
		Protocols: &model.Protocols{
			ErrorCorrection: &model.ErrorCorrectionPolicy{DefaultPolicy: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	molID := addTestMolecule(t, s, "water")
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 1, SpecificationID: specID, Programs: []string{"psi4"}},
		}})
	require.NoError(t, err)

	tasks, err := s.ClaimTasks(ctx, manager, 100)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	_, err = s.UpdateFinished(ctx, manager, map[int64]*model.ResultPayload{
		tasks[0].ID: {
			Success: false,
			Error:   &model.ErrorInfo{ErrorType: "random_error", ErrorMessage: "scf did not converge"},
		},
	})
	require.NoError(t, err)

	require.NoError(t, o.IterateServices(ctx))

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusError, rec.Status)

	// 失败诊断留在父记录的历史里
	history, err := s.GetComputeHistory(ctx, recordID)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, model.RecordStatusError, history[len(history)-1].Status)
}

func TestCancelServiceCancelsWave(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "water")

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 1, SpecificationID: specID},
		}})
	require.NoError(t, err)

	children := waveRecordIDs(t, s, recordID)
	require.Len(t, children, 1)

	require.NoError(t, o.CancelService(ctx, recordID))

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusCancelled, rec.Status)

	child, err := s.GetRecord(ctx, children[0])
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusCancelled, child.Status)

	// 子任务随取消一并移除
	_, err = s.GetTaskByRecord(ctx, children[0])
	assert.Error(t, err)
}

func TestEventWakesDependentService(t *testing.T) {
	s := newTestStore(t)
	bus := eventbus.NewMemoryEventBus()
	s.SetEventPublisher(bus)
	o := NewOrchestrator(s, bus, config.OrchestratorConfig{})
	ctx := context.Background()
	const manager = "testcluster-node01-fff"

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "water")
	addTestManager(t, s, manager)

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 1, SpecificationID: specID, Programs: []string{"psi4"}},
		}})
	require.NoError(t, err)

	children := waveRecordIDs(t, s, recordID)
	completeClaimedTasks(t, s, manager, map[int64]float64{children[0]: -3.0})

	// 回传入库后发布了终态事件
	events, err := bus.GetRecordEvents(ctx, "0", 100)
	require.NoError(t, err)
	found := false
	for _, ev := range events {
		if ev.RecordID == children[0] && ev.Type == eventbus.EventRecordComplete {
			found = true
		}
	}
	assert.True(t, found, "record complete event not published")

	// 事件指向的记录解析回其所属服务
	parents, err := s.ServicesDependingOn(ctx, []int64{children[0]})
	require.NoError(t, err)
	require.Equal(t, []int64{recordID}, parents)
}

func TestCommitServiceWaveReplacesState(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "water")

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 1, SpecificationID: specID},
		}})
	require.NoError(t, err)

	svc, err := s.GetServiceByRecord(ctx, recordID)
	require.NoError(t, err)
	require.Len(t, svc.Dependencies, 1)
	assert.Equal(t, 1, svc.Iteration)

	// 一次调用同时落依赖、迭代状态与父记录状态
	next := &model.Record{RecordType: model.RecordTypeSinglepoint, SpecificationID: specID, MoleculeID: &molID}
	nextID, _, err := s.CreateRecord(ctx, next, &model.Task{Tag: "*", Priority: model.PriorityNormal}, false)
	require.NoError(t, err)

	err = s.CommitServiceWave(ctx, svc.ID, recordID, svc.Iteration+1,
		json.RawMessage(`{"phase":"refine"}`),
		[]*model.ServiceDependency{{ServiceID: svc.ID, RecordID: nextID, Key: "refine"}})
	require.NoError(t, err)

	svc, err = s.GetServiceByRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Iteration)
	assert.JSONEq(t, `{"phase":"refine"}`, string(svc.ServiceState))
	require.Len(t, svc.Dependencies, 1)
	assert.Equal(t, nextID, svc.Dependencies[0].RecordID)
	assert.Equal(t, "refine", svc.Dependencies[0].Key)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusRunning, rec.Status)
}

func TestHardDeleteServiceWithWave(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()

	specID := addTestSpec(t, s)
	molID := addTestMolecule(t, s, "water")

	recordID, err := o.Submit(ctx,
		&model.Record{RecordType: model.RecordTypeReaction, SpecificationID: specID},
		&model.Service{Tag: "*", Priority: model.PriorityNormal},
		&reactionState{Components: []*reactionComponent{
			{MoleculeID: molID, Coefficient: 1, SpecificationID: specID},
		}})
	require.NoError(t, err)

	children := waveRecordIDs(t, s, recordID)
	require.Len(t, children, 1)

	// 连带硬删除：父记录、子记录、编排状态与依赖一并移除
	deleted, failures, err := s.DeleteRecords(ctx, []int64{recordID}, false, true)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{recordID}, deleted)

	_, err = s.GetRecord(ctx, recordID)
	assert.Error(t, err)
	_, err = s.GetRecord(ctx, children[0])
	assert.Error(t, err)
	_, err = s.GetServiceByRecord(ctx, recordID)
	assert.Error(t, err)

	parents, err := s.ServicesDependingOn(ctx, children)
	require.NoError(t, err)
	assert.Empty(t, parents)
}

func TestCollectWaveMissingChildFailsService(t *testing.T) {
	s := newTestStore(t)
	o := newTestOrchestrator(t, s)
	ctx := context.Background()

	// 依赖指向已不存在的记录时按失败子记录处理，而不是让服务卡死
	svc := &model.Service{Dependencies: []*model.ServiceDependency{
		{ServiceID: 1, RecordID: 9999, Key: "lost"},
	}}
	outcomes, outstanding, failed, err := o.collectWave(ctx, svc)
	require.NoError(t, err)
	assert.Empty(t, outcomes)
	assert.Zero(t, outstanding)
	require.NotNil(t, failed)
	assert.Equal(t, int64(9999), failed.RecordID)
	assert.Equal(t, "lost", failed.Key)
	assert.Equal(t, model.RecordStatusDeleted, failed.Status)
}

func boolPtr(b bool) *bool { return &b }

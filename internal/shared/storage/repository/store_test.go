// Package repository SQLite 集成测试
//
// 使用 SQLite 内存数据库验证 repository 层所有存储接口的正确性。
// 无需外部数据库依赖，可在任何环境下运行。
package repository

import (
	"context"
	"testing"

	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage/dbutil"
	sqlitedriver "qcfleet/internal/shared/storage/driver/sqlite"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore 创建用于测试的 SQLite 内存数据库 Store
func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sqlitedriver.Open(":memory:")
	require.NoError(t, err)
	dialect := sqlitedriver.NewDialect()
	require.NoError(t, dialect.AutoMigrate(db))
	store := NewStore(db, dialect)
	t.Cleanup(func() { store.Close() })
	return store
}

// addTestSpec 插入一个测试规格并返回 id
func addTestSpec(t *testing.T, s *Store, method string) int64 {
	t.Helper()
	id, _, err := s.AddSpecification(context.Background(), &model.Specification{
		Program: "psi4",
		Driver:  "energy",
		Method:  method,
	})
	require.NoError(t, err)
	return id
}

// addTestRecord 创建一条带任务的 waiting 记录
func addTestRecord(t *testing.T, s *Store, specID int64, tag string, priority model.Priority) (int64, int64) {
	t.Helper()
	rec := &model.Record{
		RecordType:      model.RecordTypeSinglepoint,
		SpecificationID: specID,
	}
	task := &model.Task{
		Tag:              tag,
		Priority:         priority,
		RequiredPrograms: []string{"psi4"},
	}
	id, existing, err := s.CreateRecord(context.Background(), rec, task, false)
	require.NoError(t, err)
	require.False(t, existing)
	return id, task.ID
}

// addTestManager 注册并激活一个测试 Manager
func addTestManager(t *testing.T, s *Store, name string, tags []string) *model.ComputeManager {
	t.Helper()
	mgr := &model.ComputeManager{
		Name:        name,
		ClusterName: "testcluster",
		Hostname:    "node01",
		Programs:    map[string]*string{"psi4": nil},
		Tags:        tags,
	}
	_, err := s.ActivateManager(context.Background(), mgr)
	require.NoError(t, err)
	return mgr
}

// ============================================================================
// Dialect 基础测试
// ============================================================================

func TestDialectTypes(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, dbutil.DriverSQLite, d.DriverType())
	assert.Equal(t, "datetime('now')", d.CurrentTimestamp())
	assert.Equal(t, "", d.LockingClause())
}

func TestRebind(t *testing.T) {
	d := sqlitedriver.NewDialect()
	assert.Equal(t, "SELECT * FROM t WHERE id = ? AND name = ?",
		d.Rebind("SELECT * FROM t WHERE id = $1 AND name = $2"))
}

// ============================================================================
// Specification 去重测试
// ============================================================================

func TestAddSpecificationDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id1, isNew, err := s.AddSpecification(ctx, &model.Specification{
		Program: "psi4", Driver: "energy", Method: "b3lyp",
		Basis: strPtr("6-31g*"),
	})
	require.NoError(t, err)
	assert.True(t, isNew)

	// 仅大小写不同的规格复用同一行
	id2, isNew, err := s.AddSpecification(ctx, &model.Specification{
		Program: "PSI4", Driver: "ENERGY", Method: "B3LYP",
		Basis: strPtr("6-31G*"),
	})
	require.NoError(t, err)
	assert.Equal(t, id1, id2)
	assert.False(t, isNew)

	// 内容不同的规格得到新行
	id3, isNew, err := s.AddSpecification(ctx, &model.Specification{
		Program: "psi4", Driver: "energy", Method: "hf",
		Basis: strPtr("6-31g*"),
	})
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
	assert.True(t, isNew)

	var count int
	require.NoError(t, s.DB().QueryRow("SELECT COUNT(*) FROM specifications").Scan(&count))
	assert.Equal(t, 2, count)
}

func TestGetSpecificationRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, _, err := s.AddSpecification(ctx, &model.Specification{
		Program:  "psi4",
		Driver:   "gradient",
		Method:   "mp2",
		Basis:    strPtr("cc-pvdz"),
		Keywords: map[string]interface{}{"freeze_core": true},
		Protocols: &model.Protocols{
			Wavefunction: "orbitals_and_eigenvalues",
		},
	})
	require.NoError(t, err)

	spec, err := s.GetSpecification(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "psi4", spec.Program)
	assert.Equal(t, "mp2", spec.Method)
	require.NotNil(t, spec.Basis)
	assert.Equal(t, "cc-pvdz", *spec.Basis)
	assert.Equal(t, true, spec.Keywords["freeze_core"])
	require.NotNil(t, spec.Protocols)
	assert.Equal(t, "orbitals_and_eigenvalues", spec.Protocols.Wavefunction)
}

// ============================================================================
// Molecule 测试
// ============================================================================

func TestAddMoleculeDedup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	water := &model.Molecule{
		Symbols:  []string{"O", "H", "H"},
		Geometry: []float64{0, 0, 0, 0, 0, 1.8, 0, 1.8, 0},
	}
	id1, err := s.AddMolecule(ctx, water)
	require.NoError(t, err)

	// 符号大小写不同但几何相同，复用同一行
	water2 := &model.Molecule{
		Symbols:  []string{"o", "h", "h"},
		Geometry: []float64{0, 0, 0, 0, 0, 1.8, 0, 1.8, 0},
	}
	id2, err := s.AddMolecule(ctx, water2)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	got, err := s.GetMolecule(ctx, id1)
	require.NoError(t, err)
	assert.Equal(t, []string{"O", "H", "H"}, got.Symbols)
	assert.Equal(t, 1, got.Multiplicity)
}

// ============================================================================
// Record 生命周期测试
// ============================================================================

func TestCreateRecordWithTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "gpu", model.PriorityHigh)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.Equal(t, recordID, task.RecordID)
	assert.Equal(t, "gpu", task.Tag)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.False(t, task.IsClaimed())
}

func TestCreateRecordFindExisting(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	molID, err := s.AddMolecule(ctx, &model.Molecule{
		Symbols: []string{"He"}, Geometry: []float64{0, 0, 0},
	})
	require.NoError(t, err)

	rec1 := &model.Record{
		RecordType:      model.RecordTypeSinglepoint,
		SpecificationID: specID,
		MoleculeID:      &molID,
	}
	id1, existing, err := s.CreateRecord(ctx, rec1, &model.Task{}, true)
	require.NoError(t, err)
	assert.False(t, existing)

	// 相同 (类型, 规格, 分子) 的重复提交复用已有记录
	rec2 := &model.Record{
		RecordType:      model.RecordTypeSinglepoint,
		SpecificationID: specID,
		MoleculeID:      &molID,
	}
	id2, existing, err := s.CreateRecord(ctx, rec2, &model.Task{}, true)
	require.NoError(t, err)
	assert.True(t, existing)
	assert.Equal(t, id1, id2)

	// findExisting 关闭时总是新建
	rec3 := &model.Record{
		RecordType:      model.RecordTypeSinglepoint,
		SpecificationID: specID,
		MoleculeID:      &molID,
	}
	id3, existing, err := s.CreateRecord(ctx, rec3, &model.Task{}, false)
	require.NoError(t, err)
	assert.False(t, existing)
	assert.NotEqual(t, id1, id3)
}

func TestGetRecordsMissingOK(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	id1, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)

	// missingOK: 缺失 id 对应 nil 槽位，顺序与入参对齐
	recs, err := s.GetRecords(ctx, []int64{9999, id1}, true)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Nil(t, recs[0])
	require.NotNil(t, recs[1])
	assert.Equal(t, id1, recs[1].ID)

	// 严格模式：任一缺失都报错
	_, err = s.GetRecords(ctx, []int64{9999, id1}, false)
	assert.Error(t, err)
}

func TestResetRunningRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	addTestManager(t, s, "cluster-node01-aaa", []string{"*"})

	claimed, err := s.ClaimTasks(ctx, "cluster-node01-aaa", 1)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	reset, err := s.ResetRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, reset)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)

	task, err := s.GetTask(ctx, taskID)
	require.NoError(t, err)
	assert.False(t, task.IsClaimed())

	// 历史不受影响
	history, err := s.GetComputeHistory(ctx, recordID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// waiting 记录不可重置
	reset, err = s.ResetRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Empty(t, reset)
}

func TestResetErroredRecordRequeues(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// 纠错策略禁止重试，一次失败即落 error 并删任务
	specID, _, err := s.AddSpecification(ctx, &model.Specification{
		Program: "psi4", Driver: "energy", Method: "b3lyp",
		Protocols: &model.Protocols{
			ErrorCorrection: &model.ErrorCorrectionPolicy{DefaultPolicy: boolPtr(false)},
		},
	})
	require.NoError(t, err)
	recordID, taskID := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	mgr := addTestManager(t, s, "cluster-node01-aaa", []string{"*"})

	_, err = s.ClaimTasks(ctx, mgr.Name, 1)
	require.NoError(t, err)
	_, err = s.UpdateFinished(ctx, mgr.Name, map[int64]*model.ResultPayload{
		taskID: {Success: false, Error: &model.ErrorInfo{ErrorType: "random_error"}},
	})
	require.NoError(t, err)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	require.Equal(t, model.RecordStatusError, rec.Status)
	_, err = s.GetTaskByRecord(ctx, recordID)
	require.Error(t, err)

	// error 记录重置回 waiting，重建任务重新排队
	reset, err := s.ResetRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, reset)

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)
	assert.Nil(t, rec.ManagerName)

	task, err := s.GetTaskByRecord(ctx, recordID)
	require.NoError(t, err)
	assert.False(t, task.IsClaimed())

	// 失败历史保留
	history, err := s.GetComputeHistory(ctx, recordID)
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestCancelAndUncancel(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "gpu", model.PriorityHigh)

	cancelled, err := s.CancelRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, cancelled)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusCancelled, rec.Status)

	// 任务行被删除
	_, err = s.GetTask(ctx, taskID)
	assert.Error(t, err)

	// 取消不追加历史
	history, err := s.GetComputeHistory(ctx, recordID)
	require.NoError(t, err)
	assert.Empty(t, history)

	// 恢复：回到 waiting 并用原标签/优先级重建任务
	restored, err := s.UncancelRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, restored)

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)

	task, err := s.GetTaskByRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, "gpu", task.Tag)
	assert.Equal(t, model.PriorityHigh, task.Priority)
}

func TestCancelTerminalRecordSkipped(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	addTestManager(t, s, "cluster-node01-aaa", []string{"*"})

	_, err := s.ClaimTasks(ctx, "cluster-node01-aaa", 1)
	require.NoError(t, err)
	_, err = s.UpdateFinished(ctx, "cluster-node01-aaa", map[int64]*model.ResultPayload{
		taskID: {Success: true},
	})
	require.NoError(t, err)

	cancelled, err := s.CancelRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Empty(t, cancelled)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusComplete, rec.Status)
}

func TestInvalidateAndUninvalidate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	addTestManager(t, s, "cluster-node01-aaa", []string{"*"})

	_, err := s.ClaimTasks(ctx, "cluster-node01-aaa", 1)
	require.NoError(t, err)
	_, err = s.UpdateFinished(ctx, "cluster-node01-aaa", map[int64]*model.ResultPayload{
		taskID: {Success: true},
	})
	require.NoError(t, err)

	invalidated, err := s.InvalidateRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, invalidated)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusInvalid, rec.Status)

	restored, err := s.UninvalidateRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, restored)

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusComplete, rec.Status)
}

// ============================================================================
// 删除测试
// ============================================================================

func TestSoftDeleteAndUndelete(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, _ := addTestRecord(t, s, specID, "cpu", model.PriorityLow)

	deleted, failures, err := s.DeleteRecords(ctx, []int64{recordID}, true, false)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{recordID}, deleted)

	rec, err := s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusDeleted, rec.Status)

	restored, err := s.UndeleteRecords(ctx, []int64{recordID})
	require.NoError(t, err)
	assert.Equal(t, []int64{recordID}, restored)

	rec, err = s.GetRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)

	task, err := s.GetTaskByRecord(ctx, recordID)
	require.NoError(t, err)
	assert.Equal(t, "cpu", task.Tag)
	assert.Equal(t, model.PriorityLow, task.Priority)
}

func TestHardDeleteRemovesRows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	recordID, taskID := addTestRecord(t, s, specID, "*", model.PriorityNormal)

	deleted, failures, err := s.DeleteRecords(ctx, []int64{recordID}, false, false)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{recordID}, deleted)

	_, err = s.GetRecord(ctx, recordID)
	assert.Error(t, err)
	_, err = s.GetTask(ctx, taskID)
	assert.Error(t, err)
}

func TestHardDeleteInUseChildBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	parent, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	child, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)

	require.NoError(t, s.AddChildren(ctx, []*model.RecordChild{
		{ParentID: parent, ChildID: child, Relation: model.ChildRelationSinglepoint},
	}))

	// 仍被非删除父记录引用的子记录不可硬删除，按 id 报告失败
	deleted, failures, err := s.DeleteRecords(ctx, []int64{child}, false, false)
	require.NoError(t, err)
	assert.Empty(t, deleted)
	require.Len(t, failures, 1)
	assert.Equal(t, child, failures[0].RecordID)

	// 子记录原样保留
	rec, err := s.GetRecord(ctx, child)
	require.NoError(t, err)
	assert.Equal(t, model.RecordStatusWaiting, rec.Status)

	// 软删除保留行，不受引用限制
	deleted, failures, err = s.DeleteRecords(ctx, []int64{child}, true, false)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{child}, deleted)

	// 父记录删除后硬删除放行
	_, _, err = s.DeleteRecords(ctx, []int64{parent}, false, false)
	require.NoError(t, err)
	deleted, failures, err = s.DeleteRecords(ctx, []int64{child}, false, false)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{child}, deleted)
}

func TestDeleteSharedChildBlocked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specID := addTestSpec(t, s, "b3lyp")
	parent1, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	parent2, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)
	child, _ := addTestRecord(t, s, specID, "*", model.PriorityNormal)

	require.NoError(t, s.AddChildren(ctx, []*model.RecordChild{
		{ParentID: parent1, ChildID: child, Relation: model.ChildRelationSinglepoint},
		{ParentID: parent2, ChildID: child, Relation: model.ChildRelationSinglepoint},
	}))

	// 子记录仍被 parent2 引用，连带删除失败
	deleted, failures, err := s.DeleteRecords(ctx, []int64{parent1}, false, true)
	require.NoError(t, err)
	assert.Empty(t, deleted)
	require.Len(t, failures, 1)
	assert.Equal(t, parent1, failures[0].RecordID)

	// 先删 parent2 后，连带删除成功且子记录一并移除
	_, _, err = s.DeleteRecords(ctx, []int64{parent2}, false, false)
	require.NoError(t, err)

	deleted, failures, err = s.DeleteRecords(ctx, []int64{parent1}, false, true)
	require.NoError(t, err)
	assert.Empty(t, failures)
	assert.Equal(t, []int64{parent1}, deleted)

	_, err = s.GetRecord(ctx, child)
	assert.Error(t, err)
}

// ============================================================================
// 查询测试
// ============================================================================

func TestQueryRecords(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	specB3lyp := addTestSpec(t, s, "b3lyp")
	specHF := addTestSpec(t, s, "hf")
	for i := 0; i < 3; i++ {
		addTestRecord(t, s, specB3lyp, "*", model.PriorityNormal)
	}
	addTestRecord(t, s, specHF, "*", model.PriorityNormal)

	recs, meta, err := s.QueryRecords(ctx, &RecordQuery{
		Method: []string{"b3lyp"},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, meta.NFound)
	assert.Equal(t, 3, meta.NReturned)
	assert.Len(t, recs, 3)

	// 分页：n_found 不受 limit 影响
	recs, meta, err = s.QueryRecords(ctx, &RecordQuery{
		Method: []string{"b3lyp"},
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, meta.NFound)
	assert.Equal(t, 2, meta.NReturned)
	assert.Len(t, recs, 2)

	recs, meta, err = s.QueryRecords(ctx, &RecordQuery{
		Status: []model.RecordStatus{model.RecordStatusComplete},
	})
	require.NoError(t, err)
	assert.Equal(t, 0, meta.NFound)
	assert.Empty(t, recs)
}

func strPtr(s string) *string { return &s }
func boolPtr(b bool) *bool    { return &b }

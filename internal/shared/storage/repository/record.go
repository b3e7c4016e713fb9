// Package repository Record 相关的存储操作
//
// 记录状态机的全部转移都在本文件的事务中实现：
// 创建、重置、取消、作废、软/硬删除以及对应的恢复操作。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage"
	"qcfleet/internal/shared/storage/dbutil"
)

// recordColumns records 表的标准列序
const recordColumns = `id, record_type, is_service, specification_id, molecule_id,
	status, manager_name, owner_user, properties, created_on, modified_on`

// scanRecord 从数据库行扫描 Record
func scanRecord(sc scanner) (*model.Record, error) {
	rec := &model.Record{}
	var molID sql.NullInt64
	var managerName, ownerUser sql.NullString
	var props []byte
	err := sc.Scan(
		&rec.ID, &rec.RecordType, &rec.IsService, &rec.SpecificationID, &molID,
		&rec.Status, &managerName, &ownerUser, &props, &rec.CreatedOn, &rec.ModifiedOn)
	if err != nil {
		return nil, err
	}
	rec.MoleculeID = nullInt64(molID)
	rec.ManagerName = nullString(managerName)
	if ownerUser.Valid {
		rec.OwnerUser = ownerUser.String
	}
	if len(props) > 0 {
		rec.Properties = json.RawMessage(props)
	}
	return rec, nil
}

// ============================================================================
// 创建与查询
// ============================================================================

// CreateRecord 创建记录及其任务（原子操作）
//
// 新记录总是处于 waiting 状态并带一条任务行。
// findExisting 为 true 时按 (record_type, specification_id, molecule_id)
// 复用已有的非删除记录，此时不创建新行。
func (s *Store) CreateRecord(ctx context.Context, rec *model.Record, task *model.Task, findExisting bool) (int64, bool, error) {
	var id int64
	var existing bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if findExisting {
			found, err := s.findExistingRecord(ctx, tx, rec)
			if err != nil {
				return err
			}
			if found != 0 {
				id = found
				existing = true
				return nil
			}
		}

		newID, err := s.insertRecordTx(ctx, tx, rec, task)
		if err != nil {
			return err
		}
		id = newID
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	rec.ID = id
	return id, existing, nil
}

// findExistingRecord 按去重键查找可复用的记录
func (s *Store) findExistingRecord(ctx context.Context, tx *sql.Tx, rec *model.Record) (int64, error) {
	query := s.rebind(`
		SELECT id FROM records
		WHERE record_type = $1 AND specification_id = $2
		  AND molecule_id IS NOT DISTINCT FROM $3
		  AND status != 'deleted'
		ORDER BY id ASC LIMIT 1
	`)
	// SQLite 没有 IS NOT DISTINCT FROM，改写为 IS
	if s.dialect.DriverType() == dbutil.DriverSQLite {
		query = s.rebind(`
			SELECT id FROM records
			WHERE record_type = $1 AND specification_id = $2
			  AND molecule_id IS $3
			  AND status != 'deleted'
			ORDER BY id ASC LIMIT 1
		`)
	}

	var id int64
	err := tx.QueryRowContext(ctx, query, rec.RecordType, rec.SpecificationID, rec.MoleculeID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// insertRecordTx 在事务内插入记录行及其任务行
func (s *Store) insertRecordTx(ctx context.Context, tx *sql.Tx, rec *model.Record, task *model.Task) (int64, error) {
	if rec.Status == "" {
		rec.Status = model.RecordStatusWaiting
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO records (record_type, is_service, specification_id, molecule_id,
			status, owner_user, created_on, modified_on)
		VALUES ($1, $2, $3, $4, $5, $6, %s, %s)
		RETURNING id
	`, s.now(), s.now()))

	var id int64
	if err := tx.QueryRowContext(ctx, query,
		rec.RecordType, rec.IsService, rec.SpecificationID, rec.MoleculeID,
		rec.Status, rec.OwnerUser).Scan(&id); err != nil {
		return 0, fmt.Errorf("insert record: %w", err)
	}

	if task != nil {
		task.RecordID = id
		if err := s.insertTaskTx(ctx, tx, task); err != nil {
			return 0, err
		}
	}
	return id, nil
}

// GetRecord 按 id 获取记录
func (s *Store) GetRecord(ctx context.Context, id int64) (*model.Record, error) {
	query := s.rebind(`SELECT ` + recordColumns + ` FROM records WHERE id = $1`)
	rec, err := scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return rec, err
}

// GetRecords 批量获取记录，结果与入参 ids 顺序对齐
//
// missingOK 为 true 时不存在的 id 对应 nil 槽位；
// 为 false 时任一缺失都返回 ErrNotFound。
func (s *Store) GetRecords(ctx context.Context, ids []int64, missingOK bool) ([]*model.Record, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := s.rebind(fmt.Sprintf(
		`SELECT `+recordColumns+` FROM records WHERE id IN (%s)`,
		dbutil.PlaceholderList(1, len(ids))))

	rows, err := s.db.QueryContext(ctx, query, dbutil.Int64Args(ids)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[int64]*model.Record, len(ids))
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		byID[rec.ID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.Record, len(ids))
	for i, id := range ids {
		rec, ok := byID[id]
		if !ok && !missingOK {
			return nil, fmt.Errorf("record %d: %w", id, storage.ErrNotFound)
		}
		out[i] = rec
	}
	return out, nil
}

// ============================================================================
// 执行历史与输出
// ============================================================================

// appendHistoryTx 追加一条执行历史及其输出
func (s *Store) appendHistoryTx(ctx context.Context, tx *sql.Tx, recordID int64, status model.RecordStatus, managerName *string, outputs map[model.OutputType]*model.OutputStore) (int64, error) {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO compute_history (record_id, status, manager_name, modified_on)
		VALUES ($1, $2, $3, %s)
		RETURNING id
	`, s.now()))

	var historyID int64
	if err := tx.QueryRowContext(ctx, query, recordID, status, managerName).Scan(&historyID); err != nil {
		return 0, fmt.Errorf("insert compute history: %w", err)
	}

	for typ, out := range outputs {
		if out == nil {
			continue
		}
		// 超过阈值的输出转存对象存储，数据库里只留 key
		if s.offloader != nil && out.ObjectKey == "" && s.offloader.ShouldOffload(len(out.Data)) {
			key, err := s.offloader.OffloadOutput(ctx, recordID, string(typ), out.Data)
			if err != nil {
				return 0, fmt.Errorf("offload output: %w", err)
			}
			out.ObjectKey = key
			out.Data = nil
		}
		insOut := s.rebind(`
			INSERT INTO outputs (history_id, output_type, data, object_key)
			VALUES ($1, $2, $3, $4)
		`)
		var objectKey *string
		if out.ObjectKey != "" {
			objectKey = &out.ObjectKey
		}
		if _, err := tx.ExecContext(ctx, insOut, historyID, typ, out.Data, objectKey); err != nil {
			return 0, fmt.Errorf("insert output: %w", err)
		}
	}
	return historyID, nil
}

// GetComputeHistory 获取记录的执行历史（含输出），按时间升序
func (s *Store) GetComputeHistory(ctx context.Context, recordID int64) ([]*model.ComputeHistory, error) {
	query := s.rebind(`
		SELECT id, record_id, status, manager_name, modified_on
		FROM compute_history WHERE record_id = $1 ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, recordID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []*model.ComputeHistory
	for rows.Next() {
		h := &model.ComputeHistory{Outputs: map[model.OutputType]*model.OutputStore{}}
		var managerName sql.NullString
		if err := rows.Scan(&h.ID, &h.RecordID, &h.Status, &managerName, &h.ModifiedOn); err != nil {
			return nil, err
		}
		h.ManagerName = nullString(managerName)
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, h := range history {
		outQuery := s.rebind(`
			SELECT id, history_id, output_type, data, object_key
			FROM outputs WHERE history_id = $1
		`)
		outRows, err := s.db.QueryContext(ctx, outQuery, h.ID)
		if err != nil {
			return nil, err
		}
		for outRows.Next() {
			o := &model.OutputStore{}
			var objectKey sql.NullString
			if err := outRows.Scan(&o.ID, &o.HistoryID, &o.OutputType, &o.Data, &objectKey); err != nil {
				outRows.Close()
				return nil, err
			}
			if objectKey.Valid {
				o.ObjectKey = objectKey.String
			}
			h.Outputs[o.OutputType] = o
		}
		if err := outRows.Err(); err != nil {
			outRows.Close()
			return nil, err
		}
		outRows.Close()
	}
	return history, nil
}

// ============================================================================
// 状态转移：reset / cancel / invalidate / delete 及恢复
// ============================================================================

// ResetRecords 将 running/error 记录重置回 waiting
//
// 清空任务行的领取信息与记录的 manager_name，不触碰执行历史。
// error 记录的任务行已在失败入库时删除，重置时重建一条新任务重新排队。
// 其余状态的 id 被跳过，不记入返回值。
func (s *Store) ResetRecords(ctx context.Context, ids []int64) ([]int64, error) {
	var reset []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			update := s.rebind(fmt.Sprintf(`
				UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = %s
				WHERE id = $1 AND status IN ('running', 'error')
			`, s.now()))
			res, err := tx.ExecContext(ctx, update, id)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				continue
			}

			unclaim := s.rebind(`
				UPDATE tasks SET claimed_by = NULL, claimed_at = NULL WHERE record_id = $1
			`)
			unclaimRes, err := tx.ExecContext(ctx, unclaim, id)
			if err != nil {
				return err
			}
			if n, _ := unclaimRes.RowsAffected(); n == 0 {
				if err := s.insertTaskTx(ctx, tx, &model.Task{
					RecordID: id,
					Tag:      model.TagWildcard,
					Priority: model.PriorityNormal,
				}); err != nil {
					return err
				}
			}
			reset = append(reset, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reset, nil
}

// CancelRecords 取消 waiting/running 记录
//
// 删除任务行、置状态 cancelled，不追加执行历史。
// 旧状态与任务参数备份到 record_info_backup 供 UncancelRecords 恢复。
func (s *Store) CancelRecords(ctx context.Context, ids []int64) ([]int64, error) {
	return s.revocableTransition(ctx, ids,
		[]model.RecordStatus{model.RecordStatusWaiting, model.RecordStatusRunning}, model.RecordStatusCancelled)
}

// InvalidateRecords 将 complete 记录标记为 invalid
//
// 用于发现结果错误后的人工作废。历史保留，可通过 UninvalidateRecords 恢复。
func (s *Store) InvalidateRecords(ctx context.Context, ids []int64) ([]int64, error) {
	return s.revocableTransition(ctx, ids,
		[]model.RecordStatus{model.RecordStatusComplete}, model.RecordStatusInvalid)
}

// revocableTransition 可恢复的状态转移公共路径
func (s *Store) revocableTransition(ctx context.Context, ids []int64, from []model.RecordStatus, to model.RecordStatus) ([]int64, error) {
	var changed []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			ok, err := s.transitionOneTx(ctx, tx, id, from, to)
			if err != nil {
				return err
			}
			if ok {
				changed = append(changed, id)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return changed, nil
}

// transitionOneTx 单条记录的可恢复转移：备份旧状态、删任务、改状态
func (s *Store) transitionOneTx(ctx context.Context, tx *sql.Tx, id int64, from []model.RecordStatus, to model.RecordStatus) (bool, error) {
	var status model.RecordStatus
	query := s.rebind(`SELECT status FROM records WHERE id = $1`)
	err := tx.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	allowed := false
	for _, f := range from {
		if status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return false, nil
	}

	// 备份旧状态与任务参数（任务可能不存在）
	var tag sql.NullString
	var priority sql.NullInt64
	taskQuery := s.rebind(`SELECT tag, priority FROM tasks WHERE record_id = $1`)
	err = tx.QueryRowContext(ctx, taskQuery, id).Scan(&tag, &priority)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}

	backup := s.rebind(fmt.Sprintf(`
		INSERT INTO record_info_backup (record_id, old_status, old_tag, old_priority, modified_on)
		VALUES ($1, $2, $3, $4, %s)
	`, s.now()))
	if _, err := tx.ExecContext(ctx, backup, id, status, tag, priority); err != nil {
		return false, err
	}

	delTask := s.rebind(`DELETE FROM tasks WHERE record_id = $1`)
	if _, err := tx.ExecContext(ctx, delTask, id); err != nil {
		return false, err
	}

	update := s.rebind(fmt.Sprintf(`
		UPDATE records SET status = $1, manager_name = NULL, modified_on = %s WHERE id = $2
	`, s.now()))
	if _, err := tx.ExecContext(ctx, update, to, id); err != nil {
		return false, err
	}
	return true, nil
}

// UncancelRecords 恢复 cancelled 记录到取消前的状态
func (s *Store) UncancelRecords(ctx context.Context, ids []int64) ([]int64, error) {
	return s.restoreFromBackup(ctx, ids, model.RecordStatusCancelled)
}

// UninvalidateRecords 恢复 invalid 记录到作废前的状态
func (s *Store) UninvalidateRecords(ctx context.Context, ids []int64) ([]int64, error) {
	return s.restoreFromBackup(ctx, ids, model.RecordStatusInvalid)
}

// UndeleteRecords 恢复软删除记录到删除前的状态
func (s *Store) UndeleteRecords(ctx context.Context, ids []int64) ([]int64, error) {
	return s.restoreFromBackup(ctx, ids, model.RecordStatusDeleted)
}

// restoreFromBackup 从 record_info_backup 恢复状态
//
// 备份状态为 waiting/running 时统一恢复为 waiting 并重建任务
// （执行现场已丢失，只能重新排队）。
func (s *Store) restoreFromBackup(ctx context.Context, ids []int64, current model.RecordStatus) ([]int64, error) {
	var restored []int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			var status model.RecordStatus
			query := s.rebind(`SELECT status FROM records WHERE id = $1`)
			err := tx.QueryRowContext(ctx, query, id).Scan(&status)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}
			if status != current {
				continue
			}

			var backupID int64
			var oldStatus model.RecordStatus
			var oldTag sql.NullString
			var oldPriority sql.NullInt64
			bkQuery := s.rebind(`
				SELECT id, old_status, old_tag, old_priority FROM record_info_backup
				WHERE record_id = $1 ORDER BY id DESC LIMIT 1
			`)
			err = tx.QueryRowContext(ctx, bkQuery, id).Scan(&backupID, &oldStatus, &oldTag, &oldPriority)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return err
			}

			target := oldStatus
			if oldStatus == model.RecordStatusWaiting || oldStatus == model.RecordStatusRunning {
				target = model.RecordStatusWaiting
				tag := model.TagWildcard
				if oldTag.Valid {
					tag = oldTag.String
				}
				priority := model.PriorityNormal
				if oldPriority.Valid {
					priority = model.Priority(oldPriority.Int64)
				}
				if err := s.insertTaskTx(ctx, tx, &model.Task{
					RecordID: id,
					Tag:      tag,
					Priority: priority,
				}); err != nil {
					return err
				}
			}

			update := s.rebind(fmt.Sprintf(`
				UPDATE records SET status = $1, modified_on = %s WHERE id = $2
			`, s.now()))
			if _, err := tx.ExecContext(ctx, update, target, id); err != nil {
				return err
			}

			delBackup := s.rebind(`DELETE FROM record_info_backup WHERE id = $1`)
			if _, err := tx.ExecContext(ctx, delBackup, backupID); err != nil {
				return err
			}
			restored = append(restored, id)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// ============================================================================
// 删除
// ============================================================================

// DeleteError 单条记录的删除失败详情
type DeleteError struct {
	RecordID int64
	Reason   string
}

// DeleteRecords 删除记录
//
// soft 为 true 时仅置状态 deleted 并保留历史（可撤销）；
// 为 false 时物理删除行。cascadeChildren 为 true 时连带删除
// 只被本记录引用的子记录；某个子记录仍被其他非删除父记录引用时，
// 整条父记录的删除失败并记入返回的错误列表。
func (s *Store) DeleteRecords(ctx context.Context, ids []int64, soft, cascadeChildren bool) ([]int64, []DeleteError, error) {
	var deleted []int64
	var failures []DeleteError

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, id := range ids {
			reason, err := s.deleteOneTx(ctx, tx, id, 0, soft, cascadeChildren)
			if err != nil {
				return err
			}
			if reason != "" {
				failures = append(failures, DeleteError{RecordID: id, Reason: reason})
				continue
			}
			deleted = append(deleted, id)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return deleted, failures, nil
}

// deleteOneTx 删除单条记录，excludeParent 为级联删除时发起删除的父记录 id（顶层为 0）
func (s *Store) deleteOneTx(ctx context.Context, tx *sql.Tx, id, excludeParent int64, soft, cascadeChildren bool) (string, error) {
	var status model.RecordStatus
	query := s.rebind(`SELECT status FROM records WHERE id = $1`)
	err := tx.QueryRowContext(ctx, query, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "record does not exist", nil
	}
	if err != nil {
		return "", err
	}

	// 硬删除前检查本记录是否仍被其他非删除父记录引用（软删除保留行，无此限制）
	if !soft {
		shared, err := s.childSharedTx(ctx, tx, id, excludeParent)
		if err != nil {
			return "", err
		}
		if shared {
			return "record is referenced by another record", nil
		}
	}

	children, err := s.childIDsTx(ctx, tx, id)
	if err != nil {
		return "", err
	}

	// 子记录归属检查：被其他非删除父记录引用的子记录不可连带删除
	var exclusive []int64
	for _, childID := range children {
		shared, err := s.childSharedTx(ctx, tx, childID, id)
		if err != nil {
			return "", err
		}
		if shared {
			if cascadeChildren {
				return fmt.Sprintf("child record %d is referenced by another record", childID), nil
			}
			continue
		}
		exclusive = append(exclusive, childID)
	}

	if cascadeChildren {
		for _, childID := range exclusive {
			reason, err := s.deleteOneTx(ctx, tx, childID, id, soft, cascadeChildren)
			if err != nil {
				return "", err
			}
			if reason != "" {
				return fmt.Sprintf("child record %d: %s", childID, reason), nil
			}
		}
	}

	if soft {
		if status == model.RecordStatusDeleted {
			return "", nil
		}
		if _, err := s.transitionOneTx(ctx, tx, id,
			[]model.RecordStatus{
				model.RecordStatusWaiting, model.RecordStatusRunning, model.RecordStatusComplete,
				model.RecordStatusError, model.RecordStatusCancelled, model.RecordStatusInvalid,
			}, model.RecordStatusDeleted); err != nil {
			return "", err
		}
		return "", nil
	}

	// 硬删除：先摘除与父记录的关系，再删行（任务/历史/依赖级联）
	delRel := s.rebind(`DELETE FROM record_children WHERE child_id = $1 OR parent_id = $2`)
	if _, err := tx.ExecContext(ctx, delRel, id, id); err != nil {
		return "", err
	}
	delRec := s.rebind(`DELETE FROM records WHERE id = $1`)
	if _, err := tx.ExecContext(ctx, delRec, id); err != nil {
		return "", err
	}
	return "", nil
}

// childIDsTx 列出记录的直接子记录 id
func (s *Store) childIDsTx(ctx context.Context, tx *sql.Tx, parentID int64) ([]int64, error) {
	query := s.rebind(`SELECT DISTINCT child_id FROM record_children WHERE parent_id = $1`)
	rows, err := tx.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// childSharedTx 判断子记录是否被除 excludeParent 外的非删除父记录引用
func (s *Store) childSharedTx(ctx context.Context, tx *sql.Tx, childID, excludeParent int64) (bool, error) {
	query := s.rebind(`
		SELECT COUNT(*) FROM record_children rc
		JOIN records r ON r.id = rc.parent_id
		WHERE rc.child_id = $1 AND rc.parent_id != $2 AND r.status != 'deleted'
	`)
	var n int
	if err := tx.QueryRowContext(ctx, query, childID, excludeParent).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// ============================================================================
// 子记录关系
// ============================================================================

// AddChildren 建立父子关系
func (s *Store) AddChildren(ctx context.Context, children []*model.RecordChild) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		return s.addChildrenTx(ctx, tx, children)
	})
}

func (s *Store) addChildrenTx(ctx context.Context, tx *sql.Tx, children []*model.RecordChild) error {
	query := s.rebind(fmt.Sprintf(`
		INSERT INTO record_children (parent_id, child_id, relation, position, key, coefficient)
		VALUES ($1, $2, $3, $4, $5, $6)
		%s
	`, s.dialect.UpsertConflict([]string{"parent_id", "child_id", "relation", "position", "key"}, nil)))

	for _, c := range children {
		if _, err := tx.ExecContext(ctx, query,
			c.ParentID, c.ChildID, c.Relation, c.Position, c.Key, c.Coefficient); err != nil {
			return fmt.Errorf("insert record child: %w", err)
		}
	}
	return nil
}

// GetChildren 获取记录的子记录关系，按 relation, position, key 排序
func (s *Store) GetChildren(ctx context.Context, parentID int64) ([]*model.RecordChild, error) {
	query := s.rebind(`
		SELECT parent_id, child_id, relation, position, key, coefficient
		FROM record_children WHERE parent_id = $1
		ORDER BY relation, position, key
	`)
	rows, err := s.db.QueryContext(ctx, query, parentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var children []*model.RecordChild
	for rows.Next() {
		c := &model.RecordChild{}
		if err := rows.Scan(&c.ParentID, &c.ChildID, &c.Relation, &c.Position, &c.Key, &c.Coefficient); err != nil {
			return nil, err
		}
		children = append(children, c)
	}
	return children, rows.Err()
}

// ============================================================================
// 条件查询
// ============================================================================

// RecordQuery 记录的过滤查询条件
type RecordQuery struct {
	RecordType []model.RecordType
	Status     []model.RecordStatus
	OwnerUser  []string
	MoleculeID []int64
	ChildID    []int64

	// 规格字段过滤
	Program []string
	Method  []string

	Limit  int
	Offset int
}

// QueryMeta 查询结果的计数元信息
type QueryMeta struct {
	NFound    int `json:"n_found"`
	NReturned int `json:"n_returned"`
}

// QueryRecords 条件查询记录，返回分页结果与命中计数
func (s *Store) QueryRecords(ctx context.Context, q *RecordQuery) ([]*model.Record, *QueryMeta, error) {
	var conds []string
	var args []interface{}
	next := 1

	addIn := func(column string, values []interface{}) {
		if len(values) == 0 {
			return
		}
		conds = append(conds, fmt.Sprintf("%s IN (%s)", column, dbutil.PlaceholderList(next, len(values))))
		args = append(args, values...)
		next += len(values)
	}

	var types []interface{}
	for _, v := range q.RecordType {
		types = append(types, v)
	}
	addIn("r.record_type", types)

	var statuses []interface{}
	for _, v := range q.Status {
		statuses = append(statuses, v)
	}
	addIn("r.status", statuses)

	var owners []interface{}
	for _, v := range q.OwnerUser {
		owners = append(owners, v)
	}
	addIn("r.owner_user", owners)

	var mols []interface{}
	for _, v := range q.MoleculeID {
		mols = append(mols, v)
	}
	addIn("r.molecule_id", mols)

	var programs []interface{}
	for _, v := range q.Program {
		programs = append(programs, v)
	}
	addIn("sp.program", programs)

	var methods []interface{}
	for _, v := range q.Method {
		methods = append(methods, v)
	}
	addIn("sp.method", methods)

	if len(q.ChildID) > 0 {
		placeholders := dbutil.PlaceholderList(next, len(q.ChildID))
		conds = append(conds, fmt.Sprintf(
			"r.id IN (SELECT parent_id FROM record_children WHERE child_id IN (%s))", placeholders))
		for _, v := range q.ChildID {
			args = append(args, v)
		}
		next += len(q.ChildID)
	}

	base := `FROM records r JOIN specifications sp ON sp.id = r.specification_id`
	where := ""
	if len(conds) > 0 {
		where = " WHERE "
		for i, c := range conds {
			if i > 0 {
				where += " AND "
			}
			where += c
		}
	}

	var nFound int
	countQuery := s.rebind(`SELECT COUNT(*) ` + base + where)
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&nFound); err != nil {
		return nil, nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}
	selectQuery := s.rebind(fmt.Sprintf(
		`SELECT r.id, r.record_type, r.is_service, r.specification_id, r.molecule_id,
			r.status, r.manager_name, r.owner_user, r.properties, r.created_on, r.modified_on
		%s%s ORDER BY r.id ASC LIMIT %d OFFSET %d`,
		base, where, limit, q.Offset))

	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var records []*model.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	return records, &QueryMeta{NFound: nFound, NReturned: len(records)}, nil
}

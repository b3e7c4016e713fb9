// Package repository Task 队列相关的存储操作
//
// 领取协议的核心约束：同一任务绝不会被两个 Manager 同时领到。
// 领取通过「claimed_by IS NULL 条件更新」实现原子抢占，
// PostgreSQL 下配合 FOR UPDATE SKIP LOCKED 减少锁竞争。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage"
)

// insertTaskTx 在事务内插入任务行
func (s *Store) insertTaskTx(ctx context.Context, tx *sql.Tx, task *model.Task) error {
	if task.Tag == "" {
		task.Tag = model.TagWildcard
	}
	programsJSON, err := json.Marshal(task.RequiredPrograms)
	if err != nil {
		return fmt.Errorf("marshal required programs: %w", err)
	}

	query := s.rebind(fmt.Sprintf(`
		INSERT INTO tasks (record_id, tag, priority, required_programs, function, function_kwargs, created_on)
		VALUES ($1, $2, $3, $4, $5, $6, %s)
		RETURNING id
	`, s.now()))

	var function *string
	if task.Function != "" {
		function = &task.Function
	}
	if err := tx.QueryRowContext(ctx, query,
		task.RecordID, task.Tag, task.Priority, programsJSON, function, task.FunctionKwargs).Scan(&task.ID); err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// scanTask 从数据库行扫描 Task
func scanTask(sc scanner) (*model.Task, error) {
	task := &model.Task{}
	var programsJSON []byte
	var function sql.NullString
	var kwargs []byte
	var claimedBy sql.NullString
	var claimedAt sql.NullTime
	err := sc.Scan(
		&task.ID, &task.RecordID, &task.Tag, &task.Priority, &programsJSON,
		&function, &kwargs, &claimedBy, &claimedAt, &task.CreatedOn)
	if err != nil {
		return nil, err
	}
	if len(programsJSON) > 0 {
		if err := json.Unmarshal(programsJSON, &task.RequiredPrograms); err != nil {
			return nil, fmt.Errorf("unmarshal required programs: %w", err)
		}
	}
	if function.Valid {
		task.Function = function.String
	}
	if len(kwargs) > 0 {
		task.FunctionKwargs = json.RawMessage(kwargs)
	}
	task.ClaimedBy = nullString(claimedBy)
	task.ClaimedAt = nullTime(claimedAt)
	return task, nil
}

// taskColumns tasks 表的标准列序
const taskColumns = `id, record_id, tag, priority, required_programs, function, function_kwargs, claimed_by, claimed_at, created_on`

// GetTask 按 id 获取任务
func (s *Store) GetTask(ctx context.Context, id int64) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return task, err
}

// GetTaskByRecord 按记录 id 获取任务
func (s *Store) GetTaskByRecord(ctx context.Context, recordID int64) (*model.Task, error) {
	query := s.rebind(`SELECT ` + taskColumns + ` FROM tasks WHERE record_id = $1`)
	task, err := scanTask(s.db.QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return task, err
}

// ============================================================================
// 领取协议
// ============================================================================

// claimBatchFactor 候选集相对 limit 的放大倍数
//
// 程序能力过滤在应用层做，需要比 limit 更多的候选行兜底。
const claimBatchFactor = 4

// ClaimTasks 为指定 Manager 领取至多 limit 个任务
//
// 调用级前置条件：Manager 必须已注册且处于激活状态，
// 否则整个调用以 ComputeManagerError 失败。
//
// 候选任务按 (priority DESC, created_on ASC) 排序，
// 标签必须命中 Manager 的声明标签（或 Manager 服务通配标签），
// 程序要求必须是 Manager 声明程序的子集。
// 每个任务的领取是一次原子的条件更新，并发领取方至多一方成功。
func (s *Store) ClaimTasks(ctx context.Context, managerName string, limit int) ([]*model.Task, error) {
	if limit <= 0 {
		return nil, nil
	}

	mgr, err := s.GetManager(ctx, managerName)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, storage.ErrManagerNotFound(managerName)
	}
	if err != nil {
		return nil, err
	}
	if !mgr.Active {
		return nil, storage.ErrManagerInactive(managerName)
	}

	var claimed []*model.Task
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		candidates, err := s.selectCandidatesTx(ctx, tx, mgr, limit*claimBatchFactor)
		if err != nil {
			return err
		}

		for _, task := range candidates {
			if len(claimed) >= limit {
				break
			}
			if !mgr.HasPrograms(task.RequiredPrograms) {
				continue
			}

			ok, err := s.claimOneTx(ctx, tx, task, managerName)
			if err != nil {
				return err
			}
			if ok {
				claimed = append(claimed, task)
			}
		}

		if len(claimed) > 0 {
			bump := s.rebind(fmt.Sprintf(`
				UPDATE managers SET claimed = claimed + $1, modified_on = %s WHERE name = $2
			`, s.now()))
			if _, err := tx.ExecContext(ctx, bump, len(claimed), managerName); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.ClaimLog(managerName, len(claimed), limit)
	return claimed, nil
}

// selectCandidatesTx 选出未领取且标签匹配的候选任务
func (s *Store) selectCandidatesTx(ctx context.Context, tx *sql.Tx, mgr *model.ComputeManager, limit int) ([]*model.Task, error) {
	tagCond := ""
	var args []interface{}
	if !mgr.ServesWildcard() {
		placeholders := make([]string, len(mgr.Tags))
		for i, tag := range mgr.Tags {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, tag)
		}
		tagCond = fmt.Sprintf("AND tag IN (%s)", strings.Join(placeholders, ", "))
	}

	query := s.rebind(fmt.Sprintf(`
		SELECT %s FROM tasks
		WHERE claimed_by IS NULL %s
		ORDER BY priority DESC, created_on ASC, id ASC
		LIMIT %d %s
	`, taskColumns, tagCond, limit, s.dialect.LockingClause()))

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// claimOneTx 原子领取单个任务并把记录推进到 running
func (s *Store) claimOneTx(ctx context.Context, tx *sql.Tx, task *model.Task, managerName string) (bool, error) {
	claim := s.rebind(fmt.Sprintf(`
		UPDATE tasks SET claimed_by = $1, claimed_at = %s
		WHERE id = $2 AND claimed_by IS NULL
	`, s.now()))
	res, err := tx.ExecContext(ctx, claim, managerName, task.ID)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		// 并发领取输掉竞争
		return false, nil
	}

	advance := s.rebind(fmt.Sprintf(`
		UPDATE records SET status = 'running', manager_name = $1, modified_on = %s
		WHERE id = $2 AND status = 'waiting'
	`, s.now()))
	res, err = tx.ExecContext(ctx, advance, managerName, task.RecordID)
	if err != nil {
		return false, err
	}
	n, _ = res.RowsAffected()
	if n == 0 {
		// 记录已不在 waiting（并发取消/删除），放弃领取
		unclaim := s.rebind(`UPDATE tasks SET claimed_by = NULL, claimed_at = NULL WHERE id = $1`)
		if _, err := tx.ExecContext(ctx, unclaim, task.ID); err != nil {
			return false, err
		}
		return false, nil
	}

	claimedAt := time.Now().UTC()
	task.ClaimedBy = &managerName
	task.ClaimedAt = &claimedAt
	return true, nil
}

// CountUnclaimedTasks 统计未领取的任务数（监控用）
func (s *Store) CountUnclaimedTasks(ctx context.Context) (int, error) {
	var n int
	query := s.rebind(`SELECT COUNT(*) FROM tasks WHERE claimed_by IS NULL`)
	err := s.db.QueryRowContext(ctx, query).Scan(&n)
	return n, err
}

// listTaskIDsSorted 稳定的任务 id 遍历顺序
func listTaskIDsSorted(results map[int64]*model.ResultPayload) []int64 {
	ids := make([]int64, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

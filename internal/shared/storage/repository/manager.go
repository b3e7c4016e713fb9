// Package repository ComputeManager 注册表相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage"
)

// managerColumns managers 表的标准列序
const managerColumns = `id, name, cluster_name, hostname, manager_version, username,
	programs, tags, claimed, successes, failures, rejected, active, created_on, modified_on`

// scanManager 从数据库行扫描 ComputeManager
func scanManager(sc scanner) (*model.ComputeManager, error) {
	mgr := &model.ComputeManager{}
	var version, username sql.NullString
	var programsJSON, tagsJSON []byte
	err := sc.Scan(
		&mgr.ID, &mgr.Name, &mgr.ClusterName, &mgr.Hostname, &version, &username,
		&programsJSON, &tagsJSON, &mgr.Claimed, &mgr.Successes, &mgr.Failures,
		&mgr.Rejected, &mgr.Active, &mgr.CreatedOn, &mgr.ModifiedOn)
	if err != nil {
		return nil, err
	}
	if version.Valid {
		mgr.ManagerVersion = version.String
	}
	if username.Valid {
		mgr.Username = username.String
	}
	if len(programsJSON) > 0 {
		if err := json.Unmarshal(programsJSON, &mgr.Programs); err != nil {
			return nil, fmt.Errorf("unmarshal programs: %w", err)
		}
	}
	if len(tagsJSON) > 0 {
		if err := json.Unmarshal(tagsJSON, &mgr.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return mgr, nil
}

// ActivateManager 注册并激活 Manager
//
// 同名 Manager 已处于激活状态时返回 ErrDuplicate。
// 程序名与标签统一转小写，保证匹配不区分大小写。
func (s *Store) ActivateManager(ctx context.Context, mgr *model.ComputeManager) (int64, error) {
	programs := make(map[string]*string, len(mgr.Programs))
	for name, version := range mgr.Programs {
		programs[strings.ToLower(name)] = version
	}
	mgr.Programs = programs
	for i, tag := range mgr.Tags {
		mgr.Tags[i] = strings.ToLower(tag)
	}
	if len(mgr.Tags) == 0 {
		mgr.Tags = []string{model.TagWildcard}
	}

	programsJSON, err := json.Marshal(mgr.Programs)
	if err != nil {
		return 0, fmt.Errorf("marshal programs: %w", err)
	}
	tagsJSON, err := json.Marshal(mgr.Tags)
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}

	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		var active bool
		query := s.rebind(`SELECT id, active FROM managers WHERE name = $1`)
		err := tx.QueryRowContext(ctx, query, mgr.Name).Scan(&id, &active)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if err == nil {
			if active {
				return fmt.Errorf("manager %s: %w", mgr.Name, storage.ErrDuplicate)
			}
			// 曾注册过的 Manager 重新激活，计数器保留
			update := s.rebind(fmt.Sprintf(`
				UPDATE managers SET active = $1, manager_version = $2, programs = $3, tags = $4, modified_on = %s
				WHERE id = $5
			`, s.now()))
			_, err := tx.ExecContext(ctx, update, true, mgr.ManagerVersion, programsJSON, tagsJSON, id)
			return err
		}

		insert := s.rebind(fmt.Sprintf(`
			INSERT INTO managers (name, cluster_name, hostname, manager_version, username,
				programs, tags, active, created_on, modified_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, %s, %s)
			RETURNING id
		`, s.now(), s.now()))
		return tx.QueryRowContext(ctx, insert,
			mgr.Name, mgr.ClusterName, mgr.Hostname, mgr.ManagerVersion, mgr.Username,
			programsJSON, tagsJSON, true).Scan(&id)
	})
	if err != nil {
		return 0, err
	}

	mgr.ID = id
	mgr.Active = true
	return id, nil
}

// DeactivateManagers 停用一批 Manager（幂等）
//
// 停用的同时把该 Manager 名下的 running 记录重置回 waiting，
// 对应任务清除领取信息，使工作可以被其他 Manager 接手。
// 返回实际从激活转为停用的 Manager 名单。
func (s *Store) DeactivateManagers(ctx context.Context, names []string) ([]string, error) {
	var deactivated []string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		for _, name := range names {
			update := s.rebind(fmt.Sprintf(`
				UPDATE managers SET active = $1, modified_on = %s WHERE name = $2 AND active = $3
			`, s.now()))
			res, err := tx.ExecContext(ctx, update, false, name, true)
			if err != nil {
				return err
			}
			n, _ := res.RowsAffected()
			if n == 0 {
				continue
			}

			resetRecords := s.rebind(fmt.Sprintf(`
				UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = %s
				WHERE manager_name = $1 AND status = 'running'
			`, s.now()))
			if _, err := tx.ExecContext(ctx, resetRecords, name); err != nil {
				return err
			}

			unclaim := s.rebind(`
				UPDATE tasks SET claimed_by = NULL, claimed_at = NULL WHERE claimed_by = $1
			`)
			if _, err := tx.ExecContext(ctx, unclaim, name); err != nil {
				return err
			}
			deactivated = append(deactivated, name)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return deactivated, nil
}

// GetManager 按全名获取 Manager
func (s *Store) GetManager(ctx context.Context, name string) (*model.ComputeManager, error) {
	query := s.rebind(`SELECT ` + managerColumns + ` FROM managers WHERE name = $1`)
	mgr, err := scanManager(s.db.QueryRowContext(ctx, query, name))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	return mgr, err
}

// ListManagers 列出 Manager，activeOnly 为 true 时仅返回激活的
func (s *Store) ListManagers(ctx context.Context, activeOnly bool) ([]*model.ComputeManager, error) {
	query := `SELECT ` + managerColumns + ` FROM managers`
	var args []interface{}
	if activeOnly {
		query += ` WHERE active = $1`
		args = append(args, true)
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var managers []*model.ComputeManager
	for rows.Next() {
		mgr, err := scanManager(rows)
		if err != nil {
			return nil, err
		}
		managers = append(managers, mgr)
	}
	return managers, rows.Err()
}

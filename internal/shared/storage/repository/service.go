// Package repository Service 编排状态相关的存储操作
//
// 服务父记录不进任务队列：IsService 记录由编排器驱动，
// waiting/running 状态下的「任务」是 services 表里的编排状态行。
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

// serviceColumns services 表的标准列序
const serviceColumns = `id, record_id, tag, priority, find_existing, iteration, service_state, created_on, modified_on`

// scanService 从数据库行扫描 Service
func scanService(sc scanner) (*model.Service, error) {
	svc := &model.Service{}
	var state []byte
	err := sc.Scan(
		&svc.ID, &svc.RecordID, &svc.Tag, &svc.Priority, &svc.FindExisting,
		&svc.Iteration, &state, &svc.CreatedOn, &svc.ModifiedOn)
	if err != nil {
		return nil, err
	}
	if len(state) > 0 {
		svc.ServiceState = json.RawMessage(state)
	}
	return svc, nil
}

// CreateServiceRecord 创建服务记录及其编排状态（原子操作）
//
// 服务记录不创建任务行：它由编排器迭代驱动，不被 Manager 领取。
func (s *Store) CreateServiceRecord(ctx context.Context, rec *model.Record, svc *model.Service) (int64, error) {
	rec.IsService = true
	if svc.Tag == "" {
		svc.Tag = model.TagWildcard
	}

	var id int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		recordID, err := s.insertRecordTx(ctx, tx, rec, nil)
		if err != nil {
			return err
		}

		query := s.rebind(fmt.Sprintf(`
			INSERT INTO services (record_id, tag, priority, find_existing, iteration, service_state, created_on, modified_on)
			VALUES ($1, $2, $3, $4, $5, $6, %s, %s)
			RETURNING id
		`, s.now(), s.now()))
		if err := tx.QueryRowContext(ctx, query,
			recordID, svc.Tag, svc.Priority, svc.FindExisting, svc.Iteration, []byte(svc.ServiceState)).Scan(&svc.ID); err != nil {
			return fmt.Errorf("insert service: %w", err)
		}

		svc.RecordID = recordID
		id = recordID
		return nil
	})
	if err != nil {
		return 0, err
	}

	rec.ID = id
	return id, nil
}

// GetServiceByRecord 按父记录 id 获取服务（含依赖）
func (s *Store) GetServiceByRecord(ctx context.Context, recordID int64) (*model.Service, error) {
	query := s.rebind(`SELECT ` + serviceColumns + ` FROM services WHERE record_id = $1`)
	svc, err := scanService(s.db.QueryRowContext(ctx, query, recordID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	deps, err := s.getDependencies(ctx, svc.ID)
	if err != nil {
		return nil, err
	}
	svc.Dependencies = deps
	return svc, nil
}

func (s *Store) getDependencies(ctx context.Context, serviceID int64) ([]*model.ServiceDependency, error) {
	query := s.rebind(`
		SELECT service_id, record_id, key FROM service_dependencies
		WHERE service_id = $1 ORDER BY record_id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, serviceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deps []*model.ServiceDependency
	for rows.Next() {
		d := &model.ServiceDependency{}
		if err := rows.Scan(&d.ServiceID, &d.RecordID, &d.Key); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// CommitServiceWave 原子提交一轮迭代
//
// 在同一事务内整体替换波次依赖、保存迭代状态、把仍在 waiting 的
// 父记录推进到 running。提交途中崩溃不会留下半套依赖或落后的迭代号。
func (s *Store) CommitServiceWave(ctx context.Context, serviceID, recordID int64, iteration int, state json.RawMessage, deps []*model.ServiceDependency) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		del := s.rebind(`DELETE FROM service_dependencies WHERE service_id = $1`)
		if _, err := tx.ExecContext(ctx, del, serviceID); err != nil {
			return err
		}
		insert := s.rebind(`
			INSERT INTO service_dependencies (service_id, record_id, key) VALUES ($1, $2, $3)
		`)
		for _, d := range deps {
			if _, err := tx.ExecContext(ctx, insert, serviceID, d.RecordID, d.Key); err != nil {
				return err
			}
		}

		update := s.rebind(fmt.Sprintf(`
			UPDATE services SET iteration = $1, service_state = $2, modified_on = %s WHERE id = $3
		`, s.now()))
		if _, err := tx.ExecContext(ctx, update, iteration, []byte(state), serviceID); err != nil {
			return err
		}

		advance := s.rebind(fmt.Sprintf(`
			UPDATE records SET status = 'running', modified_on = %s
			WHERE id = $1 AND status = 'waiting'
		`, s.now()))
		_, err := tx.ExecContext(ctx, advance, recordID)
		return err
	})
}

// ServicesDependingOn 找出依赖指定子记录的服务的父记录 id
//
// 子记录进入终态后用于决定要唤醒哪些服务。
func (s *Store) ServicesDependingOn(ctx context.Context, childRecordIDs []int64) ([]int64, error) {
	if len(childRecordIDs) == 0 {
		return nil, nil
	}

	query := s.rebind(fmt.Sprintf(`
		SELECT DISTINCT sv.record_id FROM service_dependencies sd
		JOIN services sv ON sv.id = sd.service_id
		WHERE sd.record_id IN (%s)
	`, dbutil.PlaceholderList(1, len(childRecordIDs))))

	rows, err := s.db.QueryContext(ctx, query, dbutil.Int64Args(childRecordIDs)...)
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

// ListActiveServiceRecords 列出仍在编排中的服务父记录 id
//
// 编排器的定期扫描用：waiting/running 的服务都可能有可推进的波次。
func (s *Store) ListActiveServiceRecords(ctx context.Context) ([]int64, error) {
	query := s.rebind(`
		SELECT id FROM records
		WHERE is_service = $1 AND status IN ('waiting', 'running')
		ORDER BY id ASC
	`)
	rows, err := s.db.QueryContext(ctx, query, true)
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

// FinalizeServiceRecord 服务收敛后落终态
//
// complete 时写入聚合产物；error 时追加带错误输出的历史。
// 两条路径都清空依赖，使该服务不再被唤醒。
// services 行本身保留（迭代数和最终状态供事后审计），
// 活跃性完全由 ListActiveServiceRecords 按父记录状态过滤判定。
func (s *Store) FinalizeServiceRecord(ctx context.Context, recordID int64, status model.RecordStatus, properties json.RawMessage, errInfo *model.ErrorInfo) error {
	if status != model.RecordStatusComplete && status != model.RecordStatusError {
		return fmt.Errorf("service final status must be complete or error, got %s", status)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		outputs := map[model.OutputType]*model.OutputStore{}
		if errInfo != nil {
			errJSON, err := json.Marshal(errInfo)
			if err != nil {
				return err
			}
			outputs[model.OutputTypeError] = &model.OutputStore{
				OutputType: model.OutputTypeError, Data: errJSON,
			}
		}
		if _, err := s.appendHistoryTx(ctx, tx, recordID, status, nil, outputs); err != nil {
			return err
		}

		update := s.rebind(fmt.Sprintf(`
			UPDATE records SET status = $1, properties = $2, modified_on = %s WHERE id = $3
		`, s.now()))
		var props []byte
		if len(properties) > 0 {
			props = properties
		}
		if _, err := tx.ExecContext(ctx, update, status, props, recordID); err != nil {
			return err
		}

		clearDeps := s.rebind(`
			DELETE FROM service_dependencies
			WHERE service_id IN (SELECT id FROM services WHERE record_id = $1)
		`)
		_, err := tx.ExecContext(ctx, clearDeps, recordID)
		return err
	})
}

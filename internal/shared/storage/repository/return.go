// Package repository 结果回传协议
//
// update_finished 的语义：调用级校验 Manager 身份，
// 逐任务应用软拒绝规则；拒绝不拖垮整个调用，
// 被拒任务记入应答并累加 Manager 的 rejected 计数。
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qcfleet/internal/shared/eventbus"
	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage"
)

// ReturnMeta 回传调用的应答元信息
type ReturnMeta struct {
	Accepted        int              `json:"accepted"`
	Rejected        int              `json:"rejected"`
	RejectedReasons map[int64]string `json:"rejected_reasons,omitempty"`

	// AcceptedRecords 进入终态（complete/error）的记录 id，
	// 供编排器判断是否需要唤醒所属服务
	AcceptedRecords []int64 `json:"-"`
}

// returnOutcome 单任务回传的处理结果
type returnOutcome int

const (
	outcomeRejected returnOutcome = iota
	outcomeSuccess
	outcomeFailure  // 失败且预算耗尽，记录落到 error
	outcomeRequeued // 失败但预算未耗尽，重新排队
)

// UpdateFinished 接收 Manager 回传的一批任务结果
//
// 逐任务按序应用拒绝规则：
//  1. 任务行已不存在 → 拒绝（重复回传/已取消/已删除）
//  2. 任务被其他 Manager 领取 → 拒绝
//  3. 记录不处于 running → 拒绝（并发重置）
//
// 通过校验的结果按成功/失败分流：成功推进到 complete；
// 失败消耗规格的纠错重试预算，预算耗尽才落到 error。
func (s *Store) UpdateFinished(ctx context.Context, managerName string, results map[int64]*model.ResultPayload) (*ReturnMeta, error) {
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

	meta := &ReturnMeta{RejectedReasons: map[int64]string{}}
	rejectedRecords := map[int64]int64{}
	var successes, failures int
	var finished []*eventbus.RecordEvent

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		finished = finished[:0]
		for _, taskID := range listTaskIDsSorted(results) {
			outcome, reason, recordID, err := s.applyResultTx(ctx, tx, managerName, taskID, results[taskID])
			if err != nil {
				return err
			}

			switch outcome {
			case outcomeRejected:
				meta.Rejected++
				meta.RejectedReasons[taskID] = reason
				rejectedRecords[taskID] = recordID
			case outcomeSuccess:
				meta.Accepted++
				successes++
				meta.AcceptedRecords = append(meta.AcceptedRecords, recordID)
				finished = append(finished, &eventbus.RecordEvent{
					RecordID: recordID, Type: eventbus.EventRecordComplete, Timestamp: time.Now(),
				})
			case outcomeFailure:
				meta.Accepted++
				failures++
				meta.AcceptedRecords = append(meta.AcceptedRecords, recordID)
				finished = append(finished, &eventbus.RecordEvent{
					RecordID: recordID, Type: eventbus.EventRecordError, Timestamp: time.Now(),
				})
			case outcomeRequeued:
				meta.Accepted++
				failures++
			}
		}

		bump := s.rebind(fmt.Sprintf(`
			UPDATE managers SET successes = successes + $1, failures = failures + $2,
				rejected = rejected + $3, modified_on = %s
			WHERE name = $4
		`, s.now()))
		_, err := tx.ExecContext(ctx, bump, successes, failures, meta.Rejected, managerName)
		return err
	})
	if err != nil {
		return nil, err
	}

	// 事务提交后才发布，避免编排器看到未提交的状态
	if s.events != nil {
		for _, ev := range finished {
			if perr := s.events.PublishRecordEvent(ctx, ev); perr != nil {
				s.logger.WithRecordID(ev.RecordID).Warn("publish record event failed", "error", perr)
			}
		}
	}

	for taskID, reason := range meta.RejectedReasons {
		s.logger.RejectLog(managerName, taskID, rejectedRecords[taskID], reason)
	}
	s.logger.ReturnLog(managerName, meta.Accepted, meta.Rejected)
	return meta, nil
}

// applyResultTx 处理单个任务的回传结果
func (s *Store) applyResultTx(ctx context.Context, tx *sql.Tx, managerName string, taskID int64, result *model.ResultPayload) (returnOutcome, string, int64, error) {
	query := s.rebind(`SELECT record_id, claimed_by FROM tasks WHERE id = $1`)
	var recordID int64
	var claimedBy sql.NullString
	err := tx.QueryRowContext(ctx, query, taskID).Scan(&recordID, &claimedBy)
	if errors.Is(err, sql.ErrNoRows) {
		return outcomeRejected, storage.RejectTaskMissing, 0, nil
	}
	if err != nil {
		return 0, "", 0, err
	}

	// claimed_by 为 NULL（并发重置）不算他人领取，落到下方的状态校验
	if claimedBy.Valid && claimedBy.String != managerName {
		return outcomeRejected, storage.RejectWrongManager, recordID, nil
	}

	var status model.RecordStatus
	var specID int64
	recQuery := s.rebind(`SELECT status, specification_id FROM records WHERE id = $1`)
	if err := tx.QueryRowContext(ctx, recQuery, recordID).Scan(&status, &specID); err != nil {
		return 0, "", 0, err
	}
	if status != model.RecordStatusRunning {
		return outcomeRejected, storage.RejectNotRunning, recordID, nil
	}

	if result == nil || (!result.Success && result.Error == nil) {
		// 畸形负载按失败结果处理，保留现场
		result = &model.ResultPayload{
			Success: false,
			Error:   &model.ErrorInfo{ErrorType: "internal_error", ErrorMessage: "malformed result payload"},
		}
	}

	if result.Success {
		if err := s.acceptSuccessTx(ctx, tx, recordID, specID, managerName, result); err != nil {
			return 0, "", 0, err
		}
		return outcomeSuccess, "", recordID, nil
	}

	requeued, err := s.acceptFailureTx(ctx, tx, recordID, specID, managerName, result)
	if err != nil {
		return 0, "", 0, err
	}
	if requeued {
		return outcomeRequeued, "", recordID, nil
	}
	return outcomeFailure, "", recordID, nil
}

// acceptSuccessTx 成功结果入库：历史 + 输出 + 删任务 + complete
func (s *Store) acceptSuccessTx(ctx context.Context, tx *sql.Tx, recordID, specID int64, managerName string, result *model.ResultPayload) error {
	keepStdout := true
	if spec, err := s.getSpecificationTx(ctx, tx, specID); err == nil && spec.Protocols != nil {
		keepStdout = spec.Protocols.KeepStdout()
	}

	outputs := map[model.OutputType]*model.OutputStore{}
	if keepStdout && result.Stdout != "" {
		outputs[model.OutputTypeStdout] = &model.OutputStore{
			OutputType: model.OutputTypeStdout, Data: []byte(result.Stdout),
		}
	}
	if result.Stderr != "" {
		outputs[model.OutputTypeStderr] = &model.OutputStore{
			OutputType: model.OutputTypeStderr, Data: []byte(result.Stderr),
		}
	}

	if _, err := s.appendHistoryTx(ctx, tx, recordID, model.RecordStatusComplete, &managerName, outputs); err != nil {
		return err
	}

	delTask := s.rebind(`DELETE FROM tasks WHERE record_id = $1`)
	if _, err := tx.ExecContext(ctx, delTask, recordID); err != nil {
		return err
	}

	update := s.rebind(fmt.Sprintf(`
		UPDATE records SET status = 'complete', manager_name = NULL, properties = $1, modified_on = %s
		WHERE id = $2
	`, s.now()))
	var props []byte
	if len(result.Properties) > 0 {
		props = result.Properties
	}
	_, err := tx.ExecContext(ctx, update, props, recordID)
	return err
}

// acceptFailureTx 失败结果入库
//
// 先查纠错策略：该错误类型允许重试且历史失败次数未超预算时，
// 重新排队（waiting + 清领取）；否则落到 error 并删任务。
// 两条路径都追加带 error 输出的失败历史。
func (s *Store) acceptFailureTx(ctx context.Context, tx *sql.Tx, recordID, specID int64, managerName string, result *model.ResultPayload) (requeued bool, err error) {
	outputs := map[model.OutputType]*model.OutputStore{}
	if result.Stdout != "" {
		outputs[model.OutputTypeStdout] = &model.OutputStore{
			OutputType: model.OutputTypeStdout, Data: []byte(result.Stdout),
		}
	}
	if result.Stderr != "" {
		outputs[model.OutputTypeStderr] = &model.OutputStore{
			OutputType: model.OutputTypeStderr, Data: []byte(result.Stderr),
		}
	}
	if result.Error != nil {
		errJSON, merr := json.Marshal(result.Error)
		if merr != nil {
			return false, merr
		}
		outputs[model.OutputTypeError] = &model.OutputStore{
			OutputType: model.OutputTypeError, Data: errJSON,
		}
	}

	if _, err := s.appendHistoryTx(ctx, tx, recordID, model.RecordStatusError, &managerName, outputs); err != nil {
		return false, err
	}

	if s.retryAllowedTx(ctx, tx, recordID, specID, result.Error) {
		unclaim := s.rebind(`UPDATE tasks SET claimed_by = NULL, claimed_at = NULL WHERE record_id = $1`)
		if _, err := tx.ExecContext(ctx, unclaim, recordID); err != nil {
			return false, err
		}
		update := s.rebind(fmt.Sprintf(`
			UPDATE records SET status = 'waiting', manager_name = NULL, modified_on = %s WHERE id = $1
		`, s.now()))
		if _, err := tx.ExecContext(ctx, update, recordID); err != nil {
			return false, err
		}
		return true, nil
	}

	delTask := s.rebind(`DELETE FROM tasks WHERE record_id = $1`)
	if _, err := tx.ExecContext(ctx, delTask, recordID); err != nil {
		return false, err
	}
	update := s.rebind(fmt.Sprintf(`
		UPDATE records SET status = 'error', manager_name = NULL, modified_on = %s WHERE id = $1
	`, s.now()))
	if _, err := tx.ExecContext(ctx, update, recordID); err != nil {
		return false, err
	}
	return false, nil
}

// retryAllowedTx 判断失败是否允许重新排队
//
// 本次失败之前的历史失败次数必须小于重试预算，
// 且规格的纠错策略对该错误类型放行。
func (s *Store) retryAllowedTx(ctx context.Context, tx *sql.Tx, recordID, specID int64, errInfo *model.ErrorInfo) bool {
	spec, err := s.getSpecificationTx(ctx, tx, specID)
	if err != nil {
		return false
	}

	var ec *model.ErrorCorrectionPolicy
	if spec.Protocols != nil {
		ec = spec.Protocols.ErrorCorrection
	}

	errorType := "unknown_error"
	if errInfo != nil {
		errorType = errInfo.ErrorType
	}
	if !ec.AllowsRetry(errorType) {
		return false
	}

	// 当前失败历史已写入，计数需要扣掉本次
	var attempts int
	query := s.rebind(`SELECT COUNT(*) FROM compute_history WHERE record_id = $1 AND status = 'error'`)
	if err := tx.QueryRowContext(ctx, query, recordID).Scan(&attempts); err != nil {
		return false
	}
	return attempts-1 < ec.RetryBudget()
}

// getSpecificationTx 事务内读取规格（仅协议字段参与决策）
func (s *Store) getSpecificationTx(ctx context.Context, tx *sql.Tx, id int64) (*model.Specification, error) {
	query := s.rebind(`SELECT id, program, method, protocols FROM specifications WHERE id = $1`)
	spec := &model.Specification{}
	var protocolsJSON []byte
	if err := tx.QueryRowContext(ctx, query, id).Scan(&spec.ID, &spec.Program, &spec.Method, &protocolsJSON); err != nil {
		return nil, err
	}
	if len(protocolsJSON) > 0 {
		spec.Protocols = &model.Protocols{}
		if err := json.Unmarshal(protocolsJSON, spec.Protocols); err != nil {
			return nil, err
		}
	}
	return spec, nil
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"qcfleet/internal/config"
	"qcfleet/internal/observability"
	"qcfleet/internal/shared/eventbus"
	"qcfleet/internal/shared/model"
	"qcfleet/internal/shared/storage/repository"
	"qcfleet/pkg/logging"
)

// Orchestrator 服务编排器
//
// 驱动服务记录的波次推进：
//   - 主路径：消费 eventbus 的记录完成事件，唤醒受影响的服务
//   - 保底路径：周期性扫描全部活跃服务（处理事件丢失/重启遗漏）
//
// 同一个服务的两次唤醒绝不并发：全部迭代都在单一工作循环中顺序执行。
type Orchestrator struct {
	store    *repository.Store
	bus      eventbus.RecordEventBus // 可为 nil，此时只有保底轮询
	registry *StrategyRegistry
	metrics  *observability.Metrics // 可为 nil
	logger   *logging.Logger
	cfg      config.OrchestratorConfig

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewOrchestrator 创建服务编排器
func NewOrchestrator(store *repository.Store, bus eventbus.RecordEventBus, cfg config.OrchestratorConfig) *Orchestrator {
	cfg.Validate()
	return &Orchestrator{
		store:    store,
		bus:      bus,
		registry: NewStrategyRegistry(),
		logger:   logging.Default("orchestrator"),
		cfg:      cfg,
		stopCh:   make(chan struct{}),
	}
}

// SetMetrics 挂接指标收集
func (o *Orchestrator) SetMetrics(m *observability.Metrics) {
	o.metrics = m
}

// Start 启动编排器，阻塞直到 ctx 取消或 Stop
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.logger.Info("orchestrator started",
		"sweep_interval", o.cfg.SweepInterval,
		"event_driven", o.bus != nil)

	// 唤醒队列：事件消费与保底扫描都往里投，工作循环单线程消化，
	// 保证同一服务的迭代天然串行。
	wake := make(chan int64, 256)

	var wg sync.WaitGroup

	if o.bus != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.consumeEvents(ctx, wake)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.sweepLoop(ctx, wake)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		o.workLoop(ctx, wake)
	}()

	wg.Wait()
	o.logger.Info("orchestrator stopped")
}

// Stop 停止编排器
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		close(o.stopCh)
		o.running = false
	}
}

// consumeEvents 消费记录完成事件，唤醒依赖该记录的服务
func (o *Orchestrator) consumeEvents(ctx context.Context, wake chan<- int64) {
	events, err := o.bus.SubscribeRecordEvents(ctx)
	if err != nil {
		o.logger.Error("subscribe record events failed", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			parents, err := o.store.ServicesDependingOn(ctx, []int64{ev.RecordID})
			if err != nil {
				o.logger.Error("resolve dependent services failed",
					"record_id", ev.RecordID, "error", err)
				continue
			}
			for _, parent := range parents {
				select {
				case wake <- parent:
				default:
					// 队列满时丢弃，保底扫描会兜住
				}
			}
		}
	}
}

// sweepLoop 保底扫描循环
func (o *Orchestrator) sweepLoop(ctx context.Context, wake chan<- int64) {
	// 启动时立即执行一次
	o.sweep(ctx, wake)

	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.sweep(ctx, wake)
		}
	}
}

// sweep 扫描全部活跃服务并投入唤醒队列
func (o *Orchestrator) sweep(ctx context.Context, wake chan<- int64) {
	ids, err := o.store.ListActiveServiceRecords(ctx)
	if err != nil {
		o.logger.Error("list active services failed", "error", err)
		return
	}
	if o.metrics != nil {
		o.metrics.SetServicesActive(len(ids))
	}
	for _, id := range ids {
		select {
		case wake <- id:
		default:
			return
		}
	}
}

// workLoop 顺序消化唤醒队列
func (o *Orchestrator) workLoop(ctx context.Context, wake <-chan int64) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-o.stopCh:
			return
		case recordID := <-wake:
			if err := o.IterateService(ctx, recordID); err != nil {
				o.logger.WithRecordID(recordID).Error("service iteration failed", "error", err)
			}
		}
	}
}

// IterateServices 推进全部活跃服务一轮（同步，供测试和命令行触发）
func (o *Orchestrator) IterateServices(ctx context.Context) error {
	ids, err := o.store.ListActiveServiceRecords(ctx)
	if err != nil {
		return err
	}
	for _, id := range ids {
		if err := o.IterateService(ctx, id); err != nil {
			o.logger.WithRecordID(id).Error("service iteration failed", "error", err)
		}
	}
	return nil
}

// IterateService 推进一个服务：检查波次 → 折叠 → 收敛判定 → 提交下一波
func (o *Orchestrator) IterateService(ctx context.Context, recordID int64) error {
	rec, err := o.store.GetRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load service record: %w", err)
	}
	if !rec.IsService || rec.Status.IsTerminal() {
		return nil
	}

	svc, err := o.store.GetServiceByRecord(ctx, recordID)
	if err != nil {
		return fmt.Errorf("load service state: %w", err)
	}

	strategy, err := o.registry.Get(rec.RecordType)
	if err != nil {
		return o.finalizeError(ctx, rec, svc, err)
	}

	// 1. 当前波次是否全部终态
	outcomes, outstanding, failed, err := o.collectWave(ctx, svc)
	if err != nil {
		return err
	}
	if outstanding > 0 {
		return nil // 继续挂起
	}
	if failed != nil {
		// 必要子记录不可恢复地失败，服务整体转 error
		return o.finalizeError(ctx, rec, svc, fmt.Errorf(
			"child record %d finished as %s", failed.RecordID, failed.Status))
	}

	// 2. 折叠波次结果
	state := svc.ServiceState
	if len(outcomes) > 0 {
		state, err = strategy.FoldResults(state, outcomes)
		if err != nil {
			return o.finalizeError(ctx, rec, svc, fmt.Errorf("fold results: %w", err))
		}
	}

	// 3. 收敛判定
	done, properties, err := strategy.Converged(state)
	if err != nil {
		return o.finalizeError(ctx, rec, svc, err)
	}
	if done {
		if err := o.store.FinalizeServiceRecord(ctx, recordID, model.RecordStatusComplete, properties, nil); err != nil {
			return fmt.Errorf("finalize service: %w", err)
		}
		o.logger.ServiceLog("complete", svc.ID, recordID, "iterations", svc.Iteration)
		return nil
	}

	// 4. 计算并提交下一波
	wave, err := strategy.NextWave(state, svc.Iteration)
	if err != nil {
		return o.finalizeError(ctx, rec, svc, fmt.Errorf("next wave: %w", err))
	}
	if len(wave) == 0 {
		// 未收敛却无事可做：策略状态矛盾
		return o.finalizeError(ctx, rec, svc, fmt.Errorf(
			"strategy produced no work at iteration %d without converging", svc.Iteration))
	}

	deps, err := o.submitWave(ctx, rec, svc, wave)
	if err != nil {
		return fmt.Errorf("submit wave: %w", err)
	}

	if err := o.store.CommitServiceWave(ctx, svc.ID, recordID, svc.Iteration+1, state, deps); err != nil {
		return fmt.Errorf("commit service wave: %w", err)
	}

	if o.metrics != nil {
		o.metrics.RecordServiceIteration(string(rec.RecordType))
	}
	o.logger.ServiceLog("wave_submitted", svc.ID, recordID,
		"iteration", svc.Iteration+1, "children", len(deps))
	return nil
}

// collectWave 收集当前波次子记录的状态
//
// 返回：终态成功结果、未完成数、首个失败子记录（error/deleted）。
// cancelled 的子记录视为失败：服务不会替换被人为取消的子记录。
func (o *Orchestrator) collectWave(ctx context.Context, svc *model.Service) ([]*ChildOutcome, int, *ChildOutcome, error) {
	if len(svc.Dependencies) == 0 {
		return nil, 0, nil, nil
	}

	ids := make([]int64, 0, len(svc.Dependencies))
	keyByRecord := make(map[int64]string, len(svc.Dependencies))
	for _, dep := range svc.Dependencies {
		ids = append(ids, dep.RecordID)
		keyByRecord[dep.RecordID] = dep.Key
	}

	records, err := o.store.GetRecords(ctx, ids, true)
	if err != nil {
		return nil, 0, nil, fmt.Errorf("load wave children: %w", err)
	}

	var outcomes []*ChildOutcome
	outstanding := 0
	var failed *ChildOutcome
	for i, child := range records {
		if child == nil {
			// 子记录被硬删除：按失败处理，服务走正常的整体转 error 路径
			if failed == nil {
				failed = &ChildOutcome{
					RecordID: ids[i],
					Key:      keyByRecord[ids[i]],
					Status:   model.RecordStatusDeleted,
				}
			}
			continue
		}
		out := &ChildOutcome{
			RecordID:   child.ID,
			Key:        keyByRecord[child.ID],
			Status:     child.Status,
			Properties: child.Properties,
		}
		switch {
		case !child.Status.IsTerminal():
			outstanding++
		case child.Status == model.RecordStatusComplete:
			outcomes = append(outcomes, out)
		default:
			if failed == nil {
				failed = out
			}
		}
	}
	return outcomes, outstanding, failed, nil
}

// submitWave 创建下一波子记录（带 find_existing 去重）并挂接父子关系
func (o *Orchestrator) submitWave(ctx context.Context, parent *model.Record, svc *model.Service, wave []*ChildSpec) ([]*model.ServiceDependency, error) {
	deps := make([]*model.ServiceDependency, 0, len(wave))
	children := make([]*model.RecordChild, 0, len(wave))

	for _, spec := range wave {
		rec := &model.Record{
			RecordType:      spec.RecordType,
			SpecificationID: spec.SpecificationID,
			MoleculeID:      spec.MoleculeID,
			OwnerUser:       parent.OwnerUser,
		}
		task := &model.Task{
			Tag:              svc.Tag,
			Priority:         svc.Priority,
			RequiredPrograms: spec.RequiredPrograms,
		}
		childID, existing, err := o.store.CreateRecord(ctx, rec, task, svc.FindExisting)
		if err != nil {
			return nil, fmt.Errorf("create child (key %s): %w", spec.Key, err)
		}
		if existing {
			o.logger.ServiceLog("child_deduplicated", svc.ID, parent.ID,
				"child_id", childID, "key", spec.Key)
		}

		deps = append(deps, &model.ServiceDependency{
			ServiceID: svc.ID,
			RecordID:  childID,
			Key:       spec.Key,
		})
		children = append(children, &model.RecordChild{
			ParentID:    parent.ID,
			ChildID:     childID,
			Relation:    spec.Relation,
			Position:    spec.Position,
			Key:         spec.Key,
			Coefficient: spec.Coefficient,
		})
	}

	if err := o.store.AddChildren(ctx, children); err != nil {
		return nil, fmt.Errorf("add children: %w", err)
	}
	return deps, nil
}

// finalizeError 服务不可恢复地失败，父记录转 error 并留痕
func (o *Orchestrator) finalizeError(ctx context.Context, rec *model.Record, svc *model.Service, cause error) error {
	errInfo := &model.ErrorInfo{
		ErrorType:    "service_iteration_error",
		ErrorMessage: cause.Error(),
	}
	if err := o.store.FinalizeServiceRecord(ctx, rec.ID, model.RecordStatusError, nil, errInfo); err != nil {
		return fmt.Errorf("finalize service error: %w", err)
	}
	o.logger.ServiceLog("error", svc.ID, rec.ID, "cause", cause.Error())
	return nil
}

// CancelService 取消服务：父记录与当前波次未完成的子记录一并取消
func (o *Orchestrator) CancelService(ctx context.Context, recordID int64) error {
	svc, err := o.store.GetServiceByRecord(ctx, recordID)
	if err != nil {
		return err
	}

	ids := []int64{recordID}
	for _, dep := range svc.Dependencies {
		ids = append(ids, dep.RecordID)
	}
	cancelled, err := o.store.CancelRecords(ctx, ids)
	if err != nil {
		return err
	}
	o.logger.ServiceLog("cancelled", svc.ID, recordID, "records", len(cancelled))
	return nil
}

// Submit 创建一个服务记录并立即投入编排
func (o *Orchestrator) Submit(ctx context.Context, rec *model.Record, svc *model.Service, state interface{}) (int64, error) {
	raw, err := json.Marshal(state)
	if err != nil {
		return 0, fmt.Errorf("marshal service state: %w", err)
	}
	svc.ServiceState = raw

	recordID, err := o.store.CreateServiceRecord(ctx, rec, svc)
	if err != nil {
		return 0, err
	}

	if o.bus != nil {
		_ = o.bus.PublishRecordEvent(ctx, &eventbus.RecordEvent{
			RecordID:  recordID,
			Type:      eventbus.EventServiceCreated,
			Timestamp: time.Now(),
		})
	}

	// 初始唤醒
	if err := o.IterateService(ctx, recordID); err != nil {
		return recordID, err
	}
	return recordID, nil
}

package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// RecoveryWorkflowUsecase drives per-service recovery workflows through
// their ordered step sequence. The engine is tick-based: it holds no
// internal timers and advances at most one step attempt per Tick call,
// invoked by the cron sweep or directly by tests.
//
// The one-active-workflow-per-service rule is enforced twice: a per-service
// mutex serializes starts within the process, and the store's unique
// (service, active) index settles races across processes.
type RecoveryWorkflowUsecase struct {
	repo       RecoveryWorkflowRepo
	gauge      RecoveryGauge
	breaker    *CircuitBreakerUsecase
	probes     *ProbeRegistry
	classifier *ErrorClassifierUsecase
	notifier   NotificationService
	services   map[string]*conf.Service
	rcfg       conf.Recovery
	logger     *log.Helper

	startMu  sync.Mutex
	starting map[string]*sync.Mutex

	waitMu  sync.Mutex
	waiters map[string][]chan model.WorkflowOutcome

	steps []stepDefinition
	now   func() time.Time
}

// NewRecoveryWorkflowUsecase creates a new recovery workflow use case.
func NewRecoveryWorkflowUsecase(rc *conf.Recovery, services []*conf.Service, repo RecoveryWorkflowRepo, gauge RecoveryGauge, breaker *CircuitBreakerUsecase, probes *ProbeRegistry, classifier *ErrorClassifierUsecase, notifier NotificationService, logger log.Logger) *RecoveryWorkflowUsecase {
	uc := &RecoveryWorkflowUsecase{
		repo:       repo,
		gauge:      gauge,
		breaker:    breaker,
		probes:     probes,
		classifier: classifier,
		notifier:   notifier,
		services:   serviceMap(services),
		rcfg:       recoveryConfig(rc),
		logger:     log.NewHelper(logger),
		starting:   make(map[string]*sync.Mutex),
		waiters:    make(map[string][]chan model.WorkflowOutcome),
		now:        time.Now,
	}
	uc.steps = uc.stepDefinitions()
	return uc
}

// recoveryConfig fills zero values so a partially populated config still
// yields working engine tunables.
func recoveryConfig(c *conf.Recovery) conf.Recovery {
	out := conf.Recovery{}
	if c != nil {
		out = *c
	}
	if out.MaxConcurrentRecoveries <= 0 {
		out.MaxConcurrentRecoveries = 2
	}
	if out.ServiceDelay <= 0 {
		out.ServiceDelay = 30 * time.Second
	}
	if out.RecoveryTimeout <= 0 {
		out.RecoveryTimeout = 10 * time.Minute
	}
	if out.CheckWindowSize <= 0 {
		out.CheckWindowSize = 5
	}
	if out.MonitorPollInterval <= 0 {
		out.MonitorPollInterval = 2 * time.Second
	}
	if out.RetentionDays <= 0 {
		out.RetentionDays = 7
	}
	return out
}

// serviceMap indexes the configured services by name.
func serviceMap(services []*conf.Service) map[string]*conf.Service {
	out := make(map[string]*conf.Service, len(services))
	for _, svc := range services {
		if svc == nil || svc.Name == "" {
			continue
		}
		out[svc.Name] = svc
	}
	return out
}

// serviceLock returns the per-service start mutex, creating it on first use.
func (uc *RecoveryWorkflowUsecase) serviceLock(service string) *sync.Mutex {
	uc.startMu.Lock()
	defer uc.startMu.Unlock()
	lock, ok := uc.starting[service]
	if !ok {
		lock = &sync.Mutex{}
		uc.starting[service] = lock
	}
	return lock
}

// StartRecovery begins a recovery workflow for a service. When the service
// already has an active workflow it is returned with created=false instead
// of starting a second one. The global concurrency cap rejects new starts,
// never adoptions.
func (uc *RecoveryWorkflowUsecase) StartRecovery(ctx context.Context, service, reason string) (*model.Workflow, bool, error) {
	if _, ok := uc.services[service]; !ok {
		return nil, false, errors.New(404, "SERVICE_NOT_FOUND", fmt.Sprintf("service %s is not configured", service))
	}

	lock := uc.serviceLock(service)
	lock.Lock()
	defer lock.Unlock()

	existing, err := uc.repo.GetActiveWorkflow(ctx, service)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		uc.logger.Infow("recovery already active",
			"service", service,
			"workflow_id", existing.ID,
			"phase", existing.Phase)
		return existing, false, nil
	}

	active, err := uc.repo.ListActiveWorkflows(ctx)
	if err != nil {
		return nil, false, err
	}
	if len(active) >= uc.rcfg.MaxConcurrentRecoveries {
		return nil, false, errors.New(429, "MAX_CONCURRENT_RECOVERIES",
			fmt.Sprintf("max concurrent recoveries reached (%d active, limit %d)", len(active), uc.rcfg.MaxConcurrentRecoveries))
	}

	now := uc.now()
	wf := &model.Workflow{
		ID:                  uuid.NewString(),
		Service:             service,
		Phase:               model.PhaseDetection,
		StartedAt:           now,
		LastUpdate:          now,
		Steps:               uc.newSteps(),
		AutoRecoveryEnabled: true,
	}
	created, wasCreated, err := uc.repo.CreateWorkflow(ctx, wf)
	if err != nil {
		return nil, false, err
	}
	if !wasCreated {
		// Lost the cross-process race, adopt the winner.
		return created, false, nil
	}

	if _, err := uc.gauge.IncrActiveRecoveries(ctx); err != nil {
		uc.logger.Warnf("failed to increment active recovery gauge: %v", err)
	}
	uc.logger.Infow("recovery workflow started",
		"service", service,
		"workflow_id", created.ID,
		"reason", reason)
	return created, true, nil
}

// Tick advances a workflow by at most one step attempt. Terminal workflows
// pass through unchanged. A workflow that has outlived the recovery
// timeout is failed instead of advanced.
func (uc *RecoveryWorkflowUsecase) Tick(ctx context.Context, wf *model.Workflow) (*model.Workflow, error) {
	if wf.Phase.Terminal() {
		return wf, nil
	}
	now := uc.now()

	if age := now.Sub(wf.StartedAt); age > uc.rcfg.RecoveryTimeout {
		uc.failWorkflow(ctx, wf, fmt.Sprintf("recovery timed out after %s", age.Round(time.Second)))
		return wf, nil
	}

	step := wf.CurrentStep()
	if step == nil {
		uc.completeWorkflow(ctx, wf)
		return wf, nil
	}

	def, ok := uc.stepByName(step.Name)
	if !ok {
		uc.failWorkflow(ctx, wf, fmt.Sprintf("unknown recovery step %q", step.Name))
		return wf, nil
	}

	wf.Phase = def.phase
	if step.Status == model.StepPending {
		step.Status = model.StepInProgress
		if step.StartedAt == nil {
			started := now
			step.StartedAt = &started
		}
	}

	done, runErr := def.run(ctx, wf, step)
	switch {
	case runErr != nil:
		uc.stepFailed(ctx, wf, step, def, runErr)
	case done:
		uc.stepCompleted(ctx, wf, step)
	default:
		// Step is still progressing (ramp stages), stays in_progress.
	}

	if wf.Phase.Terminal() {
		// Finalization already persisted the workflow.
		return wf, nil
	}

	wf.LastUpdate = uc.now()
	if err := uc.repo.UpdateWorkflow(ctx, wf); err != nil {
		uc.logger.Errorw("failed to persist workflow tick",
			"workflow_id", wf.ID,
			"service", wf.Service,
			"error", err)
		return wf, err
	}
	return wf, nil
}

// TickActive advances every active workflow once. Called from cron.
func (uc *RecoveryWorkflowUsecase) TickActive(ctx context.Context) {
	active, err := uc.repo.ListActiveWorkflows(ctx)
	if err != nil {
		uc.logger.Errorw("failed to list active workflows", "error", err)
		return
	}
	for _, wf := range active {
		if _, err := uc.Tick(ctx, wf); err != nil {
			uc.logger.Warnf("tick failed for workflow %s (%s): %v", wf.ID, wf.Service, err)
		}
	}
}

// MarkRecovered short-circuits an active workflow to monitoring because
// consecutive health checks confirmed the service recovered on its own.
// Remaining steps are skipped, not completed.
func (uc *RecoveryWorkflowUsecase) MarkRecovered(ctx context.Context, wf *model.Workflow, reason string) error {
	if wf.Phase.Terminal() {
		return nil
	}
	for i := range wf.Steps {
		switch wf.Steps[i].Status {
		case model.StepPending, model.StepInProgress:
			wf.Steps[i].Status = model.StepSkipped
		}
	}
	wf.CurrentStepIndex = len(wf.Steps)
	uc.logger.Infow("recovery confirmed by health checks, skipping remaining steps",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"reason", reason)
	uc.completeWorkflow(ctx, wf)
	return nil
}

// WaitForOutcome blocks until the workflow reaches a terminal phase. The
// completion channel is the fast path; a store poll runs underneath it so
// a waiter still returns when the terminal tick happened on another
// instance. A zero timeout uses the configured recovery timeout.
func (uc *RecoveryWorkflowUsecase) WaitForOutcome(ctx context.Context, workflowID string, timeout time.Duration) (model.WorkflowOutcome, error) {
	ch := make(chan model.WorkflowOutcome, 1)
	uc.addWaiter(workflowID, ch)
	defer uc.removeWaiter(workflowID, ch)

	// The workflow may already be terminal.
	if wf, err := uc.repo.GetWorkflow(ctx, workflowID); err == nil && wf.Phase.Terminal() {
		return uc.outcomeOf(wf), nil
	}

	if timeout <= 0 {
		timeout = uc.rcfg.RecoveryTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	ticker := time.NewTicker(uc.rcfg.MonitorPollInterval)
	defer ticker.Stop()

	for {
		select {
		case out := <-ch:
			return out, nil
		case <-ctx.Done():
			return model.WorkflowOutcome{WorkflowID: workflowID}, ctx.Err()
		case <-timer.C:
			return model.WorkflowOutcome{WorkflowID: workflowID}, errors.New(504, "RECOVERY_TIMEOUT",
				fmt.Sprintf("workflow %s did not reach a terminal phase within %s", workflowID, timeout))
		case <-ticker.C:
			wf, err := uc.repo.GetWorkflow(ctx, workflowID)
			if err != nil {
				continue
			}
			if wf.Phase.Terminal() {
				return uc.outcomeOf(wf), nil
			}
		}
	}
}

// GetWorkflow returns a workflow by id.
func (uc *RecoveryWorkflowUsecase) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	return uc.repo.GetWorkflow(ctx, id)
}

// ActiveWorkflow returns the in-flight workflow for a service, or nil.
func (uc *RecoveryWorkflowUsecase) ActiveWorkflow(ctx context.Context, service string) (*model.Workflow, error) {
	return uc.repo.GetActiveWorkflow(ctx, service)
}

// ActiveWorkflows returns every in-flight workflow.
func (uc *RecoveryWorkflowUsecase) ActiveWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	return uc.repo.ListActiveWorkflows(ctx)
}

// History returns recent workflows, optionally filtered by service.
func (uc *RecoveryWorkflowUsecase) History(ctx context.Context, service string, limit int) ([]*model.Workflow, error) {
	return uc.repo.ListWorkflows(ctx, service, limit)
}

// FinishedSince returns terminal workflows updated at or after since.
func (uc *RecoveryWorkflowUsecase) FinishedSince(ctx context.Context, since time.Time) ([]*model.Workflow, error) {
	return uc.repo.ListFinishedSince(ctx, since)
}

func (uc *RecoveryWorkflowUsecase) stepFailed(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep, def stepDefinition, stepErr error) {
	step.Error = stepErr.Error()
	step.RetryCount++
	uc.classifier.ClassifyAndRecord(ctx, stepErr.Error(), wf.Service, step.Name)

	if step.RetryCount > def.maxRetries {
		step.Status = model.StepFailed
		finished := uc.now()
		step.CompletedAt = &finished
		uc.failWorkflow(ctx, wf, fmt.Sprintf("step %s failed after %d attempts: %v", step.Name, step.RetryCount, stepErr))
		return
	}

	step.Status = model.StepPending
	uc.logger.Warnw("recovery step failed, will retry",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"step", step.Name,
		"attempt", step.RetryCount,
		"max_retries", def.maxRetries,
		"error", stepErr.Error())
}

func (uc *RecoveryWorkflowUsecase) stepCompleted(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) {
	step.Status = model.StepCompleted
	finished := uc.now()
	step.CompletedAt = &finished
	step.Error = ""
	wf.CurrentStepIndex++
	wf.RecomputeProgress()
	uc.logger.Infow("recovery step completed",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"step", step.Name,
		"progress", wf.Progress)

	if wf.CurrentStepIndex >= len(wf.Steps) {
		uc.completeWorkflow(ctx, wf)
	}
}

// completeWorkflow moves a workflow to the terminal monitoring phase,
// releases its concurrency slot, and notifies the webhook.
func (uc *RecoveryWorkflowUsecase) completeWorkflow(ctx context.Context, wf *model.Workflow) {
	now := uc.now()
	wf.Phase = model.PhaseMonitoring
	wf.LastUpdate = now
	wf.RecomputeProgress()
	if err := uc.repo.UpdateWorkflow(ctx, wf); err != nil {
		uc.logger.Errorw("failed to persist workflow completion",
			"workflow_id", wf.ID,
			"service", wf.Service,
			"error", err)
	}
	uc.decrGauge(ctx)

	recoveryTime := now.Sub(wf.StartedAt)
	uc.logger.Infow("service recovered",
		"service", wf.Service,
		"workflow_id", wf.ID,
		"recovery_time_ms", recoveryTime.Milliseconds())

	event := &model.ServiceRecoveredEvent{
		Service:      wf.Service,
		WorkflowID:   wf.ID,
		RecoveryTime: recoveryTime,
	}
	if err := uc.notifier.NotifyServiceRecovered(ctx, event); err != nil {
		uc.logger.Warnf("service recovered notification failed for %s: %v", wf.Service, err)
	}
	uc.publishOutcome(wf, "")
}

// failWorkflow moves a workflow to the terminal failed phase and releases
// its concurrency slot.
func (uc *RecoveryWorkflowUsecase) failWorkflow(ctx context.Context, wf *model.Workflow, reason string) {
	wf.Phase = model.PhaseFailed
	wf.LastUpdate = uc.now()
	if err := uc.repo.UpdateWorkflow(ctx, wf); err != nil {
		uc.logger.Errorw("failed to persist workflow failure",
			"workflow_id", wf.ID,
			"service", wf.Service,
			"error", err)
	}
	uc.decrGauge(ctx)

	uc.logger.Errorw("recovery workflow failed",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"reason", reason)
	uc.publishOutcome(wf, reason)
}

func (uc *RecoveryWorkflowUsecase) decrGauge(ctx context.Context) {
	if err := uc.gauge.DecrActiveRecoveries(ctx); err != nil {
		uc.logger.Warnf("failed to decrement active recovery gauge: %v", err)
	}
}

func (uc *RecoveryWorkflowUsecase) addWaiter(workflowID string, ch chan model.WorkflowOutcome) {
	uc.waitMu.Lock()
	uc.waiters[workflowID] = append(uc.waiters[workflowID], ch)
	uc.waitMu.Unlock()
}

func (uc *RecoveryWorkflowUsecase) removeWaiter(workflowID string, ch chan model.WorkflowOutcome) {
	uc.waitMu.Lock()
	defer uc.waitMu.Unlock()
	list := uc.waiters[workflowID]
	for i, c := range list {
		if c == ch {
			uc.waiters[workflowID] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(uc.waiters[workflowID]) == 0 {
		delete(uc.waiters, workflowID)
	}
}

// publishOutcome delivers the terminal outcome to every registered waiter.
// Sends never block: waiter channels are buffered and a waiter that
// already gave up is skipped.
func (uc *RecoveryWorkflowUsecase) publishOutcome(wf *model.Workflow, errMsg string) {
	out := model.WorkflowOutcome{
		WorkflowID:   wf.ID,
		Service:      wf.Service,
		Phase:        wf.Phase,
		RecoveryTime: wf.LastUpdate.Sub(wf.StartedAt),
		Error:        errMsg,
	}
	uc.waitMu.Lock()
	for _, ch := range uc.waiters[wf.ID] {
		select {
		case ch <- out:
		default:
		}
	}
	delete(uc.waiters, wf.ID)
	uc.waitMu.Unlock()
}

// outcomeOf rebuilds a terminal outcome from a persisted workflow, used by
// the store-poll path where no in-memory reason is available.
func (uc *RecoveryWorkflowUsecase) outcomeOf(wf *model.Workflow) model.WorkflowOutcome {
	out := model.WorkflowOutcome{
		WorkflowID:   wf.ID,
		Service:      wf.Service,
		Phase:        wf.Phase,
		RecoveryTime: wf.LastUpdate.Sub(wf.StartedAt),
	}
	if wf.Phase == model.PhaseFailed {
		out.Error = workflowFailureReason(wf)
	}
	return out
}

// workflowFailureReason recovers the failure message from the step that
// killed the workflow.
func workflowFailureReason(wf *model.Workflow) string {
	for i := range wf.Steps {
		if wf.Steps[i].Status == model.StepFailed && wf.Steps[i].Error != "" {
			return fmt.Sprintf("step %s failed: %s", wf.Steps[i].Name, wf.Steps[i].Error)
		}
	}
	return "recovery failed"
}

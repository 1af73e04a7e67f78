package biz

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// Orchestration phase names, in plan order.
const (
	phasePreValidation    = "pre_recovery_validation"
	phaseCriticalRecovery = "critical_service_recovery"
	phaseHighPriority     = "high_priority_recovery"
	phaseRemaining        = "remaining_services_recovery"
	phasePostValidation   = "post_recovery_validation"
)

// Plan duration estimates. Recovery time per service is dominated by the
// ramp and validation ticks, so a flat figure per service is close enough
// for the estimatedCompletion the API reports.
const (
	estimatedValidationDuration = 30 * time.Second
	estimatedServiceRecovery    = 2 * time.Minute
)

// RecoveryOrchestratorUsecase coordinates multi-service recovery. It
// builds a phased plan from static criticality/priority declarations,
// executes it (critical services sequentially with abort-on-failure,
// the rest in parallel under the concurrency cap), and validates the
// result before declaring the session done.
//
// Execution runs detached from the API request: Orchestrate persists the
// session and returns immediately, progress is read back via GetSession.
type RecoveryOrchestratorUsecase struct {
	sessions   SessionRepo
	workflows  *RecoveryWorkflowUsecase
	breaker    *CircuitBreakerUsecase
	probes     *ProbeRegistry
	classifier *ErrorClassifierUsecase
	notifier   NotificationService
	deps       []model.ServiceDependency
	services   map[string]*conf.Service
	rcfg       conf.Recovery
	logger     *log.Helper

	now func() time.Time
}

// NewRecoveryOrchestratorUsecase creates a new recovery orchestrator use case.
func NewRecoveryOrchestratorUsecase(rc *conf.Recovery, services []*conf.Service, sessions SessionRepo, workflows *RecoveryWorkflowUsecase, breaker *CircuitBreakerUsecase, probes *ProbeRegistry, classifier *ErrorClassifierUsecase, notifier NotificationService, logger log.Logger) *RecoveryOrchestratorUsecase {
	deps := make([]model.ServiceDependency, 0, len(services))
	for _, svc := range services {
		if svc == nil || svc.Name == "" {
			continue
		}
		deps = append(deps, svc.Dependency())
	}
	return &RecoveryOrchestratorUsecase{
		sessions:   sessions,
		workflows:  workflows,
		breaker:    breaker,
		probes:     probes,
		classifier: classifier,
		notifier:   notifier,
		deps:       deps,
		services:   serviceMap(services),
		rcfg:       recoveryConfig(rc),
		logger:     log.NewHelper(logger),
		now:        time.Now,
	}
}

// PlanRecovery builds the phased plan for the given services without
// executing it. An empty service list plans for every configured service.
func (uc *RecoveryOrchestratorUsecase) PlanRecovery(services []string) (*model.RecoveryPlan, error) {
	targets, err := uc.resolveServices(services)
	if err != nil {
		return nil, err
	}
	return uc.buildPlan(targets), nil
}

// Orchestrate creates a session for the given services and starts
// executing it in the background. The returned session is a snapshot;
// poll GetSession for progress.
func (uc *RecoveryOrchestratorUsecase) Orchestrate(ctx context.Context, services []string) (*model.Session, error) {
	targets, err := uc.resolveServices(services)
	if err != nil {
		return nil, err
	}
	plan := uc.buildPlan(targets)

	now := uc.now()
	s := &model.Session{
		ID:                  uuid.NewString(),
		Status:              model.SessionPlanning,
		PlannedServices:     dependencyNames(targets),
		Plan:                *plan,
		EstimatedCompletion: now.Add(plan.EstimatedDuration),
		StartedAt:           now,
		UpdatedAt:           now,
	}
	if err := uc.sessions.CreateSession(ctx, s); err != nil {
		return nil, err
	}

	uc.logger.Infow("orchestration session created",
		"session_id", s.ID,
		"services", len(s.PlannedServices),
		"phases", len(plan.Phases),
		"estimated_duration", plan.EstimatedDuration.String())

	snapshot := s.Clone()
	go uc.execute(s)
	return snapshot, nil
}

// GetSession returns a session by id.
func (uc *RecoveryOrchestratorUsecase) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return uc.sessions.GetSession(ctx, id)
}

// RecentSessions returns the most recently started sessions.
func (uc *RecoveryOrchestratorUsecase) RecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	return uc.sessions.ListRecentSessions(ctx, limit)
}

// resolveServices maps requested names to dependency records in
// declaration order, which is the priority tie-break. An empty request
// selects every configured service.
func (uc *RecoveryOrchestratorUsecase) resolveServices(services []string) ([]model.ServiceDependency, error) {
	if len(services) == 0 {
		if len(uc.deps) == 0 {
			return nil, errors.New(400, "NO_SERVICES", "no services configured for recovery")
		}
		return append([]model.ServiceDependency(nil), uc.deps...), nil
	}

	requested := make(map[string]bool, len(services))
	for _, name := range services {
		if _, ok := uc.services[name]; !ok {
			return nil, errors.New(404, "SERVICE_NOT_FOUND", fmt.Sprintf("service %s is not configured", name))
		}
		requested[name] = true
	}

	out := make([]model.ServiceDependency, 0, len(requested))
	for _, dep := range uc.deps {
		if requested[dep.Service] {
			out = append(out, dep)
		}
	}
	return out, nil
}

// buildPlan partitions services by criticality into ordered phases.
// Within each phase services are ordered by ascending recovery priority,
// ties by declaration order. Validation phases always run; recovery
// phases for the non-critical tiers are dropped when empty.
func (uc *RecoveryOrchestratorUsecase) buildPlan(targets []model.ServiceDependency) *model.RecoveryPlan {
	ordered := append([]model.ServiceDependency(nil), targets...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].RecoveryPriority < ordered[j].RecoveryPriority
	})

	var critical, high, remaining []string
	for _, dep := range ordered {
		switch dep.Criticality {
		case model.CriticalityCritical:
			critical = append(critical, dep.Service)
		case model.CriticalityHigh:
			high = append(high, dep.Service)
		default:
			remaining = append(remaining, dep.Service)
		}
	}
	all := dependencyNames(ordered)

	criticalDuration := time.Duration(len(critical)) * estimatedServiceRecovery
	if len(critical) > 1 {
		criticalDuration += time.Duration(len(critical)-1) * uc.rcfg.ServiceDelay
	}

	phases := []model.RecoveryPhase{
		{
			Name:              phasePreValidation,
			Services:          all,
			Parallel:          true,
			Critical:          true,
			EstimatedDuration: estimatedValidationDuration,
		},
		{
			Name:              phaseCriticalRecovery,
			Services:          critical,
			Parallel:          false,
			Critical:          true,
			EstimatedDuration: criticalDuration,
		},
	}
	if len(high) > 0 {
		phases = append(phases, model.RecoveryPhase{
			Name:              phaseHighPriority,
			Services:          high,
			Parallel:          true,
			Critical:          false,
			EstimatedDuration: estimatedServiceRecovery,
		})
	}
	if len(remaining) > 0 {
		phases = append(phases, model.RecoveryPhase{
			Name:              phaseRemaining,
			Services:          remaining,
			Parallel:          true,
			Critical:          false,
			EstimatedDuration: estimatedServiceRecovery,
		})
	}
	phases = append(phases, model.RecoveryPhase{
		Name:              phasePostValidation,
		Services:          all,
		Parallel:          true,
		Critical:          true,
		EstimatedDuration: estimatedValidationDuration,
	})

	plan := &model.RecoveryPlan{Phases: phases}
	for _, p := range phases {
		plan.EstimatedDuration += p.EstimatedDuration
	}
	return plan
}

// execute runs the session to completion and records the outcome. It owns
// the session struct; API reads go through the store.
func (uc *RecoveryOrchestratorUsecase) execute(s *model.Session) {
	ctx := context.Background()
	err := uc.run(ctx, s)

	now := uc.now()
	if err != nil {
		s.Status = model.SessionFailed
		s.Error = err.Error()
		uc.logger.Errorw("orchestration failed",
			"session_id", s.ID,
			"phase", s.CurrentPhase,
			"completed", len(s.CompletedServices),
			"failed", len(s.FailedServices),
			"error", err)
	} else {
		s.Status = model.SessionCompleted
		s.Progress = 100
		uc.logger.Infow("orchestration completed",
			"session_id", s.ID,
			"completed", len(s.CompletedServices),
			"failed", len(s.FailedServices),
			"duration", now.Sub(s.StartedAt).String())
	}
	s.UpdatedAt = now
	uc.updateSession(ctx, s)

	event := &model.OrchestrationFinishedEvent{
		SessionID:         s.ID,
		Status:            s.Status,
		CompletedServices: s.CompletedServices,
		FailedServices:    s.FailedServices,
		Duration:          now.Sub(s.StartedAt),
	}
	if err := uc.notifier.NotifyOrchestrationFinished(ctx, event); err != nil {
		uc.logger.Warnf("orchestration finished notification failed for %s: %v", s.ID, err)
	}
}

func (uc *RecoveryOrchestratorUsecase) run(ctx context.Context, s *model.Session) error {
	for i := range s.Plan.Phases {
		phase := &s.Plan.Phases[i]
		s.Status = model.SessionExecuting
		s.CurrentPhase = phase.Name
		uc.updateSession(ctx, s)
		uc.logger.Infow("orchestration phase started",
			"session_id", s.ID,
			"phase", phase.Name,
			"services", len(phase.Services))

		var phaseErr error
		switch phase.Name {
		case phasePreValidation:
			phaseErr = uc.runPreValidation(ctx, s)
		case phasePostValidation:
			phaseErr = uc.runPostValidation(ctx, s)
		default:
			if phase.Parallel {
				uc.recoverParallel(ctx, s, *phase)
			} else {
				phaseErr = uc.recoverSequential(ctx, s, *phase)
			}
		}

		s.Progress = (i + 1) * 100 / len(s.Plan.Phases)
		uc.updateSession(ctx, s)
		if phaseErr != nil {
			return fmt.Errorf("phase %s: %w", phase.Name, phaseErr)
		}
	}
	return nil
}

// runPreValidation is the gate before any recovery action: it fails fast
// when the concurrency cap is fully consumed by unrelated recoveries, and
// prunes services that are already healthy from the recovery phases.
func (uc *RecoveryOrchestratorUsecase) runPreValidation(ctx context.Context, s *model.Session) error {
	active, err := uc.workflows.ActiveWorkflows(ctx)
	if err != nil {
		return fmt.Errorf("failed to check recovery capacity: %w", err)
	}
	if len(active) >= uc.rcfg.MaxConcurrentRecoveries {
		planned := make(map[string]bool, len(s.PlannedServices))
		for _, name := range s.PlannedServices {
			planned[name] = true
		}
		adoptable := false
		for _, wf := range active {
			if planned[wf.Service] {
				adoptable = true
				break
			}
		}
		if !adoptable {
			return fmt.Errorf("max concurrent recoveries (%d) in use by other services", uc.rcfg.MaxConcurrentRecoveries)
		}
	}

	pruned := make(map[string]bool)
	for _, name := range s.PlannedServices {
		if uc.breaker.Health(name).IsHealthy {
			pruned[name] = true
			uc.logger.Infow("pruning healthy service from recovery plan",
				"session_id", s.ID,
				"service", name)
		}
	}
	if len(pruned) == 0 {
		return nil
	}

	for i := range s.Plan.Phases {
		phase := &s.Plan.Phases[i]
		if phase.Name == phasePreValidation || phase.Name == phasePostValidation {
			continue
		}
		kept := phase.Services[:0]
		for _, name := range phase.Services {
			if !pruned[name] {
				kept = append(kept, name)
			}
		}
		phase.Services = kept
	}
	return nil
}

// recoverSequential recovers services one at a time with the configured
// delay between them, aborting the phase on the first failure. Used for
// the critical tier.
func (uc *RecoveryOrchestratorUsecase) recoverSequential(ctx context.Context, s *model.Session, phase model.RecoveryPhase) error {
	for i, service := range phase.Services {
		if i > 0 {
			select {
			case <-time.After(uc.rcfg.ServiceDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := uc.recoverService(ctx, service); err != nil {
			s.FailedServices = append(s.FailedServices, service)
			return fmt.Errorf("critical service %s: %w", service, err)
		}
		s.CompletedServices = append(s.CompletedServices, service)
		uc.updateSession(ctx, s)
	}
	return nil
}

// recoverParallel recovers every service in the phase concurrently, the
// concurrency cap acting as a semaphore. Failures are recorded per
// service and never abort the phase.
func (uc *RecoveryOrchestratorUsecase) recoverParallel(ctx context.Context, s *model.Session, phase model.RecoveryPhase) {
	type outcome struct {
		service string
		err     error
	}

	sem := make(chan struct{}, uc.rcfg.MaxConcurrentRecoveries)
	results := make(chan outcome, len(phase.Services))
	var wg sync.WaitGroup
	for _, service := range phase.Services {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			results <- outcome{service: service, err: uc.recoverService(ctx, service)}
		}(service)
	}
	wg.Wait()
	close(results)

	for r := range results {
		if r.err != nil {
			uc.logger.Warnw("service recovery failed",
				"session_id", s.ID,
				"phase", phase.Name,
				"service", r.service,
				"error", r.err.Error())
			s.FailedServices = append(s.FailedServices, r.service)
			continue
		}
		s.CompletedServices = append(s.CompletedServices, r.service)
	}
}

// recoverService starts (or adopts) the workflow for one service and
// blocks until it reaches a terminal phase.
func (uc *RecoveryOrchestratorUsecase) recoverService(ctx context.Context, service string) error {
	wf, created, err := uc.workflows.StartRecovery(ctx, service, "orchestrated recovery")
	if err != nil {
		return err
	}
	if !created {
		uc.logger.Infow("adopting active workflow",
			"service", service,
			"workflow_id", wf.ID)
	}

	result, err := uc.workflows.WaitForOutcome(ctx, wf.ID, uc.rcfg.RecoveryTimeout)
	if err != nil {
		return err
	}
	if !result.Succeeded() {
		msg := result.Error
		if msg == "" {
			msg = fmt.Sprintf("workflow ended in phase %s", result.Phase)
		}
		return fmt.Errorf("recovery did not succeed: %s", msg)
	}
	return nil
}

// runPostValidation re-probes every service the session recovered. Any
// service that is unhealthy again moves to the failed list and fails the
// orchestration; completed recoveries are never rolled back.
func (uc *RecoveryOrchestratorUsecase) runPostValidation(ctx context.Context, s *model.Session) error {
	if len(s.CompletedServices) == 0 {
		return nil
	}

	var stillHealthy, unhealthy []string
	for _, service := range s.CompletedServices {
		res := uc.probes.Probe(ctx, uc.services[service])
		if res.Success {
			uc.breaker.RecordSuccess(ctx, service, res.Latency)
			stillHealthy = append(stillHealthy, service)
			continue
		}
		uc.breaker.RecordFailure(ctx, service, res.Error)
		uc.classifier.ClassifyAndRecord(ctx, res.Error, service, "post_recovery_validation")
		unhealthy = append(unhealthy, service)
	}
	if len(unhealthy) == 0 {
		return nil
	}

	s.CompletedServices = stillHealthy
	s.FailedServices = append(s.FailedServices, unhealthy...)
	return fmt.Errorf("services unhealthy after recovery: %s", strings.Join(unhealthy, ", "))
}

func (uc *RecoveryOrchestratorUsecase) updateSession(ctx context.Context, s *model.Session) {
	s.UpdatedAt = uc.now()
	if err := uc.sessions.UpdateSession(ctx, s); err != nil {
		uc.logger.Errorw("failed to persist session",
			"session_id", s.ID,
			"status", s.Status,
			"error", err)
	}
}

func dependencyNames(deps []model.ServiceDependency) []string {
	out := make([]string, len(deps))
	for i, dep := range deps {
		out[i] = dep.Service
	}
	return out
}

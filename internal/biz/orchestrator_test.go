package biz

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// orchFixture wires an orchestrator over a real workflow engine and
// breaker, with the stores and notifier mocked. Per-service custom
// probes report whatever probeErr holds for the service.
type orchFixture struct {
	t        *testing.T
	uc       *RecoveryOrchestratorUsecase
	wfRepo   *MockWorkflowRepo
	sessions *MockSessionRepo
	breaker  *breakerFixture
	notifier *MockNotifier

	probeErr map[string]error
}

func orchServices() []*conf.Service {
	probe := func() *conf.Probe { return &conf.Probe{Method: "custom", Timeout: time.Second} }
	return []*conf.Service{
		{Name: "payments-db", Probe: probe(), Criticality: "critical", RecoveryPriority: 5, FailureThreshold: 2, SuccessThreshold: 3},
		{Name: "auth", Probe: probe(), Criticality: "critical", RecoveryPriority: 10, FailureThreshold: 2, SuccessThreshold: 3},
		{Name: "gemini", Probe: probe(), Criticality: "high", RecoveryPriority: 20, FailureThreshold: 2, SuccessThreshold: 3},
		{Name: "vertex", Probe: probe(), Criticality: "high", RecoveryPriority: 20, FailureThreshold: 2, SuccessThreshold: 3},
		{Name: "cache", Probe: probe(), Criticality: "medium", RecoveryPriority: 30, FailureThreshold: 2, SuccessThreshold: 3},
	}
}

func newOrchFixture(t *testing.T) *orchFixture {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)
	services := orchServices()

	f := &orchFixture{
		t:        t,
		wfRepo:   new(MockWorkflowRepo),
		sessions: new(MockSessionRepo),
		breaker:  newBreakerFixture(t, testBreakerConfig()),
		notifier: new(MockNotifier),
		probeErr: make(map[string]error),
	}
	f.breaker.repo.On("MarkOpen", mock.Anything, mock.Anything, mock.Anything).Return(true, nil)
	f.sessions.On("UpdateSession", mock.Anything, mock.Anything).Return(nil)
	f.sessions.On("IncrActiveRecoveries", mock.Anything).Return(int64(1), nil)
	f.sessions.On("DecrActiveRecoveries", mock.Anything).Return(nil)
	f.notifier.On("NotifyServiceRecovered", mock.Anything, mock.Anything).Return(nil)
	f.notifier.On("NotifyOrchestrationFinished", mock.Anything, mock.Anything).Return(nil)

	probes := NewProbeRegistry(f.breaker.uc, logger)
	for _, svc := range services {
		name := svc.Name
		probes.Register(name, func(ctx context.Context) error { return f.probeErr[name] })
	}

	errRepo := new(MockErrorLogRepo)
	errRepo.On("Record", mock.Anything, mock.Anything).Return()
	classifier := NewErrorClassifierUsecase(errRepo, logger)

	workflows := NewRecoveryWorkflowUsecase(testRecoveryConfig(), services, f.wfRepo, f.sessions,
		f.breaker.uc, probes, classifier, f.notifier, logger)
	f.uc = NewRecoveryOrchestratorUsecase(testRecoveryConfig(), services, f.sessions, workflows,
		f.breaker.uc, probes, classifier, f.notifier, logger)
	return f
}

// degrade trips the breakers for the named services so pre-validation
// keeps them in the plan.
func (f *orchFixture) degrade(ctx context.Context, services ...string) {
	for _, svc := range services {
		for i := 0; i < 3; i++ {
			f.breaker.uc.RecordFailure(ctx, svc, "connection refused")
		}
	}
}

// expectRecovery arranges the workflow store so recovering the service
// starts a fresh workflow whose terminal phase is immediately visible.
func (f *orchFixture) expectRecovery(service string, terminal model.WorkflowPhase) {
	id := "wf-" + service
	f.wfRepo.On("GetActiveWorkflow", mock.Anything, service).Return(nil, nil)
	f.wfRepo.On("CreateWorkflow", mock.Anything, mock.MatchedBy(func(wf *model.Workflow) bool {
		return wf.Service == service
	})).Return(&model.Workflow{ID: id, Service: service, Phase: model.PhaseDetection}, true, nil)
	f.wfRepo.On("GetWorkflow", mock.Anything, id).Return(&model.Workflow{
		ID:      id,
		Service: service,
		Phase:   terminal,
	}, nil)
}

// newSession builds a persisted-looking session the way Orchestrate does,
// so execute can be driven synchronously.
func (f *orchFixture) newSession(services ...string) *model.Session {
	targets, err := f.uc.resolveServices(services)
	require.NoError(f.t, err)
	plan := f.uc.buildPlan(targets)
	now := time.Now()
	return &model.Session{
		ID:              "sess-1",
		Status:          model.SessionPlanning,
		PlannedServices: dependencyNames(targets),
		Plan:            *plan,
		StartedAt:       now,
		UpdatedAt:       now,
	}
}

func phaseNames(plan *model.RecoveryPlan) []string {
	out := make([]string, len(plan.Phases))
	for i, p := range plan.Phases {
		out[i] = p.Name
	}
	return out
}

func TestPlanRecovery_PhasesAndOrdering(t *testing.T) {
	f := newOrchFixture(t)

	plan, err := f.uc.PlanRecovery(nil)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"pre_recovery_validation",
		"critical_service_recovery",
		"high_priority_recovery",
		"remaining_services_recovery",
		"post_recovery_validation",
	}, phaseNames(plan))

	// Validation phases cover everything in priority order.
	assert.Equal(t, []string{"payments-db", "auth", "gemini", "vertex", "cache"}, plan.Phases[0].Services)
	assert.Equal(t, []string{"payments-db", "auth"}, plan.Phases[1].Services)
	assert.False(t, plan.Phases[1].Parallel, "critical tier recovers sequentially")
	// Equal priorities keep declaration order.
	assert.Equal(t, []string{"gemini", "vertex"}, plan.Phases[2].Services)
	assert.True(t, plan.Phases[2].Parallel)
	assert.Equal(t, []string{"cache"}, plan.Phases[3].Services)
	assert.Greater(t, plan.EstimatedDuration, time.Duration(0))
}

func TestPlanRecovery_EmptyTiersDropped(t *testing.T) {
	f := newOrchFixture(t)

	plan, err := f.uc.PlanRecovery([]string{"payments-db"})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"pre_recovery_validation",
		"critical_service_recovery",
		"post_recovery_validation",
	}, phaseNames(plan))
}

func TestPlanRecovery_UnknownService(t *testing.T) {
	f := newOrchFixture(t)
	_, err := f.uc.PlanRecovery([]string{"nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not configured")
}

func TestExecute_CriticalFailureAbortsSequence(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.degrade(ctx, "payments-db", "auth")
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{}, nil)
	f.expectRecovery("payments-db", model.PhaseFailed)

	s := f.newSession("payments-db", "auth")
	f.uc.execute(s)

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Contains(t, s.Error, "critical service payments-db")
	assert.Equal(t, []string{"payments-db"}, s.FailedServices)
	assert.Empty(t, s.CompletedServices, "auth never attempted after the abort")
	f.notifier.AssertCalled(t, "NotifyOrchestrationFinished", mock.Anything, mock.Anything)
}

func TestExecute_ParallelFailureDoesNotAbortPhase(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.degrade(ctx, "gemini", "vertex")
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{}, nil)
	f.expectRecovery("gemini", model.PhaseMonitoring)
	f.expectRecovery("vertex", model.PhaseFailed)

	s := f.newSession("gemini", "vertex")
	f.uc.execute(s)

	assert.Equal(t, model.SessionCompleted, s.Status)
	assert.Equal(t, 100, s.Progress)
	assert.Equal(t, []string{"gemini"}, s.CompletedServices)
	assert.Equal(t, []string{"vertex"}, s.FailedServices)
}

func TestExecute_PreValidationPrunesHealthyServices(t *testing.T) {
	f := newOrchFixture(t)
	// No degraded breakers: every planned service already reports healthy.
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{}, nil)

	s := f.newSession("gemini", "cache")
	f.uc.execute(s)

	assert.Equal(t, model.SessionCompleted, s.Status)
	assert.Empty(t, s.CompletedServices)
	assert.Empty(t, s.FailedServices)
	f.wfRepo.AssertNotCalled(t, "CreateWorkflow", mock.Anything, mock.Anything)
}

func TestExecute_CapConsumedByOtherServices(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.degrade(ctx, "gemini")
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{
		{ID: "wf-x", Service: "other-a"},
		{ID: "wf-y", Service: "other-b"},
	}, nil)

	s := f.newSession("gemini")
	f.uc.execute(s)

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Contains(t, s.Error, "max concurrent recoveries")
	f.wfRepo.AssertNotCalled(t, "CreateWorkflow", mock.Anything, mock.Anything)
}

func TestExecute_CapHeldByPlannedServiceAdopts(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.degrade(ctx, "gemini")

	// The cap of two is fully consumed, but one of the active workflows
	// belongs to a planned service. Rejecting here would deadlock that
	// service: its recovery can only finish through this run adopting it.
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{
		{ID: "wf-x", Service: "other-a"},
		{ID: "wf-gemini", Service: "gemini", Phase: model.PhaseValidation},
	}, nil)
	f.wfRepo.On("GetActiveWorkflow", mock.Anything, "gemini").Return(&model.Workflow{
		ID: "wf-gemini", Service: "gemini", Phase: model.PhaseValidation,
	}, nil)
	f.wfRepo.On("GetWorkflow", mock.Anything, "wf-gemini").Return(&model.Workflow{
		ID: "wf-gemini", Service: "gemini", Phase: model.PhaseMonitoring,
	}, nil)

	s := f.newSession("gemini")
	f.uc.execute(s)

	assert.Equal(t, model.SessionCompleted, s.Status)
	assert.Equal(t, []string{"gemini"}, s.CompletedServices)
	f.wfRepo.AssertNotCalled(t, "CreateWorkflow", mock.Anything, mock.Anything)
}

func TestExecute_PostValidationReprobesCompleted(t *testing.T) {
	f := newOrchFixture(t)
	ctx := context.Background()
	f.degrade(ctx, "gemini")
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{}, nil)
	f.expectRecovery("gemini", model.PhaseMonitoring)

	// The workflow ends terminal but the service regresses before the
	// post-validation probe.
	f.probeErr["gemini"] = fmt.Errorf("connection reset")

	s := f.newSession("gemini")
	f.uc.execute(s)

	assert.Equal(t, model.SessionFailed, s.Status)
	assert.Contains(t, s.Error, "unhealthy after recovery")
	assert.Contains(t, s.Error, "gemini")
	assert.Empty(t, s.CompletedServices)
	assert.Equal(t, []string{"gemini"}, s.FailedServices)
}

func TestOrchestrate_ReturnsSnapshotAndPersists(t *testing.T) {
	f := newOrchFixture(t)
	f.wfRepo.On("ListActiveWorkflows", mock.Anything).Return([]*model.Workflow{}, nil)
	f.sessions.On("CreateSession", mock.Anything, mock.Anything).Return(nil)

	finished := make(chan struct{})
	f.notifier.ExpectedCalls = nil
	f.notifier.On("NotifyOrchestrationFinished", mock.Anything, mock.Anything).
		Run(func(mock.Arguments) { close(finished) }).Return(nil)

	s, err := f.uc.Orchestrate(context.Background(), []string{"cache"})
	require.NoError(t, err)
	assert.NotEmpty(t, s.ID)
	assert.Equal(t, model.SessionPlanning, s.Status)
	assert.Equal(t, []string{"cache"}, s.PlannedServices)
	assert.False(t, s.EstimatedCompletion.IsZero())
	f.sessions.AssertCalled(t, "CreateSession", mock.Anything, mock.Anything)

	select {
	case <-finished:
	case <-time.After(2 * time.Second):
		t.Fatal("orchestration did not finish")
	}
}

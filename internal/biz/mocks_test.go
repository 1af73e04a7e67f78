package biz

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"MendLane/internal/model"
)

// Shared testify mocks for the biz layer repository and notification
// interfaces. Individual test files build use cases on top of these.

// MockBreakerStateRepo is a mock implementation of BreakerStateRepo for testing.
type MockBreakerStateRepo struct {
	mock.Mock
}

func (m *MockBreakerStateRepo) SaveTransition(ctx context.Context, t *model.BreakerTransition) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockBreakerStateRepo) LatestStates(ctx context.Context) (map[string]model.BreakerState, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]model.BreakerState), args.Error(1)
}

func (m *MockBreakerStateRepo) ListTransitions(ctx context.Context, service string, limit int) ([]*model.BreakerTransition, error) {
	args := m.Called(ctx, service, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.BreakerTransition), args.Error(1)
}

func (m *MockBreakerStateRepo) TryAcquireProbe(ctx context.Context, service string, maxProbes int, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, service, maxProbes, ttl)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerStateRepo) ResetProbes(ctx context.Context, service string) error {
	args := m.Called(ctx, service)
	return args.Error(0)
}

func (m *MockBreakerStateRepo) MarkOpen(ctx context.Context, service string, cooldown time.Duration) (bool, error) {
	args := m.Called(ctx, service, cooldown)
	return args.Bool(0), args.Error(1)
}

func (m *MockBreakerStateRepo) ClearOpen(ctx context.Context, service string) error {
	args := m.Called(ctx, service)
	return args.Error(0)
}

// MockHealthCheckRepo is a mock implementation of HealthCheckRepo for testing.
type MockHealthCheckRepo struct {
	mock.Mock
}

func (m *MockHealthCheckRepo) SaveCheck(ctx context.Context, check *model.CheckResult) error {
	args := m.Called(ctx, check)
	return args.Error(0)
}

func (m *MockHealthCheckRepo) RecentChecks(ctx context.Context, service string, limit int) ([]*model.CheckResult, error) {
	args := m.Called(ctx, service, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.CheckResult), args.Error(1)
}

func (m *MockHealthCheckRepo) LatestCheck(ctx context.Context, service string) (*model.CheckResult, error) {
	args := m.Called(ctx, service)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.CheckResult), args.Error(1)
}

func (m *MockHealthCheckRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockWorkflowRepo is a mock implementation of RecoveryWorkflowRepo for testing.
type MockWorkflowRepo struct {
	mock.Mock
}

func (m *MockWorkflowRepo) CreateWorkflow(ctx context.Context, wf *model.Workflow) (*model.Workflow, bool, error) {
	args := m.Called(ctx, wf)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).(*model.Workflow), args.Bool(1), args.Error(2)
}

func (m *MockWorkflowRepo) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	args := m.Called(ctx, wf)
	return args.Error(0)
}

func (m *MockWorkflowRepo) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) GetActiveWorkflow(ctx context.Context, service string) (*model.Workflow, error) {
	args := m.Called(ctx, service)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) ListActiveWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) ListWorkflows(ctx context.Context, service string, limit int) ([]*model.Workflow, error) {
	args := m.Called(ctx, service, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) ListFinishedSince(ctx context.Context, since time.Time) ([]*model.Workflow, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockSessionRepo is a mock implementation of SessionRepo (and its
// RecoveryGauge slice) for testing.
type MockSessionRepo struct {
	mock.Mock
}

func (m *MockSessionRepo) CreateSession(ctx context.Context, s *model.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepo) UpdateSession(ctx context.Context, s *model.Session) error {
	args := m.Called(ctx, s)
	return args.Error(0)
}

func (m *MockSessionRepo) GetSession(ctx context.Context, id string) (*model.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.Session), args.Error(1)
}

func (m *MockSessionRepo) ListRecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.Session), args.Error(1)
}

func (m *MockSessionRepo) IncrActiveRecoveries(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSessionRepo) DecrActiveRecoveries(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockSessionRepo) ActiveRecoveries(ctx context.Context) (int64, error) {
	args := m.Called(ctx)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockSessionRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockErrorLogRepo is a mock implementation of ErrorLogRepo for testing.
type MockErrorLogRepo struct {
	mock.Mock
}

func (m *MockErrorLogRepo) Record(ctx context.Context, e *model.ClassifiedError) {
	m.Called(ctx, e)
}

func (m *MockErrorLogRepo) ListErrorsSince(ctx context.Context, since time.Time) ([]*model.ClassifiedError, error) {
	args := m.Called(ctx, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ClassifiedError), args.Error(1)
}

func (m *MockErrorLogRepo) UpsertAggregate(ctx context.Context, agg *model.ErrorAggregate) error {
	args := m.Called(ctx, agg)
	return args.Error(0)
}

func (m *MockErrorLogRepo) ListAggregates(ctx context.Context, service string, since time.Time) ([]*model.ErrorAggregate, error) {
	args := m.Called(ctx, service, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*model.ErrorAggregate), args.Error(1)
}

func (m *MockErrorLogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// MockNotifier is a mock implementation of NotificationService for testing.
type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockNotifier) NotifyServiceRecovered(ctx context.Context, event *model.ServiceRecoveredEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockNotifier) NotifyOrchestrationFinished(ctx context.Context, event *model.OrchestrationFinishedEvent) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

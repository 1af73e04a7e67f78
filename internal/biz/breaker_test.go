package biz

import (
	"context"
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

// breakerFixture wires a breaker use case over mocks with a controllable
// clock.
type breakerFixture struct {
	uc       *CircuitBreakerUsecase
	repo     *MockBreakerStateRepo
	notifier *MockNotifier
	clock    time.Time
}

func newBreakerFixture(t *testing.T, cfg *conf.Breaker) *breakerFixture {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)

	repo := new(MockBreakerStateRepo)
	repo.On("LatestStates", mock.Anything).Return(map[string]model.BreakerState{}, nil)
	repo.On("SaveTransition", mock.Anything, mock.Anything).Return(nil)
	repo.On("ResetProbes", mock.Anything, mock.Anything).Return(nil)
	repo.On("ClearOpen", mock.Anything, mock.Anything).Return(nil)

	errRepo := new(MockErrorLogRepo)
	errRepo.On("Record", mock.Anything, mock.Anything).Return()

	notifier := new(MockNotifier)
	notifier.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	f := &breakerFixture{
		uc:       NewCircuitBreakerUsecase(cfg, repo, NewErrorClassifierUsecase(errRepo, logger), notifier, logger),
		repo:     repo,
		notifier: notifier,
		clock:    time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC),
	}
	f.uc.now = func() time.Time { return f.clock }
	return f
}

func (f *breakerFixture) advance(d time.Duration) { f.clock = f.clock.Add(d) }

func testBreakerConfig() *conf.Breaker {
	return &conf.Breaker{
		FailureThreshold:     3,
		FailureRateThreshold: 0.5,
		Cooldown:             time.Minute,
		SuccessThreshold:     2,
		HalfOpenMaxProbes:    2,
		WindowSize:           10,
	}
}

func TestRecordFailure_ConsecutiveThresholdOpens(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	ctx := context.Background()

	f.uc.RecordFailure(ctx, "gemini", "connection refused")
	f.uc.RecordFailure(ctx, "gemini", "connection refused")
	assert.True(t, f.uc.CanExecute(ctx, "gemini"), "still closed below threshold")

	f.uc.RecordFailure(ctx, "gemini", "connection refused")

	health := f.uc.Health("gemini")
	assert.Equal(t, model.BreakerOpen, health.State)
	assert.False(t, health.IsHealthy)
	assert.False(t, f.uc.CanExecute(ctx, "gemini"))
	f.notifier.AssertCalled(t, "NotifyBreakerOpened", mock.Anything, mock.Anything)
}

func TestRecordFailure_RateThresholdOpens(t *testing.T) {
	cfg := testBreakerConfig()
	// High consecutive threshold so only the windowed rate can trip it.
	cfg.FailureThreshold = 100
	f := newBreakerFixture(t, cfg)
	f.repo.On("MarkOpen", mock.Anything, "claude", time.Minute).Return(true, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		f.uc.RecordSuccess(ctx, "claude", 20*time.Millisecond)
	}
	for i := 0; i < 4; i++ {
		f.uc.RecordFailure(ctx, "claude", "503 service unavailable")
	}
	assert.True(t, f.uc.CanExecute(ctx, "claude"), "9 samples, below minimum for rate trip")

	// Tenth sample: 5 failures over 10 calls meets the 50% threshold.
	f.uc.RecordFailure(ctx, "claude", "503 service unavailable")
	assert.Equal(t, model.BreakerOpen, f.uc.Health("claude").State)
}

func TestCanExecute_CooldownMovesToHalfOpen(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	f.repo.On("TryAcquireProbe", mock.Anything, "gemini", 2, time.Minute).Return(true, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}
	assert.False(t, f.uc.CanExecute(ctx, "gemini"))

	f.advance(59 * time.Second)
	assert.False(t, f.uc.CanExecute(ctx, "gemini"), "cooldown not elapsed yet")

	f.advance(2 * time.Second)
	assert.True(t, f.uc.CanExecute(ctx, "gemini"), "probe allowed after cooldown")
	assert.Equal(t, model.BreakerHalfOpen, f.uc.Health("gemini").State)
}

func TestHalfOpen_ProbeBudgetExhausted(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	f.repo.On("TryAcquireProbe", mock.Anything, "gemini", 2, time.Minute).Return(true, nil).Twice()
	f.repo.On("TryAcquireProbe", mock.Anything, "gemini", 2, time.Minute).Return(false, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}
	f.advance(2 * time.Minute)

	assert.True(t, f.uc.CanExecute(ctx, "gemini"))
	assert.True(t, f.uc.CanExecute(ctx, "gemini"))
	assert.False(t, f.uc.CanExecute(ctx, "gemini"), "shared budget consumed")
}

func TestHalfOpen_SingleFailureReopens(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	f.repo.On("TryAcquireProbe", mock.Anything, "gemini", 2, time.Minute).Return(true, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}
	f.advance(2 * time.Minute)
	require.True(t, f.uc.CanExecute(ctx, "gemini"))
	require.Equal(t, model.BreakerHalfOpen, f.uc.Health("gemini").State)

	// One success does not save it: any failure while half-open reopens.
	f.uc.RecordSuccess(ctx, "gemini", 15*time.Millisecond)
	f.uc.RecordFailure(ctx, "gemini", "timeout")

	assert.Equal(t, model.BreakerOpen, f.uc.Health("gemini").State)
	assert.False(t, f.uc.CanExecute(ctx, "gemini"))
}

func TestHalfOpen_SuccessThresholdCloses(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	f.repo.On("TryAcquireProbe", mock.Anything, "gemini", 2, time.Minute).Return(true, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}
	f.advance(2 * time.Minute)
	require.True(t, f.uc.CanExecute(ctx, "gemini"))

	f.uc.RecordSuccess(ctx, "gemini", 15*time.Millisecond)
	assert.Equal(t, model.BreakerHalfOpen, f.uc.Health("gemini").State)

	f.uc.RecordSuccess(ctx, "gemini", 12*time.Millisecond)
	health := f.uc.Health("gemini")
	assert.Equal(t, model.BreakerClosed, health.State)
	assert.True(t, health.IsHealthy)
	assert.True(t, f.uc.CanExecute(ctx, "gemini"))
	f.repo.AssertCalled(t, "ClearOpen", mock.Anything, "gemini")
}

func TestReportOpened_NotificationDedupedAcrossInstances(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	// Another instance already holds the open marker.
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(false, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}

	assert.Equal(t, model.BreakerOpen, f.uc.Health("gemini").State)
	f.notifier.AssertNotCalled(t, "NotifyBreakerOpened", mock.Anything, mock.Anything)
}

func TestForceClose_ResetsFromOpen(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())
	f.repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.uc.RecordFailure(ctx, "gemini", "timeout")
	}
	require.Equal(t, model.BreakerOpen, f.uc.Health("gemini").State)

	require.NoError(t, f.uc.ForceClose(ctx, "gemini"))

	health := f.uc.Health("gemini")
	assert.Equal(t, model.BreakerClosed, health.State)
	assert.Zero(t, health.ConsecutiveFailures)
	assert.Zero(t, health.FailureRate)
	assert.True(t, f.uc.CanExecute(ctx, "gemini"))
	f.repo.AssertCalled(t, "ClearOpen", mock.Anything, "gemini")
	f.repo.AssertCalled(t, "ResetProbes", mock.Anything, "gemini")
}

func TestHealth_UnknownServiceReportsClosed(t *testing.T) {
	f := newBreakerFixture(t, testBreakerConfig())

	health := f.uc.Health("never-seen")
	assert.Equal(t, model.BreakerClosed, health.State)
	assert.True(t, health.IsHealthy)
}

func TestRestore_SeedsPersistedStates(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)

	repo := new(MockBreakerStateRepo)
	repo.On("LatestStates", mock.Anything).Return(map[string]model.BreakerState{
		"gemini": model.BreakerOpen,
	}, nil)

	errRepo := new(MockErrorLogRepo)
	uc := NewCircuitBreakerUsecase(testBreakerConfig(), repo, NewErrorClassifierUsecase(errRepo, logger), new(MockNotifier), logger)

	assert.Equal(t, model.BreakerOpen, uc.Health("gemini").State)
	assert.False(t, uc.CanExecute(context.Background(), "gemini"))
}

func TestRecordFailure_OpenReportTaggedBreakerCategory(t *testing.T) {
	logger := log.NewStdLogger(os.Stdout)

	repo := new(MockBreakerStateRepo)
	repo.On("LatestStates", mock.Anything).Return(map[string]model.BreakerState{}, nil)
	repo.On("SaveTransition", mock.Anything, mock.Anything).Return(nil)
	repo.On("ResetProbes", mock.Anything, mock.Anything).Return(nil)
	repo.On("MarkOpen", mock.Anything, "gemini", time.Minute).Return(true, nil)

	errRepo := new(MockErrorLogRepo)
	var recorded []*model.ClassifiedError
	errRepo.On("Record", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded = append(recorded, args.Get(1).(*model.ClassifiedError))
	}).Return()

	notifier := new(MockNotifier)
	notifier.On("NotifyBreakerOpened", mock.Anything, mock.Anything).Return(nil)

	uc := NewCircuitBreakerUsecase(testBreakerConfig(), repo, NewErrorClassifierUsecase(errRepo, logger), notifier, logger)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		uc.RecordFailure(ctx, "gemini", "connection refused")
	}
	require.Equal(t, model.BreakerOpen, uc.Health("gemini").State)

	// The open report quotes the downstream cause, but it must still be
	// attributed to the breaker, not to the network rule.
	require.Len(t, recorded, 1)
	assert.Equal(t, model.CategoryCircuitBreaker, recorded[0].Category)
	assert.Equal(t, "gemini", recorded[0].Service)
	assert.Equal(t, "circuit_breaker", recorded[0].Operation)
	assert.Contains(t, recorded[0].Message, "connection refused")
}

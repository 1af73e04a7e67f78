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
)

type maintenanceFixture struct {
	uc       *MaintenanceUsecase
	health   *MockHealthCheckRepo
	wfRepo   *MockWorkflowRepo
	sessions *MockSessionRepo
	errRepo  *MockErrorLogRepo

	classifier *ErrorClassifierUsecase
	clock      time.Time
}

func newMaintenanceFixture(t *testing.T) *maintenanceFixture {
	t.Helper()
	logger := log.NewStdLogger(os.Stdout)

	f := &maintenanceFixture{
		health:   new(MockHealthCheckRepo),
		wfRepo:   new(MockWorkflowRepo),
		sessions: new(MockSessionRepo),
		errRepo:  new(MockErrorLogRepo),
		clock:    time.Date(2026, 8, 24, 3, 0, 0, 0, time.UTC),
	}
	f.classifier = NewErrorClassifierUsecase(f.errRepo, logger)
	f.uc = NewMaintenanceUsecase(testRecoveryConfig(), f.health, f.wfRepo, f.sessions,
		f.classifier, f.errRepo, logger)
	f.uc.now = func() time.Time { return f.clock }
	return f
}

func TestPurgeExpired_AllTables(t *testing.T) {
	f := newMaintenanceFixture(t)
	cutoff := f.clock.AddDate(0, 0, -7)

	f.health.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(12), nil)
	f.wfRepo.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(3), nil)
	f.sessions.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(1), nil)
	f.errRepo.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(40), nil)

	f.uc.PurgeExpired(context.Background())

	f.health.AssertExpectations(t)
	f.wfRepo.AssertExpectations(t)
	f.sessions.AssertExpectations(t)
	f.errRepo.AssertExpectations(t)
}

func TestPurgeExpired_FailureDoesNotStopOthers(t *testing.T) {
	f := newMaintenanceFixture(t)
	cutoff := f.clock.AddDate(0, 0, -7)

	f.health.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(0), assert.AnError)
	f.wfRepo.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(0), nil)
	f.sessions.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(0), nil)
	f.errRepo.On("PurgeOlderThan", mock.Anything, cutoff).Return(int64(0), nil)

	f.uc.PurgeExpired(context.Background())

	f.wfRepo.AssertCalled(t, "PurgeOlderThan", mock.Anything, cutoff)
	f.sessions.AssertCalled(t, "PurgeOlderThan", mock.Anything, cutoff)
	f.errRepo.AssertCalled(t, "PurgeOlderThan", mock.Anything, cutoff)
}

func TestFlushAggregates_WritesPendingBuckets(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()

	f.errRepo.On("Record", mock.Anything, mock.Anything).Return()
	f.errRepo.On("UpsertAggregate", mock.Anything, mock.Anything).Return(nil)

	f.classifier.ClassifyAndRecord(ctx, "connection refused", "gemini", "health_check")
	require.NoError(t, f.uc.FlushAggregates(ctx))
	f.errRepo.AssertCalled(t, "UpsertAggregate", mock.Anything, mock.Anything)
}

func TestFlushAggregates_PropagatesStoreError(t *testing.T) {
	f := newMaintenanceFixture(t)
	ctx := context.Background()

	f.errRepo.On("Record", mock.Anything, mock.Anything).Return()
	f.errRepo.On("UpsertAggregate", mock.Anything, mock.Anything).Return(assert.AnError)

	f.classifier.ClassifyAndRecord(ctx, "connection refused", "gemini", "health_check")
	assert.Error(t, f.uc.FlushAggregates(ctx))
}

package data

import (
	"MendLane/internal/conf"
	"context"
	"testing"
	"time"

	"MendLane/internal/model"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupSessionRepo builds a repo backed by miniredis, DB left nil.
// Only the Redis gauge paths are exercised against it.
func setupSessionRepo(t *testing.T) (*SessionRepo, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)

	rdb := redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})

	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, rdb, NewCacheClient(rdb))
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewSessionRepo(nil, data, log.DefaultLogger), mr
}

func setupSessionRepoNoRedis(t *testing.T) *SessionRepo {
	data, cleanup, err := NewData(&conf.Data{}, log.DefaultLogger, nil, nil)
	require.NoError(t, err)
	t.Cleanup(cleanup)

	return NewSessionRepo(nil, data, log.DefaultLogger)
}

func TestSessionRow_RoundTrip(t *testing.T) {
	startedAt := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	original := &model.Session{
		ID:                "recovery-1706000000000",
		Status:            model.SessionExecuting,
		PlannedServices:   []string{"claude", "ollama", "gemini"},
		CompletedServices: []string{"claude"},
		FailedServices:    []string{},
		CurrentPhase:      "high_priority_recovery",
		Plan: model.RecoveryPlan{
			Phases: []model.RecoveryPhase{
				{
					Name:              "pre_recovery_validation",
					Services:          []string{"claude", "ollama", "gemini"},
					Parallel:          false,
					Critical:          true,
					EstimatedDuration: 30 * time.Second,
				},
				{
					Name:              "critical_service_recovery",
					Services:          []string{"claude"},
					Parallel:          false,
					Critical:          true,
					EstimatedDuration: 5 * time.Minute,
				},
				{
					Name:              "high_priority_recovery",
					Services:          []string{"ollama", "gemini"},
					Parallel:          true,
					Critical:          false,
					EstimatedDuration: 3 * time.Minute,
				},
			},
			EstimatedDuration: 8*time.Minute + 30*time.Second,
		},
		Progress:            33,
		EstimatedCompletion: startedAt.Add(8 * time.Minute),
		StartedAt:           startedAt,
	}

	row, err := sessionToRow(original)
	require.NoError(t, err)
	assert.Contains(t, row.PlannedServices, "ollama")
	assert.Contains(t, row.Plan, "critical_service_recovery")

	restored, err := row.toModel()
	require.NoError(t, err)

	assert.Equal(t, original.ID, restored.ID)
	assert.Equal(t, original.Status, restored.Status)
	assert.Equal(t, original.PlannedServices, restored.PlannedServices)
	assert.Equal(t, original.CompletedServices, restored.CompletedServices)
	assert.Equal(t, original.FailedServices, restored.FailedServices)
	assert.Equal(t, original.CurrentPhase, restored.CurrentPhase)
	assert.Equal(t, original.Progress, restored.Progress)
	assert.True(t, original.StartedAt.Equal(restored.StartedAt))

	require.Len(t, restored.Plan.Phases, 3)
	assert.Equal(t, "critical_service_recovery", restored.Plan.Phases[1].Name)
	assert.True(t, restored.Plan.Phases[2].Parallel)
	assert.Equal(t, 5*time.Minute, restored.Plan.Phases[1].EstimatedDuration)
	assert.Equal(t, original.Plan.EstimatedDuration, restored.Plan.EstimatedDuration)
}

func TestSessionRowToModel_EmptyColumns(t *testing.T) {
	row := &RecoverySessionRow{
		ID:     "recovery-1",
		Status: model.SessionPlanning,
	}

	session, err := row.toModel()
	require.NoError(t, err)
	assert.Empty(t, session.PlannedServices)
	assert.Empty(t, session.CompletedServices)
	assert.Empty(t, session.FailedServices)
	assert.Empty(t, session.Plan.Phases)
}

func TestSessionRowToModel_IdenticalColumnValues(t *testing.T) {
	// All three service columns hold the same JSON text. Each must land
	// in its own destination slice.
	row := &RecoverySessionRow{
		ID:                "recovery-2",
		Status:            model.SessionCompleted,
		PlannedServices:   `["claude"]`,
		CompletedServices: `["claude"]`,
		FailedServices:    `["claude"]`,
	}

	session, err := row.toModel()
	require.NoError(t, err)
	assert.Equal(t, []string{"claude"}, session.PlannedServices)
	assert.Equal(t, []string{"claude"}, session.CompletedServices)
	assert.Equal(t, []string{"claude"}, session.FailedServices)
}

func TestSessionRowToModel_InvalidJSON(t *testing.T) {
	row := &RecoverySessionRow{
		ID:              "recovery-3",
		Status:          model.SessionExecuting,
		PlannedServices: "not json {{{",
	}

	_, err := row.toModel()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal")
}

func TestActiveRecoveriesGauge(t *testing.T) {
	repo, mr := setupSessionRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Gauge starts at zero
	count, err := repo.ActiveRecoveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	// Two recoveries start
	count, err = repo.IncrActiveRecoveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	count, err = repo.IncrActiveRecoveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	// One finishes
	err = repo.DecrActiveRecoveries(ctx)
	require.NoError(t, err)

	count, err = repo.ActiveRecoveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestDecrActiveRecoveries_ClampsAtZero(t *testing.T) {
	repo, mr := setupSessionRepo(t)
	defer mr.Close()

	ctx := context.Background()

	// Decrement without a matching increment (instance restarted mid-run)
	err := repo.DecrActiveRecoveries(ctx)
	require.NoError(t, err)

	count, err := repo.ActiveRecoveries(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestActiveRecoveriesGauge_NoRedis(t *testing.T) {
	repo := setupSessionRepoNoRedis(t)

	ctx := context.Background()

	count, err := repo.IncrActiveRecoveries(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)

	err = repo.DecrActiveRecoveries(ctx)
	assert.NoError(t, err)

	count, err = repo.ActiveRecoveries(ctx)
	assert.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

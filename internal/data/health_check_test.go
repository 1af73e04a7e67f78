package data

import (
	"testing"
	"time"

	"MendLane/internal/model"

	"github.com/stretchr/testify/assert"
)

func TestHealthCheckLogToModel(t *testing.T) {
	checkedAt := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	row := &HealthCheckLog{
		ID:                42,
		Service:           "claude",
		Success:           false,
		ResponseTimeMs:    1250,
		Error:             "api call to https://claude.internal/health returned status 503",
		CheckType:         model.ProbeAPICall,
		RecoveryTriggered: true,
		WorkflowID:        "recovery-claude-1706000000000",
		CheckedAt:         checkedAt,
	}

	check := row.toModel()
	assert.Equal(t, "claude", check.Service)
	assert.False(t, check.Success)
	assert.Equal(t, 1250*time.Millisecond, check.ResponseTime)
	assert.Equal(t, row.Error, check.Error)
	assert.Equal(t, model.ProbeAPICall, check.CheckType)
	assert.True(t, check.RecoveryTriggered)
	assert.False(t, check.RecoveryConfirmed)
	assert.Equal(t, "recovery-claude-1706000000000", check.WorkflowID)
	assert.True(t, checkedAt.Equal(check.CheckedAt))
}

func TestHealthCheckLogToModel_SuccessfulCheck(t *testing.T) {
	row := &HealthCheckLog{
		Service:        "gemini",
		Success:        true,
		ResponseTimeMs: 0,
		CheckType:      model.ProbePing,
		CheckedAt:      time.Now(),
	}

	check := row.toModel()
	assert.True(t, check.Success)
	assert.Empty(t, check.Error)
	assert.Zero(t, check.ResponseTime)
	assert.Empty(t, check.WorkflowID)
}

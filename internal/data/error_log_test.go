package data

import (
	"context"
	"testing"
	"time"

	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorLogToModel(t *testing.T) {
	occurredAt := time.Date(2026, 1, 20, 10, 30, 0, 0, time.UTC)

	row := &ErrorLog{
		ID:               42,
		LogID:            "7f9c24e5-8a3b-4c1d-9e2f-561788990011",
		Message:          "connection refused: dial tcp 127.0.0.1:11434",
		Category:         model.CategoryNetwork,
		Severity:         model.SeverityHigh,
		Retryable:        true,
		FallbackEligible: true,
		UserImpact:       model.ImpactMedium,
		BusinessImpact:   model.ImpactLow,
		Service:          "ollama",
		Operation:        "chat_completion",
		Fingerprint:      "a1b2c3d4e5f60718",
		AggregationKey:   "network:ollama:chat_completion:high",
		OccurredAt:       occurredAt,
	}

	e := row.toModel()

	assert.Equal(t, "7f9c24e5-8a3b-4c1d-9e2f-561788990011", e.LogID)
	assert.Equal(t, row.Message, e.Message)
	assert.Equal(t, model.CategoryNetwork, e.Category)
	assert.Equal(t, model.SeverityHigh, e.Severity)
	assert.True(t, e.Retryable)
	assert.True(t, e.FallbackEligible)
	assert.Equal(t, model.ImpactMedium, e.UserImpact)
	assert.Equal(t, model.ImpactLow, e.BusinessImpact)
	assert.Equal(t, "ollama", e.Service)
	assert.Equal(t, "chat_completion", e.Operation)
	assert.Equal(t, "a1b2c3d4e5f60718", e.Fingerprint)
	assert.Equal(t, "network:ollama:chat_completion:high", e.AggregationKey)
	assert.True(t, occurredAt.Equal(e.OccurredAt))
}

func TestRecord_QueuesRow(t *testing.T) {
	// Build the repo without the writer goroutine so queued rows can be
	// inspected directly.
	repo := &ErrorLogRepo{
		logChan: make(chan *ErrorLog, 10),
		logger:  log.NewHelper(log.DefaultLogger),
	}

	ctx := context.Background()
	repo.Record(ctx, &model.ClassifiedError{
		Message:        "request timed out after 30s",
		Category:       model.CategoryTimeout,
		Severity:       model.SeverityMedium,
		Retryable:      true,
		Service:        "claude",
		Operation:      "chat_completion",
		Fingerprint:    "0011223344556677",
		AggregationKey: "timeout:claude:chat_completion:medium",
		OccurredAt:     time.Now(),
	})

	require.Len(t, repo.logChan, 1)

	row := <-repo.logChan
	assert.Equal(t, "request timed out after 30s", row.Message)
	assert.Equal(t, model.CategoryTimeout, row.Category)
	assert.Equal(t, "claude", row.Service)
	assert.Equal(t, "0011223344556677", row.Fingerprint)
}

func TestRecord_DropsWhenChannelFull(t *testing.T) {
	repo := &ErrorLogRepo{
		logChan: make(chan *ErrorLog, 1),
		logger:  log.NewHelper(log.DefaultLogger),
	}

	ctx := context.Background()
	first := &model.ClassifiedError{
		Message:  "first",
		Category: model.CategoryNetwork,
		Service:  "claude",
	}
	second := &model.ClassifiedError{
		Message:  "second",
		Category: model.CategoryNetwork,
		Service:  "claude",
	}

	repo.Record(ctx, first)
	// Channel is full now, this must not block
	repo.Record(ctx, second)

	require.Len(t, repo.logChan, 1)
	row := <-repo.logChan
	assert.Equal(t, "first", row.Message)
}

func TestErrorAggregateRowToModel(t *testing.T) {
	windowStart := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	row := &ErrorAggregateRow{
		ID:              7,
		WindowStart:     windowStart,
		Service:         "claude",
		Category:        model.CategoryRateLimit,
		Count:           15,
		HighestSeverity: model.SeverityHigh,
		SampleIDs:       `["a1b2c3d4e5f60718","ffee998877665544"]`,
		UserImpact:      `{"medium":10,"high":5}`,
		BusinessImpact:  `{"low":15}`,
	}

	agg, err := row.toModel()
	require.NoError(t, err)

	assert.True(t, windowStart.Equal(agg.WindowStart))
	assert.Equal(t, "claude", agg.Service)
	assert.Equal(t, model.CategoryRateLimit, agg.Category)
	assert.Equal(t, int64(15), agg.Count)
	assert.Equal(t, model.SeverityHigh, agg.HighestSeverity)
	assert.Equal(t, []string{"a1b2c3d4e5f60718", "ffee998877665544"}, agg.SampleIDs)
	assert.Equal(t, int64(10), agg.UserImpact[model.ImpactMedium])
	assert.Equal(t, int64(5), agg.UserImpact[model.ImpactHigh])
	assert.Equal(t, int64(15), agg.BusinessImpact[model.ImpactLow])
}

func TestAggregateToRow(t *testing.T) {
	windowStart := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	agg := &model.ErrorAggregate{
		WindowStart:     windowStart,
		Service:         "gemini",
		Category:        model.CategoryNetwork,
		Count:           3,
		HighestSeverity: model.SeverityHigh,
		SampleIDs:       []string{"a1b2c3d4e5f60718"},
		UserImpact:      map[model.ImpactLevel]int64{model.ImpactMedium: 3},
		BusinessImpact:  map[model.ImpactLevel]int64{model.ImpactMedium: 3},
	}

	row, err := aggregateToRow(agg)
	require.NoError(t, err)

	assert.True(t, windowStart.Equal(row.WindowStart))
	assert.Equal(t, "gemini", row.Service)
	assert.Equal(t, model.CategoryNetwork, row.Category)
	assert.Equal(t, int64(3), row.Count)
	assert.Equal(t, model.SeverityHigh, row.HighestSeverity)
	assert.JSONEq(t, `["a1b2c3d4e5f60718"]`, row.SampleIDs)
	assert.JSONEq(t, `{"medium":3}`, row.UserImpact)
	assert.JSONEq(t, `{"medium":3}`, row.BusinessImpact)

	// Round-trips through the column mapping without losing anything.
	back, err := row.toModel()
	require.NoError(t, err)
	assert.Equal(t, agg.Count, back.Count)
	assert.Equal(t, agg.SampleIDs, back.SampleIDs)
	assert.Equal(t, agg.UserImpact, back.UserImpact)
}

func TestErrorAggregateRowToModel_EmptyColumns(t *testing.T) {
	row := &ErrorAggregateRow{
		WindowStart:     time.Now(),
		Service:         "ollama",
		Category:        model.CategoryUnknown,
		Count:           1,
		HighestSeverity: model.SeverityLow,
	}

	agg, err := row.toModel()
	require.NoError(t, err)
	assert.Empty(t, agg.SampleIDs)
	assert.Empty(t, agg.UserImpact)
	assert.Empty(t, agg.BusinessImpact)
}

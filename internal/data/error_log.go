package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrorLog is the GORM model for error_logs table.
type ErrorLog struct {
	ID               int64               `gorm:"primaryKey;column:id"`
	LogID            string              `gorm:"column:log_id;size:64;not null;index"`
	Message          string              `gorm:"column:message;type:text;not null"`
	Category         model.ErrorCategory `gorm:"column:category;type:enum('network','timeout','rate_limit','authentication','validation','circuit_breaker','fallback','service_error','unknown');not null"`
	Severity         model.ErrorSeverity `gorm:"column:severity;type:enum('low','medium','high','critical');not null"`
	Retryable        bool                `gorm:"column:retryable;default:false;not null"`
	FallbackEligible bool                `gorm:"column:fallback_eligible;default:false;not null"`
	UserImpact       model.ImpactLevel   `gorm:"column:user_impact;type:enum('none','low','medium','high');not null"`
	BusinessImpact   model.ImpactLevel   `gorm:"column:business_impact;type:enum('none','low','medium','high');not null"`
	Service          string              `gorm:"column:service;size:100;not null;index"`
	Operation        string              `gorm:"column:operation;size:100"`
	Fingerprint      string              `gorm:"column:fingerprint;size:16;not null;index"`
	AggregationKey   string              `gorm:"column:aggregation_key;size:255;not null;index"`
	OccurredAt       time.Time           `gorm:"column:occurred_at;not null;index"`
	CreatedAt        time.Time           `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM
func (ErrorLog) TableName() string {
	return "error_logs"
}

func (e *ErrorLog) toModel() *model.ClassifiedError {
	return &model.ClassifiedError{
		LogID:            e.LogID,
		Message:          e.Message,
		Category:         e.Category,
		Severity:         e.Severity,
		Retryable:        e.Retryable,
		FallbackEligible: e.FallbackEligible,
		UserImpact:       e.UserImpact,
		BusinessImpact:   e.BusinessImpact,
		Service:          e.Service,
		Operation:        e.Operation,
		Fingerprint:      e.Fingerprint,
		AggregationKey:   e.AggregationKey,
		OccurredAt:       e.OccurredAt,
	}
}

// ErrorAggregateRow is the GORM model for error_aggregates table.
// One row per (window_start, service, category) hourly bucket.
type ErrorAggregateRow struct {
	ID              int64               `gorm:"primaryKey;column:id"`
	WindowStart     time.Time           `gorm:"column:window_start;not null;uniqueIndex:idx_aggregate_bucket"`
	Service         string              `gorm:"column:service;size:100;not null;uniqueIndex:idx_aggregate_bucket"`
	Category        model.ErrorCategory `gorm:"column:category;type:enum('network','timeout','rate_limit','authentication','validation','circuit_breaker','fallback','service_error','unknown');not null;uniqueIndex:idx_aggregate_bucket"`
	Count           int64               `gorm:"column:count;default:0;not null"`
	HighestSeverity model.ErrorSeverity `gorm:"column:highest_severity;type:enum('low','medium','high','critical');not null"`
	SampleIDs       string              `gorm:"column:sample_ids;type:json"`
	UserImpact      string              `gorm:"column:user_impact;type:json"`
	BusinessImpact  string              `gorm:"column:business_impact;type:json"`
	CreatedAt       time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM
func (ErrorAggregateRow) TableName() string {
	return "error_aggregates"
}

// ErrorLogRepo implements biz.ErrorLogRepo interface.
// Writes go through a buffered channel so classification never blocks on
// MySQL, mirroring how request paths must not stall on observability.
type ErrorLogRepo struct {
	db      *gorm.DB
	logChan chan *ErrorLog
	logger  *log.Helper
}

// NewErrorLogRepo creates a new error log repository with async writer.
func NewErrorLogRepo(db *gorm.DB, logger log.Logger) *ErrorLogRepo {
	r := &ErrorLogRepo{
		db:      db,
		logChan: make(chan *ErrorLog, 1000), // Buffer size 1000 to prevent blocking
		logger:  log.NewHelper(logger),
	}

	// Start background goroutine for async persistence
	go r.start()

	return r
}

// start drains the channel and writes rows one by one.
func (r *ErrorLogRepo) start() {
	for row := range r.logChan {
		ctx := context.Background()
		if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
			r.logger.Errorw("failed to write error log",
				"service", row.Service,
				"category", row.Category,
				"fingerprint", row.Fingerprint,
				"error", err)
		} else {
			r.logger.Debugw("error log written",
				"service", row.Service,
				"category", row.Category,
				"fingerprint", row.Fingerprint)
		}
	}
}

// Record queues a classified error for persistence (non-blocking).
// When the buffer is full the event is dropped with a warning.
func (r *ErrorLogRepo) Record(ctx context.Context, e *model.ClassifiedError) {
	row := &ErrorLog{
		LogID:            e.LogID,
		Message:          e.Message,
		Category:         e.Category,
		Severity:         e.Severity,
		Retryable:        e.Retryable,
		FallbackEligible: e.FallbackEligible,
		UserImpact:       e.UserImpact,
		BusinessImpact:   e.BusinessImpact,
		Service:          e.Service,
		Operation:        e.Operation,
		Fingerprint:      e.Fingerprint,
		AggregationKey:   e.AggregationKey,
		OccurredAt:       e.OccurredAt,
	}

	select {
	case r.logChan <- row:
		// Successfully queued
	default:
		r.logger.Warnw("error log channel full, dropping event",
			"service", e.Service,
			"category", e.Category,
			"fingerprint", e.Fingerprint)
	}
}

// ListErrorsSince returns errors that occurred at or after the given time.
func (r *ErrorLogRepo) ListErrorsSince(ctx context.Context, since time.Time) ([]*model.ClassifiedError, error) {
	var rows []ErrorLog
	err := r.db.WithContext(ctx).
		Where("occurred_at >= ?", since).
		Order("occurred_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list errors: %w", err)
	}

	out := make([]*model.ClassifiedError, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toModel())
	}
	return out, nil
}

// UpsertAggregate folds a delta bucket into the stored hourly rollup for
// (window, service, category), creating the row on first write. The row is
// locked and merged rather than overwritten, so rollups only ever grow:
// restarts and concurrent instances each contribute their own deltas.
func (r *ErrorLogRepo) UpsertAggregate(ctx context.Context, delta *model.ErrorAggregate) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row ErrorAggregateRow
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("window_start = ? AND service = ? AND category = ?",
				delta.WindowStart, delta.Service, delta.Category).
			First(&row).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			fresh, err := aggregateToRow(delta)
			if err != nil {
				return err
			}
			if err := tx.Create(fresh).Error; err != nil {
				return fmt.Errorf("failed to create aggregate: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to load aggregate: %w", err)
		}

		stored, err := row.toModel()
		if err != nil {
			return fmt.Errorf("failed to decode stored aggregate: %w", err)
		}
		stored.Merge(delta)

		merged, err := aggregateToRow(stored)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{
			"count":            merged.Count,
			"highest_severity": merged.HighestSeverity,
			"sample_ids":       merged.SampleIDs,
			"user_impact":      merged.UserImpact,
			"business_impact":  merged.BusinessImpact,
		}
		if err := tx.Model(&ErrorAggregateRow{}).Where("id = ?", row.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("failed to update aggregate: %w", err)
		}
		return nil
	})
}

func aggregateToRow(agg *model.ErrorAggregate) (*ErrorAggregateRow, error) {
	samples, err := json.Marshal(agg.SampleIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sample ids: %w", err)
	}
	userImpact, err := json.Marshal(agg.UserImpact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal user impact: %w", err)
	}
	businessImpact, err := json.Marshal(agg.BusinessImpact)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal business impact: %w", err)
	}
	return &ErrorAggregateRow{
		WindowStart:     agg.WindowStart,
		Service:         agg.Service,
		Category:        agg.Category,
		Count:           agg.Count,
		HighestSeverity: agg.HighestSeverity,
		SampleIDs:       string(samples),
		UserImpact:      string(userImpact),
		BusinessImpact:  string(businessImpact),
	}, nil
}

// ListAggregates returns hourly buckets for a service since the given time,
// oldest first. An empty service returns buckets across all services.
func (r *ErrorLogRepo) ListAggregates(ctx context.Context, service string, since time.Time) ([]*model.ErrorAggregate, error) {
	query := r.db.WithContext(ctx).
		Where("window_start >= ?", since).
		Order("window_start ASC")
	if service != "" {
		query = query.Where("service = ?", service)
	}

	var rows []ErrorAggregateRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list aggregates: %w", err)
	}

	out := make([]*model.ErrorAggregate, 0, len(rows))
	for i := range rows {
		agg, err := rows[i].toModel()
		if err != nil {
			r.logger.Errorw("skipping corrupt aggregate row",
				"id", rows[i].ID,
				"error", err)
			continue
		}
		out = append(out, agg)
	}
	return out, nil
}

func (a *ErrorAggregateRow) toModel() (*model.ErrorAggregate, error) {
	agg := &model.ErrorAggregate{
		WindowStart:     a.WindowStart,
		Service:         a.Service,
		Category:        a.Category,
		Count:           a.Count,
		HighestSeverity: a.HighestSeverity,
	}

	if a.SampleIDs != "" {
		if err := json.Unmarshal([]byte(a.SampleIDs), &agg.SampleIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal sample ids: %w", err)
		}
	}
	if a.UserImpact != "" {
		if err := json.Unmarshal([]byte(a.UserImpact), &agg.UserImpact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal user impact: %w", err)
		}
	}
	if a.BusinessImpact != "" {
		if err := json.Unmarshal([]byte(a.BusinessImpact), &agg.BusinessImpact); err != nil {
			return nil, fmt.Errorf("failed to unmarshal business impact: %w", err)
		}
	}
	return agg, nil
}

// PurgeOlderThan deletes error logs and aggregates older than the cutoff.
// Returns the total number of rows removed.
func (r *ErrorLogRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	logs := r.db.WithContext(ctx).
		Where("occurred_at < ?", cutoff).
		Delete(&ErrorLog{})
	if logs.Error != nil {
		return 0, fmt.Errorf("failed to purge error logs: %w", logs.Error)
	}

	aggs := r.db.WithContext(ctx).
		Where("window_start < ?", cutoff).
		Delete(&ErrorAggregateRow{})
	if aggs.Error != nil {
		return logs.RowsAffected, fmt.Errorf("failed to purge error aggregates: %w", aggs.Error)
	}

	total := logs.RowsAffected + aggs.RowsAffected
	if total > 0 {
		r.logger.Infow("purged old error data",
			"cutoff", cutoff,
			"rows", total)
	}
	return total, nil
}

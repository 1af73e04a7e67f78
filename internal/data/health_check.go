package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// HealthCheckLog is the GORM model for health_checks table.
// Skipped checks are never written, only executed probes leave a row.
type HealthCheckLog struct {
	ID                int64             `gorm:"primaryKey;column:id"`
	Service           string            `gorm:"column:service;size:100;not null;index:idx_health_service_checked"`
	Success           bool              `gorm:"column:success;not null"`
	ResponseTimeMs    int64             `gorm:"column:response_time_ms;default:0;not null"`
	Error             string            `gorm:"column:error;size:1024"`
	CheckType         model.ProbeMethod `gorm:"column:check_type;type:enum('ping','api_call','circuit_breaker_test','custom');not null"`
	RecoveryTriggered bool              `gorm:"column:recovery_triggered;default:false;not null"`
	RecoveryConfirmed bool              `gorm:"column:recovery_confirmed;default:false;not null"`
	WorkflowID        string            `gorm:"column:workflow_id;size:64"`
	CheckedAt         time.Time         `gorm:"column:checked_at;not null;index:idx_health_service_checked"`
	CreatedAt         time.Time         `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (HealthCheckLog) TableName() string {
	return "health_checks"
}

func (l *HealthCheckLog) toModel() *model.CheckResult {
	return &model.CheckResult{
		Service:           l.Service,
		Success:           l.Success,
		ResponseTime:      time.Duration(l.ResponseTimeMs) * time.Millisecond,
		Error:             l.Error,
		CheckType:         l.CheckType,
		CheckedAt:         l.CheckedAt,
		RecoveryTriggered: l.RecoveryTriggered,
		RecoveryConfirmed: l.RecoveryConfirmed,
		WorkflowID:        l.WorkflowID,
	}
}

// HealthCheckRepo implements biz.HealthCheckRepo interface.
type HealthCheckRepo struct {
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewHealthCheckRepo creates a new health check repository.
func NewHealthCheckRepo(db *gorm.DB, data *Data, logger log.Logger) *HealthCheckRepo {
	return &HealthCheckRepo{
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// SaveCheck persists an executed health check and refreshes the
// latest-check cache for the service.
func (r *HealthCheckRepo) SaveCheck(ctx context.Context, check *model.CheckResult) error {
	row := &HealthCheckLog{
		Service:           check.Service,
		Success:           check.Success,
		ResponseTimeMs:    check.ResponseTime.Milliseconds(),
		Error:             check.Error,
		CheckType:         check.CheckType,
		RecoveryTriggered: check.RecoveryTriggered,
		RecoveryConfirmed: check.RecoveryConfirmed,
		WorkflowID:        check.WorkflowID,
		CheckedAt:         check.CheckedAt,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Errorw("failed to save health check",
			"service", check.Service,
			"error", err)
		return fmt.Errorf("failed to save health check: %w", err)
	}

	cacheKey := BuildCacheKey(CacheKeyHealth, check.Service)
	if err := r.cache.Set(ctx, cacheKey, check, TTLHealth); err != nil {
		r.logger.Warnw("failed to cache latest health check",
			"service", check.Service,
			"error", err)
		// Cache failure doesn't affect the operation
	}

	return nil
}

// RecentChecks returns the most recent checks for a service, newest first.
func (r *HealthCheckRepo) RecentChecks(ctx context.Context, service string, limit int) ([]*model.CheckResult, error) {
	if limit <= 0 {
		limit = 5
	}

	var rows []HealthCheckLog
	err := r.db.WithContext(ctx).
		Where("service = ?", service).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list recent checks: %w", err)
	}

	checks := make([]*model.CheckResult, 0, len(rows))
	for i := range rows {
		checks = append(checks, rows[i].toModel())
	}
	return checks, nil
}

// LatestCheck returns the newest check for a service with caching.
// Returns nil when the service has no recorded checks yet.
func (r *HealthCheckRepo) LatestCheck(ctx context.Context, service string) (*model.CheckResult, error) {
	cacheKey := BuildCacheKey(CacheKeyHealth, service)

	// Try to get from cache first
	var cached model.CheckResult
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		r.logger.Debugw("latest health check cache hit", "service", service)
		return &cached, nil
	}

	// Cache miss, query from database
	var row HealthCheckLog
	err := r.db.WithContext(ctx).
		Where("service = ?", service).
		Order("id DESC").
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		r.logger.Errorf("failed to get latest check: %v", err)
		return nil, fmt.Errorf("failed to get latest check: %w", err)
	}

	check := row.toModel()
	if err := r.cache.Set(ctx, cacheKey, check, TTLHealth); err != nil {
		r.logger.Warnw("failed to cache latest health check", "service", service, "error", err)
	}

	return check, nil
}

// PurgeOlderThan deletes checks recorded before the cutoff.
// Returns the number of rows removed.
func (r *HealthCheckRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("checked_at < ?", cutoff).
		Delete(&HealthCheckLog{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge health checks: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Infow("purged old health checks",
			"cutoff", cutoff,
			"rows", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

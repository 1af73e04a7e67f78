package data

import (
	"context"
	"fmt"
	"time"

	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// BreakerTransitionLog is the GORM model for breaker_transitions table.
// Every state change of a service breaker is appended here so the latest
// row per service doubles as the restart rehydration source.
type BreakerTransitionLog struct {
	ID                  int64              `gorm:"primaryKey;column:id"`
	Service             string             `gorm:"column:service;size:100;not null;index"`
	FromState           model.BreakerState `gorm:"column:from_state;type:enum('closed','open','half_open');not null"`
	ToState             model.BreakerState `gorm:"column:to_state;type:enum('closed','open','half_open');not null"`
	Reason              string             `gorm:"column:reason;size:255"`
	FailureRate         float64            `gorm:"column:failure_rate;default:0;not null"`
	ConsecutiveFailures int                `gorm:"column:consecutive_failures;default:0;not null"`
	OccurredAt          time.Time          `gorm:"column:occurred_at;not null"`
	CreatedAt           time.Time          `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (BreakerTransitionLog) TableName() string {
	return "breaker_transitions"
}

// BreakerStateRepo implements biz.BreakerStateRepo interface.
// MySQL holds the transition history, Redis coordinates half-open probe
// budgets and open markers across instances.
type BreakerStateRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	logger *log.Helper
}

// NewBreakerStateRepo creates a new breaker state repository.
func NewBreakerStateRepo(db *gorm.DB, data *Data, logger log.Logger) *BreakerStateRepo {
	return &BreakerStateRepo{
		db:     db,
		rdb:    data.GetRedisClient(),
		logger: log.NewHelper(logger),
	}
}

// SaveTransition appends a breaker state change to the transition log.
func (r *BreakerStateRepo) SaveTransition(ctx context.Context, t *model.BreakerTransition) error {
	row := &BreakerTransitionLog{
		Service:             t.Service,
		FromState:           t.FromState,
		ToState:             t.ToState,
		Reason:              t.Reason,
		FailureRate:         t.FailureRate,
		ConsecutiveFailures: t.ConsecutiveFailures,
		OccurredAt:          t.OccurredAt,
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Errorw("failed to save breaker transition",
			"service", t.Service,
			"to_state", t.ToState,
			"error", err)
		return fmt.Errorf("failed to save breaker transition: %w", err)
	}

	r.logger.Debugw("breaker transition saved",
		"service", t.Service,
		"from_state", t.FromState,
		"to_state", t.ToState)
	return nil
}

// LatestStates returns the most recent persisted state per service.
// Used to rehydrate in-memory breakers after a restart.
func (r *BreakerStateRepo) LatestStates(ctx context.Context) (map[string]model.BreakerState, error) {
	var rows []BreakerTransitionLog
	err := r.db.WithContext(ctx).
		Where("id IN (?)", r.db.Model(&BreakerTransitionLog{}).
			Select("MAX(id)").
			Group("service")).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to load latest breaker states: %w", err)
	}

	states := make(map[string]model.BreakerState, len(rows))
	for _, row := range rows {
		states[row.Service] = row.ToState
	}
	return states, nil
}

// ListTransitions returns the most recent transitions for a service, newest first.
func (r *BreakerStateRepo) ListTransitions(ctx context.Context, service string, limit int) ([]*model.BreakerTransition, error) {
	if limit <= 0 {
		limit = 20
	}

	var rows []BreakerTransitionLog
	err := r.db.WithContext(ctx).
		Where("service = ?", service).
		Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list breaker transitions: %w", err)
	}

	transitions := make([]*model.BreakerTransition, 0, len(rows))
	for _, row := range rows {
		transitions = append(transitions, &model.BreakerTransition{
			Service:             row.Service,
			FromState:           row.FromState,
			ToState:             row.ToState,
			Reason:              row.Reason,
			FailureRate:         row.FailureRate,
			ConsecutiveFailures: row.ConsecutiveFailures,
			OccurredAt:          row.OccurredAt,
		})
	}
	return transitions, nil
}

// TryAcquireProbe increments the shared half-open probe counter and reports
// whether this probe fits the budget. The counter key expires with the TTL
// so an abandoned half-open window cleans itself up.
func (r *BreakerStateRepo) TryAcquireProbe(ctx context.Context, service string, maxProbes int, ttl time.Duration) (bool, error) {
	if r.rdb == nil {
		return false, fmt.Errorf("redis unavailable")
	}

	probeKey := fmt.Sprintf("breaker:%s:probes", service)

	count, err := r.rdb.Incr(ctx, probeKey).Result()
	if err != nil {
		return false, fmt.Errorf("failed to increment probe count: %w", err)
	}

	// Set TTL if this is the first increment
	if count == 1 {
		r.rdb.Expire(ctx, probeKey, ttl)
	}

	allowed := count <= int64(maxProbes)
	r.logger.Debugw("half-open probe slot requested",
		"service", service,
		"count", count,
		"max", maxProbes,
		"allowed", allowed)
	return allowed, nil
}

// ResetProbes clears the half-open probe counter for a service.
func (r *BreakerStateRepo) ResetProbes(ctx context.Context, service string) error {
	if r.rdb == nil {
		return nil
	}

	probeKey := fmt.Sprintf("breaker:%s:probes", service)
	if err := r.rdb.Del(ctx, probeKey).Err(); err != nil {
		return fmt.Errorf("failed to reset probe count: %w", err)
	}
	return nil
}

// MarkOpen sets the shared open marker using SETNX (atomic).
// Returns true when this caller set the marker first, so only one instance
// emits the opened notification.
func (r *BreakerStateRepo) MarkOpen(ctx context.Context, service string, cooldown time.Duration) (bool, error) {
	if r.rdb == nil {
		// Without Redis each instance tracks its own breaker, treat the
		// local transition as authoritative
		return true, nil
	}

	openKey := fmt.Sprintf("breaker:%s:open", service)

	first, err := r.rdb.SetNX(ctx, openKey, "1", cooldown).Result()
	if err != nil {
		r.logger.Warnw("failed to set open marker in Redis (degraded mode)",
			"service", service,
			"error", err)
		return true, nil
	}

	return first, nil
}

// ClearOpen removes the open marker and probe counter for a service.
func (r *BreakerStateRepo) ClearOpen(ctx context.Context, service string) error {
	if r.rdb == nil {
		return nil
	}

	openKey := fmt.Sprintf("breaker:%s:open", service)
	probeKey := fmt.Sprintf("breaker:%s:probes", service)

	if err := r.rdb.Del(ctx, openKey, probeKey).Err(); err != nil {
		r.logger.Warnw("failed to clear breaker keys from Redis (degraded mode)",
			"service", service,
			"error", err)
		// Don't fail the operation if Redis is down
	}
	return nil
}

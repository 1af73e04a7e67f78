package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// activeRecoveriesKey is the shared gauge of currently executing service
// recoveries, visible to every instance.
const activeRecoveriesKey = "recoveries:active"

// RecoverySessionRow is the GORM model for recovery_sessions table.
// Slice and plan fields are stored as JSON columns.
type RecoverySessionRow struct {
	ID                  string              `gorm:"primaryKey;column:id;size:64"`
	Status              model.SessionStatus `gorm:"column:status;type:enum('planning','executing','completed','failed');not null"`
	PlannedServices     string              `gorm:"column:planned_services;type:json"`
	CompletedServices   string              `gorm:"column:completed_services;type:json"`
	FailedServices      string              `gorm:"column:failed_services;type:json"`
	CurrentPhase        string              `gorm:"column:current_phase;size:100"`
	Plan                string              `gorm:"column:plan;type:json"`
	Progress            int                 `gorm:"column:progress;default:0;not null"`
	EstimatedCompletion time.Time           `gorm:"column:estimated_completion"`
	Error               string              `gorm:"column:error;size:1024"`
	StartedAt           time.Time           `gorm:"column:started_at;not null"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime"`
}

// TableName specifies the table name for GORM.
func (RecoverySessionRow) TableName() string {
	return "recovery_sessions"
}

func (s *RecoverySessionRow) toModel() (*model.Session, error) {
	session := &model.Session{
		ID:                  s.ID,
		Status:              s.Status,
		CurrentPhase:        s.CurrentPhase,
		Progress:            s.Progress,
		EstimatedCompletion: s.EstimatedCompletion,
		Error:               s.Error,
		StartedAt:           s.StartedAt,
		UpdatedAt:           s.UpdatedAt,
	}

	if err := unmarshalServices(s.PlannedServices, &session.PlannedServices); err != nil {
		return nil, err
	}
	if err := unmarshalServices(s.CompletedServices, &session.CompletedServices); err != nil {
		return nil, err
	}
	if err := unmarshalServices(s.FailedServices, &session.FailedServices); err != nil {
		return nil, err
	}

	if s.Plan != "" {
		if err := json.Unmarshal([]byte(s.Plan), &session.Plan); err != nil {
			return nil, fmt.Errorf("failed to unmarshal session plan: %w", err)
		}
	}
	return session, nil
}

func unmarshalServices(col string, dest *[]string) error {
	if col == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(col), dest); err != nil {
		return fmt.Errorf("failed to unmarshal session services: %w", err)
	}
	return nil
}

func sessionToRow(s *model.Session) (*RecoverySessionRow, error) {
	planned, err := json.Marshal(s.PlannedServices)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal planned services: %w", err)
	}
	completed, err := json.Marshal(s.CompletedServices)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal completed services: %w", err)
	}
	failed, err := json.Marshal(s.FailedServices)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal failed services: %w", err)
	}
	plan, err := json.Marshal(s.Plan)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal plan: %w", err)
	}

	return &RecoverySessionRow{
		ID:                  s.ID,
		Status:              s.Status,
		PlannedServices:     string(planned),
		CompletedServices:   string(completed),
		FailedServices:      string(failed),
		CurrentPhase:        s.CurrentPhase,
		Plan:                string(plan),
		Progress:            s.Progress,
		EstimatedCompletion: s.EstimatedCompletion,
		Error:               s.Error,
		StartedAt:           s.StartedAt,
	}, nil
}

// SessionRepo implements biz.SessionRepo interface.
type SessionRepo struct {
	db     *gorm.DB
	rdb    *redis.Client
	cache  CacheClient
	logger *log.Helper
}

// NewSessionRepo creates a new orchestration session repository.
func NewSessionRepo(db *gorm.DB, data *Data, logger log.Logger) *SessionRepo {
	return &SessionRepo{
		db:     db,
		rdb:    data.GetRedisClient(),
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// CreateSession persists a new orchestration session.
func (r *SessionRepo) CreateSession(ctx context.Context, s *model.Session) error {
	row, err := sessionToRow(s)
	if err != nil {
		return err
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		r.logger.Errorw("failed to create session",
			"session_id", s.ID,
			"error", err)
		return fmt.Errorf("failed to create session: %w", err)
	}

	r.logger.Infow("orchestration session created",
		"session_id", s.ID,
		"planned_services", len(s.PlannedServices))
	return nil
}

// UpdateSession persists the full session state.
func (r *SessionRepo) UpdateSession(ctx context.Context, s *model.Session) error {
	row, err := sessionToRow(s)
	if err != nil {
		return err
	}

	result := r.db.WithContext(ctx).
		Model(&RecoverySessionRow{}).
		Where("id = ?", s.ID).
		Updates(map[string]interface{}{
			"status":               row.Status,
			"planned_services":     row.PlannedServices,
			"completed_services":   row.CompletedServices,
			"failed_services":      row.FailedServices,
			"current_phase":        row.CurrentPhase,
			"plan":                 row.Plan,
			"progress":             row.Progress,
			"estimated_completion": row.EstimatedCompletion,
			"error":                row.Error,
		})
	if result.Error != nil {
		r.logger.Errorw("failed to update session",
			"session_id", s.ID,
			"error", result.Error)
		return fmt.Errorf("failed to update session: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("session not found: %s", s.ID)
	}

	cacheKey := BuildCacheKey(CacheKeySession, s.ID)
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Debugw("failed to invalidate session cache",
			"session_id", s.ID,
			"error", err)
	}
	return nil
}

// GetSession retrieves a session by ID with caching.
func (r *SessionRepo) GetSession(ctx context.Context, id string) (*model.Session, error) {
	cacheKey := BuildCacheKey(CacheKeySession, id)

	var cached model.Session
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		r.logger.Debugw("session cache hit", "session_id", id)
		return &cached, nil
	}

	var row RecoverySessionRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("session not found: %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	session, err := row.toModel()
	if err != nil {
		return nil, err
	}

	// Only terminal sessions are safe to cache, executing ones change
	// every phase
	if session.Status.Terminal() {
		if err := r.cache.Set(ctx, cacheKey, session, TTLSession); err != nil {
			r.logger.Warnw("failed to cache session", "session_id", id, "error", err)
		}
	}
	return session, nil
}

// ListRecentSessions returns the most recent sessions, newest first.
func (r *SessionRepo) ListRecentSessions(ctx context.Context, limit int) ([]*model.Session, error) {
	if limit <= 0 {
		limit = 10
	}

	var rows []RecoverySessionRow
	err := r.db.WithContext(ctx).
		Order("started_at DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	sessions := make([]*model.Session, 0, len(rows))
	for i := range rows {
		s, err := rows[i].toModel()
		if err != nil {
			r.logger.Errorw("skipping corrupt session row",
				"session_id", rows[i].ID,
				"error", err)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions, nil
}

// IncrActiveRecoveries bumps the shared active-recovery gauge and returns
// the new value. Redis failures degrade to 0 without failing the recovery.
func (r *SessionRepo) IncrActiveRecoveries(ctx context.Context) (int64, error) {
	if r.rdb == nil {
		return 0, nil
	}

	count, err := r.rdb.Incr(ctx, activeRecoveriesKey).Result()
	if err != nil {
		r.logger.Warnw("failed to increment active recoveries gauge (degraded mode)",
			"error", err)
		return 0, nil
	}
	return count, nil
}

// DecrActiveRecoveries lowers the shared active-recovery gauge, clamping
// at zero after restarts.
func (r *SessionRepo) DecrActiveRecoveries(ctx context.Context) error {
	if r.rdb == nil {
		return nil
	}

	count, err := r.rdb.Decr(ctx, activeRecoveriesKey).Result()
	if err != nil {
		r.logger.Warnw("failed to decrement active recoveries gauge (degraded mode)",
			"error", err)
		return nil
	}
	if count < 0 {
		r.rdb.Set(ctx, activeRecoveriesKey, 0, 0)
	}
	return nil
}

// ActiveRecoveries returns the shared gauge value.
func (r *SessionRepo) ActiveRecoveries(ctx context.Context) (int64, error) {
	if r.rdb == nil {
		return 0, nil
	}

	count, err := r.rdb.Get(ctx, activeRecoveriesKey).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		r.logger.Warnw("failed to read active recoveries gauge (degraded mode)",
			"error", err)
		return 0, nil
	}
	return count, nil
}

// PurgeOlderThan deletes terminal sessions started before the cutoff.
func (r *SessionRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("started_at < ? AND status IN ?", cutoff, []model.SessionStatus{model.SessionCompleted, model.SessionFailed}).
		Delete(&RecoverySessionRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge sessions: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Infow("purged old sessions",
			"cutoff", cutoff,
			"rows", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"MendLane/internal/model"
	pkgerrors "MendLane/pkg/errors"

	"github.com/go-kratos/kratos/v2/log"
	"gorm.io/gorm"
)

// RecoveryWorkflowRow is the GORM model for recovery_workflows table.
//
// Active is a nullable bool paired with Service in a unique index: an
// in-flight workflow stores active=1, terminal workflows store NULL.
// MySQL ignores NULLs in unique indexes, so the database itself enforces
// at most one active workflow per service even across instances.
type RecoveryWorkflowRow struct {
	ID                  string              `gorm:"primaryKey;column:id;size:64"`
	Service             string              `gorm:"column:service;size:100;not null;uniqueIndex:idx_workflow_service_active"`
	Active              *bool               `gorm:"column:active;uniqueIndex:idx_workflow_service_active"`
	Phase               model.WorkflowPhase `gorm:"column:phase;type:enum('detection','validation','gradual_recovery','full_recovery','monitoring','failed');not null"`
	Steps               string              `gorm:"column:steps;type:json"`
	CurrentStepIndex    int                 `gorm:"column:current_step_index;default:0;not null"`
	Progress            int                 `gorm:"column:progress;default:0;not null"`
	AutoRecoveryEnabled bool                `gorm:"column:auto_recovery_enabled;default:true;not null"`
	StartedAt           time.Time           `gorm:"column:started_at;not null"`
	LastUpdate          time.Time           `gorm:"column:last_update;not null"`
	CreatedAt           time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt           time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName specifies the table name for GORM.
func (RecoveryWorkflowRow) TableName() string {
	return "recovery_workflows"
}

func (w *RecoveryWorkflowRow) toModel() (*model.Workflow, error) {
	var steps []model.RecoveryStep
	if w.Steps != "" {
		if err := json.Unmarshal([]byte(w.Steps), &steps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal workflow steps: %w", err)
		}
	}

	return &model.Workflow{
		ID:                  w.ID,
		Service:             w.Service,
		Phase:               w.Phase,
		Steps:               steps,
		CurrentStepIndex:    w.CurrentStepIndex,
		Progress:            w.Progress,
		AutoRecoveryEnabled: w.AutoRecoveryEnabled,
		StartedAt:           w.StartedAt,
		LastUpdate:          w.LastUpdate,
	}, nil
}

func workflowToRow(wf *model.Workflow) (*RecoveryWorkflowRow, error) {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	row := &RecoveryWorkflowRow{
		ID:                  wf.ID,
		Service:             wf.Service,
		Phase:               wf.Phase,
		Steps:               string(stepsJSON),
		CurrentStepIndex:    wf.CurrentStepIndex,
		Progress:            wf.Progress,
		AutoRecoveryEnabled: wf.AutoRecoveryEnabled,
		StartedAt:           wf.StartedAt,
		LastUpdate:          wf.LastUpdate,
	}

	if !wf.Phase.Terminal() {
		active := true
		row.Active = &active
	}
	return row, nil
}

// WorkflowRepo implements biz.WorkflowRepo interface.
type WorkflowRepo struct {
	db     *gorm.DB
	cache  CacheClient
	logger *log.Helper
}

// NewWorkflowRepo creates a new recovery workflow repository.
func NewWorkflowRepo(db *gorm.DB, data *Data, logger log.Logger) *WorkflowRepo {
	return &WorkflowRepo{
		db:     db,
		cache:  data.GetCache(),
		logger: log.NewHelper(logger),
	}
}

// CreateWorkflow inserts a new workflow marked active.
// When the unique (service, active) index rejects the insert because a
// workflow is already running, the existing workflow is returned with
// created=false instead of an error.
func (r *WorkflowRepo) CreateWorkflow(ctx context.Context, wf *model.Workflow) (*model.Workflow, bool, error) {
	row, err := workflowToRow(wf)
	if err != nil {
		return nil, false, err
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		dbErr := pkgerrors.ClassifyDBError(err)

		if dbErr.Type == pkgerrors.ErrorTypeDuplicateKey {
			r.logger.Warnw("workflow already active for service",
				"service", wf.Service,
				"error", dbErr.Error())

			existing, getErr := r.GetActiveWorkflow(ctx, wf.Service)
			if getErr != nil {
				return nil, false, getErr
			}
			if existing != nil {
				return existing, false, nil
			}
			// The competing workflow finished between insert and fetch,
			// let the caller retry
			return nil, false, dbErr
		}

		r.logger.Errorw("failed to create workflow",
			"service", wf.Service,
			"error", dbErr.Error())
		return nil, false, dbErr
	}

	r.invalidateCache(ctx, wf.Service)
	r.logger.Infow("workflow created",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"phase", wf.Phase)
	return wf, true, nil
}

// UpdateWorkflow persists the current workflow state.
// Terminal phases clear the active marker, releasing the unique slot.
func (r *WorkflowRepo) UpdateWorkflow(ctx context.Context, wf *model.Workflow) error {
	stepsJSON, err := json.Marshal(wf.Steps)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow steps: %w", err)
	}

	updates := map[string]interface{}{
		"phase":              wf.Phase,
		"steps":              string(stepsJSON),
		"current_step_index": wf.CurrentStepIndex,
		"progress":           wf.Progress,
		"last_update":        wf.LastUpdate,
	}
	if wf.Phase.Terminal() {
		updates["active"] = nil
	}

	result := r.db.WithContext(ctx).
		Model(&RecoveryWorkflowRow{}).
		Where("id = ?", wf.ID).
		Updates(updates)
	if result.Error != nil {
		dbErr := pkgerrors.ClassifyDBError(result.Error)
		r.logger.Errorw("failed to update workflow",
			"workflow_id", wf.ID,
			"error", dbErr.Error())
		return dbErr
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("workflow not found: %s", wf.ID)
	}

	r.invalidateCache(ctx, wf.Service)
	return nil
}

// GetWorkflow retrieves a workflow by ID.
func (r *WorkflowRepo) GetWorkflow(ctx context.Context, id string) (*model.Workflow, error) {
	var row RecoveryWorkflowRow
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("workflow not found: %s: %w", id, err)
		}
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}
	return row.toModel()
}

// GetActiveWorkflow returns the in-flight workflow for a service, or nil
// when the service has none.
func (r *WorkflowRepo) GetActiveWorkflow(ctx context.Context, service string) (*model.Workflow, error) {
	cacheKey := BuildCacheKey(CacheKeyWorkflow, service)

	var cached model.Workflow
	if err := r.cache.Get(ctx, cacheKey, &cached); err == nil {
		r.logger.Debugw("active workflow cache hit", "service", service)
		return &cached, nil
	}

	var row RecoveryWorkflowRow
	err := r.db.WithContext(ctx).
		Where("service = ? AND active = ?", service, true).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get active workflow: %w", err)
	}

	wf, err := row.toModel()
	if err != nil {
		return nil, err
	}

	if err := r.cache.Set(ctx, cacheKey, wf, TTLWorkflow); err != nil {
		r.logger.Warnw("failed to cache active workflow", "service", service, "error", err)
	}
	return wf, nil
}

// ListActiveWorkflows returns every in-flight workflow.
func (r *WorkflowRepo) ListActiveWorkflows(ctx context.Context) ([]*model.Workflow, error) {
	var rows []RecoveryWorkflowRow
	err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("started_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list active workflows: %w", err)
	}

	workflows := make([]*model.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toModel()
		if err != nil {
			r.logger.Errorw("skipping corrupt workflow row",
				"workflow_id", rows[i].ID,
				"error", err)
			continue
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// ListWorkflows returns the most recent workflows for a service, newest first.
// An empty service returns workflows across all services.
func (r *WorkflowRepo) ListWorkflows(ctx context.Context, service string, limit int) ([]*model.Workflow, error) {
	if limit <= 0 {
		limit = 20
	}

	query := r.db.WithContext(ctx).Order("started_at DESC").Limit(limit)
	if service != "" {
		query = query.Where("service = ?", service)
	}

	var rows []RecoveryWorkflowRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}

	workflows := make([]*model.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toModel()
		if err != nil {
			r.logger.Errorw("skipping corrupt workflow row",
				"workflow_id", rows[i].ID,
				"error", err)
			continue
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// ListFinishedSince returns terminal workflows whose last update is at or
// after the given time, oldest first. Used by the status surface for
// trailing success/failure counts.
func (r *WorkflowRepo) ListFinishedSince(ctx context.Context, since time.Time) ([]*model.Workflow, error) {
	var rows []RecoveryWorkflowRow
	err := r.db.WithContext(ctx).
		Where("active IS NULL AND last_update >= ?", since).
		Order("last_update ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list finished workflows: %w", err)
	}

	workflows := make([]*model.Workflow, 0, len(rows))
	for i := range rows {
		wf, err := rows[i].toModel()
		if err != nil {
			r.logger.Errorw("skipping corrupt workflow row",
				"workflow_id", rows[i].ID,
				"error", err)
			continue
		}
		workflows = append(workflows, wf)
	}
	return workflows, nil
}

// PurgeOlderThan deletes terminal workflows whose last update is before
// the cutoff. Active workflows are never purged.
func (r *WorkflowRepo) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("last_update < ? AND active IS NULL", cutoff).
		Delete(&RecoveryWorkflowRow{})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to purge workflows: %w", result.Error)
	}

	if result.RowsAffected > 0 {
		r.logger.Infow("purged old workflows",
			"cutoff", cutoff,
			"rows", result.RowsAffected)
	}
	return result.RowsAffected, nil
}

func (r *WorkflowRepo) invalidateCache(ctx context.Context, service string) {
	cacheKey := BuildCacheKey(CacheKeyWorkflow, service)
	if err := r.cache.Delete(ctx, cacheKey); err != nil {
		r.logger.Debugw("failed to invalidate workflow cache",
			"service", service,
			"error", err)
	}
}

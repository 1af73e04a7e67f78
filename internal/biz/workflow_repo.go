package biz

import (
	"context"
	"time"

	"MendLane/internal/model"
)

// RecoveryWorkflowRepo defines the workflow persistence interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.WorkflowRepo).
//
// CreateWorkflow enforces the one-active-workflow-per-service rule through
// a unique index on (service, active); when a concurrent caller already
// holds the slot the existing workflow is returned with created=false.
type RecoveryWorkflowRepo interface {
	CreateWorkflow(ctx context.Context, wf *model.Workflow) (*model.Workflow, bool, error)
	UpdateWorkflow(ctx context.Context, wf *model.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*model.Workflow, error)
	GetActiveWorkflow(ctx context.Context, service string) (*model.Workflow, error)
	ListActiveWorkflows(ctx context.Context) ([]*model.Workflow, error)
	ListWorkflows(ctx context.Context, service string, limit int) ([]*model.Workflow, error)
	ListFinishedSince(ctx context.Context, since time.Time) ([]*model.Workflow, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

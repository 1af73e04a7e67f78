package biz

import (
	"context"
	"time"

	"MendLane/internal/model"
)

// HealthCheckRepo defines the health check history persistence interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.HealthCheckRepo).
//
// Skipped results are never persisted; RecentChecks returns newest first.
type HealthCheckRepo interface {
	SaveCheck(ctx context.Context, check *model.CheckResult) error
	RecentChecks(ctx context.Context, service string, limit int) ([]*model.CheckResult, error)
	LatestCheck(ctx context.Context, service string) (*model.CheckResult, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

package biz

import (
	"context"
	"time"

	"MendLane/internal/model"
)

// SessionRepo defines the orchestration session persistence interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.SessionRepo).
//
// The active-recoveries gauge lives in Redis so the concurrency cap holds
// across instances; on Redis outage the counter methods degrade to no-ops
// and in-process accounting takes over.
type SessionRepo interface {
	CreateSession(ctx context.Context, s *model.Session) error
	UpdateSession(ctx context.Context, s *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	ListRecentSessions(ctx context.Context, limit int) ([]*model.Session, error)

	IncrActiveRecoveries(ctx context.Context) (int64, error)
	DecrActiveRecoveries(ctx context.Context) error
	ActiveRecoveries(ctx context.Context) (int64, error)

	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RecoveryGauge is the slice of SessionRepo the workflow engine uses to
// track the cross-instance count of in-flight recoveries. The gauge is
// advisory: the unique active-workflow index in the store remains the
// authority on what is actually running.
type RecoveryGauge interface {
	IncrActiveRecoveries(ctx context.Context) (int64, error)
	DecrActiveRecoveries(ctx context.Context) error
	ActiveRecoveries(ctx context.Context) (int64, error)
}

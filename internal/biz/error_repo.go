package biz

import (
	"context"
	"time"

	"MendLane/internal/model"
)

// ErrorLogRepo defines the classified error persistence interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.ErrorLogRepo).
//
// Record is fire-and-forget: rows are queued to an async writer and dropped
// with a warning when the queue is full, so classification never blocks on
// the database.
type ErrorLogRepo interface {
	Record(ctx context.Context, e *model.ClassifiedError)
	ListErrorsSince(ctx context.Context, since time.Time) ([]*model.ClassifiedError, error)
	UpsertAggregate(ctx context.Context, agg *model.ErrorAggregate) error
	ListAggregates(ctx context.Context, service string, since time.Time) ([]*model.ErrorAggregate, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

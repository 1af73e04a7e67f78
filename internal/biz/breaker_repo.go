package biz

import (
	"context"
	"time"

	"MendLane/internal/model"
)

// BreakerStateRepo defines the circuit breaker persistence interface.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.BreakerStateRepo).
//
// Transition rows are append-only audit history; the probe/open-marker
// methods coordinate half-open budgets and opened notifications across
// replicas through Redis.
type BreakerStateRepo interface {
	SaveTransition(ctx context.Context, t *model.BreakerTransition) error
	LatestStates(ctx context.Context) (map[string]model.BreakerState, error)
	ListTransitions(ctx context.Context, service string, limit int) ([]*model.BreakerTransition, error)

	// Half-open probe budget shared across instances.
	TryAcquireProbe(ctx context.Context, service string, maxProbes int, ttl time.Duration) (bool, error)
	ResetProbes(ctx context.Context, service string) error

	// Open marker: first writer wins and owns the opened notification.
	MarkOpen(ctx context.Context, service string, cooldown time.Duration) (bool, error)
	ClearOpen(ctx context.Context, service string) error
}

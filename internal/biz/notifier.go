package biz

import (
	"context"

	"MendLane/internal/model"
)

// NotificationService delivers lifecycle events to the configured webhook.
// Following Kratos v2 DDD architecture, interfaces are defined in biz layer.
// Implementation is in data layer (data.HTTPWebhookService).
//
// Deliveries are best effort: callers log and continue on error, state
// transitions never depend on notification success.
type NotificationService interface {
	NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error
	NotifyServiceRecovered(ctx context.Context, event *model.ServiceRecoveredEvent) error
	NotifyOrchestrationFinished(ctx context.Context, event *model.OrchestrationFinishedEvent) error
}

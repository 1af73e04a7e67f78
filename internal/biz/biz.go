// Package biz contains business logic layer implementations.
// This layer holds the core business rules and domain models.
package biz

import (
	"MendLane/internal/data"

	"github.com/google/wire"
)

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewErrorClassifierUsecase,
	NewCircuitBreakerUsecase,
	NewProbeRegistry,
	NewRecoveryWorkflowUsecase,
	NewHealthCheckUsecase,
	NewRecoveryOrchestratorUsecase,
	NewStatusUsecase,
	NewMaintenanceUsecase,
	// Bind data layer implementations to biz layer interfaces
	wire.Bind(new(BreakerStateRepo), new(*data.BreakerStateRepo)),
	wire.Bind(new(HealthCheckRepo), new(*data.HealthCheckRepo)),
	wire.Bind(new(RecoveryWorkflowRepo), new(*data.WorkflowRepo)),
	wire.Bind(new(SessionRepo), new(*data.SessionRepo)),
	wire.Bind(new(RecoveryGauge), new(*data.SessionRepo)),
	wire.Bind(new(ErrorLogRepo), new(*data.ErrorLogRepo)),
	wire.Bind(new(NotificationService), new(*data.HTTPWebhookService)),
)

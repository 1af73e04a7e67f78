package biz

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// Trailing window for the success/failure tallies the status API reports.
const statusMetricsWindow = 24 * time.Hour

const (
	recentWorkflowsLimit   = 10
	recentSessionsLimit    = 5
	recentTransitionsLimit = 5
)

// StatusUsecase assembles the read-only status surface: a system-wide
// recovery snapshot and a per-service drill-down. It composes the other
// use cases rather than querying the store directly, so reported numbers
// match what the recovery path itself sees.
type StatusUsecase struct {
	workflows    *RecoveryWorkflowUsecase
	orchestrator *RecoveryOrchestratorUsecase
	breaker      *CircuitBreakerUsecase
	health       *HealthCheckUsecase
	gauge        RecoveryGauge
	services     map[string]*conf.Service
	rcfg         conf.Recovery
	logger       *log.Helper

	now func() time.Time
}

// NewStatusUsecase creates a new status use case.
func NewStatusUsecase(rc *conf.Recovery, services []*conf.Service, workflows *RecoveryWorkflowUsecase, orchestrator *RecoveryOrchestratorUsecase, breaker *CircuitBreakerUsecase, health *HealthCheckUsecase, gauge RecoveryGauge, logger log.Logger) *StatusUsecase {
	return &StatusUsecase{
		workflows:    workflows,
		orchestrator: orchestrator,
		breaker:      breaker,
		health:       health,
		gauge:        gauge,
		services:     serviceMap(services),
		rcfg:         recoveryConfig(rc),
		logger:       log.NewHelper(logger),
		now:          time.Now,
	}
}

// RecoveryStatus returns the system-wide snapshot. Secondary queries
// degrade to empty sections rather than failing the whole response.
func (uc *StatusUsecase) RecoveryStatus(ctx context.Context) (*model.RecoveryStatus, error) {
	now := uc.now()

	active, err := uc.workflows.ActiveWorkflows(ctx)
	if err != nil {
		return nil, err
	}

	recent, err := uc.workflows.History(ctx, "", recentWorkflowsLimit)
	if err != nil {
		uc.logger.Warnf("failed to list recent workflows: %v", err)
	}

	metrics := model.RecoveryMetrics{
		ActiveCount:   len(active),
		MaxConcurrent: uc.rcfg.MaxConcurrentRecoveries,
	}
	if uc.rcfg.MaxConcurrentRecoveries > 0 {
		metrics.Throughput = float64(len(active)) / float64(uc.rcfg.MaxConcurrentRecoveries)
	}

	finished, err := uc.workflows.FinishedSince(ctx, now.Add(-statusMetricsWindow))
	if err != nil {
		uc.logger.Warnf("failed to list finished workflows: %v", err)
	}
	var totalRecovery time.Duration
	for _, wf := range finished {
		switch wf.Phase {
		case model.PhaseMonitoring:
			metrics.Succeeded24h++
			totalRecovery += wf.LastUpdate.Sub(wf.StartedAt)
		case model.PhaseFailed:
			metrics.Failed24h++
		}
	}
	if metrics.Succeeded24h > 0 {
		metrics.AvgRecoveryTimeMs = (totalRecovery / time.Duration(metrics.Succeeded24h)).Milliseconds()
	}

	if gauge, err := uc.gauge.ActiveRecoveries(ctx); err != nil {
		uc.logger.Warnf("failed to read active recovery gauge: %v", err)
	} else {
		metrics.GaugeActive = gauge
	}

	sessions, err := uc.orchestrator.RecentSessions(ctx, recentSessionsLimit)
	if err != nil {
		uc.logger.Warnf("failed to list recent sessions: %v", err)
	}

	return &model.RecoveryStatus{
		ActiveWorkflows: active,
		RecentWorkflows: recent,
		RecentSessions:  sessions,
		Metrics:         metrics,
		GeneratedAt:     now,
	}, nil
}

// ServiceStatus returns the drill-down for one configured service.
func (uc *StatusUsecase) ServiceStatus(ctx context.Context, service string) (*model.ServiceStatus, error) {
	svc, ok := uc.services[service]
	if !ok {
		return nil, errors.New(404, "SERVICE_NOT_FOUND", fmt.Sprintf("service %s is not configured", service))
	}
	dep := svc.Dependency()

	wf, err := uc.workflows.ActiveWorkflow(ctx, service)
	if err != nil {
		return nil, err
	}
	last, err := uc.health.Latest(ctx, service)
	if err != nil {
		uc.logger.Warnf("failed to read latest check for %s: %v", service, err)
	}
	transitions, err := uc.breaker.Transitions(ctx, service, recentTransitionsLimit)
	if err != nil {
		uc.logger.Warnf("failed to list breaker transitions for %s: %v", service, err)
	}

	return &model.ServiceStatus{
		Service:           service,
		Criticality:       dep.Criticality,
		RecoveryPriority:  dep.RecoveryPriority,
		Health:            *uc.breaker.Health(service),
		ActiveWorkflow:    wf,
		LastCheck:         last,
		RecentTransitions: transitions,
		GeneratedAt:       uc.now(),
	}, nil
}

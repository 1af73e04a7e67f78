// Package service exposes the recovery subsystem over HTTP JSON routes.
package service

import (
	"strconv"
	"time"

	"MendLane/internal/biz"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/wire"
)

// ProviderSet is service providers.
var ProviderSet = wire.NewSet(NewRecoveryService)

// OrchestrateRequest is the body of POST /v1/recovery/orchestrate. An
// empty service list targets every configured service.
type OrchestrateRequest struct {
	Services []string `json:"services"`
}

// RecoveryService implements the status and operations API over the
// recovery use cases. Handlers translate HTTP to use case calls and back;
// no business rules live here.
type RecoveryService struct {
	status       *biz.StatusUsecase
	health       *biz.HealthCheckUsecase
	breaker      *biz.CircuitBreakerUsecase
	workflows    *biz.RecoveryWorkflowUsecase
	orchestrator *biz.RecoveryOrchestratorUsecase
	classifier   *biz.ErrorClassifierUsecase
	logger       *log.Helper
}

// NewRecoveryService creates a new RecoveryService instance.
func NewRecoveryService(status *biz.StatusUsecase, health *biz.HealthCheckUsecase, breaker *biz.CircuitBreakerUsecase, workflows *biz.RecoveryWorkflowUsecase, orchestrator *biz.RecoveryOrchestratorUsecase, classifier *biz.ErrorClassifierUsecase, logger log.Logger) *RecoveryService {
	return &RecoveryService{
		status:       status,
		health:       health,
		breaker:      breaker,
		workflows:    workflows,
		orchestrator: orchestrator,
		classifier:   classifier,
		logger:       log.NewHelper(logger),
	}
}

// RegisterRoutes mounts the recovery API on the HTTP server.
func (s *RecoveryService) RegisterRoutes(srv *http.Server) {
	r := srv.Route("/v1")

	r.GET("/recovery/status", s.recoveryStatus)
	r.GET("/recovery/sessions/{id}", s.getSession)
	r.POST("/recovery/orchestrate", s.orchestrate)

	r.GET("/services/{service}/status", s.serviceStatus)
	r.GET("/services/{service}/checks", s.checkHistory)
	r.POST("/services/{service}/check", s.forceCheck)
	r.POST("/services/{service}/breaker/close", s.closeBreaker)

	r.GET("/errors/aggregates", s.errorAggregates)
}

// recoveryStatus handles GET /v1/recovery/status.
func (s *RecoveryService) recoveryStatus(ctx http.Context) error {
	status, err := s.status.RecoveryStatus(ctx)
	if err != nil {
		s.logger.Errorw("failed to assemble recovery status", "error", err)
		return err
	}
	return ctx.Result(200, status)
}

// serviceStatus handles GET /v1/services/{service}/status.
func (s *RecoveryService) serviceStatus(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	status, err := s.status.ServiceStatus(ctx, service)
	if err != nil {
		return err
	}
	return ctx.Result(200, status)
}

// checkHistory handles GET /v1/services/{service}/checks.
func (s *RecoveryService) checkHistory(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	checks, err := s.health.History(ctx, service, 20)
	if err != nil {
		return err
	}
	return ctx.Result(200, checks)
}

// forceCheck handles POST /v1/services/{service}/check. The forced flag
// bypasses the interval gate, this is the ops "probe it now" button.
func (s *RecoveryService) forceCheck(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	s.logger.Infow("forced health check requested", "service", service)

	result, err := s.health.RunCheck(ctx, service, true)
	if err != nil {
		return err
	}
	return ctx.Result(200, result)
}

// closeBreaker handles POST /v1/services/{service}/breaker/close.
func (s *RecoveryService) closeBreaker(ctx http.Context) error {
	service := ctx.Vars().Get("service")
	s.logger.Warnw("manual breaker close requested", "service", service)

	if err := s.breaker.ForceClose(ctx, service); err != nil {
		return err
	}
	return ctx.Result(200, s.breaker.Health(service))
}

// orchestrate handles POST /v1/recovery/orchestrate. Execution continues
// in the background; the response carries the session id and plan for
// polling.
func (s *RecoveryService) orchestrate(ctx http.Context) error {
	var req OrchestrateRequest
	if err := ctx.Bind(&req); err != nil {
		return errors.New(400, "INVALID_REQUEST", "request body must be JSON with an optional services array")
	}
	s.logger.Infow("orchestration requested", "services", req.Services)

	session, err := s.orchestrator.Orchestrate(ctx, req.Services)
	if err != nil {
		s.logger.Errorw("orchestration rejected", "services", req.Services, "error", err)
		return err
	}
	return ctx.Result(200, session)
}

// getSession handles GET /v1/recovery/sessions/{id}.
func (s *RecoveryService) getSession(ctx http.Context) error {
	session, err := s.orchestrator.GetSession(ctx, ctx.Vars().Get("id"))
	if err != nil {
		return err
	}
	return ctx.Result(200, session)
}

// errorAggregates handles GET /v1/errors/aggregates?service=&hours=.
func (s *RecoveryService) errorAggregates(ctx http.Context) error {
	query := ctx.Query()
	service := query.Get("service")

	hours := 24
	if raw := query.Get("hours"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return errors.New(400, "INVALID_REQUEST", "hours must be a positive integer")
		}
		hours = parsed
	}

	since := time.Now().Add(-time.Duration(hours) * time.Hour)
	aggs, err := s.classifier.AggregatesSince(ctx, service, since)
	if err != nil {
		return err
	}
	return ctx.Result(200, aggs)
}

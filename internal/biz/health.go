package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// defaultProbeInterval gates how often a service is probed when its config
// declares no interval.
const defaultProbeInterval = 30 * time.Second

// HealthCheckUsecase runs per-service health checks and evaluates the
// trailing check window. It is the component that turns raw probe results
// into breaker signals, recovery triggers, and recovery confirmations.
type HealthCheckUsecase struct {
	repo       HealthCheckRepo
	workflows  *RecoveryWorkflowUsecase
	breaker    *CircuitBreakerUsecase
	classifier *ErrorClassifierUsecase
	probes     *ProbeRegistry
	services   map[string]*conf.Service
	rcfg       conf.Recovery
	logger     *log.Helper

	now func() time.Time
}

// NewHealthCheckUsecase creates a new health check use case.
func NewHealthCheckUsecase(rc *conf.Recovery, services []*conf.Service, repo HealthCheckRepo, workflows *RecoveryWorkflowUsecase, breaker *CircuitBreakerUsecase, classifier *ErrorClassifierUsecase, probes *ProbeRegistry, logger log.Logger) *HealthCheckUsecase {
	return &HealthCheckUsecase{
		repo:       repo,
		workflows:  workflows,
		breaker:    breaker,
		classifier: classifier,
		probes:     probes,
		services:   serviceMap(services),
		rcfg:       recoveryConfig(rc),
		logger:     log.NewHelper(logger),
		now:        time.Now,
	}
}

// RunCheck probes one service and evaluates the trailing window. When
// forced is false the probe is suppressed if the service was checked more
// recently than its configured interval; suppressed checks are returned
// with Skipped set and are never persisted.
//
// A failed check that pushes the window past the service's failure
// threshold starts a recovery workflow; a successful check that pushes it
// past the success threshold confirms an active workflow as recovered.
func (uc *HealthCheckUsecase) RunCheck(ctx context.Context, service string, forced bool) (*model.CheckResult, error) {
	svc, ok := uc.services[service]
	if !ok {
		return nil, errors.New(404, "SERVICE_NOT_FOUND", fmt.Sprintf("service %s is not configured", service))
	}

	method := model.ProbePing
	interval := defaultProbeInterval
	if svc.Probe != nil {
		if svc.Probe.Method != "" {
			method = model.ProbeMethod(svc.Probe.Method)
		}
		if svc.Probe.Interval > 0 {
			interval = svc.Probe.Interval
		}
	}
	now := uc.now()

	if !forced {
		last, err := uc.repo.LatestCheck(ctx, service)
		if err != nil {
			uc.logger.Warnf("failed to read latest check for %s: %v (probing anyway)", service, err)
		} else if last != nil && now.Sub(last.CheckedAt) < interval {
			return &model.CheckResult{
				Service:   service,
				Skipped:   true,
				CheckType: method,
				CheckedAt: now,
			}, nil
		}
	}

	res := uc.probes.Probe(ctx, svc)
	result := &model.CheckResult{
		Service:      service,
		Success:      res.Success,
		ResponseTime: res.Latency,
		Error:        res.Error,
		CheckType:    method,
		CheckedAt:    now,
	}

	// Feed the outcome to the breaker, except for breaker-test probes:
	// echoing the breaker's own snapshot back into it would make an open
	// breaker self-sustaining.
	if method != model.ProbeBreakerTest {
		if res.Success {
			uc.breaker.RecordSuccess(ctx, service, res.Latency)
		} else {
			uc.breaker.RecordFailure(ctx, service, res.Error)
		}
	}
	if !res.Success {
		uc.classifier.ClassifyAndRecord(ctx, res.Error, service, "health_check")
	}

	uc.evaluateWindow(ctx, svc, result)

	if err := uc.repo.SaveCheck(ctx, result); err != nil {
		uc.logger.Errorw("failed to persist health check",
			"service", service,
			"error", err)
	}
	return result, nil
}

// evaluateWindow applies the trigger and confirm predicates over the
// current result plus the most recent persisted checks.
func (uc *HealthCheckUsecase) evaluateWindow(ctx context.Context, svc *conf.Service, result *model.CheckResult) {
	recent, err := uc.repo.RecentChecks(ctx, svc.Name, uc.rcfg.CheckWindowSize-1)
	if err != nil {
		uc.logger.Warnf("failed to load recent checks for %s: %v (evaluating current only)", svc.Name, err)
		recent = nil
	}

	windowSize := len(recent) + 1
	failures, successes := 0, 0
	if result.Success {
		successes++
	} else {
		failures++
	}
	for _, check := range recent {
		if check.Success {
			successes++
		} else {
			failures++
		}
	}

	switch {
	case !result.Success && failures >= svc.FailureThreshold:
		reason := fmt.Sprintf("%d of last %d health checks failed", failures, windowSize)
		wf, started, err := uc.workflows.StartRecovery(ctx, svc.Name, reason)
		if err != nil {
			uc.logger.Warnf("recovery not started for %s: %v", svc.Name, err)
			return
		}
		result.WorkflowID = wf.ID
		result.RecoveryTriggered = started

	case result.Success && successes >= svc.SuccessThreshold:
		wf, err := uc.workflows.ActiveWorkflow(ctx, svc.Name)
		if err != nil {
			uc.logger.Warnf("failed to look up active workflow for %s: %v", svc.Name, err)
			return
		}
		if wf == nil {
			return
		}
		result.WorkflowID = wf.ID
		reason := fmt.Sprintf("%d of last %d health checks succeeded", successes, windowSize)
		if err := uc.workflows.MarkRecovered(ctx, wf, reason); err != nil {
			uc.logger.Warnf("failed to confirm recovery for %s: %v", svc.Name, err)
			return
		}
		result.RecoveryConfirmed = true
	}
}

// RunDueChecks probes every configured service whose interval has elapsed.
// Checks fan out concurrently; the sweep returns when all finish. Called
// from cron.
func (uc *HealthCheckUsecase) RunDueChecks(ctx context.Context) {
	var wg sync.WaitGroup
	for name := range uc.services {
		wg.Add(1)
		go func(service string) {
			defer wg.Done()
			result, err := uc.RunCheck(ctx, service, false)
			if err != nil {
				uc.logger.Warnf("health check sweep failed for %s: %v", service, err)
				return
			}
			if result.Skipped {
				return
			}
			uc.logger.Debugw("health check completed",
				"service", service,
				"success", result.Success,
				"response_time_ms", result.ResponseTime.Milliseconds(),
				"recovery_triggered", result.RecoveryTriggered,
				"recovery_confirmed", result.RecoveryConfirmed)
		}(name)
	}
	wg.Wait()
}

// History returns the most recent persisted checks for a service, newest
// first.
func (uc *HealthCheckUsecase) History(ctx context.Context, service string, limit int) ([]*model.CheckResult, error) {
	if _, ok := uc.services[service]; !ok {
		return nil, errors.New(404, "SERVICE_NOT_FOUND", fmt.Sprintf("service %s is not configured", service))
	}
	return uc.repo.RecentChecks(ctx, service, limit)
}

// Latest returns the newest persisted check for a service, or nil.
func (uc *HealthCheckUsecase) Latest(ctx context.Context, service string) (*model.CheckResult, error) {
	return uc.repo.LatestCheck(ctx, service)
}

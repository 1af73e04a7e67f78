package biz

import (
	"context"
	"fmt"
	"time"

	"MendLane/internal/model"
)

// Recovery step names, in execution order.
const (
	stepServiceValidation      = "service_validation"
	stepCircuitBreakerReset    = "circuit_breaker_reset"
	stepGradualTrafficIncrease = "gradual_traffic_increase"
	stepFullRecoveryValidation = "full_recovery_validation"
	stepMonitoringSetup        = "monitoring_setup"
)

// fullRecoveryMaxFailureRate is the windowed failure rate the breaker must
// stay under for full recovery validation to pass.
const fullRecoveryMaxFailureRate = 0.05

// rampStages are the traffic percentages walked by the gradual traffic
// step. One stage is attempted per tick; a successful probe advances to
// the next stage without consuming a retry.
var rampStages = []int{10, 25, 50, 75, 100}

// stepFunc runs one attempt of a workflow step. done=true completes the
// step; done=false with a nil error means the step is mid-flight and will
// continue on the next tick; an error consumes a retry.
type stepFunc func(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error)

// stepDefinition is one registry entry: a step name, the workflow phase it
// runs under, its retry budget, and its implementation.
type stepDefinition struct {
	name       string
	phase      model.WorkflowPhase
	maxRetries int
	run        stepFunc
}

// stepDefinitions builds the ordered step registry. New step types are
// added here and nowhere else.
func (uc *RecoveryWorkflowUsecase) stepDefinitions() []stepDefinition {
	return []stepDefinition{
		{name: stepServiceValidation, phase: model.PhaseValidation, maxRetries: 3, run: uc.runServiceValidation},
		{name: stepCircuitBreakerReset, phase: model.PhaseValidation, maxRetries: 1, run: uc.runCircuitBreakerReset},
		{name: stepGradualTrafficIncrease, phase: model.PhaseGradualRecovery, maxRetries: 5, run: uc.runGradualTrafficIncrease},
		{name: stepFullRecoveryValidation, phase: model.PhaseFullRecovery, maxRetries: 3, run: uc.runFullRecoveryValidation},
		{name: stepMonitoringSetup, phase: model.PhaseFullRecovery, maxRetries: 1, run: uc.runMonitoringSetup},
	}
}

func (uc *RecoveryWorkflowUsecase) stepByName(name string) (stepDefinition, bool) {
	for _, def := range uc.steps {
		if def.name == name {
			return def, true
		}
	}
	return stepDefinition{}, false
}

// newSteps instantiates the pending step sequence for a new workflow.
func (uc *RecoveryWorkflowUsecase) newSteps() []model.RecoveryStep {
	out := make([]model.RecoveryStep, len(uc.steps))
	for i, def := range uc.steps {
		out[i] = model.RecoveryStep{
			Name:       def.name,
			Status:     model.StepPending,
			MaxRetries: def.maxRetries,
		}
	}
	return out
}

// runServiceValidation confirms the service is actually unhealthy before
// any recovery action. A healthy service fails the step: recovering
// something that is not broken only causes churn.
func (uc *RecoveryWorkflowUsecase) runServiceValidation(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error) {
	health := uc.breaker.Health(wf.Service)
	if health.IsHealthy {
		return false, fmt.Errorf("service %s already reports healthy, nothing to recover", wf.Service)
	}
	step.Data = map[string]interface{}{
		"breakerState": string(health.State),
		"failureRate":  health.FailureRate,
	}
	return true, nil
}

// runCircuitBreakerReset force-closes the breaker so ramp traffic can flow.
func (uc *RecoveryWorkflowUsecase) runCircuitBreakerReset(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error) {
	if err := uc.breaker.ForceClose(ctx, wf.Service); err != nil {
		return false, err
	}
	return true, nil
}

// runGradualTrafficIncrease walks the ramp stages, probing the service at
// each one and feeding the outcome to the breaker so the trailing window
// reflects the ramp. A failed probe keeps the current stage and consumes a
// retry; a successful probe advances without consuming one.
func (uc *RecoveryWorkflowUsecase) runGradualTrafficIncrease(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error) {
	stage := nextRampStage(step)

	if !uc.breaker.CanExecute(ctx, wf.Service) {
		return false, fmt.Errorf("circuit breaker rejected traffic at %d%% stage", stage)
	}

	res := uc.probes.Probe(ctx, uc.services[wf.Service])
	if !res.Success {
		uc.breaker.RecordFailure(ctx, wf.Service, res.Error)
		return false, fmt.Errorf("probe failed at %d%% traffic: %s", stage, res.Error)
	}
	uc.breaker.RecordSuccess(ctx, wf.Service, res.Latency)

	if step.Data == nil {
		step.Data = make(map[string]interface{})
	}
	step.Data["trafficPercent"] = stage
	uc.logger.Infow("traffic ramp stage passed",
		"workflow_id", wf.ID,
		"service", wf.Service,
		"traffic_percent", stage,
		"latency_ms", res.Latency.Milliseconds())

	return stage >= rampStages[len(rampStages)-1], nil
}

// runFullRecoveryValidation requires the breaker to report healthy with a
// windowed failure rate under the full recovery ceiling. The window was
// rebuilt by the ramp probes, so this reads the breaker rather than
// touching the service again.
func (uc *RecoveryWorkflowUsecase) runFullRecoveryValidation(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error) {
	health := uc.breaker.Health(wf.Service)
	if !health.IsHealthy {
		return false, fmt.Errorf("service %s not healthy yet: breaker %s, failure rate %.0f%%",
			wf.Service, health.State, health.FailureRate*100)
	}
	if health.FailureRate >= fullRecoveryMaxFailureRate {
		return false, fmt.Errorf("failure rate %.1f%% still at or above %.0f%%",
			health.FailureRate*100, fullRecoveryMaxFailureRate*100)
	}
	step.Data = map[string]interface{}{
		"failureRate": health.FailureRate,
		"state":       string(health.State),
	}
	return true, nil
}

// runMonitoringSetup is bookkeeping: it stamps when post-recovery
// monitoring began so the status surface can show it.
func (uc *RecoveryWorkflowUsecase) runMonitoringSetup(ctx context.Context, wf *model.Workflow, step *model.RecoveryStep) (bool, error) {
	step.Data = map[string]interface{}{
		"monitoringSince": uc.now().UTC().Format(time.RFC3339),
	}
	return true, nil
}

// nextRampStage returns the stage to attempt based on the last stage the
// step recorded. Step data travels through JSON, so the recorded value may
// come back as float64.
func nextRampStage(step *model.RecoveryStep) int {
	current := 0
	if step.Data != nil {
		switch v := step.Data["trafficPercent"].(type) {
		case int:
			current = v
		case float64:
			current = int(v)
		}
	}
	for _, stage := range rampStages {
		if stage > current {
			return stage
		}
	}
	return rampStages[len(rampStages)-1]
}

package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// WorkflowPhase represents the lifecycle phase of a recovery workflow.
type WorkflowPhase string

// Workflow phases. monitoring and failed are terminal.
const (
	PhaseDetection       WorkflowPhase = "detection"
	PhaseValidation      WorkflowPhase = "validation"
	PhaseGradualRecovery WorkflowPhase = "gradual_recovery"
	PhaseFullRecovery    WorkflowPhase = "full_recovery"
	PhaseMonitoring      WorkflowPhase = "monitoring"
	PhaseFailed          WorkflowPhase = "failed"
)

// Terminal reports whether the phase ends the workflow.
func (p WorkflowPhase) Terminal() bool {
	return p == PhaseMonitoring || p == PhaseFailed
}

// Scan implements sql.Scanner interface for WorkflowPhase.
func (p *WorkflowPhase) Scan(value interface{}) error {
	if value == nil {
		*p = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*p = WorkflowPhase(v)
	case string:
		*p = WorkflowPhase(v)
	default:
		return fmt.Errorf("cannot scan type %T into WorkflowPhase", value)
	}
	return nil
}

// Value implements driver.Valuer interface for WorkflowPhase.
func (p WorkflowPhase) Value() (driver.Value, error) {
	return string(p), nil
}

// StepStatus represents the execution status of a single recovery step.
type StepStatus string

// Recovery step statuses.
const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// RecoveryStep is one entry of a workflow's ordered step sequence.
// Data carries opaque step bookkeeping (ramp percentages, probe counts).
type RecoveryStep struct {
	Name        string                 `json:"name"`
	Status      StepStatus             `json:"status"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	RetryCount  int                    `json:"retryCount"`
	MaxRetries  int                    `json:"maxRetries"`
	Error       string                 `json:"error,omitempty"`
	Data        map[string]interface{} `json:"data,omitempty"`
}

// Workflow is the per-service recovery state machine instance.
// At most one non-terminal workflow exists per service.
type Workflow struct {
	ID                  string         `json:"id"`
	Service             string         `json:"service"`
	Phase               WorkflowPhase  `json:"phase"`
	StartedAt           time.Time      `json:"startedAt"`
	LastUpdate          time.Time      `json:"lastUpdate"`
	Progress            int            `json:"progress"`
	Steps               []RecoveryStep `json:"steps"`
	CurrentStepIndex    int            `json:"currentStepIndex"`
	AutoRecoveryEnabled bool           `json:"autoRecoveryEnabled"`
}

// CurrentStep returns the step at CurrentStepIndex, or nil when all
// steps have completed.
func (w *Workflow) CurrentStep() *RecoveryStep {
	if w.CurrentStepIndex < 0 || w.CurrentStepIndex >= len(w.Steps) {
		return nil
	}
	return &w.Steps[w.CurrentStepIndex]
}

// RecomputeProgress recalculates progress as completedSteps/totalSteps*100.
func (w *Workflow) RecomputeProgress() {
	if len(w.Steps) == 0 {
		w.Progress = 0
		return
	}
	completed := 0
	for _, s := range w.Steps {
		if s.Status == StepCompleted || s.Status == StepSkipped {
			completed++
		}
	}
	w.Progress = completed * 100 / len(w.Steps)
}

// WorkflowOutcome is published when a workflow reaches a terminal phase.
type WorkflowOutcome struct {
	WorkflowID   string
	Service      string
	Phase        WorkflowPhase
	RecoveryTime time.Duration
	Error        string
}

// Succeeded reports whether the workflow ended in terminal success.
func (o WorkflowOutcome) Succeeded() bool {
	return o.Phase == PhaseMonitoring
}

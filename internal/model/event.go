package model

import (
	"encoding/json"
	"time"
)

// BreakerOpenedEvent represents a circuit breaker opened notification.
type BreakerOpenedEvent struct {
	Service             string    `json:"service"`
	FailureRate         float64   `json:"failureRate"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	Reason              string    `json:"reason"`
	OpenedAt            time.Time `json:"openedAt"`
}

// ServiceRecoveredEvent represents a successfully finished recovery
// workflow. RecoveryTime is lastUpdate - startedAt of the workflow.
type ServiceRecoveredEvent struct {
	Service      string        `json:"service"`
	WorkflowID   string        `json:"workflowId"`
	RecoveryTime time.Duration `json:"-"`
}

// MarshalJSON emits the recovery time in milliseconds, matching what
// downstream alerting expects.
func (e ServiceRecoveredEvent) MarshalJSON() ([]byte, error) {
	type alias ServiceRecoveredEvent
	return json.Marshal(struct {
		alias
		RecoveryTimeMs int64 `json:"recoveryTimeMs"`
	}{alias(e), e.RecoveryTime.Milliseconds()})
}

// OrchestrationFinishedEvent represents a terminal orchestration session.
type OrchestrationFinishedEvent struct {
	SessionID         string        `json:"sessionId"`
	Status            SessionStatus `json:"status"`
	CompletedServices []string      `json:"completedServices"`
	FailedServices    []string      `json:"failedServices"`
	Duration          time.Duration `json:"-"`
}

// MarshalJSON emits the session duration in milliseconds.
func (e OrchestrationFinishedEvent) MarshalJSON() ([]byte, error) {
	type alias OrchestrationFinishedEvent
	return json.Marshal(struct {
		alias
		DurationMs int64 `json:"durationMs"`
	}{alias(e), e.Duration.Milliseconds()})
}

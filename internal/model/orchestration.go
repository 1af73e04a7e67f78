package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// Criticality is the static importance tier of a service. It drives
// recovery ordering and the abort-on-failure policy.
type Criticality string

// Criticality tiers, lowest to highest.
const (
	CriticalityLow      Criticality = "low"
	CriticalityMedium   Criticality = "medium"
	CriticalityHigh     Criticality = "high"
	CriticalityCritical Criticality = "critical"
)

// Valid reports whether the criticality is a known tier.
func (c Criticality) Valid() bool {
	switch c {
	case CriticalityLow, CriticalityMedium, CriticalityHigh, CriticalityCritical:
		return true
	}
	return false
}

// ServiceDependency is static recovery metadata declared in configuration.
type ServiceDependency struct {
	Service                 string      `json:"service"`
	DependsOn               []string    `json:"dependsOn"`
	Criticality             Criticality `json:"criticality"`
	RecoveryPriority        int         `json:"recoveryPriority"`
	CanRecoverIndependently bool        `json:"canRecoverIndependently"`
}

// RecoveryPhase is one planned group of services. Pre-validation may
// prune services that turn out to be healthy before the phase runs.
type RecoveryPhase struct {
	Name              string        `json:"name"`
	Services          []string      `json:"services"`
	Parallel          bool          `json:"parallel"`
	Critical          bool          `json:"critical"`
	EstimatedDuration time.Duration `json:"estimatedDuration"`
}

// RecoveryPlan is the ordered phase sequence produced by plan building.
type RecoveryPlan struct {
	Phases            []RecoveryPhase `json:"phases"`
	EstimatedDuration time.Duration   `json:"estimatedDuration"`
}

// SessionStatus represents the lifecycle status of an orchestration run.
type SessionStatus string

// Orchestration session statuses. completed and failed are terminal.
const (
	SessionPlanning  SessionStatus = "planning"
	SessionExecuting SessionStatus = "executing"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Terminal reports whether the status ends the session.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

// Scan implements sql.Scanner interface for SessionStatus.
func (s *SessionStatus) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = SessionStatus(v)
	case string:
		*s = SessionStatus(v)
	default:
		return fmt.Errorf("cannot scan type %T into SessionStatus", value)
	}
	return nil
}

// Value implements driver.Valuer interface for SessionStatus.
func (s SessionStatus) Value() (driver.Value, error) {
	return string(s), nil
}

// Session tracks one orchestration run end to end.
type Session struct {
	ID                  string        `json:"id"`
	Status              SessionStatus `json:"status"`
	PlannedServices     []string      `json:"plannedServices"`
	CompletedServices   []string      `json:"completedServices"`
	FailedServices      []string      `json:"failedServices"`
	CurrentPhase        string        `json:"currentPhase"`
	Plan                RecoveryPlan  `json:"plan"`
	Progress            int           `json:"progress"`
	EstimatedCompletion time.Time     `json:"estimatedCompletion"`
	Error               string        `json:"error,omitempty"`
	StartedAt           time.Time     `json:"startedAt"`
	UpdatedAt           time.Time     `json:"updatedAt"`
}

// Clone returns a deep copy. The executing orchestrator mutates its
// session concurrently with API reads, so snapshots must not share slices.
func (s *Session) Clone() *Session {
	out := *s
	out.PlannedServices = append([]string(nil), s.PlannedServices...)
	out.CompletedServices = append([]string(nil), s.CompletedServices...)
	out.FailedServices = append([]string(nil), s.FailedServices...)
	out.Plan.Phases = make([]RecoveryPhase, len(s.Plan.Phases))
	for i, p := range s.Plan.Phases {
		out.Plan.Phases[i] = p
		out.Plan.Phases[i].Services = append([]string(nil), p.Services...)
	}
	return &out
}

package model

import "time"

// ProbeMethod selects how a service health probe is executed.
type ProbeMethod string

// Supported probe methods.
const (
	ProbePing        ProbeMethod = "ping"
	ProbeAPICall     ProbeMethod = "api_call"
	ProbeBreakerTest ProbeMethod = "circuit_breaker_test"
	ProbeCustom      ProbeMethod = "custom"
)

// Valid reports whether the method is one of the supported probe methods.
func (m ProbeMethod) Valid() bool {
	switch m {
	case ProbePing, ProbeAPICall, ProbeBreakerTest, ProbeCustom:
		return true
	}
	return false
}

// ProbeResult is the outcome of a single probe invocation.
type ProbeResult struct {
	Success bool
	Latency time.Duration
	Error   string
}

// CheckResult is returned by a health check run. Skipped means the
// interval gate suppressed the probe and no record was written.
type CheckResult struct {
	Service           string        `json:"service"`
	Skipped           bool          `json:"skipped"`
	Success           bool          `json:"success"`
	ResponseTime      time.Duration `json:"responseTime"`
	Error             string        `json:"error,omitempty"`
	CheckType         ProbeMethod   `json:"checkType"`
	CheckedAt         time.Time     `json:"checkedAt"`
	RecoveryTriggered bool          `json:"recoveryTriggered"`
	RecoveryConfirmed bool          `json:"recoveryConfirmed"`
	WorkflowID        string        `json:"workflowId,omitempty"`
}

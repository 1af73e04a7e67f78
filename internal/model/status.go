package model

import "time"

// RecoveryMetrics are the computed counters the status API reports:
// live workload plus success/failure tallies over the trailing 24 hours.
type RecoveryMetrics struct {
	ActiveCount       int     `json:"activeCount"`
	Succeeded24h      int     `json:"succeeded24h"`
	Failed24h         int     `json:"failed24h"`
	AvgRecoveryTimeMs int64   `json:"avgRecoveryTimeMs"`
	Throughput        float64 `json:"throughput"`
	MaxConcurrent     int     `json:"maxConcurrent"`
	// GaugeActive is the advisory cross-instance counter kept in Redis.
	// It can drift from ActiveCount briefly; ActiveCount is authoritative.
	GaugeActive int64 `json:"gaugeActive"`
}

// RecoveryStatus is the system-wide recovery snapshot.
type RecoveryStatus struct {
	ActiveWorkflows []*Workflow     `json:"activeWorkflows"`
	RecentWorkflows []*Workflow     `json:"recentWorkflows"`
	RecentSessions  []*Session      `json:"recentSessions"`
	Metrics         RecoveryMetrics `json:"metrics"`
	GeneratedAt     time.Time       `json:"generatedAt"`
}

// ServiceStatus is the per-service recovery snapshot: breaker health,
// the active workflow if any, the latest probe outcome, and recent
// breaker transitions.
type ServiceStatus struct {
	Service           string               `json:"service"`
	Criticality       Criticality          `json:"criticality"`
	RecoveryPriority  int                  `json:"recoveryPriority"`
	Health            BreakerHealth        `json:"health"`
	ActiveWorkflow    *Workflow            `json:"activeWorkflow,omitempty"`
	LastCheck         *CheckResult         `json:"lastCheck,omitempty"`
	RecentTransitions []*BreakerTransition `json:"recentTransitions"`
	GeneratedAt       time.Time            `json:"generatedAt"`
}

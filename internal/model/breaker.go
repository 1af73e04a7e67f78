// Package model holds domain types shared between the biz and data layers.
package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// BreakerState represents the three-state circuit breaker gate.
type BreakerState string

// Circuit breaker states. Transitions are closed→open on threshold breach,
// open→half_open after cooldown, half_open→closed on success threshold,
// half_open→open on any failure.
const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Scan implements sql.Scanner interface for BreakerState.
func (s *BreakerState) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = BreakerState(v)
	case string:
		*s = BreakerState(v)
	default:
		return fmt.Errorf("cannot scan type %T into BreakerState", value)
	}
	return nil
}

// Value implements driver.Valuer interface for BreakerState.
func (s BreakerState) Value() (driver.Value, error) {
	return string(s), nil
}

// BreakerHealth is the health snapshot exposed by the circuit breaker.
type BreakerHealth struct {
	Service              string       `json:"service"`
	State                BreakerState `json:"state"`
	IsHealthy            bool         `json:"isHealthy"`
	FailureRate          float64      `json:"failureRate"`
	ConsecutiveFailures  int          `json:"consecutiveFailures"`
	ConsecutiveSuccesses int          `json:"consecutiveSuccesses"`
	LastTransition       time.Time    `json:"lastTransition"`
}

// BreakerTransition records a single state change for persistence and audit.
type BreakerTransition struct {
	Service             string       `json:"service"`
	FromState           BreakerState `json:"fromState"`
	ToState             BreakerState `json:"toState"`
	Reason              string       `json:"reason"`
	FailureRate         float64      `json:"failureRate"`
	ConsecutiveFailures int          `json:"consecutiveFailures"`
	OccurredAt          time.Time    `json:"occurredAt"`
}

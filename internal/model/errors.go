package model

import (
	"database/sql/driver"
	"fmt"
	"time"
)

// ErrorCategory is the classification bucket for a reported failure.
type ErrorCategory string

// Error categories, in classifier rule order. First match wins.
const (
	CategoryNetwork        ErrorCategory = "network"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryValidation     ErrorCategory = "validation"
	CategoryCircuitBreaker ErrorCategory = "circuit_breaker"
	CategoryFallback       ErrorCategory = "fallback"
	CategoryServiceError   ErrorCategory = "service_error"
	CategoryUnknown        ErrorCategory = "unknown"
)

// Scan implements sql.Scanner interface for ErrorCategory.
func (c *ErrorCategory) Scan(value interface{}) error {
	if value == nil {
		*c = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*c = ErrorCategory(v)
	case string:
		*c = ErrorCategory(v)
	default:
		return fmt.Errorf("cannot scan type %T into ErrorCategory", value)
	}
	return nil
}

// Value implements driver.Valuer interface for ErrorCategory.
func (c ErrorCategory) Value() (driver.Value, error) {
	return string(c), nil
}

// ErrorSeverity grades how serious a classified error is.
type ErrorSeverity string

// Error severities, lowest to highest.
const (
	SeverityLow      ErrorSeverity = "low"
	SeverityMedium   ErrorSeverity = "medium"
	SeverityHigh     ErrorSeverity = "high"
	SeverityCritical ErrorSeverity = "critical"
)

// Rank returns a comparable ordering for severity, higher is worse.
func (s ErrorSeverity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// Scan implements sql.Scanner interface for ErrorSeverity.
func (s *ErrorSeverity) Scan(value interface{}) error {
	if value == nil {
		*s = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*s = ErrorSeverity(v)
	case string:
		*s = ErrorSeverity(v)
	default:
		return fmt.Errorf("cannot scan type %T into ErrorSeverity", value)
	}
	return nil
}

// Value implements driver.Valuer interface for ErrorSeverity.
func (s ErrorSeverity) Value() (driver.Value, error) {
	return string(s), nil
}

// ImpactLevel grades user or business impact of a classified error.
type ImpactLevel string

// Impact levels.
const (
	ImpactNone   ImpactLevel = "none"
	ImpactLow    ImpactLevel = "low"
	ImpactMedium ImpactLevel = "medium"
	ImpactHigh   ImpactLevel = "high"
)

// Scan implements sql.Scanner interface for ImpactLevel.
func (l *ImpactLevel) Scan(value interface{}) error {
	if value == nil {
		*l = ""
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*l = ImpactLevel(v)
	case string:
		*l = ImpactLevel(v)
	default:
		return fmt.Errorf("cannot scan type %T into ImpactLevel", value)
	}
	return nil
}

// Value implements driver.Valuer interface for ImpactLevel.
func (l ImpactLevel) Value() (driver.Value, error) {
	return string(l), nil
}

// ClassifiedError is the output of the error classifier. Fingerprint and
// AggregationKey group identical error patterns; they carry no ownership
// semantics. LogID identifies this single occurrence.
type ClassifiedError struct {
	LogID            string        `json:"logId"`
	Message          string        `json:"message"`
	Category         ErrorCategory `json:"category"`
	Severity         ErrorSeverity `json:"severity"`
	Retryable        bool          `json:"retryable"`
	FallbackEligible bool          `json:"fallbackEligible"`
	UserImpact       ImpactLevel   `json:"userImpact"`
	BusinessImpact   ImpactLevel   `json:"businessImpact"`
	Service          string        `json:"service"`
	Operation        string        `json:"operation"`
	Fingerprint      string        `json:"fingerprint"`
	AggregationKey   string        `json:"aggregationKey"`
	OccurredAt       time.Time     `json:"occurredAt"`
}

// MaxAggregateSamples bounds the sample log ids kept per bucket.
const MaxAggregateSamples = 10

// ErrorAggregate is an hourly rollup bucket keyed by
// (window start, service, category).
type ErrorAggregate struct {
	WindowStart     time.Time             `json:"windowStart"`
	Service         string                `json:"service"`
	Category        ErrorCategory         `json:"category"`
	Count           int64                 `json:"count"`
	HighestSeverity ErrorSeverity         `json:"highestSeverity"`
	SampleIDs       []string              `json:"sampleIds"`
	UserImpact      map[ImpactLevel]int64 `json:"userImpact"`
	BusinessImpact  map[ImpactLevel]int64 `json:"businessImpact"`
}

// Merge folds a delta bucket into a: counts and impact tallies add, the
// worst severity wins, and sample ids keep the most recent
// MaxAggregateSamples. The delta's samples are treated as newer.
func (a *ErrorAggregate) Merge(delta *ErrorAggregate) {
	a.Count += delta.Count
	if delta.HighestSeverity.Rank() > a.HighestSeverity.Rank() {
		a.HighestSeverity = delta.HighestSeverity
	}
	a.SampleIDs = append(a.SampleIDs, delta.SampleIDs...)
	if len(a.SampleIDs) > MaxAggregateSamples {
		a.SampleIDs = a.SampleIDs[len(a.SampleIDs)-MaxAggregateSamples:]
	}
	if a.UserImpact == nil && len(delta.UserImpact) > 0 {
		a.UserImpact = make(map[ImpactLevel]int64, len(delta.UserImpact))
	}
	for k, v := range delta.UserImpact {
		a.UserImpact[k] += v
	}
	if a.BusinessImpact == nil && len(delta.BusinessImpact) > 0 {
		a.BusinessImpact = make(map[ImpactLevel]int64, len(delta.BusinessImpact))
	}
	for k, v := range delta.BusinessImpact {
		a.BusinessImpact[k] += v
	}
}

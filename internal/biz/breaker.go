package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

const (
	// minSamplesForRate is the minimum trailing window size before the
	// failure-rate trip condition applies. Below it only the consecutive
	// failure threshold can open the breaker.
	minSamplesForRate = 10

	// healthyRateCeiling is the failure rate above which a closed breaker
	// stops reporting the service as healthy.
	healthyRateCeiling = 0.1
)

// serviceBreaker holds the in-memory gate state for one service. The
// trailing window is a ring of call outcomes (true = success) used for
// the failure-rate trip condition and health reporting.
type serviceBreaker struct {
	mu sync.Mutex

	service              string
	state                model.BreakerState
	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time

	window     []bool
	windowNext int
	windowLen  int

	// localProbes is the in-process half-open budget used when the shared
	// Redis budget is unreachable.
	localProbes int
}

func (b *serviceBreaker) observeLocked(success bool) {
	if len(b.window) == 0 {
		return
	}
	b.window[b.windowNext] = success
	b.windowNext = (b.windowNext + 1) % len(b.window)
	if b.windowLen < len(b.window) {
		b.windowLen++
	}
}

func (b *serviceBreaker) windowStatsLocked() (failures, samples int) {
	samples = b.windowLen
	for i := 0; i < b.windowLen; i++ {
		if !b.window[i] {
			failures++
		}
	}
	return failures, samples
}

func (b *serviceBreaker) failureRateLocked() float64 {
	failures, samples := b.windowStatsLocked()
	if samples == 0 {
		return 0
	}
	return float64(failures) / float64(samples)
}

// resetLocked clears counters, the outcome window, and the local probe
// budget. Every state transition starts from a clean slate so the new
// regime is judged only on calls made after it began.
func (b *serviceBreaker) resetLocked() {
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.windowNext = 0
	b.windowLen = 0
	b.localProbes = 0
}

// transitionLocked moves the breaker to a new state and returns the audit
// record, with rate and counters captured before the reset.
func (b *serviceBreaker) transitionLocked(to model.BreakerState, reason string, now time.Time) *model.BreakerTransition {
	t := &model.BreakerTransition{
		Service:             b.service,
		FromState:           b.state,
		ToState:             to,
		Reason:              reason,
		FailureRate:         b.failureRateLocked(),
		ConsecutiveFailures: b.consecutiveFailures,
		OccurredAt:          now,
	}
	b.state = to
	b.lastTransition = now
	b.resetLocked()
	return t
}

// CircuitBreakerUsecase implements the per-service three-state gate
// (closed, open, half_open) in front of protected services.
//
// State lives in memory for fast-path decisions; transitions are persisted
// for audit and crash recovery, and the half-open probe budget plus the
// opened-notification marker are coordinated through Redis so multiple
// instances agree. Redis failures degrade to in-process state and never
// block a decision.
type CircuitBreakerUsecase struct {
	repo       BreakerStateRepo
	classifier *ErrorClassifierUsecase
	notifier   NotificationService
	cfg        conf.Breaker
	logger     *log.Helper

	mu       sync.RWMutex
	breakers map[string]*serviceBreaker

	now func() time.Time
}

// NewCircuitBreakerUsecase creates a new circuit breaker use case and
// restores last known states from the transition history.
func NewCircuitBreakerUsecase(c *conf.Breaker, repo BreakerStateRepo, classifier *ErrorClassifierUsecase, notifier NotificationService, logger log.Logger) *CircuitBreakerUsecase {
	uc := &CircuitBreakerUsecase{
		repo:       repo,
		classifier: classifier,
		notifier:   notifier,
		cfg:        breakerConfig(c),
		logger:     log.NewHelper(logger),
		breakers:   make(map[string]*serviceBreaker),
		now:        time.Now,
	}
	uc.restore()
	return uc
}

// breakerConfig fills zero values so a partially populated config still
// yields a working breaker.
func breakerConfig(c *conf.Breaker) conf.Breaker {
	out := conf.Breaker{}
	if c != nil {
		out = *c
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 5
	}
	if out.FailureRateThreshold <= 0 {
		out.FailureRateThreshold = 0.5
	}
	if out.Cooldown <= 0 {
		out.Cooldown = 60 * time.Second
	}
	if out.SuccessThreshold <= 0 {
		out.SuccessThreshold = 3
	}
	if out.HalfOpenMaxProbes <= 0 {
		out.HalfOpenMaxProbes = 3
	}
	if out.WindowSize <= 0 {
		out.WindowSize = 20
	}
	return out
}

// restore seeds in-memory state from the latest persisted transition per
// service. Open breakers restart their cooldown from process start; the
// outcome window is not reconstructed.
func (uc *CircuitBreakerUsecase) restore() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	states, err := uc.repo.LatestStates(ctx)
	if err != nil {
		uc.logger.Warnf("breaker state restore failed, starting closed: %v", err)
		return
	}
	now := uc.now()
	for service, state := range states {
		b := uc.breaker(service)
		b.mu.Lock()
		b.state = state
		b.lastTransition = now
		b.mu.Unlock()
	}
	if len(states) > 0 {
		uc.logger.Infow("breaker states restored", "services", len(states))
	}
}

// breaker returns the state holder for a service, creating it on first use.
func (uc *CircuitBreakerUsecase) breaker(service string) *serviceBreaker {
	uc.mu.RLock()
	b, ok := uc.breakers[service]
	uc.mu.RUnlock()
	if ok {
		return b
	}

	uc.mu.Lock()
	defer uc.mu.Unlock()
	if b, ok = uc.breakers[service]; ok {
		return b
	}
	b = &serviceBreaker{
		service: service,
		state:   model.BreakerClosed,
		window:  make([]bool, uc.cfg.WindowSize),
	}
	uc.breakers[service] = b
	return b
}

// RecordSuccess records a successful call. While half-open, reaching the
// success threshold closes the breaker.
func (uc *CircuitBreakerUsecase) RecordSuccess(ctx context.Context, service string, latency time.Duration) {
	b := uc.breaker(service)

	b.mu.Lock()
	b.observeLocked(true)
	b.consecutiveFailures = 0
	b.consecutiveSuccesses++

	var transition *model.BreakerTransition
	if b.state == model.BreakerHalfOpen && b.consecutiveSuccesses >= uc.cfg.SuccessThreshold {
		transition = b.transitionLocked(model.BreakerClosed,
			fmt.Sprintf("recovered: %d consecutive successful probes", b.consecutiveSuccesses), uc.now())
	}
	b.mu.Unlock()

	if transition == nil {
		return
	}

	uc.persistTransition(ctx, transition)
	if err := uc.repo.ClearOpen(ctx, service); err != nil {
		uc.logger.Warnf("failed to clear open marker for %s: %v", service, err)
	}
	uc.logger.Infow("circuit breaker closed",
		"service", service,
		"reason", transition.Reason,
		"probe_latency_ms", latency.Milliseconds())
}

// RecordFailure records a failed call. A half-open breaker reopens on the
// first failure; a closed breaker opens when the consecutive failure
// threshold or the windowed failure rate threshold is reached.
func (uc *CircuitBreakerUsecase) RecordFailure(ctx context.Context, service, reason string) {
	b := uc.breaker(service)

	b.mu.Lock()
	b.observeLocked(false)
	b.consecutiveSuccesses = 0
	b.consecutiveFailures++

	var transition *model.BreakerTransition
	now := uc.now()
	switch b.state {
	case model.BreakerHalfOpen:
		transition = b.transitionLocked(model.BreakerOpen,
			fmt.Sprintf("circuit breaker reopened: probe failed while half-open (%s)", reason), now)
	case model.BreakerClosed:
		_, samples := b.windowStatsLocked()
		rate := b.failureRateLocked()
		if b.consecutiveFailures >= uc.cfg.FailureThreshold {
			transition = b.transitionLocked(model.BreakerOpen,
				fmt.Sprintf("circuit breaker opened: %d consecutive failures (last: %s)",
					b.consecutiveFailures, reason), now)
		} else if samples >= minSamplesForRate && rate >= uc.cfg.FailureRateThreshold {
			transition = b.transitionLocked(model.BreakerOpen,
				fmt.Sprintf("circuit breaker opened: failure rate %.0f%% over last %d calls (last: %s)",
					rate*100, samples, reason), now)
		}
	}
	b.mu.Unlock()

	if transition != nil && transition.ToState == model.BreakerOpen {
		uc.reportOpened(ctx, transition)
	}
}

// CanExecute reports whether a call to the service may proceed. An open
// breaker whose cooldown has elapsed moves to half_open and the caller
// competes for one of the bounded probe slots.
func (uc *CircuitBreakerUsecase) CanExecute(ctx context.Context, service string) bool {
	b := uc.breaker(service)

	b.mu.Lock()
	var transition *model.BreakerTransition
	if b.state == model.BreakerOpen && uc.now().Sub(b.lastTransition) >= uc.cfg.Cooldown {
		transition = b.transitionLocked(model.BreakerHalfOpen, "cooldown elapsed, probing", uc.now())
	}
	state := b.state
	b.mu.Unlock()

	if transition != nil {
		uc.persistTransition(ctx, transition)
		if err := uc.repo.ResetProbes(ctx, service); err != nil {
			uc.logger.Warnf("failed to reset probe budget for %s: %v", service, err)
		}
	}

	switch state {
	case model.BreakerClosed:
		return true
	case model.BreakerOpen:
		return false
	default:
		return uc.acquireProbe(ctx, b)
	}
}

// acquireProbe claims one half-open probe slot from the shared Redis
// budget, falling back to an in-process budget when Redis is unreachable.
func (uc *CircuitBreakerUsecase) acquireProbe(ctx context.Context, b *serviceBreaker) bool {
	ok, err := uc.repo.TryAcquireProbe(ctx, b.service, uc.cfg.HalfOpenMaxProbes, uc.cfg.Cooldown)
	if err == nil {
		return ok
	}

	b.mu.Lock()
	allowed := b.localProbes < uc.cfg.HalfOpenMaxProbes
	if allowed {
		b.localProbes++
	}
	b.mu.Unlock()
	uc.logger.Warnf("shared probe budget unavailable for %s: %v (local budget allowed=%v)", b.service, err, allowed)
	return allowed
}

// ForceClose resets the breaker to closed regardless of current state.
// Used by the recovery workflow's breaker reset step and the ops API.
func (uc *CircuitBreakerUsecase) ForceClose(ctx context.Context, service string) error {
	b := uc.breaker(service)

	b.mu.Lock()
	var transition *model.BreakerTransition
	if b.state != model.BreakerClosed {
		transition = b.transitionLocked(model.BreakerClosed, "forced close", uc.now())
	} else {
		b.resetLocked()
	}
	b.mu.Unlock()

	if transition != nil {
		if err := uc.repo.SaveTransition(ctx, transition); err != nil {
			return fmt.Errorf("failed to persist forced close for %s: %w", service, err)
		}
	}
	if err := uc.repo.ClearOpen(ctx, service); err != nil {
		uc.logger.Warnf("failed to clear open marker for %s: %v", service, err)
	}
	if err := uc.repo.ResetProbes(ctx, service); err != nil {
		uc.logger.Warnf("failed to reset probe budget for %s: %v", service, err)
	}

	uc.logger.Infow("circuit breaker force closed", "service", service)
	return nil
}

// Health returns the current health snapshot for a service. Services with
// no recorded traffic report closed and healthy.
func (uc *CircuitBreakerUsecase) Health(service string) *model.BreakerHealth {
	uc.mu.RLock()
	b := uc.breakers[service]
	uc.mu.RUnlock()

	if b == nil {
		return &model.BreakerHealth{
			Service:   service,
			State:     model.BreakerClosed,
			IsHealthy: true,
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	rate := b.failureRateLocked()
	return &model.BreakerHealth{
		Service:              service,
		State:                b.state,
		IsHealthy:            b.state == model.BreakerClosed && rate < healthyRateCeiling,
		FailureRate:          rate,
		ConsecutiveFailures:  b.consecutiveFailures,
		ConsecutiveSuccesses: b.consecutiveSuccesses,
		LastTransition:       b.lastTransition,
	}
}

// Transitions returns the recent persisted transition history for a service.
func (uc *CircuitBreakerUsecase) Transitions(ctx context.Context, service string, limit int) ([]*model.BreakerTransition, error) {
	return uc.repo.ListTransitions(ctx, service, limit)
}

// reportOpened persists an →open transition, records it with the error
// classifier, and notifies the webhook. The Redis open marker dedupes the
// notification across instances: only the first writer sends it.
func (uc *CircuitBreakerUsecase) reportOpened(ctx context.Context, t *model.BreakerTransition) {
	uc.persistTransition(ctx, t)

	// The reason quotes the downstream failure, so keyword matching would
	// tag it with that failure's category instead of the breaker's.
	uc.classifier.ClassifyAndRecordAs(ctx, model.CategoryCircuitBreaker, t.Reason, t.Service, "circuit_breaker")

	uc.logger.Warnw("circuit breaker opened",
		"service", t.Service,
		"from", t.FromState,
		"failure_rate", t.FailureRate,
		"consecutive_failures", t.ConsecutiveFailures,
		"reason", t.Reason)

	first, err := uc.repo.MarkOpen(ctx, t.Service, uc.cfg.Cooldown)
	if err != nil {
		uc.logger.Warnf("failed to mark breaker open for %s: %v", t.Service, err)
	}
	if !first {
		return
	}

	event := &model.BreakerOpenedEvent{
		Service:             t.Service,
		FailureRate:         t.FailureRate,
		ConsecutiveFailures: t.ConsecutiveFailures,
		Reason:              t.Reason,
		OpenedAt:            t.OccurredAt,
	}
	if err := uc.notifier.NotifyBreakerOpened(ctx, event); err != nil {
		uc.logger.Warnf("breaker opened notification failed for %s: %v", t.Service, err)
	}
}

func (uc *CircuitBreakerUsecase) persistTransition(ctx context.Context, t *model.BreakerTransition) {
	if err := uc.repo.SaveTransition(ctx, t); err != nil {
		uc.logger.Errorw("failed to persist breaker transition",
			"service", t.Service,
			"from", t.FromState,
			"to", t.ToState,
			"error", err)
	}
}

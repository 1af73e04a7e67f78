package biz

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"MendLane/internal/conf"
	"MendLane/internal/model"
)

// defaultProbeTimeout bounds a probe when the service declares none.
const defaultProbeTimeout = 5 * time.Second

// ProbeFunc is a caller-registered custom probe. A nil return means the
// service is healthy.
type ProbeFunc func(ctx context.Context) error

// ProbeRegistry dispatches health probes by the method each service
// declares: ping (TCP dial), api_call (HTTP GET), circuit_breaker_test
// (breaker snapshot), or custom (registered per service).
type ProbeRegistry struct {
	breaker *CircuitBreakerUsecase
	client  *http.Client
	logger  *log.Helper

	mu     sync.RWMutex
	custom map[string]ProbeFunc

	now func() time.Time
}

// NewProbeRegistry creates a new probe registry.
func NewProbeRegistry(breaker *CircuitBreakerUsecase, logger log.Logger) *ProbeRegistry {
	return &ProbeRegistry{
		breaker: breaker,
		client:  &http.Client{},
		logger:  log.NewHelper(logger),
		custom:  make(map[string]ProbeFunc),
		now:     time.Now,
	}
}

// Register installs a custom probe for a service. It replaces any probe
// previously registered under the same name.
func (r *ProbeRegistry) Register(service string, fn ProbeFunc) {
	r.mu.Lock()
	r.custom[service] = fn
	r.mu.Unlock()
	r.logger.Infow("custom probe registered", "service", service)
}

// Probe runs the configured probe for a service and returns its outcome.
// The probe is bounded by the service's probe timeout.
func (r *ProbeRegistry) Probe(ctx context.Context, svc *conf.Service) *model.ProbeResult {
	timeout := defaultProbeTimeout
	method := model.ProbePing
	target := ""
	if svc.Probe != nil {
		if svc.Probe.Timeout > 0 {
			timeout = svc.Probe.Timeout
		}
		if svc.Probe.Method != "" {
			method = model.ProbeMethod(svc.Probe.Method)
		}
		target = svc.Probe.Target
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	var err error
	switch method {
	case model.ProbePing:
		err = r.probePing(ctx, target)
	case model.ProbeAPICall:
		err = r.probeAPICall(ctx, target)
	case model.ProbeBreakerTest:
		err = r.probeBreaker(svc.Name)
	case model.ProbeCustom:
		err = r.probeCustom(ctx, svc.Name)
	default:
		err = fmt.Errorf("unsupported probe method %q", method)
	}
	latency := r.now().Sub(start)

	if err != nil {
		return &model.ProbeResult{Success: false, Latency: latency, Error: err.Error()}
	}
	return &model.ProbeResult{Success: true, Latency: latency}
}

// probePing opens and closes a TCP connection to the target host:port.
func (r *ProbeRegistry) probePing(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("no probe target configured")
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		return fmt.Errorf("ping %s failed: %w", target, err)
	}
	return conn.Close()
}

// probeAPICall issues a GET against the target URL. Any status below 400
// counts as healthy.
func (r *ProbeRegistry) probeAPICall(ctx context.Context, target string) error {
	if target == "" {
		return fmt.Errorf("no probe target configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("invalid probe target %s: %w", target, err)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("api call to %s failed: %w", target, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("api call to %s returned status %d", target, resp.StatusCode)
	}
	return nil
}

// probeBreaker reads the circuit breaker snapshot instead of touching the
// service. Results of this method are never fed back into the breaker.
func (r *ProbeRegistry) probeBreaker(service string) error {
	health := r.breaker.Health(service)
	if !health.IsHealthy {
		return fmt.Errorf("circuit breaker %s for %s, failure rate %.0f%%",
			health.State, service, health.FailureRate*100)
	}
	return nil
}

func (r *ProbeRegistry) probeCustom(ctx context.Context, service string) error {
	r.mu.RLock()
	fn, ok := r.custom[service]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no custom probe registered for %s", service)
	}
	return fn(ctx)
}

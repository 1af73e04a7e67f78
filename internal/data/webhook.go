package data

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"MendLane/internal/conf"
	"MendLane/internal/model"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/net/proxy"
)

// webhookSecretHeader carries the shared secret so receivers can verify
// the sender.
const webhookSecretHeader = "X-Webhook-Secret"

// HTTPWebhookService posts recovery events to a configured endpoint.
// Without a configured URL it degrades to log-only mode so callers never
// need a nil check.
type HTTPWebhookService struct {
	url    string
	secret string
	client *http.Client
	logger *log.Helper
}

// NewWebhookService creates the webhook notifier from configuration.
// Proxy URLs with the socks5 scheme dial through a SOCKS5 proxy, http and
// https schemes use a standard forward proxy.
func NewWebhookService(c *conf.Webhook, logger log.Logger) (*HTTPWebhookService, error) {
	helper := log.NewHelper(logger)

	s := &HTTPWebhookService{
		logger: helper,
	}
	if c == nil || c.URL == "" {
		helper.Info("webhook URL not configured, notifications will be log-only")
		return s, nil
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	client, err := buildHTTPClient(c.ProxyURL, timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook client: %w", err)
	}

	s.url = c.URL
	s.secret = c.Secret
	s.client = client
	helper.Infow("webhook notifier configured",
		"type", "webhook",
		"url", c.URL,
		"proxy", c.ProxyURL != "")
	return s, nil
}

func buildHTTPClient(proxyURL string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		MaxIdleConns:    10,
		IdleConnTimeout: 90 * time.Second,
	}

	if proxyURL != "" {
		parsed, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy url: %w", err)
		}

		switch parsed.Scheme {
		case "socks5":
			var auth *proxy.Auth
			if parsed.User != nil {
				password, _ := parsed.User.Password()
				auth = &proxy.Auth{
					User:     parsed.User.Username(),
					Password: password,
				}
			}
			dialer, err := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create socks5 dialer: %w", err)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				if cd, ok := dialer.(proxy.ContextDialer); ok {
					return cd.DialContext(ctx, network, addr)
				}
				return dialer.Dial(network, addr)
			}
		case "http", "https":
			transport.Proxy = http.ProxyURL(parsed)
		default:
			return nil, fmt.Errorf("unsupported proxy scheme: %s", parsed.Scheme)
		}
	}

	return &http.Client{
		Timeout:   timeout,
		Transport: transport,
	}, nil
}

// NotifyBreakerOpened reports a breaker that just tripped open.
func (s *HTTPWebhookService) NotifyBreakerOpened(ctx context.Context, event *model.BreakerOpenedEvent) error {
	if s.client == nil {
		s.logger.Infow("breaker opened (webhook disabled)",
			"service", event.Service,
			"failure_rate", event.FailureRate,
			"consecutive_failures", event.ConsecutiveFailures,
			"reason", event.Reason)
		return nil
	}
	return s.post(ctx, "breaker_opened", event)
}

// NotifyServiceRecovered reports a workflow that completed recovery.
func (s *HTTPWebhookService) NotifyServiceRecovered(ctx context.Context, event *model.ServiceRecoveredEvent) error {
	if s.client == nil {
		s.logger.Infow("service recovered (webhook disabled)",
			"service", event.Service,
			"workflow_id", event.WorkflowID,
			"recovery_time_ms", event.RecoveryTime.Milliseconds())
		return nil
	}
	return s.post(ctx, "service_recovery", event)
}

// NotifyOrchestrationFinished reports a finished orchestration session.
func (s *HTTPWebhookService) NotifyOrchestrationFinished(ctx context.Context, event *model.OrchestrationFinishedEvent) error {
	if s.client == nil {
		s.logger.Infow("orchestration finished (webhook disabled)",
			"session_id", event.SessionID,
			"status", event.Status,
			"completed", len(event.CompletedServices),
			"failed", len(event.FailedServices))
		return nil
	}
	return s.post(ctx, "orchestration_finished", event)
}

// post delivers one event envelope, retrying once on server errors.
func (s *HTTPWebhookService) post(ctx context.Context, eventType string, payload interface{}) error {
	envelope := map[string]interface{}{
		"event":     eventType,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      payload,
	}

	body, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("failed to build webhook request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if s.secret != "" {
			req.Header.Set(webhookSecretHeader, s.secret)
		}

		resp, err := s.client.Do(req)
		if err != nil {
			lastErr = err
			s.logger.Warnw("webhook delivery failed",
				"type", "webhook",
				"event", eventType,
				"attempt", attempt+1,
				"error", err)
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 300 {
			s.logger.Infow("webhook delivered",
				"type", "webhook",
				"event", eventType,
				"status", resp.StatusCode)
			return nil
		}

		lastErr = fmt.Errorf("webhook returned status %d", resp.StatusCode)
		if resp.StatusCode < 500 {
			// Client errors will not heal on retry
			break
		}
		s.logger.Warnw("webhook rejected, retrying",
			"type", "webhook",
			"event", eventType,
			"attempt", attempt+1,
			"status", resp.StatusCode)
	}

	return fmt.Errorf("webhook delivery failed: %w", lastErr)
}

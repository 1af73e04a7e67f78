// Package conf provides configuration management using Viper.
// It supports loading configuration from YAML files and environment variables,
// with CLI flag overrides.
package conf

import (
	"fmt"
	"strings"
	"time"

	"MendLane/internal/model"

	"github.com/spf13/viper"
)

// Bootstrap is the root configuration for the MendLane service.
type Bootstrap struct {
	Server   *Server
	Data     *Data
	Log      *Log
	Recovery *Recovery
	Breaker  *Breaker
	Webhook  *Webhook
	Services []*Service
}

// Server holds transport configuration.
type Server struct {
	HTTP *ServerHTTP
}

// ServerHTTP holds the HTTP listener configuration.
type ServerHTTP struct {
	Network string
	Addr    string
	Timeout time.Duration
}

// Data holds persistent store and Redis configuration.
type Data struct {
	Database *Database
	Redis    *Redis
}

// Database holds the MySQL connection configuration.
type Database struct {
	Driver string
	Source string
}

// Redis holds the Redis connection configuration.
type Redis struct {
	Network      string
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Log holds logger configuration.
type Log struct {
	Level      string
	Format     string
	Env        string
	OutputFile string
}

// Recovery holds orchestration and workflow engine tunables.
type Recovery struct {
	// MaxConcurrentRecoveries caps active workflows across all services.
	MaxConcurrentRecoveries int
	// ServiceDelay is the wait between services in a sequential phase.
	ServiceDelay time.Duration
	// RecoveryTimeout bounds the wait for any single workflow.
	RecoveryTimeout time.Duration
	// CheckWindowSize is the health check evaluation window (records).
	CheckWindowSize int
	// MonitorPollInterval is the fallback poll interval while waiting
	// for a workflow to reach a terminal phase.
	MonitorPollInterval time.Duration
	// RetentionDays bounds how long terminal workflows and health check
	// records are kept before the daily purge removes them.
	RetentionDays int
}

// Breaker holds circuit breaker defaults, overridable per service.
type Breaker struct {
	// FailureThreshold is the consecutive failure count that opens the
	// breaker.
	FailureThreshold int
	// FailureRateThreshold opens the breaker when the trailing window
	// failure rate meets or exceeds it (0..1).
	FailureRateThreshold float64
	// Cooldown is the open → half_open wait.
	Cooldown time.Duration
	// SuccessThreshold closes a half-open breaker after this many
	// consecutive probe successes.
	SuccessThreshold int
	// HalfOpenMaxProbes bounds requests allowed through while half-open.
	HalfOpenMaxProbes int
	// WindowSize is the trailing outcome window for the failure rate.
	WindowSize int
}

// Webhook holds the notification sink configuration. An empty URL
// disables outbound notifications (events are logged only).
type Webhook struct {
	URL      string
	Secret   string
	Timeout  time.Duration
	ProxyURL string
}

// Probe configures how one service is health checked.
type Probe struct {
	Method   string        `mapstructure:"method"`
	Target   string        `mapstructure:"target"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Service declares one protected service with its probe, thresholds and
// recovery metadata.
type Service struct {
	Name                    string   `mapstructure:"name"`
	Probe                   *Probe   `mapstructure:"probe"`
	FailureThreshold        int      `mapstructure:"failure_threshold"`
	SuccessThreshold        int      `mapstructure:"success_threshold"`
	Criticality             string   `mapstructure:"criticality"`
	RecoveryPriority        int      `mapstructure:"recovery_priority"`
	DependsOn               []string `mapstructure:"depends_on"`
	CanRecoverIndependently bool     `mapstructure:"can_recover_independently"`
}

// Dependency converts the static service declaration into the domain
// dependency record consumed by the orchestrator.
func (s *Service) Dependency() model.ServiceDependency {
	return model.ServiceDependency{
		Service:                 s.Name,
		DependsOn:               s.DependsOn,
		Criticality:             model.Criticality(s.Criticality),
		RecoveryPriority:        s.RecoveryPriority,
		CanRecoverIndependently: s.CanRecoverIndependently,
	}
}

// NewBootstrap creates and initializes a Bootstrap configuration.
// It loads configuration from the specified config file path, applies defaults,
// and allows overrides from environment variables prefixed with MENDLANE_.
//
// Configuration priority: CLI flags > Environment variables > Config file > Defaults
//
// Required environment variables:
//   - MYSQL_DSN or MENDLANE_DATA_DATABASE_SOURCE: MySQL connection string
//
// Parameters:
//   - configPath: Path to the configuration file or directory
//
// Returns:
//   - *Bootstrap: Loaded configuration
//   - error: Configuration loading or validation error
func NewBootstrap(configPath string) (*Bootstrap, error) {
	v := viper.New()

	// Set default values
	setDefaults(v)

	// Enable environment variable support with MENDLANE_ prefix
	v.SetEnvPrefix("MENDLANE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Allow direct environment variable names (without MENDLANE_ prefix) for compatibility
	// Bind specific environment variables for required fields
	_ = v.BindEnv("data.database.source", "MYSQL_DSN", "MENDLANE_DATA_DATABASE_SOURCE")
	_ = v.BindEnv("data.redis.addr", "MENDLANE_DATA_REDIS_ADDR")
	_ = v.BindEnv("webhook.url", "WEBHOOK_URL", "MENDLANE_WEBHOOK_URL")
	_ = v.BindEnv("webhook.secret", "WEBHOOK_SECRET", "MENDLANE_WEBHOOK_SECRET")

	// Load configuration file
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			// If config file is specified but not found, return error
			return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
		}
	}

	// Parse configuration into Bootstrap structure
	bc := &Bootstrap{
		Server: &Server{
			HTTP: &ServerHTTP{
				Network: v.GetString("server.http.network"),
				Addr:    v.GetString("server.http.addr"),
				Timeout: v.GetDuration("server.http.timeout"),
			},
		},
		Data: &Data{
			Database: &Database{
				Driver: v.GetString("data.database.driver"),
				Source: v.GetString("data.database.source"),
			},
			Redis: &Redis{
				Network:      v.GetString("data.redis.network"),
				Addr:         v.GetString("data.redis.addr"),
				ReadTimeout:  v.GetDuration("data.redis.read_timeout"),
				WriteTimeout: v.GetDuration("data.redis.write_timeout"),
			},
		},
		Log: &Log{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			Env:        v.GetString("log.env"),
			OutputFile: v.GetString("log.output_file"),
		},
		Recovery: &Recovery{
			MaxConcurrentRecoveries: v.GetInt("recovery.max_concurrent_recoveries"),
			ServiceDelay:            v.GetDuration("recovery.service_delay"),
			RecoveryTimeout:         v.GetDuration("recovery.recovery_timeout"),
			CheckWindowSize:         v.GetInt("recovery.check_window_size"),
			MonitorPollInterval:     v.GetDuration("recovery.monitor_poll_interval"),
			RetentionDays:           v.GetInt("recovery.retention_days"),
		},
		Breaker: &Breaker{
			FailureThreshold:     v.GetInt("breaker.failure_threshold"),
			FailureRateThreshold: v.GetFloat64("breaker.failure_rate_threshold"),
			Cooldown:             v.GetDuration("breaker.cooldown"),
			SuccessThreshold:     v.GetInt("breaker.success_threshold"),
			HalfOpenMaxProbes:    v.GetInt("breaker.half_open_max_probes"),
			WindowSize:           v.GetInt("breaker.window_size"),
		},
		Webhook: &Webhook{
			URL:      v.GetString("webhook.url"),
			Secret:   v.GetString("webhook.secret"),
			Timeout:  v.GetDuration("webhook.timeout"),
			ProxyURL: v.GetString("webhook.proxy_url"),
		},
	}

	// Services are a list of structs, decoded as a block
	if err := v.UnmarshalKey("services", &bc.Services); err != nil {
		return nil, fmt.Errorf("failed to parse services configuration: %w", err)
	}
	applyServiceDefaults(bc.Services)

	// Validate required fields
	if err := Validate(bc); err != nil {
		return nil, err
	}

	return bc, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.http.network", "tcp")
	v.SetDefault("server.http.addr", ":8080")
	v.SetDefault("server.http.timeout", 30*time.Second)

	// Data defaults
	v.SetDefault("data.database.driver", "mysql")
	// Note: data.database.source (MYSQL_DSN) is required from environment

	v.SetDefault("data.redis.network", "tcp")
	v.SetDefault("data.redis.addr", "127.0.0.1:6379")
	v.SetDefault("data.redis.read_timeout", 200*time.Millisecond)
	v.SetDefault("data.redis.write_timeout", 200*time.Millisecond)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Recovery defaults
	v.SetDefault("recovery.max_concurrent_recoveries", 2)
	v.SetDefault("recovery.service_delay", 30*time.Second)
	v.SetDefault("recovery.recovery_timeout", 10*time.Minute)
	v.SetDefault("recovery.check_window_size", 5)
	v.SetDefault("recovery.monitor_poll_interval", 2*time.Second)
	v.SetDefault("recovery.retention_days", 7)

	// Breaker defaults
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.failure_rate_threshold", 0.5)
	v.SetDefault("breaker.cooldown", 60*time.Second)
	v.SetDefault("breaker.success_threshold", 3)
	v.SetDefault("breaker.half_open_max_probes", 3)
	v.SetDefault("breaker.window_size", 20)

	// Webhook defaults
	v.SetDefault("webhook.timeout", 10*time.Second)
}

// applyServiceDefaults fills per-service zero values with the documented
// defaults so downstream components never see an unset threshold.
func applyServiceDefaults(services []*Service) {
	for _, s := range services {
		if s == nil {
			continue
		}
		if s.Probe == nil {
			s.Probe = &Probe{}
		}
		if s.Probe.Method == "" {
			s.Probe.Method = string(model.ProbePing)
		}
		if s.Probe.Interval <= 0 {
			s.Probe.Interval = 30 * time.Second
		}
		if s.Probe.Timeout <= 0 {
			s.Probe.Timeout = 5 * time.Second
		}
		if s.FailureThreshold <= 0 {
			s.FailureThreshold = 2
		}
		if s.SuccessThreshold <= 0 {
			s.SuccessThreshold = 3
		}
		if s.Criticality == "" {
			s.Criticality = string(model.CriticalityMedium)
		}
		if s.RecoveryPriority <= 0 {
			s.RecoveryPriority = 100
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// It returns an error listing all detected problems.
func Validate(bc *Bootstrap) error {
	var problems []string

	// Check required database configuration
	if bc.Data == nil || bc.Data.Database == nil || bc.Data.Database.Source == "" {
		problems = append(problems, "data.database.source (MYSQL_DSN) is required")
	}

	seen := make(map[string]bool, len(bc.Services))
	for _, s := range bc.Services {
		if s == nil || s.Name == "" {
			problems = append(problems, "services[].name must not be empty")
			continue
		}
		if seen[s.Name] {
			problems = append(problems, fmt.Sprintf("duplicate service name %q", s.Name))
		}
		seen[s.Name] = true

		if s.Probe != nil && !model.ProbeMethod(s.Probe.Method).Valid() {
			problems = append(problems, fmt.Sprintf("service %q: unknown probe method %q", s.Name, s.Probe.Method))
		}
		if !model.Criticality(s.Criticality).Valid() {
			problems = append(problems, fmt.Sprintf("service %q: unknown criticality %q", s.Name, s.Criticality))
		}
	}

	// Dependency references must name declared services
	for _, s := range bc.Services {
		if s == nil {
			continue
		}
		for _, dep := range s.DependsOn {
			if !seen[dep] {
				problems = append(problems, fmt.Sprintf("service %q depends on undeclared service %q", s.Name, dep))
			}
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}

	return nil
}

// Package config loads and validates application configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application configuration.
type Config struct {
	LogLevel string `env:"RAIDLINE_LOG_LEVEL" envDefault:"info"`

	// Storage settings.
	Storage     string `env:"RAIDLINE_STORAGE" envDefault:"sqlite"` // "memory", "sqlite" or "postgres"
	SQLitePath  string `env:"RAIDLINE_SQLITE_PATH" envDefault:"raidline.db"`
	DatabaseURL string `env:"DATABASE_URL"`

	// Platform settings.
	PlatformURL      string        `env:"RAIDLINE_PLATFORM_URL" envDefault:"https://x.com"`
	PlatformTimeout  time.Duration `env:"RAIDLINE_PLATFORM_TIMEOUT" envDefault:"15s"`
	PlatformUsername string        `env:"RAIDLINE_PLATFORM_USERNAME"`
	PlatformPassword string        `env:"RAIDLINE_PLATFORM_PASSWORD"`
	PlatformEmail    string        `env:"RAIDLINE_PLATFORM_EMAIL"`
	ArtifactPath     string        `env:"RAIDLINE_ARTIFACT_PATH"` // empty: user config dir

	// Executor settings.
	RateLimit        int           `env:"RAIDLINE_RATE_LIMIT" envDefault:"30"`
	RateWindow       time.Duration `env:"RAIDLINE_RATE_WINDOW" envDefault:"1s"`
	MaxAttempts      uint          `env:"RAIDLINE_MAX_ATTEMPTS" envDefault:"3"`
	BaseDelay        time.Duration `env:"RAIDLINE_RETRY_BASE_DELAY" envDefault:"500ms"`
	Multiplier       float64       `env:"RAIDLINE_RETRY_MULTIPLIER" envDefault:"2"`
	MaxDelay         time.Duration `env:"RAIDLINE_RETRY_MAX_DELAY" envDefault:"30s"`
	RateLimitedDelay time.Duration `env:"RAIDLINE_RATE_LIMITED_DELAY" envDefault:"1s"`
	AttemptTimeout   time.Duration `env:"RAIDLINE_ATTEMPT_TIMEOUT" envDefault:"10s"`

	// Raid settings.
	ObjectivePolicy   string        `env:"RAIDLINE_OBJECTIVE_POLICY" envDefault:"first_match"`
	VerifyTrust       string        `env:"RAIDLINE_VERIFY_TRUST" envDefault:"self_report"`
	VerifyMinInterval time.Duration `env:"RAIDLINE_VERIFY_MIN_INTERVAL" envDefault:"2s"`
	VerifyPlatform    bool          `env:"RAIDLINE_VERIFY_PLATFORM"` // corroborate claims against the platform
	SweepInterval     time.Duration `env:"RAIDLINE_SWEEP_INTERVAL" envDefault:"30s"`

	// Monitor settings.
	MonitorInterval time.Duration `env:"RAIDLINE_MONITOR_INTERVAL" envDefault:"30s"`
	SnapshotDir     string        `env:"RAIDLINE_SNAPSHOT_DIR"` // empty disables the JSONL log
	TargetsFile     string        `env:"RAIDLINE_TARGETS_FILE"`

	// OTEL settings.
	OTELEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE"`
	ServiceName  string `env:"OTEL_SERVICE_NAME" envDefault:"raidline"`
}

// Load reads configuration from environment variables with sensible defaults
// and validates it.
func Load() (Config, error) {
	cfg, err := Parse()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse reads configuration from environment variables without validating,
// for callers that apply overrides first.
func Parse() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, describeParseError(err)
	}
	return cfg, nil
}

// describeParseError rewrites env's per-field errors to name the variable
// instead of the struct field.
func describeParseError(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return fmt.Errorf("config: parse env: %w", err)
	}
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if errors.As(e, &pe) {
			if name := envVar(pe.Name); name != "" {
				errs = append(errs, fmt.Errorf("config: %s: invalid %s value: %w", name, pe.Type, pe.Err))
				continue
			}
		}
		errs = append(errs, fmt.Errorf("config: parse env: %w", e))
	}
	return errors.Join(errs...)
}

// envVar returns the env tag of the named Config field.
func envVar(field string) string {
	f, ok := reflect.TypeFor[Config]().FieldByName(field)
	if !ok {
		return ""
	}
	name, _, _ := strings.Cut(f.Tag.Get("env"), ",")
	return name
}

// Validate checks that required configuration is present and consistent.
// All problems are reported together.
func (c Config) Validate() error {
	var errs []error
	switch c.Storage {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("config: DATABASE_URL is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: RAIDLINE_STORAGE=%q must be memory, sqlite or postgres", c.Storage))
	}
	if c.Storage == BackendSQLite && c.SQLitePath == "" {
		errs = append(errs, errors.New("config: RAIDLINE_SQLITE_PATH is required for the sqlite backend"))
	}
	if u, err := url.Parse(c.PlatformURL); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("config: RAIDLINE_PLATFORM_URL=%q must be an absolute URL", c.PlatformURL))
	}
	if c.ObjectivePolicy != "first_match" && c.ObjectivePolicy != "highest_points" {
		errs = append(errs, fmt.Errorf("config: RAIDLINE_OBJECTIVE_POLICY=%q must be first_match or highest_points", c.ObjectivePolicy))
	}
	if c.VerifyTrust != "self_report" && c.VerifyTrust != "strict" {
		errs = append(errs, fmt.Errorf("config: RAIDLINE_VERIFY_TRUST=%q must be self_report or strict", c.VerifyTrust))
	}
	if c.RateLimit <= 0 {
		errs = append(errs, errors.New("config: RAIDLINE_RATE_LIMIT must be positive"))
	}
	if c.MaxAttempts == 0 {
		errs = append(errs, errors.New("config: RAIDLINE_MAX_ATTEMPTS must be positive"))
	}
	if c.Multiplier < 1 {
		errs = append(errs, errors.New("config: RAIDLINE_RETRY_MULTIPLIER must be at least 1"))
	}
	for name, d := range map[string]time.Duration{
		"RAIDLINE_PLATFORM_TIMEOUT":   c.PlatformTimeout,
		"RAIDLINE_RATE_WINDOW":        c.RateWindow,
		"RAIDLINE_RETRY_BASE_DELAY":   c.BaseDelay,
		"RAIDLINE_RETRY_MAX_DELAY":    c.MaxDelay,
		"RAIDLINE_RATE_LIMITED_DELAY": c.RateLimitedDelay,
		"RAIDLINE_ATTEMPT_TIMEOUT":    c.AttemptTimeout,
		"RAIDLINE_SWEEP_INTERVAL":     c.SweepInterval,
		"RAIDLINE_MONITOR_INTERVAL":   c.MonitorInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("config: %s must be positive", name))
		}
	}
	if c.VerifyMinInterval < 0 {
		errs = append(errs, errors.New("config: RAIDLINE_VERIFY_MIN_INTERVAL must not be negative"))
	}
	return errors.Join(errs...)
}

// Target is a monitor target declared in the targets file.
type Target struct {
	ID       string        `yaml:"id"`
	Link     string        `yaml:"link"`
	Interval time.Duration `yaml:"interval"`
}

// LoadTargets reads monitor targets from a YAML file of the form
//
//	targets:
//	  - id: "1790000000000000000"
//	    link: https://x.com/someone/status/1790000000000000000
//	    interval: 45s
//
// Targets without an interval use fallback.
func LoadTargets(path string, fallback time.Duration) ([]Target, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("config: read targets: %w", err)
	}
	var doc struct {
		Targets []Target `yaml:"targets"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("config: parse targets %s: %w", path, err)
	}
	seen := make(map[string]bool, len(doc.Targets))
	for i := range doc.Targets {
		t := &doc.Targets[i]
		if t.ID == "" {
			return nil, fmt.Errorf("config: targets[%d]: id is required", i)
		}
		if seen[t.ID] {
			return nil, fmt.Errorf("config: targets[%d]: duplicate id %q", i, t.ID)
		}
		seen[t.ID] = true
		if t.Interval <= 0 {
			t.Interval = fallback
		}
	}
	return doc.Targets, nil
}

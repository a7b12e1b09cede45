package speechquota

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration of a speechquota deployment.
type Config struct {
	Timezone  string          `yaml:"timezone"`
	Storage   StorageConfig   `yaml:"storage"`
	HTTP      HTTPConfig      `yaml:"http"`
	Synthesis SynthesisConfig `yaml:"synthesis"`
	Retention RetentionConfig `yaml:"retention"`
	Plans     Plans           `yaml:"plans"`
	Keys      []NewKey        `yaml:"keys"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
}

// StorageConfig selects the quota ledger backend.
type StorageConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres, redis
	DSN    string `yaml:"dsn"`
	Prefix string `yaml:"prefix"` // table prefix (SQL) or key prefix (Redis)
}

// HTTPConfig configures the API listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// SynthesisConfig configures calls to the speech service.
type SynthesisConfig struct {
	BaseURL       string        `yaml:"base_url"` // overrides the per-region endpoint
	Timeout       time.Duration `yaml:"timeout"`
	DefaultVoice  string        `yaml:"default_voice"`
	OutputFormat  string        `yaml:"output_format"`
	MaxAttempts   int           `yaml:"max_attempts"`
	LedgerRetries int           `yaml:"ledger_retries"`
	KeyPolicy     string        `yaml:"key_policy"` // most_headroom, least_recent
}

// RetentionConfig configures the maintenance task: usage purging, reservation
// expiry and commit marker cleanup.
type RetentionConfig struct {
	DailyDays      int           `yaml:"daily_days"`
	MonthlyMonths  int           `yaml:"monthly_months"`
	Interval       time.Duration `yaml:"interval"`
	ReservationTTL time.Duration `yaml:"reservation_ttl"`
	CommitTTL      time.Duration `yaml:"commit_ttl"`
}

// UsageTTL is how long Redis keeps a usage counter after its last write: one
// period past the retention window.
func (r RetentionConfig) UsageTTL() (daily, monthly time.Duration) {
	const day = 24 * time.Hour
	return time.Duration(r.DailyDays+1) * day, time.Duration(r.MonthlyMonths+1) * 31 * day
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// NATSConfig configures publication of ledger anomalies.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// LoadConfig reads and parses a YAML config file.
// Environment variables in the format ${VAR} are expanded before parsing.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("speechquota: read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config data, applies defaults and validates it.
func ParseConfig(data []byte) (Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return Config{}, fmt.Errorf("speechquota: parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Prefix == "" {
		c.Storage.Prefix = "speechquota_"
		if c.Storage.Driver == "redis" {
			c.Storage.Prefix = "speechquota:"
		}
	}
	if c.HTTP.Addr == "" {
		c.HTTP.Addr = ":8080"
	}
	if c.HTTP.ShutdownTimeout == 0 {
		c.HTTP.ShutdownTimeout = 10 * time.Second
	}
	if c.Synthesis.Timeout == 0 {
		c.Synthesis.Timeout = 30 * time.Second
	}
	if c.Synthesis.DefaultVoice == "" {
		c.Synthesis.DefaultVoice = "en-US-JennyNeural"
	}
	if c.Synthesis.MaxAttempts == 0 {
		c.Synthesis.MaxAttempts = defaultMaxAttempts
	}
	if c.Synthesis.LedgerRetries == 0 {
		c.Synthesis.LedgerRetries = defaultLedgerRetries
	}
	if c.Synthesis.KeyPolicy == "" {
		c.Synthesis.KeyPolicy = "most_headroom"
	}
	if c.Retention.DailyDays == 0 {
		c.Retention.DailyDays = DefaultDailyRetentionDays
	}
	if c.Retention.MonthlyMonths == 0 {
		c.Retention.MonthlyMonths = DefaultMonthlyRetentionMonths
	}
	if c.Retention.Interval == 0 {
		c.Retention.Interval = 24 * time.Hour
	}
	if c.Retention.ReservationTTL == 0 {
		c.Retention.ReservationTTL = 10 * time.Minute
	}
	if c.Retention.CommitTTL == 0 {
		c.Retention.CommitTTL = 24 * time.Hour
	}
	c.Plans = c.Plans.normalized()
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.NATS.Subject == "" {
		c.NATS.Subject = "speechquota.ledger.anomaly"
	}
}

// Validate checks the config for required fields and consistency.
func (c Config) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("speechquota: config: timezone %q: %w", c.Timezone, err)
	}

	switch c.Storage.Driver {
	case "memory":
	case "sqlite", "postgres", "redis":
		if c.Storage.DSN == "" {
			return fmt.Errorf("speechquota: config: storage.dsn is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("speechquota: config: invalid storage.driver %q", c.Storage.Driver)
	}

	if c.Synthesis.MaxAttempts < 0 {
		return fmt.Errorf("speechquota: config: synthesis.max_attempts must be positive")
	}
	if c.Synthesis.LedgerRetries < 0 {
		return fmt.Errorf("speechquota: config: synthesis.ledger_retries must not be negative")
	}
	switch c.Synthesis.KeyPolicy {
	case "", "most_headroom", "least_recent":
	default:
		return fmt.Errorf("speechquota: config: invalid synthesis.key_policy %q", c.Synthesis.KeyPolicy)
	}
	if c.Retention.DailyDays < 0 || c.Retention.MonthlyMonths < 0 {
		return fmt.Errorf("speechquota: config: retention windows must not be negative")
	}
	if c.Retention.ReservationTTL < 0 || c.Retention.CommitTTL < 0 {
		return fmt.Errorf("speechquota: config: retention TTLs must not be negative")
	}
	if c.Retention.ReservationTTL > 0 && c.Retention.ReservationTTL <= c.Synthesis.Timeout {
		return fmt.Errorf("speechquota: config: retention.reservation_ttl must exceed synthesis.timeout")
	}

	for tier, plan := range c.Plans {
		canonical, err := ParseTier(string(tier))
		if err != nil {
			return fmt.Errorf("speechquota: config: plans: %w", err)
		}
		if canonical != tier {
			if _, dup := c.Plans[canonical]; dup {
				return fmt.Errorf("speechquota: config: plans.%s: tier %s is configured twice", tier, canonical)
			}
			return fmt.Errorf("speechquota: config: plans.%s: write the tier as %q", tier, canonical)
		}
		if plan.MaxCharactersPerMonth < 0 || plan.MaxRequestsPerDay < 0 {
			return fmt.Errorf("speechquota: config: plans.%s: limits must not be negative", tier)
		}
	}

	names := make(map[string]bool, len(c.Keys))
	for i, k := range c.Keys {
		if err := k.Validate(); err != nil {
			return fmt.Errorf("speechquota: config: keys[%d]: %w", i, err)
		}
		if names[k.Name] {
			return fmt.Errorf("speechquota: config: duplicate key name %q", k.Name)
		}
		names[k.Name] = true
	}

	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("speechquota: config: invalid logging.format %q", c.Logging.Format)
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// normalized rewrites tier keys to their canonical spelling. A key that would
// collide with an existing canonical key is kept as written so Validate
// reports it.
func (p Plans) normalized() Plans {
	if p == nil {
		return nil
	}
	out := make(Plans, len(p))
	for tier, plan := range p {
		if canonical, err := ParseTier(string(tier)); err == nil && canonical == tier {
			out[tier] = plan
		}
	}
	for tier, plan := range p {
		canonical, err := ParseTier(string(tier))
		if err != nil || canonical == tier {
			if err != nil {
				out[tier] = plan
			}
			continue
		}
		if _, taken := out[canonical]; taken {
			out[tier] = plan
			continue
		}
		out[canonical] = plan
	}
	return out
}

// EffectivePlans returns DefaultPlans with the configured overrides applied.
func (c Config) EffectivePlans() Plans {
	return DefaultPlans.Merge(c.Plans)
}

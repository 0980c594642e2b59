// Package config resolves service configuration from built-in
// defaults, an optional YAML file, and ROSFLEET_* environment
// variables, in that order of precedence. Command-line flags override
// all three and are applied by the CLI layer.
//
// The encryption key and the approval secret are only ever read from
// the environment. They have no YAML binding and no serialization tag,
// so a config dump can never leak them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rosfleet/rosfleet/pkg/types"
)

// Config is the full service configuration
type Config struct {
	// Environment is the tier this instance operates in; every device
	// interaction is gated on matching it
	Environment string `yaml:"environment"`

	DataDir string `yaml:"data_dir"`

	Listen ListenConfig `yaml:"listen"`

	Log LogConfig `yaml:"log"`

	RouterOS RouterOSConfig `yaml:"routeros"`

	Health HealthConfig `yaml:"health"`

	Queue QueueConfig `yaml:"queue"`

	Cache CacheConfig `yaml:"cache"`

	Plans PlansConfig `yaml:"plans"`

	Approval ApprovalConfig `yaml:"approval"`

	Snapshots SnapshotsConfig `yaml:"snapshots"`

	// EncryptionKey is the base64 AES-256 key for the credential
	// vault. Environment only (ROSFLEET_ENCRYPTION_KEY).
	EncryptionKey string `yaml:"-" json:"-"`

	// ApprovalSecret signs approval tokens. Environment only
	// (ROSFLEET_APPROVAL_SECRET), minimum 32 bytes.
	ApprovalSecret string `yaml:"-" json:"-"`
}

type ListenConfig struct {
	// HTTP serves /health, /ready and /metrics
	HTTP string `yaml:"http"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "console"
}

type RouterOSConfig struct {
	RESTTimeoutSeconds int  `yaml:"rest_timeout_seconds"`
	SSHTimeoutSeconds  int  `yaml:"ssh_timeout_seconds"`
	PoolSize           int  `yaml:"pool_size"`
	InsecureTLS        bool `yaml:"insecure_tls"`
}

type HealthConfig struct {
	IntervalSeconds     int `yaml:"interval_seconds"`
	JitterSeconds       int `yaml:"jitter_seconds"`
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
	FailureThreshold    int `yaml:"failure_threshold"`
	RecoveryThreshold   int `yaml:"recovery_threshold"`
	RetentionKeep       int `yaml:"retention_keep"`
	RetentionDays       int `yaml:"retention_days"`
}

type QueueConfig struct {
	Workers        int `yaml:"workers"`
	SoftCap        int `yaml:"soft_cap"`
	PerDeviceLimit int `yaml:"per_device_limit"`
}

type CacheConfig struct {
	MaxEntries int `yaml:"max_entries"`
	TTLSeconds int `yaml:"ttl_seconds"`
}

type PlansConfig struct {
	ExpiryHours int `yaml:"expiry_hours"`

	// AutoApprove skips approval for low-risk lab plans
	AutoApprove bool `yaml:"auto_approve"`
}

type ApprovalConfig struct {
	LifetimeMinutes int `yaml:"lifetime_minutes"`
}

type SnapshotsConfig struct {
	RetentionKeep int `yaml:"retention_keep"`
	RetentionDays int `yaml:"retention_days"`
}

// Default returns the built-in configuration
func Default() *Config {
	return &Config{
		Environment: string(types.EnvLab),
		DataDir:     "/var/lib/rosfleet",
		Listen:      ListenConfig{HTTP: ":9090"},
		Log:         LogConfig{Level: "info", Format: "json"},
		RouterOS: RouterOSConfig{
			RESTTimeoutSeconds: 5,
			SSHTimeoutSeconds:  10,
			PoolSize:           8,
		},
		Health: HealthConfig{
			IntervalSeconds:     60,
			JitterSeconds:       10,
			ProbeTimeoutSeconds: 30,
			FailureThreshold:    3,
			RecoveryThreshold:   3,
			RetentionKeep:       1000,
			RetentionDays:       30,
		},
		Queue: QueueConfig{
			Workers:        4,
			SoftCap:        500,
			PerDeviceLimit: 3,
		},
		Cache: CacheConfig{
			MaxEntries: 1000,
			TTLSeconds: 300,
		},
		Plans:     PlansConfig{ExpiryHours: 24},
		Approval:  ApprovalConfig{LifetimeMinutes: 10},
		Snapshots: SnapshotsConfig{RetentionKeep: 50, RetentionDays: 90},
	}
}

// Load resolves the configuration: defaults, then the YAML file at
// path (optional, "" skips it), then environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString("ROSFLEET_ENVIRONMENT", &c.Environment)
	envString("ROSFLEET_DATA_DIR", &c.DataDir)
	envString("ROSFLEET_LISTEN_HTTP", &c.Listen.HTTP)
	envString("ROSFLEET_LOG_LEVEL", &c.Log.Level)
	envString("ROSFLEET_LOG_FORMAT", &c.Log.Format)

	envInt("ROSFLEET_REST_TIMEOUT_SECONDS", &c.RouterOS.RESTTimeoutSeconds)
	envInt("ROSFLEET_SSH_TIMEOUT_SECONDS", &c.RouterOS.SSHTimeoutSeconds)
	envBool("ROSFLEET_INSECURE_TLS", &c.RouterOS.InsecureTLS)

	envInt("ROSFLEET_HEALTH_INTERVAL_SECONDS", &c.Health.IntervalSeconds)
	envInt("ROSFLEET_HEALTH_JITTER_SECONDS", &c.Health.JitterSeconds)

	envInt("ROSFLEET_QUEUE_WORKERS", &c.Queue.Workers)
	envInt("ROSFLEET_QUEUE_SOFT_CAP", &c.Queue.SoftCap)

	envInt("ROSFLEET_CACHE_MAX_ENTRIES", &c.Cache.MaxEntries)
	envInt("ROSFLEET_CACHE_TTL_SECONDS", &c.Cache.TTLSeconds)

	envInt("ROSFLEET_PLAN_EXPIRY_HOURS", &c.Plans.ExpiryHours)
	envBool("ROSFLEET_AUTO_APPROVE", &c.Plans.AutoApprove)
	envInt("ROSFLEET_APPROVAL_LIFETIME_MINUTES", &c.Approval.LifetimeMinutes)

	// Secrets never come from files
	envString("ROSFLEET_ENCRYPTION_KEY", &c.EncryptionKey)
	envString("ROSFLEET_APPROVAL_SECRET", &c.ApprovalSecret)
}

// Validate rejects configurations the service cannot run with
func (c *Config) Validate() error {
	if !types.ValidEnvironment(types.Environment(c.Environment)) {
		return fmt.Errorf("invalid environment %q: must be lab, staging, or prod", c.Environment)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.Health.IntervalSeconds <= c.Health.JitterSeconds {
		return fmt.Errorf("health interval (%ds) must exceed jitter (%ds)",
			c.Health.IntervalSeconds, c.Health.JitterSeconds)
	}
	if c.Queue.Workers < 1 {
		return fmt.Errorf("queue workers must be at least 1")
	}
	if c.Plans.AutoApprove && c.Environment != string(types.EnvLab) {
		return fmt.Errorf("auto_approve is only allowed in the lab environment")
	}
	return nil
}

// Duration accessors, so callers never multiply seconds themselves

func (c *RouterOSConfig) RESTTimeout() time.Duration {
	return time.Duration(c.RESTTimeoutSeconds) * time.Second
}

func (c *RouterOSConfig) SSHTimeout() time.Duration {
	return time.Duration(c.SSHTimeoutSeconds) * time.Second
}

func (c *HealthConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c *HealthConfig) Jitter() time.Duration {
	return time.Duration(c.JitterSeconds) * time.Second
}

func (c *HealthConfig) ProbeTimeout() time.Duration {
	return time.Duration(c.ProbeTimeoutSeconds) * time.Second
}

func (c *HealthConfig) RetentionAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

func (c *PlansConfig) Expiry() time.Duration {
	return time.Duration(c.ExpiryHours) * time.Hour
}

func (c *ApprovalConfig) Lifetime() time.Duration {
	return time.Duration(c.LifetimeMinutes) * time.Minute
}

func (c *SnapshotsConfig) RetentionAge() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

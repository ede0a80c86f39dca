// Package config loads the immutable startup configuration from
// config.yaml under the planhub home directory, applying defaults and
// environment overrides once. Components receive resolved values as
// parameters; nothing reads the process environment after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/basket/planhub/internal/otel"
)

// RolloutConfig drives the hub rollout / deprecation controller.
type RolloutConfig struct {
	// FeatureFlagEnabled gates the dynamic session-scoped routing path.
	FeatureFlagEnabled *bool `yaml:"feature_flag_enabled"`
	// CanaryPercent is the share of session buckets routed dynamically
	// while the deprecation window is active. Range 0-100.
	CanaryPercent *int `yaml:"canary_percent"`
	// ForceLegacyFallback overrides everything else when true.
	ForceLegacyFallback bool `yaml:"force_legacy_fallback"`
	// DeprecationWindowActive enables the canary holdback check.
	DeprecationWindowActive *bool `yaml:"deprecation_window_active"`
	// BackupDirectory holds legacy static agent files for restore.
	BackupDirectory string `yaml:"backup_directory"`
}

// GUIConfig configures the decision-gate supervisor client.
type GUIConfig struct {
	// SocketPath is the local socket the form supervisor listens on.
	SocketPath string `yaml:"socket_path"`
	// ProbeTimeoutSeconds bounds the availability check. Default 5.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// WebhookConfig configures the lifecycle-event dispatcher.
type WebhookConfig struct {
	Enabled        bool   `yaml:"enabled"`
	URL            string `yaml:"url"`
	Secret         string `yaml:"secret"`
	SigningEnabled bool   `yaml:"signing_enabled"`
	// MaxPayloadBytes caps the serialized event size. Default 128 KiB.
	MaxPayloadBytes int `yaml:"max_payload_bytes"`
	// RetryMaxAttempts counts total attempts including the first. Default 3.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`
	// RetryBaseDelayMs is the initial backoff delay. Default 500.
	RetryBaseDelayMs int `yaml:"retry_base_delay_ms"`
	// RetryMaxDelayMs caps the backoff delay. Default 30000.
	RetryMaxDelayMs int `yaml:"retry_max_delay_ms"`
	// RetryJitterRatio scales random jitter applied to each delay. Default 0.2.
	RetryJitterRatio float64 `yaml:"retry_jitter_ratio"`
	// RetryableStatusCodes replace the default set when non-empty.
	RetryableStatusCodes []int `yaml:"retryable_status_codes"`
	// QueueConcurrency is the delivery worker count. Default 2.
	QueueConcurrency int `yaml:"queue_concurrency"`
	// QueueMaxInflight bounds the pending queue. Default 256.
	QueueMaxInflight int `yaml:"queue_max_inflight"`
	// FailOpenOnQueueOverflow drops events when the queue is full instead of
	// signaling the caller. Default true.
	FailOpenOnQueueOverflow *bool `yaml:"fail_open_on_queue_overflow"`
}

// SweepConfig configures the background stale-run recovery sweeper.
type SweepConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CronExpr string `yaml:"cron_expr"`
}

// ReadyConfig configures the container-ready alert listener and notifier.
type ReadyConfig struct {
	BindAddr  string `yaml:"bind_addr"`
	NotifyURL string `yaml:"notify_url"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// DataRoot is where plan documents, leases, and the sqlite store live.
	// Defaults to <home>/data.
	DataRoot string `yaml:"data_root"`

	// AgentsDir holds yaml agent definitions. Defaults to <home>/agents.
	AgentsDir string `yaml:"agents_dir"`

	// StalenessMinutes is the stale-run threshold shared by the lease
	// manager and recovery sweeps. Default 20.
	StalenessMinutes int `yaml:"staleness_minutes"`

	Rollout RolloutConfig `yaml:"rollout"`
	GUI     GUIConfig     `yaml:"gui"`
	Webhook WebhookConfig `yaml:"webhook"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Ready   ReadyConfig   `yaml:"ready"`
	OTel    otel.Config   `yaml:"otel"`
}

// DefaultHomeDir returns ~/.planhub, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".planhub")
}

// Load reads config.yaml from homeDir (missing file is fine), applies
// defaults, then environment overrides.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	cfg.HomeDir = homeDir

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.DataRoot == "" {
		cfg.DataRoot = filepath.Join(cfg.HomeDir, "data")
	}
	if cfg.AgentsDir == "" {
		cfg.AgentsDir = filepath.Join(cfg.HomeDir, "agents")
	}
	if cfg.StalenessMinutes <= 0 {
		cfg.StalenessMinutes = 20
	}

	if cfg.Rollout.FeatureFlagEnabled == nil {
		cfg.Rollout.FeatureFlagEnabled = boolPtr(true)
	}
	if cfg.Rollout.CanaryPercent == nil {
		cfg.Rollout.CanaryPercent = intPtr(100)
	}
	if cfg.Rollout.DeprecationWindowActive == nil {
		cfg.Rollout.DeprecationWindowActive = boolPtr(true)
	}
	if cfg.Rollout.BackupDirectory == "" {
		cfg.Rollout.BackupDirectory = filepath.Join(cfg.HomeDir, "agents_backup")
	}

	if cfg.GUI.SocketPath == "" {
		cfg.GUI.SocketPath = filepath.Join(cfg.HomeDir, "gui.sock")
	}
	if cfg.GUI.ProbeTimeoutSeconds <= 0 {
		cfg.GUI.ProbeTimeoutSeconds = 5
	}

	if cfg.Webhook.MaxPayloadBytes <= 0 {
		cfg.Webhook.MaxPayloadBytes = 128 * 1024
	}
	if cfg.Webhook.RetryMaxAttempts <= 0 {
		cfg.Webhook.RetryMaxAttempts = 3
	}
	if cfg.Webhook.RetryBaseDelayMs <= 0 {
		cfg.Webhook.RetryBaseDelayMs = 500
	}
	if cfg.Webhook.RetryMaxDelayMs <= 0 {
		cfg.Webhook.RetryMaxDelayMs = 30000
	}
	if cfg.Webhook.RetryJitterRatio <= 0 {
		cfg.Webhook.RetryJitterRatio = 0.2
	}
	if len(cfg.Webhook.RetryableStatusCodes) == 0 {
		cfg.Webhook.RetryableStatusCodes = []int{408, 425, 429, 500, 502, 503, 504}
	}
	if cfg.Webhook.QueueConcurrency <= 0 {
		cfg.Webhook.QueueConcurrency = 2
	}
	if cfg.Webhook.QueueMaxInflight <= 0 {
		cfg.Webhook.QueueMaxInflight = 256
	}
	if cfg.Webhook.FailOpenOnQueueOverflow == nil {
		cfg.Webhook.FailOpenOnQueueOverflow = boolPtr(true)
	}

	if cfg.Sweep.CronExpr == "" {
		cfg.Sweep.CronExpr = "*/5 * * * *"
	}
	if cfg.Ready.BindAddr == "" {
		cfg.Ready.BindAddr = "127.0.0.1:8787"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PLANHUB_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PLANHUB_WEBHOOK_URL"); v != "" {
		cfg.Webhook.URL = v
		cfg.Webhook.Enabled = true
	}
	if v := os.Getenv("PLANHUB_WEBHOOK_SECRET"); v != "" {
		cfg.Webhook.Secret = v
		cfg.Webhook.SigningEnabled = true
	}
	if v, ok := envBool("PLANHUB_FORCE_LEGACY_FALLBACK"); ok {
		cfg.Rollout.ForceLegacyFallback = v
	}
	if v, ok := envBool("PLANHUB_DYNAMIC_AGENTS_ENABLED"); ok {
		cfg.Rollout.FeatureFlagEnabled = boolPtr(v)
	}
	if v, ok := envInt("PLANHUB_CANARY_PERCENT"); ok {
		cfg.Rollout.CanaryPercent = intPtr(v)
	}
	if v, ok := envBool("PLANHUB_DEPRECATION_WINDOW"); ok {
		cfg.Rollout.DeprecationWindowActive = boolPtr(v)
	}
}

func validate(cfg *Config) error {
	cp := *cfg.Rollout.CanaryPercent
	if cp < 0 || cp > 100 {
		return fmt.Errorf("rollout.canary_percent %d out of range [0,100]", cp)
	}
	if cfg.Webhook.Enabled && strings.TrimSpace(cfg.Webhook.URL) == "" {
		return fmt.Errorf("webhook.enabled requires webhook.url")
	}
	return nil
}

func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func boolPtr(b bool) *bool { return &b }
func intPtr(n int) *int    { return &n }

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models annohub.yml.
type Config struct {
	Server struct {
		Addr     string `yaml:"addr"`
		BasePath string `yaml:"base_path"`
	} `yaml:"server"`
	Auth struct {
		JWTSecret              string `yaml:"jwt_secret"`
		AllowLegacyActorHeader bool   `yaml:"allow_legacy_actor_header"`
	} `yaml:"auth"`
	Allocation struct {
		LockRetryIntervalMS    int `yaml:"lock_retry_interval_ms"`
		LockLeaseTTLSeconds    int `yaml:"lock_lease_ttl_seconds"`
		LockAcquireTimeoutSecs int `yaml:"lock_acquire_timeout_seconds"`
	} `yaml:"allocation"`
	Projects struct {
		DefaultMaxPendingTasksPerUser int `yaml:"default_max_pending_tasks_per_user"`
		DefaultTasksPullCountPerBatch int `yaml:"default_tasks_pull_count_per_batch"`
		DefaultKValue                 int `yaml:"default_k_value"`
		DefaultRevisionLoopLimit      int `yaml:"default_revision_loop_limit"`
	} `yaml:"projects"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig describes one outbound event subscription.
type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
	Enabled        *bool    `yaml:"enabled"`
}

// LockRetryInterval is the sleep between lock polls.
func (c *Config) LockRetryInterval() time.Duration {
	if c.Allocation.LockRetryIntervalMS <= 0 {
		return 200 * time.Millisecond
	}
	return time.Duration(c.Allocation.LockRetryIntervalMS) * time.Millisecond
}

// LockLeaseTTL is how long a held lock stays valid before another acquirer
// may take it over.
func (c *Config) LockLeaseTTL() time.Duration {
	if c.Allocation.LockLeaseTTLSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.Allocation.LockLeaseTTLSeconds) * time.Second
}

// LockAcquireTimeout bounds the total time a caller waits on a contended lock.
func (c *Config) LockAcquireTimeout() time.Duration {
	if c.Allocation.LockAcquireTimeoutSecs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Allocation.LockAcquireTimeoutSecs) * time.Second
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Allocation.LockRetryIntervalMS < 0 {
		return fmt.Errorf("allocation.lock_retry_interval_ms must not be negative")
	}
	if c.Allocation.LockLeaseTTLSeconds < 0 {
		return fmt.Errorf("allocation.lock_lease_ttl_seconds must not be negative")
	}
	if c.Projects.DefaultMaxPendingTasksPerUser < 0 {
		return fmt.Errorf("projects.default_max_pending_tasks_per_user must not be negative")
	}
	if c.Projects.DefaultKValue < 0 || c.Projects.DefaultKValue > 100 {
		return fmt.Errorf("projects.default_k_value must be between 0 and 100")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "annohub.yml")
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `server:
  addr: :8080
  base_path: /v0

auth:
  jwt_secret: ""
  allow_legacy_actor_header: true

allocation:
  lock_retry_interval_ms: 200
  lock_lease_ttl_seconds: 30
  lock_acquire_timeout_seconds: 15

projects:
  default_max_pending_tasks_per_user: 10
  default_tasks_pull_count_per_batch: 10
  default_k_value: 100
  default_revision_loop_limit: 3
`

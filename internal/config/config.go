package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"sitesync/internal/action"
	"sitesync/internal/channel"
	"sitesync/internal/domain"
)

const (
	DefaultMaxBatchSize = 100

	RejectedRetry = "retry"
	RejectedFinal = "final"
)

// Config models sitesync.yml.
type Config struct {
	Sync struct {
		MaxBatchSize   int    `yaml:"max_batch_size"`
		RejectedPolicy string `yaml:"rejected_policy"`
	} `yaml:"sync"`
	Channels map[string]ChannelConfig `yaml:"channels"`
	RBAC     struct {
		Roles map[string]RBACRole `yaml:"roles"`
	} `yaml:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

type ChannelConfig struct {
	Role    string   `yaml:"role"`
	Actions []string `yaml:"actions"`
}

type RBACRole struct {
	Description string   `yaml:"description"`
	Permissions []string `yaml:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret"`
	Events         []string `yaml:"events"`
	Enabled        *bool    `yaml:"enabled"`
	TimeoutSeconds int      `yaml:"timeout_seconds"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with sitesync config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOrDefault returns the workspace config, or Default() when the file
// does not exist.
func LoadOrDefault(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Sync.MaxBatchSize <= 0 {
		return fmt.Errorf("config.sync.max_batch_size must be positive")
	}
	switch c.Sync.RejectedPolicy {
	case RejectedRetry, RejectedFinal:
	default:
		return fmt.Errorf("config.sync.rejected_policy must be %q or %q", RejectedRetry, RejectedFinal)
	}
	for name, ch := range c.Channels {
		if name == "" {
			return fmt.Errorf("config.channels contains empty channel name")
		}
		if len(ch.Actions) == 0 {
			return fmt.Errorf("channel %s has no actions", name)
		}
		for _, a := range ch.Actions {
			if !action.Type(a).Valid() {
				return fmt.Errorf("channel %s references unknown action type %s", name, a)
			}
		}
		if ch.Role != "" && len(c.RBAC.Roles) > 0 {
			if _, ok := c.RBAC.Roles[ch.Role]; !ok {
				return fmt.Errorf("channel %s pins unknown role %s", name, ch.Role)
			}
		}
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles[string(domain.RoleOwner)]; !ok {
			return fmt.Errorf("config.rbac.roles must include %s", domain.RoleOwner)
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

// RejectionsRetryable reports whether an apply-stage rejection leaves the
// action id free for resubmission.
func (c *Config) RejectionsRetryable() bool {
	return c.Sync.RejectedPolicy != RejectedFinal
}

// ChannelSet returns the built-in channels overlaid with configured ones.
func (c *Config) ChannelSet() (channel.Set, error) {
	set := channel.Defaults()
	names := make([]string, 0, len(c.Channels))
	for name := range c.Channels {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		cc := c.Channels[name]
		types := make([]action.Type, 0, len(cc.Actions))
		for _, a := range cc.Actions {
			types = append(types, action.Type(a))
		}
		ch, err := channel.New(name, domain.Role(cc.Role), types...)
		if err != nil {
			return nil, err
		}
		set[name] = ch
	}
	return set, nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sitesync.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Missing sync
// settings fall back to defaults.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Sync.MaxBatchSize == 0 {
		cfg.Sync.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.Sync.RejectedPolicy == "" {
		cfg.Sync.RejectedPolicy = RejectedRetry
	}
	if cfg.RBAC.Roles == nil {
		cfg.RBAC.Roles = Default().RBAC.Roles
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `sync:
  max_batch_size: 100
  # retry: a rejected action id may be resubmitted after fixing the payload.
  # final: apply-stage rejections are recorded and later resubmissions are skipped.
  rejected_policy: retry

channels: {}

rbac:
  roles:
    OWNER:
      description: "Site owner"
      permissions: [sync.check_in, sync.check_out, sync.track, sync.create_material_request, sync.update_material_request, sync.delete_material_request, sync.create_dpr, sync.manual_attendance, material_request.manage_any, ledger.read]
    MANAGER:
      description: "Project manager"
      permissions: [sync.check_in, sync.check_out, sync.track, sync.create_material_request, sync.update_material_request, sync.delete_material_request, sync.create_dpr, sync.manual_attendance, material_request.manage_any, ledger.read]
    SITE_ENGINEER:
      description: "Site engineer"
      permissions: [sync.check_in, sync.check_out, sync.track, sync.create_material_request, sync.update_material_request, sync.delete_material_request, sync.create_dpr, sync.manual_attendance]
    LABOUR:
      description: "Labour"
      permissions: [sync.check_in, sync.check_out, sync.track]
    PURCHASE_MANAGER:
      description: "Purchase manager"
      permissions: [sync.update_material_request, material_request.manage_any]

webhooks: []
`

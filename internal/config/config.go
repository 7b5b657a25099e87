package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "SHELLPOOL_CONFIG"

var recipeNameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// Config represents the top-level shellpool configuration.
type Config struct {
	Pool     PoolConfig           `yaml:"pool" toml:"pool"`
	Command  CommandConfig        `yaml:"command" toml:"command"`
	History  HistoryConfig        `yaml:"history" toml:"history"`
	Hosts    map[string]HostEntry `yaml:"hosts,omitempty" toml:"hosts,omitempty"`
	Groups   map[string]Group     `yaml:"groups" toml:"groups"`
	Recipes  map[string]Recipe    `yaml:"recipes,omitempty" toml:"recipes,omitempty"`
	Defaults Defaults             `yaml:"defaults" toml:"defaults"`
}

// PoolConfig controls connection pooling and session establishment.
type PoolConfig struct {
	Capacity           int      `yaml:"capacity" toml:"capacity"`
	ConnectTimeout     Duration `yaml:"connect_timeout" toml:"connect_timeout"`
	AuthTimeout        Duration `yaml:"auth_timeout" toml:"auth_timeout"`
	EstablishRetries   int      `yaml:"establish_retries" toml:"establish_retries"`
	EstablishBackoff   Duration `yaml:"establish_backoff" toml:"establish_backoff"`
	AcceptUnknownHosts bool     `yaml:"accept_unknown_hosts" toml:"accept_unknown_hosts"`
	KnownHostsFile     string   `yaml:"known_hosts_file,omitempty" toml:"known_hosts_file,omitempty"`
}

// CommandConfig holds the retry policy applied to every command.
type CommandConfig struct {
	Retries          bool     `yaml:"retries" toml:"retries"`
	RetryLimit       int      `yaml:"retry_limit" toml:"retry_limit"`
	Timeout          Duration `yaml:"timeout" toml:"timeout"`
	RecoverableCodes []int    `yaml:"recoverable_codes" toml:"recoverable_codes"`
	CheckPass        bool     `yaml:"check_pass" toml:"check_pass"`
	LogCmd           bool     `yaml:"log_cmd" toml:"log_cmd"`
}

// HistoryConfig selects where attempts are recorded. An empty driver
// disables recording.
type HistoryConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" or "mysql"
	DSN    string `yaml:"dsn,omitempty" toml:"dsn,omitempty"`
}

// HostEntry describes a named host. Zero values fall back to ~/.ssh/config.
type HostEntry struct {
	Hostname     string `yaml:"hostname,omitempty" toml:"hostname,omitempty"`
	User         string `yaml:"user,omitempty" toml:"user,omitempty"`
	Port         int    `yaml:"port,omitempty" toml:"port,omitempty"`
	IdentityFile string `yaml:"identity_file,omitempty" toml:"identity_file,omitempty"`
	ProxyJump    string `yaml:"proxy_jump,omitempty" toml:"proxy_jump,omitempty"`
	AllowAgent   *bool  `yaml:"allow_agent,omitempty" toml:"allow_agent,omitempty"`
	LookForKeys  *bool  `yaml:"look_for_keys,omitempty" toml:"look_for_keys,omitempty"`
}

// Group defines a named set of hosts with optional overrides.
type Group struct {
	Hosts   []string `yaml:"hosts" toml:"hosts"`
	User    string   `yaml:"user,omitempty" toml:"user,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty" toml:"timeout,omitempty"`
}

// Recipe is a named sequence of steps. A step may start with a selector,
// e.g. "@failed systemctl status nginx".
type Recipe struct {
	Description   string   `yaml:"description,omitempty" toml:"description,omitempty"`
	Steps         []string `yaml:"steps" toml:"steps"`
	StopOnFailure bool     `yaml:"stop_on_failure,omitempty" toml:"stop_on_failure,omitempty"`
}

// Defaults holds fan-out settings.
type Defaults struct {
	Concurrency int      `yaml:"concurrency" toml:"concurrency"`
	HostTimeout Duration `yaml:"host_timeout" toml:"host_timeout"`
	Output      string   `yaml:"output" toml:"output"` // "text" or "json"
}

// Duration wraps time.Duration so config files can use strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return d.UnmarshalText([]byte(s))
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// UnmarshalText is used by the TOML decoder.
func (d *Duration) UnmarshalText(text []byte) error {
	dur, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Pool: PoolConfig{
			Capacity:         5,
			ConnectTimeout:   Duration{7 * time.Second},
			AuthTimeout:      Duration{30 * time.Second},
			EstablishRetries: 3,
			EstablishBackoff: Duration{120 * time.Second},
		},
		Command: CommandConfig{
			Retries:          true,
			RetryLimit:       2,
			Timeout:          Duration{60 * time.Second},
			RecoverableCodes: []int{124, 137},
			LogCmd:           true,
		},
		History: HistoryConfig{
			Driver: "sqlite",
		},
		Hosts:   make(map[string]HostEntry),
		Groups:  make(map[string]Group),
		Recipes: make(map[string]Recipe),
		Defaults: Defaults{
			Concurrency: 20,
			HostTimeout: Duration{10 * time.Minute},
			Output:      "text",
		},
	}
}

// DefaultConfigPath returns the default config file path. $SHELLPOOL_CONFIG
// wins; otherwise $XDG_CONFIG_HOME or ~/.config is used.
func DefaultConfigPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "shellpool", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "shellpool", "config.yaml")
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Load reads and parses a config file. Files ending in .toml are parsed as
// TOML, everything else as YAML.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if isTOML(path) {
		err = toml.Unmarshal(data, cfg)
	} else {
		err = yaml.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path, falling back to a
// config.toml next to it. If neither exists, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); err == nil {
		return Load(path)
	}
	if !isTOML(path) {
		alt := strings.TrimSuffix(path, filepath.Ext(path)) + ".toml"
		if _, err := os.Stat(alt); err == nil {
			return Load(alt)
		}
	}
	return DefaultConfig(), nil
}

// Save writes the config to path, as TOML or YAML depending on the extension.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var (
		data []byte
		err  error
	)
	if isTOML(path) {
		data, err = toml.Marshal(cfg)
	} else {
		data, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks the config for logical errors.
func (c *Config) Validate() error {
	if c.Pool.Capacity < 1 {
		return fmt.Errorf("pool capacity must be at least 1, got %d", c.Pool.Capacity)
	}
	if c.Pool.EstablishRetries < 1 {
		return fmt.Errorf("pool establish_retries must be at least 1, got %d", c.Pool.EstablishRetries)
	}
	for name, d := range map[string]Duration{
		"pool connect_timeout":   c.Pool.ConnectTimeout,
		"pool auth_timeout":      c.Pool.AuthTimeout,
		"pool establish_backoff": c.Pool.EstablishBackoff,
		"command timeout":        c.Command.Timeout,
		"defaults host_timeout":  c.Defaults.HostTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must be non-negative, got %s", name, d)
		}
	}

	if c.Command.RetryLimit < 0 {
		return fmt.Errorf("command retry_limit must be non-negative, got %d", c.Command.RetryLimit)
	}
	for _, code := range c.Command.RecoverableCodes {
		if code < 0 || code > 255 {
			return fmt.Errorf("recoverable code %d is not a valid exit status", code)
		}
	}

	switch c.History.Driver {
	case "", "sqlite", "mysql":
	default:
		return fmt.Errorf("invalid history driver %q, must be one of: sqlite, mysql", c.History.Driver)
	}
	if c.History.Driver == "mysql" && c.History.DSN == "" {
		return fmt.Errorf("history driver mysql requires a dsn")
	}

	if c.Defaults.Concurrency < 0 {
		return fmt.Errorf("concurrency must be non-negative, got %d", c.Defaults.Concurrency)
	}
	validOutputModes := map[string]bool{"text": true, "json": true}
	if c.Defaults.Output != "" && !validOutputModes[c.Defaults.Output] {
		return fmt.Errorf("invalid output mode %q, must be one of: text, json", c.Defaults.Output)
	}

	for name, group := range c.Groups {
		if len(group.Hosts) == 0 {
			return fmt.Errorf("group %q has no hosts", name)
		}
		if group.Timeout.Duration < 0 {
			return fmt.Errorf("group %q has negative timeout: %s", name, group.Timeout)
		}
	}

	for name, r := range c.Recipes {
		if !recipeNameRe.MatchString(name) {
			return fmt.Errorf("recipe name %q must match [a-zA-Z0-9_-]+", name)
		}
		if len(r.Steps) == 0 {
			return fmt.Errorf("recipe %q has no steps", name)
		}
		for i, step := range r.Steps {
			if strings.TrimSpace(step) == "" {
				return fmt.Errorf("recipe %q step %d is empty", name, i+1)
			}
		}
	}

	for name, h := range c.Hosts {
		if h.Port < 0 || h.Port > 65535 {
			return fmt.Errorf("host %q has invalid port %d", name, h.Port)
		}
	}

	return nil
}

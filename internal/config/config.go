// Package config loads and validates the YAML configuration, including the
// named forwarding profiles the CLI routes through.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/juju/collections/set"
	"gopkg.in/yaml.v3"

	"github.com/tetherproj/tether/internal/endpoint"
	"github.com/tetherproj/tether/internal/pathutil"
)

// Config represents the top-level tether configuration.
type Config struct {
	Profiles map[string]Profile `yaml:"profiles,omitempty"`
	Defaults Defaults           `yaml:"defaults"`
}

// Profile names a relay and the forwards to route through it, with optional
// credential overrides.
type Profile struct {
	// Relay is the endpoint tunnels are routed through, as
	// "[user@]host[:port]". A missing port means 22.
	Relay string `yaml:"relay"`

	User       string `yaml:"user,omitempty"`
	Identity   string `yaml:"identity,omitempty"`
	KnownHosts string `yaml:"known-hosts,omitempty"`
	Insecure   bool   `yaml:"insecure,omitempty"`

	// Forwards lists tunnel specs, each "host:port" for an ephemeral local
	// bind or "localport:host:port" for a fixed one.
	Forwards []string `yaml:"forwards,omitempty"`
}

// Defaults holds settings applied when neither a flag nor a profile
// overrides them.
type Defaults struct {
	ConnectTimeout   Duration  `yaml:"connect-timeout"`
	HandshakeTimeout Duration  `yaml:"handshake-timeout"`
	Reconnect        Reconnect `yaml:"reconnect"`
}

// Reconnect tunes the automatic reconnect loop.
type Reconnect struct {
	Attempts int      `yaml:"attempts"`
	Delay    Duration `yaml:"delay"`
	MaxDelay Duration `yaml:"max-delay"`
}

// Duration wraps time.Duration to support YAML unmarshaling from strings like "30s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = dur
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Profiles: make(map[string]Profile),
		Defaults: Defaults{
			ConnectTimeout:   Duration{10 * time.Second},
			HandshakeTimeout: Duration{15 * time.Second},
			Reconnect: Reconnect{
				Attempts: 8,
				Delay:    Duration{500 * time.Millisecond},
				MaxDelay: Duration{30 * time.Second},
			},
		},
	}
}

// DefaultConfigPath returns the default config file path.
// Respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir != "" {
		return filepath.Join(configDir, "tether", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "tether", "config.yaml")
}

// Load reads and parses a config YAML file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadDefault loads the config from the default path. If the file does not
// exist, it returns the default config.
func LoadDefault() (*Config, error) {
	path := DefaultConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Save writes the config to the given file path as YAML.
// It creates parent directories if they don't exist.
func Save(path string, cfg *Config) error {
	if err := pathutil.EnsureParent(path); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
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
	if c.Defaults.ConnectTimeout.Duration < 0 {
		return fmt.Errorf("connect-timeout must be non-negative, got %s", c.Defaults.ConnectTimeout)
	}
	if c.Defaults.HandshakeTimeout.Duration < 0 {
		return fmt.Errorf("handshake-timeout must be non-negative, got %s", c.Defaults.HandshakeTimeout)
	}
	if c.Defaults.Reconnect.Attempts < 0 {
		return fmt.Errorf("reconnect attempts must be non-negative, got %d", c.Defaults.Reconnect.Attempts)
	}
	if c.Defaults.Reconnect.Delay.Duration < 0 || c.Defaults.Reconnect.MaxDelay.Duration < 0 {
		return fmt.Errorf("reconnect delays must be non-negative")
	}

	nameRe := regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)
	for name, profile := range c.Profiles {
		if !nameRe.MatchString(name) {
			return fmt.Errorf("profile name %q must match [a-zA-Z0-9_-]+", name)
		}
		if profile.Relay == "" {
			return fmt.Errorf("profile %q has no relay", name)
		}
		if _, _, err := endpoint.ParseAuthority(profile.Relay); err != nil {
			return fmt.Errorf("profile %q: %w", name, err)
		}
		for _, spec := range profile.Forwards {
			if _, _, err := ParseForward(spec); err != nil {
				return fmt.Errorf("profile %q: %w", name, err)
			}
		}
	}

	return nil
}

// Profile returns the named profile.
func (c *Config) Profile(name string) (Profile, error) {
	p, ok := c.Profiles[name]
	if !ok {
		if len(c.Profiles) == 0 {
			return Profile{}, fmt.Errorf("unknown profile %q: no profiles configured", name)
		}
		return Profile{}, fmt.Errorf("unknown profile %q (configured: %s)", name, strings.Join(c.ProfileNames(), ", "))
	}
	return p, nil
}

// ProfileNames returns the configured profile names in sorted order.
func (c *Config) ProfileNames() []string {
	names := set.NewStrings()
	for name := range c.Profiles {
		names.Add(name)
	}
	return names.SortedValues()
}

// ParseForward parses a tunnel spec of the form "host:port" (ephemeral local
// bind) or "localport:host:port" (fixed local bind). IPv6 target hosts must
// be bracketed.
func ParseForward(spec string) (localPort int, target endpoint.Endpoint, err error) {
	// A spec that parses as host:port on its own has no local part.
	if ep, perr := endpoint.Parse(spec); perr == nil {
		return 0, ep, nil
	}

	head, rest, found := strings.Cut(spec, ":")
	if !found {
		return 0, endpoint.Endpoint{}, fmt.Errorf("invalid forward %q: expected [localport:]host:port", spec)
	}
	port, perr := strconv.Atoi(head)
	if perr != nil || port < 1 || port > 65535 {
		return 0, endpoint.Endpoint{}, fmt.Errorf("invalid local port %q in forward %q", head, spec)
	}
	target, err = endpoint.Parse(rest)
	if err != nil {
		return 0, endpoint.Endpoint{}, fmt.Errorf("invalid forward %q: %w", spec, err)
	}
	return port, target, nil
}

// Package config loads and validates the client configuration: endpoints,
// identity, mesh radio, federation policy and the ambient logging/metrics
// settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/transport"
)

// Config is the complete application configuration.
type Config struct {
	Callsign    string           `yaml:"callsign"`
	Team        string           `yaml:"team,omitempty"`
	UID         string           `yaml:"uid"`
	Logging     LoggingConfig    `yaml:"logging,omitempty"`
	Metrics     MetricsConfig    `yaml:"metrics,omitempty"`
	Identity    IdentityConfig   `yaml:"identity,omitempty"`
	Enrollment  EnrollmentConfig `yaml:"enrollment,omitempty"`
	Connections []Connection     `yaml:"connections"`
	Mesh        MeshConfig       `yaml:"mesh,omitempty"`
	Federation  FederationConfig `yaml:"federation,omitempty"`
}

// LoggingConfig tunes the structured logger.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text or json
}

// MetricsConfig controls the Prometheus exposition server.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled,omitempty"`
	Port    int    `yaml:"port,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

// IdentityConfig locates the credential store.
type IdentityConfig struct {
	StoreDir string `yaml:"store_dir,omitempty"`
}

// EnrollmentConfig drives certificate enrollment at startup when a
// connection references a credential tag the store cannot resolve.
type EnrollmentConfig struct {
	URL      string `yaml:"url,omitempty"`
	Username string `yaml:"username,omitempty"`
	Password string `yaml:"password,omitempty"`
	TrustAll bool   `yaml:"trust_all,omitempty"`
}

// Connection is one direct server endpoint with its sharing policy.
type Connection struct {
	ID            string       `yaml:"id"`
	URL           string       `yaml:"url"`
	CredentialTag string       `yaml:"credential_tag,omitempty"`
	TrustAll      bool         `yaml:"trust_all,omitempty"`
	CAFile        string       `yaml:"ca_file,omitempty"`
	Supervised    bool         `yaml:"supervised,omitempty"`
	Policy        PolicyConfig `yaml:"policy,omitempty"`
}

// PolicyConfig is the YAML form of a federation policy. Types are category
// names (friendly, hostile, neutral, unknown, chat, waypoint, other) or
// the single entry "all".
type PolicyConfig struct {
	ReceiveTypes  []string `yaml:"receive_types,omitempty"`
	SendTypes     []string `yaml:"send_types,omitempty"`
	AutoShare     *bool    `yaml:"auto_share,omitempty"`
	BlueTeamOnly  bool     `yaml:"blue_team_only,omitempty"`
	Bidirectional *bool    `yaml:"bidirectional,omitempty"`
}

// Duration wraps time.Duration so YAML accepts "60s"-style strings; a bare
// integer is taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var seconds int64
	if err := value.Decode(&seconds); err != nil {
		return fmt.Errorf("invalid duration value %q", value.Value)
	}
	*d = Duration(time.Duration(seconds) * time.Second)
	return nil
}

// AsDuration returns the wrapped time.Duration.
func (d Duration) AsDuration() time.Duration { return time.Duration(d) }

// MeshConfig describes the optional radio link.
type MeshConfig struct {
	Enabled           bool     `yaml:"enabled,omitempty"`
	Device            string   `yaml:"device,omitempty"` // host:port of the radio's TCP bridge
	NodeID            uint64   `yaml:"node_id,omitempty"`
	ReassemblyTimeout Duration `yaml:"reassembly_timeout,omitempty"`
}

// FederationConfig tunes the router.
type FederationConfig struct {
	CacheCapacity int `yaml:"cache_capacity,omitempty"`
}

// Load reads and validates a YAML configuration file. ${VAR} references
// are expanded from the environment so secrets stay out of the file.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "config", "Load", "read configuration file")
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(raw))), &cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "Load", "parse YAML")
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Identity.StoreDir == "" {
		c.Identity.StoreDir = defaultStoreDir()
	}
	if c.Mesh.ReassemblyTimeout <= 0 {
		c.Mesh.ReassemblyTimeout = Duration(60 * time.Second)
	}
}

func defaultStoreDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".omnitak/identity"
	}
	return home + "/.omnitak/identity"
}

// Validate checks the configuration for startup-blocking mistakes.
func (c *Config) Validate() error {
	if c.UID == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: uid is required", errors.ErrMissingConfig),
			"config", "Validate", "uid check")
	}
	if c.Callsign == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: callsign is required", errors.ErrMissingConfig),
			"config", "Validate", "callsign check")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown log level %q", errors.ErrInvalidConfig, c.Logging.Level),
			"config", "Validate", "log level check")
	}

	seen := make(map[string]bool, len(c.Connections))
	for i := range c.Connections {
		conn := &c.Connections[i]
		if conn.ID == "" {
			return errors.WrapInvalid(
				fmt.Errorf("%w: connection %d has no id", errors.ErrInvalidConfig, i),
				"config", "Validate", "connection id check")
		}
		if seen[conn.ID] {
			return errors.WrapInvalid(
				fmt.Errorf("%w: duplicate connection id %q", errors.ErrInvalidConfig, conn.ID),
				"config", "Validate", "connection id check")
		}
		seen[conn.ID] = true
		if _, err := transport.ParseURL(conn.URL); err != nil {
			return errors.WrapInvalid(
				fmt.Errorf("connection %q: %w", conn.ID, err),
				"config", "Validate", "connection URL check")
		}
	}

	if c.Mesh.Enabled && c.Mesh.Device == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: mesh enabled without a device address", errors.ErrMissingConfig),
			"config", "Validate", "mesh device check")
	}
	return nil
}

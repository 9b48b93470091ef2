// ABOUTME: Configuration loading and parsing for the switchboard gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Config represents the complete switchboard configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Gateway   GatewayConfig   `yaml:"gateway" toml:"gateway"`
	Agent     AgentConfig     `yaml:"agent" toml:"agent"`
	Kafka     KafkaConfig     `yaml:"kafka" toml:"kafka"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds listener addresses. An empty grpc_addr disables the
// gRPC health endpoint.
type ServerConfig struct {
	WSAddr     string `yaml:"ws_addr" toml:"ws_addr"`
	BridgeAddr string `yaml:"bridge_addr" toml:"bridge_addr"`
	GRPCAddr   string `yaml:"grpc_addr" toml:"grpc_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	Hostname     string `yaml:"hostname" toml:"hostname"`
	AuthKey      string `yaml:"auth_key" toml:"auth_key"`
	StateDir     string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral    bool   `yaml:"ephemeral" toml:"ephemeral"`
	TrustTailnet bool   `yaml:"trust_tailnet" toml:"trust_tailnet"` // tailnet peers skip shared-secret auth
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path" toml:"path"`
}

// AuthConfig holds connection authentication settings. It is the only
// section applied without a restart.
type AuthConfig struct {
	Mode          string `yaml:"mode" toml:"mode" envconfig:"MODE"`
	Token         string `yaml:"token" toml:"token" envconfig:"TOKEN"`
	Password      string `yaml:"password" toml:"password" envconfig:"PASSWORD"` // plain text or bcrypt hash
	JWTSecret     string `yaml:"jwt_secret" toml:"jwt_secret" envconfig:"JWT_SECRET"`
	AllowLoopback bool   `yaml:"allow_loopback" toml:"allow_loopback" envconfig:"ALLOW_LOOPBACK"`
}

// GatewayConfig holds protocol engine tuning
type GatewayConfig struct {
	HandshakeTimeout time.Duration `yaml:"-" toml:"-"`
	TickInterval     time.Duration `yaml:"-" toml:"-"`
	HealthInterval   time.Duration `yaml:"-" toml:"-"`
	DeltaInterval    time.Duration `yaml:"-" toml:"-"`
	DedupeTTL        time.Duration `yaml:"-" toml:"-"`

	MaxPayloadBytes  int64 `yaml:"max_payload_bytes" toml:"max_payload_bytes"`
	MaxBufferedBytes int64 `yaml:"max_buffered_bytes" toml:"max_buffered_bytes"`
	DedupeMaxEntries int   `yaml:"dedupe_max_entries" toml:"dedupe_max_entries"`

	// Host patterns of browser origins allowed to open the WebSocket.
	// Same-origin requests are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins" toml:"allowed_origins"`

	// Raw string values for unmarshaling
	HandshakeTimeoutRaw string `yaml:"handshake_timeout" toml:"handshake_timeout"`
	TickIntervalRaw     string `yaml:"tick_interval" toml:"tick_interval"`
	HealthIntervalRaw   string `yaml:"health_interval" toml:"health_interval"`
	DeltaIntervalRaw    string `yaml:"delta_interval" toml:"delta_interval"`
	DedupeTTLRaw        string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
}

// Agent runner kinds.
const (
	RunnerExec  = "exec"
	RunnerKafka = "kafka"
)

// AgentConfig selects and configures the agent runner
type AgentConfig struct {
	Runner  string        `yaml:"runner" toml:"runner" envconfig:"RUNNER"`
	Command string        `yaml:"command" toml:"command" envconfig:"COMMAND"`
	Args    []string      `yaml:"args" toml:"args" envconfig:"ARGS"`
	Timeout time.Duration `yaml:"-" toml:"-" envconfig:"TIMEOUT"`

	TimeoutRaw string `yaml:"timeout" toml:"timeout" ignored:"true"`
}

// KafkaConfig holds broker settings for the kafka runner
type KafkaConfig struct {
	Brokers      []string `yaml:"brokers" toml:"brokers"`
	RequestTopic string   `yaml:"request_topic" toml:"request_topic"`
	EventTopic   string   `yaml:"event_topic" toml:"event_topic"`
	GroupID      string   `yaml:"group_id" toml:"group_id"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Defaults for unset fields.
const (
	DefaultWSAddr           = "127.0.0.1:18789"
	DefaultBridgeAddr       = "127.0.0.1:18790"
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultTickInterval     = 30 * time.Second
	DefaultHealthInterval   = time.Minute
	DefaultDeltaInterval    = 150 * time.Millisecond
	DefaultDedupeTTL        = 5 * time.Minute
	DefaultDedupeMaxEntries = 1000
	DefaultMaxPayloadBytes  = 512 * 1024
	DefaultMaxBuffered      = 1536 * 1024
	DefaultAgentTimeout     = 10 * time.Minute
	DefaultMetricsPath      = "/metrics"
)

// Environment variable prefixes for overrides of the auth and agent sections,
// e.g. SWITCHBOARD_AUTH_TOKEN or SWITCHBOARD_AGENT_COMMAND.
const (
	EnvAuthPrefix  = "SWITCHBOARD_AUTH"
	EnvAgentPrefix = "SWITCHBOARD_AGENT"
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded, then
// SWITCHBOARD_AUTH_* and SWITCHBOARD_AGENT_* variables override their sections.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	format := "yaml"
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		format = "toml"
	}
	return Parse(data, format)
}

// Parse decodes data in the given format ("yaml" or "toml") and applies
// env expansion, duration parsing, defaults, env overrides, and validation.
func Parse(data []byte, format string) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch format {
	case "toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	case "yaml":
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config format %q", format)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := applyEnv(&cfg); err != nil {
		return nil, fmt.Errorf("applying environment overrides: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnv(cfg *Config) error {
	if err := envconfig.Process(EnvAuthPrefix, &cfg.Auth); err != nil {
		return err
	}
	return envconfig.Process(EnvAgentPrefix, &cfg.Agent)
}

func (c *Config) applyDefaults() {
	if c.Server.WSAddr == "" {
		c.Server.WSAddr = DefaultWSAddr
	}
	if c.Server.BridgeAddr == "" {
		c.Server.BridgeAddr = DefaultBridgeAddr
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "none"
	}

	g := &c.Gateway
	if g.HandshakeTimeout == 0 {
		g.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if g.TickInterval == 0 {
		g.TickInterval = DefaultTickInterval
	}
	if g.HealthInterval == 0 {
		g.HealthInterval = DefaultHealthInterval
	}
	if g.DeltaInterval == 0 {
		g.DeltaInterval = DefaultDeltaInterval
	}
	if g.DedupeTTL == 0 {
		g.DedupeTTL = DefaultDedupeTTL
	}
	if g.DedupeMaxEntries == 0 {
		g.DedupeMaxEntries = DefaultDedupeMaxEntries
	}
	if g.MaxPayloadBytes == 0 {
		g.MaxPayloadBytes = DefaultMaxPayloadBytes
	}
	if g.MaxBufferedBytes == 0 {
		g.MaxBufferedBytes = DefaultMaxBuffered
	}

	if c.Agent.Runner == "" {
		c.Agent.Runner = RunnerExec
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = DefaultAgentTimeout
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = DefaultMetricsPath
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return errors.New("tailscale.hostname is required when tailscale is enabled")
	}
	if c.Tailscale.TrustTailnet && !c.Tailscale.Enabled {
		return errors.New("tailscale.trust_tailnet requires tailscale.enabled")
	}

	if c.Database.Path == "" {
		return errors.New("database.path is required")
	}

	if err := c.Auth.Validate(); err != nil {
		return err
	}

	switch c.Agent.Runner {
	case RunnerExec:
		if c.Agent.Command == "" {
			return errors.New("agent.command is required for the exec runner")
		}
	case RunnerKafka:
		if len(c.Kafka.Brokers) == 0 {
			return errors.New("kafka.brokers is required for the kafka runner")
		}
		if c.Kafka.RequestTopic == "" || c.Kafka.EventTopic == "" {
			return errors.New("kafka.request_topic and kafka.event_topic are required for the kafka runner")
		}
	default:
		return fmt.Errorf("agent.runner must be %q or %q, got %q", RunnerExec, RunnerKafka, c.Agent.Runner)
	}

	if c.Gateway.MaxBufferedBytes < c.Gateway.MaxPayloadBytes {
		return errors.New("gateway.max_buffered_bytes must be at least gateway.max_payload_bytes")
	}

	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	return nil
}

// Validate checks the auth section on its own so reloads can be rejected
// without touching the running settings.
func (a AuthConfig) Validate() error {
	switch a.Mode {
	case "", "none":
	case "token":
		if a.Token == "" && a.JWTSecret == "" {
			return errors.New("auth.token or auth.jwt_secret is required in token mode")
		}
	case "password":
		if a.Password == "" {
			return errors.New("auth.password is required in password mode")
		}
	default:
		return fmt.Errorf("auth.mode must be none, token, or password, got %q", a.Mode)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"gateway.handshake_timeout", cfg.Gateway.HandshakeTimeoutRaw, &cfg.Gateway.HandshakeTimeout},
		{"gateway.tick_interval", cfg.Gateway.TickIntervalRaw, &cfg.Gateway.TickInterval},
		{"gateway.health_interval", cfg.Gateway.HealthIntervalRaw, &cfg.Gateway.HealthInterval},
		{"gateway.delta_interval", cfg.Gateway.DeltaIntervalRaw, &cfg.Gateway.DeltaInterval},
		{"gateway.dedupe_ttl", cfg.Gateway.DedupeTTLRaw, &cfg.Gateway.DedupeTTL},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}

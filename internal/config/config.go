// ABOUTME: Configuration loading and parsing for the relay gateway and worker
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MemoryBrokerURL selects the in-process broker. Only useful when the
// gateway runs the worker pool embedded.
const MemoryBrokerURL = "memory://"

// Config represents the complete coven-relay configuration. The gateway and
// the worker read the same file and ignore the sections they do not use.
type Config struct {
	Gateway   GatewayConfig   `yaml:"gateway"`
	Worker    WorkerConfig    `yaml:"worker"`
	Broker    BrokerConfig    `yaml:"broker"`
	Services  ServicesConfig  `yaml:"services"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// GatewayConfig holds the HTTP gateway settings
type GatewayConfig struct {
	HTTPAddr          string `yaml:"http_addr"`
	SessionBuffer     int    `yaml:"session_buffer"`
	DefaultFunctionID int    `yaml:"default_function_id"`
	// EmbeddedWorker runs the dispatch pool inside the gateway process.
	EmbeddedWorker bool `yaml:"embedded_worker"`

	MaxSessionLifetime    time.Duration `yaml:"-"`
	MaxSessionLifetimeRaw string        `yaml:"max_session_lifetime"`
}

// WorkerConfig holds the dispatch pool settings
type WorkerConfig struct {
	MaxConcurrency int              `yaml:"max_concurrency"`
	HealthAddr     string           `yaml:"health_addr"`
	ToolCatalog    string           `yaml:"tool_catalog"`
	Functions      []FunctionConfig `yaml:"functions"`

	TurnTimeout  time.Duration `yaml:"-"`
	DedupeWindow time.Duration `yaml:"-"`

	TurnTimeoutRaw  string `yaml:"turn_timeout"`
	DedupeWindowRaw string `yaml:"dedupe_window"`
}

// FunctionConfig routes one function id to an agent endpoint
type FunctionConfig struct {
	ID       int    `yaml:"id"`
	Name     string `yaml:"name"`
	AgentURL string `yaml:"agent_url"`
}

// BrokerConfig holds the message broker connection settings.
// URL takes precedence over the individual host fields.
type BrokerConfig struct {
	URL           string `yaml:"url"`
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	VirtualHost   string `yaml:"virtual_host"`
	QuestionQueue string `yaml:"question_queue"`
	AnswerQueue   string `yaml:"answer_queue"`
	Prefetch      int    `yaml:"prefetch"`

	ReconnectDelay       time.Duration `yaml:"-"`
	UnexpectedErrorDelay time.Duration `yaml:"-"`
	Heartbeat            time.Duration `yaml:"-"`

	ReconnectDelayRaw       string `yaml:"reconnect_delay"`
	UnexpectedErrorDelayRaw string `yaml:"unexpected_error_delay"`
	HeartbeatRaw            string `yaml:"heartbeat"`
}

// DSN returns the AMQP connection URL.
func (b BrokerConfig) DSN() string {
	if b.URL != "" {
		return b.URL
	}
	if b.Host == "" {
		return ""
	}
	port := b.Port
	if port == 0 {
		port = 5672
	}
	u := url.URL{
		Scheme: "amqp",
		Host:   net.JoinHostPort(b.Host, strconv.Itoa(port)),
		Path:   "/" + b.VirtualHost,
	}
	if b.Username != "" {
		u.User = url.UserPassword(b.Username, b.Password)
	}
	return u.String()
}

// IsMemory reports whether the in-process broker is selected.
func (b BrokerConfig) IsMemory() bool {
	return b.URL == MemoryBrokerURL
}

// ServicesConfig holds the external collaborator endpoints. Empty URLs
// disable the collaborator.
type ServicesConfig struct {
	EntityURL string `yaml:"entity_url"`
	ImageURL  string `yaml:"image_url"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	HTTPS     bool   `yaml:"https"`  // Serve HTTPS on :443 with tailnet certs
	Funnel    bool   `yaml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// DatabaseConfig holds the session ledger location
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	// JWTSecret enables bearer-token auth on the HTTP API when set.
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Config from raw YAML.
func Parse(data []byte) (*Config, error) {
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(cfg *Config) {
	if cfg.Gateway.HTTPAddr == "" {
		cfg.Gateway.HTTPAddr = "127.0.0.1:8080"
	}
	if cfg.Gateway.SessionBuffer == 0 {
		cfg.Gateway.SessionBuffer = 256
	}
	if cfg.Gateway.DefaultFunctionID == 0 {
		cfg.Gateway.DefaultFunctionID = 8
	}
	if cfg.Gateway.MaxSessionLifetimeRaw == "" {
		cfg.Gateway.MaxSessionLifetimeRaw = "10m"
	}

	if cfg.Worker.MaxConcurrency == 0 {
		cfg.Worker.MaxConcurrency = 20
	}
	if cfg.Worker.HealthAddr == "" {
		cfg.Worker.HealthAddr = "127.0.0.1:9090"
	}
	if cfg.Worker.TurnTimeoutRaw == "" {
		cfg.Worker.TurnTimeoutRaw = "10m"
	}
	if cfg.Worker.DedupeWindowRaw == "" {
		cfg.Worker.DedupeWindowRaw = "10m"
	}

	if cfg.Broker.QuestionQueue == "" {
		cfg.Broker.QuestionQueue = "question_queue"
	}
	if cfg.Broker.AnswerQueue == "" {
		cfg.Broker.AnswerQueue = "answer_queue"
	}
	if cfg.Broker.Prefetch == 0 {
		cfg.Broker.Prefetch = 32
	}
	if cfg.Broker.ReconnectDelayRaw == "" {
		cfg.Broker.ReconnectDelayRaw = "5s"
	}
	if cfg.Broker.UnexpectedErrorDelayRaw == "" {
		cfg.Broker.UnexpectedErrorDelayRaw = "10s"
	}
	if cfg.Broker.HeartbeatRaw == "" {
		cfg.Broker.HeartbeatRaw = "10s"
	}

	if cfg.Services.TimeoutRaw == "" {
		cfg.Services.TimeoutRaw = "30s"
	}

	if cfg.Database.Path == "" {
		cfg.Database.Path = ":memory:"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Broker.DSN() == "" {
		return fmt.Errorf("broker.url or broker.host is required")
	}
	if c.Broker.QuestionQueue == c.Broker.AnswerQueue {
		return fmt.Errorf("broker.question_queue and broker.answer_queue must differ")
	}
	if c.Broker.Prefetch < 0 {
		return fmt.Errorf("broker.prefetch must not be negative")
	}

	if c.Gateway.SessionBuffer < 1 {
		return fmt.Errorf("gateway.session_buffer must be at least 1")
	}
	if c.Worker.MaxConcurrency < 1 {
		return fmt.Errorf("worker.max_concurrency must be at least 1")
	}

	seen := make(map[int]bool)
	for i, fn := range c.Worker.Functions {
		if fn.AgentURL == "" {
			return fmt.Errorf("worker.functions[%d].agent_url is required", i)
		}
		if seen[fn.ID] {
			return fmt.Errorf("worker.functions[%d]: duplicate function id %d", i, fn.ID)
		}
		seen[fn.ID] = true
	}

	// Tailscale requires a hostname
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Broker.IsMemory() && !c.Gateway.EmbeddedWorker {
		return fmt.Errorf("broker.url %q requires gateway.embedded_worker", MemoryBrokerURL)
	}

	return nil
}

// ValidateWorker checks the settings only the worker needs.
func (c *Config) ValidateWorker() error {
	if len(c.Worker.Functions) == 0 {
		return fmt.Errorf("worker.functions must route at least one function id")
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
		{"gateway.max_session_lifetime", cfg.Gateway.MaxSessionLifetimeRaw, &cfg.Gateway.MaxSessionLifetime},
		{"worker.turn_timeout", cfg.Worker.TurnTimeoutRaw, &cfg.Worker.TurnTimeout},
		{"worker.dedupe_window", cfg.Worker.DedupeWindowRaw, &cfg.Worker.DedupeWindow},
		{"broker.reconnect_delay", cfg.Broker.ReconnectDelayRaw, &cfg.Broker.ReconnectDelay},
		{"broker.unexpected_error_delay", cfg.Broker.UnexpectedErrorDelayRaw, &cfg.Broker.UnexpectedErrorDelay},
		{"broker.heartbeat", cfg.Broker.HeartbeatRaw, &cfg.Broker.Heartbeat},
		{"services.timeout", cfg.Services.TimeoutRaw, &cfg.Services.Timeout},
	}

	for _, f := range fields {
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}

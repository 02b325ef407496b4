package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listener  ListenerConfig  `yaml:"listener"`
	Storage   StorageConfig   `yaml:"storage"`
	Firewall  FirewallConfig  `yaml:"firewall"`
	Blocking  BlockingConfig  `yaml:"blocking"`
	Whitelist WhitelistConfig `yaml:"whitelist"`
	Control   ControlConfig   `yaml:"control"`
	Notify    NotifyConfig    `yaml:"notify"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ListenerConfig configures the unix socket the detection process writes
// alerts to.
type ListenerConfig struct {
	SocketPath  string `yaml:"socket_path"`
	Permissions string `yaml:"permissions"`
	ReadTimeout string `yaml:"read_timeout"`
	MaxPayload  string `yaml:"max_payload"`

	// Restart controls the backoff applied when the socket cannot be created.
	Restart RestartConfig `yaml:"restart"`
}

type RestartConfig struct {
	InitialInterval string `yaml:"initial_interval"`
	MaxInterval     string `yaml:"max_interval"`
	// MaxElapsed of "0" retries forever.
	MaxElapsed string `yaml:"max_elapsed"`
}

type StorageConfig struct {
	SQLitePath  string            `yaml:"sqlite_path"`
	IncidentLog IncidentLogConfig `yaml:"incident_log"`
}

// IncidentLogConfig mirrors incidents to a rotating JSONL file.
type IncidentLogConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

type FirewallConfig struct {
	// Backend is one of iptables, nft, noop.
	Backend        string `yaml:"backend"`
	IptablesPath   string `yaml:"iptables_path"`
	NftPath        string `yaml:"nft_path"`
	Chain          string `yaml:"chain"`
	CommentPrefix  string `yaml:"comment_prefix"`
	NftTable       string `yaml:"nft_table"`
	NftSet         string `yaml:"nft_set"`
	CommandTimeout string `yaml:"command_timeout"`
	UseSudo        bool   `yaml:"use_sudo"`
}

type BlockingConfig struct {
	DefaultDuration string          `yaml:"default_duration"`
	AutoBlock       AutoBlockConfig `yaml:"auto_block"`
}

// AutoBlockConfig enables the threshold policy that blocks an address after
// repeated incidents.
type AutoBlockConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold int    `yaml:"threshold"`
	Window    string `yaml:"window"`
	Duration  string `yaml:"duration"`
}

type WhitelistConfig struct {
	File             string   `yaml:"file"`
	Watch            bool     `yaml:"watch"`
	ResolveHostnames bool     `yaml:"resolve_hostnames"`
	Nameserver       string   `yaml:"nameserver"`
	Entries          []string `yaml:"entries"`
}

type ControlConfig struct {
	SocketPath     string `yaml:"socket_path"`
	Permissions    string `yaml:"permissions"`
	GRPCSocketPath string `yaml:"grpc_socket_path"`
	APIKey         string `yaml:"api_key"`
}

type NotifyConfig struct {
	Filter  FilterConfig  `yaml:"filter"`
	Webhook WebhookConfig `yaml:"webhook"`
	OTEL    OTELConfig    `yaml:"otel"`
}

// FilterConfig narrows which events reach notifier sinks. Patterns are globs.
type FilterConfig struct {
	IncludeTypes   []string `yaml:"include_types"`
	ExcludeTypes   []string `yaml:"exclude_types"`
	ReasonPatterns []string `yaml:"reason_patterns"`
}

type WebhookConfig struct {
	Enabled       bool              `yaml:"enabled"`
	URL           string            `yaml:"url"`
	BatchSize     int               `yaml:"batch_size"`
	FlushInterval string            `yaml:"flush_interval"`
	Timeout       string            `yaml:"timeout"`
	Headers       map[string]string `yaml:"headers"`
}

type OTELConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Protocol    string            `yaml:"protocol"` // grpc or http
	ServiceName string            `yaml:"service_name"`
	Headers     map[string]string `yaml:"headers"`
	Timeout     string            `yaml:"timeout"`
	TLS         OTELTLSConfig     `yaml:"tls"`
}

type OTELTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	Insecure bool   `yaml:"insecure"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromBytes loads configuration from bytes without applying environment
// overrides. This is intended for testing where env vars should not interfere.
func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a config with every default applied and env overrides on
// top, used when no config file exists.
func Default() (*Config, error) {
	var cfg Config
	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listener.SocketPath == "" {
		cfg.Listener.SocketPath = "/var/run/hids/alert.sock"
	}
	if cfg.Listener.Permissions == "" {
		cfg.Listener.Permissions = "0666"
	}
	if cfg.Listener.ReadTimeout == "" {
		cfg.Listener.ReadTimeout = "5s"
	}
	if cfg.Listener.MaxPayload == "" {
		cfg.Listener.MaxPayload = "64KiB"
	}
	if cfg.Listener.Restart.InitialInterval == "" {
		cfg.Listener.Restart.InitialInterval = "500ms"
	}
	if cfg.Listener.Restart.MaxInterval == "" {
		cfg.Listener.Restart.MaxInterval = "30s"
	}
	if cfg.Listener.Restart.MaxElapsed == "" {
		cfg.Listener.Restart.MaxElapsed = "0"
	}

	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "/var/lib/hidsward/hidsward.db"
	}
	if cfg.Storage.IncidentLog.Path == "" {
		cfg.Storage.IncidentLog.Path = "/var/log/hidsward/incidents.jsonl"
	}
	if cfg.Storage.IncidentLog.MaxSizeMB <= 0 {
		cfg.Storage.IncidentLog.MaxSizeMB = 100
	}
	if cfg.Storage.IncidentLog.MaxBackups <= 0 {
		cfg.Storage.IncidentLog.MaxBackups = 3
	}

	if cfg.Firewall.Backend == "" {
		cfg.Firewall.Backend = "iptables"
	}
	if cfg.Firewall.IptablesPath == "" {
		cfg.Firewall.IptablesPath = "/sbin/iptables"
	}
	if cfg.Firewall.NftPath == "" {
		cfg.Firewall.NftPath = "/usr/sbin/nft"
	}
	if cfg.Firewall.Chain == "" {
		cfg.Firewall.Chain = "INPUT"
	}
	if cfg.Firewall.CommentPrefix == "" {
		cfg.Firewall.CommentPrefix = "HIDS"
	}
	if cfg.Firewall.NftTable == "" {
		cfg.Firewall.NftTable = "hidsward"
	}
	if cfg.Firewall.NftSet == "" {
		cfg.Firewall.NftSet = "blocked4"
	}
	if cfg.Firewall.CommandTimeout == "" {
		cfg.Firewall.CommandTimeout = "10s"
	}

	if cfg.Blocking.DefaultDuration == "" {
		cfg.Blocking.DefaultDuration = "24h"
	}
	if cfg.Blocking.AutoBlock.Threshold <= 0 {
		cfg.Blocking.AutoBlock.Threshold = 5
	}
	if cfg.Blocking.AutoBlock.Window == "" {
		cfg.Blocking.AutoBlock.Window = "10m"
	}
	if cfg.Blocking.AutoBlock.Duration == "" {
		cfg.Blocking.AutoBlock.Duration = cfg.Blocking.DefaultDuration
	}

	if cfg.Control.SocketPath == "" {
		cfg.Control.SocketPath = "/var/run/hidsward/control.sock"
	}
	if cfg.Control.Permissions == "" {
		cfg.Control.Permissions = "0660"
	}

	if cfg.Notify.Webhook.BatchSize <= 0 {
		cfg.Notify.Webhook.BatchSize = 20
	}
	if cfg.Notify.Webhook.FlushInterval == "" {
		cfg.Notify.Webhook.FlushInterval = "5s"
	}
	if cfg.Notify.Webhook.Timeout == "" {
		cfg.Notify.Webhook.Timeout = "5s"
	}
	if cfg.Notify.OTEL.Protocol == "" {
		cfg.Notify.OTEL.Protocol = "grpc"
	}
	if cfg.Notify.OTEL.ServiceName == "" {
		cfg.Notify.OTEL.ServiceName = "hidsward"
	}
	if cfg.Notify.OTEL.Timeout == "" {
		cfg.Notify.OTEL.Timeout = "10s"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}

	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("HIDSWARD_ALERT_SOCKET"); v != "" {
		cfg.Listener.SocketPath = v
	}
	if v := os.Getenv("HIDSWARD_CONTROL_SOCKET"); v != "" {
		cfg.Control.SocketPath = v
	}
	if v := os.Getenv("HIDSWARD_FIREWALL_BACKEND"); v != "" {
		cfg.Firewall.Backend = v
	}
	if v := os.Getenv("HIDSWARD_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("HIDSWARD_API_KEY"); v != "" {
		cfg.Control.APIKey = v
	}
	if v := os.Getenv("HIDSWARD_DATA_DIR"); v != "" {
		cfg.Storage.SQLitePath = filepath.Join(v, "hidsward.db")
		cfg.Storage.IncidentLog.Path = filepath.Join(v, "incidents.jsonl")
	}
}

func validateConfig(cfg *Config) error {
	switch cfg.Firewall.Backend {
	case "iptables", "nft", "noop":
	default:
		return fmt.Errorf("invalid firewall.backend %q", cfg.Firewall.Backend)
	}
	switch cfg.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q", cfg.Logging.Format)
	}
	switch cfg.Notify.OTEL.Protocol {
	case "grpc", "http":
	default:
		return fmt.Errorf("invalid notify.otel.protocol %q", cfg.Notify.OTEL.Protocol)
	}
	if _, err := ParseFileMode(cfg.Listener.Permissions); err != nil {
		return fmt.Errorf("listener.permissions: %w", err)
	}
	if _, err := ParseFileMode(cfg.Control.Permissions); err != nil {
		return fmt.Errorf("control.permissions: %w", err)
	}
	if _, err := ParseByteSize(cfg.Listener.MaxPayload); err != nil {
		return fmt.Errorf("listener.max_payload: %w", err)
	}
	durations := map[string]string{
		"listener.read_timeout":             cfg.Listener.ReadTimeout,
		"listener.restart.initial_interval": cfg.Listener.Restart.InitialInterval,
		"listener.restart.max_interval":     cfg.Listener.Restart.MaxInterval,
		"listener.restart.max_elapsed":      cfg.Listener.Restart.MaxElapsed,
		"firewall.command_timeout":          cfg.Firewall.CommandTimeout,
		"blocking.default_duration":         cfg.Blocking.DefaultDuration,
		"blocking.auto_block.window":        cfg.Blocking.AutoBlock.Window,
		"blocking.auto_block.duration":      cfg.Blocking.AutoBlock.Duration,
		"notify.webhook.flush_interval":     cfg.Notify.Webhook.FlushInterval,
		"notify.webhook.timeout":            cfg.Notify.Webhook.Timeout,
		"notify.otel.timeout":               cfg.Notify.OTEL.Timeout,
	}
	for name, v := range durations {
		if _, err := ParseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	if cfg.Notify.Webhook.Enabled && cfg.Notify.Webhook.URL == "" {
		return fmt.Errorf("notify.webhook.url is required when webhook is enabled")
	}
	if cfg.Notify.OTEL.Enabled && cfg.Notify.OTEL.Endpoint == "" {
		return fmt.Errorf("notify.otel.endpoint is required when otel is enabled")
	}
	return nil
}

// ParseDuration accepts Go duration strings plus a bare "0".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// MustDuration returns the parsed duration or zero. Values are checked by
// validateConfig, so callers holding a loaded Config can rely on it.
func MustDuration(s string) time.Duration {
	d, _ := ParseDuration(s)
	return d
}

// ParseFileMode parses an octal permission string such as "0660".
func ParseFileMode(s string) (os.FileMode, error) {
	u, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid permissions %q: %w", s, err)
	}
	if u > 0o777 {
		return 0, fmt.Errorf("invalid permissions %q", s)
	}
	return os.FileMode(u), nil
}

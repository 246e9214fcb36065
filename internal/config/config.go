// Package config handles loading and validating fleetlink configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/addrpool"
	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/darshan-rambhia/fleetlink/internal/tunnel"
	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR_NAME} placeholders in config values.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// ErrConfigFileNotFound is returned by Load when the specified config file does not exist.
var ErrConfigFileNotFound = errors.New("config file not found")

// Config is the top-level fleetlink configuration.
type Config struct {
	Listen            string               `yaml:"listen"`
	DBPath            string               `yaml:"db_path"`
	LogLevel          string               `yaml:"log_level"`
	LogFormat         string               `yaml:"log_format"`
	APIURL            string               `yaml:"api_url"`
	HeartbeatInterval Duration             `yaml:"heartbeat_interval"`
	ClaimTTL          Duration             `yaml:"claim_ttl"`
	TrustProxy        bool                 `yaml:"trust_proxy"`
	Tunnel            TunnelConfig         `yaml:"tunnel"`
	Monitor           MonitorConfig        `yaml:"monitor"`
	Retention         RetentionConfig      `yaml:"retention"`
	RateLimit         RateLimitConfig      `yaml:"rate_limit"`
	Auth              AuthConfig           `yaml:"auth"`
	NATS              NATSConfig           `yaml:"nats"`
	Organizations     []OrganizationConfig `yaml:"organizations"`
	Notifications     []NotificationConfig `yaml:"notifications"`
}

// Tunnel provisioner modes.
const (
	TunnelMemory  = "memory"
	TunnelCommand = "command"
	TunnelSSH     = "ssh"
)

// TunnelConfig describes the WireGuard server and how peers are configured on it.
type TunnelConfig struct {
	Mode            string       `yaml:"mode"` // "memory", "command" or "ssh"
	Interface       string       `yaml:"interface"`
	ServerPublicKey string       `yaml:"server_public_key"`
	ServerEndpoint  string       `yaml:"server_endpoint"`
	Keepalive       int          `yaml:"keepalive"`
	Timeout         Duration     `yaml:"timeout"`
	Ranges          RangesConfig `yaml:"ranges"`
	SSH             *SSHConfig   `yaml:"ssh,omitempty"`
}

// RangesConfig holds the address range for each billing class.
type RangesConfig struct {
	Customer RangeConfig `yaml:"customer"`
	Internal RangeConfig `yaml:"internal"`
}

// RangeConfig is an inclusive IPv4 range.
type RangeConfig struct {
	First string `yaml:"first"`
	Last  string `yaml:"last"`
}

// SSHConfig describes SSH access to the tunnel host.
type SSHConfig struct {
	Host    string `yaml:"host"`
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
}

// MonitorConfig controls the periodic fleet checks.
type MonitorConfig struct {
	Interval       Duration       `yaml:"interval"`
	OfflineAfter   Duration       `yaml:"offline_after"`
	ReservationTTL Duration       `yaml:"reservation_ttl"`
	NotifyCooldown Duration       `yaml:"notify_cooldown"`
	CPUHigh        *ThresholdRule `yaml:"cpu_high,omitempty"`
	RAMHigh        *ThresholdRule `yaml:"ram_high,omitempty"`
}

// ThresholdRule fires when a metric stays at or above Threshold for Duration.
type ThresholdRule struct {
	Threshold float64  `yaml:"threshold"`
	Duration  Duration `yaml:"duration"`
	Severity  string   `yaml:"severity"`
}

// RetentionConfig sets how long history is kept.
type RetentionConfig struct {
	Rollups Duration `yaml:"rollups"`
	Facts   Duration `yaml:"facts"`
	Reports Duration `yaml:"reports"`
}

// RateLimitConfig limits requests per client IP on /api/.
type RateLimitConfig struct {
	Requests int      `yaml:"requests"`
	Per      Duration `yaml:"per"`
	Burst    int      `yaml:"burst"`
}

// AuthConfig guards the operator routes. An empty secret leaves them open.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// NATSConfig enables the event sink when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// OrganizationConfig declares an organization created at startup.
type OrganizationConfig struct {
	Slug  string       `yaml:"slug"`
	Name  string       `yaml:"name"`
	Type  string       `yaml:"type"` // "customer" or "internal"
	Sites []SiteConfig `yaml:"sites,omitempty"`
}

// SiteConfig declares a site within an organization.
type SiteConfig struct {
	Slug string `yaml:"slug"`
	Name string `yaml:"name"`
}

// NotificationConfig describes a notification target.
type NotificationConfig struct {
	Type    string            `yaml:"type"` // "ntfy" or "webhook"
	URL     string            `yaml:"url"`
	Topic   string            `yaml:"topic,omitempty"`   // ntfy only
	Method  string            `yaml:"method,omitempty"`  // webhook only
	Headers map[string]string `yaml:"headers,omitempty"` // webhook only
}

// Duration wraps time.Duration with YAML string parsing support.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.String(), nil
}

// Load reads configuration from a YAML file. If no path is given, defaults
// and environment variables are used. If a path is given and the file does
// not exist, ErrConfigFileNotFound is returned.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrConfigFileNotFound, path)
		}
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if len(data) > 0 {
			if err := yaml.Unmarshal(expandEnvVars(data), cfg); err != nil {
				return nil, fmt.Errorf("parsing config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("log_format must be one of: text, json")
	}
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	if c.APIURL != "" {
		if u, err := url.Parse(c.APIURL); err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("api_url must be an absolute URL")
		}
	}
	if c.HeartbeatInterval.Duration <= 0 {
		return fmt.Errorf("heartbeat_interval must be > 0")
	}
	if c.ClaimTTL.Duration <= 0 {
		return fmt.Errorf("claim_ttl must be > 0")
	}

	if err := c.Tunnel.validate(); err != nil {
		return err
	}

	m := c.Monitor
	if m.Interval.Duration <= 0 {
		return fmt.Errorf("monitor.interval must be > 0")
	}
	if m.OfflineAfter.Duration < 0 || m.ReservationTTL.Duration < 0 || m.NotifyCooldown.Duration < 0 {
		return fmt.Errorf("monitor durations must not be negative")
	}
	if m.ReservationTTL.Duration > 0 && m.ReservationTTL.Duration <= c.Tunnel.Timeout.Duration {
		return fmt.Errorf("monitor.reservation_ttl must exceed tunnel.timeout")
	}
	if err := m.CPUHigh.validate("cpu_high"); err != nil {
		return err
	}
	if err := m.RAMHigh.validate("ram_high"); err != nil {
		return err
	}

	if c.RateLimit.Requests < 0 || c.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: requests and burst must not be negative")
	}
	if c.RateLimit.Requests > 0 && c.RateLimit.Per.Duration <= 0 {
		return fmt.Errorf("rate_limit.per must be > 0")
	}

	if c.NATS.URL != "" && c.NATS.SubjectPrefix == "" {
		return fmt.Errorf("nats.subject_prefix is required when nats.url is set")
	}

	seen := make(map[string]bool)
	for i, o := range c.Organizations {
		if o.Slug == "" {
			return fmt.Errorf("organizations[%d]: slug is required", i)
		}
		if seen[o.Slug] {
			return fmt.Errorf("organizations[%d]: duplicate slug %q", i, o.Slug)
		}
		seen[o.Slug] = true
		if o.Name == "" {
			return fmt.Errorf("organizations[%d]: name is required", i)
		}
		switch model.BillingClass(o.Type) {
		case model.BillingCustomer, model.BillingInternal:
		default:
			return fmt.Errorf("organizations[%d]: unknown type %q (expected customer or internal)", i, o.Type)
		}
		for j, s := range o.Sites {
			if s.Slug == "" || s.Name == "" {
				return fmt.Errorf("organizations[%d].sites[%d]: slug and name are required", i, j)
			}
		}
	}

	for i, n := range c.Notifications {
		switch n.Type {
		case "ntfy":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for ntfy", i)
			}
			if n.Topic == "" {
				return fmt.Errorf("notifications[%d]: topic is required for ntfy", i)
			}
		case "webhook":
			if n.URL == "" {
				return fmt.Errorf("notifications[%d]: url is required for webhook", i)
			}
		default:
			return fmt.Errorf("notifications[%d]: unknown type %q (expected ntfy or webhook)", i, n.Type)
		}
	}

	return nil
}

func (r *ThresholdRule) validate(name string) error {
	if r == nil {
		return nil
	}
	if r.Threshold <= 0 || r.Threshold > 100 {
		return fmt.Errorf("monitor.%s: threshold must be in (0, 100]", name)
	}
	if r.Duration.Duration < 0 {
		return fmt.Errorf("monitor.%s: duration must not be negative", name)
	}
	switch r.Severity {
	case "info", "warning", "critical":
	default:
		return fmt.Errorf("monitor.%s: severity must be one of: info, warning, critical", name)
	}
	return nil
}

func (t TunnelConfig) validate() error {
	switch t.Mode {
	case TunnelMemory:
	case TunnelCommand:
		if t.Interface == "" {
			return fmt.Errorf("tunnel.interface is required for command mode")
		}
	case TunnelSSH:
		if t.Interface == "" {
			return fmt.Errorf("tunnel.interface is required for ssh mode")
		}
		if t.SSH == nil || t.SSH.Host == "" || t.SSH.User == "" || t.SSH.KeyPath == "" {
			return fmt.Errorf("tunnel.ssh: host, user and key_path are required for ssh mode")
		}
	default:
		return fmt.Errorf("tunnel.mode must be one of: memory, command, ssh")
	}
	if t.Mode != TunnelMemory && t.ServerPublicKey == "" {
		return fmt.Errorf("tunnel.server_public_key is required for %s mode", t.Mode)
	}
	if t.ServerPublicKey != "" {
		if _, err := tunnel.ParseKey(t.ServerPublicKey); err != nil {
			return fmt.Errorf("tunnel.server_public_key: %w", err)
		}
	}
	if t.Timeout.Duration <= 0 {
		return fmt.Errorf("tunnel.timeout must be > 0")
	}
	if t.Keepalive < 0 {
		return fmt.Errorf("tunnel.keepalive must not be negative")
	}
	if _, err := t.Pool(); err != nil {
		return fmt.Errorf("tunnel.ranges: %w", err)
	}
	return nil
}

// Pool builds the address pool from the configured ranges.
func (t TunnelConfig) Pool() (*addrpool.Pool, error) {
	customer, err := addrpool.ParseRange(t.Ranges.Customer.First, t.Ranges.Customer.Last)
	if err != nil {
		return nil, fmt.Errorf("customer: %w", err)
	}
	internal, err := addrpool.ParseRange(t.Ranges.Internal.First, t.Ranges.Internal.Last)
	if err != nil {
		return nil, fmt.Errorf("internal: %w", err)
	}
	return addrpool.New(customer, internal)
}

func defaults() *Config {
	return &Config{
		Listen:            ":3000",
		DBPath:            "/data/fleetlink.db",
		LogLevel:          "info",
		LogFormat:         "text",
		HeartbeatInterval: Duration{time.Minute},
		ClaimTTL:          Duration{24 * time.Hour},
		Tunnel: TunnelConfig{
			Mode:      TunnelMemory,
			Interface: "wg0",
			Keepalive: 25,
			Timeout:   Duration{30 * time.Second},
			Ranges: RangesConfig{
				Customer: RangeConfig{First: "10.10.0.20", Last: "10.10.0.99"},
				Internal: RangeConfig{First: "10.10.0.10", Last: "10.10.0.19"},
			},
		},
		Monitor: MonitorConfig{
			Interval:       Duration{2 * time.Minute},
			OfflineAfter:   Duration{5 * time.Minute},
			ReservationTTL: Duration{10 * time.Minute},
			NotifyCooldown: Duration{time.Hour},
			CPUHigh:        &ThresholdRule{Threshold: 90, Duration: Duration{5 * time.Minute}, Severity: "warning"},
			RAMHigh:        &ThresholdRule{Threshold: 90, Duration: Duration{5 * time.Minute}, Severity: "warning"},
		},
		Retention: RetentionConfig{
			Rollups: Duration{30 * 24 * time.Hour},
			Facts:   Duration{90 * 24 * time.Hour},
			Reports: Duration{48 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			Requests: 100,
			Per:      Duration{15 * time.Minute},
			Burst:    100,
		},
		NATS: NATSConfig{SubjectPrefix: "fleetlink"},
	}
}

// expandEnvVars replaces ${VAR_NAME} placeholders in raw YAML with the
// corresponding environment variable values. Unset variables are replaced
// with an empty string, which will then fail validation with a clear error.
func expandEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		key := string(match[2 : len(match)-1]) // strip ${ and }
		return []byte(os.Getenv(key))
	})
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FLEETLINK_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("FLEETLINK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("FLEETLINK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("FLEETLINK_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("FLEETLINK_API_URL"); v != "" {
		cfg.APIURL = v
	}
	if v := os.Getenv("FLEETLINK_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("FLEETLINK_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("FLEETLINK_TUNNEL_MODE"); v != "" {
		cfg.Tunnel.Mode = v
	}
	if v := os.Getenv("FLEETLINK_TUNNEL_SERVER_PUBLIC_KEY"); v != "" {
		cfg.Tunnel.ServerPublicKey = v
	}
	if v := os.Getenv("FLEETLINK_TUNNEL_SERVER_ENDPOINT"); v != "" {
		cfg.Tunnel.ServerEndpoint = v
	}
	if v := os.Getenv("FLEETLINK_TRUST_PROXY"); v != "" {
		cfg.TrustProxy = v == "true" || v == "1"
	}

	// Single ntfy target from env vars (only if no YAML notifications configured).
	if len(cfg.Notifications) == 0 {
		if ntfyURL := os.Getenv("FLEETLINK_NTFY_URL"); ntfyURL != "" {
			topic := os.Getenv("FLEETLINK_NTFY_TOPIC")
			if topic == "" {
				topic = "fleetlink-alerts"
			}
			cfg.Notifications = append(cfg.Notifications, NotificationConfig{
				Type:  "ntfy",
				URL:   ntfyURL,
				Topic: topic,
			})
		}
	}

	if v := os.Getenv("FLEETLINK_HEARTBEAT_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HeartbeatInterval = Duration{d}
		}
	}
	if v := os.Getenv("FLEETLINK_RATE_LIMIT_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RateLimit.Requests = n
		}
	}
}

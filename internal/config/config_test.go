package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/darshan-rambhia/fleetlink/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testServerKey = "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "fleetlink.yaml")
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
	return p
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"FLEETLINK_LISTEN", "FLEETLINK_DB_PATH", "FLEETLINK_LOG_LEVEL", "FLEETLINK_LOG_FORMAT",
		"FLEETLINK_API_URL", "FLEETLINK_JWT_SECRET", "FLEETLINK_NATS_URL",
		"FLEETLINK_TUNNEL_MODE", "FLEETLINK_TUNNEL_SERVER_PUBLIC_KEY", "FLEETLINK_TUNNEL_SERVER_ENDPOINT",
		"FLEETLINK_TRUST_PROXY", "FLEETLINK_NTFY_URL", "FLEETLINK_NTFY_TOPIC",
		"FLEETLINK_HEARTBEAT_INTERVAL", "FLEETLINK_RATE_LIMIT_REQUESTS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

const fullYAML = `
listen: ":9090"
db_path: "/tmp/test.db"
log_level: "debug"
log_format: "json"
api_url: "https://fleet.example.com/api"
heartbeat_interval: "30s"
claim_ttl: "48h"
trust_proxy: true

tunnel:
  mode: ssh
  interface: wg1
  server_public_key: "xTIBA5rboUvnH4htodjb6e697QjLERt1NAB4mZqp8Dg="
  server_endpoint: "vpn.example.com:51820"
  keepalive: 15
  timeout: "20s"
  ranges:
    customer: {first: "10.20.0.100", last: "10.20.0.199"}
    internal: {first: "10.20.0.10", last: "10.20.0.19"}
  ssh:
    host: "10.0.0.1"
    user: "root"
    key_path: "/config/ssh/id_ed25519"

monitor:
  interval: "1m"
  offline_after: "3m"
  reservation_ttl: "5m"
  notify_cooldown: "30m"
  cpu_high:
    threshold: 95
    duration: "10m"
    severity: "critical"

retention:
  rollups: "720h"
  facts: "2160h"
  reports: "24h"

rate_limit:
  requests: 50
  per: "1m"
  burst: 10

auth:
  jwt_secret: "s3cret"

nats:
  url: "nats://127.0.0.1:4222"
  subject_prefix: "fleet"

organizations:
  - slug: acme
    name: Acme Dental
    type: customer
    sites:
      - {slug: hq, name: Headquarters}
  - slug: ops
    name: Fleet Ops
    type: internal

notifications:
  - type: ntfy
    url: "http://10.100.1.104:8080"
    topic: "fleet-alerts"
  - type: webhook
    url: "https://hooks.example.com/fleetlink"
    method: "POST"
    headers:
      Authorization: "Bearer xxx"
`

func TestLoad_FromYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, fullYAML)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Listen)
	assert.Equal(t, "/tmp/test.db", cfg.DBPath)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 48*time.Hour, cfg.ClaimTTL.Duration)
	assert.True(t, cfg.TrustProxy)

	assert.Equal(t, TunnelSSH, cfg.Tunnel.Mode)
	assert.Equal(t, "wg1", cfg.Tunnel.Interface)
	assert.Equal(t, 15, cfg.Tunnel.Keepalive)
	assert.Equal(t, 20*time.Second, cfg.Tunnel.Timeout.Duration)
	require.NotNil(t, cfg.Tunnel.SSH)
	assert.Equal(t, "root", cfg.Tunnel.SSH.User)

	assert.Equal(t, 3*time.Minute, cfg.Monitor.OfflineAfter.Duration)
	require.NotNil(t, cfg.Monitor.CPUHigh)
	assert.Equal(t, 95.0, cfg.Monitor.CPUHigh.Threshold)
	assert.Equal(t, "critical", cfg.Monitor.CPUHigh.Severity)
	require.NotNil(t, cfg.Monitor.RAMHigh, "default kept when not overridden")

	assert.Equal(t, 24*time.Hour, cfg.Retention.Reports.Duration)
	assert.Equal(t, 50, cfg.RateLimit.Requests)
	assert.Equal(t, "s3cret", cfg.Auth.JWTSecret)
	assert.Equal(t, "fleet", cfg.NATS.SubjectPrefix)

	require.Len(t, cfg.Organizations, 2)
	assert.Equal(t, "Headquarters", cfg.Organizations[0].Sites[0].Name)
	assert.Equal(t, string(model.BillingInternal), cfg.Organizations[1].Type)
	require.Len(t, cfg.Notifications, 2)
	assert.Equal(t, "Bearer xxx", cfg.Notifications[1].Headers["Authorization"])

	pool, err := cfg.Tunnel.Pool()
	require.NoError(t, err)
	r, err := pool.Range(model.BillingCustomer)
	require.NoError(t, err)
	assert.Equal(t, 100, r.Size())
}

func TestLoad_FileNotFound(t *testing.T) {
	clearEnv(t)
	_, err := Load("/nonexistent/path/fleetlink.yml")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfigFileNotFound)
}

func TestLoad_EnvVarSubstitution(t *testing.T) {
	clearEnv(t)
	t.Setenv("WG_SERVER_KEY", testServerKey)
	t.Setenv("JWT_SECRET", "from-env")

	path := writeYAML(t, `
tunnel:
  mode: command
  server_public_key: "${WG_SERVER_KEY}"
auth:
  jwt_secret: "${JWT_SECRET}"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, testServerKey, cfg.Tunnel.ServerPublicKey)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
}

func TestLoad_EnvVarSubstitution_Unset(t *testing.T) {
	clearEnv(t)

	path := writeYAML(t, `
tunnel:
  mode: command
  server_public_key: "${WG_SERVER_KEY}"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server_public_key is required")
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":3000", cfg.Listen)
	assert.Equal(t, "/data/fleetlink.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.Equal(t, time.Minute, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 24*time.Hour, cfg.ClaimTTL.Duration)
	assert.Equal(t, TunnelMemory, cfg.Tunnel.Mode)
	assert.Equal(t, 30*time.Second, cfg.Tunnel.Timeout.Duration)
	assert.Equal(t, "10.10.0.20", cfg.Tunnel.Ranges.Customer.First)
	assert.Equal(t, 2*time.Minute, cfg.Monitor.Interval.Duration)
	assert.Equal(t, 5*time.Minute, cfg.Monitor.OfflineAfter.Duration)
	assert.Equal(t, 30*24*time.Hour, cfg.Retention.Rollups.Duration)
	assert.Equal(t, 100, cfg.RateLimit.Requests)
	assert.Equal(t, 15*time.Minute, cfg.RateLimit.Per.Duration)
	assert.Empty(t, cfg.Auth.JWTSecret)
	assert.Empty(t, cfg.NATS.URL)
}

func TestLoad_FromEnvVars(t *testing.T) {
	clearEnv(t)

	t.Setenv("FLEETLINK_LISTEN", ":4000")
	t.Setenv("FLEETLINK_DB_PATH", "/tmp/env.db")
	t.Setenv("FLEETLINK_LOG_LEVEL", "warn")
	t.Setenv("FLEETLINK_API_URL", "https://fleet.example.com/api")
	t.Setenv("FLEETLINK_JWT_SECRET", "envsecret")
	t.Setenv("FLEETLINK_NATS_URL", "nats://nats:4222")
	t.Setenv("FLEETLINK_TUNNEL_MODE", "command")
	t.Setenv("FLEETLINK_TUNNEL_SERVER_PUBLIC_KEY", testServerKey)
	t.Setenv("FLEETLINK_TUNNEL_SERVER_ENDPOINT", "vpn:51820")
	t.Setenv("FLEETLINK_TRUST_PROXY", "1")
	t.Setenv("FLEETLINK_NTFY_URL", "http://ntfy:8080")
	t.Setenv("FLEETLINK_NTFY_TOPIC", "test-alerts")
	t.Setenv("FLEETLINK_HEARTBEAT_INTERVAL", "2m")
	t.Setenv("FLEETLINK_RATE_LIMIT_REQUESTS", "0")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, "/tmp/env.db", cfg.DBPath)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "https://fleet.example.com/api", cfg.APIURL)
	assert.Equal(t, "envsecret", cfg.Auth.JWTSecret)
	assert.Equal(t, "nats://nats:4222", cfg.NATS.URL)
	assert.Equal(t, TunnelCommand, cfg.Tunnel.Mode)
	assert.Equal(t, "vpn:51820", cfg.Tunnel.ServerEndpoint)
	assert.True(t, cfg.TrustProxy)
	assert.Equal(t, 2*time.Minute, cfg.HeartbeatInterval.Duration)
	assert.Equal(t, 0, cfg.RateLimit.Requests)

	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "ntfy", cfg.Notifications[0].Type)
	assert.Equal(t, "test-alerts", cfg.Notifications[0].Topic)
}

func TestLoad_EnvOverridesYAMLScalars(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, fullYAML)

	t.Setenv("FLEETLINK_LISTEN", ":5555")
	t.Setenv("FLEETLINK_LOG_LEVEL", "error")
	t.Setenv("FLEETLINK_NTFY_URL", "http://ignored:8080")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":5555", cfg.Listen)
	assert.Equal(t, "error", cfg.LogLevel)
	// Env ntfy only applies when YAML has no notifications.
	require.Len(t, cfg.Notifications, 2)
	assert.Equal(t, "http://10.100.1.104:8080", cfg.Notifications[0].URL)
}

func TestLoad_NtfyDefaultTopic(t *testing.T) {
	clearEnv(t)
	t.Setenv("FLEETLINK_NTFY_URL", "http://ntfy:8080")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Notifications, 1)
	assert.Equal(t, "fleetlink-alerts", cfg.Notifications[0].Topic)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"bad log level", func(c *Config) { c.LogLevel = "trace" }, "log_level must be one of"},
		{"bad log format", func(c *Config) { c.LogFormat = "xml" }, "log_format must be one of"},
		{"no db path", func(c *Config) { c.DBPath = "" }, "db_path is required"},
		{"relative api url", func(c *Config) { c.APIURL = "/api" }, "api_url must be an absolute URL"},
		{"zero heartbeat", func(c *Config) { c.HeartbeatInterval = Duration{} }, "heartbeat_interval must be > 0"},
		{"zero claim ttl", func(c *Config) { c.ClaimTTL = Duration{} }, "claim_ttl must be > 0"},
		{"unknown tunnel mode", func(c *Config) { c.Tunnel.Mode = "magic" }, "tunnel.mode must be one of"},
		{"command without key", func(c *Config) { c.Tunnel.Mode = TunnelCommand }, "server_public_key is required for command mode"},
		{"command without interface", func(c *Config) {
			c.Tunnel.Mode = TunnelCommand
			c.Tunnel.Interface = ""
		}, "tunnel.interface is required"},
		{"ssh without settings", func(c *Config) {
			c.Tunnel.Mode = TunnelSSH
			c.Tunnel.ServerPublicKey = testServerKey
		}, "tunnel.ssh: host, user and key_path are required"},
		{"bad server key", func(c *Config) { c.Tunnel.ServerPublicKey = "short" }, "tunnel.server_public_key"},
		{"zero tunnel timeout", func(c *Config) { c.Tunnel.Timeout = Duration{} }, "tunnel.timeout must be > 0"},
		{"negative keepalive", func(c *Config) { c.Tunnel.Keepalive = -1 }, "tunnel.keepalive"},
		{"overlapping ranges", func(c *Config) {
			c.Tunnel.Ranges.Internal = RangeConfig{First: "10.10.0.50", Last: "10.10.0.60"}
		}, "tunnel.ranges"},
		{"inverted range", func(c *Config) {
			c.Tunnel.Ranges.Customer = RangeConfig{First: "10.10.0.99", Last: "10.10.0.20"}
		}, "tunnel.ranges: customer"},
		{"zero monitor interval", func(c *Config) { c.Monitor.Interval = Duration{} }, "monitor.interval must be > 0"},
		{"negative offline", func(c *Config) { c.Monitor.OfflineAfter = Duration{-time.Minute} }, "must not be negative"},
		{"reservation ttl below timeout", func(c *Config) { c.Monitor.ReservationTTL = Duration{10 * time.Second} }, "reservation_ttl must exceed tunnel.timeout"},
		{"cpu threshold", func(c *Config) { c.Monitor.CPUHigh.Threshold = 120 }, "monitor.cpu_high: threshold"},
		{"ram severity", func(c *Config) { c.Monitor.RAMHigh.Severity = "loud" }, "monitor.ram_high: severity"},
		{"rate limit per", func(c *Config) { c.RateLimit.Per = Duration{} }, "rate_limit.per must be > 0"},
		{"rate limit negative", func(c *Config) { c.RateLimit.Burst = -1 }, "must not be negative"},
		{"nats prefix", func(c *Config) {
			c.NATS.URL = "nats://x"
			c.NATS.SubjectPrefix = ""
		}, "nats.subject_prefix is required"},
		{"org slug", func(c *Config) { c.Organizations = []OrganizationConfig{{Name: "x", Type: "customer"}} }, "organizations[0]: slug is required"},
		{"org name", func(c *Config) { c.Organizations = []OrganizationConfig{{Slug: "x", Type: "customer"}} }, "organizations[0]: name is required"},
		{"org type", func(c *Config) { c.Organizations = []OrganizationConfig{{Slug: "x", Name: "X", Type: "vip"}} }, "unknown type \"vip\""},
		{"org duplicate", func(c *Config) {
			c.Organizations = []OrganizationConfig{{Slug: "x", Name: "X", Type: "customer"}, {Slug: "x", Name: "Y", Type: "internal"}}
		}, "organizations[1]: duplicate slug"},
		{"site fields", func(c *Config) {
			c.Organizations = []OrganizationConfig{{Slug: "x", Name: "X", Type: "customer", Sites: []SiteConfig{{Slug: "hq"}}}}
		}, "organizations[0].sites[0]"},
		{"ntfy url", func(c *Config) { c.Notifications = []NotificationConfig{{Type: "ntfy", Topic: "t"}} }, "notifications[0]: url is required for ntfy"},
		{"ntfy topic", func(c *Config) { c.Notifications = []NotificationConfig{{Type: "ntfy", URL: "http://x"}} }, "notifications[0]: topic is required for ntfy"},
		{"webhook url", func(c *Config) { c.Notifications = []NotificationConfig{{Type: "webhook"}} }, "notifications[0]: url is required for webhook"},
		{"unknown notifier", func(c *Config) { c.Notifications = []NotificationConfig{{Type: "email"}} }, "unknown type \"email\""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := validConfig()
	assert.NoError(t, cfg.Validate())
}

func TestValidate_ThresholdsOptional(t *testing.T) {
	cfg := validConfig()
	cfg.Monitor.CPUHigh = nil
	cfg.Monitor.RAMHigh = nil
	assert.NoError(t, cfg.Validate())
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "{{invalid yaml")
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_InvalidDuration(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `
monitor:
  offline_after: "not-a-duration"
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}

func TestDuration_MarshalYAML(t *testing.T) {
	d := Duration{Duration: 5 * time.Minute}
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "5m0s", v)
}

func TestDuration_MarshalYAML_SubSecond(t *testing.T) {
	d := Duration{Duration: 500 * time.Millisecond}
	v, err := d.MarshalYAML()
	require.NoError(t, err)
	assert.Equal(t, "500ms", v)
}

func TestLoad_ValidationFails(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, `log_level: "loud"`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config validation")
}

func TestLoad_EmptyFile(t *testing.T) {
	clearEnv(t)
	path := writeYAML(t, "")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, TunnelMemory, cfg.Tunnel.Mode)
}

func FuzzExpandEnvVars(f *testing.F) {
	f.Add([]byte(`listen: ":3000"`))
	f.Add([]byte(`jwt_secret: "${MY_SECRET}"`))
	f.Add([]byte(`${} ${VAR} $VAR`))
	f.Add([]byte(`server_public_key: "${A}${B}"`))
	f.Fuzz(func(t *testing.T, data []byte) {
		// Must not panic
		_ = expandEnvVars(data)
	})
}

// validConfig returns a minimal valid Config for mutation in tests.
func validConfig() *Config {
	return defaults()
}

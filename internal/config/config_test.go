package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shehryarbajwa/browser-router/internal/router"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := Load("", "")
	require.NoError(t, err)

	assert.Equal(t, 6700, cfg.Container.ServicePort)
	assert.Equal(t, 20, cfg.Container.PortWaitRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Container.PortWaitInterval)
	assert.Equal(t, time.Second, cfg.Container.ReconnectBase)
	assert.Equal(t, 30*time.Second, cfg.Container.ReconnectMax)
	assert.Equal(t, 5*time.Minute, cfg.Routing.IdleTimeout)
	assert.Equal(t, 15*time.Second, cfg.RouterOptions().Agent.ChannelPingInterval)
	assert.Equal(t, "fresh", cfg.Routing.Policy)
	assert.Equal(t, "us-west-2", cfg.DefaultRegion)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "router.yaml", `
listen: ":9000"
regions: [eu-central-1, us-east-1]
default_region: eu-central-1
container:
  image: registry.local/browser:1.2
  reconnect_base: 500ms
  reconnect_max: 10s
routing:
  policy: reuse
  max_containers: 4
  idle_timeout: 2m
`)
	cfg, err := Load(path, "")
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Listen)
	assert.Equal(t, []string{"eu-central-1", "us-east-1"}, cfg.Regions)
	assert.Equal(t, "registry.local/browser:1.2", cfg.Container.Image)
	// Keys not in the file keep their defaults.
	assert.Equal(t, 6700, cfg.Container.ServicePort)

	opts := cfg.RouterOptions()
	assert.Equal(t, router.PolicyReuse, opts.Policy)
	assert.Equal(t, 4, opts.MaxContainers)
	assert.Equal(t, 2*time.Minute, opts.IdleTimeout)
	assert.Equal(t, 500*time.Millisecond, opts.Agent.Backoff.Base)
	assert.Equal(t, 10*time.Second, opts.Agent.Backoff.Max)
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeFile(t, "router.yaml", "listen: \":9000\"\n")
	envFile := writeFile(t, ".env", "BROUTER_IMAGE=from-dotenv:latest\nBROUTER_LISTEN=:7000\n")

	t.Setenv("BROUTER_LISTEN", ":8500")
	t.Setenv("BROUTER_REGIONS", "us-east-1, ap-south-1")
	t.Setenv("BROUTER_DEFAULT_REGION", "ap-south-1")
	t.Setenv("BROUTER_MAX_CONTAINERS", "3")
	t.Setenv("BROUTER_IDLE_TIMEOUT", "90s")
	t.Setenv("BROUTER_LOG_DEVELOPMENT", "true")

	t.Cleanup(func() { os.Unsetenv("BROUTER_IMAGE") })
	cfg, err := Load(path, envFile)
	require.NoError(t, err)

	assert.Equal(t, ":8500", cfg.Listen, "process environment wins over the dotenv file")
	assert.Equal(t, "from-dotenv:latest", cfg.Container.Image)
	assert.Equal(t, []string{"us-east-1", "ap-south-1"}, cfg.Regions)
	assert.Equal(t, "ap-south-1", cfg.DefaultRegion)
	assert.Equal(t, 3, cfg.Routing.MaxContainers)
	assert.Equal(t, 90*time.Second, cfg.Routing.IdleTimeout)
	assert.True(t, cfg.LogOptions().Development)
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	_, err := Load("", filepath.Join(t.TempDir(), "absent.env"))
	assert.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), "")
	assert.Error(t, err)

	_, err = Load(writeFile(t, "bad.yaml", "listen: [unterminated"), "")
	assert.Error(t, err)

	t.Setenv("BROUTER_SERVICE_PORT", "not-a-number")
	_, err = Load("", "")
	assert.ErrorContains(t, err, "BROUTER_SERVICE_PORT")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown policy", func(c *Config) { c.Routing.Policy = "random" }, "unknown routing policy"},
		{"no regions", func(c *Config) { c.Regions = nil }, "at least one region"},
		{"default not served", func(c *Config) { c.DefaultRegion = "ap-south-1" }, "default region"},
		{"ceiling below base", func(c *Config) { c.Container.ReconnectMax = 100 * time.Millisecond }, "reconnect_max"},
		{"zero handshake timeout", func(c *Config) { c.Container.HandshakeTimeout = 0 }, "handshake_timeout"},
		{"bad port", func(c *Config) { c.Container.ServicePort = 70000 }, "service port"},
		{"negative cap", func(c *Config) { c.Routing.MaxContainers = -1 }, "max_containers"},
		{"negative ping interval", func(c *Config) { c.Container.ChannelPingInterval = -time.Second }, "channel_ping_interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	assert.NoError(t, DefaultConfig().Validate())
}

// Package config loads router settings. Values are layered: built-in
// defaults, then an optional YAML file, then a .env file, then BROUTER_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/shehryarbajwa/browser-router/internal/agent"
	"github.com/shehryarbajwa/browser-router/internal/browser"
	"github.com/shehryarbajwa/browser-router/internal/capacity"
	"github.com/shehryarbajwa/browser-router/internal/logging"
	"github.com/shehryarbajwa/browser-router/internal/region"
	"github.com/shehryarbajwa/browser-router/internal/router"
)

const envPrefix = "BROUTER_"

// Config holds the router configuration
type Config struct {
	Listen        string   `yaml:"listen"`
	Regions       []string `yaml:"regions"`
	DefaultRegion string   `yaml:"default_region"`

	Container ContainerConfig `yaml:"container"`
	Routing   RoutingConfig   `yaml:"routing"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Log       LogConfig       `yaml:"log"`

	// ShutdownTimeout bounds draining requests and stopping containers.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ContainerConfig describes the browser container and the deadlines used
// while talking to it.
type ContainerConfig struct {
	Image       string   `yaml:"image"`
	ServicePort int      `yaml:"service_port"`
	HostIP      string   `yaml:"host_ip"`
	Env         []string `yaml:"env"`

	PortWaitRetries      int           `yaml:"port_wait_retries"`
	PortWaitInterval     time.Duration `yaml:"port_wait_interval"`
	HandshakeTimeout     time.Duration `yaml:"handshake_timeout"`
	FirstCapacityTimeout time.Duration `yaml:"first_capacity_timeout"`
	SessionCreateTimeout time.Duration `yaml:"session_create_timeout"`
	ChannelPingInterval  time.Duration `yaml:"channel_ping_interval"` // 0 disables pings
	ReconnectBase        time.Duration `yaml:"reconnect_base"`
	ReconnectMax         time.Duration `yaml:"reconnect_max"`
}

type RoutingConfig struct {
	Policy        string        `yaml:"policy"`         // "fresh" or "reuse"
	MaxContainers int           `yaml:"max_containers"` // per region, 0 = unlimited
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	ReapInterval  time.Duration `yaml:"reap_interval"`
}

type RateLimitConfig struct {
	RequestsPerHour int `yaml:"requests_per_hour"` // 0 disables rate limiting
	Burst           int `yaml:"burst"`
}

type LogConfig struct {
	Level       int  `yaml:"level"` // 0 info, 1 debug, 2 trace
	Development bool `yaml:"development"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	ao := agent.DefaultOptions()
	return &Config{
		Listen:        ":8080",
		Regions:       []string{string(region.RegionUSWest2), string(region.RegionUSEast1), string(region.RegionEUCentral1)},
		DefaultRegion: string(region.RegionUSWest2),
		Container: ContainerConfig{
			Image:                "browser-container:latest",
			ServicePort:          6700,
			HostIP:               "127.0.0.1",
			Env:                  []string{"MAX_BROWSERS=2"},
			PortWaitRetries:      ao.PortWaitRetries,
			PortWaitInterval:     ao.PortWaitInterval,
			HandshakeTimeout:     ao.HandshakeTimeout,
			FirstCapacityTimeout: ao.FirstCapacityTimeout,
			SessionCreateTimeout: ao.SessionCreateTimeout,
			ChannelPingInterval:  ao.ChannelPingInterval,
			ReconnectBase:        ao.Backoff.Base,
			ReconnectMax:         ao.Backoff.Max,
		},
		Routing: RoutingConfig{
			Policy:       string(router.PolicyFresh),
			IdleTimeout:  5 * time.Minute,
			ReapInterval: 30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			RequestsPerHour: 100,
			Burst:           10,
		},
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the configuration. path names an optional YAML file and
// envFile an optional dotenv file; either may be empty. A missing envFile is
// not an error. Variables already set in the environment win over envFile.
func Load(path, envFile string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}

	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("LISTEN", &c.Listen)
	if v, ok := os.LookupEnv(envPrefix + "REGIONS"); ok {
		c.Regions = splitList(v)
	}
	str("DEFAULT_REGION", &c.DefaultRegion)

	str("IMAGE", &c.Container.Image)
	num("SERVICE_PORT", &c.Container.ServicePort)
	str("HOST_IP", &c.Container.HostIP)
	num("PORT_WAIT_RETRIES", &c.Container.PortWaitRetries)
	dur("PORT_WAIT_INTERVAL", &c.Container.PortWaitInterval)
	dur("HANDSHAKE_TIMEOUT", &c.Container.HandshakeTimeout)
	dur("FIRST_CAPACITY_TIMEOUT", &c.Container.FirstCapacityTimeout)
	dur("SESSION_CREATE_TIMEOUT", &c.Container.SessionCreateTimeout)
	dur("CHANNEL_PING_INTERVAL", &c.Container.ChannelPingInterval)
	dur("RECONNECT_BASE", &c.Container.ReconnectBase)
	dur("RECONNECT_MAX", &c.Container.ReconnectMax)

	str("POLICY", &c.Routing.Policy)
	num("MAX_CONTAINERS", &c.Routing.MaxContainers)
	dur("IDLE_TIMEOUT", &c.Routing.IdleTimeout)
	dur("REAP_INTERVAL", &c.Routing.ReapInterval)

	num("RATE_LIMIT_PER_HOUR", &c.RateLimit.RequestsPerHour)
	num("RATE_LIMIT_BURST", &c.RateLimit.Burst)

	num("LOG_LEVEL", &c.Log.Level)
	if v, ok := os.LookupEnv(envPrefix + "LOG_DEVELOPMENT"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sLOG_DEVELOPMENT: %w", envPrefix, err))
		} else {
			c.Log.Development = b
		}
	}
	dur("SHUTDOWN_TIMEOUT", &c.ShutdownTimeout)

	return errors.Join(errs...)
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate rejects configurations the router cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if len(c.Regions) == 0 {
		errs = append(errs, errors.New("at least one region is required"))
	}
	found := false
	for _, r := range c.Regions {
		if r == c.DefaultRegion {
			found = true
		}
	}
	if !found {
		errs = append(errs, fmt.Errorf("default region %q is not in regions", c.DefaultRegion))
	}

	cc := c.Container
	if cc.Image == "" {
		errs = append(errs, errors.New("container image is required"))
	}
	if cc.ServicePort <= 0 || cc.ServicePort > 65535 {
		errs = append(errs, fmt.Errorf("invalid container service port %d", cc.ServicePort))
	}
	if cc.PortWaitRetries <= 0 {
		errs = append(errs, errors.New("port_wait_retries must be positive"))
	}
	for name, d := range map[string]time.Duration{
		"port_wait_interval":     cc.PortWaitInterval,
		"handshake_timeout":      cc.HandshakeTimeout,
		"first_capacity_timeout": cc.FirstCapacityTimeout,
		"session_create_timeout": cc.SessionCreateTimeout,
		"reconnect_base":         cc.ReconnectBase,
		"reconnect_max":          cc.ReconnectMax,
		"reap_interval":          c.Routing.ReapInterval,
		"shutdown_timeout":       c.ShutdownTimeout,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}
	if cc.ChannelPingInterval < 0 {
		errs = append(errs, errors.New("channel_ping_interval must not be negative"))
	}
	if cc.ReconnectMax < cc.ReconnectBase {
		errs = append(errs, errors.New("reconnect_max must not be below reconnect_base"))
	}

	if !router.Policy(c.Routing.Policy).Valid() {
		errs = append(errs, fmt.Errorf("unknown routing policy %q", c.Routing.Policy))
	}
	if c.Routing.MaxContainers < 0 {
		errs = append(errs, errors.New("max_containers must not be negative"))
	}
	if c.Routing.IdleTimeout < 0 {
		errs = append(errs, errors.New("idle_timeout must not be negative"))
	}
	if c.RateLimit.RequestsPerHour < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate limit values must not be negative"))
	}
	return errors.Join(errs...)
}

// RegionList returns the configured regions.
func (c *Config) RegionList() []region.Region {
	out := make([]region.Region, 0, len(c.Regions))
	for _, r := range c.Regions {
		out = append(out, region.Region(r))
	}
	return out
}

func (c *Config) PoolOptions() browser.PoolOptions {
	return browser.PoolOptions{
		Image:       c.Container.Image,
		ServicePort: c.Container.ServicePort,
		HostIP:      c.Container.HostIP,
		Env:         c.Container.Env,
	}
}

func (c *Config) RouterOptions() router.Options {
	return router.Options{
		Policy:        router.Policy(c.Routing.Policy),
		MaxContainers: c.Routing.MaxContainers,
		IdleTimeout:   c.Routing.IdleTimeout,
		Agent: agent.Options{
			PortWaitRetries:      c.Container.PortWaitRetries,
			PortWaitInterval:     c.Container.PortWaitInterval,
			HandshakeTimeout:     c.Container.HandshakeTimeout,
			FirstCapacityTimeout: c.Container.FirstCapacityTimeout,
			SessionCreateTimeout: c.Container.SessionCreateTimeout,
			ChannelPingInterval:  c.Container.ChannelPingInterval,
			Backoff: capacity.Backoff{
				Base: c.Container.ReconnectBase,
				Max:  c.Container.ReconnectMax,
			},
		},
	}
}

func (c *Config) LogOptions() logging.Options {
	return logging.Options{Level: c.Log.Level, Development: c.Log.Development}
}

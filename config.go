package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	optional "github.com/TBXark/optional-go"
	"github.com/go-sphere/confstore"
	"github.com/go-sphere/confstore/codec"
	providerfile "github.com/go-sphere/confstore/provider/file"
	providerhttp "github.com/go-sphere/confstore/provider/http"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

const (
	defaultAddr            = "localhost:3001"
	defaultName            = "k-proxy"
	defaultVersion         = "1.0.0"
	defaultLogLevel        = "info"
	defaultRequestTimeout  = 15 * time.Second
	defaultIdleTimeout     = 5 * time.Minute
	defaultHealthInterval  = 30 * time.Second
	defaultShutdownTimeout = 10 * time.Second
)

// duration accepts "15s"-style strings in both JSON and YAML configs.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalJSON(data []byte) error {
	return d.parse(strings.Trim(string(data), `"`))
}

func (d *duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *duration) parse(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d duration) orElse(fallback time.Duration) time.Duration {
	if d.Duration <= 0 {
		return fallback
	}
	return d.Duration
}

type Config struct {
	Gateway   *GatewayConfig             `json:"gateway" yaml:"gateway"`
	Upstreams map[string]*UpstreamConfig `json:"upstreams" yaml:"upstreams"`
}

type GatewayConfig struct {
	Addr            string   `json:"addr,omitempty" yaml:"addr,omitempty"`
	BaseURL         string   `json:"baseURL,omitempty" yaml:"baseURL,omitempty"`
	Name            string   `json:"name,omitempty" yaml:"name,omitempty"`
	Version         string   `json:"version,omitempty" yaml:"version,omitempty"`
	LogLevel        string   `json:"logLevel,omitempty" yaml:"logLevel,omitempty"`
	AuthTokens      []string `json:"authTokens,omitempty" yaml:"authTokens,omitempty"`
	MaxSessions     int      `json:"maxSessions,omitempty" yaml:"maxSessions,omitempty"`
	RequestTimeout  duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	IdleTimeout     duration `json:"idleTimeout,omitempty" yaml:"idleTimeout,omitempty"`
	HealthInterval  duration `json:"healthInterval,omitempty" yaml:"healthInterval,omitempty"`
	ShutdownTimeout duration `json:"shutdownTimeout,omitempty" yaml:"shutdownTimeout,omitempty"`
}

type UpstreamConfig struct {
	Endpoint     string          `json:"endpoint" yaml:"endpoint"`
	Capabilities []string        `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	AuthToken    string          `json:"authToken,omitempty" yaml:"authToken,omitempty"`
	Timeout      duration        `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Options      UpstreamOptions `json:"options,omitempty" yaml:"options,omitempty"`
}

type UpstreamOptions struct {
	LogEnabled         optional.Field[bool] `json:"logEnabled,omitempty" yaml:"logEnabled,omitempty"`
	PanicIfUnreachable optional.Field[bool] `json:"panicIfUnreachable,omitempty" yaml:"panicIfUnreachable,omitempty"`
}

// loadConfig reads a config from a local path or an http(s) URL. JSON goes
// through the confstore provider; .yaml/.yml files decode directly.
func loadConfig(path string) (*Config, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultConfigPath()
	}

	var (
		cfg *Config
		err error
	)
	switch {
	case strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml"):
		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil, readErr
		}
		parsed := &Config{}
		if err = yaml.Unmarshal(data, parsed); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
		cfg = parsed
	case strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://"):
		cfg, err = confstore.Load[Config](providerhttp.New(path), codec.JsonCodec())
	default:
		cfg, err = confstore.Load[Config](providerfile.New(path), codec.JsonCodec())
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}

	cfg.setDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	if c.Gateway == nil {
		c.Gateway = &GatewayConfig{}
	}
	gw := c.Gateway
	if gw.Addr == "" {
		gw.Addr = defaultAddr
	}
	if gw.Name == "" {
		gw.Name = defaultName
	}
	if gw.Version == "" {
		gw.Version = defaultVersion
	}
	if gw.LogLevel == "" {
		gw.LogLevel = defaultLogLevel
	}
	if gw.BaseURL == "" {
		gw.BaseURL = "http://" + gw.Addr
	}
	if gw.MaxSessions == 0 {
		gw.MaxSessions = envInt("K_PROXY_MAX_SESSIONS", 0)
	}
}

func (c *Config) validate() error {
	if len(c.Upstreams) == 0 {
		return errors.New("config declares no upstreams")
	}
	for name, up := range c.Upstreams {
		if up == nil || strings.TrimSpace(up.Endpoint) == "" {
			return fmt.Errorf("upstream %q has no endpoint", name)
		}
		parsed, err := url.Parse(up.Endpoint)
		if err != nil {
			return fmt.Errorf("upstream %q endpoint: %w", name, err)
		}
		if !parsed.IsAbs() {
			return fmt.Errorf("upstream %q endpoint must be absolute (scheme://host)", name)
		}
	}
	if _, err := url.Parse(c.Gateway.BaseURL); err != nil {
		return fmt.Errorf("invalid baseURL: %w", err)
	}
	if _, err := zerolog.ParseLevel(c.Gateway.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Gateway.LogLevel, err)
	}
	if c.Gateway.MaxSessions < 0 {
		return errors.New("maxSessions must not be negative")
	}
	return nil
}

func (g *GatewayConfig) requestTimeout() time.Duration {
	return g.RequestTimeout.orElse(defaultRequestTimeout)
}

func (g *GatewayConfig) idleTimeout() time.Duration {
	return g.IdleTimeout.orElse(defaultIdleTimeout)
}

func (g *GatewayConfig) healthInterval() time.Duration {
	return g.HealthInterval.orElse(defaultHealthInterval)
}

func (g *GatewayConfig) shutdownTimeout() time.Duration {
	return g.ShutdownTimeout.orElse(defaultShutdownTimeout)
}

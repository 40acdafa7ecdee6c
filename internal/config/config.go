// Package config holds the client and broker configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/1ureka/togetherly/internal/util"
)

// Registry backends for the broker.
const (
	RegistryMemory = "memory"
	RegistryRedis  = "redis"
)

// Config is loaded from YAML; zero-valued fields keep their defaults.
type Config struct {
	Signal struct {
		URL      string `yaml:"url"`       // broker WebSocket endpoint, e.g. wss://host/ws
		JoinBase string `yaml:"join_base"` // base URL of shared join links
	} `yaml:"signal"`

	WebRTC struct {
		ICEServers []string `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	Session struct {
		DialTimeout       time.Duration `yaml:"dial_timeout"`
		RequestTimeout    time.Duration `yaml:"request_timeout"`
		OpenRetryDelay    time.Duration `yaml:"open_retry_delay"`
		MaxBufferedFrames int           `yaml:"max_buffered_frames"`
	} `yaml:"session"`

	User struct {
		Nickname string `yaml:"nickname"`
	} `yaml:"user"`

	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`

	Broker struct {
		Address    string        `yaml:"address"`
		Registry   string        `yaml:"registry"` // memory or redis
		ClaimTTL   time.Duration `yaml:"claim_ttl"`
		RelayRate  float64       `yaml:"relay_rate"`
		RelayBurst int           `yaml:"relay_burst"`
	} `yaml:"broker"`

	Redis struct {
		Address  string `yaml:"address"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}

	cfg.Signal.URL = "ws://127.0.0.1:8080/ws"
	cfg.Signal.JoinBase = "https://togetherly.app"

	cfg.Session.DialTimeout = 5 * time.Minute
	cfg.Session.RequestTimeout = 5 * time.Minute
	cfg.Session.OpenRetryDelay = 2 * time.Second
	cfg.Session.MaxBufferedFrames = 16

	cfg.Logging.Level = "info"

	cfg.Broker.Address = ":8080"
	cfg.Broker.Registry = RegistryMemory
	cfg.Broker.ClaimTTL = 2 * time.Minute
	cfg.Broker.RelayRate = 50
	cfg.Broker.RelayBurst = 200

	cfg.Redis.Address = "localhost:6379"

	return cfg
}

// Load reads path over the defaults, then applies TOGETHERLY_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	str("TOGETHERLY_SIGNAL_URL", &c.Signal.URL)
	str("TOGETHERLY_JOIN_BASE", &c.Signal.JoinBase)
	str("TOGETHERLY_NICKNAME", &c.User.Nickname)
	str("TOGETHERLY_LOG_LEVEL", &c.Logging.Level)
	str("TOGETHERLY_BROKER_ADDRESS", &c.Broker.Address)
	str("TOGETHERLY_REGISTRY", &c.Broker.Registry)
	str("TOGETHERLY_REDIS_ADDRESS", &c.Redis.Address)
	str("TOGETHERLY_REDIS_PASSWORD", &c.Redis.Password)

	if v, ok := lookup("TOGETHERLY_ICE_SERVERS"); ok && v != "" {
		var servers []string
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				servers = append(servers, s)
			}
		}
		c.WebRTC.ICEServers = servers
	}
	if v, ok := lookup("TOGETHERLY_DIAL_TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("TOGETHERLY_DIAL_TIMEOUT: %w", err)
		}
		c.Session.DialTimeout = d
	}
	return nil
}

// Validate checks that values are within acceptable ranges.
func (c *Config) Validate() error {
	var errs []error

	if u, err := url.Parse(c.Signal.URL); err != nil || u.Host == "" || (u.Scheme != "ws" && u.Scheme != "wss") {
		errs = append(errs, fmt.Errorf("signal.url must be a ws:// or wss:// URL, got %q", c.Signal.URL))
	}
	if c.Session.DialTimeout <= 0 {
		errs = append(errs, errors.New("session.dial_timeout must be > 0"))
	}
	if c.Session.RequestTimeout <= 0 {
		errs = append(errs, errors.New("session.request_timeout must be > 0"))
	}
	if c.Session.OpenRetryDelay < 0 {
		errs = append(errs, errors.New("session.open_retry_delay must be >= 0"))
	}
	if c.Session.MaxBufferedFrames < 0 {
		errs = append(errs, errors.New("session.max_buffered_frames must be >= 0"))
	}
	if !util.ValidLogLevel(c.Logging.Level) {
		errs = append(errs, fmt.Errorf("logging.level must be one of debug, info, warn, error, got %q", c.Logging.Level))
	}

	switch c.Broker.Registry {
	case RegistryMemory:
	case RegistryRedis:
		if c.Redis.Address == "" {
			errs = append(errs, errors.New("redis.address must not be empty when broker.registry=redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("broker.registry must be %q or %q, got %q", RegistryMemory, RegistryRedis, c.Broker.Registry))
	}
	if c.Broker.ClaimTTL <= 0 {
		errs = append(errs, errors.New("broker.claim_ttl must be > 0"))
	}
	if c.Broker.RelayRate < 0 || c.Broker.RelayBurst < 0 {
		errs = append(errs, errors.New("broker.relay_rate and broker.relay_burst must be >= 0"))
	}

	return errors.Join(errs...)
}

// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Instance   InstanceConfig   `mapstructure:"instance"`
	Federation FederationConfig `mapstructure:"federation"`
	Pool       PoolConfig       `mapstructure:"pool"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// InstanceConfig describes the local instance.
type InstanceConfig struct {
	Domain        string  `mapstructure:"domain"`
	Name          string  `mapstructure:"name"`
	Version       string  `mapstructure:"version"`
	Channel       string  `mapstructure:"channel"`
	Frequency     float64 `mapstructure:"frequency"`
	Latitude      float64 `mapstructure:"latitude"`
	Longitude     float64 `mapstructure:"longitude"`
	Private       bool    `mapstructure:"private"`
	KeyPath       string  `mapstructure:"key_path"`
	LegacyKeyPath string  `mapstructure:"legacy_key_path"`
}

// FederationConfig governs announcements and crawling.
type FederationConfig struct {
	Enabled                 bool          `mapstructure:"enabled"`
	Seeds                   []string      `mapstructure:"seeds"`
	MaxInstancesPerResponse int           `mapstructure:"max_instances_per_response"`
	MaxDomainsPerCrawl      int           `mapstructure:"max_domains_per_crawl"`
	MinNodeCount            int           `mapstructure:"min_node_count"`
	MaxNodeAge              time.Duration `mapstructure:"max_node_age"`
	FreshnessWindow         time.Duration `mapstructure:"freshness_window"`
	AnnounceInterval        time.Duration `mapstructure:"announce_interval"`
	InitialDelay            time.Duration `mapstructure:"initial_delay"`
}

// PoolConfig sizes the federation worker pool.
type PoolConfig struct {
	Size        int           `mapstructure:"size"`
	QueueDepth  int           `mapstructure:"queue_depth"`
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// HTTPConfig configures outbound HTTP client behavior. OutboundRPS of zero
// disables per-domain pacing.
type HTTPConfig struct {
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	ReadTimeout    time.Duration `mapstructure:"read_timeout"`
	OutboundRPS    float64       `mapstructure:"outbound_rps"`
	OutboundBurst  int           `mapstructure:"outbound_burst"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MESHBOARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// A private instance never federates, whatever the config says.
	if cfg.Instance.Private {
		cfg.Federation.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("instance.key_path", "data/instance_key.pem")
	v.SetDefault("instance.legacy_key_path", "instance_key.pem")
	v.SetDefault("federation.enabled", true)
	v.SetDefault("federation.seeds", []string{})
	v.SetDefault("federation.max_instances_per_response", 64)
	v.SetDefault("federation.max_domains_per_crawl", 256)
	v.SetDefault("federation.min_node_count", 10)
	v.SetDefault("federation.max_node_age", "24h")
	v.SetDefault("federation.freshness_window", "168h")
	v.SetDefault("federation.announce_interval", "8h")
	v.SetDefault("federation.initial_delay", "90s")
	v.SetDefault("pool.size", 4)
	v.SetDefault("pool.queue_depth", 32)
	v.SetDefault("pool.task_timeout", "120s")
	v.SetDefault("http.connect_timeout", "10s")
	v.SetDefault("http.read_timeout", "30s")
	v.SetDefault("http.outbound_rps", 4.0)
	v.SetDefault("http.outbound_burst", 8)
	v.SetDefault("db.provider", "memory")
	v.SetDefault("logging.development", false)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Instance.KeyPath == "" {
		return fmt.Errorf("instance.key_path is required")
	}
	if c.Federation.Enabled && c.Instance.Domain == "" {
		return fmt.Errorf("instance.domain is required when federation is enabled")
	}
	if c.Pool.Size <= 0 {
		return fmt.Errorf("pool.size must be > 0")
	}
	if c.Pool.QueueDepth <= 0 {
		return fmt.Errorf("pool.queue_depth must be > 0")
	}
	if c.Federation.MaxInstancesPerResponse <= 0 {
		return fmt.Errorf("federation.max_instances_per_response must be > 0")
	}
	if c.Federation.MaxDomainsPerCrawl <= 0 {
		return fmt.Errorf("federation.max_domains_per_crawl must be > 0")
	}
	switch c.DB.Provider {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required when db.provider is postgres")
		}
	default:
		return fmt.Errorf("unknown db.provider %q", c.DB.Provider)
	}
	return nil
}

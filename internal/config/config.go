// Package config loads the bridge configuration: a YAML file plus
// LIGHTHOUSE_* environment overrides. Environment wins over file so
// deployments can inject secrets without editing config on disk.
package config

import (
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Duration parses YAML values like "30m" or "45s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// Std converts to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Store    StoreConfig    `yaml:"store"`
	Auth     AuthConfig     `yaml:"auth"`
	Sessions SessionConfig  `yaml:"sessions"`
	Limits   LimitsConfig   `yaml:"limits"`
	Policy   PolicyConfig   `yaml:"policy"`
	Experts  ExpertsConfig  `yaml:"experts"`
	Breakers BreakersConfig `yaml:"circuit_breaker"`
	CORS     CORSConfig     `yaml:"cors"`
	Redis    RedisConfig    `yaml:"redis"`
}

type ServerConfig struct {
	// BindAddr defaults to ":8765".
	BindAddr string `yaml:"bind_addr"`
	// Env is "production" or "development"; production refuses to start
	// without an auth secret.
	Env string `yaml:"env"`
}

type StoreConfig struct {
	DataDir         string `yaml:"data_dir"`
	NodeID          string `yaml:"node_id"`
	FsyncPolicy     string `yaml:"fsync_policy"` // fsync | batch | async
	Volatile        bool   `yaml:"volatile"`
	MaxEventSize    int    `yaml:"max_event_size"`
	MaxSegmentBytes int64  `yaml:"max_segment_bytes"`
	MaxInFlight     int    `yaml:"max_in_flight_appends"`
	Compress        bool   `yaml:"compress"`
}

type AuthConfig struct {
	Secret         string   `yaml:"auth_secret"`
	PreviousSecret string   `yaml:"auth_secret_previous"`
	RotationGrace  Duration `yaml:"rotation_grace"`
	TokenTTL       Duration `yaml:"token_ttl"`
}

type SessionConfig struct {
	IdleTimeout Duration `yaml:"session_idle_timeout"`
	MaxAge      Duration `yaml:"session_max_age"`
	MaxPerAgent int      `yaml:"max_sessions_per_agent"`
}

type LimitsConfig struct {
	// RoleRateLimits maps role name to per-minute request budget.
	RoleRateLimits map[string]int `yaml:"role_rate_limits"`
	MaxBatchSize   int            `yaml:"max_batch_size"`
}

type PolicyConfig struct {
	// RulesFile is the ordered YAML rule set for dispatcher tier 2.
	RulesFile string `yaml:"rules_file"`
}

type ExpertsConfig struct {
	Timeout         Duration `yaml:"expert_timeout"`
	Quorum          int      `yaml:"expert_quorum"`
	LivenessTimeout Duration `yaml:"expert_liveness_timeout"`
}

type BreakersConfig struct {
	Threshold uint32   `yaml:"threshold"`
	Cooldown  Duration `yaml:"cooldown"`
}

type CORSConfig struct {
	// AllowedOrigins is the explicit allow-list; empty denies all
	// cross-origin requests.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type RedisConfig struct {
	// Addr enables the shared decision cache when set.
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Load reads the YAML file (optional: empty path or a missing file yields
// defaults) and applies environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, err
			}
		} else {
			defer f.Close()
			if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
				return nil, err
			}
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LIGHTHOUSE_AUTH_SECRET"); v != "" {
		c.Auth.Secret = v
	}
	if v := os.Getenv("LIGHTHOUSE_AUTH_SECRET_PREVIOUS"); v != "" {
		c.Auth.PreviousSecret = v
	}
	if v := os.Getenv("LIGHTHOUSE_DATA_DIR"); v != "" {
		c.Store.DataDir = v
	}
	if v := os.Getenv("LIGHTHOUSE_NODE_ID"); v != "" {
		c.Store.NodeID = v
	}
	if v := os.Getenv("LIGHTHOUSE_BIND_ADDR"); v != "" {
		c.Server.BindAddr = v
	}
	if v := os.Getenv("LIGHTHOUSE_ENV"); v != "" {
		c.Server.Env = v
	}
	if v := os.Getenv("LIGHTHOUSE_REDIS_ADDR"); v != "" {
		c.Redis.Addr = v
	}
}

func (c *Config) applyDefaults() {
	if c.Server.BindAddr == "" {
		c.Server.BindAddr = ":8765"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Store.DataDir == "" {
		c.Store.DataDir = "./data"
	}
	if c.Store.NodeID == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "bridge"
		}
		c.Store.NodeID = host
	}
	if c.Store.FsyncPolicy == "" {
		c.Store.FsyncPolicy = "fsync"
	}
}

// Production reports whether the bridge runs with production guarantees.
func (c *Config) Production() bool {
	return strings.EqualFold(c.Server.Env, "production")
}

// Package config loads the service configuration in three layers: the base
// YAML file, a per-environment overlay (config/<env>.yaml, env taken from
// AGENT_IAM__ENV), and AGENT_IAM-prefixed environment variables with __
// separating nesting levels, e.g. AGENT_IAM__SERVER__PORT=9090.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/agent-iam/go-core/internal/auth/jwt"
)

const (
	envPrefix  = "AGENT_IAM__"
	defaultEnv = "development"
)

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Redis      RedisConfig      `yaml:"redis"`
	JWT        JWTConfig        `yaml:"jwt"`
	Capability CapabilityConfig `yaml:"capability"`
	Policy     PolicyConfig     `yaml:"policy"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Audit      AuditConfig      `yaml:"audit"`
	Logging    LoggingConfig    `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
	EnableCORS   bool          `yaml:"enable_cors"`
	CORSOrigins  []string      `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	Migrate         bool          `yaml:"migrate"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type JWTConfig struct {
	Secret     string        `yaml:"secret"`
	AccessTTL  time.Duration `yaml:"access_ttl"`
	RefreshTTL time.Duration `yaml:"refresh_ttl"`
}

type CapabilityConfig struct {
	// KeySeed is the hex-encoded 32-byte ed25519 seed for capability token
	// signing. Empty mints an ephemeral key, so outstanding capability
	// tokens do not survive a restart.
	KeySeed string `yaml:"key_seed"`
}

type PolicyConfig struct {
	SeedDir       string        `yaml:"seed_dir"`
	WatchSeeds    bool          `yaml:"watch_seeds"`
	WatchDebounce time.Duration `yaml:"watch_debounce"`
}

type RateLimitConfig struct {
	AuthPerMinute    int64 `yaml:"auth_per_minute"`
	DefaultPerMinute int64 `yaml:"default_per_minute"`
	PerHour          int64 `yaml:"per_hour"`
	PerDay           int64 `yaml:"per_day"`
}

type AuditConfig struct {
	QueueDepth       int           `yaml:"queue_depth"`
	BatchSize        int           `yaml:"batch_size"`
	FlushInterval    time.Duration `yaml:"flush_interval"`
	FilePath         string        `yaml:"file_path"`
	FileMaxSizeMB    int           `yaml:"file_max_size_mb"`
	FileMaxBackups   int           `yaml:"file_max_backups"`
	SessionRetention time.Duration `yaml:"session_retention"`
}

type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
}

// Load reads the base YAML file, merges the per-environment overlay from
// the same directory, applies the environment variables, and validates.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		if err := mergeFile(cfg, path); err != nil {
			return nil, err
		}
		if overlay := overlayPath(path); overlay != "" {
			if err := mergeFile(cfg, overlay); err != nil {
				return nil, err
			}
		}
	}

	overlayEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func mergeFile(cfg *Config, path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return nil
}

// overlayPath resolves config/<env>.yaml next to the base file. The
// environment name comes from AGENT_IAM__ENV, defaulting to development;
// a missing overlay file is not an error.
func overlayPath(base string) string {
	env := os.Getenv(envPrefix + "ENV")
	if env == "" {
		env = defaultEnv
	}
	candidate := filepath.Join(filepath.Dir(base), env+".yaml")
	if candidate == base {
		return ""
	}
	if _, err := os.Stat(candidate); err != nil {
		return ""
	}
	return candidate
}

// Validate enforces the startup invariants.
func (c *Config) Validate() error {
	if len(c.JWT.Secret) < jwt.MinSecretLength {
		return fmt.Errorf("jwt.secret must be at least %d bytes", jwt.MinSecretLength)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d is out of range", c.Server.Port)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required")
	}
	if c.Capability.KeySeed != "" {
		seed, err := hex.DecodeString(c.Capability.KeySeed)
		if err != nil {
			return fmt.Errorf("capability.key_seed is not valid hex: %w", err)
		}
		if len(seed) != 32 {
			return fmt.Errorf("capability.key_seed must decode to 32 bytes, got %d", len(seed))
		}
	}
	return nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
			EnableCORS:   true,
			CORSOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			Migrate:         true,
		},
		Redis: RedisConfig{Addr: "localhost:6379"},
		JWT: JWTConfig{
			AccessTTL:  15 * time.Minute,
			RefreshTTL: 7 * 24 * time.Hour,
		},
		Policy: PolicyConfig{
			WatchSeeds:    true,
			WatchDebounce: 500 * time.Millisecond,
		},
		RateLimit: RateLimitConfig{
			AuthPerMinute:    10,
			DefaultPerMinute: 120,
			PerHour:          2000,
			PerDay:           20000,
		},
		Audit: AuditConfig{
			QueueDepth:       10000,
			BatchSize:        100,
			FlushInterval:    time.Second,
			FileMaxSizeMB:    100,
			FileMaxBackups:   10,
			SessionRetention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// overlayEnv applies AGENT_IAM__SECTION__FIELD variables over the files.
func overlayEnv(cfg *Config) {
	setString := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	setInt64 := func(key string, dst *int64) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = n
			}
		}
	}
	setBool := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}
	setDuration := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = d
			}
		}
	}
	setStrings := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok {
			parts := strings.Split(v, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			*dst = parts
		}
	}

	setInt("SERVER__PORT", &cfg.Server.Port)
	setDuration("SERVER__READ_TIMEOUT", &cfg.Server.ReadTimeout)
	setDuration("SERVER__WRITE_TIMEOUT", &cfg.Server.WriteTimeout)
	setBool("SERVER__ENABLE_CORS", &cfg.Server.EnableCORS)
	setStrings("SERVER__CORS_ORIGINS", &cfg.Server.CORSOrigins)

	setString("DATABASE__DSN", &cfg.Database.DSN)
	setInt("DATABASE__MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns)
	setInt("DATABASE__MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns)
	setBool("DATABASE__MIGRATE", &cfg.Database.Migrate)

	setString("REDIS__ADDR", &cfg.Redis.Addr)
	setString("REDIS__PASSWORD", &cfg.Redis.Password)
	setInt("REDIS__DB", &cfg.Redis.DB)

	setString("JWT__SECRET", &cfg.JWT.Secret)
	// Operator-facing name for the secret; wins over the section-derived key.
	setString("AUTH__JWT_SECRET", &cfg.JWT.Secret)
	setDuration("JWT__ACCESS_TTL", &cfg.JWT.AccessTTL)
	setDuration("JWT__REFRESH_TTL", &cfg.JWT.RefreshTTL)

	setString("CAPABILITY__KEY_SEED", &cfg.Capability.KeySeed)

	setString("POLICY__SEED_DIR", &cfg.Policy.SeedDir)
	setBool("POLICY__WATCH_SEEDS", &cfg.Policy.WatchSeeds)

	setInt64("RATE_LIMIT__AUTH_PER_MINUTE", &cfg.RateLimit.AuthPerMinute)
	setInt64("RATE_LIMIT__DEFAULT_PER_MINUTE", &cfg.RateLimit.DefaultPerMinute)
	setInt64("RATE_LIMIT__PER_HOUR", &cfg.RateLimit.PerHour)
	setInt64("RATE_LIMIT__PER_DAY", &cfg.RateLimit.PerDay)

	setInt("AUDIT__QUEUE_DEPTH", &cfg.Audit.QueueDepth)
	setInt("AUDIT__BATCH_SIZE", &cfg.Audit.BatchSize)
	setDuration("AUDIT__FLUSH_INTERVAL", &cfg.Audit.FlushInterval)
	setString("AUDIT__FILE_PATH", &cfg.Audit.FilePath)

	setString("LOGGING__LEVEL", &cfg.Logging.Level)
	setBool("LOGGING__DEVELOPMENT", &cfg.Logging.Development)
}

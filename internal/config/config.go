// Package config loads relay settings from an optional file, a local .env
// file and RELAY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type ServerCfg struct {
	Addr                   string `mapstructure:"addr"`
	ReadTimeoutSeconds     int    `mapstructure:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `mapstructure:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `mapstructure:"shutdown_timeout_seconds"`
}

type DatabaseCfg struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type StorageCfg struct {
	TimeoutMillis int `mapstructure:"timeout_ms"`
}

type RedisCfg struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
	// PresenceTTLSeconds bounds how long a crashed instance's connections
	// keep a user online.
	PresenceTTLSeconds int `mapstructure:"presence_ttl_seconds"`
}

type KafkaCfg struct {
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type AuthCfg struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type WSCfg struct {
	PushTimeoutMillis int      `mapstructure:"push_timeout_ms"`
	SendBuffer        int      `mapstructure:"send_buffer"`
	MaxMessageBytes   int64    `mapstructure:"max_message_bytes"`
	PongWaitSeconds   int      `mapstructure:"pong_wait_seconds"`
	AllowedOrigins    []string `mapstructure:"allowed_origins"`
}

type RateLimitCfg struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

type LogCfg struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

type Config struct {
	Server    ServerCfg    `mapstructure:"server"`
	Database  DatabaseCfg  `mapstructure:"database"`
	Storage   StorageCfg   `mapstructure:"storage"`
	Redis     RedisCfg     `mapstructure:"redis"`
	Kafka     KafkaCfg     `mapstructure:"kafka"`
	Auth      AuthCfg      `mapstructure:"auth"`
	WS        WSCfg        `mapstructure:"ws"`
	RateLimit RateLimitCfg `mapstructure:"rate_limit"`
	Log       LogCfg       `mapstructure:"log"`

	// Derived
	ReadTimeout     time.Duration `mapstructure:"-"`
	WriteTimeout    time.Duration `mapstructure:"-"`
	ShutdownTimeout time.Duration `mapstructure:"-"`
	StorageTimeout  time.Duration `mapstructure:"-"`
	PushTimeout     time.Duration `mapstructure:"-"`
	PongWait        time.Duration `mapstructure:"-"`
	PresenceTTL     time.Duration `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 15)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "dmrelay.db")
	v.SetDefault("storage.timeout_ms", 5000)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "dmrelay")
	v.SetDefault("redis.presence_ttl_seconds", 90)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "message.sent")
	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.issuer", "")
	v.SetDefault("ws.push_timeout_ms", 250)
	v.SetDefault("ws.send_buffer", 64)
	v.SetDefault("ws.max_message_bytes", 16*1024)
	v.SetDefault("ws.pong_wait_seconds", 60)
	v.SetDefault("ws.allowed_origins", []string{})
	v.SetDefault("rate_limit.rps", 5.0)
	v.SetDefault("rate_limit.burst", 10)
	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Load reads the config file at path if non-empty. A .env file in the
// working directory is loaded into the environment first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RELAY")
	// RELAY_SERVER_ADDR overrides server.addr.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.derive()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) derive() {
	c.ReadTimeout = time.Duration(c.Server.ReadTimeoutSeconds) * time.Second
	c.WriteTimeout = time.Duration(c.Server.WriteTimeoutSeconds) * time.Second
	c.ShutdownTimeout = time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
	c.StorageTimeout = time.Duration(c.Storage.TimeoutMillis) * time.Millisecond
	c.PushTimeout = time.Duration(c.WS.PushTimeoutMillis) * time.Millisecond
	c.PongWait = time.Duration(c.WS.PongWaitSeconds) * time.Second
	c.PresenceTTL = time.Duration(c.Redis.PresenceTTLSeconds) * time.Second
}

func (c *Config) Validate() error {
	if c.Auth.Secret == "" {
		return errors.New("auth.secret is required (RELAY_AUTH_SECRET)")
	}
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.StorageTimeout <= 0 || c.PushTimeout <= 0 {
		return errors.New("storage and push timeouts must be positive")
	}
	return nil
}

// RedisEnabled reports whether presence and delivery are shared across
// instances.
func (c *Config) RedisEnabled() bool { return c.Redis.Addr != "" }

func (c *Config) KafkaEnabled() bool { return len(c.Kafka.Brokers) > 0 }

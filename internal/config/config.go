package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "OMNIFORGE"

type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	DB         DBConfig         `mapstructure:"db"`
	Room       RoomConfig       `mapstructure:"room"`
	WebSocket  WebSocketConfig  `mapstructure:"websocket"`
	Compaction CompactionConfig `mapstructure:"compaction"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DBConfig struct {
	// Empty disables persistence; rooms then live only in memory.
	Path string `mapstructure:"path"`
}

type RoomConfig struct {
	GracePeriod time.Duration `mapstructure:"grace_period"`
	JoinTimeout time.Duration `mapstructure:"join_timeout"`
}

type WebSocketConfig struct {
	MaxMessageSize    int64   `mapstructure:"max_message_size"`
	SendBuffer        int     `mapstructure:"send_buffer"`
	MessagesPerSecond float64 `mapstructure:"messages_per_second"`
	MessageBurst      int     `mapstructure:"message_burst"`
	LimiterCacheSize  int     `mapstructure:"limiter_cache_size"`
}

type CompactionConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	UpdateThreshold int           `mapstructure:"update_threshold"`
}

type RedisConfig struct {
	// Empty disables cross-instance fan-out.
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("db.path", "./data/omniforge-collab.db")

	v.SetDefault("room.grace_period", 30*time.Second)
	v.SetDefault("room.join_timeout", 5*time.Second)

	v.SetDefault("websocket.max_message_size", 1024*1024)
	v.SetDefault("websocket.send_buffer", 512)
	v.SetDefault("websocket.messages_per_second", 100)
	v.SetDefault("websocket.message_burst", 200)
	v.SetDefault("websocket.limiter_cache_size", 10000)

	v.SetDefault("compaction.enabled", true)
	v.SetDefault("compaction.interval", 5*time.Minute)
	v.SetDefault("compaction.update_threshold", 100)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel", "omniforge:collab")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
}

// New returns a viper instance with defaults and OMNIFORGE_* env overrides.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file and decodes the result.
func Load(v *viper.Viper, path string) (*Config, error) {
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
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if c.Room.JoinTimeout <= 0 {
		errs = append(errs, errors.New("room.join_timeout must be positive"))
	}
	if c.Room.GracePeriod < 0 {
		errs = append(errs, errors.New("room.grace_period must not be negative"))
	}
	if c.WebSocket.SendBuffer <= 0 {
		errs = append(errs, errors.New("websocket.send_buffer must be positive"))
	}
	if c.WebSocket.MessagesPerSecond <= 0 || c.WebSocket.MessageBurst <= 0 {
		errs = append(errs, errors.New("websocket rate limits must be positive"))
	}
	if c.Compaction.Enabled && c.Compaction.Interval <= 0 {
		errs = append(errs, errors.New("compaction.interval must be positive"))
	}
	return errors.Join(errs...)
}

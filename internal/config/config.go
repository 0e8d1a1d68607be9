// Package config loads the chat server configuration from built-in defaults,
// an optional config file, and PARLEY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g.
// PARLEY_DATABASE_URL overrides database.url.
const EnvPrefix = "PARLEY"

type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	Name            string        `mapstructure:"name"` // instance name, used in presence records
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type WSConfig struct {
	WorkerPoolSize    int           `mapstructure:"worker_pool_size"`
	MaxConnections    int           `mapstructure:"max_connections"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `mapstructure:"heartbeat_timeout"`
}

type DatabaseConfig struct {
	Driver       string        `mapstructure:"driver"` // postgres | memory
	URL          string        `mapstructure:"url"`
	MaxOpenConns int           `mapstructure:"max_open_conns"`
	MaxIdleConns int           `mapstructure:"max_idle_conns"`
	ConnMaxLife  time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate  bool          `mapstructure:"auto_migrate"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type NATSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Name    string `mapstructure:"name"`
}

type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"` // consumer group of cmd/notifier
}

type S3Config struct {
	Region   string `mapstructure:"region"`
	Bucket   string `mapstructure:"bucket"`
	Endpoint string `mapstructure:"endpoint"`
}

type StorageConfig struct {
	Driver           string   `mapstructure:"driver"` // s3 | disk
	BaseURL          string   `mapstructure:"base_url"`
	AttachmentPrefix string   `mapstructure:"attachment_prefix"`
	AvatarPrefix     string   `mapstructure:"avatar_prefix"`
	DiskRoot         string   `mapstructure:"disk_root"`
	S3               S3Config `mapstructure:"s3"`
}

type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTPublicKeyPath string `mapstructure:"jwt_public_key_path"`
	UserClaim        string `mapstructure:"user_claim"`
}

type ChatConfig struct {
	MaxAttachments     int           `mapstructure:"max_attachments"`
	MaxAttachmentBytes int64         `mapstructure:"max_attachment_bytes"`
	MaxTextChars       int           `mapstructure:"max_text_chars"`
	DefaultPerPage     int           `mapstructure:"default_per_page"`
	MaxPerPage         int           `mapstructure:"max_per_page"`
	SendRateLimit      int           `mapstructure:"send_rate_limit"`
	SendRateWindow     time.Duration `mapstructure:"send_rate_window"`
}

type LogConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Config is the full server configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	WS       WSConfig       `mapstructure:"ws"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	NATS     NATSConfig     `mapstructure:"nats"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Chat     ChatConfig     `mapstructure:"chat"`
	Log      LogConfig      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.name", "chat-1")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)

	v.SetDefault("ws.worker_pool_size", 256)
	v.SetDefault("ws.max_connections", 100000)
	v.SetDefault("ws.read_timeout", 10*time.Second)
	v.SetDefault("ws.write_timeout", 10*time.Second)
	v.SetDefault("ws.heartbeat_interval", 30*time.Second)
	v.SetDefault("ws.heartbeat_timeout", 10*time.Second)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.url", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.name", "parley-chat")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "chat.notifications")
	v.SetDefault("kafka.group_id", "chat-notifier")

	v.SetDefault("storage.driver", "disk")
	v.SetDefault("storage.base_url", "http://localhost:8080/storage")
	v.SetDefault("storage.attachment_prefix", "attachment")
	v.SetDefault("storage.avatar_prefix", "avatar")
	v.SetDefault("storage.disk_root", "./public/storage")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.s3.bucket", "")
	v.SetDefault("storage.s3.endpoint", "")

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.jwt_public_key_path", "")
	v.SetDefault("auth.user_claim", "sub")

	v.SetDefault("chat.max_attachments", 10)
	v.SetDefault("chat.max_attachment_bytes", 10<<20)
	v.SetDefault("chat.max_text_chars", 5000)
	v.SetDefault("chat.default_per_page", 20)
	v.SetDefault("chat.max_per_page", 100)
	v.SetDefault("chat.send_rate_limit", 30)
	v.SetDefault("chat.send_rate_window", 10*time.Second)

	v.SetDefault("log.development", false)
	v.SetDefault("log.level", "info")
}

// Load reads configuration. path may be empty, in which case only defaults
// and environment variables apply.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver names and the settings each driver requires.
func (c *Config) Validate() error {
	var errs []error

	switch c.Database.Driver {
	case "memory":
	case "postgres":
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database.driver %q", c.Database.Driver))
	}

	switch c.Storage.Driver {
	case "disk":
		if c.Storage.DiskRoot == "" {
			errs = append(errs, errors.New("storage.disk_root is required for the disk driver"))
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			errs = append(errs, errors.New("storage.s3.bucket is required for the s3 driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Auth.JWTSecret == "" && c.Auth.JWTPublicKeyPath == "" {
		errs = append(errs, errors.New("one of auth.jwt_secret or auth.jwt_public_key_path is required"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	if c.Chat.DefaultPerPage < 1 || c.Chat.MaxPerPage < c.Chat.DefaultPerPage {
		errs = append(errs, errors.New("chat.default_per_page must be >= 1 and <= chat.max_per_page"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

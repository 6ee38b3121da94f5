// Package config loads settings from defaults, an optional YAML file, a .env
// file and TANDEM_* environment variables, in increasing precedence.
package config

import (
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

type ServerCfg struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`
}

type DatabaseCfg struct {
	// Driver is sqlite3, postgres or mongo.
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	MongoDatabase string `mapstructure:"mongo_database"`
	// Seed creates a linked demo pair on startup.
	Seed bool `mapstructure:"seed"`
}

type JwtCfg struct {
	Secret string `mapstructure:"secret"`
	Issuer string `mapstructure:"issuer"`
}

type ChatCfg struct {
	DeliveryPolicy string        `mapstructure:"delivery_policy"`
	TypingTimeout  time.Duration `mapstructure:"typing_timeout"`
}

type WsCfg struct {
	AuthTimeout     time.Duration `mapstructure:"auth_timeout"`
	EventTimeout    time.Duration `mapstructure:"event_timeout"`
	EventsPerSecond float64       `mapstructure:"events_per_second"`
	Burst           int           `mapstructure:"burst"`
	SendBuffer      int           `mapstructure:"send_buffer"`
}

type BreakerCfg struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type RedisCfg struct {
	// Addr empty runs a single instance without fan-out.
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Prefix   string        `mapstructure:"prefix"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type KafkaCfg struct {
	// Brokers empty disables domain events.
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

type LogCfg struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Server   ServerCfg   `mapstructure:"server"`
	Database DatabaseCfg `mapstructure:"database"`
	JWT      JwtCfg      `mapstructure:"jwt"`
	Chat     ChatCfg     `mapstructure:"chat"`
	Ws       WsCfg       `mapstructure:"ws"`
	Breaker  BreakerCfg  `mapstructure:"breaker"`
	Redis    RedisCfg    `mapstructure:"redis"`
	Kafka    KafkaCfg    `mapstructure:"kafka"`
	Log      LogCfg      `mapstructure:"log"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "tandem.db")
	v.SetDefault("database.mongo_database", "tandem")
	v.SetDefault("database.seed", false)

	v.SetDefault("jwt.secret", "")
	v.SetDefault("jwt.issuer", "")

	v.SetDefault("chat.delivery_policy", "strict")
	v.SetDefault("chat.typing_timeout", 3*time.Second)

	v.SetDefault("ws.auth_timeout", 5*time.Second)
	v.SetDefault("ws.event_timeout", 10*time.Second)
	v.SetDefault("ws.events_per_second", 20.0)
	v.SetDefault("ws.burst", 40)
	v.SetDefault("ws.send_buffer", 256)

	v.SetDefault("breaker.max_failures", 5)
	v.SetDefault("breaker.open_timeout", 30*time.Second)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.prefix", "tandem")
	v.SetDefault("redis.ttl", 90*time.Second)

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", "tandem.events")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// Load reads configuration. path may be empty; a missing .env file is not an
// error.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrap(err, "config: .env")
	}

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("TANDEM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "config: read %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "config: unmarshal")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres", "mongo":
	default:
		return errors.Errorf("config: unknown database driver %q", c.Database.Driver)
	}
	if len(c.JWT.Secret) < 16 {
		return errors.New("config: jwt.secret (TANDEM_JWT_SECRET) must be at least 16 bytes")
	}
	switch strings.ToLower(c.Chat.DeliveryPolicy) {
	case "strict", "optimistic":
	default:
		return errors.Errorf("config: unknown delivery policy %q", c.Chat.DeliveryPolicy)
	}
	return nil
}

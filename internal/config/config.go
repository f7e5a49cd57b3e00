package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/dkeye/Relay/internal/adapters/rtc"
)

var ErrMissingJWTSecret = errors.New("jwt_secret is required")

type Config struct {
	Mode       string `mapstructure:"mode"`
	Port       int    `mapstructure:"port"`
	LogLevel   string `mapstructure:"log_level"`
	StaticPath string `mapstructure:"static_path"`

	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	SendBuffer   int           `mapstructure:"send_buffer"`
	SlowConsumer string        `mapstructure:"slow_consumer"`

	Secret        string        `mapstructure:"secret"`
	JWTSecret     string        `mapstructure:"jwt_secret"`
	LookupTimeout time.Duration `mapstructure:"lookup_timeout"`

	Fabric  string `mapstructure:"fabric"`
	NATSURL string `mapstructure:"nats_url"`

	Presence      string `mapstructure:"presence"`
	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`

	Identity    string `mapstructure:"identity"`
	DatabaseURL string `mapstructure:"database_url"`

	MatchRateLimit    int           `mapstructure:"match_rate_limit"`
	MatchRateInterval time.Duration `mapstructure:"match_rate_interval"`

	ICEServers []rtc.ServerConfig `mapstructure:"ice_servers"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, falling back to defaults when
// the file is missing. A .env file in the working directory is applied first.
func Load() (*Config, error) {
	if err := godotenv.Load(); err == nil {
		log.Debug().Str("module", "config").Msg("loaded .env")
	}
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads the given YAML file. RELAY_* environment variables win over
// the file, e.g. RELAY_NATS_URL.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)
	v.SetEnvPrefix("relay")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").
		Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("fabric", cfg.Fabric).Str("presence", cfg.Presence).Str("identity", cfg.Identity).
		Msg("config ready")
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("log_level", "info")
	v.SetDefault("static_path", "")
	v.SetDefault("read_limit", 1<<20)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("write_wait", "10s")
	v.SetDefault("send_buffer", 64)
	v.SetDefault("slow_consumer", "kick")
	v.SetDefault("secret", "")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("lookup_timeout", "3s")
	v.SetDefault("fabric", "memory")
	v.SetDefault("nats_url", "nats://127.0.0.1:4222")
	v.SetDefault("presence", "memory")
	v.SetDefault("redis_addr", "127.0.0.1:6379")
	v.SetDefault("redis_password", "")
	v.SetDefault("redis_db", 0)
	v.SetDefault("identity", "memory")
	v.SetDefault("database_url", "")
	v.SetDefault("match_rate_limit", 10)
	v.SetDefault("match_rate_interval", "10s")
}

func (c *Config) validate() error {
	if c.JWTSecret == "" {
		return ErrMissingJWTSecret
	}
	switch c.Fabric {
	case "memory", "nats":
	default:
		return fmt.Errorf("unknown fabric %q", c.Fabric)
	}
	switch c.Presence {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown presence store %q", c.Presence)
	}
	switch c.Identity {
	case "memory", "postgres":
	default:
		return fmt.Errorf("unknown identity store %q", c.Identity)
	}
	if c.Identity == "postgres" && c.DatabaseURL == "" {
		return errors.New("database_url is required for the postgres identity store")
	}
	return nil
}

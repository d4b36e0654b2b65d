package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dkeye/letterlings/internal/adapters/ws"
	"github.com/dkeye/letterlings/internal/app/orch"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const EnvPrefix = "LETTERLINGS"

type Registry struct {
	Backend       string        `mapstructure:"backend"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	TTL           time.Duration `mapstructure:"ttl"`
	Attempts      int           `mapstructure:"attempts"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// PublicAddr is stamped on every descriptor so joiners know where to dial.
	PublicAddr string `mapstructure:"public_addr"`
}

type Database struct {
	DSN string `mapstructure:"dsn"`
}

type Config struct {
	Mode     string `mapstructure:"mode"`
	Port     int    `mapstructure:"port"`
	Secret   string `mapstructure:"secret"`
	LogLevel string `mapstructure:"log_level"`

	WS       ws.Config   `mapstructure:"ws"`
	Room     orch.Config `mapstructure:"room"`
	Registry Registry    `mapstructure:"registry"`
	Database Database    `mapstructure:"database"`
}

// LoadDotEnv loads environment variables from a .env file if present.
// Existing environment variables are not overwritten.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(path)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("secret", "letterlings-dev-secret")
	v.SetDefault("log_level", "info")

	v.SetDefault("ws.send_queue", 256)
	v.SetDefault("ws.write_wait", "5s")
	v.SetDefault("ws.pong_wait", "60s")
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.read_limit", 65536)

	v.SetDefault("room.max_players", 4)
	v.SetDefault("room.auto_start", true)
	v.SetDefault("room.max_updates_per_second", 30)
	v.SetDefault("room.registry_timeout", "2s")

	v.SetDefault("registry.backend", "memory")
	v.SetDefault("registry.redis_addr", "localhost:6379")
	v.SetDefault("registry.ttl", "1h")
	v.SetDefault("registry.attempts", 10)
	v.SetDefault("registry.sweep_interval", "1m")
	v.SetDefault("registry.public_addr", "")

	v.SetDefault("database.dsn", "")
}

// Load reads config/config.<CONFIG_ENV>.yaml over the defaults. Every key
// can be overridden from the environment, e.g. LETTERLINGS_REGISTRY_BACKEND.
func Load() (*Config, error) {
	if err := LoadDotEnv(".env"); err != nil {
		log.Warn().Err(err).Str("module", "config").Msg("failed to load .env")
	}

	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).
		Str("registry", cfg.Registry.Backend).Bool("archive", cfg.Database.DSN != "").Msg("config ready")
	return &cfg, nil
}

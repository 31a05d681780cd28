// Package config loads arbor settings from flags, environment and an
// optional config file through viper.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment key: ARBOR_DB, ARBOR_DATABASE_DSN, ...
const EnvPrefix = "ARBOR"

// Config is the resolved configuration of one invocation
type Config struct {
	DB        string         `mapstructure:"db"`
	Database  DatabaseConfig `mapstructure:"database"`
	Project   int64          `mapstructure:"project"`
	User      int64          `mapstructure:"user"`
	Superuser bool           `mapstructure:"superuser"`
	Log       LogConfig      `mapstructure:"log"`
	Metrics   MetricsConfig  `mapstructure:"metrics"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	DSN    string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// New returns a viper instance with defaults and environment binding set up.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("db", "")
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "")
	v.SetDefault("project", 1)
	v.SetDefault("user", 1)
	v.SetDefault("superuser", false)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.textfile", "")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads the config file named in v (if any) and decodes the result.
func Load(v *viper.Viper) (*Config, error) {
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("reading config %s: %w", v.ConfigFileUsed(), err)
			}
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if c.Project <= 0 {
		return nil, fmt.Errorf("project must be positive, got %d", c.Project)
	}
	if c.User <= 0 {
		return nil, fmt.Errorf("user must be positive, got %d", c.User)
	}
	return &c, nil
}

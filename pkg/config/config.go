package config

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

const (
	AppName   = "turnstore"
	EnvPrefix = "TURNSTORE"
)

// Config is the runtime configuration of turnstore. It is read by viper from
// a config file, environment variables and flags.
type Config struct {
	Database Database `mapstructure:"database"`
	Log      Log      `mapstructure:"log"`
}

// Database selects and locates the message store.
type Database struct {
	Driver string `mapstructure:"driver"` // "sqlite3" or "postgres"
	DSN    string `mapstructure:"dsn"`
	// Path is the sqlite file used when DSN is empty
	Path string `mapstructure:"path"`
}

type Log struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "text"
	File       string `mapstructure:"file"`
	WithCaller bool   `mapstructure:"with_caller"`
}

// SetDefaults registers the default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.path", AppName+".db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.with_caller", false)
}

// Setup prepares v to read config.yaml from the usual locations and
// TURNSTORE_* environment variables. configFile overrides the search.
func Setup(v *viper.Viper, configFile string) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, "."+AppName))
		}
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, AppName))
		}
		v.AddConfigPath(filepath.Join("/etc", AppName))
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
}

// Load reads the config file, if any, and decodes the merged settings.
// A missing config file is not an error.
func Load(v *viper.Viper) (*Config, error) {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "reading config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decoding config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks driver and log settings.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
		if c.Database.DSN == "" && c.Database.Path == "" {
			return errors.New("database.path or database.dsn is required for sqlite")
		}
	case "postgres", "postgresql":
		if c.Database.DSN == "" {
			return errors.New("database.dsn is required for postgres")
		}
	default:
		return errors.Errorf("unsupported database.driver %q", c.Database.Driver)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return errors.Errorf("unsupported log.format %q", c.Log.Format)
	}
	return nil
}

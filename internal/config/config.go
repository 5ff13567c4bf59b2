// Package config loads the device agent configuration with viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/and161185/fieldsync/internal/errs"
	"github.com/and161185/fieldsync/internal/syncer"
)

// EnvPrefix is prepended to every environment override, e.g. FIELDSYNC_STORAGE_DRIVER.
const EnvPrefix = "FIELDSYNC"

// Storage drivers.
const (
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverMySQL    = "mysql"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	Domain   string        `mapstructure:"domain"`
	TenantID string        `mapstructure:"tenant_id"`
	Sync     SyncConfig    `mapstructure:"sync"`
	Storage  StorageConfig `mapstructure:"storage"`
	Remote   RemoteConfig  `mapstructure:"remote"`
	HTTP     HTTPConfig    `mapstructure:"http"`
	Log      LogConfig     `mapstructure:"log"`
}

type SyncConfig struct {
	MaxRetries              int           `mapstructure:"max_retries"`
	ConflictRequiresVersion bool          `mapstructure:"conflict_requires_version"`
	DrainOnSubmit           bool          `mapstructure:"drain_on_submit"`
	DrainOnStart            bool          `mapstructure:"drain_on_start"`
	RetrySchedule           string        `mapstructure:"retry_schedule"`
	RetryBackoff            time.Duration `mapstructure:"retry_backoff"`
	RetryBackoffMax         time.Duration `mapstructure:"retry_backoff_max"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"`
	Path       string `mapstructure:"path"` // file and sqlite
	DSN        string `mapstructure:"dsn"`  // mysql and postgres
	Passphrase string `mapstructure:"passphrase"`
}

type RemoteConfig struct {
	Addr      string        `mapstructure:"addr"`
	Token     string        `mapstructure:"token"`
	Insecure  bool          `mapstructure:"insecure"`  // TLS without certificate verification
	Plaintext bool          `mapstructure:"plaintext"` // no TLS at all
	CACert    string        `mapstructure:"cacert"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Dir is the default directory for the config file and local storage.
func Dir() string {
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "fieldsync")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "fieldsync")
}

// New returns a viper instance carrying the defaults, env binding and search paths.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("domain", "")
	v.SetDefault("tenant_id", "")
	v.SetDefault("sync.max_retries", syncer.DefaultMaxRetries)
	v.SetDefault("sync.conflict_requires_version", true)
	v.SetDefault("sync.drain_on_submit", true)
	v.SetDefault("sync.drain_on_start", true)
	v.SetDefault("sync.retry_schedule", syncer.DefaultRetrySchedule)
	v.SetDefault("sync.retry_backoff", time.Duration(0))
	v.SetDefault("sync.retry_backoff_max", time.Hour)
	v.SetDefault("storage.driver", DriverSQLite)
	v.SetDefault("storage.path", filepath.Join(Dir(), "fieldsync.db"))
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.passphrase", "")
	v.SetDefault("remote.addr", "localhost:8443")
	v.SetDefault("remote.token", "")
	v.SetDefault("remote.insecure", false)
	v.SetDefault("remote.plaintext", false)
	v.SetDefault("remote.cacert", "")
	v.SetDefault("remote.timeout", 15*time.Second)
	v.SetDefault("http.addr", "127.0.0.1:8480")
	v.SetDefault("log.level", "info")

	v.SetConfigName("fieldsync")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath(Dir())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads file (or searches the default paths when empty) and decodes the
// result. A missing config file in the search paths is not an error.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
	}
	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &nf) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return c, c.Validate()
}

// Validate checks the fields every command needs.
func (c Config) Validate() error {
	if c.Domain == "" {
		return fmt.Errorf("%w: domain is required", errs.ErrValidation)
	}
	if c.Sync.MaxRetries < 1 {
		return fmt.Errorf("%w: sync.max_retries must be positive", errs.ErrValidation)
	}
	switch c.Storage.Driver {
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			return fmt.Errorf("%w: storage.path is required for %s", errs.ErrValidation, c.Storage.Driver)
		}
	case DriverMySQL, DriverPostgres:
		if c.Storage.DSN == "" {
			return fmt.Errorf("%w: storage.dsn is required for %s", errs.ErrValidation, c.Storage.Driver)
		}
	case DriverMemory:
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", errs.ErrValidation, c.Storage.Driver)
	}
	return nil
}

// Engine converts the sync section into the engine configuration.
func (c Config) Engine() syncer.Config {
	return syncer.Config{
		Domain:                  c.Domain,
		MaxRetries:              c.Sync.MaxRetries,
		ConflictRequiresVersion: c.Sync.ConflictRequiresVersion,
		DrainOnSubmit:           c.Sync.DrainOnSubmit,
		DrainOnStart:            c.Sync.DrainOnStart,
		RetrySchedule:           c.Sync.RetrySchedule,
		RetryBackoff:            c.Sync.RetryBackoff,
		RetryBackoffMax:         c.Sync.RetryBackoffMax,
	}
}

// Logger builds a production logger, or a development one at debug level.
func (l LogConfig) Logger() (*zap.Logger, error) {
	if strings.EqualFold(l.Level, "debug") {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	if l.Level != "" {
		lvl, err := zap.ParseAtomicLevel(l.Level)
		if err != nil {
			return nil, fmt.Errorf("log.level: %w", err)
		}
		cfg.Level = lvl
	}
	return cfg.Build()
}

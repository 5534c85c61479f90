// Package config provides layered configuration loading for keepsake.
// It merges Defaults -> Environment Variables -> CLI Flags, then validates
// the result with go-playground/validator.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/providers/env/v2"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/haukened/keepsake/internal/domain"
)

// EnvPrefix namespaces every environment variable, e.g. KEEPSAKE_DATA_DIR.
const EnvPrefix = "KEEPSAKE_"

// Engines.
const (
	EngineSQLite = "sqlite"
	EngineBadger = "badger"
)

// Config holds the merged runtime configuration.
type Config struct {
	Engine               string        `koanf:"engine" validate:"oneof=sqlite badger"`
	DataDir              string        `koanf:"data_dir" validate:"datadir"`
	Name                 string        `koanf:"name" validate:"dbname"`
	InMemory             bool          `koanf:"in_memory"`
	SweepDelay           time.Duration `koanf:"sweep_delay" validate:"gte=0"`
	SweepInterval        time.Duration `koanf:"sweep_interval" validate:"gte=0"`
	VersionPollInterval  time.Duration `koanf:"version_poll_interval" validate:"gte=0"`
	MetricsFlushInterval time.Duration `koanf:"metrics_flush_interval" validate:"gt=0"`
	DefaultTTL           time.Duration `koanf:"default_ttl" validate:"gt=0"`
	MinTTL               time.Duration `koanf:"min_ttl" validate:"gt=0"`
	MaxTTL               time.Duration `koanf:"max_ttl" validate:"gt=0"`
	ScanWorkers          int           `koanf:"scan_workers" validate:"gte=0"`
	LogLevel             string        `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFormat            string        `koanf:"log_format" validate:"oneof=text json"`
}

// DefaultAppConfig is the lowest configuration layer.
var DefaultAppConfig = Config{
	Engine:               EngineSQLite,
	DataDir:              "data",
	Name:                 "keepsake",
	SweepDelay:           10 * time.Second,
	VersionPollInterval:  5 * time.Second,
	MetricsFlushInterval: 5 * time.Second,
	DefaultTTL:           7 * 24 * time.Hour,
	MinTTL:               time.Minute,
	MaxTTL:               365 * 24 * time.Hour,
	LogLevel:             "info",
	LogFormat:            "text",
}

// Loader steps; tests swap them to inject failures.
var (
	defaultLoader = func(k *koanf.Koanf) error {
		return k.Load(structs.Provider(DefaultAppConfig, "koanf"), nil)
	}
	envLoader = func(k *koanf.Koanf) error {
		return k.Load(env.Provider(".", env.Opt{
			Prefix: EnvPrefix,
			TransformFunc: func(key, value string) (string, any) {
				return strings.ToLower(strings.TrimPrefix(key, EnvPrefix)), value
			},
		}), nil)
	}
	registerValidators = func(v *validator.Validate) error {
		if err := v.RegisterValidation("datadir", validDataDir); err != nil {
			return err
		}
		return v.RegisterValidation("dbname", validDBName)
	}
)

// Load merges defaults and KEEPSAKE_* environment variables into a Config.
func Load() (*Config, error) {
	return LoadWith(nil)
}

// LoadWith is Load with a final layer of overrides keyed by koanf tag, as
// set from command-line flags. Values may be strings; durations accept a
// "d" day suffix.
func LoadWith(overrides map[string]any) (*Config, error) {
	k := koanf.New(".")
	if err := defaultLoader(k); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}
	if err := envLoader(k); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}
	for key, v := range overrides {
		if err := k.Set(key, v); err != nil {
			return nil, fmt.Errorf("override %s: %w", key, err)
		}
	}

	var cfg Config
	err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook:       StringToDuration(),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate runs the struct rules and the cross-field TTL checks.
func (c *Config) Validate() error {
	v := validator.New(validator.WithRequiredStructEnabled())
	if err := registerValidators(v); err != nil {
		return fmt.Errorf("register validators: %w", err)
	}
	if err := v.Struct(c); err != nil {
		return err
	}
	if c.MinTTL >= c.MaxTTL {
		return errors.New("min_ttl must be less than max_ttl")
	}
	if err := domain.ValidateTTL(c.DefaultTTL, c.MinTTL, c.MaxTTL); err != nil {
		return fmt.Errorf("default_ttl: %w", err)
	}
	return nil
}

// SQLiteDSN is the go-sqlite3 DSN for the configured database file. Write
// transactions take the lock up front so concurrent writers wait on
// busy_timeout instead of failing on lock upgrade. With InMemory set the
// database lives in a shared-cache memory database named after Name.
func (c *Config) SQLiteDSN() string {
	if c.InMemory {
		return "file:" + c.Name + "?mode=memory&cache=shared&_foreign_keys=on&_busy_timeout=5000"
	}
	const params = "?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000&_synchronous=FULL&_txlock=immediate"
	return "file:" + filepath.Join(c.DataDir, c.Name+".db") + params
}

// BadgerDir is the directory holding the Badger database.
func (c *Config) BadgerDir() string {
	return filepath.Join(c.DataDir, c.Name+".badger")
}

// validDataDir rejects empty, root and parent-escaping paths.
func validDataDir(fl validator.FieldLevel) bool {
	p := fl.Field().String()
	if strings.TrimSpace(p) == "" {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(p), "/") {
		if part == ".." {
			return false
		}
	}
	clean := filepath.Clean(p)
	return clean != "." && clean != string(filepath.Separator)
}

var dbNameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,63}$`)

// validDBName accepts names safe to use as a single file name.
func validDBName(fl validator.FieldLevel) bool {
	return dbNameRe.MatchString(fl.Field().String())
}

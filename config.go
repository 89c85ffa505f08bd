package kisa

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"

	"github.com/minus-twelve/kisa-sql/storage"
	"github.com/minus-twelve/kisa-sql/types"
)

// DefaultConfig returns the settings applied to unset config fields.
func DefaultConfig() types.Config {
	interval := storage.DefaultCheckExpirationInterval
	return types.Config{
		StoreType:               string(storage.DialectSQLite),
		DSN:                     "sessions.db",
		CheckExpirationInterval: &interval,
		Expiration:              storage.DefaultExpiration,
		ModelKey:                storage.DefaultModelKey,
		ConnectAttempts:         1,
		Session: types.SessionConfig{
			CookieName: "kisa_session",
			CookiePath: "/",
		},
	}
}

// LoadConfig reads a yaml config file and fills unset fields from DefaultConfig.
func LoadConfig(path string) (types.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return types.Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes yaml config and applies defaults.
func ParseConfig(raw []byte) (types.Config, error) {
	var cfg types.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return types.Config{}, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return types.Config{}, err
	}
	if err := ValidateConfig(cfg); err != nil {
		return types.Config{}, err
	}
	return cfg, nil
}

// ApplyDefaults fills zero fields of cfg from DefaultConfig. Pointer fields
// that are set are kept as they are, so an explicit zero interval survives.
func ApplyDefaults(cfg *types.Config) error {
	if err := mergo.Merge(cfg, DefaultConfig(), mergo.WithoutDereference); err != nil {
		return fmt.Errorf("failed to apply config defaults: %w", err)
	}
	return nil
}

func ValidateConfig(cfg types.Config) error {
	if _, err := storage.ParseDialect(cfg.StoreType); err != nil {
		return err
	}
	if cfg.DSN == "" {
		return fmt.Errorf("%w: dsn is required", storage.ErrConfiguration)
	}
	if cfg.Expiration < 0 {
		return fmt.Errorf("%w: expiration must not be negative", storage.ErrConfiguration)
	}
	return nil
}

// StoreOptions converts cfg into store options. The caller supplies the DB.
func StoreOptions(cfg types.Config) storage.Options {
	var interval time.Duration
	if cfg.CheckExpirationInterval != nil {
		interval = *cfg.CheckExpirationInterval
	}
	return storage.Options{
		CheckExpirationInterval: interval,
		Expiration:              cfg.Expiration,
		DisableTouch:            cfg.DisableTouch,
		FilterExpired:           cfg.FilterExpired,
		ModelKey:                cfg.ModelKey,
		TableName:               cfg.TableName,
		AdditionalFields:        cfg.AdditionalFields,
		ConnectAttempts:         cfg.ConnectAttempts,
		Sync: storage.SyncOptions{
			Force: cfg.Sync.Force,
			Alter: cfg.Sync.Alter,
		},
	}
}

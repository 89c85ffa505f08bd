package types

import "time"

type Config struct {
	StoreType               string            `yaml:"store_type"`
	DSN                     string            `yaml:"dsn"`
	CheckExpirationInterval *time.Duration    `yaml:"check_expiration_interval"`
	Expiration              time.Duration     `yaml:"expiration"`
	DisableTouch            bool              `yaml:"disable_touch"`
	FilterExpired           bool              `yaml:"filter_expired"`
	ModelKey                string            `yaml:"model_key"`
	TableName               string            `yaml:"table_name"`
	AdditionalFields        map[string]string `yaml:"additional_fields"`
	ConnectAttempts         uint              `yaml:"connect_attempts"`
	Sync                    SyncConfig        `yaml:"sync"`
	Session                 SessionConfig     `yaml:"session"`
}

type SyncConfig struct {
	Force bool `yaml:"force"`
	Alter bool `yaml:"alter"`
}

type SessionConfig struct {
	CookieName   string `yaml:"cookie_name"`
	SecureCookie bool   `yaml:"secure_cookie"`
	CookiePath   string `yaml:"cookie_path"`
	// TrustedProxies lists the IPs or CIDRs whose X-Forwarded-For header is honoured.
	TrustedProxies []string `yaml:"trusted_proxies"`
}

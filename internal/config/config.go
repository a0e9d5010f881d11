// Package config provides configuration management for SolWatch.
// Server settings and the freshness policy come from Viper (config.yaml,
// environment, defaults); the fleet roster is a separate operator-managed
// fleet.yaml loaded with yaml.v3 (see fleet.go).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/solwatch/solwatch/internal/models"
	"github.com/solwatch/solwatch/internal/policy"
)

// CredentialSet is one vendor account's credentials; roster sites reference
// a set by name. Which fields apply depends on the vendor: SolarEdge uses
// APIKey, Enphase the OAuth quartet, Sol-Ark username/password.
type CredentialSet struct {
	APIKey       string `mapstructure:"api_key"`
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
}

// Config holds all runtime configuration for SolWatch.
type Config struct {
	// ── Server ───────────────────────────────────────────────────────────────
	ServerHost string `mapstructure:"server_host"`
	// ControlPort: dashboard REST API + websocket event stream
	ControlPort int    `mapstructure:"control_port"`
	DBPath      string `mapstructure:"db_path"`

	// ── Security ─────────────────────────────────────────────────────────────
	// JWTSecret: HS256 signing key for dashboard tokens.
	// Change this in production — default is a random-looking placeholder.
	JWTSecret string `mapstructure:"jwt_secret"`
	// AdminUser / AdminPassHash: dashboard login. The hash is bcrypt; set
	// admin_pass (plain) instead to have it hashed at startup for dev use.
	AdminUser     string `mapstructure:"admin_user"`
	AdminPass     string `mapstructure:"admin_pass"`
	AdminPassHash string `mapstructure:"admin_pass_hash"`

	// ── Fleet ────────────────────────────────────────────────────────────────
	FleetPath string `mapstructure:"fleet_path"`

	// ── Collection ───────────────────────────────────────────────────────────
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	AdapterTimeout  time.Duration `mapstructure:"adapter_timeout"`
	RefreshWorkers  int           `mapstructure:"refresh_workers"`

	// ── Freshness policy ─────────────────────────────────────────────────────
	Policy                map[string]policy.CategoryPolicy `mapstructure:"policy"`
	RateLimitedMultiplier float64                          `mapstructure:"rate_limited_multiplier"`

	// ── Vendor credentials ───────────────────────────────────────────────────
	Credentials map[string]CredentialSet `mapstructure:"credentials"`
}

// Load reads config from file (./config.yaml or ~/.solwatch/config.yaml)
// and falls back to defaults. Environment variables with prefix SOLW_
// override file values.
func Load() (*Config, error) {
	v := viper.New()

	// --- Defaults ---
	v.SetDefault("server_host", "0.0.0.0")
	v.SetDefault("control_port", 6680)
	v.SetDefault("db_path", "solwatch.db")

	// Security defaults — MUST be overridden in production via config.yaml or env vars.
	v.SetDefault("jwt_secret", "Sw7#kQ2!pX9@vN4$mB6^tZ1&cJ8*dR3")
	v.SetDefault("admin_user", "admin")
	v.SetDefault("admin_pass", "admin")

	v.SetDefault("fleet_path", "fleet.yaml")

	v.SetDefault("refresh_interval", "1m")
	v.SetDefault("adapter_timeout", "45s")
	v.SetDefault("refresh_workers", 4)
	v.SetDefault("rate_limited_multiplier", 4.0)

	// Per-category freshness defaults. Live categories churn hourly; the
	// device inventory is near-static. Scraped Sol-Ark pages are expensive,
	// so its live bounds stretch further than the REST vendors'.
	v.SetDefault("policy.production_power.max_age", "1h")
	v.SetDefault("policy.production_power.backoff_base", "2m")
	v.SetDefault("policy.production_power.backoff_cap", "1h")
	v.SetDefault("policy.production_power.vendor_max_age.SA", "2h")

	v.SetDefault("policy.battery_soc.max_age", "4h")
	v.SetDefault("policy.battery_soc.backoff_base", "5m")
	v.SetDefault("policy.battery_soc.backoff_cap", "2h")

	v.SetDefault("policy.communication_status.max_age", "1h")
	v.SetDefault("policy.communication_status.backoff_base", "2m")
	v.SetDefault("policy.communication_status.backoff_cap", "1h")

	v.SetDefault("policy.alert_list.max_age", "2h")
	v.SetDefault("policy.alert_list.backoff_base", "5m")
	v.SetDefault("policy.alert_list.backoff_cap", "2h")

	v.SetDefault("policy.device_inventory.max_age", "720h") // ~1 month
	v.SetDefault("policy.device_inventory.backoff_base", "30m")
	v.SetDefault("policy.device_inventory.backoff_cap", "24h")

	// --- Config file ---
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.solwatch")
	if err := v.ReadInConfig(); err != nil {
		// config file is optional; ignore "not found" errors
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	// --- Environment Variables ---
	v.SetEnvPrefix("SOLW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// BuildPolicy converts the raw policy section into a validated table.
// Unknown category names and missing entries both fail here, at startup.
func (c *Config) BuildPolicy() (*policy.Table, error) {
	categories := make(map[models.Category]policy.CategoryPolicy, len(c.Policy))
	for name, p := range c.Policy {
		cat, err := models.ParseCategory(name)
		if err != nil {
			return nil, fmt.Errorf("policy config: %w", err)
		}
		// Viper lowercases map keys; vendor codes are upper-case.
		if len(p.VendorMaxAge) > 0 {
			byVendor := make(map[string]time.Duration, len(p.VendorMaxAge))
			for vendor, age := range p.VendorMaxAge {
				byVendor[strings.ToUpper(vendor)] = age
			}
			p.VendorMaxAge = byVendor
		}
		categories[cat] = p
	}
	return policy.New(categories, c.RateLimitedMultiplier)
}

// Credential returns the named credential set or an error naming the
// missing reference — a roster typo fails startup, not a fetch.
func (c *Config) Credential(ref string) (CredentialSet, error) {
	set, ok := c.Credentials[ref]
	if !ok {
		return CredentialSet{}, fmt.Errorf("credential set %q not defined in config", ref)
	}
	return set, nil
}

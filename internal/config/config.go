package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

type Config struct {
	DBSource    string
	StoreDriver string
	Port        string
	Env         string

	LedgerURL       string
	LedgerRPS       float64
	MerchantAccount string
	PrimarySymbol   string
	SecondarySymbol string

	PollInterval     time.Duration
	ReminderInterval time.Duration
	PromotionWindow  time.Duration
	Location         *time.Location
	LeaseKey         int64

	// CatalogPath points at the YAML menu snapshot. Empty means an empty menu.
	CatalogPath string
}

func newViper() *viper.Viper {
	v := viper.New()
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	v.SetDefault("store_driver", DriverPostgres)
	v.SetDefault("server_port", "8080")
	v.SetDefault("environment", "development")
	v.SetDefault("ledger_url", "http://localhost:5000")
	v.SetDefault("ledger_rps", 2.0)
	v.SetDefault("primary_symbol", "HBD")
	v.SetDefault("secondary_symbol", "EURO")
	v.SetDefault("poll_interval", "5s")
	v.SetDefault("reminder_interval", "30s")
	v.SetDefault("promotion_window", "30m")
	v.SetDefault("timezone", "Local")
	v.SetDefault("lease_key", 7340001)
	return v
}

func Load() (*Config, error) {
	v := newViper()

	cfg := &Config{
		DBSource:         v.GetString("db_source"),
		StoreDriver:      v.GetString("store_driver"),
		Port:             v.GetString("server_port"),
		Env:              v.GetString("environment"),
		LedgerURL:        v.GetString("ledger_url"),
		LedgerRPS:        v.GetFloat64("ledger_rps"),
		MerchantAccount:  v.GetString("merchant_account"),
		PrimarySymbol:    v.GetString("primary_symbol"),
		SecondarySymbol:  v.GetString("secondary_symbol"),
		PollInterval:     v.GetDuration("poll_interval"),
		ReminderInterval: v.GetDuration("reminder_interval"),
		PromotionWindow:  v.GetDuration("promotion_window"),
		LeaseKey:         v.GetInt64("lease_key"),
		CatalogPath:      v.GetString("catalog_path"),
	}

	switch cfg.StoreDriver {
	case DriverPostgres:
		if cfg.DBSource == "" {
			return nil, fmt.Errorf("DB_SOURCE environment variable is required")
		}
	case DriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", DriverPostgres, DriverMemory, cfg.StoreDriver)
	}
	if cfg.MerchantAccount == "" {
		return nil, fmt.Errorf("MERCHANT_ACCOUNT environment variable is required")
	}
	if cfg.PollInterval <= 0 || cfg.ReminderInterval <= 0 || cfg.PromotionWindow <= 0 {
		return nil, fmt.Errorf("POLL_INTERVAL, REMINDER_INTERVAL and PROMOTION_WINDOW must be positive durations")
	}
	if cfg.LedgerRPS <= 0 {
		return nil, fmt.Errorf("LEDGER_RPS must be positive")
	}

	loc, err := time.LoadLocation(v.GetString("timezone"))
	if err != nil {
		return nil, fmt.Errorf("invalid TIMEZONE: %w", err)
	}
	cfg.Location = loc

	return cfg, nil
}

// Symbols lists the accepted settlement units, primary first.
func (c *Config) Symbols() []string {
	if c.SecondarySymbol == "" {
		return []string{c.PrimarySymbol}
	}
	return []string{c.PrimarySymbol, c.SecondarySymbol}
}

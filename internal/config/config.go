package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/clock"
	"github.com/dingzeyu1029/CurrencySpot-sub001/internal/domain/model"

	"github.com/spf13/viper"
)

var ErrInvalidConfig = errors.New("invalid configuration")

type Config struct {
	Server       ServerConfig
	ExchangeAPI  ExchangeAPIConfig
	Policy       PolicyConfig
	Storage      StorageConfig
	Redis        RedisConfig
	Sync         SyncConfig
	Connectivity ConnectivityConfig
	LogLevel     string
}

type ServerConfig struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type ExchangeAPIConfig struct {
	BaseURL         string
	BaseCurrency    model.Currency
	Timeout         time.Duration
	RefreshRate     time.Duration
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

type PolicyConfig struct {
	Timezone      string
	CutoverHour   int
	CutoverMinute int
	PreWeekendDay string
}

type StorageConfig struct {
	SQLitePath string
}

// RedisConfig selects the fetch cursor backend. An empty Addr keeps the
// cursor in memory.
type RedisConfig struct {
	Addr      string
	Password  string
	DB        int
	CursorKey string
}

type SyncConfig struct {
	MaxHistoryDays int
	DemoMode       bool
}

type ConnectivityConfig struct {
	ProbeAddr     string
	ProbeInterval time.Duration
}

var defaults = map[string]any{
	"server_port":          8080,
	"server_read_timeout":  5 * time.Second,
	"server_write_timeout": 10 * time.Second,
	"server_idle_timeout":  120 * time.Second,

	"exchange_api_base_url":         "https://api.frankfurter.app",
	"exchange_api_base_currency":    "USD",
	"exchange_api_timeout":          10 * time.Second,
	"exchange_api_refresh_rate":     15 * time.Minute,
	"exchange_api_breaker_failures": 5,
	"exchange_api_breaker_timeout":  30 * time.Second,

	"policy_timezone":        "Europe/Berlin",
	"policy_cutover_hour":    16,
	"policy_cutover_minute":  0,
	"policy_pre_weekend_day": "friday",

	"storage_sqlite_path": "data/rates.db",

	"redis_addr":       "",
	"redis_password":   "",
	"redis_db":         0,
	"redis_cursor_key": "currencyspot:fetch_cursor",

	"sync_max_history_days": 365,
	"sync_demo_mode":        false,

	"connectivity_probe_addr":     "api.frankfurter.app:443",
	"connectivity_probe_interval": 30 * time.Second,

	"log_level": "info",
}

// LoadConfig reads environment variables, optionally layered over the file
// named by CONFIG_FILE. Environment always wins.
func LoadConfig() (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port:         v.GetInt("server_port"),
			ReadTimeout:  v.GetDuration("server_read_timeout"),
			WriteTimeout: v.GetDuration("server_write_timeout"),
			IdleTimeout:  v.GetDuration("server_idle_timeout"),
		},
		ExchangeAPI: ExchangeAPIConfig{
			BaseURL:         v.GetString("exchange_api_base_url"),
			BaseCurrency:    model.ParseCurrency(v.GetString("exchange_api_base_currency")),
			Timeout:         v.GetDuration("exchange_api_timeout"),
			RefreshRate:     v.GetDuration("exchange_api_refresh_rate"),
			BreakerFailures: v.GetUint32("exchange_api_breaker_failures"),
			BreakerTimeout:  v.GetDuration("exchange_api_breaker_timeout"),
		},
		Policy: PolicyConfig{
			Timezone:      v.GetString("policy_timezone"),
			CutoverHour:   v.GetInt("policy_cutover_hour"),
			CutoverMinute: v.GetInt("policy_cutover_minute"),
			PreWeekendDay: v.GetString("policy_pre_weekend_day"),
		},
		Storage: StorageConfig{
			SQLitePath: v.GetString("storage_sqlite_path"),
		},
		Redis: RedisConfig{
			Addr:      v.GetString("redis_addr"),
			Password:  v.GetString("redis_password"),
			DB:        v.GetInt("redis_db"),
			CursorKey: v.GetString("redis_cursor_key"),
		},
		Sync: SyncConfig{
			MaxHistoryDays: v.GetInt("sync_max_history_days"),
			DemoMode:       v.GetBool("sync_demo_mode"),
		},
		Connectivity: ConnectivityConfig{
			ProbeAddr:     v.GetString("connectivity_probe_addr"),
			ProbeInterval: v.GetDuration("connectivity_probe_interval"),
		},
		LogLevel: v.GetString("log_level"),
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("SERVER_PORT %d out of range", c.Server.Port))
	}
	if !c.ExchangeAPI.BaseCurrency.IsSupported() {
		errs = append(errs, fmt.Errorf("EXCHANGE_API_BASE_CURRENCY %q is not supported", c.ExchangeAPI.BaseCurrency))
	}
	if c.ExchangeAPI.Timeout <= 0 {
		errs = append(errs, errors.New("EXCHANGE_API_TIMEOUT must be positive"))
	}
	if c.ExchangeAPI.RefreshRate <= 0 {
		errs = append(errs, errors.New("EXCHANGE_API_REFRESH_RATE must be positive"))
	}
	if !c.Sync.DemoMode && strings.TrimSpace(c.ExchangeAPI.BaseURL) == "" {
		errs = append(errs, errors.New("EXCHANGE_API_BASE_URL is required outside demo mode"))
	}
	if c.Sync.MaxHistoryDays <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_HISTORY_DAYS must be positive"))
	}
	if _, err := c.Policy.ClockConfig(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// ClockConfig converts the policy settings and checks them by building a
// policy once.
func (p PolicyConfig) ClockConfig() (clock.Config, error) {
	day, err := clock.ParseWeekday(p.PreWeekendDay)
	if err != nil {
		return clock.Config{}, err
	}

	cfg := clock.DefaultConfig()
	cfg.Timezone = p.Timezone
	cfg.CutoverHour = p.CutoverHour
	cfg.CutoverMinute = p.CutoverMinute
	cfg.PreWeekendDay = day

	if _, err := clock.NewPolicy(cfg); err != nil {
		return clock.Config{}, err
	}
	return cfg, nil
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"usage-sync/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Octopus   OctopusConfig   `mapstructure:"octopus"`
	Import    ImportConfig    `mapstructure:"import"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// OctopusConfig covers billing API access and meter identity.
type OctopusConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	APIKey            string        `mapstructure:"api_key"`
	AccountNumber     string        `mapstructure:"account_number"`
	MPAN              string        `mapstructure:"mpan"`
	ElectricitySerial string        `mapstructure:"electricity_serial"`
	MPRN              string        `mapstructure:"mprn"`
	GasSerial         string        `mapstructure:"gas_serial"`
	PageSize          int           `mapstructure:"page_size"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	UserAgent         string        `mapstructure:"user_agent"`
}

// ImportConfig tunes the usage importer.
type ImportConfig struct {
	BackfillDays    int    `mapstructure:"backfill_days"`
	RateWindowDays  int    `mapstructure:"rate_window_days"`
	PaymentMethod   string `mapstructure:"payment_method"`
	AdvisoryLockKey int64  `mapstructure:"advisory_lock_key"`
}

// AuditConfig tunes reconciliation tolerances and retry discipline.
type AuditConfig struct {
	ElectricToleranceKWh float64       `mapstructure:"electric_tolerance_kwh"`
	GasTolerancePct      float64       `mapstructure:"gas_tolerance_pct"`
	GasFailPct           float64       `mapstructure:"gas_fail_pct"`
	OutlierKWh           float64       `mapstructure:"outlier_kwh"`
	OutlierPct           float64       `mapstructure:"outlier_pct"`
	CVMin                float64       `mapstructure:"cv_min"`
	CVMax                float64       `mapstructure:"cv_max"`
	CVDefault            float64       `mapstructure:"cv_default"`
	CVExplainablePct     float64       `mapstructure:"cv_explainable_pct"`
	RetryAttempts        int           `mapstructure:"retry_attempts"`
	RetryBaseDelay       time.Duration `mapstructure:"retry_base_delay"`
	CriticalFailures     int           `mapstructure:"critical_failures"`
	SpotSamples          int           `mapstructure:"spot_samples"`
	SpotSeed             int64         `mapstructure:"spot_seed"`
	LogPath              string        `mapstructure:"log_path"`
	NotifyUncertain      bool          `mapstructure:"notify_uncertain"`
}

// SchedulerConfig governs the rolling-import cadence of the run command.
type SchedulerConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	AlignToBucket bool          `mapstructure:"align_to_bucket"`
	StartupDelay  time.Duration `mapstructure:"startup_delay"`
}

// AlertingConfig defines audit notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("USAGESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "usage-sync")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")

	v.SetDefault("octopus.base_url", "https://api.octopus.energy/v1")
	v.SetDefault("octopus.page_size", 1500)
	v.SetDefault("octopus.request_timeout", "30s")
	v.SetDefault("octopus.user_agent", "usage-sync/1.0")

	v.SetDefault("import.backfill_days", 14)
	v.SetDefault("import.rate_window_days", 30)
	v.SetDefault("import.advisory_lock_key", int64(0x75736167))

	v.SetDefault("audit.electric_tolerance_kwh", 0.011)
	v.SetDefault("audit.gas_tolerance_pct", 12.0)
	v.SetDefault("audit.gas_fail_pct", 25.0)
	v.SetDefault("audit.outlier_kwh", 10.0)
	v.SetDefault("audit.outlier_pct", 75.0)
	v.SetDefault("audit.cv_min", 9.0)
	v.SetDefault("audit.cv_max", 12.5)
	v.SetDefault("audit.cv_default", 11.1)
	v.SetDefault("audit.cv_explainable_pct", 1.0)
	v.SetDefault("audit.retry_attempts", 4)
	v.SetDefault("audit.retry_base_delay", "2s")
	v.SetDefault("audit.critical_failures", 3)
	v.SetDefault("audit.spot_samples", 20)
	v.SetDefault("audit.spot_seed", int64(1))
	v.SetDefault("audit.log_path", "audit.log")

	v.SetDefault("scheduler.interval", "24h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Import.BackfillDays < 0 {
		return fmt.Errorf("import.backfill_days cannot be negative")
	}
	if c.Import.RateWindowDays <= 0 {
		return fmt.Errorf("import.rate_window_days must be greater than zero")
	}
	if c.Audit.ElectricToleranceKWh < 0 {
		return fmt.Errorf("audit.electric_tolerance_kwh cannot be negative")
	}
	if c.Audit.GasTolerancePct < 0 || c.Audit.GasFailPct < c.Audit.GasTolerancePct {
		return fmt.Errorf("audit.gas_fail_pct must be at least audit.gas_tolerance_pct")
	}
	if c.Audit.CVMin <= 0 || c.Audit.CVMax < c.Audit.CVMin {
		return fmt.Errorf("audit.cv_min/cv_max must form a positive range")
	}
	if c.Audit.RetryAttempts <= 0 {
		return fmt.Errorf("audit.retry_attempts must be greater than zero")
	}
	if c.Audit.SpotSamples <= 0 {
		return fmt.Errorf("audit.spot_samples must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Storage       StorageConfig      `mapstructure:"storage"`
	Scheduler     SchedulerConfig    `mapstructure:"scheduler"`
	Dispatcher    DispatcherConfig   `mapstructure:"dispatcher"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Preferences   PreferencesConfig  `mapstructure:"preferences"`
	Server        ServerConfig       `mapstructure:"server"`
	Logging       LoggingConfig      `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
	InstanceID  string `mapstructure:"instance_id"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
	RetentionDays    int           `mapstructure:"retention_days"`
}

// SchedulerConfig controls how often each pass runs.
type SchedulerConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	AlertInterval     time.Duration `mapstructure:"alert_interval"`
	PriceDropInterval time.Duration `mapstructure:"price_drop_interval"`
	SafetyMargin      time.Duration `mapstructure:"safety_margin"`
	UseStoreLease     bool          `mapstructure:"use_store_lease"`
	RunOnStart        bool          `mapstructure:"run_on_start"`
}

// DispatcherConfig tunes a single dispatch pass.
type DispatcherConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxMatchesPerRule int           `mapstructure:"max_matches_per_rule"`
	MaxLookback       time.Duration `mapstructure:"max_lookback"`
	SnapshotLimit     int           `mapstructure:"snapshot_limit"`
	SnapshotRetries   int           `mapstructure:"snapshot_retries"`
	DeferredBatch     int           `mapstructure:"deferred_batch"`
	ClaimStaleAfter   time.Duration `mapstructure:"claim_stale_after"`
}

// NotificationConfig contains notification system configuration
type NotificationConfig struct {
	RetryAttempts int           `mapstructure:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay time.Duration `mapstructure:"max_retry_delay"`
	SendTimeout   time.Duration `mapstructure:"send_timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	RateBurst     int           `mapstructure:"rate_burst"`
	BaseURL       string        `mapstructure:"base_url"`
	Email         EmailConfig   `mapstructure:"email"`
	Discord       DiscordConfig `mapstructure:"discord"`
	SMS           SMSConfig     `mapstructure:"sms"`
	Push          PushConfig    `mapstructure:"push"`
}

// EmailConfig configures the SMTP relay.
type EmailConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	SMTPHost  string `mapstructure:"smtp_host"`
	SMTPPort  int    `mapstructure:"smtp_port"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	FromEmail string `mapstructure:"from_email"`
	FromName  string `mapstructure:"from_name"`
	UseTLS    bool   `mapstructure:"use_tls"`
}

// DiscordConfig configures Discord webhook delivery.
type DiscordConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Username  string `mapstructure:"username"`
	AvatarURL string `mapstructure:"avatar_url"`
}

// SMSConfig configures the telephony provider.
type SMSConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	APIURL     string `mapstructure:"api_url"`
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

// PushConfig configures the push gateway.
type PushConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	GatewayURL  string `mapstructure:"gateway_url"`
	AccessToken string `mapstructure:"access_token"`
}

// PreferencesConfig holds defaults for users without saved preferences.
type PreferencesConfig struct {
	DefaultMaxPerDay int `mapstructure:"default_max_per_day"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix("DEAL_ALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Conventional platform variables override the prefixed ones.
	_ = v.BindEnv("storage.connection_string", "DATABASE_URL", "DEAL_ALERTS_STORAGE_CONNECTION_STRING")
	_ = v.BindEnv("server.port", "PORT", "DEAL_ALERTS_SERVER_PORT")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configPath != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if config.App.InstanceID == "" {
		host, _ := os.Hostname()
		config.App.InstanceID = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "deal-alerts")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/alerts.db")
	v.SetDefault("storage.max_connections", 25)
	v.SetDefault("storage.max_idle_time", "15m")
	v.SetDefault("storage.retention_days", 90)

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.alert_interval", "30m")
	v.SetDefault("scheduler.price_drop_interval", "1h")
	v.SetDefault("scheduler.safety_margin", "2m")
	v.SetDefault("scheduler.use_store_lease", false)
	v.SetDefault("scheduler.run_on_start", false)

	v.SetDefault("dispatcher.workers", 16)
	v.SetDefault("dispatcher.max_matches_per_rule", 100)
	v.SetDefault("dispatcher.max_lookback", "168h")
	v.SetDefault("dispatcher.snapshot_limit", 5000)
	v.SetDefault("dispatcher.snapshot_retries", 3)
	v.SetDefault("dispatcher.deferred_batch", 500)
	v.SetDefault("dispatcher.claim_stale_after", "10m")

	v.SetDefault("notifications.retry_attempts", 3)
	v.SetDefault("notifications.retry_delay", "1s")
	v.SetDefault("notifications.max_retry_delay", "30s")
	v.SetDefault("notifications.send_timeout", "10s")
	v.SetDefault("notifications.rate_per_second", 10.0)
	v.SetDefault("notifications.rate_burst", 5)
	v.SetDefault("notifications.email.smtp_port", 587)
	v.SetDefault("notifications.email.from_name", "Deal Alerts")
	v.SetDefault("notifications.email.use_tls", true)
	v.SetDefault("notifications.discord.enabled", true)
	v.SetDefault("notifications.discord.username", "Deal Alerts")
	v.SetDefault("notifications.sms.api_url", "https://api.twilio.com/2010-04-01")
	v.SetDefault("notifications.push.gateway_url", "https://exp.host/--/api/v2/push/send")

	v.SetDefault("preferences.default_max_per_day", 10)

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch strings.ToLower(c.Storage.Type) {
	case "sqlite", "postgres", "postgresql":
	default:
		return fmt.Errorf("unsupported storage type %q", c.Storage.Type)
	}
	if c.Storage.ConnectionString == "" {
		return fmt.Errorf("storage connection string is required")
	}
	if c.Scheduler.AlertInterval <= 0 || c.Scheduler.PriceDropInterval <= 0 {
		return fmt.Errorf("scheduler intervals must be positive")
	}
	if c.Scheduler.SafetyMargin < 0 {
		return fmt.Errorf("scheduler safety margin must not be negative")
	}
	if c.Scheduler.SafetyMargin >= c.Scheduler.AlertInterval || c.Scheduler.SafetyMargin >= c.Scheduler.PriceDropInterval {
		return fmt.Errorf("scheduler safety margin must be shorter than every pass interval")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher workers must be positive")
	}
	if c.Dispatcher.MaxMatchesPerRule <= 0 {
		return fmt.Errorf("dispatcher max matches per rule must be positive")
	}
	if c.Notifications.RetryAttempts <= 0 {
		return fmt.Errorf("notification retry attempts must be positive")
	}
	if c.Notifications.SendTimeout <= 0 {
		return fmt.Errorf("notification send timeout must be positive")
	}
	if c.Notifications.Email.Enabled && (c.Notifications.Email.SMTPHost == "" || c.Notifications.Email.FromEmail == "") {
		return fmt.Errorf("email notifications require smtp_host and from_email")
	}
	if c.Notifications.SMS.Enabled && (c.Notifications.SMS.AccountSID == "" || c.Notifications.SMS.AuthToken == "" || c.Notifications.SMS.FromNumber == "") {
		return fmt.Errorf("sms notifications require account_sid, auth_token and from_number")
	}
	if c.Notifications.Push.Enabled && c.Notifications.Push.GatewayURL == "" {
		return fmt.Errorf("push notifications require gateway_url")
	}
	if c.Preferences.DefaultMaxPerDay < 0 {
		return fmt.Errorf("default max per day must not be negative")
	}
	return nil
}

// PassDeadline is the time budget of one pass scheduled every interval.
func (c *SchedulerConfig) PassDeadline(interval time.Duration) time.Duration {
	return interval - c.SafetyMargin
}

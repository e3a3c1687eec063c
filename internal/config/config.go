package config

import (
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type HTTPConfig struct {
	Addr string `mapstructure:"addr"`
}

type DatabaseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_minutes"`
}

type PayPlusConfig struct {
	APIKey         string `mapstructure:"api_key"`
	SecretKey      string `mapstructure:"secret_key"`
	BaseURL        string `mapstructure:"base_url"`
	PaymentPageUID string `mapstructure:"payment_page_uid"`
	UseMock        bool   `mapstructure:"use_mock"`
}

type WebhookConfig struct {
	// Relay source value that bypasses signature verification. Relayed
	// events were re-signed upstream and arrive without the gateway hash.
	RelaySource string `mapstructure:"relay_source"`
}

type BillingConfig struct {
	// Days a fresh subscription may run without a recurring_uid before
	// access checks stop giving it the benefit of the doubt.
	GracePeriodDays      int `mapstructure:"grace_period_days"`
	VerificationTTLHours int `mapstructure:"verification_ttl_hours"`
	TrialDays            int `mapstructure:"trial_days"`
	MaxPaymentFailures   int `mapstructure:"max_payment_failures"`
	DateDriftDays        int `mapstructure:"date_drift_days"`
	OverdueSuspendDays   int `mapstructure:"overdue_suspend_days"`
}

type CronConfig struct {
	Secret        string `mapstructure:"secret"`
	SyncBatchSize int    `mapstructure:"sync_batch_size"`
	RunHourUTC    int    `mapstructure:"run_hour_utc"`
}

type MailConfig struct {
	APIURL string `mapstructure:"api_url"`
	APIKey string `mapstructure:"api_key"`
	From   string `mapstructure:"from"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	LogLevel     string `mapstructure:"log_level"`
}

type Config struct {
	HTTP      HTTPConfig      `mapstructure:"http"`
	Database  DatabaseConfig  `mapstructure:"database"`
	PayPlus   PayPlusConfig   `mapstructure:"payplus"`
	Webhook   WebhookConfig   `mapstructure:"webhook"`
	Billing   BillingConfig   `mapstructure:"billing"`
	Cron      CronConfig      `mapstructure:"cron"`
	Mail      MailConfig      `mapstructure:"mail"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// Load reads configuration from an optional clearpoint.yaml plus environment
// variables (CLEARPOINT_DATABASE_DSN, CLEARPOINT_PAYPLUS_API_KEY, ...).
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("clearpoint")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/clearpoint")

	v.SetEnvPrefix("CLEARPOINT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime_minutes", 30)
	v.SetDefault("payplus.base_url", "https://restapi.payplus.co.il/api/v1.0")
	v.SetDefault("webhook.relay_source", "zapier")
	v.SetDefault("billing.grace_period_days", 7)
	v.SetDefault("billing.verification_ttl_hours", 24)
	v.SetDefault("billing.trial_days", 14)
	v.SetDefault("billing.max_payment_failures", 3)
	v.SetDefault("billing.date_drift_days", 2)
	v.SetDefault("billing.overdue_suspend_days", 7)
	v.SetDefault("cron.sync_batch_size", 50)
	v.SetDefault("cron.run_hour_utc", 3)
	v.SetDefault("redis.db", 0)
	v.SetDefault("telemetry.log_level", "info")
}

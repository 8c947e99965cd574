package config

import (
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	Port        string `mapstructure:"port"`
	PublicURL   string `mapstructure:"public_url"`
	LogLevel    string `mapstructure:"log_level"`

	// Signing secret for interactive action tokens embedded in notifications.
	ActionTokenSecret string `mapstructure:"action_token_secret"`

	Workers WorkersConfig `mapstructure:"workers"`

	// Push relay (optional): forwards push notifications through a hosted
	// gateway when direct FCM credentials are not available.
	PushGateway PushGatewayConfig `mapstructure:"push_gateway"`

	SMTP     SMTPConfig     `mapstructure:"smtp"`
	Twilio   TwilioConfig   `mapstructure:"twilio"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// SMTPConfig configures the email channel.
type SMTPConfig struct {
	Server   string `mapstructure:"server"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

// TwilioConfig backs the sms and voice channels.
type TwilioConfig struct {
	AccountSID string `mapstructure:"account_sid"`
	AuthToken  string `mapstructure:"auth_token"`
	FromNumber string `mapstructure:"from_number"`
}

// TelegramConfig backs the chat channel. RatePerSecond bounds outbound
// messages so a paging storm does not trip the bot API limits.
type TelegramConfig struct {
	BotToken      string `mapstructure:"bot_token"`
	RatePerSecond int    `mapstructure:"rate_per_second"`
}

// WorkersConfig tunes the per-job-type worker pools. Concurrency is an
// explicit resource limit, never unbounded.
type WorkersConfig struct {
	EscalationConcurrency int `mapstructure:"escalation_concurrency"`
	WorkflowConcurrency   int `mapstructure:"workflow_concurrency"`
	ChannelTimeoutSeconds int `mapstructure:"channel_timeout_seconds"`
}

type PushGatewayConfig struct {
	URL        string `mapstructure:"url"`
	InstanceID string `mapstructure:"instance_id"`
	APIToken   string `mapstructure:"api_token"`
}

// App holds the global config instance.
var App Config

// LoadConfig loads configuration from file and environment variables.
func LoadConfig(path string) error {
	// Auto-load .env if present so `go run` works without exporting vars.
	// Missing .env is fine (Docker / production).
	if err := godotenv.Load(); err == nil {
		log.Println("Loaded .env file")
	}

	v := viper.New()

	v.SetDefault("port", "8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("workers.escalation_concurrency", 4)
	v.SetDefault("workers.workflow_concurrency", 2)
	v.SetDefault("workers.channel_timeout_seconds", 10)
	v.SetDefault("smtp.port", 587)
	v.SetDefault("telegram.rate_per_second", 25)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		v.SetConfigName("dev.config")
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix("pagemesh")

	// Bind standard environment variables (Docker/deploy compatibility).
	_ = v.BindEnv("database_url", "DATABASE_URL")
	_ = v.BindEnv("redis_url", "REDIS_URL")
	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("public_url", "PUBLIC_URL")
	_ = v.BindEnv("log_level", "LOG_LEVEL")
	_ = v.BindEnv("action_token_secret", "ACTION_TOKEN_SECRET")

	_ = v.BindEnv("workers.escalation_concurrency", "ESCALATION_CONCURRENCY")
	_ = v.BindEnv("workers.workflow_concurrency", "WORKFLOW_CONCURRENCY")
	_ = v.BindEnv("workers.channel_timeout_seconds", "CHANNEL_TIMEOUT_SECONDS")

	_ = v.BindEnv("push_gateway.url", "PUSH_GATEWAY_URL")
	_ = v.BindEnv("push_gateway.api_token", "PUSH_GATEWAY_TOKEN")
	_ = v.BindEnv("push_gateway.instance_id", "PUSH_GATEWAY_INSTANCE_ID")

	_ = v.BindEnv("smtp.server", "SMTP_SERVER")
	_ = v.BindEnv("smtp.port", "SMTP_PORT")
	_ = v.BindEnv("smtp.username", "SMTP_USERNAME")
	_ = v.BindEnv("smtp.password", "SMTP_PASSWORD")
	_ = v.BindEnv("smtp.from", "SMTP_FROM")

	_ = v.BindEnv("twilio.account_sid", "TWILIO_ACCOUNT_SID")
	_ = v.BindEnv("twilio.auth_token", "TWILIO_AUTH_TOKEN")
	_ = v.BindEnv("twilio.from_number", "TWILIO_FROM_NUMBER")

	_ = v.BindEnv("telegram.bot_token", "TELEGRAM_BOT_TOKEN")
	_ = v.BindEnv("telegram.rate_per_second", "TELEGRAM_RATE_PER_SECOND")

	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			log.Println("No config file found, using defaults and environment variables")
		} else {
			return err
		}
	} else {
		log.Printf("Loaded config from: %s", v.ConfigFileUsed())
	}

	if err := v.Unmarshal(&App); err != nil {
		return err
	}

	// Backfill env vars for code paths that still read os.Getenv directly.
	setEnvIfEmpty("DATABASE_URL", App.DatabaseURL)
	setEnvIfEmpty("REDIS_URL", App.RedisURL)
	setEnvIfEmpty("PORT", App.Port)

	return nil
}

func setEnvIfEmpty(key, value string) {
	if value != "" && os.Getenv(key) == "" {
		os.Setenv(key, value)
	}
}

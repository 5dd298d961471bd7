// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Email providers
const (
	EmailProviderSES  = "ses"
	EmailProviderSMTP = "smtp"
	EmailProviderLog  = "log"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"courier"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"courier"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`

	// Redis. Disabling it makes locks fail open and turns off rate limiting.
	RedisEnabled  bool   `env:"REDIS_ENABLED" envDefault:"true"`
	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     int    `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	// AWS services. An empty SQS_QUEUE_URL selects the in-process queue.
	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`
	AWSEndpoint string `env:"AWS_ENDPOINT_URL"`
	SQSQueueURL string `env:"SQS_QUEUE_URL"`
	SQSDLQURL   string `env:"SQS_DLQ_URL"`
	SNSTopicARN string `env:"SNS_TOPIC_ARN"`

	// Email
	EmailProvider string        `env:"EMAIL_PROVIDER" envDefault:"log"`
	EmailSubject  string        `env:"EMAIL_SUBJECT" envDefault:"Notification"`
	SESFromEmail  string        `env:"SES_FROM_EMAIL" envDefault:"noreply@courier.local"`
	SMTPHost      string        `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort      int           `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername  string        `env:"SMTP_USERNAME"`
	SMTPPassword  string        `env:"SMTP_PASSWORD"`
	SMTPFrom      string        `env:"SMTP_FROM" envDefault:"noreply@courier.local"`
	SMTPTimeout   time.Duration `env:"SMTP_TIMEOUT" envDefault:"10s"`

	// Telegram. Without a token Telegram recipients fail delivery.
	TelegramBotToken   string        `env:"TELEGRAM_BOT_TOKEN"`
	TelegramAPIURL     string        `env:"TELEGRAM_API_URL"`
	TelegramRatePerSec int           `env:"TELEGRAM_RATE_PER_SEC" envDefault:"25"`
	TelegramTimeout    time.Duration `env:"TELEGRAM_TIMEOUT" envDefault:"10s"`

	// Delivery
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"300s"`
	RetryMax       int           `env:"RETRY_MAX" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"60s"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"600s"`
	WorkerCount    int           `env:"WORKER_COUNT" envDefault:"4"`

	// Per-IP API rate limit
	RateLimitRequests int           `env:"RATE_LIMIT_REQUESTS" envDefault:"100"`
	RateLimitWindow   time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"1m"`
}

// Load reads an optional .env file, then the environment.
func Load() (*Config, error) {
	// A missing .env file is normal outside local development.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFrom parses cfg from the given variables instead of the process
// environment.
func LoadFrom(vars map[string]string) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, env.Options{Environment: vars}); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT: %d", c.Port))
	}
	switch c.EmailProvider {
	case EmailProviderSES, EmailProviderSMTP, EmailProviderLog:
	default:
		errs = append(errs, fmt.Errorf("invalid EMAIL_PROVIDER: %q", c.EmailProvider))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, errors.New("LOCK_TTL must be positive"))
	}
	if c.RetryMax < 0 {
		errs = append(errs, errors.New("RETRY_MAX must not be negative"))
	}
	if c.RetryBaseDelay <= 0 || c.RetryMaxDelay < c.RetryBaseDelay {
		errs = append(errs, errors.New("RETRY_BASE_DELAY must be positive and not exceed RETRY_MAX_DELAY"))
	}
	if c.WorkerCount <= 0 {
		errs = append(errs, errors.New("WORKER_COUNT must be positive"))
	}
	if c.RateLimitRequests <= 0 || c.RateLimitWindow <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be positive"))
	}
	if c.TelegramRatePerSec < 0 {
		errs = append(errs, errors.New("TELEGRAM_RATE_PER_SEC must not be negative"))
	}

	return errors.Join(errs...)
}

// IsProduction reports whether ENV is production.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

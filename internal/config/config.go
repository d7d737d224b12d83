package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	MailTransportSES = "ses"
	MailTransportLog = "log"
)

type Config struct {
	Port     int
	LogLevel string
	Env      string

	// Database
	DBHost     string
	DBPort     int
	DBUser     string
	DBPassword string
	DBName     string
	DBSSLMode  string

	// Redis backs idempotency, rate limiting and the recipient lock.
	// RedisEnabled=false runs with an in-process lock and neither of the others.
	RedisEnabled  bool
	RedisHost     string
	RedisPort     int
	RedisPassword string
	RedisDB       int

	// Transport
	AWSRegion     string
	SESFromEmail  string
	MailTransport string
	SMSEnabled    bool
	SNSRegion     string

	// Dispatch
	DispatchConcurrency    int
	RecipientLockTTL       time.Duration
	RateLimitPerMinute     int
	MailBreakerMaxFailures int
	MailBreakerRecovery    time.Duration

	// Layout defaults applied to every rendered email.
	BrandName        string
	BrandColor       string
	BrandAccentColor string
	BrandLogoURL     string
	BrandFooterText  string
}

// Load reads configuration from environment variables over defaults.
func Load() (*Config, error) {
	cfg := &Config{
		Port:     8080,
		LogLevel: "info",
		Env:      "development",

		DBHost:    "localhost",
		DBPort:    5432,
		DBUser:    "flota",
		DBName:    "flota",
		DBSSLMode: "disable",

		RedisEnabled: true,
		RedisHost:    "localhost",
		RedisPort:    6379,

		AWSRegion:     "us-east-1",
		SESFromEmail:  "notificaciones@flota.local",
		MailTransport: MailTransportSES,

		DispatchConcurrency:    1,
		RecipientLockTTL:       30 * time.Second,
		RateLimitPerMinute:     120,
		MailBreakerMaxFailures: 5,
		MailBreakerRecovery:    30 * time.Second,

		BrandName: "Flota",
	}

	var err error

	if cfg.Port, err = envInt("PORT", cfg.Port); err != nil {
		return nil, err
	}
	cfg.LogLevel = envString("LOG_LEVEL", cfg.LogLevel)
	cfg.Env = envString("ENV", cfg.Env)

	cfg.DBHost = envString("DB_HOST", cfg.DBHost)
	if cfg.DBPort, err = envInt("DB_PORT", cfg.DBPort); err != nil {
		return nil, err
	}
	cfg.DBUser = envString("DB_USER", cfg.DBUser)
	cfg.DBPassword = envString("DB_PASSWORD", cfg.DBPassword)
	cfg.DBName = envString("DB_NAME", cfg.DBName)
	cfg.DBSSLMode = envString("DB_SSLMODE", cfg.DBSSLMode)

	if cfg.RedisEnabled, err = envBool("REDIS_ENABLED", cfg.RedisEnabled); err != nil {
		return nil, err
	}
	cfg.RedisHost = envString("REDIS_HOST", cfg.RedisHost)
	if cfg.RedisPort, err = envInt("REDIS_PORT", cfg.RedisPort); err != nil {
		return nil, err
	}
	cfg.RedisPassword = envString("REDIS_PASSWORD", cfg.RedisPassword)
	if cfg.RedisDB, err = envInt("REDIS_DB", cfg.RedisDB); err != nil {
		return nil, err
	}

	cfg.AWSRegion = envString("AWS_REGION", cfg.AWSRegion)
	cfg.SESFromEmail = envString("SES_FROM_EMAIL", cfg.SESFromEmail)
	cfg.MailTransport = envString("MAIL_TRANSPORT", cfg.MailTransport)
	if cfg.MailTransport != MailTransportSES && cfg.MailTransport != MailTransportLog {
		return nil, fmt.Errorf("invalid MAIL_TRANSPORT %q: must be %s or %s", cfg.MailTransport, MailTransportSES, MailTransportLog)
	}
	if cfg.SMSEnabled, err = envBool("SMS_ENABLED", cfg.SMSEnabled); err != nil {
		return nil, err
	}
	// SNS follows the main AWS region unless set.
	cfg.SNSRegion = envString("SNS_REGION", cfg.AWSRegion)

	if cfg.DispatchConcurrency, err = envInt("DISPATCH_CONCURRENCY", cfg.DispatchConcurrency); err != nil {
		return nil, err
	}
	if cfg.DispatchConcurrency < 1 {
		return nil, fmt.Errorf("invalid DISPATCH_CONCURRENCY: must be >= 1")
	}
	if cfg.RecipientLockTTL, err = envDuration("RECIPIENT_LOCK_TTL", cfg.RecipientLockTTL); err != nil {
		return nil, err
	}
	if cfg.RateLimitPerMinute, err = envInt("RATE_LIMIT_PER_MINUTE", cfg.RateLimitPerMinute); err != nil {
		return nil, err
	}
	if cfg.MailBreakerMaxFailures, err = envInt("MAIL_BREAKER_MAX_FAILURES", cfg.MailBreakerMaxFailures); err != nil {
		return nil, err
	}
	if cfg.MailBreakerRecovery, err = envDuration("MAIL_BREAKER_RECOVERY", cfg.MailBreakerRecovery); err != nil {
		return nil, err
	}

	cfg.BrandName = envString("BRAND_NAME", cfg.BrandName)
	cfg.BrandColor = envString("BRAND_COLOR", cfg.BrandColor)
	cfg.BrandAccentColor = envString("BRAND_ACCENT_COLOR", cfg.BrandAccentColor)
	cfg.BrandLogoURL = envString("BRAND_LOGO_URL", cfg.BrandLogoURL)
	cfg.BrandFooterText = envString("BRAND_FOOTER_TEXT", cfg.BrandFooterText)

	return cfg, nil
}

func envString(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func envBool(key string, def bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("invalid %s: %w", key, err)
	}
	return b, nil
}

func envDuration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

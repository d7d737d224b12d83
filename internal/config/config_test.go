package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Port != 8080 || cfg.MailTransport != MailTransportSES || cfg.DispatchConcurrency != 1 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.SMSEnabled {
		t.Error("sms should be off by default")
	}
	if cfg.SNSRegion != cfg.AWSRegion {
		t.Errorf("SNSRegion = %q, want AWS region %q", cfg.SNSRegion, cfg.AWSRegion)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("AWS_REGION", "sa-east-1")
	t.Setenv("MAIL_TRANSPORT", "log")
	t.Setenv("SMS_ENABLED", "true")
	t.Setenv("DISPATCH_CONCURRENCY", "4")
	t.Setenv("RECIPIENT_LOCK_TTL", "45s")
	t.Setenv("MAIL_BREAKER_RECOVERY", "2m")
	t.Setenv("REDIS_ENABLED", "false")
	t.Setenv("BRAND_NAME", "Transportes Norte")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if cfg.MailTransport != MailTransportLog || !cfg.SMSEnabled {
		t.Errorf("transport = %s sms = %v", cfg.MailTransport, cfg.SMSEnabled)
	}
	if cfg.SNSRegion != "sa-east-1" {
		t.Errorf("SNSRegion = %s, want sa-east-1", cfg.SNSRegion)
	}
	if cfg.DispatchConcurrency != 4 || cfg.RecipientLockTTL != 45*time.Second || cfg.MailBreakerRecovery != 2*time.Minute {
		t.Errorf("dispatch settings = %d %v %v", cfg.DispatchConcurrency, cfg.RecipientLockTTL, cfg.MailBreakerRecovery)
	}
	if cfg.RedisEnabled {
		t.Error("REDIS_ENABLED=false not applied")
	}
	if cfg.BrandName != "Transportes Norte" {
		t.Errorf("BrandName = %q", cfg.BrandName)
	}
}

func TestLoad_InvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"PORT", "abc", "PORT"},
		{"DB_PORT", "x", "DB_PORT"},
		{"SMS_ENABLED", "maybe", "SMS_ENABLED"},
		{"RECIPIENT_LOCK_TTL", "soon", "RECIPIENT_LOCK_TTL"},
		{"MAIL_TRANSPORT", "smtp", "MAIL_TRANSPORT"},
		{"DISPATCH_CONCURRENCY", "0", "DISPATCH_CONCURRENCY"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

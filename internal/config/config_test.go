package config

import (
	"testing"
	"time"
)

func TestLoadFrom_Defaults(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("Port = %d, want 8080", cfg.Port)
	}
	if cfg.LockTTL != 300*time.Second {
		t.Errorf("LockTTL = %v, want 300s", cfg.LockTTL)
	}
	if cfg.RetryMax != 3 || cfg.RetryBaseDelay != time.Minute || cfg.RetryMaxDelay != 10*time.Minute {
		t.Errorf("retry defaults = %d/%v/%v", cfg.RetryMax, cfg.RetryBaseDelay, cfg.RetryMaxDelay)
	}
	if cfg.EmailProvider != EmailProviderLog {
		t.Errorf("EmailProvider = %q, want log", cfg.EmailProvider)
	}
	if cfg.EmailSubject != "Notification" {
		t.Errorf("EmailSubject = %q", cfg.EmailSubject)
	}
	if !cfg.RedisEnabled {
		t.Error("Redis should be enabled by default")
	}
	if cfg.IsProduction() {
		t.Error("default env should not be production")
	}
}

func TestLoadFrom_Overrides(t *testing.T) {
	cfg, err := LoadFrom(map[string]string{
		"PORT":               "9090",
		"ENV":                "production",
		"EMAIL_PROVIDER":     "smtp",
		"LOCK_TTL":           "2m",
		"RETRY_MAX":          "5",
		"TELEGRAM_BOT_TOKEN": "123:abc",
		"REDIS_ENABLED":      "false",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("Port = %d", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Error("expected production")
	}
	if cfg.EmailProvider != EmailProviderSMTP {
		t.Errorf("EmailProvider = %q", cfg.EmailProvider)
	}
	if cfg.LockTTL != 2*time.Minute {
		t.Errorf("LockTTL = %v", cfg.LockTTL)
	}
	if cfg.RetryMax != 5 {
		t.Errorf("RetryMax = %d", cfg.RetryMax)
	}
	if cfg.TelegramBotToken != "123:abc" {
		t.Errorf("TelegramBotToken = %q", cfg.TelegramBotToken)
	}
	if cfg.RedisEnabled {
		t.Error("Redis should be disabled")
	}
}

func TestLoadFrom_Invalid(t *testing.T) {
	tests := []struct {
		name string
		vars map[string]string
	}{
		{"bad port type", map[string]string{"PORT": "abc"}},
		{"port out of range", map[string]string{"PORT": "70000"}},
		{"unknown email provider", map[string]string{"EMAIL_PROVIDER": "pigeon"}},
		{"zero lock ttl", map[string]string{"LOCK_TTL": "0s"}},
		{"negative retries", map[string]string{"RETRY_MAX": "-1"}},
		{"base above max delay", map[string]string{"RETRY_BASE_DELAY": "20m", "RETRY_MAX_DELAY": "10m"}},
		{"no workers", map[string]string{"WORKER_COUNT": "0"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadFrom(tt.vars); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

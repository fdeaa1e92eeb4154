package config

import (
	"strings"
	"testing"
	"time"
)

// Load reads the process environment; t.Setenv keeps tests isolated.

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d, want 8080", cfg.Port)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("log level = %q, want info", cfg.LogLevel)
	}
	if cfg.SQLitePath != "conduit.db" {
		t.Errorf("sqlite path = %q", cfg.SQLitePath)
	}
	if cfg.Cache.Mode != "memory" || cfg.Cache.TTL != time.Hour {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Cache.Scope != "global" || cfg.Cache.ChargePolicy != "free" {
		t.Errorf("cache = %+v", cfg.Cache)
	}
	if cfg.Failover.AttemptTimeout != 30*time.Second {
		t.Errorf("attempt timeout = %v", cfg.Failover.AttemptTimeout)
	}
	if cfg.Failover.FailureThreshold != 3 || cfg.Failover.Cooldown != 30*time.Second {
		t.Errorf("failover = %+v", cfg.Failover)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("LOG_LEVEL", "DEBUG")
	t.Setenv("CACHE_TTL", "15m")
	t.Setenv("CACHE_CHARGE_POLICY", "original")
	t.Setenv("DEFAULT_RPM_LIMIT", "120")
	t.Setenv("ADMIN_TOKEN", "cnd_admin_secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.Port != 9090 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("log level = %q, want lowercased debug", cfg.LogLevel)
	}
	if cfg.Cache.TTL != 15*time.Minute {
		t.Errorf("cache ttl = %v", cfg.Cache.TTL)
	}
	if cfg.Cache.ChargePolicy != "original" {
		t.Errorf("charge policy = %q", cfg.Cache.ChargePolicy)
	}
	if cfg.RateLimit.DefaultRPM != 120 {
		t.Errorf("default rpm = %d", cfg.RateLimit.DefaultRPM)
	}
	if cfg.AdminToken != "cnd_admin_secret" {
		t.Errorf("admin token = %q", cfg.AdminToken)
	}
}

func TestValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "bad log level",
			env:     map[string]string{"LOG_LEVEL": "verbose"},
			wantErr: "LOG_LEVEL",
		},
		{
			name:    "admin token wrong namespace",
			env:     map[string]string{"ADMIN_TOKEN": "sk-not-an-admin-token"},
			wantErr: "ADMIN_TOKEN",
		},
		{
			name:    "bad cache mode",
			env:     map[string]string{"CACHE_MODE": "memcached"},
			wantErr: "CACHE_MODE",
		},
		{
			name:    "redis cache without url",
			env:     map[string]string{"CACHE_MODE": "redis"},
			wantErr: "REDIS_URL",
		},
		{
			name:    "bad cache scope",
			env:     map[string]string{"CACHE_SCOPE": "tenant"},
			wantErr: "CACHE_SCOPE",
		},
		{
			name:    "bad charge policy",
			env:     map[string]string{"CACHE_CHARGE_POLICY": "half-price"},
			wantErr: "CACHE_CHARGE_POLICY",
		},
		{
			name:    "zero failure threshold",
			env:     map[string]string{"HEALTH_FAILURE_THRESHOLD": "0"},
			wantErr: "HEALTH_FAILURE_THRESHOLD",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			if err == nil {
				t.Fatal("config accepted")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

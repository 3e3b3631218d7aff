package config

import (
	"testing"
	"time"
)

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	if err := Validate(&cfg); err != nil {
		t.Fatalf("Defaults() must validate cleanly: %v", err)
	}
}

func TestValidateRateLimitCapacityNegative(t *testing.T) {
	cfg := Defaults()
	cfg.Drafter.RateLimitCapacity = -1
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for negative rate_limit_capacity")
	}
}

func TestValidateRateLimitRefillPeriodRequiredWhenCapacitySet(t *testing.T) {
	cfg := Defaults()
	cfg.Drafter.RateLimitCapacity = 10
	cfg.Drafter.RateLimitRefillPeriod = 0
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error when rate_limit_capacity is set but refill_period is zero")
	}
}

func TestValidateRateLimitCapacityZeroDisabledIsFine(t *testing.T) {
	cfg := Defaults()
	cfg.Drafter.RateLimitCapacity = 0
	cfg.Drafter.RateLimitRefillPeriod = 0
	if err := Validate(&cfg); err != nil {
		t.Fatalf("rate limiting disabled (capacity 0) must validate regardless of refill_period: %v", err)
	}
}

func TestValidateRejectsBadSchemaVersion(t *testing.T) {
	cfg := Defaults()
	cfg.SchemaVersion = "2"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error for unsupported schema_version")
	}
}

func TestValidateRejectsMismatchedTLSPair(t *testing.T) {
	cfg := Defaults()
	cfg.Transport.TLSCertFile = "/etc/govspine/tls.crt"
	if err := Validate(&cfg); err == nil {
		t.Fatal("expected validation error when only tls_cert_file is set")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/path/config.yaml"); err == nil {
		t.Fatal("expected error loading a nonexistent config file")
	}
}

func TestDefaultDrafterRateLimitDisabledWithOneMinuteRefill(t *testing.T) {
	cfg := Defaults()
	if cfg.Drafter.RateLimitRefillPeriod != time.Minute {
		t.Errorf("expected default refill period of 1m, got %s", cfg.Drafter.RateLimitRefillPeriod)
	}
	if cfg.Drafter.RateLimitCapacity != 0 {
		t.Errorf("expected rate limiting disabled by default, got capacity %d", cfg.Drafter.RateLimitCapacity)
	}
}

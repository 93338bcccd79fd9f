package main

import (
	"testing"
	"time"
)

func TestApplyEnvOverrides_Basic(t *testing.T) {
	base := validConfig()
	t.Setenv("CANARY_LOG_FORMAT", "json")
	t.Setenv("CANARY_IF", "vcan1")
	t.Setenv("CANARY_MDNS_ENABLE", "true")
	t.Setenv("CANARY_LOG_METRICS_INTERVAL", "5s")
	t.Setenv("CANARY_TX_QUEUE", "64")
	t.Setenv("CANARY_FILTERS", "/etc/canary/filters.yaml")

	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.logFormat != "json" || base.canIf != "vcan1" {
		t.Fatalf("expected format/if override, got %q/%q", base.logFormat, base.canIf)
	}
	if !base.mdnsEnable {
		t.Fatalf("expected mdnsEnable true")
	}
	if base.logMetricsEvery != 5*time.Second {
		t.Fatalf("expected logMetricsEvery 5s got %v", base.logMetricsEvery)
	}
	if base.txQueue != 64 {
		t.Fatalf("expected txQueue 64 got %d", base.txQueue)
	}
	if base.dump.filters != "/etc/canary/filters.yaml" {
		t.Fatalf("expected filters path, got %q", base.dump.filters)
	}
}

func TestApplyEnvOverrides_FlagPrecedence(t *testing.T) {
	base := validConfig()
	base.canIf = "can7"
	t.Setenv("CANARY_IF", "vcan1")
	if err := applyEnvOverrides(base, map[string]struct{}{"if": {}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.canIf != "can7" {
		t.Fatalf("flag should win, got %q", base.canIf)
	}
}

func TestApplyEnvOverrides_FiltersOnlyForDump(t *testing.T) {
	base := validConfig()
	base.command = "send"
	t.Setenv("CANARY_FILTERS", "x.yaml")
	if err := applyEnvOverrides(base, map[string]struct{}{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base.dump.filters != "" {
		t.Fatalf("filters applied to send: %q", base.dump.filters)
	}
}

func TestApplyEnvOverrides_Invalid(t *testing.T) {
	for k, v := range map[string]string{
		"CANARY_MDNS_ENABLE":          "maybe",
		"CANARY_TX_QUEUE":             "lots",
		"CANARY_LOG_METRICS_INTERVAL": "soon",
	} {
		t.Run(k, func(t *testing.T) {
			t.Setenv(k, v)
			if err := applyEnvOverrides(validConfig(), map[string]struct{}{}); err == nil {
				t.Fatalf("expected error for %s=%s", k, v)
			}
		})
	}
}

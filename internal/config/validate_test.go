package config

import (
	"strings"
	"testing"
	"time"
)

func TestValidDefaultHasNoErrors(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) > 0 {
		t.Fatalf("default config has validation errors: %v", errs)
	}
}

func TestValidateClampsShortFrameTimeout(t *testing.T) {
	cfg := Default()
	cfg.FrameTimeout = time.Millisecond
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for too-short frame_timeout")
	}
	if cfg.FrameTimeout != 50*time.Millisecond {
		t.Fatalf("FrameTimeout = %s, want 50ms (clamped)", cfg.FrameTimeout)
	}
}

func TestValidateClampsLongWatchdogInterval(t *testing.T) {
	cfg := Default()
	cfg.WatchdogInterval = time.Hour
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for too-long watchdog_interval")
	}
	if cfg.WatchdogInterval != time.Minute {
		t.Fatalf("WatchdogInterval = %s, want 1m (clamped)", cfg.WatchdogInterval)
	}
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := Default()
	cfg.Codec = "h265"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected error for unknown codec")
	}
	if cfg.Codec != "vp8" {
		t.Fatalf("Codec = %q, want vp8 fallback", cfg.Codec)
	}
}

func TestValidateBitrateOrdering(t *testing.T) {
	cfg := Default()
	cfg.MinBitrate = 800_000
	cfg.MaxBitrate = 400_000
	cfg.Validate()
	if cfg.MaxBitrate < cfg.MinBitrate {
		t.Fatalf("MaxBitrate %d still below MinBitrate %d after validation", cfg.MaxBitrate, cfg.MinBitrate)
	}
}

func TestValidateClampsViewerCap(t *testing.T) {
	cfg := Default()
	cfg.MaxViewersPerSession = 0
	cfg.Validate()
	if cfg.MaxViewersPerSession != 1 {
		t.Fatalf("MaxViewersPerSession = %d, want 1", cfg.MaxViewersPerSession)
	}

	cfg = Default()
	cfg.MaxViewersPerSession = 999
	cfg.Validate()
	if cfg.MaxViewersPerSession != 64 {
		t.Fatalf("MaxViewersPerSession = %d, want 64", cfg.MaxViewersPerSession)
	}
}

func TestValidateRestoresEmptyStunServers(t *testing.T) {
	cfg := Default()
	cfg.StunServers = nil
	cfg.Validate()
	if len(cfg.StunServers) == 0 {
		t.Fatal("expected default STUN server to be restored")
	}
	if !strings.HasPrefix(cfg.StunServers[0], "stun:") {
		t.Fatalf("unexpected STUN url %q", cfg.StunServers[0])
	}
}

func TestValidateUnknownLogLevelIsNonFatal(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "verbose"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("expected warning for unknown log level")
	}
	found := false
	for _, err := range errs {
		if strings.Contains(err.Error(), "log_level") {
			found = true
		}
	}
	if !found {
		t.Fatal("expected log_level validation error")
	}
}

func TestValidateBadWidthFallsBack(t *testing.T) {
	cfg := Default()
	cfg.WidthMedium = -5
	cfg.Validate()
	if cfg.WidthMedium != 320 {
		t.Fatalf("WidthMedium = %d, want 320", cfg.WidthMedium)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultTimings(t *testing.T) {
	cfg := Default()

	if cfg.FrameTimeout != 500*time.Millisecond {
		t.Errorf("FrameTimeout = %s, want 500ms", cfg.FrameTimeout)
	}
	if cfg.MaxFrameAge != 100*time.Millisecond {
		t.Errorf("MaxFrameAge = %s, want 100ms", cfg.MaxFrameAge)
	}
	if cfg.WatchdogInterval != 250*time.Millisecond {
		t.Errorf("WatchdogInterval = %s, want 250ms", cfg.WatchdogInterval)
	}
	if cfg.InferenceTTL != 120*time.Second {
		t.Errorf("InferenceTTL = %s, want 2m", cfg.InferenceTTL)
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	// viper errors on an explicitly named missing file; absence of an error
	// here would mean it silently read something else.
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for explicitly named missing file")
	}

	cfg, err := loadFromDir(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerPort != 8080 {
		t.Errorf("ServerPort = %d, want 8080", cfg.ServerPort)
	}
	if cfg.WidthMedium != 320 {
		t.Errorf("WidthMedium = %d, want 320", cfg.WidthMedium)
	}
}

func TestEnvOverridesDefaults(t *testing.T) {
	t.Setenv("SERVER_PORT", "9000")
	t.Setenv("FRAME_TIMEOUT", "750ms")
	t.Setenv("MAX_VIEWERS_PER_SESSION", "4")

	cfg, err := loadFromDir(t)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != 9000 {
		t.Errorf("ServerPort = %d, want 9000 from env", cfg.ServerPort)
	}
	if cfg.FrameTimeout != 750*time.Millisecond {
		t.Errorf("FrameTimeout = %s, want 750ms from env", cfg.FrameTimeout)
	}
	if cfg.MaxViewersPerSession != 4 {
		t.Errorf("MaxViewersPerSession = %d, want 4 from env", cfg.MaxViewersPerSession)
	}
}

func TestFileOverriddenByEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(path, []byte("server_port: 7000\nwidth_high: 640\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SERVER_PORT", "7500")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.ServerPort != 7500 {
		t.Errorf("ServerPort = %d, want env override 7500", cfg.ServerPort)
	}
	if cfg.WidthHigh != 640 {
		t.Errorf("WidthHigh = %d, want file value 640", cfg.WidthHigh)
	}
}

func TestAddr(t *testing.T) {
	cfg := Default()
	cfg.ServerHost = "127.0.0.1"
	cfg.ServerPort = 8080
	if got := cfg.Addr(); got != "127.0.0.1:8080" {
		t.Errorf("Addr() = %q", got)
	}
}

// loadFromDir runs Load with the search path pointed at an empty temp dir so
// host /etc configs cannot leak into tests.
func loadFromDir(t *testing.T) (*Config, error) {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return Load("")
}

package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"
)

var validLogLevels = map[string]bool{
	"debug":   true,
	"info":    true,
	"warn":    true,
	"warning": true,
	"error":   true,
}

var validCodecs = map[string]bool{
	"vp8": true,
	"vp9": true,
}

// Validate checks the config for invalid values and returns all errors found.
// Dangerous values that would break tickers or caps are clamped to safe
// defaults. Other validation errors are logged as warnings but do not prevent
// startup.
func (c *Config) Validate() []error {
	var errs []error

	if c.ServerPort < 1 || c.ServerPort > 65535 {
		errs = append(errs, fmt.Errorf("server_port %d is out of range, clamping to 8080", c.ServerPort))
		c.ServerPort = 8080
	}

	errs = append(errs, c.clampDuration(&c.FrameTimeout, "frame_timeout", 50*time.Millisecond, time.Minute)...)
	errs = append(errs, c.clampDuration(&c.MaxFrameAge, "max_frame_age", 10*time.Millisecond, 10*time.Second)...)
	errs = append(errs, c.clampDuration(&c.WatchdogInterval, "watchdog_interval", 50*time.Millisecond, time.Minute)...)
	errs = append(errs, c.clampDuration(&c.IceTimeout, "ice_timeout", 100*time.Millisecond, 30*time.Second)...)
	errs = append(errs, c.clampDuration(&c.SessionTimeout, "session_timeout", time.Second, 24*time.Hour)...)
	errs = append(errs, c.clampDuration(&c.InferenceInterval, "inference_interval", 10*time.Millisecond, time.Minute)...)
	errs = append(errs, c.clampDuration(&c.InferenceTTL, "inference_ttl", time.Second, time.Hour)...)
	errs = append(errs, c.clampDuration(&c.RateLimitWindow, "rate_limit_window", time.Second, time.Hour)...)

	if !validCodecs[strings.ToLower(c.Codec)] {
		errs = append(errs, fmt.Errorf("codec %q is not valid (use vp8 or vp9), using vp8", c.Codec))
		c.Codec = "vp8"
	}

	if c.MinBitrate < 50_000 {
		errs = append(errs, fmt.Errorf("min_bitrate %d is below minimum 50000, clamping", c.MinBitrate))
		c.MinBitrate = 50_000
	}
	if c.MaxBitrate < c.MinBitrate {
		errs = append(errs, fmt.Errorf("max_bitrate %d is below min_bitrate %d, clamping", c.MaxBitrate, c.MinBitrate))
		c.MaxBitrate = c.MinBitrate
	}

	for _, w := range []struct {
		name string
		val  *int
		def  int
	}{
		{"width_low", &c.WidthLow, 160},
		{"width_medium", &c.WidthMedium, 320},
		{"width_high", &c.WidthHigh, 480},
	} {
		if *w.val < 16 || *w.val > 4096 {
			errs = append(errs, fmt.Errorf("%s %d is out of range, using %d", w.name, *w.val, w.def))
			*w.val = w.def
		}
	}

	if c.MaxSessions < 1 {
		errs = append(errs, fmt.Errorf("max_sessions %d is below minimum 1, clamping", c.MaxSessions))
		c.MaxSessions = 1
	} else if c.MaxSessions > 10000 {
		errs = append(errs, fmt.Errorf("max_sessions %d exceeds maximum 10000, clamping", c.MaxSessions))
		c.MaxSessions = 10000
	}

	if c.MaxViewersPerSession < 1 {
		errs = append(errs, fmt.Errorf("max_viewers_per_session %d is below minimum 1, clamping", c.MaxViewersPerSession))
		c.MaxViewersPerSession = 1
	} else if c.MaxViewersPerSession > 64 {
		errs = append(errs, fmt.Errorf("max_viewers_per_session %d exceeds maximum 64, clamping", c.MaxViewersPerSession))
		c.MaxViewersPerSession = 64
	}

	if c.InferenceWorkers < 1 {
		errs = append(errs, fmt.Errorf("inference_workers %d is below minimum 1, clamping", c.InferenceWorkers))
		c.InferenceWorkers = 1
	} else if c.InferenceWorkers > 32 {
		errs = append(errs, fmt.Errorf("inference_workers %d exceeds maximum 32, clamping", c.InferenceWorkers))
		c.InferenceWorkers = 32
	}

	if c.MaxMessagesPerConnection < 1 {
		errs = append(errs, fmt.Errorf("max_messages_per_connection %d is below minimum 1, clamping", c.MaxMessagesPerConnection))
		c.MaxMessagesPerConnection = 1
	}
	if c.MaxConnectionsPerIP < 1 {
		errs = append(errs, fmt.Errorf("max_connections_per_ip %d is below minimum 1, clamping", c.MaxConnectionsPerIP))
		c.MaxConnectionsPerIP = 1
	}

	if len(c.StunServers) == 0 {
		errs = append(errs, fmt.Errorf("stun_servers is empty, using the default"))
		c.StunServers = Default().StunServers
	}

	if c.LogLevel != "" && !validLogLevels[strings.ToLower(c.LogLevel)] {
		errs = append(errs, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}

	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	// Log validation errors as warnings
	for _, err := range errs {
		slog.Warn("config validation", "error", err)
	}

	return errs
}

func (c *Config) clampDuration(d *time.Duration, name string, min, max time.Duration) []error {
	if *d < min {
		err := fmt.Errorf("%s %s is below minimum %s, clamping", name, *d, min)
		*d = min
		return []error{err}
	}
	if *d > max {
		err := fmt.Errorf("%s %s exceeds maximum %s, clamping", name, *d, max)
		*d = max
		return []error{err}
	}
	return nil
}

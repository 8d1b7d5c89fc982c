package config

import (
	"net"
	"strconv"
	"time"

	"github.com/spf13/viper"
)

// Config holds the full server configuration. Keys are flat so that
// AutomaticEnv maps them directly to their upper-case environment names
// (server_port -> SERVER_PORT, frame_timeout -> FRAME_TIMEOUT, ...).
type Config struct {
	ServerHost string `mapstructure:"server_host"`
	ServerPort int    `mapstructure:"server_port"`

	// Relay timing. Durations accept Go syntax ("500ms", "2s").
	FrameTimeout     time.Duration `mapstructure:"frame_timeout"`
	MaxFrameAge      time.Duration `mapstructure:"max_frame_age"`
	WatchdogInterval time.Duration `mapstructure:"watchdog_interval"`
	IceTimeout       time.Duration `mapstructure:"ice_timeout"`

	// Video track encoding.
	Codec       string   `mapstructure:"codec"`
	MaxBitrate  int      `mapstructure:"max_bitrate"`
	MinBitrate  int      `mapstructure:"min_bitrate"`
	WidthLow    int      `mapstructure:"width_low"`
	WidthMedium int      `mapstructure:"width_medium"`
	WidthHigh   int      `mapstructure:"width_high"`
	StunServers []string `mapstructure:"stun_servers"`

	// Session caps and lifetime.
	MaxSessions          int           `mapstructure:"max_sessions"`
	MaxViewersPerSession int           `mapstructure:"max_viewers_per_session"`
	SessionTimeout       time.Duration `mapstructure:"session_timeout"`

	// Inference pipeline.
	InferenceInterval time.Duration `mapstructure:"inference_interval"`
	InferenceTTL      time.Duration `mapstructure:"inference_ttl"`
	InferenceWorkers  int           `mapstructure:"inference_workers"`
	Detector          string        `mapstructure:"detector"`

	// Abuse limits.
	MaxMessagesPerConnection int           `mapstructure:"max_messages_per_connection"`
	RateLimitWindow          time.Duration `mapstructure:"rate_limit_window"`
	MaxConnectionsPerIP      int           `mapstructure:"max_connections_per_ip"`

	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`
	LogFile   string `mapstructure:"log_file"`
}

func Default() *Config {
	return &Config{
		ServerHost: "0.0.0.0",
		ServerPort: 8080,

		FrameTimeout:     500 * time.Millisecond,
		MaxFrameAge:      100 * time.Millisecond,
		WatchdogInterval: 250 * time.Millisecond,
		IceTimeout:       2 * time.Second,

		Codec:       "vp8",
		MaxBitrate:  1_500_000,
		MinBitrate:  300_000,
		WidthLow:    160,
		WidthMedium: 320,
		WidthHigh:   480,
		StunServers: []string{"stun:stun.l.google.com:19302"},

		MaxSessions:          100,
		MaxViewersPerSession: 2,
		SessionTimeout:       5 * time.Minute,

		InferenceInterval: 100 * time.Millisecond,
		InferenceTTL:      120 * time.Second,
		InferenceWorkers:  2,
		Detector:          "noop",

		MaxMessagesPerConnection: 480,
		RateLimitWindow:          60 * time.Second,
		MaxConnectionsPerIP:      8,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads configuration from an optional YAML file and the environment.
// Environment variables override file values; file values override defaults.
func Load(cfgFile string) (*Config, error) {
	v := viper.New()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relay")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/arenacast")
		v.AddConfigPath(".")
	}

	// Every key needs a default registered so AutomaticEnv can bind it.
	setDefaults(v)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("server_host", d.ServerHost)
	v.SetDefault("server_port", d.ServerPort)
	v.SetDefault("frame_timeout", d.FrameTimeout)
	v.SetDefault("max_frame_age", d.MaxFrameAge)
	v.SetDefault("watchdog_interval", d.WatchdogInterval)
	v.SetDefault("ice_timeout", d.IceTimeout)
	v.SetDefault("codec", d.Codec)
	v.SetDefault("max_bitrate", d.MaxBitrate)
	v.SetDefault("min_bitrate", d.MinBitrate)
	v.SetDefault("width_low", d.WidthLow)
	v.SetDefault("width_medium", d.WidthMedium)
	v.SetDefault("width_high", d.WidthHigh)
	v.SetDefault("stun_servers", d.StunServers)
	v.SetDefault("max_sessions", d.MaxSessions)
	v.SetDefault("max_viewers_per_session", d.MaxViewersPerSession)
	v.SetDefault("session_timeout", d.SessionTimeout)
	v.SetDefault("inference_interval", d.InferenceInterval)
	v.SetDefault("inference_ttl", d.InferenceTTL)
	v.SetDefault("inference_workers", d.InferenceWorkers)
	v.SetDefault("detector", d.Detector)
	v.SetDefault("max_messages_per_connection", d.MaxMessagesPerConnection)
	v.SetDefault("rate_limit_window", d.RateLimitWindow)
	v.SetDefault("max_connections_per_ip", d.MaxConnectionsPerIP)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_file", d.LogFile)
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.ServerHost, strconv.Itoa(c.ServerPort))
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the relay runtime parameters.
type Config struct {
	ListenAddress       string        `mapstructure:"listen_address"`
	LogLevel            string        `mapstructure:"log_level"`
	ShutdownGracePeriod time.Duration `mapstructure:"shutdown_grace_period"`
	BufferSize          BufferSize    `mapstructure:"buffer_size"`
	MaxMessageSize      int64         `mapstructure:"max_message_size"`
	SendBufferSize      int           `mapstructure:"send_buffer_size"`
	Admin               AdminConfig   `mapstructure:"admin"`
}

// BufferSize bounds the per-device undelivered event queues by category.
type BufferSize struct {
	Share  int `mapstructure:"share"`
	Unpair int `mapstructure:"unpair"`
}

// AdminConfig describes the optional metrics/health endpoint.
type AdminConfig struct {
	Address           string        `mapstructure:"address"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

const (
	defaultListenAddress       = "0.0.0.0:3000"
	defaultLogLevel            = "info"
	defaultShutdownGracePeriod = 10 * time.Second
	defaultBufferSize          = 10
	defaultMaxMessageSize      = 1 << 20
	defaultSendBufferSize      = 32
	defaultReadHeaderTimeout   = 5 * time.Second
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with CLIPSHARE_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CLIPSHARE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("listen_address", defaultListenAddress)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("shutdown_grace_period", defaultShutdownGracePeriod.String())
	v.SetDefault("buffer_size.share", defaultBufferSize)
	v.SetDefault("buffer_size.unpair", defaultBufferSize)
	v.SetDefault("max_message_size", defaultMaxMessageSize)
	v.SetDefault("send_buffer_size", defaultSendBufferSize)
	v.SetDefault("admin.address", "")
	v.SetDefault("admin.read_header_timeout", defaultReadHeaderTimeout.String())

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	dur, err := time.ParseDuration(v.GetString("shutdown_grace_period"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid shutdown_grace_period: %w", err)
	}
	cfg.ShutdownGracePeriod = dur

	hdr, err := time.ParseDuration(v.GetString("admin.read_header_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid admin.read_header_timeout: %w", err)
	}
	cfg.Admin.ReadHeaderTimeout = hdr

	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.BufferSize.Share < 0 {
		return Config{}, fmt.Errorf("buffer_size.share must not be negative, got %d", cfg.BufferSize.Share)
	}
	if cfg.BufferSize.Unpair < 0 {
		return Config{}, fmt.Errorf("buffer_size.unpair must not be negative, got %d", cfg.BufferSize.Unpair)
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.SendBufferSize <= 0 {
		cfg.SendBufferSize = defaultSendBufferSize
	}

	return cfg, nil
}

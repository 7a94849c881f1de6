package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Collector CollectorConfig `mapstructure:"collector"`
	Source    SourceConfig    `mapstructure:"source"`
	Watches   []WatchConfig   `mapstructure:"watches"`
}

// AppConfig holds application configuration
type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

// ServerConfig holds server configuration
type ServerConfig struct {
	HTTP HTTPServerConfig `mapstructure:"http"`
	GRPC GRPCServerConfig `mapstructure:"grpc"`
}

// HTTPServerConfig holds HTTP server configuration
type HTTPServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// GRPCServerConfig holds gRPC server configuration
type GRPCServerConfig struct {
	Port    int           `mapstructure:"port"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// CollectorConfig holds the collection engine configuration
type CollectorConfig struct {
	// Mode is "auto" (background updater) or "manual" (update on request)
	Mode              string        `mapstructure:"mode"`
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
	SlowTTL           time.Duration `mapstructure:"slow_ttl"`
	FetchQueueSize    int           `mapstructure:"fetch_queue_size"`
	MaxJobs           int           `mapstructure:"max_jobs"`
	JobMaxKeepAge     time.Duration `mapstructure:"job_max_keep_age"`
	JobMaxKeepSamples int           `mapstructure:"job_max_keep_samples"`
}

// SourceConfig selects and configures the telemetry backend
type SourceConfig struct {
	Backend        string        `mapstructure:"backend"`
	SysfsRoot      string        `mapstructure:"sysfs_root"`
	SimDevices     int           `mapstructure:"sim_devices"`
	SimSlowLatency time.Duration `mapstructure:"sim_slow_latency"`
}

// WatchConfig is a watch registered on every device at startup
type WatchConfig struct {
	Name           string        `mapstructure:"name"`
	Fields         []string      `mapstructure:"fields"`
	Period         time.Duration `mapstructure:"period"`
	MaxKeepAge     time.Duration `mapstructure:"max_keep_age"`
	MaxKeepSamples int           `mapstructure:"max_keep_samples"`
}

// Load loads configuration from file and environment variables.
// If configPath is provided, it will be used to load the configuration from that specific file.
// Otherwise, it will look for config.yaml in standard locations.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("GPUCOLLECTOR")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("../../configs")
	}

	if err := v.ReadInConfig(); err != nil {
		// If we have a specific config path and it doesn't exist, return error
		if configPath != "" {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// For default config paths, it's okay if no config file is found
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	switch c.Collector.Mode {
	case "auto", "manual":
	default:
		return fmt.Errorf("invalid collector.mode %q: want auto or manual", c.Collector.Mode)
	}
	if c.Source.Backend == "" {
		return fmt.Errorf("source.backend is required")
	}
	for i, w := range c.Watches {
		if len(w.Fields) == 0 {
			return fmt.Errorf("watches[%d] (%s): no fields", i, w.Name)
		}
	}
	return nil
}

// setDefaults sets default values for the configuration
func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "gpu-collector")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.version", "0.1.0")

	// Server defaults
	v.SetDefault("server.http.port", 8080)
	v.SetDefault("server.http.read_timeout", 30*time.Second)
	v.SetDefault("server.http.write_timeout", 30*time.Second)
	v.SetDefault("server.grpc.port", 50051)
	v.SetDefault("server.grpc.timeout", 10*time.Second)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Collector defaults
	v.SetDefault("collector.mode", "auto")
	v.SetDefault("collector.tick_interval", time.Millisecond)
	v.SetDefault("collector.cleanup_interval", time.Second)
	v.SetDefault("collector.slow_ttl", 30*time.Second)
	v.SetDefault("collector.fetch_queue_size", 64)
	v.SetDefault("collector.max_jobs", 64)
	v.SetDefault("collector.job_max_keep_age", time.Hour)
	v.SetDefault("collector.job_max_keep_samples", 3600)

	// Source defaults
	v.SetDefault("source.backend", "sim")
	v.SetDefault("source.sysfs_root", "/sys")
	v.SetDefault("source.sim_devices", 2)
	v.SetDefault("source.sim_slow_latency", 20*time.Millisecond)
}

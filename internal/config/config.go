package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Proxy   ProxyConfig   `mapstructure:"proxy"`
	Storage StorageConfig `mapstructure:"storage"`
	Logging LoggingConfig `mapstructure:"logging"`
	Impact  ImpactConfig  `mapstructure:"impact"`
	Display DisplayConfig `mapstructure:"display"`
	Web     WebConfig     `mapstructure:"web"`
}

// ServerConfig defines listener ports and addresses
type ServerConfig struct {
	BindAddress string `mapstructure:"bind_address"`
	ProxyPort   int    `mapstructure:"proxy_port"`
	WebPort     int    `mapstructure:"web_port"`
	MetricsPort int    `mapstructure:"metrics_port"`
}

// ProxyConfig defines the chat proxy and traffic observation settings
type ProxyConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	UpstreamURL  string   `mapstructure:"upstream_url"`
	ChatPaths    []string `mapstructure:"chat_paths"`
	MaxBodyBytes int64    `mapstructure:"max_body_bytes"`
	Timeout      string   `mapstructure:"timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type"` // bolt, sqlite, redis or memory
	Path  string      `mapstructure:"path"`
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ImpactConfig defines how token counts are converted and retained
type ImpactConfig struct {
	WaterPerToken float64 `mapstructure:"water_per_token"` // liters
	CO2PerToken   float64 `mapstructure:"co2_per_token"`   // grams
	HistoryLimit  int     `mapstructure:"history_limit"`
	DailyLimit    int     `mapstructure:"daily_limit"`
	StorageKey    string  `mapstructure:"storage_key"`
	AutoResetTime string  `mapstructure:"auto_reset_time"` // HH:MM, empty disables
}

// DisplayConfig defines gauge maxima and warning thresholds
type DisplayConfig struct {
	MaxWaterDisplay           float64 `mapstructure:"max_water_display"`
	MaxCO2Display             float64 `mapstructure:"max_co2_display"`
	HighTokenWarningThreshold int64   `mapstructure:"high_token_warning_threshold"`
	CapacityNoticeDelay       string  `mapstructure:"capacity_notice_delay"`
}

// WebConfig defines web interface settings
type WebConfig struct {
	Enabled          bool     `mapstructure:"enabled"`
	InitialUsername  string   `mapstructure:"initial_username"`
	InitialPassword  string   `mapstructure:"initial_password"`
	JWTSecret        string   `mapstructure:"jwt_secret"`
	SessionTimeout   string   `mapstructure:"session_timeout"`
	SessionCacheSize int      `mapstructure:"session_cache_size"`
	RateLimit        int      `mapstructure:"rate_limit"`
	RateLimitWindow  string   `mapstructure:"rate_limit_window"`
	AllowedOrigins   []string `mapstructure:"allowed_origins"`
	GatePolicyDir    string   `mapstructure:"gate_policy_dir"`
	CI               bool     `mapstructure:"ci"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	v.SetConfigFile(configPath)
	v.SetEnvPrefix("GREENGPT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No config file: defaults and environment only
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// Default returns a configuration populated only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// SetDefaults sets default configuration values
func SetDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.proxy_port", 8080)
	v.SetDefault("server.web_port", 3000)
	v.SetDefault("server.metrics_port", 9090)

	// Proxy defaults
	v.SetDefault("proxy.enabled", true)
	v.SetDefault("proxy.upstream_url", "http://127.0.0.1:8000")
	v.SetDefault("proxy.chat_paths", []string{"/api/chat", "/api/completion", "/v1/chat/completions"})
	v.SetDefault("proxy.max_body_bytes", 8<<20)
	v.SetDefault("proxy.timeout", "120s")

	// Storage defaults
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.path", "/var/lib/greengpt/greengpt.bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.key_prefix", "greengpt")
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Impact defaults
	v.SetDefault("impact.water_per_token", 0.0001)
	v.SetDefault("impact.co2_per_token", 0.02)
	v.SetDefault("impact.history_limit", 30)
	v.SetDefault("impact.daily_limit", 30)
	v.SetDefault("impact.storage_key", "green-gpt-environmental-impact")
	v.SetDefault("impact.auto_reset_time", "")

	// Display defaults
	v.SetDefault("display.max_water_display", 10.0)
	v.SetDefault("display.max_co2_display", 2000.0)
	v.SetDefault("display.high_token_warning_threshold", 80000)
	v.SetDefault("display.capacity_notice_delay", "5s")

	// Web defaults
	v.SetDefault("web.enabled", true)
	v.SetDefault("web.initial_username", "admin")
	v.SetDefault("web.initial_password", "changeme")
	v.SetDefault("web.jwt_secret", "")
	v.SetDefault("web.session_timeout", "24h")
	v.SetDefault("web.session_cache_size", 1024)
	v.SetDefault("web.rate_limit", 100)
	v.SetDefault("web.rate_limit_window", "1m")
	v.SetDefault("web.allowed_origins", []string{})
	v.SetDefault("web.gate_policy_dir", "")
	v.SetDefault("web.ci", false)
}

// validate validates the configuration
func validate(cfg *Config) error {
	ports := map[string]int{
		"proxy":   cfg.Server.ProxyPort,
		"web":     cfg.Server.WebPort,
		"metrics": cfg.Server.MetricsPort,
	}
	for name, port := range ports {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port: %d", name, port)
		}
	}

	if cfg.Impact.WaterPerToken < 0 || cfg.Impact.CO2PerToken < 0 {
		return fmt.Errorf("impact ratios must not be negative")
	}
	if cfg.Impact.HistoryLimit <= 0 {
		return fmt.Errorf("impact.history_limit must be positive, got %d", cfg.Impact.HistoryLimit)
	}
	if cfg.Impact.DailyLimit <= 0 {
		return fmt.Errorf("impact.daily_limit must be positive, got %d", cfg.Impact.DailyLimit)
	}
	if cfg.Impact.StorageKey == "" {
		return fmt.Errorf("impact.storage_key is required")
	}
	if cfg.Impact.AutoResetTime != "" {
		if _, err := time.Parse("15:04", cfg.Impact.AutoResetTime); err != nil {
			return fmt.Errorf("invalid impact.auto_reset_time %q: expected HH:MM", cfg.Impact.AutoResetTime)
		}
	}

	if cfg.Display.MaxWaterDisplay <= 0 || cfg.Display.MaxCO2Display <= 0 {
		return fmt.Errorf("display maxima must be positive")
	}

	if cfg.Proxy.Enabled && cfg.Proxy.UpstreamURL == "" {
		return fmt.Errorf("proxy.upstream_url is required when the proxy is enabled")
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt", "sqlite":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required for %s storage", cfg.Storage.Type)
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Storage.Path), 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required for redis storage")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// ParseDuration parses a duration string with a fallback
func ParseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Store: StoreConfig{
			Backend:        "file",
			Path:           "./data/routes.json",
			ReloadInterval: time.Second,
			Watch:          true,
		},
		Proxy: ProxyConfig{
			DefaultTimeout: 3 * time.Second,
			ExcludedPaths: []string{
				"/", "/index.html", "/styles.css", "/app.js", "/favicon.ico",
				"/admin*", "/admin/**", "/admin*/**",
			},
			Transport: TransportConfig{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				DialTimeout:         10 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
			LimiterCleanup: 30 * time.Second,
			LimiterIdleTTL: time.Minute,
		},
		Admin: AdminConfig{
			Enabled: true,
			Prefix:  "/admin",
		},
		Metrics: MetricsConfig{
			Enabled:        true,
			Port:           9090,
			Path:           "/metrics",
			Namespace:      "rulegate",
			LatencyBuckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
	}
}

// Load reads a YAML file over the defaults. An empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	switch c.Store.Backend {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown store backend %q (want file or sqlite)", c.Store.Backend)
	}
	if strings.TrimSpace(c.Store.Path) == "" {
		return fmt.Errorf("store path cannot be empty")
	}
	if c.Store.ReloadInterval < 0 {
		return fmt.Errorf("store reload_interval cannot be negative")
	}

	if c.Proxy.DefaultTimeout <= 0 {
		return fmt.Errorf("proxy default_timeout must be positive")
	}

	if c.Admin.Enabled && !strings.HasPrefix(c.Admin.Prefix, "/") {
		return fmt.Errorf("admin prefix must start with /: %q", c.Admin.Prefix)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
			return fmt.Errorf("invalid metrics port: %d", c.Metrics.Port)
		}
		if c.Metrics.Port == c.Server.Port {
			return fmt.Errorf("metrics port %d collides with server port", c.Metrics.Port)
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
		}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("unknown log format %q", c.Logging.Format)
	}

	return nil
}

// Addr returns the proxy listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

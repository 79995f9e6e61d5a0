package config

import "time"

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Admin   AdminConfig   `yaml:"admin"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port"`
	Host            string        `yaml:"host"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"` // 0 = streams bounded by route timeouts only
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StoreConfig selects where the rule snapshot lives.
type StoreConfig struct {
	Backend        string        `yaml:"backend"` // file, sqlite
	Path           string        `yaml:"path"`
	ReloadInterval time.Duration `yaml:"reload_interval"`
	Watch          bool          `yaml:"watch"`
}

type ProxyConfig struct {
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	ExcludedPaths  []string        `yaml:"excluded_paths,omitempty"`
	Transport      TransportConfig `yaml:"transport"`
	LimiterCleanup time.Duration   `yaml:"limiter_cleanup"`
	LimiterIdleTTL time.Duration   `yaml:"limiter_idle_ttl"`
}

type TransportConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`
}

type AdminConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prefix  string `yaml:"prefix"`
}

type MetricsConfig struct {
	Enabled        bool      `yaml:"enabled"`
	Port           int       `yaml:"port"`
	Path           string    `yaml:"path"`
	Namespace      string    `yaml:"namespace"`
	LatencyBuckets []float64 `yaml:"latency_buckets,omitempty"`
}

// LoggingConfig: Level is debug, info, warn or error; Format is json or
// console; Output is stdout, stderr or a file path.
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Format   string            `yaml:"format"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig applies when Output is a file. MaxSize is in megabytes,
// MaxAge in days.
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`
	MaxBackups int  `yaml:"max_backups"`
	MaxAge     int  `yaml:"max_age"`
	Compress   bool `yaml:"compress"`
}

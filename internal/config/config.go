// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Integrity IntegrityConfig `mapstructure:"integrity"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Dedup     DedupConfig     `mapstructure:"dedup"`
	Archival  ArchivalConfig  `mapstructure:"archival"`
	Rules     RulesConfig     `mapstructure:"rules"`
	Alerts    AlertsConfig    `mapstructure:"alerts"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// AppConfig contains application-level configuration
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	Debug       bool   `mapstructure:"debug"`
}

// StorageConfig contains database configuration
type StorageConfig struct {
	Type             string        `mapstructure:"type"` // sqlite, postgres, badger, memory
	ConnectionString string        `mapstructure:"connection_string"`
	MaxConnections   int           `mapstructure:"max_connections"`
	MaxIdleTime      time.Duration `mapstructure:"max_idle_time"`
}

// IntegrityConfig contains hash chain configuration
type IntegrityConfig struct {
	Algorithm      string `mapstructure:"algorithm"` // sha256, keccak256
	VerifyPageSize int    `mapstructure:"verify_page_size"`
}

// QueueConfig contains write queue and batch writer configuration
type QueueConfig struct {
	Capacity           int           `mapstructure:"capacity"`
	BatchSize          int           `mapstructure:"batch_size"`
	FlushInterval      time.Duration `mapstructure:"flush_interval"`
	MaxAttempts        int           `mapstructure:"max_attempts"`
	RetryDelay         time.Duration `mapstructure:"retry_delay"`
	MaxRetryDelay      time.Duration `mapstructure:"max_retry_delay"`
	DeadLetterCapacity int           `mapstructure:"dead_letter_capacity"`
	BestEffort         bool          `mapstructure:"best_effort"`
}

// DedupConfig contains duplicate detection configuration
type DedupConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Window          time.Duration `mapstructure:"window"`
	IncludeMetadata bool          `mapstructure:"include_metadata"`
}

// ArchivalConfig contains archival scheduler configuration
type ArchivalConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Interval  time.Duration `mapstructure:"interval"`
	Retention time.Duration `mapstructure:"retention"`
	BatchSize int           `mapstructure:"batch_size"`
}

// RulesConfig contains rule engine configuration
type RulesConfig struct {
	HotWindow     time.Duration `mapstructure:"hot_window"`
	HotWindowSize int           `mapstructure:"hot_window_size"`
	SeedFile      string        `mapstructure:"seed_file"`
	LogFindings   bool          `mapstructure:"log_findings"`
}

// AlertsConfig contains alert dispatcher configuration
type AlertsConfig struct {
	Enabled          bool              `mapstructure:"enabled"`
	WebhookURL       string            `mapstructure:"webhook_url"`
	SeverityFloor    string            `mapstructure:"severity_floor"`
	Timeout          time.Duration     `mapstructure:"timeout"`
	RetryAttempts    int               `mapstructure:"retry_attempts"`
	RetryDelay       time.Duration     `mapstructure:"retry_delay"`
	MaxRetryDelay    time.Duration     `mapstructure:"max_retry_delay"`
	FailureThreshold int               `mapstructure:"failure_threshold"`
	ResetTimeout     time.Duration     `mapstructure:"reset_timeout"`
	QueueSize        int               `mapstructure:"queue_size"`
	Workers          int               `mapstructure:"workers"`
	Headers          map[string]string `mapstructure:"headers"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Enabled       bool          `mapstructure:"enabled"`
	Port          int           `mapstructure:"port"`
	Host          string        `mapstructure:"host"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	EnableMetrics bool          `mapstructure:"enable_metrics"`
	EnableHealth  bool          `mapstructure:"enable_health"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
	Output string `mapstructure:"output"` // stdout, stderr, file
	File   string `mapstructure:"file"`
}

// Load loads configuration from file and environment variables using the global viper instance
func Load(configPath string) (*Config, error) {
	return LoadWith(viper.GetViper(), configPath)
}

// LoadWith loads configuration into v
func LoadWith(v *viper.Viper, configPath string) (*Config, error) {
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	// Set environment variable prefix
	v.SetEnvPrefix("SECLOG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Set defaults
	setDefaults(v)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			if !(configPath != "" && os.IsNotExist(err)) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Override with well known environment variables if present
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.ConnectionString = dbURL
	}
	if webhook := os.Getenv("ALERT_WEBHOOK_URL"); webhook != "" {
		config.Alerts.WebhookURL = webhook
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "security-event-chain")
	v.SetDefault("app.version", "1.0.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.debug", false)

	// Storage defaults
	v.SetDefault("storage.type", "sqlite")
	v.SetDefault("storage.connection_string", "./data/seclog.db")
	v.SetDefault("storage.max_connections", 10)
	v.SetDefault("storage.max_idle_time", "15m")

	// Integrity defaults
	v.SetDefault("integrity.algorithm", "sha256")
	v.SetDefault("integrity.verify_page_size", 500)

	// Queue defaults
	v.SetDefault("queue.capacity", 10000)
	v.SetDefault("queue.batch_size", 50)
	v.SetDefault("queue.flush_interval", "200ms")
	v.SetDefault("queue.max_attempts", 5)
	v.SetDefault("queue.retry_delay", "100ms")
	v.SetDefault("queue.max_retry_delay", "5s")
	v.SetDefault("queue.dead_letter_capacity", 1000)
	v.SetDefault("queue.best_effort", true)

	// Duplicate detection defaults
	v.SetDefault("dedup.enabled", true)
	v.SetDefault("dedup.window", "60s")
	v.SetDefault("dedup.include_metadata", true)

	// Archival defaults
	v.SetDefault("archival.enabled", true)
	v.SetDefault("archival.interval", "1h")
	v.SetDefault("archival.retention", "720h")
	v.SetDefault("archival.batch_size", 500)

	// Rule engine defaults
	v.SetDefault("rules.hot_window", "1h")
	v.SetDefault("rules.hot_window_size", 5000)
	v.SetDefault("rules.seed_file", "")
	v.SetDefault("rules.log_findings", true)

	// Alert defaults
	v.SetDefault("alerts.enabled", false)
	v.SetDefault("alerts.severity_floor", "HIGH")
	v.SetDefault("alerts.timeout", "5s")
	v.SetDefault("alerts.retry_attempts", 3)
	v.SetDefault("alerts.retry_delay", "500ms")
	v.SetDefault("alerts.max_retry_delay", "10s")
	v.SetDefault("alerts.failure_threshold", 5)
	v.SetDefault("alerts.reset_timeout", "30s")
	v.SetDefault("alerts.queue_size", 256)
	v.SetDefault("alerts.workers", 2)

	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.enable_metrics", true)
	v.SetDefault("server.enable_health", true)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.Type == "" {
		return fmt.Errorf("storage type is required")
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue capacity must be positive")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("queue batch size must be positive")
	}
	if c.Queue.BatchSize > c.Queue.Capacity {
		return fmt.Errorf("queue batch size %d exceeds capacity %d", c.Queue.BatchSize, c.Queue.Capacity)
	}
	if c.Queue.FlushInterval <= 0 {
		return fmt.Errorf("queue flush interval must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max attempts must be positive")
	}
	if c.Dedup.Enabled && c.Dedup.Window <= 0 {
		return fmt.Errorf("dedup window must be positive when dedup is enabled")
	}
	if c.Archival.Enabled {
		if c.Archival.Interval <= 0 {
			return fmt.Errorf("archival interval must be positive")
		}
		if c.Archival.Retention <= 0 {
			return fmt.Errorf("archival retention must be positive")
		}
	}
	if c.Rules.HotWindow <= 0 || c.Rules.HotWindowSize <= 0 {
		return fmt.Errorf("rules hot window duration and size must be positive")
	}
	if c.Alerts.Enabled {
		if c.Alerts.WebhookURL == "" {
			return fmt.Errorf("alerts webhook URL is required when alerts are enabled")
		}
		if c.Alerts.FailureThreshold <= 0 {
			return fmt.Errorf("alerts failure threshold must be positive")
		}
		if c.Alerts.ResetTimeout <= 0 {
			return fmt.Errorf("alerts reset timeout must be positive")
		}
		switch strings.ToUpper(c.Alerts.SeverityFloor) {
		case "LOW", "MEDIUM", "HIGH", "CRITICAL":
		default:
			return fmt.Errorf("alerts severity floor %q is not a severity", c.Alerts.SeverityFloor)
		}
	}
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		return fmt.Errorf("server port %d is out of range", c.Server.Port)
	}
	return nil
}

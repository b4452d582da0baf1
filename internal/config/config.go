// Package config provides centralized configuration management for the daily
// volumes and historical trades tools. Configuration is layered from defaults,
// an optional .env file, an optional JSON or YAML config file and environment
// variables, then validated as a whole.
package config

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is used when CONFIG_PATH is not set. A missing file is not an error.
const DefaultConfigPath = "btcdata.json"

// AppConfig represents the complete application configuration
type AppConfig struct {
	// Application metadata
	AppName    string `json:"app_name" yaml:"app_name" env:"APP_NAME"`
	Version    string `json:"version" yaml:"version" env:"VERSION"`
	ConfigPath string `json:"-" yaml:"-" env:"CONFIG_PATH"`

	Input       InputConfig       `json:"input" yaml:"input"`
	Aggregation AggregationConfig `json:"aggregation" yaml:"aggregation"`
	Report      ReportConfig      `json:"report" yaml:"report"`
	Storage     StorageConfig     `json:"storage" yaml:"storage"`
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
}

// InputConfig locates the raw per-exchange trade files
type InputConfig struct {
	Dir     string `json:"dir" yaml:"dir" env:"INPUT_DIR"`             // Directory holding raw CSV files
	Pattern string `json:"pattern" yaml:"pattern" env:"INPUT_PATTERN"` // Glob pattern matched inside Dir
}

// AggregationConfig configures the daily aggregation run
type AggregationConfig struct {
	Timezone      string `json:"timezone" yaml:"timezone" env:"TIMEZONE"`                   // IANA zone, "UTC" or "Local"
	ProgressEvery int    `json:"progress_every" yaml:"progress_every" env:"PROGRESS_EVERY"` // Rows between progress logs
	Workers       int    `json:"workers" yaml:"workers" env:"WORKER_COUNT"`                 // Exchanges processed in parallel
}

// ReportConfig configures where daily result CSVs are written
type ReportConfig struct {
	OutputDir string `json:"output_dir" yaml:"output_dir" env:"OUTPUT_DIR"`
}

// StorageConfig configures the historical trades store
type StorageConfig struct {
	Type        string            `json:"type" yaml:"type" env:"STORAGE_TYPE"`                 // "duckdb", "memory"
	DatabaseURL string            `json:"database_url" yaml:"database_url" env:"DATABASE_URL"` // Database file path
	BatchSize   int               `json:"batch_size" yaml:"batch_size" env:"BATCH_SIZE"`       // Rows per committed batch
	OpenRetry   RetryPolicyConfig `json:"open_retry" yaml:"open_retry"`                        // Retry for lock contention on open
}

// LoggingConfig configures structured logging
type LoggingConfig struct {
	Level         string            `json:"level" yaml:"level" env:"LOG_LEVEL"`                 // Log level: debug, info, warn, error
	Format        string            `json:"format" yaml:"format" env:"LOG_FORMAT"`              // Log format: json, text
	Output        string            `json:"output" yaml:"output" env:"LOG_OUTPUT"`              // Output: stdout, stderr, file
	FilePath      string            `json:"file_path" yaml:"file_path" env:"LOG_FILE_PATH"`     // Log file path
	MaxSize       int               `json:"max_size" yaml:"max_size" env:"LOG_MAX_SIZE"`        // Maximum log file size in MB
	MaxBackups    int               `json:"max_backups" yaml:"max_backups" env:"LOG_MAX_BACKUPS"` // Maximum log file backups
	MaxAge        int               `json:"max_age" yaml:"max_age" env:"LOG_MAX_AGE"`           // Maximum log file age in days
	Compress      bool              `json:"compress" yaml:"compress" env:"LOG_COMPRESS"`        // Compress old log files
	ContextFields map[string]string `json:"context_fields" yaml:"context_fields"`               // Additional context fields
}

// RetryPolicyConfig configures retry behavior
type RetryPolicyConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`         // Maximum attempts including the first
	InitialDelay    string `json:"initial_delay" yaml:"initial_delay"`       // Initial delay between retries
	MaxDelay        string `json:"max_delay" yaml:"max_delay"`               // Maximum delay between retries
	BackoffStrategy string `json:"backoff_strategy" yaml:"backoff_strategy"` // fixed or exponential
}

// ConfigManager handles configuration loading and validation
type ConfigManager struct {
	config     *AppConfig
	configPath string
	envFile    string
	logger     *slog.Logger
}

// NewConfigManager creates a new configuration manager. An empty configPath
// skips the config file; envFile names a dotenv file to preload (empty skips it).
func NewConfigManager(configPath, envFile string, logger *slog.Logger) *ConfigManager {
	if logger == nil {
		logger = slog.Default()
	}

	return &ConfigManager{
		configPath: configPath,
		envFile:    envFile,
		logger:     logger,
	}
}

// NewDefaultConfigManager creates a manager that reads ./.env and the file named
// by CONFIG_PATH (or DefaultConfigPath).
func NewDefaultConfigManager(logger *slog.Logger) *ConfigManager {
	path := DefaultConfigPath
	if val := os.Getenv("CONFIG_PATH"); val != "" {
		path = val
	}
	return NewConfigManager(path, ".env", logger)
}

// LoadConfig loads configuration from multiple sources with priority order:
// 1. Environment variables, including those from the .env file (highest priority)
// 2. Configuration file
// 3. Default values (lowest priority)
func (cm *ConfigManager) LoadConfig(ctx context.Context) (*AppConfig, error) {
	config := DefaultConfig()
	config.ConfigPath = cm.configPath

	if err := cm.loadEnvFile(); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	if cm.configPath != "" {
		if err := cm.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := cm.loadFromEnv(config); err != nil {
		return nil, fmt.Errorf("failed to load config from environment: %w", err)
	}

	if err := cm.validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	cm.config = config
	cm.logger.Debug("configuration loaded successfully",
		"config_path", cm.configPath,
		"input_dir", config.Input.Dir,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadEnvFile preloads variables from the dotenv file without overriding
// variables already present in the process environment.
func (cm *ConfigManager) loadEnvFile() error {
	if cm.envFile == "" {
		return nil
	}
	if _, err := os.Stat(cm.envFile); os.IsNotExist(err) {
		return nil
	}
	if err := godotenv.Load(cm.envFile); err != nil {
		return fmt.Errorf("failed to read %s: %w", cm.envFile, err)
	}
	cm.logger.Debug("loaded environment file", "path", cm.envFile)
	return nil
}

// loadFromFile loads configuration from a JSON or YAML file, chosen by extension
func (cm *ConfigManager) loadFromFile(config *AppConfig) error {
	if _, err := os.Stat(cm.configPath); os.IsNotExist(err) {
		cm.logger.Debug("config file does not exist, using defaults", "path", cm.configPath)
		return nil
	}

	data, err := os.ReadFile(cm.configPath)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", cm.configPath, err)
	}

	switch strings.ToLower(filepath.Ext(cm.configPath)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, config)
	default:
		err = json.Unmarshal(data, config)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", cm.configPath, err)
	}

	cm.logger.Debug("loaded configuration from file", "path", cm.configPath)
	return nil
}

// loadFromEnv loads configuration from environment variables
func (cm *ConfigManager) loadFromEnv(config *AppConfig) error {
	if val := os.Getenv("APP_NAME"); val != "" {
		config.AppName = val
	}

	// Input
	if val := os.Getenv("INPUT_DIR"); val != "" {
		config.Input.Dir = val
	}
	if val := os.Getenv("INPUT_PATTERN"); val != "" {
		config.Input.Pattern = val
	}

	// Aggregation
	if val := os.Getenv("TIMEZONE"); val != "" {
		config.Aggregation.Timezone = val
	}
	if err := envInt("PROGRESS_EVERY", &config.Aggregation.ProgressEvery); err != nil {
		return err
	}
	if err := envInt("WORKER_COUNT", &config.Aggregation.Workers); err != nil {
		return err
	}

	// Report
	if val := os.Getenv("OUTPUT_DIR"); val != "" {
		config.Report.OutputDir = val
	}

	// Storage
	if val := os.Getenv("STORAGE_TYPE"); val != "" {
		config.Storage.Type = val
	}
	if val := os.Getenv("DATABASE_URL"); val != "" {
		config.Storage.DatabaseURL = val
	}
	if err := envInt("BATCH_SIZE", &config.Storage.BatchSize); err != nil {
		return err
	}

	// Logging
	if val := os.Getenv("LOG_LEVEL"); val != "" {
		config.Logging.Level = val
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		config.Logging.Format = val
	}
	if val := os.Getenv("LOG_OUTPUT"); val != "" {
		config.Logging.Output = val
	}
	if val := os.Getenv("LOG_FILE_PATH"); val != "" {
		config.Logging.FilePath = val
	}

	return nil
}

func envInt(key string, dst *int) error {
	val := os.Getenv(key)
	if val == "" {
		return nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return fmt.Errorf("%s must be an integer: %w", key, err)
	}
	*dst = n
	return nil
}

// validateConfig validates the configuration for consistency and required fields
func (cm *ConfigManager) validateConfig(config *AppConfig) error {
	var errors []string

	if config.Input.Dir == "" {
		errors = append(errors, "input.dir is required")
	}
	if config.Input.Pattern == "" {
		errors = append(errors, "input.pattern is required")
	} else if _, err := filepath.Match(config.Input.Pattern, ""); err != nil {
		errors = append(errors, fmt.Sprintf("input.pattern is not a valid glob: %v", err))
	}

	if _, err := config.Aggregation.Location(); err != nil {
		errors = append(errors, fmt.Sprintf("aggregation.timezone is not a known location: %v", err))
	}
	if config.Aggregation.ProgressEvery <= 0 {
		errors = append(errors, "aggregation.progress_every must be greater than 0")
	}
	if config.Aggregation.Workers <= 0 {
		errors = append(errors, "aggregation.workers must be greater than 0")
	}

	if config.Report.OutputDir == "" {
		errors = append(errors, "report.output_dir is required")
	}

	validStorage := map[string]bool{"duckdb": true, "memory": true}
	if !validStorage[config.Storage.Type] {
		errors = append(errors, "storage.type must be one of: duckdb, memory")
	}
	if config.Storage.Type == "duckdb" && config.Storage.DatabaseURL == "" {
		errors = append(errors, "storage.database_url is required for DuckDB storage")
	}
	if config.Storage.BatchSize <= 0 {
		errors = append(errors, "storage.batch_size must be greater than 0")
	}
	if config.Storage.OpenRetry.MaxAttempts <= 0 {
		errors = append(errors, "storage.open_retry.max_attempts must be greater than 0")
	}
	for name, d := range map[string]string{
		"storage.open_retry.initial_delay": config.Storage.OpenRetry.InitialDelay,
		"storage.open_retry.max_delay":     config.Storage.OpenRetry.MaxDelay,
	} {
		if _, err := time.ParseDuration(d); err != nil {
			errors = append(errors, fmt.Sprintf("%s is not a valid duration: %v", name, err))
		}
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[config.Logging.Level] {
		errors = append(errors, "logging.level must be one of: debug, info, warn, error")
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[config.Logging.Format] {
		errors = append(errors, "logging.format must be one of: json, text")
	}

	validLogOutputs := map[string]bool{"stdout": true, "stderr": true, "file": true}
	if !validLogOutputs[config.Logging.Output] {
		errors = append(errors, "logging.output must be one of: stdout, stderr, file")
	}
	if config.Logging.Output == "file" && config.Logging.FilePath == "" {
		errors = append(errors, "logging.file_path is required when output is file")
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// GetConfig returns the current configuration
func (cm *ConfigManager) GetConfig() *AppConfig {
	return cm.config
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *AppConfig {
	return &AppConfig{
		AppName: "btc-daily-volumes",
		Version: "1.0.0",
		Input: InputConfig{
			Dir:     "raw-price-data",
			Pattern: "*.csv",
		},
		Aggregation: AggregationConfig{
			Timezone:      "UTC",
			ProgressEvery: 10000,
			Workers:       1,
		},
		Report: ReportConfig{
			OutputDir: ".",
		},
		Storage: StorageConfig{
			Type:        "duckdb",
			DatabaseURL: "market_data.db",
			BatchSize:   10000,
			OpenRetry: RetryPolicyConfig{
				MaxAttempts:     5,
				InitialDelay:    "200ms",
				MaxDelay:        "5s",
				BackoffStrategy: "exponential",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
			Compress:   true,
			ContextFields: map[string]string{
				"service": "btc-daily-volumes",
			},
		},
	}
}

// Location resolves the configured timezone used to bucket trades into days
func (c AggregationConfig) Location() (*time.Location, error) {
	switch c.Timezone {
	case "", "UTC":
		return time.UTC, nil
	case "Local":
		return time.Local, nil
	default:
		return time.LoadLocation(c.Timezone)
	}
}

// String returns a JSON representation of the configuration
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Package config loads service settings from an optional YAML file and the
// environment. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/example/face-service/internal/labels"
)

// Config holds every runtime setting.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr"`

	ModelPath      string `yaml:"model_path"`
	LabelsPath     string `yaml:"labels_path"`
	LabelFormat    string `yaml:"label_format"`
	ORTLibraryPath string `yaml:"onnxruntime_library_path"`
	IntraOpThreads int    `yaml:"intra_op_threads"`
	InputWidth     int    `yaml:"input_width"`
	InputHeight    int    `yaml:"input_height"`

	InferTimeout    time.Duration `yaml:"infer_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	ResultTTL       time.Duration `yaml:"result_ttl"`

	DatabaseDSN string `yaml:"database_dsn"`
	RedisAddr   string `yaml:"redis_addr"`

	JWTSecret   string `yaml:"jwt_secret"`
	JWTAudience string `yaml:"jwt_audience"`

	LogLevel string `yaml:"log_level"`
}

// Defaults returns the settings used when neither file nor environment
// provide a value.
func Defaults() *Config {
	return &Config{
		HTTPAddr:        ":8080",
		GRPCAddr:        ":50051",
		LabelFormat:     string(labels.FormatPlain),
		InferTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		ResultTTL:       5 * time.Minute,
		JWTSecret:       "dev-secret",
		LogLevel:        "info",
	}
}

// Load reads CONFIG_FILE when set, applies environment overrides and validates.
func Load() (*Config, error) {
	cfg := Defaults()
	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.HTTPAddr, "HTTP_ADDR")
	setString(&c.GRPCAddr, "GRPC_ADDR")
	setString(&c.ModelPath, "MODEL_PATH")
	setString(&c.LabelsPath, "LABELS_PATH")
	setString(&c.LabelFormat, "LABEL_FORMAT")
	setString(&c.ORTLibraryPath, "ONNXRUNTIME_SHARED_LIBRARY_PATH")
	setString(&c.DatabaseDSN, "DATABASE_DSN")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.JWTAudience, "JWT_AUDIENCE")
	setString(&c.LogLevel, "LOG_LEVEL")

	var errs []error
	errs = append(errs,
		setInt(&c.IntraOpThreads, "INTRA_OP_THREADS"),
		setInt(&c.InputWidth, "INPUT_WIDTH"),
		setInt(&c.InputHeight, "INPUT_HEIGHT"),
		setDuration(&c.InferTimeout, "INFER_TIMEOUT"),
		setDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT"),
		setDuration(&c.ResultTTL, "RESULT_TTL"),
	)
	return errors.Join(errs...)
}

// Validate checks that the service can start with these settings.
func (c *Config) Validate() error {
	if c.ModelPath == "" {
		return errors.New("MODEL_PATH is required")
	}
	if c.LabelsPath == "" {
		return errors.New("LABELS_PATH is required")
	}
	if _, err := labels.ParseFormat(c.LabelFormat); err != nil {
		return err
	}
	if c.InferTimeout <= 0 || c.ShutdownTimeout <= 0 || c.ResultTTL <= 0 {
		return fmt.Errorf("timeouts must be > 0 (got infer=%s, shutdown=%s, result_ttl=%s)",
			c.InferTimeout, c.ShutdownTimeout, c.ResultTTL)
	}
	if c.IntraOpThreads < 0 || c.InputWidth < 0 || c.InputHeight < 0 {
		return errors.New("thread and input size settings must not be negative")
	}
	if (c.InputWidth == 0) != (c.InputHeight == 0) {
		return errors.New("INPUT_WIDTH and INPUT_HEIGHT must be set together")
	}
	return nil
}

func setString(dst *string, key string) {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		*dst = value
	}
}

func setInt(dst *int, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = n
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", key, value)
	}
	*dst = d
	return nil
}

// Package config loads engine configuration from an optional YAML file with
// environment variable overrides. Every option has a working default.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	// Transport
	RedisURL           string `yaml:"redis_url" env:"REDIS_URL"`
	RedisStreamName    string `yaml:"redis_stream_name" env:"REDIS_STREAM_NAME"`
	RedisResultsStream string `yaml:"redis_results_stream" env:"REDIS_RESULTS_STREAM"`
	ExplanationsStream string `yaml:"explanations_stream" env:"EXPLANATIONS_STREAM"`

	// Model
	ModelType      string  `yaml:"model_type" env:"MODEL_TYPE"`
	ModelPath      string  `yaml:"model_path" env:"MODEL_PATH"`
	FraudThreshold float64 `yaml:"fraud_threshold" env:"FRAUD_THRESHOLD"`

	// Explainer
	EnableAIReasoning    bool   `yaml:"enable_ai_reasoning" env:"ENABLE_AI_REASONING"`
	AIReasoningMode      string `yaml:"ai_reasoning_mode" env:"AI_REASONING_MODE"`
	RemoteExplainerURL   string `yaml:"remote_explainer_url" env:"REMOTE_EXPLAINER_URL"`
	RemoteExplainerModel string `yaml:"remote_explainer_model" env:"REMOTE_EXPLAINER_MODEL"`

	// Feature extraction
	FeatureWindow int `yaml:"feature_window" env:"FEATURE_WINDOW"`

	// Persistence. Empty disables the database entirely.
	DatabaseURL string `yaml:"database_url" env:"DATABASE_URL"`

	// Pipeline
	Workers         int           `yaml:"workers" env:"WORKERS"`
	PartitionDepth  int           `yaml:"partition_depth" env:"PARTITION_DEPTH"`
	RecentRingSize  int           `yaml:"recent_ring_size" env:"RECENT_RING_SIZE"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// HTTP facade
	HTTPHost string `yaml:"http_host" env:"HTTP_HOST"`
	HTTPPort int    `yaml:"http_port" env:"HTTP_PORT"`
}

// Default returns the canonical defaults.
func Default() Config {
	return Config{
		RedisURL:           "redis://localhost:6379",
		RedisStreamName:    "transactions",
		RedisResultsStream: "fraud_results",
		ExplanationsStream: "fraud_explanations",
		ModelType:          "pretrained_lr",
		FraudThreshold:     0.35,
		EnableAIReasoning:  true,
		AIReasoningMode:    "template",
		FeatureWindow:      1000,
		Workers:            runtime.NumCPU(),
		PartitionDepth:     256,
		RecentRingSize:     500,
		ShutdownTimeout:    5 * time.Second,
		HTTPHost:           "0.0.0.0",
		HTTPPort:           8000,
	}
}

// Load reads the YAML file at path (skipped when path is empty or missing)
// and then applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return Config{}, fmt.Errorf("read config %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.RedisURL, "REDIS_URL")
	envString(&c.RedisStreamName, "REDIS_STREAM_NAME")
	envString(&c.RedisResultsStream, "REDIS_RESULTS_STREAM")
	envString(&c.ExplanationsStream, "EXPLANATIONS_STREAM")
	envString(&c.ModelType, "MODEL_TYPE")
	envString(&c.ModelPath, "MODEL_PATH")
	envFloat(&c.FraudThreshold, "FRAUD_THRESHOLD")
	envBool(&c.EnableAIReasoning, "ENABLE_AI_REASONING")
	envString(&c.AIReasoningMode, "AI_REASONING_MODE")
	envString(&c.RemoteExplainerURL, "REMOTE_EXPLAINER_URL")
	envString(&c.RemoteExplainerModel, "REMOTE_EXPLAINER_MODEL")
	envInt(&c.FeatureWindow, "FEATURE_WINDOW")
	envString(&c.DatabaseURL, "DATABASE_URL")
	envInt(&c.Workers, "WORKERS")
	envInt(&c.PartitionDepth, "PARTITION_DEPTH")
	envInt(&c.RecentRingSize, "RECENT_RING_SIZE")
	envDuration(&c.ShutdownTimeout, "SHUTDOWN_TIMEOUT")
	envString(&c.HTTPHost, "HTTP_HOST")
	envInt(&c.HTTPPort, "HTTP_PORT")
}

// Validate rejects configurations the engine cannot run with.
func (c Config) Validate() error {
	if c.FraudThreshold < 0 || c.FraudThreshold > 1 {
		return fmt.Errorf("fraud_threshold must be in [0,1], got %f", c.FraudThreshold)
	}
	if c.FeatureWindow <= 0 {
		return fmt.Errorf("feature_window must be positive, got %d", c.FeatureWindow)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.PartitionDepth <= 0 {
		return fmt.Errorf("partition_depth must be positive, got %d", c.PartitionDepth)
	}
	switch c.AIReasoningMode {
	case "template", "remote":
	default:
		return fmt.Errorf("ai_reasoning_mode must be template or remote, got %q", c.AIReasoningMode)
	}
	if c.AIReasoningMode == "remote" && c.RemoteExplainerURL == "" {
		return fmt.Errorf("remote_explainer_url is required in remote reasoning mode")
	}
	return nil
}

func envString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every externally configurable value of the service.
type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	UploadDir       string        `env:"UPLOAD_DIR" envDefault:"./uploads"`

	ModelURL         string        `env:"MODEL_URL" envDefault:"./models/model.onnx"`
	ModelCacheDir    string        `env:"MODEL_CACHE_DIR" envDefault:"./models/cache"`
	ModelInputName   string        `env:"MODEL_INPUT_NAME" envDefault:"input"`
	ModelOutputName  string        `env:"MODEL_OUTPUT_NAME" envDefault:"output"`
	ModelLoadTimeout time.Duration `env:"MODEL_LOAD_TIMEOUT" envDefault:"2m"`
	OnnxRuntimeLib   string        `env:"ONNX_RUNTIME_LIB"`

	S3EndpointURL     string `env:"S3_ENDPOINT_URL"`
	S3Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	S3AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`

	RedisAddr     string        `env:"REDIS_ADDR"`
	ScoreCacheTTL time.Duration `env:"SCORE_CACHE_TTL" envDefault:"10m"`

	GRPCHealthAddr string `env:"GRPC_HEALTH_ADDR"`
}

// Load reads an optional .env file and then parses the environment.
func Load() (*Config, error) {
	// a missing .env is the normal case outside local development
	_ = godotenv.Load()
	return Parse()
}

// Parse builds a Config from the process environment only.
func Parse() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects values the service cannot start with.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid PORT %d", c.Port)
	}
	if c.ModelURL == "" {
		return errors.New("MODEL_URL must not be empty")
	}
	if c.UploadDir == "" {
		return errors.New("UPLOAD_DIR must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return errors.New("SHUTDOWN_TIMEOUT must be positive")
	}
	return nil
}

// Addr is the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

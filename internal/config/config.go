package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v9"
)

// minPartSize mirrors the S3 lower bound for multipart parts.
const minPartSize = 5 << 20

type Config struct {
	Server  Server
	Storage Storage
	Queue   Queue
}

type Server struct {
	Port               string        `env:"PORT" envDefault:"8080"`
	LogLevel           string        `env:"LOG_LEVEL" envDefault:"info"`
	MaxFileSize        int64         `env:"MAX_FILE_SIZE" envDefault:"5000000"`
	RateLimitPerMinute int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"1000"`
	ShutdownTimeout    time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	TrustProxy         bool          `env:"TRUST_PROXY" envDefault:"false"`
	RateLimitIdleTTL   time.Duration `env:"RATE_LIMIT_IDLE_TTL" envDefault:"10m"`
	CORSOrigin         string        `env:"CORS_ORIGIN" envDefault:"http://localhost:3000"`
}

type Storage struct {
	Endpoint        string `env:"R2_ENDPOINT,required,notEmpty"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID,required,notEmpty"`
	SecretAccessKey string `env:"R2_SECRET_ACCESS_KEY,required,notEmpty"`
	Bucket          string `env:"R2_BUCKET_NAME,required,notEmpty"`
	Region          string `env:"R2_REGION" envDefault:"us-east-1"`
	ForcePathStyle  bool   `env:"S3_FORCE_PATH_STYLE" envDefault:"false"`
	PartSize        int    `env:"UPLOAD_PART_SIZE" envDefault:"5242880"`
}

type Queue struct {
	URL     string `env:"RABBITMQ_URL"`
	Name    string `env:"RABBITMQ_QUEUE" envDefault:"fruits_queue"`
	Pattern string `env:"NOTIFY_PATTERN" envDefault:"nueva_fruta"`
	Buffer  int    `env:"NOTIFY_BUFFER" envDefault:"256"`
}

func NewConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config validation error: %w", err)
	}
	return cfg, nil
}

// Validate checks the values env tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.Port == "" {
		errs = append(errs, errors.New("PORT must not be empty"))
	}
	if _, err := ParseLogLevel(c.Server.LogLevel); err != nil {
		errs = append(errs, err)
	}
	if c.Server.RateLimitIdleTTL <= 0 {
		errs = append(errs, errors.New("RATE_LIMIT_IDLE_TTL must be positive"))
	}
	if c.Server.MaxFileSize <= 0 {
		errs = append(errs, errors.New("MAX_FILE_SIZE must be positive"))
	}
	if u, err := url.Parse(c.Storage.Endpoint); err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Errorf("R2_ENDPOINT must be an absolute URI, got %q", c.Storage.Endpoint))
	}
	if c.Storage.PartSize < minPartSize {
		errs = append(errs, fmt.Errorf("UPLOAD_PART_SIZE must be at least %d", minPartSize))
	}
	if c.Queue.URL != "" && c.Queue.Name == "" {
		errs = append(errs, errors.New("RABBITMQ_QUEUE is required when RABBITMQ_URL is set"))
	}

	return errors.Join(errs...)
}

// ParseLogLevel maps LOG_LEVEL to a slog level.
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown LOG_LEVEL %q", level)
}

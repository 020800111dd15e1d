// Package config reads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"canvascache/internal/imageproc"
)

type Redis struct {
	Addr     string        `env:"ADDR" envDefault:"127.0.0.1:6379"`
	Password string        `env:"PASSWORD" envDefault:""`
	DB       int           `env:"DB" envDefault:"0"`
	Timeout  time.Duration `env:"TIMEOUT" envDefault:"2s"`
}

type LLM struct {
	BaseURL string `env:"BASE_URL" envDefault:"https://api.openai.com"`
	APIKey  string `env:"API_KEY" envDefault:""`
	Model   string `env:"MODEL" envDefault:"gpt-4o-mini"`
}

type Config struct {
	Port     string `env:"PORT" envDefault:"8080"`
	Env      string `env:"ENV" envDefault:"production"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	CacheBackend     string `env:"CACHE_BACKEND" envDefault:"memory"`
	CachePrefix      string `env:"CACHE_PREFIX" envDefault:"canvascache"`
	Redis            Redis  `envPrefix:"REDIS_"`
	MemoryMaxEntries int    `env:"MEMORY_MAX_ENTRIES" envDefault:"10000"`

	SimilarityThreshold float64 `env:"SIMILARITY_THRESHOLD" envDefault:"0.85"`
	HashSize            int     `env:"HASH_SIZE" envDefault:"8"`
	HashAlgorithm       string  `env:"HASH_ALGORITHM" envDefault:"average"`
	MaxWidth            int     `env:"MAX_WIDTH" envDefault:"1024"`
	MaxHeight           int     `env:"MAX_HEIGHT" envDefault:"1024"`

	CanvasTTL      time.Duration `env:"CANVAS_TTL" envDefault:"2h"`
	ImageTTL       time.Duration `env:"IMAGE_TTL" envDefault:"24h"`
	ProcessTimeout time.Duration `env:"PROCESS_TIMEOUT" envDefault:"10s"`
	MaxUploadBytes int64         `env:"MAX_UPLOAD_BYTES" envDefault:"10485760"`

	EvictSchedule string `env:"EVICT_SCHEDULE" envDefault:"@every 1h"`
	ProbeSchedule string `env:"PROBE_SCHEDULE" envDefault:"@every 30s"`

	LLM LLM `envPrefix:"LLM_"`
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error

	switch c.CacheBackend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("CACHE_BACKEND must be memory or redis, got %q", c.CacheBackend))
	}
	if c.SimilarityThreshold <= 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("SIMILARITY_THRESHOLD must be in (0, 1], got %v", c.SimilarityThreshold))
	}
	if c.HashSize < 2 {
		errs = append(errs, fmt.Errorf("HASH_SIZE must be at least 2, got %d", c.HashSize))
	}
	switch imageproc.Algorithm(c.HashAlgorithm) {
	case imageproc.AlgorithmAverage:
	case imageproc.AlgorithmDifference, imageproc.AlgorithmPerception:
		if c.HashSize != imageproc.DefaultHashSize {
			errs = append(errs, fmt.Errorf("HASH_ALGORITHM %s requires HASH_SIZE %d", c.HashAlgorithm, imageproc.DefaultHashSize))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown HASH_ALGORITHM %q", c.HashAlgorithm))
	}
	if c.MaxWidth <= 0 || c.MaxHeight <= 0 {
		errs = append(errs, errors.New("MAX_WIDTH and MAX_HEIGHT must be positive"))
	}
	if c.CanvasTTL <= 0 || c.ImageTTL <= 0 {
		errs = append(errs, errors.New("CANVAS_TTL and IMAGE_TTL must be positive"))
	}
	if c.MaxUploadBytes <= 0 {
		errs = append(errs, errors.New("MAX_UPLOAD_BYTES must be positive"))
	}
	if c.MemoryMaxEntries < 0 {
		errs = append(errs, errors.New("MEMORY_MAX_ENTRIES must not be negative"))
	}

	return errors.Join(errs...)
}

// Dimensions is the optimizer's default bounding box.
func (c Config) Dimensions() imageproc.Dimensions {
	return imageproc.Dimensions{Width: c.MaxWidth, Height: c.MaxHeight}
}

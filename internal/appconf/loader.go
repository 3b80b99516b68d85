package appconf

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// FileConfig mirrors the YAML config file. Zero values mean "keep the default".
type FileConfig struct {
	Port           int               `yaml:"port" validate:"gte=0,lte=65535"`
	Env            string            `yaml:"env" validate:"omitempty,oneof=development test production"`
	City           string            `yaml:"city"`
	CityDBPath     string            `yaml:"city-db-path"`
	ApiKeys        []string          `yaml:"api-keys"`
	ExemptApiKeys  []string          `yaml:"exempt-api-keys"`
	RateLimit      int               `yaml:"rate-limit" validate:"gte=0"`
	Verbose        bool              `yaml:"verbose"`
	LogLevel       string            `yaml:"log-level" validate:"omitempty,oneof=debug info warn error"`
	AllowedOrigins []string          `yaml:"allowed-origins"`
	SyncTimeout    string            `yaml:"sync-optimize-timeout"`
	IdleTimeout    string            `yaml:"stream-idle-timeout"`
	StreamBuffer   int               `yaml:"stream-buffer" validate:"gte=0"`
	GenerationTime string            `yaml:"expected-generation-time"`
	Seed           *int64            `yaml:"seed"`
	MaxJobs        int               `yaml:"max-concurrent-jobs" validate:"gte=0"`
	Evaluation     *EvaluationConfig `yaml:"evaluation"`
}

// LoadFromFile reads and validates a YAML config file.
func LoadFromFile(path string) (*FileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validator.New().Struct(fc); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &fc, nil
}

// ToAppConfig overlays the file values on top of Default().
func (fc *FileConfig) ToAppConfig() (Config, error) {
	cfg := Default()
	if fc.Port != 0 {
		cfg.Port = fc.Port
	}
	if fc.Env != "" {
		cfg.Env = EnvFlagToEnvironment(fc.Env)
	}
	if fc.City != "" {
		cfg.City = fc.City
	}
	if fc.CityDBPath != "" {
		cfg.CityDBPath = fc.CityDBPath
	}
	if len(fc.ApiKeys) > 0 {
		cfg.ApiKeys = fc.ApiKeys
	}
	if len(fc.ExemptApiKeys) > 0 {
		cfg.ExemptApiKeys = fc.ExemptApiKeys
	}
	if fc.RateLimit != 0 {
		cfg.RateLimit = fc.RateLimit
	}
	cfg.Verbose = fc.Verbose
	if fc.LogLevel != "" {
		cfg.LogLevel = fc.LogLevel
	}
	if len(fc.AllowedOrigins) > 0 {
		cfg.AllowedOrigins = fc.AllowedOrigins
	}
	if fc.StreamBuffer != 0 {
		cfg.StreamBuffer = fc.StreamBuffer
	}
	if fc.Seed != nil {
		cfg.Seed = *fc.Seed
	}
	if fc.MaxJobs != 0 {
		cfg.MaxConcurrentJobs = fc.MaxJobs
	}
	if fc.Evaluation != nil {
		cfg.Evaluation = *fc.Evaluation
	}

	durations := []struct {
		raw    string
		target *time.Duration
		name   string
	}{
		{fc.SyncTimeout, &cfg.SyncOptimizeTimeout, "sync-optimize-timeout"},
		{fc.IdleTimeout, &cfg.StreamIdleTimeout, "stream-idle-timeout"},
		{fc.GenerationTime, &cfg.ExpectedGenerationTime, "expected-generation-time"},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		parsed, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", d.name, d.raw, err)
		}
		*d.target = parsed
	}

	return cfg, nil
}

// LoadDotEnv loads a .env file into the process environment when one exists.
// Variables already set are not overridden.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	var existing []string
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			existing = append(existing, p)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays ROUTEOPT_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var errs []error

	if v := os.Getenv("ROUTEOPT_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("ROUTEOPT_PORT: %w", err))
		} else {
			cfg.Port = port
		}
	}
	if v := os.Getenv("ROUTEOPT_ENV"); v != "" {
		cfg.Env = EnvFlagToEnvironment(v)
	}
	if v := os.Getenv("ROUTEOPT_CITY"); v != "" {
		cfg.City = v
	}
	if v := os.Getenv("ROUTEOPT_CITY_DB"); v != "" {
		cfg.CityDBPath = v
	}
	if v := os.Getenv("ROUTEOPT_API_KEYS"); v != "" {
		cfg.ApiKeys = SplitList(v)
	}
	if v := os.Getenv("ROUTEOPT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("ROUTEOPT_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = SplitList(v)
	}
	if v := os.Getenv("ROUTEOPT_SEED"); v != "" {
		seed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("ROUTEOPT_SEED: %w", err))
		} else {
			cfg.Seed = seed
		}
	}

	return errors.Join(errs...)
}

// Validate checks cfg against its struct tags.
func Validate(cfg Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// SplitList splits a comma separated list, trimming whitespace and dropping empty items.
func SplitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

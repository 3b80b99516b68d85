// Package appconf holds the service configuration and the loaders that fill it
// from a YAML file and the process environment.
package appconf

import (
	"strings"
	"time"
)

type Environment int

const (
	Development Environment = iota
	Test
	Production
)

func (e Environment) String() string {
	switch e {
	case Test:
		return "test"
	case Production:
		return "production"
	default:
		return "development"
	}
}

// EnvFlagToEnvironment converts the --env flag value. Unknown values mean development.
func EnvFlagToEnvironment(env string) Environment {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "test":
		return Test
	case "production", "prod":
		return Production
	default:
		return Development
	}
}

// EvaluationConfig carries the scoring constants that are fixed per deployment.
type EvaluationConfig struct {
	WalkRadiusM     float64 `yaml:"walk_radius_m" validate:"gt=0,lte=2000"`
	TransferRadiusM float64 `yaml:"transfer_radius_m" validate:"gte=0,lte=1000"`
	Period          string  `yaml:"period" validate:"oneof=MORNING AM_RUSH MID_DAY PM_RUSH EVENING"`
}

type Config struct {
	Port           int `validate:"gte=0,lte=65535"`
	Env            Environment
	City           string `validate:"required"`
	CityDBPath     string `validate:"required"`
	ApiKeys        []string
	ExemptApiKeys  []string
	RateLimit      int `validate:"gte=0"`
	Verbose        bool
	LogLevel       string `validate:"omitempty,oneof=debug info warn error"`
	AllowedOrigins []string

	// SyncOptimizeTimeout bounds POST /optimize-routes.
	SyncOptimizeTimeout time.Duration `validate:"gt=0"`
	// StreamIdleTimeout closes a subscription that has not sent anything for this long.
	StreamIdleTimeout time.Duration `validate:"gt=0"`
	// StreamBuffer is the number of progress frames queued per subscription before the oldest is dropped.
	StreamBuffer int `validate:"gte=1"`
	// ExpectedGenerationTime times max_gen gives the wall-clock cap of one ACO run.
	ExpectedGenerationTime time.Duration `validate:"gt=0"`
	Seed                   int64
	// MaxConcurrentJobs bounds the optimization jobs running at once.
	MaxConcurrentJobs int `validate:"gte=1"`

	Evaluation EvaluationConfig
}

// Default returns a config with every optional field filled in.
func Default() Config {
	return Config{
		Port:                   4000,
		Env:                    Development,
		City:                   "toronto",
		CityDBPath:             "./city.db",
		RateLimit:              100,
		LogLevel:               "info",
		SyncOptimizeTimeout:    5 * time.Minute,
		StreamIdleTimeout:      30 * time.Second,
		StreamBuffer:           64,
		ExpectedGenerationTime: 2 * time.Second,
		Seed:                   42,
		MaxConcurrentJobs:      4,
		Evaluation: EvaluationConfig{
			WalkRadiusM:     400,
			TransferRadiusM: 150,
			Period:          "AM_RUSH",
		},
	}
}

// RequiresAPIKey reports whether requests must carry a key.
func (c Config) RequiresAPIKey() bool {
	return len(c.ApiKeys) > 0
}

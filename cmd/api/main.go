package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"routeopt.transitworks.org/internal/appconf"
	"routeopt.transitworks.org/internal/logging"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := loadConfig(args)
	if err != nil {
		return err
	}

	coreApp, err := BuildApplication(cfg)
	if err != nil {
		return err
	}
	logger := coreApp.Logger

	srv, api := CreateServer(coreApp, cfg)
	if err := Run(srv, api, coreApp, logger); err != nil {
		return logging.ReplaceLogFatal(logger, "server stopped with error", err)
	}
	return nil
}

// loadConfig layers the configuration: defaults, then the YAML file, then
// ROUTEOPT_* variables (a .env file included), then flags given explicitly.
func loadConfig(args []string) (appconf.Config, error) {
	fs := flag.NewFlagSet("api", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to a YAML config file")
	port := fs.Int("port", 4000, "API server port")
	env := fs.String("env", "development", "environment (development|test|production)")
	city := fs.String("city", "", "name of the city served")
	cityDB := fs.String("city-db", "", "path to the city SQLite database")
	apiKeys := fs.String("api-keys", "", "comma separated API keys; empty disables the check")
	rateLimit := fs.Int("rate-limit", 100, "requests per second per API key")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	verbose := fs.Bool("verbose", false, "log database statistics")
	if err := fs.Parse(args); err != nil {
		return appconf.Config{}, err
	}

	cfg := appconf.Default()
	if *configPath != "" {
		fc, err := appconf.LoadFromFile(*configPath)
		if err != nil {
			return appconf.Config{}, err
		}
		if cfg, err = fc.ToAppConfig(); err != nil {
			return appconf.Config{}, err
		}
	}

	if err := appconf.LoadDotEnv(); err != nil {
		slog.Warn("failed to load .env", slog.String("error", err.Error()))
	}
	if err := appconf.ApplyEnv(&cfg); err != nil {
		return appconf.Config{}, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "port":
			cfg.Port = *port
		case "env":
			cfg.Env = appconf.EnvFlagToEnvironment(*env)
		case "city":
			cfg.City = *city
		case "city-db":
			cfg.CityDBPath = *cityDB
		case "api-keys":
			cfg.ApiKeys = ParseAPIKeys(*apiKeys)
		case "rate-limit":
			cfg.RateLimit = *rateLimit
		case "log-level":
			cfg.LogLevel = *logLevel
		case "verbose":
			cfg.Verbose = *verbose
		}
	})

	if err := appconf.Validate(cfg); err != nil {
		return appconf.Config{}, err
	}
	for _, key := range cfg.ApiKeys {
		if key == "" {
			return appconf.Config{}, fmt.Errorf("invalid configuration: empty API key")
		}
	}
	return cfg, nil
}

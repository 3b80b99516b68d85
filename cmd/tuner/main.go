// Command tuner searches ACO parameters for a city and prints them as YAML.
// The output can be posted field by field to /update-aco-params.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"
	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/aco"
	"routeopt.transitworks.org/internal/appconf"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/tuner"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("tuner", flag.ContinueOnError)
	fs.SetOutput(stderr)
	dbPath := fs.String("db", "./city.db", "path to the city database")
	basePath := fs.String("base", "", "YAML file with the starting ACO parameters")
	routes := fs.String("routes", "", "comma separated route IDs; empty means every bus route")
	sampleSize := fs.Int("sample", 5, "routes evaluated per candidate (0 for all)")
	pop := fs.Uint("pop", 12, "GA population size")
	generations := fs.Uint("generations", 10, "GA generations")
	seed := fs.Int64("seed", 42, "random seed")
	logLevel := fs.String("log-level", "info", "log level (debug|info|warn|error)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	logger := logging.NewStructuredLogger(stderr, logging.ParseLevel(*logLevel))

	base := aco.DefaultParams()
	if *basePath != "" {
		data, err := os.ReadFile(*basePath)
		if err != nil {
			return fmt.Errorf("failed to read base parameters: %w", err)
		}
		if err := yaml.Unmarshal(data, &base); err != nil {
			return fmt.Errorf("failed to parse base parameters: %w", err)
		}
	}

	client, err := citydb.NewClient(citydb.Config{DBPath: *dbPath, ReadOnly: true})
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(client, logger, "city_db")

	city, err := client.LoadCity(ctx)
	if err != nil {
		return fmt.Errorf("failed to load city: %w", err)
	}
	n, err := network.Build(city, network.Options{Logger: logger})
	if err != nil {
		return fmt.Errorf("failed to build network: %w", err)
	}

	res, err := tuner.Tune(ctx, tuner.Config{
		Network:     n,
		Base:        base,
		RouteIDs:    appconf.SplitList(*routes),
		SampleSize:  *sampleSize,
		PopSize:     *pop,
		Generations: *generations,
		Seed:        *seed,
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	logger.Info("tuning finished",
		slog.String("city", city.Name()),
		slog.Any("routes", res.Routes),
		slog.Float64("mean_gain", res.MeanGain))

	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(res.Params); err != nil {
		return err
	}
	return enc.Close()
}

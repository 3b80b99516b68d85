package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/app"
	"routeopt.transitworks.org/internal/appconf"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/metrics"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/restapi"
	"routeopt.transitworks.org/internal/webui"
)

const dbStatsInterval = 15 * time.Second

// ParseAPIKeys splits a comma separated key list. Empty entries are kept so
// that a stray comma shows up in validation instead of disappearing.
func ParseAPIKeys(apiKeysFlag string) []string {
	if apiKeysFlag == "" {
		return []string{}
	}
	keys := strings.Split(apiKeysFlag, ",")
	for i, key := range keys {
		keys[i] = strings.TrimSpace(key)
	}
	return keys
}

// BuildApplication opens the city database, builds the network and wires
// the optimizer services around it.
func BuildApplication(cfg appconf.Config) (*app.Application, error) {
	logger := logging.NewStructuredLogger(os.Stdout, logging.ParseLevel(cfg.LogLevel))

	client, err := citydb.NewClient(citydb.Config{
		DBPath:   cfg.CityDBPath,
		ReadOnly: true,
		Verbose:  cfg.Verbose,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open city database: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	started := time.Now()
	city, err := client.LoadCity(ctx)
	if err != nil {
		logging.SafeCloseWithLogging(client, logger, "city_db")
		return nil, fmt.Errorf("failed to load city: %w", err)
	}

	n, err := network.Build(city, network.Options{Logger: logger})
	if err != nil {
		logging.SafeCloseWithLogging(client, logger, "city_db")
		return nil, fmt.Errorf("failed to build network: %w", err)
	}
	if name := city.Name(); name != "" && !strings.EqualFold(name, cfg.City) {
		logger.Warn("city database name differs from configured city",
			slog.String("configured", cfg.City),
			slog.String("database", name))
	}

	stats := n.Stats()
	logging.LogOperation(logger, "city_network_loaded",
		slog.String("city", cfg.City),
		slog.Int("stops", stats.Stops),
		slog.Int("routes", stats.Routes),
		slog.Int("bus_routes", stats.BusRoutes),
		slog.Int("grid_cells", stats.GridCells),
		slog.Duration("duration", time.Since(started)))

	m := metrics.NewWithLogger(logger)
	m.StartDBStatsCollector(client.DB, dbStatsInterval)

	coreApp := app.Services(cfg, n, logger, clock.RealClock{}, m)
	coreApp.CityDB = client
	return coreApp, nil
}

// CreateServer builds the HTTP server. The write timeout leaves room for a
// synchronous optimization to finish.
func CreateServer(coreApp *app.Application, cfg appconf.Config) (*http.Server, *restapi.RestAPI) {
	api := restapi.NewRestAPI(coreApp)

	mux := http.NewServeMux()
	api.SetRoutes(mux)
	webUI := &webui.WebUI{Application: coreApp}
	webUI.SetWebUIRoutes(mux)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.Handler(mux),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: cfg.SyncOptimizeTimeout + 30*time.Second,
		ErrorLog:     slog.NewLogLogger(coreApp.Logger.Handler(), slog.LevelError),
	}
	return srv, api
}

// Run serves until SIGINT or SIGTERM, then shuts the server down and
// releases the application's resources.
func Run(srv *http.Server, api *restapi.RestAPI, coreApp *app.Application, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return serve(ctx, srv, api, coreApp, logger)
}

func serve(ctx context.Context, srv *http.Server, api *restapi.RestAPI, coreApp *app.Application, logger *slog.Logger) error {
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.String("addr", srv.Addr), slog.String("env", coreApp.Config.Env.String()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	var runErr error
	select {
	case err := <-serverErr:
		runErr = err
	case <-ctx.Done():
		logger.Info("shutting down server")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logging.LogError(logger, "server shutdown failed", err)
		runErr = errors.Join(runErr, err)
	}

	api.Shutdown()
	if coreApp.Metrics != nil {
		coreApp.Metrics.Shutdown()
	}
	if coreApp.CityDB != nil {
		logging.SafeCloseWithLogging(coreApp.CityDB, logger, "city_db")
	}
	return runErr
}

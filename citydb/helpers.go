package citydb

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"routeopt.transitworks.org/internal/logging"
)

//go:embed schema.sql
var ddl string

const memoryPath = ":memory:"

func dataSourceName(config Config) string {
	if config.DBPath == memoryPath || !config.ReadOnly {
		return config.DBPath
	}
	return "file:" + config.DBPath + "?mode=ro"
}

// createDB opens the database, applies pragmas and, unless read-only, the schema.
func createDB(config Config) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", dataSourceName(config))
	if err != nil {
		return nil, err
	}

	ctx := context.Background()
	if err := configureSQLitePerformance(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("error configuring SQLite performance: %w", err)
	}

	if !config.ReadOnly || config.DBPath == memoryPath {
		if err := performDatabaseMigration(ctx, db); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("error performing database migration: %w", err)
		}
	}

	configureConnectionPool(db, config)
	return db, nil
}

func performDatabaseMigration(ctx context.Context, db *sql.DB) error {
	for _, stmt := range strings.Split(ddl, "-- migrate") {
		trimmed := strings.TrimSpace(stmt)
		if trimmed == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, trimmed); err != nil {
			return fmt.Errorf("error executing DDL statement [%s]: %w", trimmed, err)
		}
	}
	return nil
}

func configureSQLitePerformance(ctx context.Context, db *sql.DB) error {
	pragmas := []string{
		"PRAGMA cache_size=-64000",
		"PRAGMA temp_store=MEMORY",
	}

	logger := slog.Default().With(slog.String("component", "sqlite_performance"))

	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			logging.LogError(logger, "failed to apply pragma", err, slog.String("pragma", pragma))
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// configureConnectionPool sizes the pool. Every connection to :memory: is a
// separate database, so in-memory stores get exactly one.
func configureConnectionPool(db *sql.DB, config Config) {
	if config.DBPath == memoryPath {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		return
	}
	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
}

// TableCounts returns the row count of every city table.
func (c *Client) TableCounts(ctx context.Context) (map[string]int, error) {
	tables := []string{
		"stops", "routes", "route_stops", "street_nodes", "street_edges",
		"demand_cells", "demand_flows",
	}

	counts := make(map[string]int, len(tables))
	for _, table := range tables {
		var n int
		if err := c.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+table).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", table, err)
		}
		counts[table] = n
	}
	return counts, nil
}

// Package citydb is the client for the per-city SQLite store: stops, routes,
// the street graph and the gravity-model demand grid.
package citydb

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3" // CGo-based SQLite driver
	"routeopt.transitworks.org/internal/logging"
)

// Config selects the database file and how it is opened.
type Config struct {
	DBPath string
	// ReadOnly opens an existing database without running migrations.
	ReadOnly bool
	Verbose  bool
}

// Client is the entry point for reading and writing a city database.
type Client struct {
	config  Config
	DB      *sql.DB
	Queries *Queries
}

// NewClient opens (and for writable databases migrates) the configured database.
func NewClient(config Config) (*Client, error) {
	db, err := createDB(config)
	if err != nil {
		return nil, fmt.Errorf("unable to open city DB: %w", err)
	}

	if config.Verbose {
		logging.LogOperation(slog.Default(), "city_db_opened",
			slog.String("path", config.DBPath),
			slog.Bool("read_only", config.ReadOnly))
	}

	return &Client{
		config:  config,
		DB:      db,
		Queries: New(db),
	}, nil
}

func (c *Client) Close() error {
	return c.DB.Close()
}

func (c *Client) GetDBPath() string {
	return c.config.DBPath
}

// ImportGTFSFile reads a GTFS zip from disk and imports its stops and routes.
func (c *Client) ImportGTFSFile(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return c.ImportGTFS(ctx, data, path)
}

// SetMetadata upserts one city_metadata entry.
func (c *Client) SetMetadata(ctx context.Context, key, value string) error {
	return c.Queries.UpsertMetadata(ctx, key, value)
}

// Ping checks the connection with a short timeout.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return c.DB.PingContext(ctx)
}

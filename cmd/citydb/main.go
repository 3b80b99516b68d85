// Command citydb prepares the SQLite city databases the API serves.
//
//	citydb create      -db city.db -name toronto
//	citydb import-gtfs -db city.db -file feed.zip
//	citydb import-gtfs -db city.db -url https://example.org/gtfs.zip
//	citydb stats       -db city.db
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/logging"
)

var errUsage = errors.New("usage: citydb <create|import-gtfs|stats> -db <path> [flags]")

func main() {
	slog.SetDefault(logging.NewStructuredLogger(os.Stderr, slog.LevelInfo))
	if err := run(context.Background(), os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	cmd, args := args[0], args[1:]

	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dbPath := fs.String("db", "", "path to the city database")
	name := fs.String("name", "", "city name (create)")
	file := fs.String("file", "", "GTFS zip on disk (import-gtfs)")
	url := fs.String("url", "", "GTFS zip URL (import-gtfs)")
	authKey := fs.String("auth-header-key", "", "auth header sent with -url")
	authValue := fs.String("auth-header-value", "", "auth header value sent with -url")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dbPath == "" {
		return errUsage
	}

	switch cmd {
	case "create":
		if *name == "" {
			return errors.New("create: -name is required")
		}
		return withClient(*dbPath, false, func(c *citydb.Client) error {
			if err := c.SetMetadata(ctx, "name", *name); err != nil {
				return err
			}
			_, err := fmt.Fprintf(stdout, "created %s for %s\n", *dbPath, *name)
			return err
		})

	case "import-gtfs":
		if (*file == "") == (*url == "") {
			return errors.New("import-gtfs: exactly one of -file and -url is required")
		}
		return withClient(*dbPath, false, func(c *citydb.Client) error {
			if *file != "" {
				return c.ImportGTFSFile(ctx, *file)
			}
			data, err := citydb.DownloadGTFS(ctx, *url, *authKey, *authValue)
			if err != nil {
				return fmt.Errorf("download failed: %w", err)
			}
			return c.ImportGTFS(ctx, data, *url)
		})

	case "stats":
		return withClient(*dbPath, true, func(c *citydb.Client) error {
			counts, err := c.TableCounts(ctx)
			if err != nil {
				return err
			}
			return printCounts(stdout, counts)
		})

	default:
		return fmt.Errorf("unknown command %q: %w", cmd, errUsage)
	}
}

func withClient(path string, readOnly bool, fn func(*citydb.Client) error) error {
	client, err := citydb.NewClient(citydb.Config{DBPath: path, ReadOnly: readOnly})
	if err != nil {
		return err
	}
	defer logging.SafeCloseWithLogging(client, slog.Default(), "city_db")
	return fn(client)
}

func printCounts(w io.Writer, counts map[string]int) error {
	tables := make([]string, 0, len(counts))
	for t := range counts {
		tables = append(tables, t)
	}
	sort.Strings(tables)
	for _, t := range tables {
		if _, err := fmt.Fprintf(w, "%-14s %d\n", t, counts[t]); err != nil {
			return err
		}
	}
	return nil
}

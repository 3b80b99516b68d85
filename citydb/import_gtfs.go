package citydb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/OneBusAway/go-gtfs"
	"routeopt.transitworks.org/internal/logging"
)

const (
	metadataGTFSHash   = "gtfs_hash"
	metadataGTFSSource = "gtfs_source"
	maxGTFSBodySize    = 200 * 1024 * 1024
)

// DownloadGTFS fetches a static GTFS zip. The auth header is sent only when
// both key and value are set.
func DownloadGTFS(ctx context.Context, url, authHeaderKey, authHeaderValue string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if authHeaderKey != "" && authHeaderValue != "" {
		req.Header.Set(authHeaderKey, authHeaderValue)
	}

	client := &http.Client{
		Timeout: 5 * time.Minute,
		Transport: &http.Transport{
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		}}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d fetching %s", resp.StatusCode, url)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxGTFSBodySize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(body)) > maxGTFSBodySize {
		return nil, fmt.Errorf("static GTFS response exceeds size limit of %d bytes", maxGTFSBodySize)
	}
	return body, nil
}

// ImportGTFS replaces the stops and routes of the database with those of a
// static GTFS feed. Each route's stop sequence comes from its trip with the
// most stops. Importing the same feed from the same source twice is a no-op.
func (c *Client) ImportGTFS(ctx context.Context, b []byte, source string) error {
	logger := slog.Default().With(slog.String("component", "gtfs_importer"))

	startTime := time.Now()
	defer func() {
		logging.LogOperation(logger, "gtfs_import_completed",
			slog.Duration("duration", time.Since(startTime)),
			slog.String("source", source))
	}()

	hash := sha256.Sum256(b)
	hashStr := hex.EncodeToString(hash[:])

	existingHash, err := c.Queries.GetMetadata(ctx, metadataGTFSHash)
	switch {
	case err == nil:
		existingSource, _ := c.Queries.GetMetadata(ctx, metadataGTFSSource)
		if existingHash == hashStr && existingSource == source {
			logging.LogOperation(logger, "gtfs_data_unchanged_skipping_import",
				slog.String("hash", hashStr[:8]))
			return nil
		}
	case errors.Is(err, sql.ErrNoRows):
	default:
		return fmt.Errorf("error checking import metadata: %w", err)
	}

	staticData, err := gtfs.ParseStatic(b, gtfs.ParseStaticOptions{})
	if err != nil {
		return err
	}

	logging.LogOperation(logger, "gtfs_parsed",
		slog.Int("warnings", len(staticData.Warnings)),
		slog.Int("routes", len(staticData.Routes)),
		slog.Int("stops", len(staticData.Stops)),
		slog.Int("trips", len(staticData.Trips)))

	city := cityFromStatic(staticData)

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "import_gtfs")

	qtx := c.Queries.WithTx(tx)
	if err := qtx.ClearRouteStops(ctx); err != nil {
		return fmt.Errorf("error clearing route_stops: %w", err)
	}
	if err := qtx.ClearRoutes(ctx); err != nil {
		return fmt.Errorf("error clearing routes: %w", err)
	}
	if err := qtx.ClearStops(ctx); err != nil {
		return fmt.Errorf("error clearing stops: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	city.Metadata = map[string]string{
		metadataGTFSHash:   hashStr,
		metadataGTFSSource: source,
	}
	if err := c.WriteCity(ctx, city); err != nil {
		return fmt.Errorf("unable to store GTFS data: %w", err)
	}

	return nil
}

// cityFromStatic converts a parsed feed into stops, routes and route stop
// sequences. Stops without coordinates are skipped, as are routes with fewer
// than two distinct stops.
func cityFromStatic(staticData *gtfs.Static) *City {
	city := &City{RouteStops: map[string][]string{}}

	located := make(map[string]bool, len(staticData.Stops))
	for _, s := range staticData.Stops {
		if s.Latitude == nil || s.Longitude == nil {
			continue
		}
		located[s.Id] = true
		city.Stops = append(city.Stops, Stop{
			ID:   s.Id,
			Name: toNullString(s.Name),
			Lat:  *s.Latitude,
			Lon:  *s.Longitude,
		})
	}

	longest := map[string]*gtfs.ScheduledTrip{}
	for i := range staticData.Trips {
		t := &staticData.Trips[i]
		if t.Route == nil {
			continue
		}
		best, ok := longest[t.Route.Id]
		if !ok || len(t.StopTimes) > len(best.StopTimes) ||
			(len(t.StopTimes) == len(best.StopTimes) && t.ID < best.ID) {
			longest[t.Route.Id] = t
		}
	}

	for _, r := range staticData.Routes {
		trip, ok := longest[r.Id]
		if !ok {
			continue
		}
		seq := tripStopSequence(trip, located)
		if len(seq) < 2 {
			continue
		}
		city.Routes = append(city.Routes, Route{
			ID:        r.Id,
			RouteType: int64(r.Type),
			ShortName: toNullString(r.ShortName),
			LongName:  toNullString(r.LongName),
			Color:     toNullString(r.Color),
		})
		city.RouteStops[r.Id] = seq
	}

	return city
}

func tripStopSequence(trip *gtfs.ScheduledTrip, located map[string]bool) []string {
	stopTimes := make([]gtfs.ScheduledStopTime, len(trip.StopTimes))
	copy(stopTimes, trip.StopTimes)
	sort.SliceStable(stopTimes, func(i, j int) bool {
		return stopTimes[i].StopSequence < stopTimes[j].StopSequence
	})

	seq := make([]string, 0, len(stopTimes))
	for _, st := range stopTimes {
		if st.Stop == nil || !located[st.Stop.Id] {
			continue
		}
		if len(seq) > 0 && seq[len(seq)-1] == st.Stop.Id {
			continue
		}
		seq = append(seq, st.Stop.Id)
	}
	return seq
}

func toNullString(s string) sql.NullString {
	return sql.NullString{
		String: s,
		Valid:  s != "",
	}
}

// NullStringValue returns the string or "" for NULL.
func NullStringValue(s sql.NullString) string {
	if s.Valid {
		return s.String
	}
	return ""
}

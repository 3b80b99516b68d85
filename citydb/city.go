package citydb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"routeopt.transitworks.org/internal/logging"
)

// City is a complete snapshot of one city database.
type City struct {
	Metadata   map[string]string
	Stops      []Stop
	Routes     []Route
	RouteStops map[string][]string // route id -> ordered stop ids
	Nodes      []StreetNode
	Edges      []StreetEdge
	Grid       *DemandGrid
	Cells      []DemandCell
	Flows      []DemandFlow
}

// Name returns the city name recorded in the metadata table, if any.
func (c *City) Name() string {
	if c.Metadata == nil {
		return ""
	}
	return c.Metadata["name"]
}

// LoadCity reads every table into memory.
func (c *Client) LoadCity(ctx context.Context) (*City, error) {
	q := c.Queries
	city := &City{RouteStops: map[string][]string{}}

	var err error
	if city.Metadata, err = q.ListMetadata(ctx); err != nil {
		return nil, fmt.Errorf("failed to load metadata: %w", err)
	}
	if city.Stops, err = q.ListStops(ctx); err != nil {
		return nil, fmt.Errorf("failed to load stops: %w", err)
	}
	if city.Routes, err = q.ListRoutes(ctx); err != nil {
		return nil, fmt.Errorf("failed to load routes: %w", err)
	}

	routeStops, err := q.ListRouteStops(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load route stops: %w", err)
	}
	for _, rs := range routeStops {
		city.RouteStops[rs.RouteID] = append(city.RouteStops[rs.RouteID], rs.StopID)
	}

	if city.Nodes, err = q.ListStreetNodes(ctx); err != nil {
		return nil, fmt.Errorf("failed to load street nodes: %w", err)
	}
	if city.Edges, err = q.ListStreetEdges(ctx); err != nil {
		return nil, fmt.Errorf("failed to load street edges: %w", err)
	}

	grid, err := q.GetDemandGrid(ctx)
	switch {
	case err == nil:
		city.Grid = &grid
	case errors.Is(err, sql.ErrNoRows):
	default:
		return nil, fmt.Errorf("failed to load demand grid: %w", err)
	}

	if city.Cells, err = q.ListDemandCells(ctx); err != nil {
		return nil, fmt.Errorf("failed to load demand cells: %w", err)
	}
	if city.Flows, err = q.ListDemandFlows(ctx); err != nil {
		return nil, fmt.Errorf("failed to load demand flows: %w", err)
	}

	logging.LogOperation(slog.Default().With(slog.String("component", "city_loader")), "city_loaded",
		slog.String("name", city.Name()),
		slog.Int("stops", len(city.Stops)),
		slog.Int("routes", len(city.Routes)),
		slog.Int("street_nodes", len(city.Nodes)),
		slog.Int("street_edges", len(city.Edges)),
		slog.Int("demand_flows", len(city.Flows)))

	return city, nil
}

// WriteCity stores a snapshot in a single transaction. Rows with the same
// key are replaced; street edges and flows are appended.
func (c *Client) WriteCity(ctx context.Context, city *City) error {
	logger := slog.Default().With(slog.String("component", "city_writer"))

	tx, err := c.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer logging.SafeRollbackWithLogging(tx, logger, "write_city")

	qtx := c.Queries.WithTx(tx)

	for k, v := range city.Metadata {
		if err := qtx.UpsertMetadata(ctx, k, v); err != nil {
			return fmt.Errorf("unable to write metadata %s: %w", k, err)
		}
	}
	for _, s := range city.Stops {
		if err := qtx.CreateStop(ctx, s); err != nil {
			return fmt.Errorf("unable to create stop %s: %w", s.ID, err)
		}
	}
	for _, r := range city.Routes {
		if err := qtx.CreateRoute(ctx, r); err != nil {
			return fmt.Errorf("unable to create route %s: %w", r.ID, err)
		}
	}
	for routeID, stopIDs := range city.RouteStops {
		for seq, stopID := range stopIDs {
			if err := qtx.CreateRouteStop(ctx, RouteStop{RouteID: routeID, Seq: int64(seq), StopID: stopID}); err != nil {
				return fmt.Errorf("unable to create route stop %s/%d: %w", routeID, seq, err)
			}
		}
	}
	for _, n := range city.Nodes {
		if err := qtx.CreateStreetNode(ctx, n); err != nil {
			return fmt.Errorf("unable to create street node %d: %w", n.ID, err)
		}
	}
	for _, e := range city.Edges {
		if err := qtx.CreateStreetEdge(ctx, e); err != nil {
			return fmt.Errorf("unable to create street edge %d-%d: %w", e.FromNode, e.ToNode, err)
		}
	}
	if city.Grid != nil {
		if err := qtx.UpsertDemandGrid(ctx, *city.Grid); err != nil {
			return fmt.Errorf("unable to write demand grid: %w", err)
		}
	}
	for _, cell := range city.Cells {
		if err := qtx.CreateDemandCell(ctx, cell); err != nil {
			return fmt.Errorf("unable to create demand cell %d: %w", cell.Cell, err)
		}
	}
	for _, f := range city.Flows {
		if err := qtx.CreateDemandFlow(ctx, f); err != nil {
			return fmt.Errorf("unable to create demand flow: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return err
	}

	logging.LogOperation(logger, "city_written",
		slog.Int("stops", len(city.Stops)),
		slog.Int("routes", len(city.Routes)),
		slog.Int("street_edges", len(city.Edges)))
	return nil
}

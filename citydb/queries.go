package citydb

import (
	"context"
	"database/sql"
)

type DBTX interface {
	ExecContext(context.Context, string, ...interface{}) (sql.Result, error)
	PrepareContext(context.Context, string) (*sql.Stmt, error)
	QueryContext(context.Context, string, ...interface{}) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...interface{}) *sql.Row
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type Queries struct {
	db DBTX
}

func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{
		db: tx,
	}
}

type Stop struct {
	ID   string
	Name sql.NullString
	Lat  float64
	Lon  float64
}

type Route struct {
	ID        string
	RouteType int64
	ShortName sql.NullString
	LongName  sql.NullString
	Color     sql.NullString
}

type RouteStop struct {
	RouteID string
	Seq     int64
	StopID  string
}

type StreetNode struct {
	ID  int64
	Lat float64
	Lon float64
}

type StreetEdge struct {
	FromNode    int64
	ToNode      int64
	LengthM     float64
	TravelTimeS sql.NullFloat64
	Oneway      int64
}

type DemandGrid struct {
	Rows   int64
	Cols   int64
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

type DemandCell struct {
	Cell       int64
	Population float64
}

type DemandFlow struct {
	Period     string
	OriginCell int64
	DestCell   int64
	Volume     float64
}

const upsertMetadata = `INSERT INTO city_metadata (key, value) VALUES (?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value`

func (q *Queries) UpsertMetadata(ctx context.Context, key, value string) error {
	_, err := q.db.ExecContext(ctx, upsertMetadata, key, value)
	return err
}

const getMetadata = `SELECT value FROM city_metadata WHERE key = ?`

func (q *Queries) GetMetadata(ctx context.Context, key string) (string, error) {
	row := q.db.QueryRowContext(ctx, getMetadata, key)
	var value string
	err := row.Scan(&value)
	return value, err
}

const listMetadata = `SELECT key, value FROM city_metadata ORDER BY key`

func (q *Queries) ListMetadata(ctx context.Context) (map[string]string, error) {
	rows, err := q.db.QueryContext(ctx, listMetadata)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	items := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		items[k] = v
	}
	return items, rows.Err()
}

const createStop = `INSERT OR REPLACE INTO stops (id, name, lat, lon) VALUES (?, ?, ?, ?)`

func (q *Queries) CreateStop(ctx context.Context, arg Stop) error {
	_, err := q.db.ExecContext(ctx, createStop, arg.ID, arg.Name, arg.Lat, arg.Lon)
	return err
}

const listStops = `SELECT id, name, lat, lon FROM stops ORDER BY id`

func (q *Queries) ListStops(ctx context.Context) ([]Stop, error) {
	rows, err := q.db.QueryContext(ctx, listStops)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []Stop
	for rows.Next() {
		var i Stop
		if err := rows.Scan(&i.ID, &i.Name, &i.Lat, &i.Lon); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createRoute = `INSERT OR REPLACE INTO routes (id, route_type, short_name, long_name, color) VALUES (?, ?, ?, ?, ?)`

func (q *Queries) CreateRoute(ctx context.Context, arg Route) error {
	_, err := q.db.ExecContext(ctx, createRoute, arg.ID, arg.RouteType, arg.ShortName, arg.LongName, arg.Color)
	return err
}

const listRoutes = `SELECT id, route_type, short_name, long_name, color FROM routes ORDER BY id`

func (q *Queries) ListRoutes(ctx context.Context) ([]Route, error) {
	rows, err := q.db.QueryContext(ctx, listRoutes)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []Route
	for rows.Next() {
		var i Route
		if err := rows.Scan(&i.ID, &i.RouteType, &i.ShortName, &i.LongName, &i.Color); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createRouteStop = `INSERT OR REPLACE INTO route_stops (route_id, seq, stop_id) VALUES (?, ?, ?)`

func (q *Queries) CreateRouteStop(ctx context.Context, arg RouteStop) error {
	_, err := q.db.ExecContext(ctx, createRouteStop, arg.RouteID, arg.Seq, arg.StopID)
	return err
}

const listRouteStops = `SELECT route_id, seq, stop_id FROM route_stops ORDER BY route_id, seq`

func (q *Queries) ListRouteStops(ctx context.Context) ([]RouteStop, error) {
	rows, err := q.db.QueryContext(ctx, listRouteStops)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []RouteStop
	for rows.Next() {
		var i RouteStop
		if err := rows.Scan(&i.RouteID, &i.Seq, &i.StopID); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createStreetNode = `INSERT OR REPLACE INTO street_nodes (id, lat, lon) VALUES (?, ?, ?)`

func (q *Queries) CreateStreetNode(ctx context.Context, arg StreetNode) error {
	_, err := q.db.ExecContext(ctx, createStreetNode, arg.ID, arg.Lat, arg.Lon)
	return err
}

const listStreetNodes = `SELECT id, lat, lon FROM street_nodes ORDER BY id`

func (q *Queries) ListStreetNodes(ctx context.Context) ([]StreetNode, error) {
	rows, err := q.db.QueryContext(ctx, listStreetNodes)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []StreetNode
	for rows.Next() {
		var i StreetNode
		if err := rows.Scan(&i.ID, &i.Lat, &i.Lon); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createStreetEdge = `INSERT INTO street_edges (from_node, to_node, length_m, travel_time_s, oneway) VALUES (?, ?, ?, ?, ?)`

func (q *Queries) CreateStreetEdge(ctx context.Context, arg StreetEdge) error {
	_, err := q.db.ExecContext(ctx, createStreetEdge, arg.FromNode, arg.ToNode, arg.LengthM, arg.TravelTimeS, arg.Oneway)
	return err
}

const listStreetEdges = `SELECT from_node, to_node, length_m, travel_time_s, oneway FROM street_edges ORDER BY from_node, to_node`

func (q *Queries) ListStreetEdges(ctx context.Context) ([]StreetEdge, error) {
	rows, err := q.db.QueryContext(ctx, listStreetEdges)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []StreetEdge
	for rows.Next() {
		var i StreetEdge
		if err := rows.Scan(&i.FromNode, &i.ToNode, &i.LengthM, &i.TravelTimeS, &i.Oneway); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const upsertDemandGrid = `INSERT INTO demand_grid (id, rows, cols, min_lat, min_lon, max_lat, max_lon) VALUES (1, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET rows = excluded.rows, cols = excluded.cols,
min_lat = excluded.min_lat, min_lon = excluded.min_lon, max_lat = excluded.max_lat, max_lon = excluded.max_lon`

func (q *Queries) UpsertDemandGrid(ctx context.Context, arg DemandGrid) error {
	_, err := q.db.ExecContext(ctx, upsertDemandGrid, arg.Rows, arg.Cols, arg.MinLat, arg.MinLon, arg.MaxLat, arg.MaxLon)
	return err
}

const getDemandGrid = `SELECT rows, cols, min_lat, min_lon, max_lat, max_lon FROM demand_grid WHERE id = 1`

func (q *Queries) GetDemandGrid(ctx context.Context) (DemandGrid, error) {
	row := q.db.QueryRowContext(ctx, getDemandGrid)
	var i DemandGrid
	err := row.Scan(&i.Rows, &i.Cols, &i.MinLat, &i.MinLon, &i.MaxLat, &i.MaxLon)
	return i, err
}

const createDemandCell = `INSERT OR REPLACE INTO demand_cells (cell, population) VALUES (?, ?)`

func (q *Queries) CreateDemandCell(ctx context.Context, arg DemandCell) error {
	_, err := q.db.ExecContext(ctx, createDemandCell, arg.Cell, arg.Population)
	return err
}

const listDemandCells = `SELECT cell, population FROM demand_cells ORDER BY cell`

func (q *Queries) ListDemandCells(ctx context.Context) ([]DemandCell, error) {
	rows, err := q.db.QueryContext(ctx, listDemandCells)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []DemandCell
	for rows.Next() {
		var i DemandCell
		if err := rows.Scan(&i.Cell, &i.Population); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const createDemandFlow = `INSERT OR REPLACE INTO demand_flows (period, origin_cell, dest_cell, volume) VALUES (?, ?, ?, ?)`

func (q *Queries) CreateDemandFlow(ctx context.Context, arg DemandFlow) error {
	_, err := q.db.ExecContext(ctx, createDemandFlow, arg.Period, arg.OriginCell, arg.DestCell, arg.Volume)
	return err
}

const listDemandFlows = `SELECT period, origin_cell, dest_cell, volume FROM demand_flows ORDER BY period, origin_cell, dest_cell`

func (q *Queries) ListDemandFlows(ctx context.Context) ([]DemandFlow, error) {
	rows, err := q.db.QueryContext(ctx, listDemandFlows)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []DemandFlow
	for rows.Next() {
		var i DemandFlow
		if err := rows.Scan(&i.Period, &i.OriginCell, &i.DestCell, &i.Volume); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	return items, rows.Err()
}

const clearRouteStops = `DELETE FROM route_stops`

func (q *Queries) ClearRouteStops(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, clearRouteStops)
	return err
}

const clearRoutes = `DELETE FROM routes`

func (q *Queries) ClearRoutes(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, clearRoutes)
	return err
}

const clearStops = `DELETE FROM stops`

func (q *Queries) ClearStops(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, clearStops)
	return err
}

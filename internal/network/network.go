// Package network holds the in-memory model of one city: stops, routes, the
// street graph and the demand grid. A Network never changes after Build.
package network

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/bluele/gcache"
	"github.com/tidwall/rtree"
	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/logging"
	"routeopt.transitworks.org/internal/utils"
)

// BusRouteType is the GTFS route type of buses, the only optimizable routes.
const BusRouteType = 3

const defaultPathCacheSize = 50000

var (
	ErrCorruptData  = errors.New("corrupt city data")
	ErrUnreachable  = errors.New("unreachable")
	ErrUnknownRoute = errors.New("unknown route")
	ErrUnknownStop  = errors.New("unknown stop")
)

type Stop struct {
	ID       string
	Name     string
	Location utils.LatLon
	// Node is the nearest street node.
	Node int64
}

type Route struct {
	ID        string
	Type      int
	ShortName string
	LongName  string
	Color     string
	StopIDs   []string
	Polyline  []utils.LatLon
	LengthM   float64
}

// IsBus reports whether the route may be optimized.
func (r *Route) IsBus() bool {
	return r.Type == BusRouteType
}

// DisplayName prefers the long name, then the short name, then the id.
func (r *Route) DisplayName() string {
	switch {
	case r.LongName != "":
		return r.LongName
	case r.ShortName != "":
		return r.ShortName
	default:
		return r.ID
	}
}

// Overlay supplies replacement geometry for routes that have been optimized.
type Overlay interface {
	OptimizedRoute(routeID string) (stopIDs []string, polyline []utils.LatLon, ok bool)
}

// RouteView is a route as currently served: the original, or the optimized
// replacement when an overlay has one.
type RouteView struct {
	Route     *Route
	StopIDs   []string
	Polyline  []utils.LatLon
	Optimized bool
}

type Options struct {
	// PathCacheSize bounds the memo of stop-to-stop street paths.
	PathCacheSize int
	Logger        *slog.Logger
}

type Network struct {
	Name    string
	Streets *StreetGraph
	Demand  *DemandGrid

	stops      map[string]*Stop
	stopIDs    []string
	routes     map[string]*Route
	routeIDs   []string
	stopRoutes map[string][]string
	stopIndex  rtree.RTreeG[string]
	paths      gcache.Cache
	logger     *slog.Logger
}

type stopPath struct {
	points []utils.LatLon
	length float64
	err    error
}

// Build validates a city snapshot and indexes it. It fails with
// ErrCorruptData when a route references an unknown stop or two consecutive
// stops of a route cannot be connected on the street graph.
func Build(city *citydb.City, opts Options) (*Network, error) {
	if opts.PathCacheSize <= 0 {
		opts.PathCacheSize = defaultPathCacheSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	streets, err := newStreetGraph(city.Nodes, city.Edges)
	if err != nil {
		return nil, err
	}
	demand, err := newDemandGrid(city.Grid, city.Cells, city.Flows)
	if err != nil {
		return nil, err
	}

	n := &Network{
		Name:       city.Name(),
		Streets:    streets,
		Demand:     demand,
		stops:      make(map[string]*Stop, len(city.Stops)),
		routes:     make(map[string]*Route, len(city.Routes)),
		stopRoutes: make(map[string][]string),
		logger:     opts.Logger.With(slog.String("component", "network")),
	}
	n.paths = gcache.New(opts.PathCacheSize).
		LRU().
		LoaderFunc(func(key interface{}) (interface{}, error) {
			k := key.([2]string)
			return n.computeStopPath(k[0], k[1]), nil
		}).
		Build()

	for _, s := range city.Stops {
		if _, dup := n.stops[s.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate stop %s", ErrCorruptData, s.ID)
		}
		stop := &Stop{
			ID:       s.ID,
			Name:     citydb.NullStringValue(s.Name),
			Location: utils.LatLon{Lat: s.Lat, Lon: s.Lon},
			Node:     streets.NearestNode(s.Lat, s.Lon),
		}
		n.stops[s.ID] = stop
		n.stopIDs = append(n.stopIDs, s.ID)
		n.stopIndex.Insert([2]float64{s.Lon, s.Lat}, [2]float64{s.Lon, s.Lat}, s.ID)
	}
	sort.Strings(n.stopIDs)

	for _, r := range city.Routes {
		stopIDs := city.RouteStops[r.ID]
		if err := n.checkSequence(stopIDs); err != nil {
			return nil, fmt.Errorf("%w: route %s: %v", ErrCorruptData, r.ID, err)
		}

		polyline, length, err := n.RoutePolyline(stopIDs)
		if err != nil {
			return nil, fmt.Errorf("%w: route %s: %v", ErrCorruptData, r.ID, err)
		}

		route := &Route{
			ID:        r.ID,
			Type:      int(r.RouteType),
			ShortName: citydb.NullStringValue(r.ShortName),
			LongName:  citydb.NullStringValue(r.LongName),
			Color:     citydb.NullStringValue(r.Color),
			StopIDs:   append([]string(nil), stopIDs...),
			Polyline:  polyline,
			LengthM:   length,
		}
		n.routes[r.ID] = route
		n.routeIDs = append(n.routeIDs, r.ID)

		seen := map[string]bool{}
		for _, id := range stopIDs {
			if !seen[id] {
				seen[id] = true
				n.stopRoutes[id] = append(n.stopRoutes[id], r.ID)
			}
		}
	}
	sort.Strings(n.routeIDs)
	for _, ids := range n.stopRoutes {
		sort.Strings(ids)
	}

	logging.LogOperation(n.logger, "network_built",
		slog.String("city", n.Name),
		slog.Int("stops", len(n.stops)),
		slog.Int("routes", len(n.routes)),
		slog.Int("street_nodes", streets.NodeCount()))

	return n, nil
}

func (n *Network) checkSequence(stopIDs []string) error {
	if len(stopIDs) < 2 {
		return fmt.Errorf("route has %d stops", len(stopIDs))
	}
	for i, id := range stopIDs {
		if _, ok := n.stops[id]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownStop, id)
		}
		if i > 0 && stopIDs[i-1] == id {
			return fmt.Errorf("consecutive duplicate stop %s", id)
		}
	}
	return nil
}

// RouteIDs returns every route id in ascending order.
func (n *Network) RouteIDs() []string {
	return append([]string(nil), n.routeIDs...)
}

// StopIDs returns every stop id in ascending order.
func (n *Network) StopIDs() []string {
	return append([]string(nil), n.stopIDs...)
}

func (n *Network) Stop(id string) (*Stop, bool) {
	s, ok := n.stops[id]
	return s, ok
}

// OriginalRoute returns a route as loaded from the city store.
func (n *Network) OriginalRoute(id string) (*Route, error) {
	r, ok := n.routes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRoute, id)
	}
	return r, nil
}

// Route returns the route as currently served. overlay may be nil.
func (n *Network) Route(id string, overlay Overlay) (RouteView, error) {
	r, err := n.OriginalRoute(id)
	if err != nil {
		return RouteView{}, err
	}
	if overlay != nil {
		if stopIDs, polyline, ok := overlay.OptimizedRoute(id); ok {
			return RouteView{Route: r, StopIDs: stopIDs, Polyline: polyline, Optimized: true}, nil
		}
	}
	return RouteView{Route: r, StopIDs: r.StopIDs, Polyline: r.Polyline}, nil
}

func (n *Network) IsBusRoute(id string) bool {
	r, ok := n.routes[id]
	return ok && r.IsBus()
}

// RoutesServing returns the ids of original routes that stop at a stop.
func (n *Network) RoutesServing(stopID string) []string {
	return n.stopRoutes[stopID]
}

// StopsNear returns the ids of stops within radiusM meters, ascending.
func (n *Network) StopsNear(lat, lon, radiusM float64) []string {
	b := utils.CalculateBounds(lat, lon, radiusM)
	var ids []string
	n.stopIndex.Search([2]float64{b.MinLon, b.MinLat}, [2]float64{b.MaxLon, b.MaxLat},
		func(_, _ [2]float64, id string) bool {
			s := n.stops[id]
			if utils.Distance(lat, lon, s.Location.Lat, s.Location.Lon) <= radiusM {
				ids = append(ids, id)
			}
			return true
		})
	sort.Strings(ids)
	return ids
}

// StopsAlong returns the stops within radiusM meters of any point of a
// polyline. Long segments are sampled so no stretch is skipped.
func (n *Network) StopsAlong(polyline []utils.LatLon, radiusM float64) []string {
	seen := map[string]bool{}
	add := func(p utils.LatLon) {
		for _, id := range n.StopsNear(p.Lat, p.Lon, radiusM) {
			seen[id] = true
		}
	}

	step := math.Max(radiusM/2, 1)
	for i, p := range polyline {
		add(p)
		if i == 0 {
			continue
		}
		prev := polyline[i-1]
		d := utils.DistanceBetween(prev, p)
		for k := 1; float64(k)*step < d; k++ {
			f := float64(k) * step / d
			add(utils.LatLon{
				Lat: prev.Lat + f*(p.Lat-prev.Lat),
				Lon: prev.Lon + f*(p.Lon-prev.Lon),
			})
		}
	}

	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// CellOf returns the demand cell containing a coordinate.
func (n *Network) CellOf(lat, lon float64) (int, bool) {
	return n.Demand.CellOf(lat, lon)
}

func (n *Network) computeStopPath(a, b string) stopPath {
	sa, ok := n.stops[a]
	if !ok {
		return stopPath{err: fmt.Errorf("%w: %s", ErrUnknownStop, a)}
	}
	sb, ok := n.stops[b]
	if !ok {
		return stopPath{err: fmt.Errorf("%w: %s", ErrUnknownStop, b)}
	}

	nodes, length, err := n.Streets.ShortestPath(sa.Node, sb.Node)
	if err != nil {
		return stopPath{err: fmt.Errorf("%w: %s -> %s", ErrUnreachable, a, b)}
	}
	points := make([]utils.LatLon, len(nodes))
	for i, id := range nodes {
		points[i], _ = n.Streets.NodeLocation(id)
	}
	return stopPath{points: points, length: length}
}

func (n *Network) stopPath(a, b string) stopPath {
	v, err := n.paths.Get([2]string{a, b})
	if err != nil {
		return n.computeStopPath(a, b)
	}
	return v.(stopPath)
}

// PathBetween returns the street polyline from one stop to another. It fails
// with ErrUnreachable when no street path exists.
func (n *Network) PathBetween(a, b string) ([]utils.LatLon, error) {
	p := n.stopPath(a, b)
	if p.err != nil {
		return nil, p.err
	}
	return append([]utils.LatLon(nil), p.points...), nil
}

// StreetDistance is the length of the street path between two stops in
// meters. Stops snapped to the same node fall back to their straight-line
// distance.
func (n *Network) StreetDistance(a, b string) (float64, error) {
	p := n.stopPath(a, b)
	if p.err != nil {
		return 0, p.err
	}
	if p.length > 0 {
		return p.length, nil
	}
	sa, sb := n.stops[a], n.stops[b]
	return utils.DistanceBetween(sa.Location, sb.Location), nil
}

// RoutePolyline assembles the polyline of a stop sequence from the street
// paths between consecutive stops, dropping the repeated node at each join.
func (n *Network) RoutePolyline(stopIDs []string) ([]utils.LatLon, float64, error) {
	if len(stopIDs) == 0 {
		return nil, 0, nil
	}
	if len(stopIDs) == 1 {
		s, ok := n.stops[stopIDs[0]]
		if !ok {
			return nil, 0, fmt.Errorf("%w: %s", ErrUnknownStop, stopIDs[0])
		}
		loc, _ := n.Streets.NodeLocation(s.Node)
		return []utils.LatLon{loc}, 0, nil
	}

	var out []utils.LatLon
	total := 0.0
	for i := 1; i < len(stopIDs); i++ {
		p := n.stopPath(stopIDs[i-1], stopIDs[i])
		if p.err != nil {
			return nil, 0, p.err
		}
		total += p.length
		for j, pt := range p.points {
			if j == 0 && len(out) > 0 && out[len(out)-1] == pt {
				continue
			}
			out = append(out, pt)
		}
	}
	return out, total, nil
}

// Stats summarises the size of the network.
type Stats struct {
	Stops       int `json:"stops"`
	Routes      int `json:"routes"`
	BusRoutes   int `json:"busRoutes"`
	StreetNodes int `json:"streetNodes"`
	StreetEdges int `json:"streetEdges"`
	GridCells   int `json:"gridCells"`
	DemandFlows int `json:"demandFlows"`
	PathsCached int `json:"pathsCached"`
}

func (n *Network) Stats() Stats {
	bus := 0
	for _, r := range n.routes {
		if r.IsBus() {
			bus++
		}
	}
	return Stats{
		Stops:       len(n.stops),
		Routes:      len(n.routes),
		BusRoutes:   bus,
		StreetNodes: n.Streets.NodeCount(),
		StreetEdges: n.Streets.EdgeCount(),
		GridCells:   n.Demand.CellCount(),
		DemandFlows: n.Demand.FlowCount(),
		PathsCached: n.paths.Len(false),
	}
}

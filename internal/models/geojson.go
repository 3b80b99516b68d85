package models

import (
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/utils"
)

// RouteGeometry is a route as drawn on the map: its served stop sequence and
// street polyline. Stops are separate records joined by StopIDs.
type RouteGeometry struct {
	RouteID   string
	ShortName string
	LongName  string
	Color     string
	RouteType int
	StopIDs   []string
	Polyline  []utils.LatLon
	LengthM   float64
	Optimized bool
	Scores    *eval.Scores
}

// StopRecord is one stop drawn as a point.
type StopRecord struct {
	ID       string
	Name     string
	Location utils.LatLon
	RouteIDs []string
}

// NewRouteGeometry takes the names from the original route and the geometry
// from the view, which may be optimized.
func NewRouteGeometry(view network.RouteView) RouteGeometry {
	r := view.Route
	return RouteGeometry{
		RouteID:   r.ID,
		ShortName: r.ShortName,
		LongName:  r.LongName,
		Color:     r.Color,
		RouteType: r.Type,
		StopIDs:   view.StopIDs,
		Polyline:  view.Polyline,
		LengthM:   utils.PolylineLength(view.Polyline),
		Optimized: view.Optimized,
	}
}

func NewStopRecord(n *network.Network, stopID string) (StopRecord, bool) {
	s, ok := n.Stop(stopID)
	if !ok {
		return StopRecord{}, false
	}
	return StopRecord{
		ID:       s.ID,
		Name:     s.Name,
		Location: s.Location,
		RouteIDs: n.RoutesServing(s.ID),
	}, true
}

func lineString(points []utils.LatLon) orb.LineString {
	ls := make(orb.LineString, len(points))
	for i, p := range points {
		ls[i] = orb.Point{p.Lon, p.Lat}
	}
	return ls
}

// Feature renders the route as a LineString feature.
func (g RouteGeometry) Feature() *geojson.Feature {
	f := geojson.NewFeature(lineString(g.Polyline))
	f.ID = g.RouteID
	f.Properties["route_id"] = g.RouteID
	f.Properties["route_short_name"] = g.ShortName
	f.Properties["route_long_name"] = g.LongName
	f.Properties["route_color"] = g.Color
	f.Properties["route_type"] = g.RouteType
	f.Properties["stop_ids"] = g.StopIDs
	f.Properties["length_m"] = g.LengthM
	f.Properties["optimized"] = g.Optimized
	if g.Scores != nil {
		f.Properties["scores"] = *g.Scores
	}
	return f
}

func (s StopRecord) Feature() *geojson.Feature {
	f := geojson.NewFeature(orb.Point{s.Location.Lon, s.Location.Lat})
	f.ID = s.ID
	f.Properties["stop_id"] = s.ID
	f.Properties["stop_name"] = s.Name
	f.Properties["route_ids"] = s.RouteIDs
	return f
}

// NewFeatureCollection emits routes first, then stops. An empty input still
// yields a collection with an empty feature list.
func NewFeatureCollection(routes []RouteGeometry, stops []StopRecord) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, r := range routes {
		fc.Append(r.Feature())
	}
	for _, s := range stops {
		fc.Append(s.Feature())
	}
	return fc
}

// RoutesCollection draws routeIDs as served through overlay, together with
// their stops when withStops is set. Unknown ids are skipped.
func RoutesCollection(n *network.Network, overlay network.Overlay, routeIDs []string, withStops bool) *geojson.FeatureCollection {
	routes := make([]RouteGeometry, 0, len(routeIDs))
	var stops []StopRecord
	seen := make(map[string]bool)
	for _, id := range routeIDs {
		view, err := n.Route(id, overlay)
		if err != nil {
			continue
		}
		routes = append(routes, NewRouteGeometry(view))
		if !withStops {
			continue
		}
		for _, stopID := range view.StopIDs {
			if seen[stopID] {
				continue
			}
			seen[stopID] = true
			if rec, ok := NewStopRecord(n, stopID); ok {
				stops = append(stops, rec)
			}
		}
	}
	return NewFeatureCollection(routes, stops)
}

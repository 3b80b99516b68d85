package eval

import (
	"math"
	"sort"

	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/utils"
)

// pathCost orders transit paths: served before unserved, fewer legs first,
// then shorter total walk.
type pathCost struct {
	hops int // 0 when the pair is not served
	walk float64
}

func (p pathCost) less(o pathCost) bool {
	if p.hops == 0 {
		return false
	}
	if o.hops == 0 {
		return true
	}
	if p.hops != o.hops {
		return p.hops < o.hops
	}
	return p.walk < o.walk
}

func (p pathCost) min(o pathCost) pathCost {
	if o.less(p) {
		return o
	}
	return p
}

type servedRoute struct {
	id           string
	bus          bool
	stops        []string
	cover        []float64
	nonLinearity float64
}

// snapshot is the network as served at one moment, with catchments and
// transfer links resolved.
type snapshot struct {
	routes     []servedRoute
	index      map[string]int
	stopRoutes map[string][]int
	cellRoutes [][]int
	adj        [][]int
}

// cover returns, per cell, the walk from the cell centroid to the nearest
// stop serving it (+Inf when none does) and that stop's position in stopIDs.
func (e *Evaluator) cover(stopIDs []string) ([]float64, []int) {
	n := e.net.Demand.CellCount()
	dist := make([]float64, n)
	idx := make([]int, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		idx[i] = -1
	}
	for i, id := range stopIDs {
		for _, cd := range e.stopCells[id] {
			if cd.dist < dist[cd.cell] {
				dist[cd.cell] = cd.dist
				idx[cd.cell] = i
			}
		}
	}
	return dist, idx
}

func (e *Evaluator) snapshot(overlay network.Overlay) *snapshot {
	ids := e.net.RouteIDs()
	s := &snapshot{
		routes:     make([]servedRoute, 0, len(ids)),
		index:      make(map[string]int, len(ids)),
		stopRoutes: make(map[string][]int),
		cellRoutes: make([][]int, e.net.Demand.CellCount()),
	}

	for _, id := range ids {
		view, err := e.net.Route(id, overlay)
		if err != nil {
			continue
		}
		i := len(s.routes)
		cover, _ := e.cover(view.StopIDs)
		s.routes = append(s.routes, servedRoute{
			id:           id,
			bus:          view.Route.IsBus(),
			stops:        view.StopIDs,
			cover:        cover,
			nonLinearity: e.NonLinearityScore(view.StopIDs, utils.PolylineLength(view.Polyline)),
		})
		s.index[id] = i
		for cell, d := range cover {
			if !math.IsInf(d, 1) {
				s.cellRoutes[cell] = append(s.cellRoutes[cell], i)
			}
		}
		for _, stop := range view.StopIDs {
			list := s.stopRoutes[stop]
			if len(list) == 0 || list[len(list)-1] != i {
				s.stopRoutes[stop] = append(list, i)
			}
		}
	}

	s.adj = make([][]int, len(s.routes))
	for a := range s.routes {
		s.adj[a] = s.linked(e, s.routes[a].stops, a)
	}
	return s
}

// linked lists the routes with a stop within transfer distance of any of
// stopIDs, except route self.
func (s *snapshot) linked(e *Evaluator, stopIDs []string, self int) []int {
	seen := map[int]bool{}
	for _, stop := range stopIDs {
		for _, nb := range e.stopNeighbors[stop] {
			for _, b := range s.stopRoutes[nb] {
				if b != self {
					seen[b] = true
				}
			}
		}
	}
	out := make([]int, 0, len(seen))
	for b := range seen {
		out = append(out, b)
	}
	sort.Ints(out)
	return out
}

// bestPath assigns one OD pair over the snapshot, ignoring route exclude.
func (s *snapshot) bestPath(origin, dest, exclude int) pathCost {
	best := pathCost{}
	for _, a := range s.cellRoutes[origin] {
		if a == exclude {
			continue
		}
		access := s.routes[a].cover[origin]
		if egress := s.routes[a].cover[dest]; !math.IsInf(egress, 1) {
			best = best.min(pathCost{hops: 1, walk: access + egress})
			continue
		}
		if best.hops == 1 {
			continue
		}
		for _, b := range s.adj[a] {
			if b == exclude {
				continue
			}
			if egress := s.routes[b].cover[dest]; !math.IsInf(egress, 1) {
				best = best.min(pathCost{hops: 2, walk: access + egress})
			}
		}
	}
	return best
}

// RouteContext evaluates candidate geometries for one route against a fixed
// rest of the network. It is safe for concurrent use.
type RouteContext struct {
	e     *Evaluator
	route *network.Route
	snap  *snapshot
	self  int
	// best path of every flow without this route
	base []pathCost
}

// RouteContext resolves every other route as served through overlay.
func (e *Evaluator) RouteContext(routeID string, overlay network.Overlay) (*RouteContext, error) {
	route, err := e.net.OriginalRoute(routeID)
	if err != nil {
		return nil, err
	}

	snap := e.snapshot(overlay)
	self, ok := snap.index[routeID]
	if !ok {
		self = -1
	}

	base := make([]pathCost, len(e.flows))
	for i, f := range e.flows {
		base[i] = snap.bestPath(f.Origin, f.Dest, self)
	}

	return &RouteContext{e: e, route: route, snap: snap, self: self, base: base}, nil
}

func (rc *RouteContext) Route() *network.Route {
	return rc.route
}

func (rc *RouteContext) Evaluator() *Evaluator {
	return rc.e
}

// Evaluate scores stopIDs as the route's geometry. A flow is credited to the
// route when its best path through the route beats the best path without
// it; an exact tie credits half.
func (rc *RouteContext) Evaluate(stopIDs []string) (RouteEvaluation, error) {
	e := rc.e
	polyline, length, err := e.validate(stopIDs)
	if err != nil {
		return RouteEvaluation{}, err
	}

	cover, nearest := e.cover(stopIDs)
	neighbors := rc.snap.linked(e, stopIDs, rc.self)
	routes := rc.snap.routes

	load := make([]float64, len(stopIDs))
	boardings, transfers := 0.0, 0.0
	for i, f := range e.flows {
		access, egress := cover[f.Origin], cover[f.Dest]
		accessOK, egressOK := !math.IsInf(access, 1), !math.IsInf(egress, 1)
		if !accessOK && !egressOK {
			continue
		}

		cand := pathCost{}
		if accessOK && egressOK {
			cand = pathCost{hops: 1, walk: access + egress}
		} else {
			for _, b := range neighbors {
				if accessOK {
					if eg := routes[b].cover[f.Dest]; !math.IsInf(eg, 1) {
						cand = cand.min(pathCost{hops: 2, walk: access + eg})
					}
				}
				if egressOK {
					if ac := routes[b].cover[f.Origin]; !math.IsInf(ac, 1) {
						cand = cand.min(pathCost{hops: 2, walk: ac + egress})
					}
				}
			}
		}
		if cand.hops == 0 {
			continue
		}

		var share float64
		switch {
		case cand.less(rc.base[i]):
			share = 1
		case cand == rc.base[i]:
			share = 0.5
		default:
			continue
		}

		v := f.Volume * share
		boardings += v
		transfers += v * float64(cand.hops-1)
		if cand.hops == 1 {
			lo, hi := nearest[f.Origin], nearest[f.Dest]
			if lo > hi {
				lo, hi = hi, lo
			}
			for k := lo; k < hi; k++ {
				load[k] += v
			}
		}
	}

	ridership := 0.0
	if e.totalDemand > 0 {
		ridership = clampScore(100 * boardings / e.totalDemand)
	}

	locs := make([]utils.LatLon, len(stopIDs))
	for i, id := range stopIDs {
		s, _ := e.net.Stop(id)
		locs[i] = s.Location
	}
	nl := nonLinearityScore(locs, utils.PolylineLength(polyline), e.opts.MaxNonLinearity)

	vector := make([]int, len(load))
	for i, v := range load {
		vector[i] = int(math.Round(v))
	}

	return RouteEvaluation{
		Scores:    newScores(e.coverageOf(cover), ridership, transfersScore(transfers, boardings), nl),
		Ridership: vector,
		Polyline:  polyline,
		LengthM:   length,
	}, nil
}

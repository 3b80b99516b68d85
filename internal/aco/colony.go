package aco

import (
	"fmt"
	"math"
	"math/rand"

	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/utils"
)

// heuristicRangeM bounds the street search from each candidate. Next stops
// are never more than MaxSearchRadiusM away in a straight line.
const heuristicRangeM = 3 * MaxSearchRadiusM

// colony is the read-only search space of one run, shared by all ants.
type colony struct {
	params Params
	ids    []string
	locs   []utils.LatLon
	// street[i][j] is the street distance between candidates, or -1 when it
	// is beyond heuristicRangeM or unreachable.
	street [][]float64
	eta    [][]float64

	first, term int
	loop        bool
	targetLen   int
}

func newColony(rc *eval.RouteContext, start []string, polyline []utils.LatLon, p Params) (*colony, error) {
	n := rc.Evaluator().Network()
	ids := sortedUnion(start, n.StopsAlong(polyline, InclusionRadiusM))

	index := make(map[string]int, len(ids))
	stops := make([]*network.Stop, len(ids))
	locs := make([]utils.LatLon, len(ids))
	for i, id := range ids {
		s, ok := n.Stop(id)
		if !ok {
			return nil, fmt.Errorf("%w: %s", network.ErrUnknownStop, id)
		}
		index[id] = i
		stops[i] = s
		locs[i] = s.Location
	}

	street := make([][]float64, len(ids))
	eta := make([][]float64, len(ids))
	for i, s := range stops {
		reach := n.Streets.DistancesFrom(s.Node, heuristicRangeM)
		street[i] = make([]float64, len(ids))
		eta[i] = make([]float64, len(ids))
		for j, t := range stops {
			d, ok := reach[t.Node]
			if !ok || i == j {
				street[i][j] = -1
				continue
			}
			street[i][j] = d
			eta[i][j] = 1000 / math.Max(d, 1)
		}
	}

	first, term := index[start[0]], index[start[len(start)-1]]
	return &colony{
		params:    p,
		ids:       ids,
		locs:      locs,
		street:    street,
		eta:       eta,
		first:     first,
		term:      term,
		loop:      first == term,
		targetLen: len(start),
	}, nil
}

func (c *colony) stopIDs(path []int) []string {
	out := make([]string, len(path))
	for i, k := range path {
		out[i] = c.ids[k]
	}
	return out
}

// construct walks one ant from the first stop to the terminus. It returns
// nil when the ant gets stuck or runs out of stops.
func (c *colony) construct(rng *rand.Rand, tau *pheromoneField) []int {
	seq := []int{c.first}
	visited := make([]bool, len(c.ids))
	visited[c.first] = true
	cur := c.first
	length := 0.0

	for len(seq) < MaxStops-1 {
		toTerm := utils.DistanceBetween(c.locs[cur], c.locs[c.term])
		canClose := !c.loop || len(seq) >= 2

		if canClose && toTerm <= eval.MaxStopDistM && rng.Float64() < closeProbability {
			return append(seq, c.term)
		}

		next := c.eligible(len(seq), visited, cur, length)
		if len(next) == 0 {
			if canClose && toTerm <= MaxSearchRadiusM {
				return append(seq, c.term)
			}
			return nil
		}

		j := c.choose(rng, tau, cur, next)
		length += c.street[cur][j]
		seq = append(seq, j)
		visited[j] = true
		cur = j
	}
	return nil
}

// eligible lists the candidates the ant may move to from cur, widening the
// search radius until something qualifies.
func (c *colony) eligible(placed int, visited []bool, cur int, length float64) []int {
	progress := math.Min(float64(placed)/float64(c.targetLen), 1)
	cone := coneStartDeg - (coneStartDeg-coneEndDeg)*progress
	here := c.locs[cur]
	termLoc := c.locs[c.term]
	heading := utils.Bearing(here.Lat, here.Lon, termLoc.Lat, termLoc.Lon)
	aimed := !c.loop && utils.DistanceBetween(here, termLoc) >= eval.MinStopDistM

	for radius := InitialSearchRadiusM; radius <= MaxSearchRadiusM; radius += SearchRadiusStepM {
		var out []int
		for j := range c.ids {
			if visited[j] || j == c.term || c.street[cur][j] < 0 {
				continue
			}
			loc := c.locs[j]
			d := utils.DistanceBetween(here, loc)
			if d < eval.MinStopDistM || d > radius {
				continue
			}
			if aimed && utils.AngleDiff(utils.Bearing(here.Lat, here.Lon, loc.Lat, loc.Lon), heading) > cone {
				continue
			}
			if c.params.MaxNonLinearity > 0 {
				straight := utils.DistanceBetween(c.locs[c.first], loc)
				if straight >= eval.MaxStopDistM && (length+c.street[cur][j])/straight > c.params.MaxNonLinearity {
					continue
				}
			}
			out = append(out, j)
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// choose draws the next stop with probability proportional to
// tau^alpha * eta^beta.
func (c *colony) choose(rng *rand.Rand, tau *pheromoneField, cur int, next []int) int {
	weights := make([]float64, len(next))
	total := 0.0
	for k, j := range next {
		w := math.Pow(tau.get(cur, j), c.params.Alpha) * math.Pow(c.eta[cur][j], c.params.Beta)
		if math.IsNaN(w) || math.IsInf(w, 0) {
			w = 0
		}
		weights[k] = w
		total += w
	}
	if total <= 0 || math.IsInf(total, 0) {
		return next[rng.Intn(len(next))]
	}

	r := rng.Float64() * total
	for k, w := range weights {
		r -= w
		if r < 0 {
			return next[k]
		}
	}
	return next[len(next)-1]
}

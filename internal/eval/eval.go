// Package eval scores routes and whole networks against the demand model.
//
// Every score is in [0, 100]. The composite is a fixed weighted sum:
//
//	composite = 0.35*coverage + 0.35*ridership + 0.15*transfers + 0.15*non_linearity
//
// Demand is assigned to at most two-leg transit paths (one transfer). A cell
// is served by a stop when the stop lies within the walking radius of the
// cell; routes are linked for transfers when any of their stops lie within
// the transfer radius of each other. Evaluation never mutates the network.
package eval

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/utils"
)

const (
	WeightCoverage     = 0.35
	WeightRidership    = 0.35
	WeightTransfers    = 0.15
	WeightNonLinearity = 0.15

	DefaultWalkRadiusM     = 400.0
	DefaultTransferRadiusM = 150.0
	DefaultPeriod          = "AM_RUSH"
	DefaultMaxNonLinearity = 2.0

	// MaxTransfers caps the route changes of an assigned path.
	MaxTransfers = 1

	UTurnAngle    = 178.0
	UTurnFactor   = 0.6
	MinStopDistM  = 100.0
	MaxStopDistM  = 500.0
	SpacingFactor = 0.9
)

var ErrInvalidSequence = errors.New("invalid stop sequence")

// Scores holds the four sub-scores and their weighted composite.
type Scores struct {
	Composite    float64 `json:"composite"`
	Coverage     float64 `json:"coverage"`
	Ridership    float64 `json:"ridership"`
	Transfers    float64 `json:"transfers"`
	NonLinearity float64 `json:"non_linearity"`
}

// Composite is the weighted sum of the sub-scores, always evaluated in the
// same order. The conversions stop the compiler from fusing the
// multiply-adds, which would change the low bits on some platforms.
func Composite(coverage, ridership, transfers, nonLinearity float64) float64 {
	sum := float64(WeightCoverage * coverage)
	sum += float64(WeightRidership * ridership)
	sum += float64(WeightTransfers * transfers)
	sum += float64(WeightNonLinearity * nonLinearity)
	return sum
}

func newScores(coverage, ridership, transfers, nonLinearity float64) Scores {
	return Scores{
		Composite:    Composite(coverage, ridership, transfers, nonLinearity),
		Coverage:     coverage,
		Ridership:    ridership,
		Transfers:    transfers,
		NonLinearity: nonLinearity,
	}
}

type Options struct {
	WalkRadiusM     float64
	TransferRadiusM float64
	Period          string
	// MaxNonLinearity defaults to DefaultMaxNonLinearity when unset. Use
	// WithMaxNonLinearity(0) to turn the ratio penalty off.
	MaxNonLinearity float64
}

func (o *Options) setDefaults() {
	if o.WalkRadiusM <= 0 {
		o.WalkRadiusM = DefaultWalkRadiusM
	}
	if o.TransferRadiusM <= 0 {
		o.TransferRadiusM = DefaultTransferRadiusM
	}
	if o.Period == "" {
		o.Period = DefaultPeriod
	}
	if o.MaxNonLinearity <= 0 {
		o.MaxNonLinearity = DefaultMaxNonLinearity
	}
}

type cellDist struct {
	cell int
	dist float64
}

// Evaluator holds the demand and catchment data derived from one network.
// It is safe for concurrent use.
type Evaluator struct {
	net  *network.Network
	opts Options

	flows           []network.Flow
	totalDemand     float64
	production      []float64
	totalProduction float64

	// stop -> cells within walking distance, with distance to the centroid
	stopCells map[string][]cellDist
	// stop -> stops within transfer distance, itself included
	stopNeighbors map[string][]string
}

// New precomputes catchments for every stop of n.
func New(n *network.Network, opts Options) *Evaluator {
	opts.setDefaults()

	e := &Evaluator{
		net:           n,
		opts:          opts,
		flows:         n.Demand.Flows(opts.Period),
		totalDemand:   n.Demand.TotalDemand(opts.Period),
		production:    n.Demand.Production(opts.Period),
		stopCells:     make(map[string][]cellDist),
		stopNeighbors: make(map[string][]string),
	}
	for _, p := range e.production {
		e.totalProduction += p
	}

	for _, id := range n.StopIDs() {
		stop, _ := n.Stop(id)
		e.stopCells[id] = e.catchment(stop.Location)
		e.stopNeighbors[id] = n.StopsNear(stop.Location.Lat, stop.Location.Lon, opts.TransferRadiusM)
	}
	return e
}

// WithMaxNonLinearity returns an evaluator sharing all precomputed data but
// penalising routes above a different non-linearity ratio. A ratio of 0 or
// less disables the ratio penalty, matching the colony's candidate filter.
func (e *Evaluator) WithMaxNonLinearity(v float64) *Evaluator {
	c := *e
	c.opts.MaxNonLinearity = max(v, 0)
	return &c
}

func (e *Evaluator) Options() Options {
	return e.opts
}

func (e *Evaluator) Network() *network.Network {
	return e.net
}

// catchment lists the cells whose rectangle lies within the walking radius
// of loc, in ascending cell order.
func (e *Evaluator) catchment(loc utils.LatLon) []cellDist {
	g := e.net.Demand
	b := utils.CalculateBounds(loc.Lat, loc.Lon, e.opts.WalkRadiusM)
	if utils.IsOutOfBounds(b, g.Bounds) {
		return nil
	}

	dLat := (g.Bounds.MaxLat - g.Bounds.MinLat) / float64(g.Rows)
	dLon := (g.Bounds.MaxLon - g.Bounds.MinLon) / float64(g.Cols)
	clampIdx := func(v float64, max int) int {
		i := int(math.Floor(v))
		if i < 0 {
			return 0
		}
		if i >= max {
			return max - 1
		}
		return i
	}
	r0 := clampIdx((b.MinLat-g.Bounds.MinLat)/dLat, g.Rows)
	r1 := clampIdx((b.MaxLat-g.Bounds.MinLat)/dLat, g.Rows)
	c0 := clampIdx((b.MinLon-g.Bounds.MinLon)/dLon, g.Cols)
	c1 := clampIdx((b.MaxLon-g.Bounds.MinLon)/dLon, g.Cols)

	var out []cellDist
	for r := r0; r <= r1; r++ {
		for c := c0; c <= c1; c++ {
			minLat := g.Bounds.MinLat + float64(r)*dLat
			minLon := g.Bounds.MinLon + float64(c)*dLon
			nearest := utils.LatLon{
				Lat: math.Min(math.Max(loc.Lat, minLat), minLat+dLat),
				Lon: math.Min(math.Max(loc.Lon, minLon), minLon+dLon),
			}
			if utils.DistanceBetween(loc, nearest) > e.opts.WalkRadiusM {
				continue
			}
			cell := r*g.Cols + c
			out = append(out, cellDist{cell: cell, dist: utils.DistanceBetween(loc, g.CellCenter(cell))})
		}
	}
	return out
}

// RouteEvaluation is the result of scoring one stop sequence.
type RouteEvaluation struct {
	Scores Scores
	// Ridership is the on-board load leaving each stop, for direct trips.
	Ridership []int
	Polyline  []utils.LatLon
	LengthM   float64
}

// EvaluateRoute scores stopIDs as the geometry of routeID, with every other
// route as served through overlay (nil for the original network).
func (e *Evaluator) EvaluateRoute(routeID string, stopIDs []string, overlay network.Overlay) (RouteEvaluation, error) {
	rc, err := e.RouteContext(routeID, overlay)
	if err != nil {
		return RouteEvaluation{}, err
	}
	return rc.Evaluate(stopIDs)
}

// validate checks a sequence and assembles its polyline.
func (e *Evaluator) validate(stopIDs []string) ([]utils.LatLon, float64, error) {
	if len(stopIDs) < 2 {
		return nil, 0, fmt.Errorf("%w: %d stops", ErrInvalidSequence, len(stopIDs))
	}
	for i, id := range stopIDs {
		if _, ok := e.net.Stop(id); !ok {
			return nil, 0, fmt.Errorf("%w: unknown stop %s", ErrInvalidSequence, id)
		}
		if i > 0 && stopIDs[i-1] == id {
			return nil, 0, fmt.Errorf("%w: stop %s repeated", ErrInvalidSequence, id)
		}
	}
	polyline, length, err := e.net.RoutePolyline(stopIDs)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidSequence, err)
	}
	return polyline, length, nil
}

func (e *Evaluator) coverageOf(covered []float64) float64 {
	if e.totalProduction <= 0 {
		return 0
	}
	sum := 0.0
	for cell, d := range covered {
		if !math.IsInf(d, 1) {
			sum += e.production[cell]
		}
	}
	return clampScore(100 * sum / e.totalProduction)
}

func transfersScore(transferVolume, servedVolume float64) float64 {
	if servedVolume <= 0 {
		return 0
	}
	avg := transferVolume / servedVolume
	return clampScore(100 - 100*avg/MaxTransfers)
}

func clampScore(v float64) float64 {
	switch {
	case math.IsNaN(v) || v < 0:
		return 0
	case v > 100:
		return 100
	default:
		return v
	}
}

// NonLinearityScore scores a stop sequence from its street length. Ratios
// above maxRatio scale the score by maxRatio/ratio, unless maxRatio is 0; a U-turn at any interior
// stop or any stop spacing outside [MinStopDistM, MaxStopDistM] applies a
// further factor. Loops (endpoints under 1 m apart) count as straight.
func (e *Evaluator) NonLinearityScore(stopIDs []string, lengthM float64) float64 {
	locs := make([]utils.LatLon, len(stopIDs))
	for i, id := range stopIDs {
		s, _ := e.net.Stop(id)
		locs[i] = s.Location
	}
	return nonLinearityScore(locs, lengthM, e.opts.MaxNonLinearity)
}

func nonLinearityScore(locs []utils.LatLon, lengthM, maxRatio float64) float64 {
	if len(locs) < 2 {
		return 0
	}
	straight := utils.DistanceBetween(locs[0], locs[len(locs)-1])
	ratio := 1.0
	if straight >= 1 {
		ratio = lengthM / straight
	}

	score := 100.0
	if maxRatio > 0 && ratio > maxRatio {
		score = 100 * maxRatio / ratio
	}

	for i := 1; i+1 < len(locs); i++ {
		if utils.TurnAngle(locs[i-1], locs[i], locs[i+1]) > UTurnAngle {
			score *= UTurnFactor
			break
		}
	}
	for i := 1; i < len(locs); i++ {
		d := utils.DistanceBetween(locs[i-1], locs[i])
		if d < MinStopDistM || d > MaxStopDistM {
			score *= SpacingFactor
			break
		}
	}
	return clampScore(score)
}

// NetworkEvaluation compares the original network with the served one.
type NetworkEvaluation struct {
	Original  Scores `json:"original"`
	Optimized Scores `json:"optimized"`
}

// EvaluateNetwork scores the original network and the network as served
// through overlay.
func (e *Evaluator) EvaluateNetwork(overlay network.Overlay) NetworkEvaluation {
	return NetworkEvaluation{
		Original:  e.networkScores(e.snapshot(nil)),
		Optimized: e.networkScores(e.snapshot(overlay)),
	}
}

func (e *Evaluator) networkScores(s *snapshot) Scores {
	covered := make([]float64, e.net.Demand.CellCount())
	for i := range covered {
		covered[i] = math.Inf(1)
	}
	nlSum, nlCount := 0.0, 0
	for i := range s.routes {
		r := &s.routes[i]
		for cell, d := range r.cover {
			if d < covered[cell] {
				covered[cell] = d
			}
		}
		if r.bus {
			nlSum += r.nonLinearity
			nlCount++
		}
	}

	served, transfers := 0.0, 0.0
	for _, f := range e.flows {
		best := s.bestPath(f.Origin, f.Dest, -1)
		if best.hops == 0 {
			continue
		}
		served += f.Volume
		transfers += f.Volume * float64(best.hops-1)
	}

	ridership := 0.0
	if e.totalDemand > 0 {
		ridership = clampScore(100 * served / e.totalDemand)
	}
	nl := 0.0
	if nlCount > 0 {
		nl = nlSum / float64(nlCount)
	}
	return newScores(e.coverageOf(covered), ridership, transfersScore(transfers, served), nl)
}

// Improvement is one row of the improvement leaderboard.
type Improvement struct {
	RouteID       string  `json:"route_id"`
	RouteLongName string  `json:"route_long_name"`
	Improvement   float64 `json:"improvement"`
	ScoreBefore   float64 `json:"score_before"`
	ScoreAfter    float64 `json:"score_after"`
}

// RankImprovements sorts improvements by improvement percentage, largest
// first, then by route id.
func RankImprovements(items []Improvement) []Improvement {
	out := make([]Improvement, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Improvement != out[j].Improvement {
			return out[i].Improvement > out[j].Improvement
		}
		return out[i].RouteID < out[j].RouteID
	})
	return out
}

// ImprovementPct is the relative gain of after over before in percent.
func ImprovementPct(before, after float64) float64 {
	if before <= 0 {
		if after > 0 {
			return 100
		}
		return 0
	}
	return (after - before) / before * 100
}

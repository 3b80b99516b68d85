package scheduler

import (
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/utils"
)

type EventKind string

const (
	// EventProgress reports one finished generation. Progress events may be
	// dropped by slow subscribers; the other kinds never are.
	EventProgress  EventKind = "progress"
	EventWarning   EventKind = "warning"
	EventRouteDone EventKind = "route_completed"
	EventJobDone   EventKind = "job_completed"
)

// RouteScore pairs a route with its best composite so far.
type RouteScore struct {
	RouteID string
	Score   float64
}

// Event is one scheduler notification. Counters are cumulative over the job:
// Iteration = completed routes * IterationsPerRoute + RouteIteration.
type Event struct {
	Kind  EventKind
	JobID string

	Iteration          int
	TotalIterations    int
	RouteIteration     int
	IterationsPerRoute int
	Progress           float64

	CurrentRoute      string
	CurrentRouteIndex int
	RoutesCount       int
	AllRouteIDs       []string

	// best geometry of the current route so far
	CurrentSequence []string
	CurrentPolyline []utils.LatLon
	CurrentScore    eval.Scores

	Evaluation       []RouteScore
	OptimizeAttempts []int

	Converged       bool
	ConvergedRoute  string
	ConvergedRoutes []bool
	AllConverged    bool
	EarlyCompletion bool

	Message      string
	Warning      string
	NoopRouteIDs []string
}

// Terminal reports whether the event must reach the subscriber.
func (e Event) Terminal() bool {
	return e.Kind != EventProgress
}

// Package cache keeps the optimized geometry of every improved route and the
// set of routes whose last optimization found nothing better.
package cache

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/utils"
)

var ErrNotImproved = errors.New("score after does not exceed score before")

// Record is the optimized replacement of one route.
type Record struct {
	RouteID        string
	StopIDs        []string
	Polyline       []utils.LatLon
	LengthM        float64
	ScoreBefore    eval.Scores
	ScoreAfter     eval.Scores
	ImprovementPct float64
	UpdatedAt      time.Time
}

func (r Record) clone() Record {
	r.StopIDs = append([]string(nil), r.StopIDs...)
	r.Polyline = append([]utils.LatLon(nil), r.Polyline...)
	return r
}

// Cache is safe for concurrent use. A route id is never in both the records
// and the no-improvement set.
type Cache struct {
	clock clock.Clock

	mu       sync.RWMutex
	records  map[string]Record
	noop     map[string]struct{}
	attempts map[string]int
}

func New(c clock.Clock) *Cache {
	if c == nil {
		c = clock.RealClock{}
	}
	return &Cache{
		clock:    c,
		records:  make(map[string]Record),
		noop:     make(map[string]struct{}),
		attempts: make(map[string]int),
	}
}

// Store commits an improved route and drops it from the no-improvement set.
// A stored record is only replaced by one with a higher ScoreAfter.
func (c *Cache) Store(rec Record) error {
	if rec.ScoreAfter.Composite <= rec.ScoreBefore.Composite {
		return fmt.Errorf("store %s: %w", rec.RouteID, ErrNotImproved)
	}
	if len(rec.StopIDs) < 2 || len(rec.Polyline) == 0 {
		return fmt.Errorf("store %s: empty geometry", rec.RouteID)
	}
	rec = rec.clone()
	rec.UpdatedAt = c.clock.Now()
	if rec.ImprovementPct == 0 {
		rec.ImprovementPct = eval.ImprovementPct(rec.ScoreBefore.Composite, rec.ScoreAfter.Composite)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if cur, ok := c.records[rec.RouteID]; ok && rec.ScoreAfter.Composite <= cur.ScoreAfter.Composite {
		return fmt.Errorf("store %s: %.4f does not beat the stored %.4f: %w",
			rec.RouteID, rec.ScoreAfter.Composite, cur.ScoreAfter.Composite, ErrNotImproved)
	}
	c.records[rec.RouteID] = rec
	delete(c.noop, rec.RouteID)
	return nil
}

// MarkNoImprovement adds routeID to the no-improvement set unless an earlier
// optimization of it is still stored, in which case that one stands. It
// reports whether the id was added.
func (c *Cache) MarkNoImprovement(routeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.records[routeID]; ok {
		return false
	}
	c.noop[routeID] = struct{}{}
	return true
}

// RecordAttempt counts one more optimization of routeID and returns the total.
func (c *Cache) RecordAttempt(routeID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[routeID]++
	return c.attempts[routeID]
}

func (c *Cache) Attempts(routeID string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts[routeID]
}

func (c *Cache) Get(routeID string) (Record, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[routeID]
	if !ok {
		return Record{}, false
	}
	return rec.clone(), true
}

// OptimizedRoute makes the cache a network overlay.
func (c *Cache) OptimizedRoute(routeID string) ([]string, []utils.LatLon, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.records[routeID]
	if !ok {
		return nil, nil, false
	}
	return rec.StopIDs, rec.Polyline, true
}

// Records returns every stored record ordered by route id.
func (c *Cache) Records() []Record {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Record, 0, len(c.records))
	for _, rec := range c.records {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RouteID < out[j].RouteID })
	return out
}

func (c *Cache) RouteIDs() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.records)
}

func (c *Cache) NoImprovement() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return sortedKeys(c.noop)
}

// Reset drops every record, the no-improvement set and the attempt counts.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = make(map[string]Record)
	c.noop = make(map[string]struct{})
	c.attempts = make(map[string]int)
}

// Snapshot is a consistent copy of the cache. It is itself an overlay, so a
// whole network evaluation sees one state even while routes are committed.
type Snapshot struct {
	Records       map[string]Record
	NoImprovement []string
	Attempts      map[string]int
}

func (c *Cache) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := Snapshot{
		Records:       make(map[string]Record, len(c.records)),
		NoImprovement: sortedKeys(c.noop),
		Attempts:      make(map[string]int, len(c.attempts)),
	}
	for id, rec := range c.records {
		s.Records[id] = rec.clone()
	}
	for id, n := range c.attempts {
		s.Attempts[id] = n
	}
	return s
}

func (s Snapshot) OptimizedRoute(routeID string) ([]string, []utils.LatLon, bool) {
	rec, ok := s.Records[routeID]
	if !ok {
		return nil, nil, false
	}
	return rec.StopIDs, rec.Polyline, true
}

// RouteIDs lists the optimized routes in the snapshot, sorted.
func (s Snapshot) RouteIDs() []string {
	return sortedKeys(s.Records)
}

// Improvements lists the stored records as ranking entries.
func (s Snapshot) Improvements(name func(routeID string) string) []eval.Improvement {
	out := make([]eval.Improvement, 0, len(s.Records))
	for _, id := range s.RouteIDs() {
		rec := s.Records[id]
		item := eval.Improvement{
			RouteID:     id,
			Improvement: rec.ImprovementPct,
			ScoreBefore: rec.ScoreBefore.Composite,
			ScoreAfter:  rec.ScoreAfter.Composite,
		}
		if name != nil {
			item.RouteLongName = name(id)
		}
		out = append(out, item)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

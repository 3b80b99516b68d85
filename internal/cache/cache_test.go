package cache_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/internal/cache"
	"routeopt.transitworks.org/internal/clock"
	"routeopt.transitworks.org/internal/eval"
	"routeopt.transitworks.org/internal/utils"
)

var now = time.Date(2024, 3, 4, 8, 30, 0, 0, time.UTC)

func record(id string, before, after float64) cache.Record {
	return cache.Record{
		RouteID:     id,
		StopIDs:     []string{"a", "b", "c"},
		Polyline:    []utils.LatLon{{Lat: 1, Lon: 1}, {Lat: 1, Lon: 2}},
		ScoreBefore: eval.Scores{Composite: before},
		ScoreAfter:  eval.Scores{Composite: after},
	}
}

func TestStoreAndGet(t *testing.T) {
	c := cache.New(clock.NewMockClock(now))

	require.NoError(t, c.Store(record("R2", 50, 55)))
	rec, ok := c.Get("R2")
	require.True(t, ok)
	assert.Equal(t, now, rec.UpdatedAt)
	assert.InDelta(t, 10.0, rec.ImprovementPct, 1e-9)

	seq, polyline, ok := c.OptimizedRoute("R2")
	require.True(t, ok)
	assert.Equal(t, []string{"a", "b", "c"}, seq)
	assert.Len(t, polyline, 2)

	_, _, ok = c.OptimizedRoute("R3")
	assert.False(t, ok)
}

func TestStoreRejectsNonImprovement(t *testing.T) {
	c := cache.New(nil)
	assert.ErrorIs(t, c.Store(record("R2", 50, 50)), cache.ErrNotImproved)
	assert.ErrorIs(t, c.Store(record("R2", 50, 49)), cache.ErrNotImproved)
	assert.Empty(t, c.RouteIDs())
}

func TestStoreKeepsTheBetterRecord(t *testing.T) {
	c := cache.New(nil)
	require.NoError(t, c.Store(record("R2", 50, 75)))

	worse := record("R2", 50, 52.5)
	worse.StopIDs = []string{"a", "c"}
	assert.ErrorIs(t, c.Store(worse), cache.ErrNotImproved)
	assert.ErrorIs(t, c.Store(record("R2", 50, 75)), cache.ErrNotImproved, "a tie keeps the stored record")

	got, _ := c.Get("R2")
	assert.Equal(t, 75.0, got.ScoreAfter.Composite)
	assert.Equal(t, []string{"a", "b", "c"}, got.StopIDs)

	require.NoError(t, c.Store(record("R2", 50, 80)))
	got, _ = c.Get("R2")
	assert.Equal(t, 80.0, got.ScoreAfter.Composite)
}

func TestRecordsAreCopies(t *testing.T) {
	c := cache.New(nil)
	rec := record("R2", 10, 20)
	require.NoError(t, c.Store(rec))
	rec.StopIDs[0] = "mutated"

	got, _ := c.Get("R2")
	assert.Equal(t, "a", got.StopIDs[0])
	got.StopIDs[1] = "mutated"
	again, _ := c.Get("R2")
	assert.Equal(t, "b", again.StopIDs[1])
}

func TestNoImprovementExcludesStoredRoutes(t *testing.T) {
	c := cache.New(nil)

	assert.True(t, c.MarkNoImprovement("R4"))
	assert.Equal(t, []string{"R4"}, c.NoImprovement())

	require.NoError(t, c.Store(record("R4", 10, 12)))
	assert.Empty(t, c.NoImprovement(), "a stored route leaves the set")

	assert.False(t, c.MarkNoImprovement("R4"))
	assert.Empty(t, c.NoImprovement())
	assert.Equal(t, []string{"R4"}, c.RouteIDs())
}

func TestAttemptsAndReset(t *testing.T) {
	c := cache.New(nil)
	assert.Equal(t, 1, c.RecordAttempt("R2"))
	assert.Equal(t, 2, c.RecordAttempt("R2"))
	assert.Equal(t, 2, c.Attempts("R2"))

	require.NoError(t, c.Store(record("R2", 1, 2)))
	c.MarkNoImprovement("R3")

	c.Reset()
	assert.Empty(t, c.RouteIDs())
	assert.Empty(t, c.NoImprovement())
	assert.Zero(t, c.Attempts("R2"))
}

func TestSnapshot(t *testing.T) {
	c := cache.New(nil)
	require.NoError(t, c.Store(record("B", 50, 60)))
	require.NoError(t, c.Store(record("A", 50, 52.5)))
	c.MarkNoImprovement("C")

	snap := c.Snapshot()
	c.Reset()

	assert.Equal(t, []string{"A", "B"}, snap.RouteIDs())
	assert.Equal(t, []string{"C"}, snap.NoImprovement)
	_, _, ok := snap.OptimizedRoute("A")
	assert.True(t, ok)

	items := snap.Improvements(func(id string) string { return "Route " + id })
	require.Len(t, items, 2)
	assert.Equal(t, "Route A", items[0].RouteLongName)
	assert.InDelta(t, 5.0, items[0].Improvement, 1e-9)
	assert.InDelta(t, 20.0, items[1].Improvement, 1e-9)
}

func TestConcurrentAccess(t *testing.T) {
	c := cache.New(nil)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				_ = c.Store(record("R2", 1, float64(2+k)))
				c.RecordAttempt("R2")
			}
		}()
		go func() {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				if seq, polyline, ok := c.OptimizedRoute("R2"); ok {
					assert.Len(t, seq, 3)
					assert.Len(t, polyline, 2)
				}
				_ = c.Snapshot()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 800, c.Attempts("R2"))
}

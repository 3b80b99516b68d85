package utils

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDistance(t *testing.T) {
	tests := []struct {
		name      string
		a, b      LatLon
		expected  float64
		tolerance float64
	}{
		{"same point", LatLon{43.65, -79.38}, LatLon{43.65, -79.38}, 0, 0.001},
		{"London to Paris", LatLon{51.5074, -0.1278}, LatLon{48.8566, 2.3522}, 343556, 1000},
		{"quarter meridian", LatLon{0, 0}, LatLon{45, 0}, 5003778, 5000},
		{"one city block", LatLon{43.6500, -79.3800}, LatLon{43.6527, -79.3800}, 300.2, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.expected, DistanceBetween(tt.a, tt.b), tt.tolerance)
		})
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := LatLon{43.6426, -79.3871}
	b := LatLon{43.6629, -79.3957}
	assert.InDelta(t, DistanceBetween(a, b), DistanceBetween(b, a), 1e-9)
}

func TestCalculateBounds(t *testing.T) {
	bounds := CalculateBounds(38.627003, -121.530398, 500)

	assert.InDelta(t, 0.00898, bounds.MaxLat-bounds.MinLat, 0.0001)
	assert.InDelta(t, 0.01153, bounds.MaxLon-bounds.MinLon, 0.0001)
	assert.True(t, bounds.Contains(38.627003, -121.530398))
	assert.False(t, bounds.Contains(38.7, -121.530398))
}

func TestIsOutOfBounds(t *testing.T) {
	outer := CoordinateBounds{MinLat: 0, MaxLat: 1, MinLon: 0, MaxLon: 1}

	assert.False(t, IsOutOfBounds(CoordinateBounds{MinLat: 0.5, MaxLat: 1.5, MinLon: 0.5, MaxLon: 1.5}, outer))
	assert.True(t, IsOutOfBounds(CoordinateBounds{MinLat: 2, MaxLat: 3, MinLon: 0, MaxLon: 1}, outer))
}

func TestBearingAndTurns(t *testing.T) {
	origin := LatLon{0, 0}
	north := LatLon{0.01, 0}
	east := LatLon{0, 0.01}

	assert.InDelta(t, 0, Bearing(origin.Lat, origin.Lon, north.Lat, north.Lon), 1e-6)
	assert.InDelta(t, 90, Bearing(origin.Lat, origin.Lon, east.Lat, east.Lon), 1e-6)

	assert.InDelta(t, 10, AngleDiff(355, 5), 1e-9)
	assert.InDelta(t, 180, AngleDiff(0, 180), 1e-9)

	// straight on
	assert.InDelta(t, 0, TurnAngle(origin, north, LatLon{0.02, 0}), 1e-6)
	// right angle
	assert.InDelta(t, 90, TurnAngle(LatLon{-0.01, 0}, origin, east), 1e-3)
	// doubling back
	assert.InDelta(t, 180, TurnAngle(origin, north, origin), 1e-6)
}

func TestPolylineLength(t *testing.T) {
	pts := []LatLon{{0, 0}, {0.001, 0}, {0.002, 0}}
	single := DistanceBetween(pts[0], pts[1])

	assert.InDelta(t, 2*single, PolylineLength(pts), 1e-6)
	assert.Equal(t, 0.0, PolylineLength(pts[:1]))
	assert.Equal(t, 0.0, PolylineLength(nil))
}

func TestPolylineRoundTrip(t *testing.T) {
	pts := []LatLon{{38.5, -120.2}, {40.7, -120.95}, {43.252, -126.453}}

	encoded := EncodePolyline(pts)
	assert.Equal(t, "_p~iF~ps|U_ulLnnqC_mqNvxq`@", encoded)

	decoded, err := DecodePolyline(encoded)
	require.NoError(t, err)
	require.Len(t, decoded, 3)
	for i := range pts {
		assert.InDelta(t, pts[i].Lat, decoded[i].Lat, 1e-5)
		assert.InDelta(t, pts[i].Lon, decoded[i].Lon, 1e-5)
	}
}

func TestProjectMeters(t *testing.T) {
	x1, y1 := ProjectMeters(43.65, -79.38, 43.65)
	x2, y2 := ProjectMeters(43.6527, -79.38, 43.65)

	assert.InDelta(t, 0, x2-x1, 1e-6)
	assert.InDelta(t, 300.2, math.Abs(y2-y1), 1)
}

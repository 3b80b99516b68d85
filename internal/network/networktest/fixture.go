// Package networktest builds a small synthetic city for tests.
//
// The city is an 8x8 street lattice with 250 m blocks and a stop on every
// intersection. Routes:
//
//	R1_tram      tram up column 3
//	R2_bus       bus along row 3
//	R3_detour    bus snaking between rows 6 and 7 from column 0 to column 7
//	R4_bus       bus up column 6, rows 0 to 5
//	R9_isolated  two-stop bus on a separate street 1 km east of the lattice
package networktest

import (
	"database/sql"
	"fmt"
	"math"
	"testing"

	"github.com/stretchr/testify/require"
	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/network"
	"routeopt.transitworks.org/internal/utils"
)

const (
	BaseLat  = 43.65
	BaseLon  = -79.40
	Size     = 8
	SpacingM = 250.0

	CityName = "testville"
)

var (
	dLat = SpacingM / (utils.RadiusOfEarthInMeters * math.Pi / 180)
	dLon = SpacingM / (utils.RadiusOfEarthInMeters * math.Pi / 180 * math.Cos(BaseLat*math.Pi/180))
)

// StopID names the stop at a lattice intersection.
func StopID(row, col int) string {
	return fmt.Sprintf("S_%d_%d", row, col)
}

// NodeID numbers the street node at a lattice intersection.
func NodeID(row, col int) int64 {
	return int64(100 + row*Size + col)
}

// Location returns the coordinate of a lattice intersection. Columns may lie
// outside the lattice.
func Location(row, col float64) utils.LatLon {
	return utils.LatLon{Lat: BaseLat + row*dLat, Lon: BaseLon + col*dLon}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// City returns a fresh snapshot of the synthetic city.
func City() *citydb.City {
	city := &citydb.City{
		Metadata:   map[string]string{"name": CityName},
		RouteStops: map[string][]string{},
	}

	for r := 0; r < Size; r++ {
		for c := 0; c < Size; c++ {
			loc := Location(float64(r), float64(c))
			city.Nodes = append(city.Nodes, citydb.StreetNode{ID: NodeID(r, c), Lat: loc.Lat, Lon: loc.Lon})
			city.Stops = append(city.Stops, citydb.Stop{
				ID:   StopID(r, c),
				Name: nullString(fmt.Sprintf("Row %d / Col %d", r, c)),
				Lat:  loc.Lat,
				Lon:  loc.Lon,
			})
			if c+1 < Size {
				city.Edges = append(city.Edges, edge(NodeID(r, c), NodeID(r, c+1), SpacingM))
			}
			if r+1 < Size {
				city.Edges = append(city.Edges, edge(NodeID(r, c), NodeID(r+1, c), SpacingM))
			}
		}
	}

	// Isolated street 1 km east of the lattice.
	isoA := Location(3, float64(Size-1)+4)
	isoB := Location(3, float64(Size-1)+5.6)
	city.Nodes = append(city.Nodes,
		citydb.StreetNode{ID: 900, Lat: isoA.Lat, Lon: isoA.Lon},
		citydb.StreetNode{ID: 901, Lat: isoB.Lat, Lon: isoB.Lon})
	city.Edges = append(city.Edges, edge(900, 901, utils.DistanceBetween(isoA, isoB)))
	city.Stops = append(city.Stops,
		citydb.Stop{ID: "S_iso_a", Lat: isoA.Lat, Lon: isoA.Lon},
		citydb.Stop{ID: "S_iso_b", Lat: isoB.Lat, Lon: isoB.Lon})

	addRoute := func(id string, routeType int64, name string, stops []string) {
		city.Routes = append(city.Routes, citydb.Route{
			ID:        id,
			RouteType: routeType,
			ShortName: nullString(id),
			LongName:  nullString(name),
		})
		city.RouteStops[id] = stops
	}

	var tram, bus, detour, north []string
	for i := 0; i < Size; i++ {
		tram = append(tram, StopID(i, 3))
		bus = append(bus, StopID(3, i))
	}
	for c := 0; c < Size; c++ {
		if c%2 == 0 {
			detour = append(detour, StopID(6, c), StopID(7, c))
		} else {
			detour = append(detour, StopID(7, c), StopID(6, c))
		}
	}
	for r := 0; r <= 5; r++ {
		north = append(north, StopID(r, 6))
	}

	addRoute("R1_tram", 0, "Column Three Tram", tram)
	addRoute("R2_bus", 3, "Row Three Crosstown", bus)
	addRoute("R3_detour", 3, "Northern Serpentine", detour)
	addRoute("R4_bus", 3, "Column Six Local", north)
	addRoute("R9_isolated", 3, "East Shuttle", []string{"S_iso_a", "S_iso_b"})

	addDemand(city)
	return city
}

// edge connects two nodes both ways. Lattice blocks all use the nominal
// length, so the two L-shaped paths around a block tie exactly.
func edge(from, to int64, length float64) citydb.StreetEdge {
	return citydb.StreetEdge{
		FromNode:    from,
		ToNode:      to,
		LengthM:     length,
		TravelTimeS: sql.NullFloat64{Float64: length / 8.3, Valid: true},
	}
}

// GridRows and GridCols size the demand grid, which covers the lattice and
// the isolated street with a half-block margin.
const (
	GridRows = 4
	GridCols = 7
)

func addDemand(city *citydb.City) {
	minLoc := Location(-0.5, -0.5)
	maxLoc := Location(float64(Size)-0.5, float64(Size-1)+6.1)
	city.Grid = &citydb.DemandGrid{
		Rows:   GridRows,
		Cols:   GridCols,
		MinLat: minLoc.Lat,
		MinLon: minLoc.Lon,
		MaxLat: maxLoc.Lat,
		MaxLon: maxLoc.Lon,
	}

	n := GridRows * GridCols
	pop := make([]float64, n)
	for cell := 0; cell < n; cell++ {
		row, col := cell/GridCols, cell%GridCols
		if col >= 5 {
			// east of the lattice nobody lives
			continue
		}
		pop[cell] = float64(500 + 150*((row*3+col*5)%7))
		city.Cells = append(city.Cells, citydb.DemandCell{Cell: int64(cell), Population: pop[cell]})
	}

	for o := 0; o < n; o++ {
		for d := 0; d < n; d++ {
			if o == d || pop[o] == 0 || pop[d] == 0 {
				continue
			}
			dr := float64(o/GridCols - d/GridCols)
			dc := float64(o%GridCols - d%GridCols)
			volume := math.Round(pop[o]*pop[d]/(1+dr*dr+dc*dc)/1000*100) / 100
			city.Flows = append(city.Flows,
				citydb.DemandFlow{Period: "AM_RUSH", OriginCell: int64(o), DestCell: int64(d), Volume: volume},
				citydb.DemandFlow{Period: "MID_DAY", OriginCell: int64(o), DestCell: int64(d), Volume: math.Round(volume*50) / 100},
			)
		}
	}
}

// Network builds the synthetic city and fails the test on error.
func Network(t testing.TB) *network.Network {
	t.Helper()
	n, err := network.Build(City(), network.Options{})
	require.NoError(t, err)
	return n
}

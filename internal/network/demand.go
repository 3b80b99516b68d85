package network

import (
	"fmt"
	"math"
	"sort"

	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/utils"
)

// Periods are the named demand periods, in day order.
var Periods = []string{"MORNING", "AM_RUSH", "MID_DAY", "PM_RUSH", "EVENING"}

// Flow is one origin-destination volume between two grid cells.
type Flow struct {
	Origin int
	Dest   int
	Volume float64
}

// DemandGrid is a regular lat/lon grid with per-period OD flows. Cells are
// numbered row-major from the south-west corner.
type DemandGrid struct {
	Rows   int
	Cols   int
	Bounds utils.CoordinateBounds

	population []float64
	flows      map[string][]Flow
	production map[string][]float64
	attraction map[string][]float64
}

func newDemandGrid(grid *citydb.DemandGrid, cells []citydb.DemandCell, flows []citydb.DemandFlow) (*DemandGrid, error) {
	if grid == nil {
		return nil, fmt.Errorf("%w: demand grid is missing", ErrCorruptData)
	}
	if grid.Rows <= 0 || grid.Cols <= 0 || grid.MaxLat <= grid.MinLat || grid.MaxLon <= grid.MinLon {
		return nil, fmt.Errorf("%w: demand grid has invalid dimensions", ErrCorruptData)
	}

	g := &DemandGrid{
		Rows: int(grid.Rows),
		Cols: int(grid.Cols),
		Bounds: utils.CoordinateBounds{
			MinLat: grid.MinLat,
			MaxLat: grid.MaxLat,
			MinLon: grid.MinLon,
			MaxLon: grid.MaxLon,
		},
		flows:      map[string][]Flow{},
		production: map[string][]float64{},
		attraction: map[string][]float64{},
	}
	n := g.CellCount()
	g.population = make([]float64, n)

	for _, c := range cells {
		if c.Cell < 0 || int(c.Cell) >= n {
			return nil, fmt.Errorf("%w: demand cell %d outside grid", ErrCorruptData, c.Cell)
		}
		g.population[c.Cell] = c.Population
	}

	for _, f := range flows {
		if f.OriginCell < 0 || int(f.OriginCell) >= n || f.DestCell < 0 || int(f.DestCell) >= n {
			return nil, fmt.Errorf("%w: demand flow %d->%d outside grid", ErrCorruptData, f.OriginCell, f.DestCell)
		}
		if f.Volume < 0 || math.IsNaN(f.Volume) {
			return nil, fmt.Errorf("%w: demand flow %d->%d has invalid volume", ErrCorruptData, f.OriginCell, f.DestCell)
		}
		if f.Volume == 0 {
			continue
		}
		g.flows[f.Period] = append(g.flows[f.Period], Flow{
			Origin: int(f.OriginCell),
			Dest:   int(f.DestCell),
			Volume: f.Volume,
		})
	}

	for period, list := range g.flows {
		sort.Slice(list, func(i, j int) bool {
			if list[i].Origin != list[j].Origin {
				return list[i].Origin < list[j].Origin
			}
			return list[i].Dest < list[j].Dest
		})
		prod := make([]float64, n)
		attr := make([]float64, n)
		for _, f := range list {
			prod[f.Origin] += f.Volume
			attr[f.Dest] += f.Volume
		}
		g.production[period] = prod
		g.attraction[period] = attr
	}

	return g, nil
}

func (g *DemandGrid) CellCount() int {
	return g.Rows * g.Cols
}

func (g *DemandGrid) cellSize() (dLat, dLon float64) {
	return (g.Bounds.MaxLat - g.Bounds.MinLat) / float64(g.Rows),
		(g.Bounds.MaxLon - g.Bounds.MinLon) / float64(g.Cols)
}

// CellOf returns the cell containing a coordinate, or false outside the grid.
func (g *DemandGrid) CellOf(lat, lon float64) (int, bool) {
	if !g.Bounds.Contains(lat, lon) {
		return 0, false
	}
	dLat, dLon := g.cellSize()
	row := int((lat - g.Bounds.MinLat) / dLat)
	col := int((lon - g.Bounds.MinLon) / dLon)
	if row == g.Rows {
		row--
	}
	if col == g.Cols {
		col--
	}
	return row*g.Cols + col, true
}

// CellCenter returns the centroid of a cell.
func (g *DemandGrid) CellCenter(cell int) utils.LatLon {
	dLat, dLon := g.cellSize()
	row, col := cell/g.Cols, cell%g.Cols
	return utils.LatLon{
		Lat: g.Bounds.MinLat + (float64(row)+0.5)*dLat,
		Lon: g.Bounds.MinLon + (float64(col)+0.5)*dLon,
	}
}

// Population returns the resident population of a cell.
func (g *DemandGrid) Population(cell int) float64 {
	return g.population[cell]
}

// Flows returns the non-zero flows of a period ordered by (origin, dest).
func (g *DemandGrid) Flows(period string) []Flow {
	return g.flows[period]
}

// Production returns the trips produced by each cell in a period.
func (g *DemandGrid) Production(period string) []float64 {
	if p, ok := g.production[period]; ok {
		return p
	}
	return make([]float64, g.CellCount())
}

// Attraction returns the trips attracted by each cell in a period.
func (g *DemandGrid) Attraction(period string) []float64 {
	if a, ok := g.attraction[period]; ok {
		return a
	}
	return make([]float64, g.CellCount())
}

// TotalDemand is the sum of all flow volumes in a period.
func (g *DemandGrid) TotalDemand(period string) float64 {
	total := 0.0
	for _, f := range g.flows[period] {
		total += f.Volume
	}
	return total
}

// FlowCount returns the number of non-zero flows over all periods.
func (g *DemandGrid) FlowCount() int {
	n := 0
	for _, list := range g.flows {
		n += len(list)
	}
	return n
}

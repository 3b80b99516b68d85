package network

import (
	"container/heap"
	"fmt"
	"math"
	"sort"

	"github.com/kyroy/kdtree"
	"routeopt.transitworks.org/citydb"
	"routeopt.transitworks.org/internal/utils"
)

type arc struct {
	to     int
	length float64
}

// StreetGraph is the street network with node ids mapped to dense indexes.
// Adjacency lists are sorted by target node id, so traversal order, and with
// it every shortest path, is fully determined by the input.
type StreetGraph struct {
	ids    []int64
	index  map[int64]int
	coords []utils.LatLon
	adj    [][]arc
	tree   *kdtree.KDTree
	refLat float64
}

type nodePoint struct {
	x, y float64
	idx  int
}

func (p nodePoint) Dimensions() int {
	return 2
}

func (p nodePoint) Dimension(i int) float64 {
	if i == 0 {
		return p.x
	}
	return p.y
}

func newStreetGraph(nodes []citydb.StreetNode, edges []citydb.StreetEdge) (*StreetGraph, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("%w: street graph has no nodes", ErrCorruptData)
	}

	sorted := make([]citydb.StreetNode, len(nodes))
	copy(sorted, nodes)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	g := &StreetGraph{
		ids:    make([]int64, len(sorted)),
		index:  make(map[int64]int, len(sorted)),
		coords: make([]utils.LatLon, len(sorted)),
		adj:    make([][]arc, len(sorted)),
	}

	sumLat := 0.0
	for i, n := range sorted {
		if _, dup := g.index[n.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate street node %d", ErrCorruptData, n.ID)
		}
		g.ids[i] = n.ID
		g.index[n.ID] = i
		g.coords[i] = utils.LatLon{Lat: n.Lat, Lon: n.Lon}
		sumLat += n.Lat
	}
	g.refLat = sumLat / float64(len(sorted))

	for _, e := range edges {
		from, ok := g.index[e.FromNode]
		if !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %d", ErrCorruptData, e.FromNode)
		}
		to, ok := g.index[e.ToNode]
		if !ok {
			return nil, fmt.Errorf("%w: edge references unknown node %d", ErrCorruptData, e.ToNode)
		}
		if e.LengthM < 0 || math.IsNaN(e.LengthM) {
			return nil, fmt.Errorf("%w: edge %d-%d has invalid length", ErrCorruptData, e.FromNode, e.ToNode)
		}
		g.adj[from] = append(g.adj[from], arc{to: to, length: e.LengthM})
		if e.Oneway == 0 {
			g.adj[to] = append(g.adj[to], arc{to: from, length: e.LengthM})
		}
	}
	for i := range g.adj {
		arcs := g.adj[i]
		sort.Slice(arcs, func(a, b int) bool {
			if arcs[a].to != arcs[b].to {
				return arcs[a].to < arcs[b].to
			}
			return arcs[a].length < arcs[b].length
		})
	}

	points := make([]kdtree.Point, len(sorted))
	for i, c := range g.coords {
		x, y := utils.ProjectMeters(c.Lat, c.Lon, g.refLat)
		points[i] = nodePoint{x: x, y: y, idx: i}
	}
	g.tree = kdtree.New(points)

	return g, nil
}

func (g *StreetGraph) NodeCount() int {
	return len(g.ids)
}

func (g *StreetGraph) EdgeCount() int {
	n := 0
	for _, arcs := range g.adj {
		n += len(arcs)
	}
	return n
}

// NodeLocation returns the coordinate of a street node.
func (g *StreetGraph) NodeLocation(id int64) (utils.LatLon, bool) {
	i, ok := g.index[id]
	if !ok {
		return utils.LatLon{}, false
	}
	return g.coords[i], true
}

// NearestNode returns the id of the street node closest to a coordinate.
func (g *StreetGraph) NearestNode(lat, lon float64) int64 {
	x, y := utils.ProjectMeters(lat, lon, g.refLat)
	found := g.tree.KNN(nodePoint{x: x, y: y}, 1)
	if len(found) == 0 {
		return g.ids[0]
	}
	return g.ids[found[0].(nodePoint).idx]
}

type pqItem struct {
	node int
	dist float64
}

type priorityQueue []pqItem

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].dist != pq[j].dist {
		return pq[i].dist < pq[j].dist
	}
	return pq[i].node < pq[j].node
}

func (pq priorityQueue) Swap(i, j int) { pq[i], pq[j] = pq[j], pq[i] }

func (pq *priorityQueue) Push(x any) { *pq = append(*pq, x.(pqItem)) }

func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	item := old[n-1]
	*pq = old[:n-1]
	return item
}

// dijkstra runs from src until target is settled (target < 0 settles
// everything within maxDist). Among equal-length paths the predecessor with
// the smaller node id wins.
func (g *StreetGraph) dijkstra(src, target int, maxDist float64) ([]float64, []int) {
	n := len(g.ids)
	dist := make([]float64, n)
	prev := make([]int, n)
	done := make([]bool, n)
	for i := range dist {
		dist[i] = math.Inf(1)
		prev[i] = -1
	}
	dist[src] = 0

	pq := &priorityQueue{{node: src, dist: 0}}
	for pq.Len() > 0 {
		cur := heap.Pop(pq).(pqItem)
		u := cur.node
		if done[u] {
			continue
		}
		done[u] = true
		if u == target || cur.dist > maxDist {
			break
		}
		for _, a := range g.adj[u] {
			if done[a.to] {
				continue
			}
			nd := dist[u] + a.length
			switch {
			case nd < dist[a.to]:
				dist[a.to] = nd
				prev[a.to] = u
				heap.Push(pq, pqItem{node: a.to, dist: nd})
			case nd == dist[a.to] && u < prev[a.to]:
				prev[a.to] = u
			}
		}
	}
	return dist, prev
}

// ShortestPath returns the node ids of the shortest path between two street
// nodes and its length in meters.
func (g *StreetGraph) ShortestPath(from, to int64) ([]int64, float64, error) {
	src, ok := g.index[from]
	if !ok {
		return nil, 0, fmt.Errorf("unknown street node %d", from)
	}
	dst, ok := g.index[to]
	if !ok {
		return nil, 0, fmt.Errorf("unknown street node %d", to)
	}
	if src == dst {
		return []int64{from}, 0, nil
	}

	dist, prev := g.dijkstra(src, dst, math.Inf(1))
	if math.IsInf(dist[dst], 1) {
		return nil, 0, fmt.Errorf("%w: no street path from node %d to %d", ErrUnreachable, from, to)
	}

	var path []int64
	for v := dst; v != -1; v = prev[v] {
		path = append(path, g.ids[v])
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[dst], nil
}

// DistancesFrom returns the street distance from one node to every node
// reachable within maxDist meters.
func (g *StreetGraph) DistancesFrom(from int64, maxDist float64) map[int64]float64 {
	src, ok := g.index[from]
	if !ok {
		return nil
	}
	dist, _ := g.dijkstra(src, -1, maxDist)
	out := make(map[int64]float64)
	for i, d := range dist {
		if d <= maxDist {
			out[g.ids[i]] = d
		}
	}
	return out
}

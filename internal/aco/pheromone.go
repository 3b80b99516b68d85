package aco

import "sort"

type edge struct {
	from, to int
}

// pheromoneField is a sparse trail map over candidate indices. Edges never
// deposited on share the base level.
type pheromoneField struct {
	base   float64
	values map[edge]float64
	min    float64
	max    float64
}

func newPheromoneField(p Params) *pheromoneField {
	f := &pheromoneField{values: make(map[edge]float64), min: p.PheromoneMin, max: p.PheromoneMax}
	f.base = f.clamp(p.InitPheromone)
	return f
}

func (f *pheromoneField) clamp(v float64) float64 {
	if v < f.min {
		return f.min
	}
	if v > f.max {
		return f.max
	}
	return v
}

func (f *pheromoneField) get(from, to int) float64 {
	if v, ok := f.values[edge{from, to}]; ok {
		return v
	}
	return f.base
}

func (f *pheromoneField) evaporate(rho float64) {
	keep := 1 - rho
	f.base = f.clamp(f.base * keep)
	for k, v := range f.values {
		f.values[k] = f.clamp(v * keep)
	}
}

// deposit adds amount to every edge of the path.
func (f *pheromoneField) deposit(path []int, amount float64) {
	for i := 1; i < len(path); i++ {
		k := edge{path[i-1], path[i]}
		f.values[k] = f.clamp(f.get(k.from, k.to) + amount)
	}
}

// snapshot returns every distinct level in the field, sorted.
func (f *pheromoneField) snapshot() []float64 {
	out := make([]float64, 0, len(f.values)+1)
	out = append(out, f.base)
	for _, v := range f.values {
		out = append(out, v)
	}
	sort.Float64s(out)
	return out
}

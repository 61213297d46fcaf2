package processors

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Cluster defaults.
const (
	DefaultMinSamples    = 50
	DefaultEps           = 20.0
	DefaultClusterColumn = "cluster_id"
)

// NoiseLabel marks rows that belong to no cluster.
const NoiseLabel = -1

// Cluster labels localizations by density-based spatial clustering (DBSCAN)
// and appends the labels as a column. Noise rows get NoiseLabel.
type Cluster struct {
	// MinSamples is the number of points, the point itself included, that
	// must lie within Eps of a point for it to be a core point.
	MinSamples int
	Eps        float64

	CoordColumns []string
	LabelColumn  string
}

// NewCluster returns a Cluster with the default parameters over x and y.
func NewCluster() *Cluster {
	return &Cluster{
		MinSamples:   DefaultMinSamples,
		Eps:          DefaultEps,
		CoordColumns: []string{"x", "y"},
		LabelColumn:  DefaultClusterColumn,
	}
}

// Process implements Processor.
func (c *Cluster) Process(t *types.Table) (*types.Table, error) {
	if c.MinSamples < 1 {
		return nil, fmt.Errorf("%w: min samples must be at least 1, got %d", types.ErrInvalidParameter, c.MinSamples)
	}
	if !(c.Eps > 0) {
		return nil, fmt.Errorf("%w: eps must be positive, got %g", types.ErrInvalidParameter, c.Eps)
	}
	label := c.LabelColumn
	if label == "" {
		label = DefaultClusterColumn
	}

	points, err := coordinates(t, c.CoordColumns)
	if err != nil {
		return nil, err
	}
	labels := DBSCAN(points, c.Eps, c.MinSamples)

	vals := make([]float64, len(labels))
	for i, l := range labels {
		vals[i] = float64(l)
	}
	out := t.Clone()
	if err := out.AddColumn(label, vals); err != nil {
		return nil, err
	}
	return out, nil
}

// coordinates returns the rows of t as points over cols.
func coordinates(t *types.Table, cols []string) ([][]float64, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("%w: no coordinate columns", types.ErrInvalidParameter)
	}
	data := make([][]float64, len(cols))
	for j, name := range cols {
		c, err := t.Column(name)
		if err != nil {
			return nil, err
		}
		data[j] = c
	}
	points := make([][]float64, t.Len())
	for i := range points {
		p := make([]float64, len(cols))
		for j := range cols {
			p[j] = data[j][i]
		}
		points[i] = p
	}
	return points, nil
}

// DBSCAN labels points with cluster ids 0, 1, ... in the order clusters are
// discovered, or NoiseLabel. Neighbours are points within eps, inclusive.
func DBSCAN(points [][]float64, eps float64, minSamples int) []int {
	n := len(points)
	neighbours := neighbourhoods(points, eps)

	core := make([]bool, n)
	for i, nb := range neighbours {
		core[i] = len(nb) >= minSamples
	}

	labels := make([]int, n)
	for i := range labels {
		labels[i] = NoiseLabel
	}

	next := 0
	var stack []int
	for i := range points {
		if labels[i] != NoiseLabel || !core[i] {
			continue
		}
		for p := i; ; {
			if labels[p] == NoiseLabel {
				labels[p] = next
				if core[p] {
					for _, q := range neighbours[p] {
						if labels[q] == NoiseLabel {
							stack = append(stack, q)
						}
					}
				}
			}
			if len(stack) == 0 {
				break
			}
			p = stack[len(stack)-1]
			stack = stack[:len(stack)-1]
		}
		next++
	}
	return labels
}

// neighbourhoods returns, for each point, the indexes of all points within
// eps of it, itself included. Points with a NaN coordinate have no
// neighbours and are nobody's neighbour.
func neighbourhoods(points [][]float64, eps float64) [][]int {
	var nodes indexedPoints
	for i, p := range points {
		if !hasNaN(p) {
			nodes = append(nodes, indexedPoint{Point: p, index: i})
		}
	}
	tree := kdtree.New(nodes, false)

	out := make([][]int, len(points))
	for i, p := range points {
		if hasNaN(p) {
			continue
		}
		// Distances are squared.
		keep := kdtree.NewDistKeeper(eps * eps)
		tree.NearestSet(keep, indexedPoint{Point: p, index: i})
		out[i] = make([]int, 0, keep.Len())
		for _, c := range keep.Heap {
			out[i] = append(out[i], c.Comparable.(indexedPoint).index)
		}
	}
	return out
}

// indexedPoint is a tree point that remembers its row.
type indexedPoint struct {
	kdtree.Point
	index int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	return p.Point.Compare(c.(indexedPoint).Point, d)
}

func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	return p.Point.Distance(c.(indexedPoint).Point)
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                      { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return indexedPlane{points: p, dim: d}.Pivot()
}
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// indexedPlane orders points along one dimension for tree construction.
type indexedPlane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p indexedPlane) Len() int { return len(p.points) }
func (p indexedPlane) Less(i, j int) bool {
	return p.points[i].Point[p.dim] < p.points[j].Point[p.dim]
}
func (p indexedPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}
func (p indexedPlane) Pivot() int {
	return kdtree.Partition(p, kdtree.MedianOfRandoms(p, 100))
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func hasNaN(p []float64) bool {
	for _, v := range p {
		if math.IsNaN(v) {
			return true
		}
	}
	return false
}

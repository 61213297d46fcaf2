package processors

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Column names written by ComputeClusterStats.
const (
	CenterSuffix         = "_center"
	CountColumn          = "number_of_localizations"
	RadiusOfGyrationName = "radius_of_gyration"
	EccentricityName     = "eccentricity"
	ConvexHullName       = "convex_hull"
)

// StatFunc computes one scalar statistic over the rows of one cluster.
type StatFunc func(group *types.Table, coordColumns []string) float64

// builtinStats lists the statistics every cluster gets, in output order.
var builtinStats = []struct {
	name string
	fn   StatFunc
}{
	{RadiusOfGyrationName, RadiusOfGyration},
	{EccentricityName, Eccentricity},
	{ConvexHullName, ConvexHull},
}

// ClusterStats is ComputeClusterStats as a Processor.
type ClusterStats struct {
	IDColumn     string
	CoordColumns []string

	// Functions adds statistics. An entry named like a built-in replaces
	// it; a nil entry removes it.
	Functions map[string]StatFunc
}

// Process implements Processor.
func (c ClusterStats) Process(t *types.Table) (*types.Table, error) {
	id := c.IDColumn
	if id == "" {
		id = DefaultClusterColumn
	}
	coords := c.CoordColumns
	if len(coords) == 0 {
		coords = []string{"x", "y"}
	}
	return ComputeClusterStats(t, id, coords, c.Functions)
}

// ComputeClusterStats groups the rows of t by idColumn and returns one row
// per cluster, noise excluded, sorted by label. Columns are the label, the
// mean of each coordinate (<coord>_center), the row count, the built-in
// statistics and then the custom statistics sorted by name.
func ComputeClusterStats(t *types.Table, idColumn string, coordColumns []string, functions map[string]StatFunc) (*types.Table, error) {
	groups, err := t.GroupBy(idColumn)
	if err != nil {
		return nil, err
	}
	for _, c := range coordColumns {
		if !t.HasColumn(c) {
			return nil, fmt.Errorf("%w: %q", types.ErrColumnNotFound, c)
		}
	}

	type namedStat struct {
		name string
		fn   StatFunc
	}
	var stats []namedStat
	for _, b := range builtinStats {
		fn := b.fn
		if custom, ok := functions[b.name]; ok {
			fn = custom
		}
		if fn != nil {
			stats = append(stats, namedStat{b.name, fn})
		}
	}
	var extra []string
	for name, fn := range functions {
		if fn != nil && !isBuiltinStat(name) {
			extra = append(extra, name)
		}
	}
	sort.Strings(extra)
	for _, name := range extra {
		stats = append(stats, namedStat{name, functions[name]})
	}

	labels := make([]int, 0, len(groups))
	for l := range groups {
		if l != NoiseLabel {
			labels = append(labels, l)
		}
	}
	slices.Sort(labels)

	ids := make([]float64, len(labels))
	centers := make([][]float64, len(coordColumns))
	for j := range centers {
		centers[j] = make([]float64, len(labels))
	}
	counts := make([]float64, len(labels))
	values := make([][]float64, len(stats))
	for k := range values {
		values[k] = make([]float64, len(labels))
	}

	for i, l := range labels {
		group := t.Take(groups[l])
		ids[i] = float64(l)
		counts[i] = float64(group.Len())
		for j, c := range coordColumns {
			col, _ := group.Column(c)
			centers[j][i] = stat.Mean(col, nil)
		}
		for k, s := range stats {
			values[k][i] = s.fn(group, coordColumns)
		}
	}

	out := types.NewTable()
	add := func(name string, vals []float64) {
		if err == nil {
			err = out.AddColumn(name, vals)
		}
	}
	add(idColumn, ids)
	for j, c := range coordColumns {
		add(c+CenterSuffix, centers[j])
	}
	add(CountColumn, counts)
	for k, s := range stats {
		add(s.name, values[k])
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func isBuiltinStat(name string) bool {
	for _, b := range builtinStats {
		if b.name == name {
			return true
		}
	}
	return false
}

// RadiusOfGyration is the square root of the summed population variances of
// the coordinates.
func RadiusOfGyration(group *types.Table, coordColumns []string) float64 {
	var sum float64
	for _, c := range coordColumns {
		col, err := group.Column(c)
		if err != nil || len(col) == 0 {
			return math.NaN()
		}
		if len(col) > 1 {
			sum += stat.PopVariance(col, nil)
		}
	}
	return math.Sqrt(sum)
}

// Eccentricity is the ratio of the largest to the smallest eigenvalue of the
// coordinates' covariance matrix. It is NaN when the smallest eigenvalue is
// zero relative to the largest, or when there are fewer than two points.
func Eccentricity(group *types.Table, coordColumns []string) float64 {
	points, err := coordinates(group, coordColumns)
	if err != nil || len(points) < 2 {
		return math.NaN()
	}
	x := mat.NewDense(len(points), len(coordColumns), nil)
	for i, p := range points {
		x.SetRow(i, p)
	}

	// Sample and population covariance differ by a factor that cancels in
	// the ratio.
	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, x, nil)

	var eig mat.EigenSym
	if !eig.Factorize(&cov, false) {
		return math.NaN()
	}
	vals := eig.Values(nil)
	lo, hi := slices.Min(vals), slices.Max(vals)
	if hi <= 0 || lo <= 1e-12*hi {
		return math.NaN()
	}
	return hi / lo
}

// ConvexHull is the area of the convex hull of two-dimensional points. It is
// NaN for other dimensions, fewer than three points or collinear points.
func ConvexHull(group *types.Table, coordColumns []string) float64 {
	if len(coordColumns) != 2 {
		return math.NaN()
	}
	points, err := coordinates(group, coordColumns)
	if err != nil || len(points) < 3 {
		return math.NaN()
	}
	hull := convexHull(points)
	if len(hull) < 3 {
		return math.NaN()
	}
	var area float64
	for i := range hull {
		a, b := hull[i], hull[(i+1)%len(hull)]
		area += a[0]*b[1] - b[0]*a[1]
	}
	area = math.Abs(area) / 2
	if area == 0 {
		return math.NaN()
	}
	return area
}

// convexHull returns the hull vertices counter-clockwise (Andrew's monotone
// chain). Collinear points are dropped.
func convexHull(points [][]float64) [][]float64 {
	pts := slices.Clone(points)
	slices.SortFunc(pts, func(a, b []float64) int {
		if a[0] != b[0] {
			if a[0] < b[0] {
				return -1
			}
			return 1
		}
		switch {
		case a[1] < b[1]:
			return -1
		case a[1] > b[1]:
			return 1
		}
		return 0
	})

	cross := func(o, a, b []float64) float64 {
		return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
	}

	hull := make([][]float64, 0, 2*len(pts))
	for _, p := range pts {
		for len(hull) >= 2 && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	lower := len(hull) + 1
	for i := len(pts) - 2; i >= 0; i-- {
		p := pts[i]
		for len(hull) >= lower && cross(hull[len(hull)-2], hull[len(hull)-1], p) <= 0 {
			hull = hull[:len(hull)-1]
		}
		hull = append(hull, p)
	}
	return hull[:len(hull)-1]
}

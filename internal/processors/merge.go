package processors

import (
	"fmt"
	"math"
	"slices"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Merge defaults.
const (
	DefaultMergeRadius    = 50.0
	DefaultTOff           = 1
	DefaultParticleColumn = "particle"
)

// Merge links localizations that stay within a radius of each other over
// consecutive frames into particles. A particle may vanish for up to TOff
// frames and still be continued. Without Stats the input is returned with a
// particle id column; with Stats one merged row per particle is returned.
type Merge struct {
	TOff        int
	MergeRadius float64

	// AutoFindMergeRadius sets the radius to three times the mean of
	// PrecisionColumn, ignoring MergeRadius.
	AutoFindMergeRadius bool
	PrecisionColumn     string

	CoordColumns   []string
	FrameColumn    string
	ParticleColumn string

	Stats MergeStats
}

// NewMerge returns a Merge with the default parameters over x and y.
func NewMerge() *Merge {
	return &Merge{
		TOff:            DefaultTOff,
		MergeRadius:     DefaultMergeRadius,
		PrecisionColumn: "precision",
		CoordColumns:    []string{"x", "y"},
		FrameColumn:     "frame",
		ParticleColumn:  DefaultParticleColumn,
	}
}

// Process implements Processor.
func (m *Merge) Process(t *types.Table) (*types.Table, error) {
	radius := m.MergeRadius
	if m.AutoFindMergeRadius {
		prec, err := t.Column(m.PrecisionColumn)
		if err != nil {
			return nil, err
		}
		radius = 3 * stat.Mean(prec, nil)
	}
	if !(radius > 0) {
		return nil, fmt.Errorf("%w: merge radius must be positive, got %g", types.ErrInvalidParameter, radius)
	}
	if m.TOff < 0 {
		return nil, fmt.Errorf("%w: off time must not be negative, got %d", types.ErrInvalidParameter, m.TOff)
	}

	points, err := coordinates(t, m.CoordColumns)
	if err != nil {
		return nil, err
	}
	frames, err := t.Column(m.FrameColumn)
	if err != nil {
		return nil, err
	}

	particles := link(points, frames, radius, m.TOff)

	particleCol := m.ParticleColumn
	if particleCol == "" {
		particleCol = DefaultParticleColumn
	}
	out := t.Clone()
	if err := out.AddColumn(particleCol, particles); err != nil {
		return nil, err
	}
	if m.Stats == nil {
		return out, nil
	}
	return m.Stats.ComputeStatistics(out, particleCol)
}

type track struct {
	id        int
	pos       []float64
	lastFrame float64
}

// link assigns a particle id to every row. Frames are visited in ascending
// order; within a frame, candidate (track, row) pairs are accepted closest
// first so that each track and each row is used at most once.
func link(points [][]float64, frames []float64, radius float64, tOff int) []float64 {
	order := make([]int, len(points))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool { return frames[order[a]] < frames[order[b]] })

	ids := make([]float64, len(points))
	var active []*track
	nextID := 0
	maxGap := float64(tOff + 1)
	r2 := radius * radius

	for start := 0; start < len(order); {
		frame := frames[order[start]]
		end := start
		for end < len(order) && frames[order[end]] == frame {
			end++
		}
		rows := order[start:end]

		active = slices.DeleteFunc(active, func(tr *track) bool { return frame-tr.lastFrame > maxGap })

		type pair struct {
			tr   int
			row  int
			dist float64
		}
		var pairs []pair
		for ti, tr := range active {
			for _, row := range rows {
				if d := sqDist(tr.pos, points[row]); d <= r2 {
					pairs = append(pairs, pair{ti, row, d})
				}
			}
		}
		sort.SliceStable(pairs, func(a, b int) bool { return pairs[a].dist < pairs[b].dist })

		usedTrack := make(map[int]bool)
		assigned := make(map[int]bool)
		for _, p := range pairs {
			if usedTrack[p.tr] || assigned[p.row] {
				continue
			}
			usedTrack[p.tr] = true
			assigned[p.row] = true
			tr := active[p.tr]
			tr.pos = points[p.row]
			tr.lastFrame = frame
			ids[p.row] = float64(tr.id)
		}
		for _, row := range rows {
			if assigned[row] {
				continue
			}
			active = append(active, &track{id: nextID, pos: points[row], lastFrame: frame})
			ids[row] = float64(nextID)
			nextID++
		}
		start = end
	}
	return ids
}

// MergeStats reduces the rows of each particle to one row.
type MergeStats interface {
	ComputeStatistics(t *types.Table, particleColumn string) (*types.Table, error)
}

// PhotonWeightedStats merges particles by averaging their positions weighted
// by the square root of their photon counts. The other columns are reduced
// as follows: loglikelihood and sigma by mean, frame by minimum, photons and
// background by sum. Columns missing from the input are skipped. A length
// column counts the rows of each particle.
type PhotonWeightedStats struct {
	// Columns maps input column names to the roles below. Nil means the
	// input uses the role names; types.DefaultFormat() reads tables that
	// kept their ThunderSTORM headers.
	Columns *types.FormatMap
}

// Column roles understood by PhotonWeightedStats.
var (
	weightedColumns = []string{"x", "y", "z"}
	reducedColumns  = []struct {
		name   string
		reduce func([]float64) float64
	}{
		{"loglikelihood", func(v []float64) float64 { return stat.Mean(v, nil) }},
		{"frame", floats.Min},
		{"photons", floats.Sum},
		{"background", floats.Sum},
		{"sigma", func(v []float64) float64 { return stat.Mean(v, nil) }},
	}
)

// ComputeStatistics implements MergeStats.
func (s PhotonWeightedStats) ComputeStatistics(t *types.Table, particleColumn string) (*types.Table, error) {
	name := func(role string) string {
		if s.Columns == nil {
			return role
		}
		return s.Columns.Reverse(role)
	}

	groups, err := t.GroupBy(particleColumn)
	if err != nil {
		return nil, err
	}
	photons, err := t.Column(name("photons"))
	if err != nil {
		return nil, err
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	out := types.NewTable()
	particle := make([]float64, len(ids))
	length := make([]float64, len(ids))
	for i, id := range ids {
		particle[i] = float64(id)
		length[i] = float64(len(groups[id]))
	}
	if err := out.AddColumn(particleColumn, particle); err != nil {
		return nil, err
	}

	for _, role := range weightedColumns {
		col, err := t.Column(name(role))
		if err != nil {
			continue
		}
		vals := make([]float64, len(ids))
		for i, id := range ids {
			var num, den float64
			for _, r := range groups[id] {
				w := math.Sqrt(photons[r])
				num += col[r] * w
				den += w
			}
			vals[i] = num / den
		}
		if err := out.AddColumn(name(role), vals); err != nil {
			return nil, err
		}
	}

	for _, rc := range reducedColumns {
		col, err := t.Column(name(rc.name))
		if err != nil {
			continue
		}
		vals := make([]float64, len(ids))
		for i, id := range ids {
			group := make([]float64, len(groups[id]))
			for j, r := range groups[id] {
				group[j] = col[r]
			}
			vals[i] = rc.reduce(group)
		}
		if err := out.AddColumn(name(rc.name), vals); err != nil {
			return nil, err
		}
	}

	if err := out.AddColumn("length", length); err != nil {
		return nil, err
	}
	return out, nil
}

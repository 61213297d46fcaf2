package drift

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Column names added to corrected tables.
const (
	DXColumn = "dx"
	DYColumn = "dy"
)

// Region is a rectangle holding a fiducial. Bounds are exclusive.
type Region struct {
	XMin, XMax float64
	YMin, YMax float64
}

func (r Region) contains(x, y float64) bool {
	return x > r.XMin && x < r.XMax && y > r.YMin && y < r.YMax
}

// FiducialDriftCorrect corrects a localization table for drift measured on
// the fiducials inside Regions. Corrected tables carry the applied shift in
// DXColumn and DYColumn, so that x + dx is the uncorrected x.
type FiducialDriftCorrect struct {
	Computer Computer
	Regions  []Region

	// RemoveFiducials drops the localizations inside Regions from the
	// corrected table.
	RemoveFiducials bool

	CoordColumns []string
	FrameColumn  string

	Logger *slog.Logger

	fiducials  *types.Table
	trajectory *Trajectory
	state      State
}

// NewFiducialDriftCorrect returns a corrector over x, y and frame that uses a
// DefaultComputer and removes the fiducials.
func NewFiducialDriftCorrect(regions ...Region) *FiducialDriftCorrect {
	return &FiducialDriftCorrect{
		Computer:        NewDefaultComputer(),
		Regions:         regions,
		RemoveFiducials: true,
		CoordColumns:    []string{"x", "y"},
		FrameColumn:     "frame",
	}
}

func (f *FiducialDriftCorrect) logger() *slog.Logger {
	if f.Logger != nil {
		return f.Logger
	}
	return slog.Default()
}

func (f *FiducialDriftCorrect) columns(t *types.Table) (xs, ys, frames []float64, err error) {
	if len(f.CoordColumns) != 2 {
		return nil, nil, nil, fmt.Errorf("%w: need two coordinate columns, got %d", types.ErrInvalidParameter, len(f.CoordColumns))
	}
	if xs, err = t.Column(f.CoordColumns[0]); err != nil {
		return nil, nil, nil, err
	}
	if ys, err = t.Column(f.CoordColumns[1]); err != nil {
		return nil, nil, nil, err
	}
	if frames, err = t.Column(f.frameColumn()); err != nil {
		return nil, nil, nil, err
	}
	return xs, ys, frames, nil
}

// State returns how far the last Process got.
func (f *FiducialDriftCorrect) State() State { return f.state }

// Fiducials returns the localizations extracted by the last Process, tagged
// with RegionColumn.
func (f *FiducialDriftCorrect) Fiducials() *types.Table { return f.fiducials }

// Trajectory returns the trajectory used by the last correction.
func (f *FiducialDriftCorrect) Trajectory() *Trajectory { return f.trajectory }

// SetTrajectory installs a precomputed trajectory for CorrectLocalizations.
func (f *FiducialDriftCorrect) SetTrajectory(t *Trajectory) {
	f.trajectory = t
	f.state = TrajectoryCombined
}

// ExtractFiducials returns the rows of t inside each region, tagged with the
// region's index in RegionColumn. A row inside two regions appears twice.
func (f *FiducialDriftCorrect) ExtractFiducials(t *types.Table) (*types.Table, error) {
	fid, _, err := f.extract(t)
	return fid, err
}

func (f *FiducialDriftCorrect) extract(t *types.Table) (*types.Table, []bool, error) {
	if len(f.Regions) == 0 {
		return nil, nil, types.ErrZeroFiducialRegions
	}
	xs, ys, _, err := f.columns(t)
	if err != nil {
		return nil, nil, err
	}
	inside := make([]bool, t.Len())
	var rows []int
	var regionIDs []float64
	for id, r := range f.Regions {
		for i := range xs {
			if r.contains(xs[i], ys[i]) {
				rows = append(rows, i)
				regionIDs = append(regionIDs, float64(id))
				inside[i] = true
			}
		}
	}
	fid := t.Take(rows)
	if err := fid.AddColumn(RegionColumn, regionIDs); err != nil {
		return nil, nil, err
	}
	return fid, inside, nil
}

// Process implements processors.Processor. Without regions it logs a notice
// and returns t unchanged.
func (f *FiducialDriftCorrect) Process(t *types.Table) (*types.Table, error) {
	if f.Computer == nil {
		f.Computer = NewDefaultComputer()
	}
	fid, inside, err := f.extract(t)
	if errors.Is(err, types.ErrZeroFiducialRegions) {
		f.logger().Info("no regions with fiducials identified; returning input unchanged")
		f.Computer.ClearFiducials()
		f.fiducials, f.trajectory, f.state = nil, nil, Uncorrected
		return t, nil
	}
	if err != nil {
		return nil, err
	}
	f.fiducials = fid
	f.state = FiducialsIdentified

	procdf := t
	if f.RemoveFiducials {
		procdf = t.Select(func(i int) bool { return !inside[i] })
	}

	lo, hi, err := t.MinMax(f.frameColumn())
	if err != nil {
		return nil, err
	}
	traj, err := f.Computer.ComputeDriftTrajectory(fid, int(math.Floor(lo)), int(math.Ceil(hi)))
	if err != nil {
		return nil, err
	}
	f.trajectory = traj
	f.state = TrajectoryCombined
	return f.CorrectLocalizations(procdf)
}

func (f *FiducialDriftCorrect) frameColumn() string {
	if f.FrameColumn == "" {
		return "frame"
	}
	return f.FrameColumn
}

// CorrectLocalizations subtracts the trajectory from the coordinates of t
// and records the shift in DXColumn and DYColumn. Every frame of t must be in
// the trajectory.
func (f *FiducialDriftCorrect) CorrectLocalizations(t *types.Table) (*types.Table, error) {
	if f.trajectory == nil {
		return nil, fmt.Errorf("%w: no drift trajectory has been computed", types.ErrZeroFiducials)
	}
	xs, ys, frames, err := f.columns(t)
	if err != nil {
		return nil, err
	}
	n := t.Len()
	dx := make([]float64, n)
	dy := make([]float64, n)
	cx := make([]float64, n)
	cy := make([]float64, n)
	for i := 0; i < n; i++ {
		if dx[i], dy[i], err = f.trajectory.Lookup(frames[i]); err != nil {
			return nil, fmt.Errorf("row %d: %w", i, err)
		}
		cx[i] = xs[i] - dx[i]
		cy[i] = ys[i] - dy[i]
	}

	out := t.Clone()
	for _, c := range []struct {
		name string
		vals []float64
	}{
		{f.CoordColumns[0], cx},
		{f.CoordColumns[1], cy},
		{DXColumn, dx},
		{DYColumn, dy},
	} {
		if err := out.AddColumn(c.name, c.vals); err != nil {
			return nil, err
		}
	}
	f.state = Corrected
	return out, nil
}

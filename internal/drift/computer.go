// Package drift corrects lateral sample drift in localization tables using
// fiducial markers. A Computer fits one smoothing spline per fiducial region
// and axis, aligns the splines at a reference frame and averages them into a
// Trajectory; FiducialDriftCorrect applies that trajectory to a table.
package drift

import (
	"fmt"
	"log/slog"
	"math"
	"slices"

	"gonum.org/v1/gonum/stat"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Defaults for DefaultComputer.
const (
	DefaultSmoothingWindowSize = 600
	DefaultSmoothingFilterSize = 400.0
	DefaultZeroFrame           = 1000
)

// Column names added to fiducial tables.
const (
	RegionColumn  = "region_id"
	IncludeColumn = "included_in_fit"
)

// State is the progress of a drift correction.
type State int

const (
	Uncorrected State = iota
	FiducialsIdentified
	SplinesFit
	TrajectoryCombined
	Corrected
)

var stateNames = [...]string{"uncorrected", "fiducials identified", "splines fit", "trajectory combined", "corrected"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Computer turns fiducial localizations tagged with RegionColumn into a drift
// trajectory over [startFrame, stopFrame].
type Computer interface {
	ComputeDriftTrajectory(fiducials *types.Table, startFrame, stopFrame int) (*Trajectory, error)
	ClearFiducials()
}

// RegionFit is the pair of splines fitted to one fiducial region.
type RegionFit struct {
	RegionID           int
	X, Y               *Spline
	MinFrame, MaxFrame float64
}

// DefaultComputer fits smoothing splines weighted by a Gaussian moving
// variance of each coordinate.
type DefaultComputer struct {
	CoordColumns []string
	FrameColumn  string

	// MaxRadius excludes from the fit the localizations farther than this
	// from the center of mass of their region. Zero disables it.
	MaxRadius float64

	SmoothingWindowSize int
	SmoothingFilterSize float64

	// UseTrajectories restricts the average to these region ids. Empty
	// means all regions.
	UseTrajectories []int

	// ZeroFrame is the frame at which every spline is shifted to zero.
	ZeroFrame int

	Logger *slog.Logger

	fiducials  *types.Table
	fits       []RegionFit
	trajectory *Trajectory
	start      int
	stop       int
	state      State
}

// NewDefaultComputer returns a DefaultComputer with the default smoothing
// parameters over x, y and frame.
func NewDefaultComputer() *DefaultComputer {
	return &DefaultComputer{
		CoordColumns:        []string{"x", "y"},
		FrameColumn:         "frame",
		SmoothingWindowSize: DefaultSmoothingWindowSize,
		SmoothingFilterSize: DefaultSmoothingFilterSize,
		ZeroFrame:           DefaultZeroFrame,
	}
}

func (c *DefaultComputer) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func (c *DefaultComputer) columns() (x, y, frame string, err error) {
	if len(c.CoordColumns) != 2 {
		return "", "", "", fmt.Errorf("%w: need two coordinate columns, got %d", types.ErrInvalidParameter, len(c.CoordColumns))
	}
	frame = c.FrameColumn
	if frame == "" {
		frame = "frame"
	}
	return c.CoordColumns[0], c.CoordColumns[1], frame, nil
}

// State returns how far the computer has progressed.
func (c *DefaultComputer) State() State { return c.state }

// Fiducials returns the current fiducial localizations with their
// IncludeColumn, or nil.
func (c *DefaultComputer) Fiducials() *types.Table { return c.fiducials }

// Fits returns the splines of the last FitCurves, ordered by region id.
func (c *DefaultComputer) Fits() []RegionFit { return slices.Clone(c.fits) }

// Trajectory returns the last combined trajectory, or nil.
func (c *DefaultComputer) Trajectory() *Trajectory { return c.trajectory }

// ClearFiducials forgets the fiducials and everything derived from them.
func (c *DefaultComputer) ClearFiducials() {
	c.fiducials = nil
	c.fits = nil
	c.trajectory = nil
	c.state = Uncorrected
}

// SetFiducials stores a copy of the fiducial localizations and marks
// outliers. The table needs the coordinate, frame and RegionColumn columns.
func (c *DefaultComputer) SetFiducials(fiducials *types.Table) error {
	x, y, frame, err := c.columns()
	if err != nil {
		return err
	}
	for _, col := range []string{x, y, frame, RegionColumn} {
		if !fiducials.HasColumn(col) {
			return fmt.Errorf("%w: fiducials lack %q", types.ErrColumnNotFound, col)
		}
	}
	c.ClearFiducials()
	c.fiducials = fiducials.Clone()
	if err := c.removeOutliers(x, y); err != nil {
		c.fiducials = nil
		return err
	}
	c.state = FiducialsIdentified
	return nil
}

// removeOutliers sets IncludeColumn to 0 for the rows farther than
// MaxRadius from their region's center of mass and to 1 otherwise.
func (c *DefaultComputer) removeOutliers(x, y string) error {
	t := c.fiducials
	if err := t.Fill(IncludeColumn, 1); err != nil {
		return err
	}
	if !(c.MaxRadius > 0) {
		return nil
	}
	groups, err := t.GroupBy(RegionColumn)
	if err != nil {
		return err
	}
	xs, _ := t.Column(x)
	ys, _ := t.Column(y)
	include, _ := t.Column(IncludeColumn)
	r2 := c.MaxRadius * c.MaxRadius
	for _, rows := range groups {
		var xc, yc float64
		for _, r := range rows {
			xc += xs[r]
			yc += ys[r]
		}
		xc /= float64(len(rows))
		yc /= float64(len(rows))
		for _, r := range rows {
			dx, dy := xs[r]-xc, ys[r]-yc
			if dx*dx+dy*dy > r2 {
				include[r] = 0
			}
		}
	}
	return nil
}

// FitCurves fits one spline per region and axis to the included fiducial
// localizations. It returns ErrZeroFiducials when there is nothing to fit.
func (c *DefaultComputer) FitCurves() error {
	if c.fiducials == nil || c.fiducials.Len() == 0 {
		return fmt.Errorf("%w: no fiducial localizations are set", types.ErrZeroFiducials)
	}
	if c.SmoothingWindowSize < 1 || !(c.SmoothingFilterSize > 0) {
		return fmt.Errorf("%w: smoothing window %d and filter %g must be positive", types.ErrInvalidParameter, c.SmoothingWindowSize, c.SmoothingFilterSize)
	}
	x, y, frame, err := c.columns()
	if err != nil {
		return err
	}

	groups, err := c.fiducials.GroupBy(RegionColumn)
	if err != nil {
		return err
	}
	ids := make([]int, 0, len(groups))
	for id := range groups {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	include, _ := c.fiducials.Column(IncludeColumn)
	frames, _ := c.fiducials.Column(frame)
	var fits []RegionFit
	for _, id := range ids {
		rows := slices.DeleteFunc(slices.Clone(groups[id]), func(r int) bool {
			return include[r] == 0 || math.IsNaN(frames[r])
		})
		if len(rows) == 0 {
			c.logger().Warn("fiducial region has no localizations left to fit", "region_id", id)
			continue
		}
		slices.SortStableFunc(rows, func(a, b int) int {
			switch {
			case frames[a] < frames[b]:
				return -1
			case frames[a] > frames[b]:
				return 1
			}
			return 0
		})
		region := c.fiducials.Take(rows)

		fit := RegionFit{RegionID: id}
		if fit.X, err = c.fitAxis(region, frame, x); err != nil {
			return fmt.Errorf("region %d: %w", id, err)
		}
		if fit.Y, err = c.fitAxis(region, frame, y); err != nil {
			return fmt.Errorf("region %d: %w", id, err)
		}
		fit.MinFrame, fit.MaxFrame, _ = region.MinMax(frame)
		fits = append(fits, fit)
	}
	if len(fits) == 0 {
		return fmt.Errorf("%w: every fiducial localization was excluded", types.ErrZeroFiducials)
	}

	c.fits = fits
	c.trajectory = nil
	c.state = SplinesFit
	c.logger().Debug("fitted fiducial splines", "regions", len(fits))
	return nil
}

func (c *DefaultComputer) fitAxis(region *types.Table, frame, coord string) (*Spline, error) {
	frames, _ := region.Column(frame)
	vals, _ := region.Column(coord)
	_, variance := MovingAverage(vals, c.SmoothingWindowSize, c.SmoothingFilterSize)
	return FitSpline(frames, vals, variance)
}

// CombineCurves evaluates every selected spline at each frame in
// [startFrame, stopFrame], shifts it to zero at ZeroFrame and averages
// the splines into the trajectory. When ZeroFrame lies outside the range the
// splines are averaged unshifted and a warning is logged.
func (c *DefaultComputer) CombineCurves(startFrame, stopFrame int) error {
	if len(c.fits) == 0 {
		return fmt.Errorf("%w: no splines have been fitted", types.ErrZeroFiducials)
	}
	if stopFrame < startFrame {
		return fmt.Errorf("%w: stop frame %d before start frame %d", types.ErrInvalidParameter, stopFrame, startFrame)
	}
	selected, err := c.selectFits()
	if err != nil {
		return err
	}

	shift := c.ZeroFrame >= startFrame && c.ZeroFrame <= stopFrame
	if !shift {
		c.logger().Warn("zero frame is outside the frame range; splines are not shifted",
			"zero_frame", c.ZeroFrame, "start_frame", startFrame, "stop_frame", stopFrame)
	}

	n := stopFrame - startFrame + 1
	traj := &Trajectory{Start: startFrame, X: make([]float64, n), Y: make([]float64, n)}
	xs := make([]float64, len(selected))
	ys := make([]float64, len(selected))
	x0 := make([]float64, len(selected))
	y0 := make([]float64, len(selected))
	if shift {
		for k, fit := range selected {
			x0[k] = fit.X.Eval(float64(c.ZeroFrame))
			y0[k] = fit.Y.Eval(float64(c.ZeroFrame))
		}
	}
	for i := 0; i < n; i++ {
		f := float64(startFrame + i)
		for k, fit := range selected {
			xs[k] = fit.X.Eval(f) - x0[k]
			ys[k] = fit.Y.Eval(f) - y0[k]
		}
		traj.X[i] = stat.Mean(xs, nil)
		traj.Y[i] = stat.Mean(ys, nil)
	}

	c.trajectory = traj
	c.start, c.stop = startFrame, stopFrame
	c.state = TrajectoryCombined
	return nil
}

// selectFits applies UseTrajectories.
func (c *DefaultComputer) selectFits() ([]RegionFit, error) {
	if len(c.UseTrajectories) == 0 {
		return c.fits, nil
	}
	var out []RegionFit
	for _, id := range c.UseTrajectories {
		i := slices.IndexFunc(c.fits, func(f RegionFit) bool { return f.RegionID == id })
		if i < 0 {
			return nil, fmt.Errorf("%w: region %d; fitted regions are %v", types.ErrUseTrajectory, id, c.regionIDs())
		}
		out = append(out, c.fits[i])
	}
	return out, nil
}

func (c *DefaultComputer) regionIDs() []int {
	ids := make([]int, len(c.fits))
	for i, f := range c.fits {
		ids[i] = f.RegionID
	}
	return ids
}

// ComputeDriftTrajectory replaces the fiducials, fits them and combines the
// fits over [startFrame, stopFrame].
func (c *DefaultComputer) ComputeDriftTrajectory(fiducials *types.Table, startFrame, stopFrame int) (*Trajectory, error) {
	if err := c.SetFiducials(fiducials); err != nil {
		return nil, err
	}
	if err := c.FitCurves(); err != nil {
		return nil, err
	}
	if err := c.CombineCurves(startFrame, stopFrame); err != nil {
		return nil, err
	}
	return c.trajectory, nil
}

// DropTrajectories removes the fiducial localizations of the given regions
// and refits the rest. If a trajectory had been combined it is recombined
// over the same frames. Dropped regions are removed from UseTrajectories;
// dropping every region it names would widen the average to all regions, so
// that returns ErrUseTrajectory and changes nothing.
func (c *DefaultComputer) DropTrajectories(regionIDs ...int) error {
	if c.fiducials == nil {
		return fmt.Errorf("%w: no fiducial localizations are set", types.ErrZeroFiducials)
	}
	groups, err := c.fiducials.GroupBy(RegionColumn)
	if err != nil {
		return err
	}
	for _, id := range regionIDs {
		if _, ok := groups[id]; !ok {
			return fmt.Errorf("%w: region %d", types.ErrUseTrajectory, id)
		}
	}
	if len(c.UseTrajectories) > 0 && !slices.ContainsFunc(c.UseTrajectories, func(id int) bool {
		return !slices.Contains(regionIDs, id)
	}) {
		return fmt.Errorf("%w: dropping regions %v leaves none of %v to use", types.ErrUseTrajectory, regionIDs, c.UseTrajectories)
	}

	regions, _ := c.fiducials.Column(RegionColumn)
	c.fiducials = c.fiducials.Select(func(i int) bool {
		return !slices.Contains(regionIDs, int(regions[i]))
	})
	c.UseTrajectories = slices.DeleteFunc(slices.Clone(c.UseTrajectories), func(id int) bool {
		return slices.Contains(regionIDs, id)
	})

	recombine := c.state == TrajectoryCombined
	c.fits = nil
	c.trajectory = nil
	c.state = FiducialsIdentified
	if err := c.FitCurves(); err != nil {
		return err
	}
	if recombine {
		return c.CombineCurves(c.start, c.stop)
	}
	return nil
}

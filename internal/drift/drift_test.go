package drift

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestGaussianWindow(t *testing.T) {
	w := GaussianWindow(7, 1.5)
	require.Len(t, w, 7)

	var sum float64
	for _, v := range w {
		sum += v
	}
	assert.InDelta(t, 1, sum, 1e-12)
	for i := range w {
		assert.InDelta(t, w[i], w[len(w)-1-i], 1e-15)
	}
	for i := 0; i < 3; i++ {
		assert.Less(t, w[i], w[i+1])
	}
	assert.Nil(t, GaussianWindow(0, 1))
}

func TestReflect(t *testing.T) {
	cases := map[int]int{-1: 0, -2: 1, -4: 3, -5: 3, 0: 0, 3: 3, 4: 3, 5: 2, 7: 0, 8: 0, 9: 1}
	for in, want := range cases {
		assert.Equal(t, want, reflect(in, 4), "reflect(%d, 4)", in)
	}
}

func TestConvolvePreservesConstants(t *testing.T) {
	series := []float64{4, 4, 4, 4, 4}
	for _, m := range []int{1, 3, 4, 12} {
		out := convolve(series, GaussianWindow(m, 2))
		for _, v := range out {
			assert.InDelta(t, 4, v, 1e-12, "window %d", m)
		}
	}
	assert.Empty(t, convolve(nil, GaussianWindow(3, 1)))
}

func TestMovingAverage(t *testing.T) {
	avg, variance := MovingAverage([]float64{0, 0, 0, 0}, 600, 400)
	assert.Equal(t, []float64{1, 1, 1, 1}, variance)
	assert.Equal(t, []float64{0, 0, 0, 0}, avg)

	series := make([]float64, 50)
	for i := range series {
		series[i] = float64(i)
	}
	avg, variance = MovingAverage(series, 11, 3)
	require.Len(t, avg, 50)
	assert.InDelta(t, 25, avg[25], 1e-9)
	for _, v := range variance {
		assert.Greater(t, v, 0.0)
	}
}

func TestFitSplineReproducesLines(t *testing.T) {
	n := 20
	x := make([]float64, n)
	y := make([]float64, n)
	v := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 2*x[i] + 3
		v[i] = 1 + float64(i%3)
	}
	s, err := FitSpline(x, y, v)
	require.NoError(t, err)

	for _, at := range []float64{0, 0.5, 7, 12.25, 19} {
		assert.InDelta(t, 2*at+3, s.Eval(at), 1e-6, "at %g", at)
	}
	assert.InDelta(t, 3, s.Eval(-10), 1e-6)
	assert.InDelta(t, 41, s.Eval(100), 1e-6)

	lo, hi := s.Range()
	assert.Equal(t, 0.0, lo)
	assert.Equal(t, 19.0, hi)
}

func TestFitSplineFlattensNoise(t *testing.T) {
	n := 40
	x := make([]float64, n)
	y := make([]float64, n)
	v := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 0.5*x[i] + math.Pow(-1, float64(i))
		v[i] = 1
	}
	s, err := FitSpline(x, y, v)
	require.NoError(t, err)
	for i := 2; i < n-2; i++ {
		assert.InDelta(t, 0.5*x[i], s.Eval(x[i]), 0.25, "at %d", i)
	}
}

func TestFitSplineMeetsSmoothingTarget(t *testing.T) {
	n := 30
	x := make([]float64, n)
	y := make([]float64, n)
	v := make([]float64, n)
	for i := range x {
		x[i] = float64(i)
		y[i] = 0.5*x[i]*x[i] + 0.5*math.Pow(-1, float64(i))
		v[i] = 1
	}
	s, err := FitSpline(x, y, v)
	require.NoError(t, err)

	var rss float64
	for i := range x {
		d := y[i] - s.Eval(x[i])
		rss += d * d / v[i]
	}
	assert.InDelta(t, float64(n), rss, 0.01)
}

func TestFitSplineMergesDuplicates(t *testing.T) {
	s, err := FitSpline([]float64{1, 0, 0, 2}, []float64{2, 0, 2, 3}, []float64{1, 1, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 1, s.Eval(0), 1e-9)
	assert.InDelta(t, 2, s.Eval(1), 1e-9)
	assert.InDelta(t, 3, s.Eval(2), 1e-9)
}

func TestFitSplineFewPoints(t *testing.T) {
	s, err := FitSpline([]float64{5}, []float64{7}, []float64{1})
	require.NoError(t, err)
	assert.Equal(t, 7.0, s.Eval(-3))
	assert.Equal(t, 7.0, s.Eval(5))
	assert.Equal(t, 7.0, s.Eval(30))

	s, err = FitSpline([]float64{0, 2}, []float64{1, 5}, []float64{1, 4})
	require.NoError(t, err)
	assert.InDelta(t, 3, s.Eval(1), 1e-12)
	assert.Equal(t, 5.0, s.Eval(10))
}

func TestFitSplineShortTracks(t *testing.T) {
	cases := map[string][]float64{
		"three knots": {0, 3, 0},
		"four knots":  {0, 3, 0, 3},
	}
	for name, y := range cases {
		t.Run(name, func(t *testing.T) {
			x := make([]float64, len(y))
			v := make([]float64, len(y))
			for i := range x {
				x[i] = float64(i)
				v[i] = 1
			}
			var s *Spline
			var err error
			require.NotPanics(t, func() { s, err = FitSpline(x, y, v) })
			require.NoError(t, err)

			var rss float64
			for i := range x {
				d := y[i] - s.Eval(x[i])
				rss += d * d
			}
			assert.InDelta(t, float64(len(y)), rss, 0.01)
			lo, hi := s.Range()
			assert.Equal(t, 0.0, lo)
			assert.Equal(t, float64(len(y)-1), hi)
		})
	}

	// A line needs no smoothing at any length.
	s, err := FitSpline([]float64{0, 1, 2}, []float64{1, 3, 5}, []float64{1, 1, 1})
	require.NoError(t, err)
	assert.InDelta(t, 4, s.Eval(1.5), 1e-9)
}

func TestFitSplineErrors(t *testing.T) {
	_, err := FitSpline([]float64{0, 1}, []float64{0}, []float64{1, 1})
	assert.ErrorIs(t, err, types.ErrColumnLength)

	_, err = FitSpline(nil, nil, nil)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = FitSpline([]float64{0, 1, 2}, []float64{0, 1, 2}, []float64{1, 0, 1})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = FitSpline([]float64{0, math.NaN()}, []float64{0, 1}, []float64{1, 1})
	assert.ErrorIs(t, err, types.ErrInvalidParameter)
}

func TestTrajectory(t *testing.T) {
	traj := &Trajectory{Start: 10, X: []float64{1, 2, 3}, Y: []float64{-1, -2, -3}}
	assert.Equal(t, 12, traj.Stop())

	dx, dy, err := traj.Lookup(11)
	require.NoError(t, err)
	assert.Equal(t, 2.0, dx)
	assert.Equal(t, -2.0, dy)

	for _, frame := range []float64{9, 13, 10.5} {
		_, _, err := traj.Lookup(frame)
		assert.ErrorIs(t, err, types.ErrFrameNotInTrajectory, "frame %g", frame)
	}

	tbl := traj.Table()
	assert.Equal(t, []string{FrameColumn, XColumn, YColumn}, tbl.Columns())
	back, err := TrajectoryFromTable(tbl)
	require.NoError(t, err)
	assert.Equal(t, traj, back)

	gappy, err := types.TableFromColumns([]string{FrameColumn, XColumn, YColumn},
		[][]float64{{0, 2}, {0, 0}, {0, 0}})
	require.NoError(t, err)
	_, err = TrajectoryFromTable(gappy)
	assert.ErrorIs(t, err, types.ErrInvalidParameter)

	_, err = TrajectoryFromTable(types.NewTable())
	assert.ErrorIs(t, err, types.ErrColumnNotFound)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "splines fit", SplinesFit.String())
	assert.Equal(t, "State(9)", State(9).String())
}

// Drift used by the synthetic data sets below.
func driftX(frame float64) float64 { return 0.2 * frame }
func driftY(frame float64) float64 { return -0.1 * frame }

const numFrames = 200

var fiducialPositions = [][2]float64{{1000, 1000}, {5000, 3000}}

// fiducialTable returns one localization per frame for each fiducial,
// tagged with its region id.
func fiducialTable(t *testing.T) *types.Table {
	t.Helper()
	var x, y, f, region []float64
	for id, p := range fiducialPositions {
		for i := 0; i < numFrames; i++ {
			fr := float64(i)
			x = append(x, p[0]+driftX(fr))
			y = append(y, p[1]+driftY(fr))
			f = append(f, fr)
			region = append(region, float64(id))
		}
	}
	tbl, err := types.TableFromColumns([]string{"x", "y", "frame", RegionColumn}, [][]float64{x, y, f, region})
	require.NoError(t, err)
	return tbl
}

func testComputer() *DefaultComputer {
	c := NewDefaultComputer()
	c.ZeroFrame = 100
	c.Logger = quietLogger()
	return c
}

func TestComputeDriftTrajectory(t *testing.T) {
	c := testComputer()
	assert.Equal(t, Uncorrected, c.State())

	traj, err := c.ComputeDriftTrajectory(fiducialTable(t), 0, numFrames-1)
	require.NoError(t, err)
	assert.Equal(t, TrajectoryCombined, c.State())
	assert.Same(t, traj, c.Trajectory())
	require.Len(t, c.Fits(), 2)
	assert.Equal(t, 0.0, c.Fits()[0].MinFrame)
	assert.Equal(t, float64(numFrames-1), c.Fits()[0].MaxFrame)

	require.Equal(t, 0, traj.Start)
	require.Len(t, traj.X, numFrames)
	for i := 0; i < numFrames; i += 17 {
		f := float64(i)
		assert.InDelta(t, driftX(f)-driftX(100), traj.X[i], 1e-6, "frame %d", i)
		assert.InDelta(t, driftY(f)-driftY(100), traj.Y[i], 1e-6, "frame %d", i)
	}
	assert.InDelta(t, 0, traj.X[100], 1e-9)
}

func TestCombineCurvesExtrapolatesConstant(t *testing.T) {
	c := testComputer()
	require.NoError(t, c.SetFiducials(fiducialTable(t)))
	require.NoError(t, c.FitCurves())
	require.NoError(t, c.CombineCurves(-10, numFrames+10))

	traj := c.Trajectory()
	x0, _, err := traj.Lookup(-10)
	require.NoError(t, err)
	assert.InDelta(t, driftX(0)-driftX(100), x0, 1e-6)
	x1, _, err := traj.Lookup(numFrames + 10)
	require.NoError(t, err)
	assert.InDelta(t, driftX(numFrames-1)-driftX(100), x1, 1e-6)
}

func TestCombineCurvesZeroFrameOutsideRange(t *testing.T) {
	var logs bytes.Buffer
	c := testComputer()
	c.ZeroFrame = 5000
	c.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	traj, err := c.ComputeDriftTrajectory(fiducialTable(t), 0, numFrames-1)
	require.NoError(t, err)
	assert.Contains(t, logs.String(), "zero frame is outside the frame range")

	// Unshifted splines average the absolute fiducial positions.
	assert.InDelta(t, 3000+driftX(50), traj.X[50], 1e-6)
	assert.InDelta(t, 2000+driftY(50), traj.Y[50], 1e-6)
}

func TestCombineCurvesValidation(t *testing.T) {
	c := testComputer()
	assert.ErrorIs(t, c.CombineCurves(0, 10), types.ErrZeroFiducials)

	require.NoError(t, c.SetFiducials(fiducialTable(t)))
	require.NoError(t, c.FitCurves())
	assert.ErrorIs(t, c.CombineCurves(10, 0), types.ErrInvalidParameter)
}

func TestUseTrajectories(t *testing.T) {
	c := testComputer()
	c.UseTrajectories = []int{1}
	_, err := c.ComputeDriftTrajectory(fiducialTable(t), 0, numFrames-1)
	require.NoError(t, err)

	c.UseTrajectories = []int{0, 7}
	err = c.CombineCurves(0, numFrames-1)
	assert.ErrorIs(t, err, types.ErrUseTrajectory)
}

func TestFitCurvesZeroFiducials(t *testing.T) {
	c := testComputer()
	assert.ErrorIs(t, c.FitCurves(), types.ErrZeroFiducials)

	empty := fiducialTable(t).Take(nil)
	_, err := c.ComputeDriftTrajectory(empty, 0, 10)
	assert.ErrorIs(t, err, types.ErrZeroFiducials)

	c.SmoothingWindowSize = 0
	require.NoError(t, c.SetFiducials(fiducialTable(t)))
	assert.ErrorIs(t, c.FitCurves(), types.ErrInvalidParameter)
}

func TestSetFiducialsRequiresColumns(t *testing.T) {
	c := testComputer()
	tbl := fiducialTable(t)
	tbl.DropColumn(RegionColumn)
	assert.ErrorIs(t, c.SetFiducials(tbl), types.ErrColumnNotFound)
	assert.Equal(t, Uncorrected, c.State())

	c.CoordColumns = []string{"x"}
	assert.ErrorIs(t, c.SetFiducials(fiducialTable(t)), types.ErrInvalidParameter)
}

func TestDropTrajectories(t *testing.T) {
	c := testComputer()
	c.UseTrajectories = []int{0, 1}
	_, err := c.ComputeDriftTrajectory(fiducialTable(t), 0, numFrames-1)
	require.NoError(t, err)

	assert.ErrorIs(t, c.DropTrajectories(5), types.ErrUseTrajectory)

	require.NoError(t, c.DropTrajectories(0))
	require.Len(t, c.Fits(), 1)
	assert.Equal(t, 1, c.Fits()[0].RegionID)
	assert.Equal(t, []int{1}, c.UseTrajectories)
	assert.Equal(t, TrajectoryCombined, c.State())
	require.NotNil(t, c.Trajectory())
	assert.Len(t, c.Trajectory().X, numFrames)

	// Emptying UseTrajectories would silently average every region.
	assert.ErrorIs(t, c.DropTrajectories(1), types.ErrUseTrajectory)
	assert.Equal(t, []int{1}, c.UseTrajectories)
	require.Len(t, c.Fits(), 1)
	assert.Equal(t, TrajectoryCombined, c.State())

	c.UseTrajectories = nil
	assert.ErrorIs(t, c.DropTrajectories(1), types.ErrZeroFiducials)
}

func TestDropTrajectoriesKeepsUseList(t *testing.T) {
	c := testComputer()
	c.UseTrajectories = []int{0}
	_, err := c.ComputeDriftTrajectory(fiducialTable(t), 0, numFrames-1)
	require.NoError(t, err)

	require.NoError(t, c.DropTrajectories(1))
	assert.Equal(t, []int{0}, c.UseTrajectories)
	require.Len(t, c.Fits(), 1)
	assert.Equal(t, 0, c.Fits()[0].RegionID)

	assert.ErrorIs(t, c.DropTrajectories(0), types.ErrUseTrajectory)
	assert.Equal(t, 0, c.Fits()[0].RegionID)
}

func TestMaxRadiusExcludesOutliers(t *testing.T) {
	x := make([]float64, 11)
	y := make([]float64, 11)
	f := make([]float64, 11)
	region := make([]float64, 11)
	for i := range f {
		f[i] = float64(i)
	}
	x[10], y[10] = 100, 100
	tbl, err := types.TableFromColumns([]string{"x", "y", "frame", RegionColumn}, [][]float64{x, y, f, region})
	require.NoError(t, err)

	c := testComputer()
	c.MaxRadius = 50
	require.NoError(t, c.SetFiducials(tbl))
	include, err := c.Fiducials().Column(IncludeColumn)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.Equal(t, 1.0, include[i])
	}
	assert.Equal(t, 0.0, include[10])

	require.NoError(t, c.FitCurves())
	_, hi := c.Fits()[0].X.Range()
	assert.Equal(t, 9.0, hi)

	c.MaxRadius = 0
	require.NoError(t, c.SetFiducials(tbl))
	include, _ = c.Fiducials().Column(IncludeColumn)
	assert.Equal(t, 1.0, include[10])
}

// sampleTable returns sample localizations with the same drift followed by
// the fiducials, and the number of sample rows.
func sampleTable(t *testing.T) (*types.Table, int) {
	t.Helper()
	var x, y, f []float64
	for i := 0; i < numFrames; i++ {
		fr := float64(i)
		x = append(x, 3000+7*float64(i%13)+driftX(fr))
		y = append(y, 2000+11*float64(i%7)+driftY(fr))
		f = append(f, fr)
	}
	samples := len(x)
	for _, p := range fiducialPositions {
		for i := 0; i < numFrames; i++ {
			fr := float64(i)
			x = append(x, p[0]+driftX(fr))
			y = append(y, p[1]+driftY(fr))
			f = append(f, fr)
		}
	}
	tbl, err := types.TableFromColumns([]string{"x", "y", "frame"}, [][]float64{x, y, f})
	require.NoError(t, err)
	return tbl, samples
}

var testRegions = []Region{
	{XMin: 800, XMax: 1200, YMin: 800, YMax: 1200},
	{XMin: 4800, XMax: 5200, YMin: 2800, YMax: 3200},
}

func testCorrector() *FiducialDriftCorrect {
	fdc := NewFiducialDriftCorrect(testRegions...)
	fdc.Computer = testComputer()
	fdc.Logger = quietLogger()
	return fdc
}

func TestFiducialDriftCorrect(t *testing.T) {
	in, samples := sampleTable(t)
	fdc := testCorrector()

	out, err := fdc.Process(in)
	require.NoError(t, err)
	assert.Equal(t, Corrected, fdc.State())
	require.Equal(t, samples, out.Len())
	assert.Equal(t, 2*numFrames, fdc.Fiducials().Len())

	origX, _ := in.Column("x")
	origY, _ := in.Column("y")
	x, _ := out.Column("x")
	y, _ := out.Column("y")
	dx, err := out.Column(DXColumn)
	require.NoError(t, err)
	dy, err := out.Column(DYColumn)
	require.NoError(t, err)

	for i := 0; i < samples; i++ {
		assert.InDelta(t, origX[i], x[i]+dx[i], 1e-9)
		assert.InDelta(t, origY[i], y[i]+dy[i], 1e-9)
		// Corrected positions sit where the sample was at the zero frame.
		assert.InDelta(t, 3000+7*float64(i%13)+driftX(100), x[i], 1e-6)
		assert.InDelta(t, 2000+11*float64(i%7)+driftY(100), y[i], 1e-6)
	}
	for i := range x {
		for _, r := range testRegions {
			assert.False(t, r.contains(x[i]+dx[i], y[i]+dy[i]), "row %d is a fiducial", i)
		}
	}

	// The input is untouched.
	assert.Equal(t, []string{"x", "y", "frame"}, in.Columns())
}

func TestFiducialDriftCorrectShortTracks(t *testing.T) {
	region := Region{XMin: 900, XMax: 1100, YMin: 900, YMax: 1100}
	for frames := 1; frames <= 4; frames++ {
		t.Run(fmt.Sprintf("%d frames", frames), func(t *testing.T) {
			var x, y, f []float64
			for i := 0; i < frames; i++ {
				fr := float64(i)
				x = append(x, 3000+driftX(fr), 1000+driftX(fr))
				y = append(y, 2000+driftY(fr), 1000+driftY(fr))
				f = append(f, fr, fr)
			}
			in, err := types.TableFromColumns([]string{"x", "y", "frame"}, [][]float64{x, y, f})
			require.NoError(t, err)

			fdc := NewFiducialDriftCorrect(region)
			c := testComputer()
			c.ZeroFrame = 0
			fdc.Computer = c
			fdc.Logger = quietLogger()

			var out *types.Table
			require.NotPanics(t, func() { out, err = fdc.Process(in) })
			require.NoError(t, err)
			assert.Equal(t, Corrected, fdc.State())
			require.Equal(t, frames, out.Len())
			assert.Len(t, fdc.Trajectory().X, frames)

			cx, _ := out.Column("x")
			cy, _ := out.Column("y")
			for i := range cx {
				assert.InDelta(t, 3000, cx[i], 1e-6, "frame %d", i)
				assert.InDelta(t, 2000, cy[i], 1e-6, "frame %d", i)
			}
		})
	}
}

func TestFiducialDriftCorrectKeepsFiducials(t *testing.T) {
	in, _ := sampleTable(t)
	fdc := testCorrector()
	fdc.RemoveFiducials = false

	out, err := fdc.Process(in)
	require.NoError(t, err)
	assert.Equal(t, in.Len(), out.Len())
}

func TestFiducialDriftCorrectWithoutRegions(t *testing.T) {
	var logs bytes.Buffer
	in, _ := sampleTable(t)
	fdc := testCorrector()
	fdc.Regions = nil
	fdc.Logger = slog.New(slog.NewTextHandler(&logs, nil))

	out, err := fdc.Process(in)
	require.NoError(t, err)
	assert.Same(t, in, out)
	assert.Equal(t, Uncorrected, fdc.State())
	assert.Contains(t, logs.String(), "no regions with fiducials identified")

	_, err = fdc.ExtractFiducials(in)
	assert.ErrorIs(t, err, types.ErrZeroFiducialRegions)
}

func TestFiducialDriftCorrectEmptyRegions(t *testing.T) {
	in, _ := sampleTable(t)
	fdc := testCorrector()
	fdc.Regions = []Region{{XMin: -10, XMax: -5, YMin: -10, YMax: -5}}

	_, err := fdc.Process(in)
	assert.ErrorIs(t, err, types.ErrZeroFiducials)
}

func TestExtractFiducials(t *testing.T) {
	in, _ := sampleTable(t)
	fdc := testCorrector()
	fid, err := fdc.ExtractFiducials(in)
	require.NoError(t, err)
	groups, err := fid.GroupBy(RegionColumn)
	require.NoError(t, err)
	assert.Len(t, groups[0], numFrames)
	assert.Len(t, groups[1], numFrames)
}

func TestCorrectLocalizations(t *testing.T) {
	fdc := testCorrector()
	tbl, err := types.TableFromColumns([]string{"x", "y", "frame"}, [][]float64{{10, 20}, {5, 5}, {0, 1}})
	require.NoError(t, err)

	_, err = fdc.CorrectLocalizations(tbl)
	assert.ErrorIs(t, err, types.ErrZeroFiducials)

	fdc.SetTrajectory(&Trajectory{Start: 0, X: []float64{1, 2}, Y: []float64{0.5, -0.5}})
	out, err := fdc.CorrectLocalizations(tbl)
	require.NoError(t, err)
	x, _ := out.Column("x")
	y, _ := out.Column("y")
	assert.Equal(t, []float64{9, 18}, x)
	assert.Equal(t, []float64{4.5, 5.5}, y)

	late, err := types.TableFromColumns([]string{"x", "y", "frame"}, [][]float64{{1}, {1}, {5}})
	require.NoError(t, err)
	_, err = fdc.CorrectLocalizations(late)
	assert.ErrorIs(t, err, types.ErrFrameNotInTrajectory)
}

package drift

import (
	"fmt"
	"math"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Trajectory column names.
const (
	FrameColumn = "frame"
	XColumn     = "x"
	YColumn     = "y"
)

// Trajectory is the average drift of a sample, one (x, y) shift per frame
// over a contiguous range of frames starting at Start.
type Trajectory struct {
	Start int
	X, Y  []float64
}

// Stop returns the last frame of the trajectory.
func (t *Trajectory) Stop() int { return t.Start + len(t.X) - 1 }

// Lookup returns the shift at frame. The frame must be an integer inside the
// trajectory.
func (t *Trajectory) Lookup(frame float64) (dx, dy float64, err error) {
	i := int(frame) - t.Start
	if frame != math.Trunc(frame) || i < 0 || i >= len(t.X) {
		return 0, 0, fmt.Errorf("%w: frame %g outside %d-%d", types.ErrFrameNotInTrajectory, frame, t.Start, t.Stop())
	}
	return t.X[i], t.Y[i], nil
}

// Table returns the trajectory as a frame, x, y table.
func (t *Trajectory) Table() *types.Table {
	frames := make([]float64, len(t.X))
	for i := range frames {
		frames[i] = float64(t.Start + i)
	}
	out := types.NewTable()
	_ = out.AddColumn(FrameColumn, frames)
	_ = out.AddColumn(XColumn, t.X)
	_ = out.AddColumn(YColumn, t.Y)
	return out
}

// TrajectoryFromTable reads a trajectory written by Table. Frames must be
// consecutive integers.
func TrajectoryFromTable(tbl *types.Table) (*Trajectory, error) {
	frames, err := tbl.Column(FrameColumn)
	if err != nil {
		return nil, err
	}
	x, err := tbl.Column(XColumn)
	if err != nil {
		return nil, err
	}
	y, err := tbl.Column(YColumn)
	if err != nil {
		return nil, err
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("%w: empty trajectory", types.ErrColumnLength)
	}
	t := &Trajectory{Start: int(frames[0]), X: make([]float64, len(x)), Y: make([]float64, len(y))}
	for i, f := range frames {
		if f != float64(t.Start+i) {
			return nil, fmt.Errorf("%w: trajectory frames are not consecutive at row %d", types.ErrInvalidParameter, i)
		}
	}
	copy(t.X, x)
	copy(t.Y, y)
	return t, nil
}

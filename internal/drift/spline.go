package drift

import (
	"fmt"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"

	"github.com/mesh-intelligence/smlmstore/pkg/types"
)

// Spline is a natural cubic smoothing spline in value/second-derivative form.
// Outside its knots it holds the boundary value constant.
type Spline struct {
	x     []float64
	g     []float64
	gamma []float64
}

// FitSpline fits a weighted cubic smoothing spline to (x, y). Each point is
// weighted by the inverse of its variance and the smoothing parameter is
// chosen so that sum((y-g)^2/variance) equals the number of knots, or as
// close as a straight line allows. Points sharing an x are merged into their
// precision-weighted mean first.
func FitSpline(x, y, variance []float64) (*Spline, error) {
	if len(x) != len(y) || len(x) != len(variance) {
		return nil, fmt.Errorf("%w: spline inputs have %d, %d and %d values", types.ErrColumnLength, len(x), len(y), len(variance))
	}
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: spline needs at least one point", types.ErrInvalidParameter)
	}
	for i := range x {
		if math.IsNaN(x[i]) || math.IsNaN(y[i]) || !(variance[i] > 0) || math.IsInf(variance[i], 0) {
			return nil, fmt.Errorf("%w: spline point %d is not finite or has no positive variance", types.ErrInvalidParameter, i)
		}
	}

	xs, ys, vs := mergeKnots(x, y, variance)
	n := len(xs)
	s := &Spline{x: xs, gamma: make([]float64, n)}
	if n <= 2 {
		s.g = ys
		return s, nil
	}

	f := newReinsch(xs, ys, vs)
	target := float64(n)
	lo, hi := f.tau*1e-10, f.tau*1e10

	best, err := f.solve(hi)
	if err != nil {
		return nil, err
	}
	if best.rss > target {
		best, err = f.solve(lo)
		if err != nil {
			return nil, err
		}
		for hi/lo > 1+1e-9 {
			mid := math.Sqrt(lo * hi)
			r, err := f.solve(mid)
			if err != nil {
				return nil, err
			}
			if r.rss > target {
				hi = mid
			} else {
				lo = mid
				best = r
			}
		}
	}
	s.g = best.g
	copy(s.gamma[1:n-1], best.gamma)
	return s, nil
}

// mergeKnots sorts the points by x and merges equal x values.
func mergeKnots(x, y, variance []float64) (xs, ys, vs []float64) {
	idx := make([]int, len(x))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return x[idx[a]] < x[idx[b]] })

	for start := 0; start < len(idx); {
		end := start
		var wsum, ysum float64
		for end < len(idx) && x[idx[end]] == x[idx[start]] {
			w := 1 / variance[idx[end]]
			wsum += w
			ysum += w * y[idx[end]]
			end++
		}
		xs = append(xs, x[idx[start]])
		ys = append(ys, ysum/wsum)
		vs = append(vs, 1/wsum)
		start = end
	}
	return xs, ys, vs
}

// reinsch holds the band matrices of the Reinsch smoothing problem
// (R + lambda Q'VQ) gamma = Q'y over knots x.
type reinsch struct {
	y, v []float64
	h    []float64
	qty  []float64
	tau  float64
}

type reinschResult struct {
	g     []float64
	gamma []float64
	rss   float64
}

func newReinsch(x, y, v []float64) *reinsch {
	n := len(x)
	h := make([]float64, n-1)
	for i := range h {
		h[i] = x[i+1] - x[i]
	}
	f := &reinsch{y: y, v: v, h: h, qty: make([]float64, n-2)}

	var trR, trQVQ float64
	for j := range f.qty {
		f.qty[j] = y[j]/h[j] - y[j+1]*(1/h[j]+1/h[j+1]) + y[j+2]/h[j+1]
		trR += (h[j] + h[j+1]) / 3
		trQVQ += f.qvq(j, j)
	}
	f.tau = trR / trQVQ
	return f
}

// q returns entry (i, j) of the n x (n-2) second-difference matrix.
func (f *reinsch) q(i, j int) float64 {
	switch i - j {
	case 0:
		return 1 / f.h[j]
	case 1:
		return -1/f.h[j] - 1/f.h[j+1]
	case 2:
		return 1 / f.h[j+1]
	}
	return 0
}

// qvq returns entry (a, b) of Q'VQ for |a-b| <= 2.
func (f *reinsch) qvq(a, b int) float64 {
	var s float64
	for i := max(a, b); i <= min(a, b)+2; i++ {
		s += f.q(i, a) * f.v[i] * f.q(i, b)
	}
	return s
}

func (f *reinsch) solve(lambda float64) (reinschResult, error) {
	m := len(f.qty)
	// Three or four knots leave fewer than three unknowns, and the band
	// cannot be wider than the matrix.
	a := mat.NewSymBandDense(m, min(2, m-1), nil)
	for j := 0; j < m; j++ {
		a.SetSymBand(j, j, (f.h[j]+f.h[j+1])/3+lambda*f.qvq(j, j))
		if j+1 < m {
			a.SetSymBand(j, j+1, f.h[j+1]/6+lambda*f.qvq(j, j+1))
		}
		if j+2 < m {
			a.SetSymBand(j, j+2, lambda*f.qvq(j, j+2))
		}
	}

	var ch mat.BandCholesky
	if !ch.Factorize(a) {
		return reinschResult{}, fmt.Errorf("%w: smoothing system is not positive definite", types.ErrInvalidParameter)
	}
	var gamma mat.VecDense
	if err := ch.SolveVecTo(&gamma, mat.NewVecDense(m, append([]float64(nil), f.qty...))); err != nil {
		return reinschResult{}, fmt.Errorf("%w: %v", types.ErrInvalidParameter, err)
	}

	n := len(f.y)
	r := reinschResult{g: make([]float64, n), gamma: make([]float64, m)}
	for j := range r.gamma {
		r.gamma[j] = gamma.AtVec(j)
	}
	for i := 0; i < n; i++ {
		var qg float64
		for j := max(i-2, 0); j <= min(i, m-1); j++ {
			qg += f.q(i, j) * r.gamma[j]
		}
		d := lambda * f.v[i] * qg
		r.g[i] = f.y[i] - d
		r.rss += d * d / f.v[i]
	}
	return r, nil
}

// Eval returns the spline value at x.
func (s *Spline) Eval(x float64) float64 {
	n := len(s.x)
	if x <= s.x[0] {
		return s.g[0]
	}
	if x >= s.x[n-1] {
		return s.g[n-1]
	}
	i := sort.SearchFloat64s(s.x, x) - 1
	h := s.x[i+1] - s.x[i]
	a, b := x-s.x[i], s.x[i+1]-x
	return (a*s.g[i+1]+b*s.g[i])/h - a*b/6*((1+a/h)*s.gamma[i+1]+(1+b/h)*s.gamma[i])
}

// Range returns the first and last knot.
func (s *Spline) Range() (lo, hi float64) {
	return s.x[0], s.x[len(s.x)-1]
}

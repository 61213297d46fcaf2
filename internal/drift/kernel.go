package drift

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// GaussianWindow returns a symmetric Gaussian window of m samples with
// standard deviation std, normalized to sum to one.
func GaussianWindow(m int, std float64) []float64 {
	if m < 1 {
		return nil
	}
	w := make([]float64, m)
	mid := float64(m-1) / 2
	for n := range w {
		d := (float64(n) - mid) / std
		w[n] = math.Exp(-0.5 * d * d)
	}
	floats.Scale(1/floats.Sum(w), w)
	return w
}

// reflect maps an out-of-range index into [0, n) by mirroring about the
// edges, repeating the edge sample (d c b a | a b c d | d c b a).
func reflect(i, n int) int {
	period := 2 * n
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - 1 - i
	}
	return i
}

// convolve filters series with a symmetric kernel, reflecting at the edges.
// The output has the length of series.
func convolve(series, kernel []float64) []float64 {
	n, m := len(series), len(kernel)
	out := make([]float64, n)
	if n == 0 || m == 0 {
		return out
	}
	c := m / 2
	if m%2 == 0 {
		c--
	}
	for i := range out {
		var s float64
		for k, w := range kernel {
			s += w * series[reflect(i+k-c, n)]
		}
		out[i] = s
	}
	return out
}

// MovingAverage returns the Gaussian-weighted moving average of series and
// the moving variance around it. windowSize is the kernel length in samples
// and sigma its width. Variances are floored away from zero so they can be
// used as inverse weights; an all-zero variance becomes all ones.
func MovingAverage(series []float64, windowSize int, sigma float64) (avg, variance []float64) {
	kernel := GaussianWindow(windowSize, sigma)
	avg = convolve(series, kernel)
	sq := make([]float64, len(series))
	for i, v := range series {
		d := v - avg[i]
		sq[i] = d * d
	}
	variance = convolve(sq, kernel)

	if len(variance) == 0 {
		return avg, variance
	}
	hi := floats.Max(variance)
	if !(hi > 0) {
		for i := range variance {
			variance[i] = 1
		}
		return avg, variance
	}
	floor := hi * 1e-9
	for i, v := range variance {
		if v < floor {
			variance[i] = floor
		}
	}
	return avg, variance
}

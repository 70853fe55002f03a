package sarima

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// differencer applies d lag-1 differences followed by D seasonal ones and
// remembers every intermediate level so forecasts can be integrated back.
type differencer struct {
	lags   []int
	levels [][]float64 // levels[k] is the input of stage k
}

func newDifferencer(o Order) *differencer {
	lags := make([]int, 0, o.D+o.SD)
	for i := 0; i < o.D; i++ {
		lags = append(lags, 1)
	}
	for i := 0; i < o.SD; i++ {
		lags = append(lags, o.M)
	}
	return &differencer{lags: lags}
}

func (d *differencer) apply(y []float64) []float64 {
	cur := append([]float64(nil), y...)
	d.levels = d.levels[:0]
	for _, lag := range d.lags {
		d.levels = append(d.levels, cur)
		cur = difference(cur, lag)
		if len(cur) == 0 {
			return nil
		}
	}
	return cur
}

// integrate undoes the stages in reverse: y[n+h] = w[n+h] + y[n+h-lag].
func (d *differencer) integrate(fc []float64) []float64 {
	out := append([]float64(nil), fc...)
	for k := len(d.lags) - 1; k >= 0; k-- {
		base := d.levels[k]
		lag := d.lags[k]
		n := len(base)
		ext := make([]float64, n+len(out))
		copy(ext, base)
		for h, v := range out {
			ext[n+h] = v + ext[n+h-lag]
		}
		out = ext[n:]
	}
	return out
}

func difference(y []float64, lag int) []float64 {
	if len(y) <= lag {
		return nil
	}
	out := make([]float64, len(y)-lag)
	floats.SubTo(out, y[lag:], y[:len(y)-lag])
	return out
}

func mean(y []float64) float64 {
	if len(y) == 0 {
		return 0
	}
	return stat.Mean(y, nil)
}

// autocorrelation returns the sample ACF for lags 0..maxLag. Lags beyond the
// data, or a constant series, yield zeros.
func autocorrelation(y []float64, maxLag int) []float64 {
	acf := make([]float64, maxLag+1)
	n := len(y)
	if n == 0 {
		return acf
	}
	mu := mean(y)
	centered := append([]float64(nil), y...)
	floats.AddConst(-mu, centered)
	variance := floats.Dot(centered, centered)
	if variance == 0 {
		return acf
	}
	for k := 0; k <= maxLag && k < n; k++ {
		acf[k] = floats.Dot(centered[k:], centered[:n-k]) / variance
	}
	return acf
}

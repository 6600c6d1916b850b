// Package indicators implements the technical indicators used for signal routing and grid
// construction. Outputs are aligned to the input length; values that cannot be computed
// are NaN.
package indicators

import (
	"math"
	"sort"
)

// EWM returns the exponentially weighted mean with smoothing factor alpha, seeded with the
// first non-NaN input (non-adjusted recursion). NaN inputs carry the previous value.
func EWM(values []float64, alpha float64) []float64 {
	out := make([]float64, len(values))
	prev := math.NaN()
	for i, v := range values {
		switch {
		case math.IsNaN(v):
		case math.IsNaN(prev):
			prev = v
		default:
			prev = alpha*v + (1-alpha)*prev
		}
		out[i] = prev
	}
	return out
}

// EMA is the span-based exponential moving average, alpha = 2 / (span + 1).
func EMA(values []float64, span int) []float64 {
	if span < 1 {
		return nanSlice(len(values))
	}
	return EWM(values, 2/(float64(span)+1))
}

// Wilder applies Wilder smoothing, alpha = 1 / period.
func Wilder(values []float64, period int) []float64 {
	if period < 1 {
		return nanSlice(len(values))
	}
	return EWM(values, 1/float64(period))
}

// TrueRange is max(high-low, |high-prevClose|, |low-prevClose|); the first bar uses high-low.
func TrueRange(high, low, close []float64) []float64 {
	out := make([]float64, len(high))
	for i := range high {
		tr := high[i] - low[i]
		if i > 0 {
			tr = math.Max(tr, math.Abs(high[i]-close[i-1]))
			tr = math.Max(tr, math.Abs(low[i]-close[i-1]))
		}
		out[i] = tr
	}
	return out
}

// ATR is the Wilder-smoothed true range.
func ATR(high, low, close []float64, period int) []float64 {
	return Wilder(TrueRange(high, low, close), period)
}

// ADXResult holds the directional movement outputs.
type ADXResult struct {
	PlusDI  []float64
	MinusDI []float64
	ADX     []float64
}

// ADX computes +DI, -DI and ADX with Wilder smoothing. DX is 0 where +DI + -DI is 0.
func ADX(high, low, close []float64, period int) ADXResult {
	n := len(high)
	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	for i := 1; i < n; i++ {
		up := high[i] - high[i-1]
		down := low[i-1] - low[i]
		if up > down && up > 0 {
			plusDM[i] = up
		}
		if down > up && down > 0 {
			minusDM[i] = down
		}
	}

	atr := ATR(high, low, close, period)
	smoothPlus := Wilder(plusDM, period)
	smoothMinus := Wilder(minusDM, period)

	res := ADXResult{
		PlusDI:  make([]float64, n),
		MinusDI: make([]float64, n),
	}
	dx := make([]float64, n)
	for i := 0; i < n; i++ {
		res.PlusDI[i] = 100 * smoothPlus[i] / atr[i]
		res.MinusDI[i] = 100 * smoothMinus[i] / atr[i]
		denom := res.PlusDI[i] + res.MinusDI[i]
		if denom == 0 || math.IsNaN(denom) {
			dx[i] = 0
			continue
		}
		dx[i] = 100 * math.Abs(res.PlusDI[i]-res.MinusDI[i]) / denom
	}
	res.ADX = Wilder(dx, period)
	return res
}

// Bands holds Bollinger band outputs.
type Bands struct {
	Upper []float64
	Mid   []float64
	Lower []float64
}

// Bollinger returns the rolling mean ± k sample standard deviations over period closes.
func Bollinger(close []float64, period int, k float64) Bands {
	n := len(close)
	b := Bands{Upper: nanSlice(n), Mid: nanSlice(n), Lower: nanSlice(n)}
	if period < 2 {
		return b
	}
	for i := period - 1; i < n; i++ {
		window := close[i-period+1 : i+1]
		mean := 0.0
		for _, v := range window {
			mean += v
		}
		mean /= float64(period)
		ss := 0.0
		for _, v := range window {
			ss += (v - mean) * (v - mean)
		}
		std := math.Sqrt(ss / float64(period-1))
		b.Mid[i] = mean
		b.Upper[i] = mean + k*std
		b.Lower[i] = mean - k*std
	}
	return b
}

// SwingHighs marks bars whose high is strictly greater than the n highs on each side.
// The first and last n bars are never marked.
func SwingHighs(high []float64, n int) []bool {
	return swings(high, n, func(candidate, other float64) bool { return other >= candidate })
}

// SwingLows marks bars whose low is strictly less than the n lows on each side.
func SwingLows(low []float64, n int) []bool {
	return swings(low, n, func(candidate, other float64) bool { return other <= candidate })
}

func swings(values []float64, n int, beaten func(candidate, other float64) bool) []bool {
	out := make([]bool, len(values))
	if n < 1 {
		return out
	}
	for i := n; i < len(values)-n; i++ {
		ok := true
		for j := 1; j <= n && ok; j++ {
			if beaten(values[i], values[i-j]) || beaten(values[i], values[i+j]) {
				ok = false
			}
		}
		out[i] = ok
	}
	return out
}

// RollingMedian returns the median of the trailing window; fewer than minPeriods non-NaN
// values yield NaN.
func RollingMedian(values []float64, window, minPeriods int) []float64 {
	out := nanSlice(len(values))
	if window < 1 {
		return out
	}
	buf := make([]float64, 0, window)
	for i := range values {
		start := i - window + 1
		if start < 0 {
			start = 0
		}
		buf = buf[:0]
		for _, v := range values[start : i+1] {
			if !math.IsNaN(v) {
				buf = append(buf, v)
			}
		}
		if len(buf) == 0 || len(buf) < minPeriods {
			continue
		}
		out[i] = median(buf)
	}
	return out
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

func nanSlice(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = math.NaN()
	}
	return out
}

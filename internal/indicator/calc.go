// Package indicator computes technical indicator series over bar windows
// and reindexes them onto caller-supplied timestamp sets.
//
// Every calculation returns arrays of exactly the input length; positions
// before the warm-up point hold NaN. NaN never leaks to callers: the engine
// widens the fetch window until the requested range is fully defined, or
// reports no_data.
package indicator

import "math"

var nan = math.NaN()

// sma computes the simple moving average. out[i] is NaN for i < period-1.
func sma(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 || len(vals) < period {
		return out
	}
	sum := 0.0
	for i, v := range vals {
		sum += v
		if i >= period {
			sum -= vals[i-period]
		}
		if i >= period-1 {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// ema computes the exponential moving average, seeded with SMA(period).
func ema(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 || len(vals) < period {
		return out
	}
	mult := 2.0 / float64(period+1)
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += vals[i]
	}
	out[period-1] = seed / float64(period)
	for i := period; i < len(vals); i++ {
		out[i] = vals[i]*mult + out[i-1]*(1-mult)
	}
	return out
}

// smma computes Wilder's smoothed moving average: SMA seed, then
// (prev*(period-1) + value) / period.
func smma(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 || len(vals) < period {
		return out
	}
	seed := 0.0
	for i := 0; i < period; i++ {
		seed += vals[i]
	}
	out[period-1] = seed / float64(period)
	p := float64(period)
	for i := period; i < len(vals); i++ {
		out[i] = (out[i-1]*(p-1) + vals[i]) / p
	}
	return out
}

// rsi computes the relative strength index with Wilder smoothing.
// out[i] is NaN for i < period.
func rsi(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 || len(vals) <= period {
		return out
	}
	p := float64(period)
	avgGain, avgLoss := 0.0, 0.0
	for i := 1; i <= period; i++ {
		delta := vals[i] - vals[i-1]
		if delta > 0 {
			avgGain += delta
		} else {
			avgLoss -= delta
		}
	}
	avgGain /= p
	avgLoss /= p
	out[period] = rsiValue(avgGain, avgLoss)

	for i := period + 1; i < len(vals); i++ {
		delta := vals[i] - vals[i-1]
		gain, loss := 0.0, 0.0
		if delta > 0 {
			gain = delta
		} else {
			loss = -delta
		}
		avgGain = (avgGain*(p-1) + gain) / p
		avgLoss = (avgLoss*(p-1) + loss) / p
		out[i] = rsiValue(avgGain, avgLoss)
	}
	return out
}

func rsiValue(avgGain, avgLoss float64) float64 {
	if avgLoss == 0 {
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100.0 - 100.0/(1.0+rs)
}

// stochastic computes %K of a series over a rolling window: the position of
// the current value within the window's min/max range, scaled to [0, 100].
// A flat window yields 100 by convention (value sits at the top of a
// zero-height range).
func stochastic(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 {
		return out
	}
	for i := range vals {
		if i < period-1 || math.IsNaN(vals[i]) {
			continue
		}
		lo, hi := vals[i], vals[i]
		defined := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(vals[j]) {
				defined = false
				break
			}
			if vals[j] < lo {
				lo = vals[j]
			}
			if vals[j] > hi {
				hi = vals[j]
			}
		}
		if !defined {
			continue
		}
		if hi == lo {
			out[i] = 100.0
			continue
		}
		out[i] = (vals[i] - lo) / (hi - lo) * 100.0
	}
	return out
}

// smaNaN is SMA over a series that may hold a NaN warm-up prefix: out[i] is
// defined once the trailing window holds no NaN.
func smaNaN(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 {
		return out
	}
	for i := period - 1; i < len(vals); i++ {
		sum := 0.0
		defined := true
		for j := i - period + 1; j <= i; j++ {
			if math.IsNaN(vals[j]) {
				defined = false
				break
			}
			sum += vals[j]
		}
		if defined {
			out[i] = sum / float64(period)
		}
	}
	return out
}

// roc computes the rate of change over period bars, in percent.
func roc(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 {
		return out
	}
	for i := period; i < len(vals); i++ {
		if vals[i-period] == 0 {
			continue
		}
		out[i] = (vals[i] - vals[i-period]) / vals[i-period] * 100.0
	}
	return out
}

// emaNaN is EMA over a series with a NaN warm-up prefix: seeding starts at
// the first index where a full period of defined values is available.
func emaNaN(vals []float64, period int) []float64 {
	out := fill(len(vals))
	if period <= 0 {
		return out
	}
	first := -1
	for i, v := range vals {
		if !math.IsNaN(v) {
			first = i
			break
		}
	}
	if first < 0 || first+period > len(vals) {
		return out
	}
	mult := 2.0 / float64(period+1)
	seed := 0.0
	for i := first; i < first+period; i++ {
		seed += vals[i]
	}
	at := first + period - 1
	out[at] = seed / float64(period)
	for i := at + 1; i < len(vals); i++ {
		out[i] = vals[i]*mult + out[i-1]*(1-mult)
	}
	return out
}

func fill(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = nan
	}
	return out
}

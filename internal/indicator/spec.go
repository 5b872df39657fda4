package indicator

import (
	"fmt"
	"strconv"
	"strings"
)

// Kind enumerates the supported indicator families. The set is closed:
// unknown ids are rejected at the API boundary by ParseSpec.
type Kind int

const (
	KindSMA Kind = iota
	KindEMA
	KindSMMA
	KindRSI
	KindStochRSI
	KindMACD
	KindROC
)

// Spec is one fully-typed indicator request, parsed from its wire id
// (e.g. "rsi:14", "macd:12:26:9", "stochrsi:14:14:3:3").
type Spec struct {
	Kind Kind
	ID   string // the raw id, used as the result key

	Period int // SMA/EMA/SMMA/RSI/ROC; RSI period for StochRSI

	// MACD
	Fast, Slow, Signal int

	// StochRSI
	Stoch, SmoothK, SmoothD int
}

// ParseSpec parses a wire indicator id into a typed Spec.
func ParseSpec(raw string) (Spec, error) {
	parts := strings.Split(strings.ToLower(strings.TrimSpace(raw)), ":")
	name := parts[0]
	args := make([]int, 0, len(parts)-1)
	for _, p := range parts[1:] {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 {
			return Spec{}, fmt.Errorf("indicator %q: bad parameter %q", raw, p)
		}
		args = append(args, n)
	}

	spec := Spec{ID: strings.ToLower(strings.TrimSpace(raw))}
	switch name {
	case "sma", "ema", "smma", "rsi", "roc":
		if len(args) != 1 {
			return Spec{}, fmt.Errorf("indicator %q: want one period parameter", raw)
		}
		spec.Period = args[0]
		switch name {
		case "sma":
			spec.Kind = KindSMA
		case "ema":
			spec.Kind = KindEMA
		case "smma":
			spec.Kind = KindSMMA
		case "rsi":
			spec.Kind = KindRSI
		case "roc":
			spec.Kind = KindROC
		}
	case "stochrsi":
		spec.Kind = KindStochRSI
		spec.Period, spec.Stoch, spec.SmoothK, spec.SmoothD = 14, 14, 3, 3
		switch len(args) {
		case 0:
		case 1:
			spec.Period, spec.Stoch = args[0], args[0]
		case 4:
			spec.Period, spec.Stoch, spec.SmoothK, spec.SmoothD = args[0], args[1], args[2], args[3]
		default:
			return Spec{}, fmt.Errorf("indicator %q: want 0, 1 or 4 parameters", raw)
		}
	case "macd":
		spec.Kind = KindMACD
		spec.Fast, spec.Slow, spec.Signal = 12, 26, 9
		switch len(args) {
		case 0:
		case 3:
			spec.Fast, spec.Slow, spec.Signal = args[0], args[1], args[2]
		default:
			return Spec{}, fmt.Errorf("indicator %q: want 0 or 3 parameters", raw)
		}
		if spec.Fast >= spec.Slow {
			return Spec{}, fmt.Errorf("indicator %q: fast period must be below slow", raw)
		}
	default:
		return Spec{}, fmt.Errorf("unknown indicator %q", raw)
	}
	return spec, nil
}

// ParseSpecs parses a comma-separated id list, rejecting duplicates.
func ParseSpecs(raw string) ([]Spec, error) {
	var specs []Spec
	seen := make(map[string]bool)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec, err := ParseSpec(part)
		if err != nil {
			return nil, err
		}
		if seen[spec.ID] {
			continue
		}
		seen[spec.ID] = true
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no indicators requested")
	}
	return specs, nil
}

// MinLookback returns the number of bars needed before the requested range
// for the first in-range value to be fully defined.
func (s Spec) MinLookback() int {
	switch s.Kind {
	case KindSMA, KindEMA, KindSMMA:
		return s.Period
	case KindRSI:
		return s.Period + 1
	case KindROC:
		return s.Period
	case KindStochRSI:
		// rsi warm-up + stoch window + both smoothing passes
		return s.Period + 1 + s.Stoch + s.SmoothK + s.SmoothD
	case KindMACD:
		return s.Slow + s.Signal
	default:
		return 0
	}
}

// Outputs names the value arrays this indicator produces, in order.
func (s Spec) Outputs() []string {
	switch s.Kind {
	case KindMACD:
		return []string{"macd", "signal", "hist"}
	case KindStochRSI:
		return []string{"k", "d"}
	default:
		return []string{"value"}
	}
}

// Compute runs the calculation over a close-price window. Every returned
// array has exactly len(closes) entries, NaN during warm-up.
func (s Spec) Compute(closes []float64) map[string][]float64 {
	switch s.Kind {
	case KindSMA:
		return map[string][]float64{"value": sma(closes, s.Period)}
	case KindEMA:
		return map[string][]float64{"value": ema(closes, s.Period)}
	case KindSMMA:
		return map[string][]float64{"value": smma(closes, s.Period)}
	case KindRSI:
		return map[string][]float64{"value": rsi(closes, s.Period)}
	case KindROC:
		return map[string][]float64{"value": roc(closes, s.Period)}
	case KindStochRSI:
		r := rsi(closes, s.Period)
		k := smaNaN(stochastic(r, s.Stoch), s.SmoothK)
		d := smaNaN(k, s.SmoothD)
		return map[string][]float64{"k": k, "d": d}
	case KindMACD:
		fast := ema(closes, s.Fast)
		slow := ema(closes, s.Slow)
		line := fill(len(closes))
		for i := range closes {
			line[i] = fast[i] - slow[i] // NaN while either side warms up
		}
		signal := emaNaN(line, s.Signal)
		hist := fill(len(closes))
		for i := range closes {
			hist[i] = line[i] - signal[i]
		}
		return map[string][]float64{"macd": line, "signal": signal, "hist": hist}
	default:
		return map[string][]float64{"value": fill(len(closes))}
	}
}

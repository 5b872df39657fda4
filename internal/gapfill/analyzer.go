// Package gapfill detects missing coverage in cached series and drives
// idempotent backfill from the upstream.
package gapfill

import (
	"chartdata/internal/model"
)

const defaultTolerance = 3

// Analyzer computes the complement of cached timestamps against the
// timestamps expected at a resolution over a closed interval.
//
// Isolated upstream omissions are normal, so a contiguous run of missing
// points no longer than Tolerance is accepted without triggering a gap.
// Beyond the tolerance the whole run becomes one Gap.
type Analyzer struct {
	Tolerance int
}

// NewAnalyzer creates an Analyzer with the given tolerance (points).
func NewAnalyzer(tolerance int) *Analyzer {
	if tolerance < 0 {
		tolerance = defaultTolerance
	}
	return &Analyzer{Tolerance: tolerance}
}

// FindGaps returns the minimal ordered list of gaps in [from, to] given the
// timestamps present in the store. Bounds are aligned down to the
// resolution boundary.
func (a *Analyzer) FindGaps(present []int64, res model.Resolution, from, to int64) []model.Gap {
	step := res.Seconds()
	if step == 0 {
		return nil
	}
	from = res.Align(from)
	to = res.Align(to)
	if from > to {
		return nil
	}

	have := make(map[int64]struct{}, len(present))
	for _, ts := range present {
		have[ts] = struct{}{}
	}

	var gaps []model.Gap
	var runStart int64 = -1
	var runLen int

	flush := func(runEnd int64) {
		if runStart < 0 {
			return
		}
		if runLen > a.Tolerance {
			gaps = append(gaps, model.Gap{From: runStart, To: runEnd, Resolution: res})
		}
		runStart = -1
		runLen = 0
	}

	for ts := from; ts <= to; ts += step {
		if _, ok := have[ts]; ok {
			flush(ts - step)
			continue
		}
		if runStart < 0 {
			runStart = ts
		}
		runLen++
	}
	flush(to)

	return gaps
}

// Covered reports whether [from, to] has no gap exceeding the tolerance.
func (a *Analyzer) Covered(present []int64, res model.Resolution, from, to int64) bool {
	return len(a.FindGaps(present, res, from, to)) == 0
}

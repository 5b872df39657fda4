package gapfill

import (
	"testing"

	"chartdata/internal/model"
)

func tsRange(from, to, step int64) []int64 {
	var out []int64
	for ts := from; ts <= to; ts += step {
		out = append(out, ts)
	}
	return out
}

func TestFindGaps_FullCoverage(t *testing.T) {
	a := NewAnalyzer(3)
	from := int64(1700000040)
	to := from + 99*60
	gaps := a.FindGaps(tsRange(from, to, 60), model.ResM1, from, to)
	if len(gaps) != 0 {
		t.Fatalf("expected no gaps, got %v", gaps)
	}
}

func TestFindGaps_EmptyStore(t *testing.T) {
	a := NewAnalyzer(3)
	from := int64(1700000040)
	to := from + 9*60
	gaps := a.FindGaps(nil, model.ResM1, from, to)
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %v", gaps)
	}
	if gaps[0].From != from || gaps[0].To != to {
		t.Errorf("gap = [%d, %d], want [%d, %d]", gaps[0].From, gaps[0].To, from, to)
	}
	if gaps[0].Points() != 10 {
		t.Errorf("gap points = %d, want 10", gaps[0].Points())
	}
}

func TestFindGaps_ToleratedHoles(t *testing.T) {
	a := NewAnalyzer(3)
	from := int64(1700000040)
	to := from + 19*60

	// Remove 3 isolated points — within tolerance, no gap.
	present := make([]int64, 0, 20)
	skip := map[int64]bool{from + 4*60: true, from + 5*60: true, from + 6*60: true}
	for _, ts := range tsRange(from, to, 60) {
		if !skip[ts] {
			present = append(present, ts)
		}
	}
	if gaps := a.FindGaps(present, model.ResM1, from, to); len(gaps) != 0 {
		t.Fatalf("3 missing points within tolerance, got gaps %v", gaps)
	}

	// A 4-point run exceeds tolerance: the whole run becomes one gap.
	skip[from+7*60] = true
	present = present[:0]
	for _, ts := range tsRange(from, to, 60) {
		if !skip[ts] {
			present = append(present, ts)
		}
	}
	gaps := a.FindGaps(present, model.ResM1, from, to)
	if len(gaps) != 1 {
		t.Fatalf("expected one gap, got %v", gaps)
	}
	if gaps[0].From != from+4*60 || gaps[0].To != from+7*60 {
		t.Errorf("gap = [%d, %d], want [%d, %d]", gaps[0].From, gaps[0].To, from+4*60, from+7*60)
	}
}

func TestFindGaps_MultipleRegions(t *testing.T) {
	a := NewAnalyzer(0)
	from := int64(1700000040)
	to := from + 29*60

	var present []int64
	for i, ts := range tsRange(from, to, 60) {
		// Missing: indices 0-4 and 20-24.
		if i < 5 || (i >= 20 && i < 25) {
			continue
		}
		present = append(present, ts)
	}

	gaps := a.FindGaps(present, model.ResM1, from, to)
	if len(gaps) != 2 {
		t.Fatalf("expected two gaps, got %v", gaps)
	}
	if gaps[0].From != from || gaps[0].To != from+4*60 {
		t.Errorf("gap 0 = [%d, %d]", gaps[0].From, gaps[0].To)
	}
	if gaps[1].From != from+20*60 || gaps[1].To != from+24*60 {
		t.Errorf("gap 1 = [%d, %d]", gaps[1].From, gaps[1].To)
	}
	if gaps[1].From <= gaps[0].To {
		t.Error("gaps not ordered")
	}
}

func TestFindGaps_TrailingGapAndUnalignedBounds(t *testing.T) {
	a := NewAnalyzer(0)
	from := int64(1700000040)
	to := from + 9*60

	present := tsRange(from, from+5*60, 60)
	// Unaligned request bounds align down before analysis.
	gaps := a.FindGaps(present, model.ResM1, from+30, to+30)
	if len(gaps) != 1 {
		t.Fatalf("expected one trailing gap, got %v", gaps)
	}
	if gaps[0].From != from+6*60 || gaps[0].To != to {
		t.Errorf("gap = [%d, %d], want [%d, %d]", gaps[0].From, gaps[0].To, from+6*60, to)
	}
}

func TestFindGaps_InvertedRange(t *testing.T) {
	a := NewAnalyzer(3)
	if gaps := a.FindGaps(nil, model.ResM1, 200, 100); gaps != nil {
		t.Fatalf("inverted range should produce no gaps, got %v", gaps)
	}
}

package indicator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"chartdata/internal/model"
)

const defaultMaxWidenings = 4

// WindowLoader supplies gap-filled bar windows. The history service
// implements it on top of the store + backfill pipeline.
type WindowLoader interface {
	LoadBars(ctx context.Context, instrument string, res model.Resolution, from, to int64) ([]model.Bar, error)
}

// Request is one indicator query. From/To bound the originally requested
// range; the engine pulls extra lookback history before From transparently.
type Request struct {
	Instrument string
	Resolution model.Resolution
	From, To   int64
	Specs      []Spec

	// Simulate projects a single point at From instead of the full range.
	Simulate bool
}

// Engine computes indicator series over cached bar windows. Per request it
// runs: fetch window → validate sufficient history (widening as needed) →
// calculate → align to the requested timestamp set → filter or project.
type Engine struct {
	loader       WindowLoader
	maxWidenings int
	log          *slog.Logger

	// OnCompute, if set, receives the wall time of each request.
	OnCompute func(time.Duration)
}

// NewEngine creates an Engine over the given window loader.
func NewEngine(loader WindowLoader, log *slog.Logger) *Engine {
	return &Engine{loader: loader, maxWidenings: defaultMaxWidenings, log: log}
}

// Compute returns one IndicatorSeries per requested spec, keyed by the
// spec's wire id. Values inside [From, To] are never NaN: an indicator that
// cannot be fully defined after maximal widening reports no_data instead.
func (e *Engine) Compute(ctx context.Context, req Request) map[string]*model.IndicatorSeries {
	start := time.Now()
	defer func() {
		if e.OnCompute != nil {
			e.OnCompute(time.Since(start))
		}
	}()

	results := make(map[string]*model.IndicatorSeries, len(req.Specs))

	requested := requestedTimestamps(req)
	if len(requested) == 0 {
		for _, spec := range req.Specs {
			results[spec.ID] = model.SeriesError("empty requested range")
		}
		return results
	}

	maxLookback := 0
	for _, spec := range req.Specs {
		if lb := spec.MinLookback(); lb > maxLookback {
			maxLookback = lb
		}
	}

	window, err := e.loadSufficientWindow(ctx, req, maxLookback)
	if err != nil {
		for _, spec := range req.Specs {
			results[spec.ID] = model.SeriesError(err.Error())
		}
		return results
	}

	for _, spec := range req.Specs {
		results[spec.ID] = e.computeOne(spec, window, requested)
	}
	return results
}

// barWindow is one assembled lookback+range window with a timestamp index.
type barWindow struct {
	closes []float64
	index  map[int64]int // ts → position in closes
	before int           // bars strictly before the requested From
}

// loadSufficientWindow fetches the bar window, widening the lookback until
// it holds enough history or the upstream has nothing older to give.
func (e *Engine) loadSufficientWindow(ctx context.Context, req Request, lookback int) (*barWindow, error) {
	step := req.Resolution.Seconds()
	from := req.Resolution.Align(req.From)
	to := req.Resolution.Align(req.To)

	// Double the span on each widening: missing bars inside the lookback
	// region must not starve the calculation.
	span := int64(lookback) * step
	prevBefore := -1

	for attempt := 0; attempt <= e.maxWidenings; attempt++ {
		start := from - span
		bars, err := e.loader.LoadBars(ctx, req.Instrument, req.Resolution, start, to)
		if err != nil {
			return nil, fmt.Errorf("load window: %w", err)
		}

		w := &barWindow{
			closes: make([]float64, len(bars)),
			index:  make(map[int64]int, len(bars)),
		}
		for i, b := range bars {
			w.closes[i] = b.Close
			w.index[b.TS] = i
			if b.TS < from {
				w.before++
			}
		}

		if w.before >= lookback {
			return w, nil
		}
		if w.before == prevBefore {
			// Widening stopped producing older bars: upstream history is
			// exhausted. Return what we have; per-spec alignment decides
			// between a defined result and no_data.
			return w, nil
		}
		prevBefore = w.before
		span *= 2
	}

	// Out of widening attempts: proceed with the last window.
	bars, err := e.loader.LoadBars(ctx, req.Instrument, req.Resolution, from-span, to)
	if err != nil {
		return nil, fmt.Errorf("load window: %w", err)
	}
	w := &barWindow{
		closes: make([]float64, len(bars)),
		index:  make(map[int64]int, len(bars)),
	}
	for i, b := range bars {
		w.closes[i] = b.Close
		w.index[b.TS] = i
		if b.TS < from {
			w.before++
		}
	}
	return w, nil
}

// computeOne calculates a single spec over the window and reindexes each
// output onto the requested timestamp set.
func (e *Engine) computeOne(spec Spec, w *barWindow, requested []int64) *model.IndicatorSeries {
	if len(w.closes) == 0 {
		return model.NoData("no bars available for requested range")
	}

	outputs := spec.Compute(w.closes)
	equalizeLengths(outputs)

	values := make(map[string][]float64, len(outputs))
	for _, name := range spec.Outputs() {
		arr, ok := outputs[name]
		if !ok {
			return model.SeriesError("indicator produced no " + name + " output")
		}
		aligned, defined := reindex(arr, w.index, requested)
		if !defined {
			return model.NoData(fmt.Sprintf(
				"insufficient history for %s: need %d bars before range, have %d",
				spec.ID, spec.MinLookback(), w.before))
		}
		values[name] = aligned
	}

	return &model.IndicatorSeries{
		Timestamps: requested,
		Values:     values,
		Status:     model.StatusOK,
	}
}

// reindex maps a window-aligned array onto the requested timestamp set.
// Returns defined=false if any requested point is missing or NaN — nulls
// are a signaled failure mode, never silently returned.
func reindex(arr []float64, index map[int64]int, requested []int64) (out []float64, defined bool) {
	out = make([]float64, len(requested))
	for i, ts := range requested {
		pos, ok := index[ts]
		if !ok || pos >= len(arr) || math.IsNaN(arr[pos]) {
			return nil, false
		}
		out[i] = arr[pos]
	}
	return out, true
}

// equalizeLengths truncates all outputs to the shortest one. A length
// mismatch between multi-output arrays is a defect corrected here, before
// reindexing, so unequal-length arrays can never be returned.
func equalizeLengths(outputs map[string][]float64) {
	shortest := -1
	for _, arr := range outputs {
		if shortest < 0 || len(arr) < shortest {
			shortest = len(arr)
		}
	}
	if shortest < 0 {
		return
	}
	for name, arr := range outputs {
		if len(arr) > shortest {
			outputs[name] = arr[:shortest]
		}
	}
}

// requestedTimestamps expands the request bounds into the exact ordered
// timestamp set the response is aligned to. Simulate mode projects a single
// point at From.
func requestedTimestamps(req Request) []int64 {
	step := req.Resolution.Seconds()
	if step == 0 {
		return nil
	}
	from := req.Resolution.Align(req.From)
	to := req.Resolution.Align(req.To)
	if req.Simulate {
		return []int64{from}
	}
	if from > to {
		return nil
	}
	out := make([]int64, 0, (to-from)/step+1)
	for ts := from; ts <= to; ts += step {
		out = append(out, ts)
	}
	return out
}

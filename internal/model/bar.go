package model

import "encoding/json"

// Bar represents one OHLCV record for a fixed-duration time bucket.
// TS is the bucket start in unix seconds, aligned to the resolution boundary.
// For a given (instrument, resolution) at most one Bar exists per timestamp;
// the latest write for that timestamp wins.
type Bar struct {
	Instrument string     `json:"instrument"`
	Resolution Resolution `json:"resolution"`
	TS         int64      `json:"ts"`
	Open       float64    `json:"open"`
	High       float64    `json:"high"`
	Low        float64    `json:"low"`
	Close      float64    `json:"close"`
	Volume     float64    `json:"volume"`
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}

// MetricPoint is one sample of the secondary derived series (open interest).
// Keyed independently from Bar but with the same per-timestamp uniqueness
// invariant.
type MetricPoint struct {
	Instrument string     `json:"instrument"`
	Resolution Resolution `json:"resolution"`
	TS         int64      `json:"ts"`
	Value      float64    `json:"value"`
}

// JSON returns the JSON-encoded point.
func (p *MetricPoint) JSON() []byte {
	data, _ := json.Marshal(p)
	return data
}

// Tick is a single live price update from the upstream feed.
type Tick struct {
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	TS         int64   `json:"ts"` // unix seconds
}

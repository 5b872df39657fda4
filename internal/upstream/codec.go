package upstream

import (
	"fmt"
	"strconv"

	"chartdata/internal/model"

	"github.com/shopspring/decimal"
)

// The upstream encodes every numeric field as a string. Rows are decoded
// through shopspring/decimal so that prices like "0.07" survive the trip
// without binary-float artifacts before the final float64 conversion.

// DecodeBarRow converts one raw candle row [ts, open, high, low, close,
// volume] into a canonical Bar. The timestamp must sit exactly on the
// resolution boundary.
func DecodeBarRow(instrument string, res model.Resolution, row []string) (model.Bar, error) {
	if len(row) < 6 {
		return model.Bar{}, fmt.Errorf("candle row has %d fields, want 6", len(row))
	}
	ts, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return model.Bar{}, fmt.Errorf("candle timestamp %q: %w", row[0], err)
	}
	if !res.Aligned(ts) {
		return model.Bar{}, fmt.Errorf("candle timestamp %d not aligned to %s", ts, res)
	}

	vals := make([]float64, 5)
	for i, field := range row[1:6] {
		d, err := decimal.NewFromString(field)
		if err != nil {
			return model.Bar{}, fmt.Errorf("candle field %d %q: %w", i+1, field, err)
		}
		vals[i] = d.InexactFloat64()
	}

	return model.Bar{
		Instrument: instrument,
		Resolution: res,
		TS:         ts,
		Open:       vals[0],
		High:       vals[1],
		Low:        vals[2],
		Close:      vals[3],
		Volume:     vals[4],
	}, nil
}

// metricRow is the wire shape of one open-interest sample.
type metricRow struct {
	TS    int64  `json:"ts"`
	Value string `json:"oi"`
}

// DecodeMetricRow converts one raw open-interest sample into a MetricPoint.
func DecodeMetricRow(instrument string, res model.Resolution, row metricRow) (model.MetricPoint, error) {
	if !res.Aligned(row.TS) {
		return model.MetricPoint{}, fmt.Errorf("oi timestamp %d not aligned to %s", row.TS, res)
	}
	d, err := decimal.NewFromString(row.Value)
	if err != nil {
		return model.MetricPoint{}, fmt.Errorf("oi value %q: %w", row.Value, err)
	}
	return model.MetricPoint{
		Instrument: instrument,
		Resolution: res,
		TS:         row.TS,
		Value:      d.InexactFloat64(),
	}, nil
}

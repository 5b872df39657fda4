package upstream

import (
	"testing"

	"chartdata/internal/model"
)

func TestDecodeBarRow(t *testing.T) {
	row := []string{"1700000040", "42000.5", "42100.25", "41900", "42050.75", "123.4"}
	bar, err := DecodeBarRow("BTC-USDT", model.ResM1, row)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bar.TS != 1700000040 || bar.Open != 42000.5 || bar.High != 42100.25 ||
		bar.Low != 41900 || bar.Close != 42050.75 || bar.Volume != 123.4 {
		t.Errorf("decoded bar = %+v", bar)
	}
	if bar.Instrument != "BTC-USDT" || bar.Resolution != model.ResM1 {
		t.Errorf("key fields = %s %s", bar.Instrument, bar.Resolution)
	}
}

func TestDecodeBarRow_Malformed(t *testing.T) {
	cases := [][]string{
		{"1700000040", "42000.5"},                                         // too few fields
		{"not-a-ts", "1", "1", "1", "1", "1"},                             // bad timestamp
		{"1700000041", "1", "1", "1", "1", "1"},                           // misaligned for 1m
		{"1700000040", "abc", "1", "1", "1", "1"},                         // bad price
		{"1700000040", "1", "1", "1", "1", ""},                            // empty volume
	}
	for i, row := range cases {
		if _, err := DecodeBarRow("BTC-USDT", model.ResM1, row); err == nil {
			t.Errorf("case %d: expected error for row %v", i, row)
		}
	}
}

func TestDecodeMetricRow(t *testing.T) {
	p, err := DecodeMetricRow("BTC-USDT", model.ResM5, metricRow{TS: 1700000100, Value: "98765.4321"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.TS != 1700000100 || p.Value != 98765.4321 {
		t.Errorf("decoded point = %+v", p)
	}

	if _, err := DecodeMetricRow("BTC-USDT", model.ResM5, metricRow{TS: 1700000101, Value: "1"}); err == nil {
		t.Error("expected alignment error")
	}
	if _, err := DecodeMetricRow("BTC-USDT", model.ResM5, metricRow{TS: 1700000100, Value: "x"}); err == nil {
		t.Error("expected parse error")
	}
}

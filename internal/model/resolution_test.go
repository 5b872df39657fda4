package model

import "testing"

func TestParseResolution(t *testing.T) {
	for _, good := range []string{"1m", "5m", "15m", "1h", "1d"} {
		if _, err := ParseResolution(good); err != nil {
			t.Errorf("ParseResolution(%q) unexpected error: %v", good, err)
		}
	}
	for _, bad := range []string{"", "2m", "60", "1w"} {
		if _, err := ParseResolution(bad); err == nil {
			t.Errorf("ParseResolution(%q) expected error", bad)
		}
	}
}

func TestResolutionAlign(t *testing.T) {
	cases := []struct {
		res  Resolution
		ts   int64
		want int64
	}{
		{ResM1, 1700000059, 1700000040},
		{ResM1, 1700000040, 1700000040},
		{ResM5, 1700000299, 1700000100},
		{ResH1, 1700003599, 1699999200},
	}
	for _, c := range cases {
		if got := c.res.Align(c.ts); got != c.want {
			t.Errorf("%s.Align(%d) = %d, want %d", c.res, c.ts, got, c.want)
		}
		if !c.res.Aligned(c.res.Align(c.ts)) {
			t.Errorf("%s.Align(%d) not aligned", c.res, c.ts)
		}
	}
}

func TestGapPoints(t *testing.T) {
	g := Gap{From: 1700000040, To: 1700000040 + 9*60, Resolution: ResM1}
	if got := g.Points(); got != 10 {
		t.Errorf("Points() = %d, want 10", got)
	}
	empty := Gap{From: 100, To: 40, Resolution: ResM1}
	if got := empty.Points(); got != 0 {
		t.Errorf("inverted gap Points() = %d, want 0", got)
	}
}

func TestSeriesKeyFormats(t *testing.T) {
	k := BarKey("BTC-USDT", ResM5)
	if k.SetKey() != "bars:5m:BTC-USDT" {
		t.Errorf("SetKey() = %s", k.SetKey())
	}
	if k.StreamKey() != "pub:bars:5m:BTC-USDT" {
		t.Errorf("StreamKey() = %s", k.StreamKey())
	}
	if k.PointKey(1700000040) != "bars:5m:BTC-USDT:at:1700000040" {
		t.Errorf("PointKey() = %s", k.PointKey(1700000040))
	}
	m := MetricKey("BTC-USDT", ResM5)
	if m.SetKey() != "oi:5m:BTC-USDT" {
		t.Errorf("metric SetKey() = %s", m.SetKey())
	}
}

package model

// SeriesKind distinguishes the two independently keyed series types.
type SeriesKind string

const (
	KindBar    SeriesKind = "bars"
	KindMetric SeriesKind = "oi"
)

// SeriesKey is the unit of partitioning for cached series. It is owned by
// the store; callers treat it as an opaque value.
type SeriesKey struct {
	Instrument string
	Resolution Resolution
	Kind       SeriesKind
}

// BarKey returns the cache key for the bar series of an instrument.
func BarKey(instrument string, res Resolution) SeriesKey {
	return SeriesKey{Instrument: instrument, Resolution: res, Kind: KindBar}
}

// MetricKey returns the cache key for the derived-metric series.
func MetricKey(instrument string, res Resolution) SeriesKey {
	return SeriesKey{Instrument: instrument, Resolution: res, Kind: KindMetric}
}

// SetKey returns the Redis sorted-set key: "{kind}:{resolution}:{instrument}".
func (k SeriesKey) SetKey() string {
	return string(k.Kind) + ":" + string(k.Resolution) + ":" + k.Instrument
}

// PointKey returns the expiring exact-timestamp lookup key.
func (k SeriesKey) PointKey(ts int64) string {
	return k.SetKey() + ":at:" + itoa64(ts)
}

// StreamKey returns the append-only log key for live publishes:
// "pub:{kind}:{resolution}:{instrument}".
func (k SeriesKey) StreamKey() string {
	return "pub:" + k.SetKey()
}

// itoa64 is a minimal int64-to-string converter for hot-path key building.
func itoa64(n int64) string {
	if n == 0 {
		return "0"
	}
	buf := [20]byte{}
	i := len(buf)
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

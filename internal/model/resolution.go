package model

import "fmt"

// Resolution is an enumerated bar bucket duration. All timestamps stored for
// a resolution must be exact multiples of its duration in seconds.
type Resolution string

const (
	ResM1  Resolution = "1m"
	ResM5  Resolution = "5m"
	ResM15 Resolution = "15m"
	ResH1  Resolution = "1h"
	ResD1  Resolution = "1d"
)

var resolutionSeconds = map[Resolution]int64{
	ResM1:  60,
	ResM5:  300,
	ResM15: 900,
	ResH1:  3600,
	ResD1:  86400,
}

// ParseResolution validates a resolution string from the API boundary.
func ParseResolution(s string) (Resolution, error) {
	r := Resolution(s)
	if _, ok := resolutionSeconds[r]; !ok {
		return "", fmt.Errorf("unknown resolution %q", s)
	}
	return r, nil
}

// Seconds returns the bucket duration in seconds. Returns 0 for an
// unknown resolution.
func (r Resolution) Seconds() int64 {
	return resolutionSeconds[r]
}

// Valid reports whether r is a known resolution.
func (r Resolution) Valid() bool {
	_, ok := resolutionSeconds[r]
	return ok
}

// Align snaps a unix timestamp down to the nearest bucket boundary.
func (r Resolution) Align(ts int64) int64 {
	secs := r.Seconds()
	if secs == 0 {
		return ts
	}
	return ts - (ts % secs)
}

// Aligned reports whether ts sits exactly on a bucket boundary.
func (r Resolution) Aligned(ts int64) bool {
	secs := r.Seconds()
	return secs != 0 && ts%secs == 0
}

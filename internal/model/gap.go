package model

// Gap describes a sub-interval of a requested range with no cached coverage.
// Both bounds are inclusive, aligned unix seconds. Gaps are derived and
// ephemeral; they are never persisted.
type Gap struct {
	From       int64
	To         int64
	Resolution Resolution
}

// Points returns the number of expected timestamps inside the gap.
func (g Gap) Points() int64 {
	secs := g.Resolution.Seconds()
	if secs == 0 || g.To < g.From {
		return 0
	}
	return (g.To-g.From)/secs + 1
}

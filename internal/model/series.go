package model

// SeriesStatus is the tri-state result status used across the read APIs.
type SeriesStatus string

const (
	StatusOK     SeriesStatus = "ok"
	StatusNoData SeriesStatus = "no_data"
	StatusError  SeriesStatus = "error"
)

// IndicatorSeries is the result of one indicator computation, reindexed onto
// the caller's originally requested timestamp set. Every value array has
// exactly len(Timestamps) entries; with StatusOK no entry is undefined.
type IndicatorSeries struct {
	Timestamps []int64              `json:"timestamps"`
	Values     map[string][]float64 `json:"values,omitempty"`
	Status     SeriesStatus         `json:"s"`
	ErrMsg     string               `json:"errmsg,omitempty"`
}

// NoData builds a tagged no_data result with an explanatory message.
func NoData(msg string) *IndicatorSeries {
	return &IndicatorSeries{Status: StatusNoData, ErrMsg: msg}
}

// SeriesError builds a tagged error result.
func SeriesError(msg string) *IndicatorSeries {
	return &IndicatorSeries{Status: StatusError, ErrMsg: msg}
}

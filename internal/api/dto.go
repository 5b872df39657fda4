package api

import "chartdata/internal/model"

// historyResponse is the column-oriented chart payload. S is "ok",
// "no_data" or "error".
type historyResponse struct {
	S      string    `json:"s"`
	T      []int64   `json:"t,omitempty"`
	O      []float64 `json:"o,omitempty"`
	H      []float64 `json:"h,omitempty"`
	L      []float64 `json:"l,omitempty"`
	C      []float64 `json:"c,omitempty"`
	V      []float64 `json:"v,omitempty"`
	OI     []float64 `json:"oi,omitempty"`
	ErrMsg string    `json:"errmsg,omitempty"`
}

func barsToResponse(bars []model.Bar) historyResponse {
	if len(bars) == 0 {
		return historyResponse{S: "no_data"}
	}
	resp := historyResponse{
		S: "ok",
		T: make([]int64, len(bars)),
		O: make([]float64, len(bars)),
		H: make([]float64, len(bars)),
		L: make([]float64, len(bars)),
		C: make([]float64, len(bars)),
		V: make([]float64, len(bars)),
	}
	for i, b := range bars {
		resp.T[i] = b.TS
		resp.O[i] = b.Open
		resp.H[i] = b.High
		resp.L[i] = b.Low
		resp.C[i] = b.Close
		resp.V[i] = b.Volume
	}
	return resp
}

func metricToResponse(points []model.MetricPoint) historyResponse {
	if len(points) == 0 {
		return historyResponse{S: "no_data"}
	}
	resp := historyResponse{
		S:  "ok",
		T:  make([]int64, len(points)),
		OI: make([]float64, len(points)),
	}
	for i, p := range points {
		resp.T[i] = p.TS
		resp.OI[i] = p.Value
	}
	return resp
}

// indicatorResponse carries one seriesPayload per requested id.
type indicatorResponse struct {
	S      string                   `json:"s"`
	Series map[string]seriesPayload `json:"series,omitempty"`
	ErrMsg string                   `json:"errmsg,omitempty"`
}

type seriesPayload struct {
	S      string               `json:"s"`
	T      []int64              `json:"t,omitempty"`
	Values map[string][]float64 `json:"values,omitempty"`
	ErrMsg string               `json:"errmsg,omitempty"`
}

package fanout

import "chartdata/internal/model"

// Wire envelopes pushed to WebSocket clients.

type helloMsg struct {
	Type    string `json:"type"` // "hello"
	Session string `json:"session"`
	Resumed bool   `json:"resumed"`
}

type barMsg struct {
	Type string    `json:"type"` // "bar"
	Bar  model.Bar `json:"bar"`
}

type tickMsg struct {
	Type       string  `json:"type"` // "tick"
	Instrument string  `json:"instrument"`
	Price      float64 `json:"price"`
	TS         int64   `json:"ts"`
}

type errorMsg struct {
	Type  string `json:"type"` // "error"
	Error string `json:"error"`
}

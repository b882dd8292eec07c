package models

// PairID: идентификатор пары на стороне фида ("EURUSD", "USDCHF").
type PairID string

// TimeKey is the bucket key of a candle. It is compared for equality only;
// the engine never parses it.
type TimeKey string

// Quad is one historical OHLC row: [open, high, low, close].
type Quad [4]float64

func (q Quad) Open() float64  { return q[0] }
func (q Quad) High() float64  { return q[1] }
func (q Quad) Low() float64   { return q[2] }
func (q Quad) Close() float64 { return q[3] }

// Candle is one OHLC aggregate for a time bucket.
type Candle struct {
	Time         TimeKey `json:"time"`
	Open         float64 `json:"open"`
	High         float64 `json:"high"`
	Low          float64 `json:"low"`
	Close        float64 `json:"close"`
	IsHistorical bool    `json:"history"`
}

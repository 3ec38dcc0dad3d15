// Package engtypes holds the shared data types that flow between the tick
// source, aggregator, bar store, and signal evaluator.
package engtypes

import "fmt"

// Tick is a single trade print for a symbol.
type Tick struct {
	Symbol    string
	Price     float64
	Size      float64
	Side      string // "buy" or "sell" — carried for completeness, not used in dedup
	Timestamp int64  // unix milliseconds, exchange trade time
}

// Fingerprint returns the dedup key for a tick. Side is deliberately
// excluded: two reports of the same trade sometimes disagree on taker side
// depending on which side of the stream reported it first.
func (t Tick) Fingerprint() string {
	return fmt.Sprintf("%d_%v_%v", t.Timestamp, t.Price, t.Size)
}

// Bar is a single OHLCV candle aligned to an absolute boundary.
type Bar struct {
	Symbol        string
	BoundaryMS    int64 // floor(ts/barMS)*barMS, the bar's start time
	Open          float64
	High          float64
	Low           float64
	Close         float64
	Volume        float64
	TradeCount    int
	ForwardFilled bool   // true if synthesized from the prior close, no trades occurred
	Sequence      uint64 // monotonic global ordering assigned at finalization
}

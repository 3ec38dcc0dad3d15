// Package signal evaluates the four-predicate trading signal over a
// symbol's rolling bar window.
//
// The evaluator is a pure function of its input slice: it has no internal
// state and reads nothing but the bars handed to it. Gate failures
// (warm-up, forward-fill, malformed candle) are reported through
// Diagnostics.ValidationError rather than an error return so the driver
// can distinguish "no verdict yet" from "verdict: inactive".
package signal

import (
	"fmt"
	"math"
	"sort"

	"github.com/epic1st/sigflow/internal/engtypes"
)

// Default thresholds, exposed so config can override them.
const (
	DefaultWarmup           = 20
	DefaultVolumeWindow     = 20
	DefaultVolumePercentile = 5.0
	DefaultRangeWindow      = 30
	DefaultRangePercentile  = 5.0
	DefaultNATRPeriod       = 20
	DefaultNATRThreshold    = 0.6
	DefaultGrowthLookback   = 50
	DefaultGrowthMinPct     = -0.1
)

// Params bundles the evaluator's tunables so callers (and tests) can
// exercise non-default configurations without package-level state.
type Params struct {
	Warmup           int
	VolumeWindow     int
	VolumePercentile float64
	RangeWindow      int
	RangePercentile  float64
	NATRPeriod       int
	NATRThreshold    float64
	GrowthLookback   int
	GrowthMinPct     float64
}

// DefaultParams returns the production thresholds.
func DefaultParams() Params {
	return Params{
		Warmup:           DefaultWarmup,
		VolumeWindow:     DefaultVolumeWindow,
		VolumePercentile: DefaultVolumePercentile,
		RangeWindow:      DefaultRangeWindow,
		RangePercentile:  DefaultRangePercentile,
		NATRPeriod:       DefaultNATRPeriod,
		NATRThreshold:    DefaultNATRThreshold,
		GrowthLookback:   DefaultGrowthLookback,
		GrowthMinPct:     DefaultGrowthMinPct,
	}
}

// PredicateResult carries one predicate's inputs and verdict, rounded for
// the log consumers. Rounding never feeds back into the boolean outcome.
type PredicateResult struct {
	Current   float64 `json:"current"`
	Threshold float64 `json:"threshold"`
	Passed    bool    `json:"passed"`
	Note      string  `json:"note,omitempty"`
}

// Diagnostics is the full decision record behind a signal verdict.
type Diagnostics struct {
	ValidationError string          `json:"validation_error,omitempty"`
	LowVolume       PredicateResult `json:"low_volume"`
	NarrowRange     PredicateResult `json:"narrow_range"`
	HighNATR        PredicateResult `json:"high_natr"`
	GrowthFilter    PredicateResult `json:"growth_filter"`
}

// Gated reports whether the verdict was suppressed before predicate
// evaluation (warm-up, forward-fill, malformed candle). The dispatcher
// writes no signal-log row while a symbol is gated.
func (d Diagnostics) Gated() bool {
	return d.ValidationError != ""
}

// Evaluate runs the gate-then-predicate pipeline over a symbol's bar
// window, oldest bar first, and reports whether the signal is active.
func Evaluate(bars []engtypes.Bar, p Params) (bool, Diagnostics) {
	if len(bars) < p.Warmup {
		return false, Diagnostics{ValidationError: fmt.Sprintf("Warmup: %d/%d", len(bars), p.Warmup)}
	}

	last := bars[len(bars)-1]
	if last.Volume == 0 {
		return false, Diagnostics{ValidationError: "No trades in last candle (forward-fill)"}
	}
	for i, b := range bars {
		if reason := candleShapeError(b); reason != "" {
			return false, Diagnostics{ValidationError: fmt.Sprintf("Invalid candle %d: %s", i, reason)}
		}
	}

	var diag Diagnostics

	volThreshold := percentile(volumes(tail(bars, p.VolumeWindow)), p.VolumePercentile)
	diag.LowVolume = PredicateResult{
		Current:   round(last.Volume, 2),
		Threshold: round(volThreshold, 2),
		Passed:    last.Volume <= volThreshold,
	}

	lastRange := last.High - last.Low
	rngThreshold := percentile(ranges(tail(bars, p.RangeWindow)), p.RangePercentile)
	diag.NarrowRange = PredicateResult{
		Current:   round(lastRange, 6),
		Threshold: round(rngThreshold, 6),
		Passed:    lastRange <= rngThreshold,
	}

	natr := normalizedATR(bars, p.NATRPeriod)
	diag.HighNATR = PredicateResult{
		Current:   round(natr, 3),
		Threshold: p.NATRThreshold,
		Passed:    natr > p.NATRThreshold,
	}

	if len(bars) < p.GrowthLookback+1 {
		// Too little history to measure growth; the filter stands aside
		// rather than vetoing every young symbol.
		diag.GrowthFilter = PredicateResult{
			Threshold: p.GrowthMinPct,
			Passed:    true,
			Note:      "insufficient_data",
		}
	} else {
		base := bars[len(bars)-1-p.GrowthLookback].Close
		var growth float64
		if base != 0 {
			growth = (last.Close - base) / base * 100
		}
		diag.GrowthFilter = PredicateResult{
			Current:   round(growth, 2),
			Threshold: p.GrowthMinPct,
			Passed:    growth >= p.GrowthMinPct,
		}
	}

	active := diag.LowVolume.Passed && diag.NarrowRange.Passed &&
		diag.HighNATR.Passed && diag.GrowthFilter.Passed
	return active, diag
}

func candleShapeError(b engtypes.Bar) string {
	switch {
	case b.High < b.Low:
		return "high < low"
	case b.Open < b.Low || b.Open > b.High:
		return "open outside [low, high]"
	case b.Close < b.Low || b.Close > b.High:
		return "close outside [low, high]"
	}
	return ""
}

func tail(bars []engtypes.Bar, n int) []engtypes.Bar {
	if n <= 0 || n > len(bars) {
		n = len(bars)
	}
	return bars[len(bars)-n:]
}

func volumes(bars []engtypes.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.Volume
	}
	return out
}

func ranges(bars []engtypes.Bar) []float64 {
	out := make([]float64, len(bars))
	for i, b := range bars {
		out[i] = b.High - b.Low
	}
	return out
}

// percentile computes the p-th percentile (0-100) of values using linear
// interpolation between closest ranks.
func percentile(values []float64, p float64) float64 {
	n := len(values)
	if n == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	if n == 1 {
		return sorted[0]
	}

	idx := p / 100 * float64(n-1)
	lower := int(math.Floor(idx))
	upper := int(math.Ceil(idx))
	if lower == upper {
		return sorted[lower]
	}
	frac := idx - float64(lower)
	return sorted[lower] + frac*(sorted[upper]-sorted[lower])
}

// normalizedATR smooths the true-range series with Wilder's moving average
// (alpha = 1/period, seeded at tr[0] = 0) and normalizes the final value by
// the last bar's typical price, in percent.
func normalizedATR(bars []engtypes.Bar, period int) float64 {
	if len(bars) == 0 {
		return 0
	}
	if period <= 0 {
		period = 1
	}

	var mma float64 // mma[0] = tr[0] = 0
	for i := 1; i < len(bars); i++ {
		tr := trueRange(bars[i], bars[i-1])
		mma += (tr - mma) / float64(period)
	}

	last := bars[len(bars)-1]
	typical := (last.High + last.Low + last.Close) / 3
	if typical == 0 {
		return 0
	}
	return mma / typical * 100
}

func trueRange(cur, prev engtypes.Bar) float64 {
	hl := cur.High - cur.Low
	hc := math.Abs(cur.High - prev.Close)
	lc := math.Abs(cur.Low - prev.Close)
	return math.Max(hl, math.Max(hc, lc))
}

func round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// Package bars aggregates trade ticks into fixed-width, wall-clock-aligned
// OHLCV candles and finalizes every known symbol in lock-step on a single
// global timer.
//
// Closing bars per symbol on independent timers cannot guarantee a
// strictly stepped, gap-free bar sequence across a quiet period; a single
// finalizer walking every symbol to the same boundary can, with
// forward-filled candles standing in for empty intervals.
package bars

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/epic1st/sigflow/internal/engtypes"
)

// alignBoundary floors a millisecond timestamp to the start of its barMs window.
func alignBoundary(tsMS, barMS int64) int64 {
	return (tsMS / barMS) * barMS
}

type symbolState struct {
	mu                sync.Mutex
	pendingByBoundary map[int64][]engtypes.Tick

	// firstSeenBoundary is valid only when seen is true; boundary 0 is a
	// legitimate value, so presence needs its own flag.
	firstSeenBoundary int64
	seen              bool

	// lastFinalizedBoundary is valid only when finalized is true.
	lastFinalizedBoundary int64
	finalized             bool

	lastClose float64
	hasClose  bool
}

// Aggregator owns one symbolState per symbol and emits finalized bars
// through onFinal, tagged with a monotonically increasing sequence number
// so downstream consumers can recover global ordering.
type Aggregator struct {
	barMS   int64
	onFinal func(engtypes.Bar)

	mu     sync.RWMutex
	states map[string]*symbolState

	seq uint64
}

// New creates an Aggregator. onFinal is invoked synchronously from the
// finalizer's goroutine for every finalized or forward-filled bar; callers
// that need to do slow work (store writes, log emission) should hand off to
// their own queue rather than block here.
func New(barMS int64, onFinal func(engtypes.Bar)) *Aggregator {
	return &Aggregator{
		barMS:   barMS,
		onFinal: onFinal,
		states:  make(map[string]*symbolState),
	}
}

// AddTick buckets a tick into the boundary it belongs to. Ticks whose
// boundary has already been finalized are dropped (they arrived too late to
// affect a closed bar) — the caller should log this as a DEBUG-level event,
// not treat it as fatal. Ticks with a non-positive price are dropped too,
// as a second gate behind the tick source's own validation.
func (a *Aggregator) AddTick(t engtypes.Tick) (dropped bool) {
	if t.Price <= 0 {
		return true
	}
	state := a.stateFor(t.Symbol)
	boundary := alignBoundary(t.Timestamp, a.barMS)

	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.seen {
		state.firstSeenBoundary = boundary
		state.seen = true
	}
	if state.finalized && boundary <= state.lastFinalizedBoundary {
		return true
	}
	if state.pendingByBoundary == nil {
		state.pendingByBoundary = make(map[int64][]engtypes.Tick)
	}
	state.pendingByBoundary[boundary] = append(state.pendingByBoundary[boundary], t)
	return false
}

func (a *Aggregator) stateFor(symbol string) *symbolState {
	a.mu.RLock()
	s, ok := a.states[symbol]
	a.mu.RUnlock()
	if ok {
		return s
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok = a.states[symbol]; ok {
		return s
	}
	s = &symbolState{pendingByBoundary: make(map[int64][]engtypes.Tick)}
	a.states[symbol] = s
	return s
}

// Symbols returns the set of symbols the aggregator has seen at least one
// tick for.
func (a *Aggregator) Symbols() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.states))
	for sym := range a.states {
		out = append(out, sym)
	}
	return out
}

// FirstSeenBoundary reports the boundary of the first tick ever recorded for
// a symbol, and whether the symbol has been seen at all.
func (a *Aggregator) FirstSeenBoundary(symbol string) (int64, bool) {
	a.mu.RLock()
	s, ok := a.states[symbol]
	a.mu.RUnlock()
	if !ok {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstSeenBoundary, s.seen
}

// FinalizeThrough closes every boundary up to (but not including) upTo for
// every known symbol, emitting forward-filled bars for any boundary with no
// trades. It is meant to be driven by a single global timer (Finalizer)
// so all symbols advance in lock-step and the invariant of a strictly
// stepped, gap-free bar sequence holds per symbol.
func (a *Aggregator) FinalizeThrough(upTo int64) {
	a.mu.RLock()
	symbols := make([]string, 0, len(a.states))
	states := make([]*symbolState, 0, len(a.states))
	for sym, s := range a.states {
		symbols = append(symbols, sym)
		states = append(states, s)
	}
	a.mu.RUnlock()

	for i, sym := range symbols {
		a.finalizeSymbolThrough(sym, states[i], upTo)
	}
}

func (a *Aggregator) finalizeSymbolThrough(symbol string, state *symbolState, upTo int64) {
	state.mu.Lock()
	defer state.mu.Unlock()

	if !state.seen {
		// No tick has ever arrived; there is nothing to step through.
		return
	}

	start := state.firstSeenBoundary
	if state.finalized {
		start = state.lastFinalizedBoundary + a.barMS
	}

	for b := start; b < upTo; b += a.barMS {
		ticks := state.pendingByBoundary[b]
		delete(state.pendingByBoundary, b)

		var bar engtypes.Bar
		switch {
		case len(ticks) > 0:
			bar = buildBar(symbol, b, ticks)
			state.lastClose = bar.Close
			state.hasClose = true
		case state.hasClose:
			bar = forwardFillBar(symbol, b, state.lastClose)
		default:
			// No trade has ever closed a bar; the first bar is never a
			// forward-fill, so this boundary is skipped without emitting.
			state.lastFinalizedBoundary = b
			state.finalized = true
			continue
		}

		bar.Sequence = atomic.AddUint64(&a.seq, 1)
		state.lastFinalizedBoundary = b
		state.finalized = true
		if a.onFinal != nil {
			a.onFinal(bar)
		}
	}
}

func buildBar(symbol string, boundary int64, ticks []engtypes.Tick) engtypes.Bar {
	bar := engtypes.Bar{
		Symbol:     symbol,
		BoundaryMS: boundary,
		Open:       ticks[0].Price,
		High:       ticks[0].Price,
		Low:        ticks[0].Price,
		Close:      ticks[len(ticks)-1].Price,
	}
	for _, t := range ticks {
		if t.Price > bar.High {
			bar.High = t.Price
		}
		if t.Price < bar.Low {
			bar.Low = t.Price
		}
		bar.Volume += t.Size
	}
	bar.TradeCount = len(ticks)
	return bar
}

func forwardFillBar(symbol string, boundary int64, closePrice float64) engtypes.Bar {
	return engtypes.Bar{
		Symbol:        symbol,
		BoundaryMS:    boundary,
		Open:          closePrice,
		High:          closePrice,
		Low:           closePrice,
		Close:         closePrice,
		Volume:        0,
		TradeCount:    0,
		ForwardFilled: true,
	}
}

// Finalizer drives Aggregator.FinalizeThrough on a single global ticker
// aligned to absolute wall-clock boundaries, guaranteeing every symbol is
// stepped forward in lock-step. This is the sole writer of bar finalization
// and must run as a single task (see concurrency model).
type Finalizer struct {
	agg   *Aggregator
	barMS int64
	now   func() time.Time

	// OnPanic, if set, observes a recovered finalization panic. The
	// finalizer never surrenders the process; it retries on the next
	// boundary.
	OnPanic func(recovered any)
}

// NewFinalizer builds a Finalizer for the given Aggregator.
func NewFinalizer(agg *Aggregator, barMS int64) *Finalizer {
	return &Finalizer{agg: agg, barMS: barMS, now: time.Now}
}

// Run blocks, waking up at every bar boundary until ctx is canceled.
func (f *Finalizer) Run(ctx context.Context) {
	for {
		now := f.now()
		nextBoundaryMS := alignBoundary(now.UnixMilli(), f.barMS) + f.barMS
		wait := time.Until(time.UnixMilli(nextBoundaryMS))
		if wait <= 0 {
			wait = time.Millisecond
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			f.finalize(nextBoundaryMS)
		}
	}
}

func (f *Finalizer) finalize(upTo int64) {
	defer func() {
		if r := recover(); r != nil && f.OnPanic != nil {
			f.OnPanic(r)
		}
	}()
	f.agg.FinalizeThrough(upTo)
}

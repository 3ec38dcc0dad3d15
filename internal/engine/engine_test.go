package engine

import (
	"context"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/sigflow/config"
	"github.com/epic1st/sigflow/internal/engtypes"
	"github.com/epic1st/sigflow/internal/signal"
)

func testConfig() config.EngineConfig {
	return config.EngineConfig{
		Symbols:              []string{"BTCUSDT"},
		StreamURL:            "wss://example.test",
		SymbolsPerConnection: 200,
		BarMS:                10_000,
		Warmup:               20,
		WindowMax:            100,
		DriverIntervalMS:     300,
		DedupSoftCap:         1000,
		DedupTTLMS:           60_000,
	}
}

func newTestEngine(t *testing.T, cfg config.EngineConfig, symbols []string, sink func(string, bool, signal.Diagnostics)) *Engine {
	t.Helper()
	e, err := New(cfg, symbols, Options{TransitionSink: sink})
	require.NoError(t, err)
	t.Cleanup(e.errors.Stop)
	return e
}

func TestEngine_TickToBarPath(t *testing.T) {
	e := newTestEngine(t, testConfig(), []string{"BTCUSDT"}, nil)

	// Three ticks inside [0, 10000): open=100, high=102, low=100, close=101.
	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 1000, Price: 100, Size: 1})
	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 5000, Price: 102, Size: 2})
	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 9999, Price: 101, Size: 3})
	e.agg.FinalizeThrough(10_000)

	window := e.store.Snapshot("BTCUSDT")
	require.Len(t, window, 1)
	bar := window[0]
	assert.Equal(t, int64(0), bar.BoundaryMS)
	assert.Equal(t, 100.0, bar.Open)
	assert.Equal(t, 102.0, bar.High)
	assert.Equal(t, 100.0, bar.Low)
	assert.Equal(t, 101.0, bar.Close)
	assert.Equal(t, 6.0, bar.Volume)
}

func TestEngine_DuplicateTickCountsOnce(t *testing.T) {
	e := newTestEngine(t, testConfig(), []string{"BTCUSDT"}, nil)

	tick := engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 1000, Price: 100, Size: 1}
	e.onTick(tick)
	e.onTick(tick)
	e.agg.FinalizeThrough(10_000)

	window := e.store.Snapshot("BTCUSDT")
	require.Len(t, window, 1)
	assert.Equal(t, 1.0, window[0].Volume)
}

func TestEngine_ForwardFillAfterQuietBoundary(t *testing.T) {
	e := newTestEngine(t, testConfig(), []string{"BTCUSDT"}, nil)

	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 1000, Price: 101, Size: 1})
	e.agg.FinalizeThrough(10_000)
	e.agg.FinalizeThrough(20_000)

	window := e.store.Snapshot("BTCUSDT")
	require.Len(t, window, 2)
	fill := window[1]
	assert.Equal(t, int64(10_000), fill.BoundaryMS)
	assert.True(t, fill.ForwardFilled)
	assert.Zero(t, fill.Volume)
	assert.Equal(t, 101.0, fill.Open)
	assert.Equal(t, 101.0, fill.Close)
}

func TestEngine_DriverGatesWarmupWithoutSinkRows(t *testing.T) {
	var rows int
	e := newTestEngine(t, testConfig(), []string{"BTCUSDT"}, func(string, bool, signal.Diagnostics) {
		rows++
	})

	e.startedAt = time.Now()
	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 1000, Price: 100, Size: 1})
	e.agg.FinalizeThrough(10_000)
	e.evaluateAll(context.Background())

	assert.Zero(t, rows, "warm-up verdicts must not reach the signal log")
	v, ok := e.dispatcher.LastSignal("BTCUSDT")
	require.True(t, ok)
	assert.False(t, v)
}

func TestEngine_DriverDispatchesUngatedVerdicts(t *testing.T) {
	var rows []bool
	e := newTestEngine(t, testConfig(), []string{"BTCUSDT"}, func(_ string, active bool, _ signal.Diagnostics) {
		rows = append(rows, active)
	})
	e.startedAt = time.Now()

	// A full uniform window finalized bar by bar: volume 5, range 2 around
	// price 100 activates every predicate.
	for i := 0; i < 60; i++ {
		base := int64(i) * 10_000
		e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: base + 1000, Price: 101, Size: 2})
		e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: base + 5000, Price: 99, Size: 2})
		e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: base + 9000, Price: 100, Size: 1})
		e.agg.FinalizeThrough(base + 10_000)
	}

	e.evaluateAll(context.Background())
	require.Len(t, rows, 1)
	assert.True(t, rows[0])

	// Same state on the next pass: no new transition.
	e.evaluateAll(context.Background())
	assert.Len(t, rows, 1)
}

func TestEngine_ExcludesBarlessSymbols(t *testing.T) {
	cfg := testConfig()
	cfg.Symbols = []string{"BTCUSDT", "DEADUSDT"}
	cfg.ExcludeAfterMS = 1
	e := newTestEngine(t, cfg, cfg.Symbols, nil)

	e.startedAt = time.Now().Add(-time.Second)
	e.onTick(engtypes.Tick{Symbol: "BTCUSDT", Timestamp: 1000, Price: 100, Size: 1})
	e.agg.FinalizeThrough(10_000)

	e.evaluateAll(context.Background())

	excluded := e.ExcludedSymbols()
	sort.Strings(excluded)
	assert.Equal(t, []string{"DEADUSDT"}, excluded)

	// Excluded symbols are skipped on later passes and never revived.
	e.evaluateAll(context.Background())
	assert.Len(t, e.ExcludedSymbols(), 1)
}

func TestEngine_RejectsEmptyUniverse(t *testing.T) {
	_, err := New(testConfig(), nil, Options{})
	assert.Error(t, err)
}

// Package engine wires the tick source, deduplicator, bar aggregator,
// bar store, signal evaluator, and dispatcher into the running pipeline,
// and owns the driver loop that walks the symbol universe.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/epic1st/sigflow/config"
	"github.com/epic1st/sigflow/internal/bars"
	"github.com/epic1st/sigflow/internal/barstore"
	"github.com/epic1st/sigflow/internal/dedup"
	"github.com/epic1st/sigflow/internal/dispatch"
	"github.com/epic1st/sigflow/internal/engtypes"
	"github.com/epic1st/sigflow/internal/monitoring"
	"github.com/epic1st/sigflow/internal/signal"
	"github.com/epic1st/sigflow/internal/ticksource"
	"github.com/epic1st/sigflow/logging"
)

// DefaultExcludeAfter is how long a symbol may stay barless before the
// driver stops evaluating it.
const DefaultExcludeAfter = 600 * time.Second

// Options carries the collaborators the composition root injects.
type Options struct {
	Logger *logging.Logger
	// Mirror, if set, receives a best-effort copy of every finalized bar
	// (e.g. barstore.RedisMirror). May be nil.
	Mirror barstore.Mirror
	// BarLog, if set, is the async writer behind the finalized-bar log
	// file. May be nil.
	BarLog *BarLogWriter
	// TransitionSink receives ungated signal transitions for the signal
	// log file. May be nil.
	TransitionSink dispatch.TransitionSink
}

// Engine owns every pipeline component and their tasks.
type Engine struct {
	cfg    config.EngineConfig
	params signal.Params
	logger *logging.Logger
	errors *logging.ErrorTracker

	symbols    []string
	source     *ticksource.Source
	dedup      *dedup.Deduplicator
	agg        *bars.Aggregator
	finalizer  *bars.Finalizer
	store      *barstore.Store
	dispatcher *dispatch.Dispatcher
	barLog     *BarLogWriter

	excludeAfter time.Duration
	startedAt    time.Time

	mu       sync.Mutex
	excluded map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds an Engine over a fixed symbol universe. The universe comes
// from discovery (or config) and never changes while the engine runs.
func New(cfg config.EngineConfig, symbols []string, opts Options) (*Engine, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("engine: empty symbol universe")
	}

	logger := opts.Logger
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}

	params := signal.DefaultParams()
	if cfg.Warmup > 0 {
		params.Warmup = cfg.Warmup
	}

	excludeAfter := time.Duration(cfg.ExcludeAfterMS) * time.Millisecond
	if excludeAfter <= 0 {
		excludeAfter = DefaultExcludeAfter
	}

	e := &Engine{
		cfg:          cfg,
		params:       params,
		logger:       logger,
		errors:       logging.NewErrorTracker(),
		symbols:      symbols,
		barLog:       opts.BarLog,
		excludeAfter: excludeAfter,
		excluded:     make(map[string]bool),
	}

	e.store = barstore.New(cfg.WindowMax, opts.Mirror)
	e.agg = bars.New(cfg.BarMS, e.onBarFinalized)
	e.finalizer = bars.NewFinalizer(e.agg, cfg.BarMS)
	e.finalizer.OnPanic = func(recovered any) {
		err := fmt.Errorf("finalizer panic: %v", recovered)
		e.logger.Error("finalizer recovered, retrying next boundary", err,
			logging.Component("finalizer"))
		e.errors.Track(logging.FailureFinalizer, err)
	}
	e.dedup = dedup.New(cfg.DedupSoftCap, time.Duration(cfg.DedupTTLMS)*time.Millisecond)
	e.dispatcher = dispatch.New(cfg.StrategyNames, cfg.Endpoints, logger, opts.TransitionSink)

	source, err := ticksource.New(ticksource.Config{
		URL:                  cfg.StreamURL,
		SymbolsPerConnection: cfg.SymbolsPerConnection,
		SpikeThresholdPct:    cfg.SpikeThresholdPct,
	}, symbols, e.onTick, logger)
	if err != nil {
		return nil, err
	}
	e.source = source

	return e, nil
}

// Start spawns every task: the stream connections, the finalizer, the bar
// log writer, and the driver loop. It returns immediately.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = time.Now()

	e.logger.Info("engine starting",
		logging.Component("engine"),
		logging.Int("symbols", len(e.symbols)),
		logging.Int64("bar_ms", e.cfg.BarMS),
		logging.Int("warmup", e.params.Warmup))

	e.source.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.finalizer.Run(ctx)
	}()

	if e.barLog != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.barLog.Run(ctx)
		}()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.driverLoop(ctx)
	}()
}

// Stop cancels every task and blocks until they have exited. The bar log
// writer drains its queue before returning.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.source.Wait()
	e.errors.Stop()
	e.logger.Info("engine stopped", logging.Component("engine"))
}

// onTick is the delivery path from the tick source: dedup, then bucket.
// Validation (price > 0, parseability) already happened at the source
// boundary.
func (e *Engine) onTick(t engtypes.Tick) {
	if e.dedup.Seen(t) {
		monitoring.RecordTickDropped("duplicate")
		return
	}
	if dropped := e.agg.AddTick(t); dropped {
		monitoring.RecordTickDropped("late")
		e.logger.Debug("late tick dropped",
			logging.Component("engine"),
			logging.Symbol(t.Symbol),
			logging.Int64("timestamp", t.Timestamp))
	}
}

// onBarFinalized runs on the finalizer task for every emitted bar, in
// sequence order. Slow work is handed to the async bar log queue.
func (e *Engine) onBarFinalized(bar engtypes.Bar) {
	e.store.Append(context.Background(), bar)
	monitoring.RecordBarFinalized(bar.ForwardFilled)
	if e.barLog != nil {
		e.barLog.Enqueue(bar)
	}
}

// driverLoop walks the universe at a fixed cadence, evaluating the signal
// and handing verdicts to the dispatcher.
func (e *Engine) driverLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.DriverIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.evaluateAll(ctx)
		}
	}
}

// evaluateAll runs one driver pass over the universe.
func (e *Engine) evaluateAll(ctx context.Context) {
	for _, sym := range e.symbols {
		if e.isExcluded(sym) {
			continue
		}

		window := e.store.Snapshot(sym)
		if len(window) == 0 {
			if time.Since(e.startedAt) > e.excludeAfter {
				e.exclude(sym)
			}
			continue
		}

		active, diag := signal.Evaluate(window, e.params)
		e.dispatcher.Dispatch(ctx, sym, active, diag)
	}
}

func (e *Engine) isExcluded(symbol string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.excluded[symbol]
}

// exclude drops a permanently inactive symbol from the driver loop. Logged
// once, not on every pass.
func (e *Engine) exclude(symbol string) {
	e.mu.Lock()
	e.excluded[symbol] = true
	n := len(e.excluded)
	e.mu.Unlock()

	monitoring.SetExcludedSymbols(n)
	e.logger.Warn("excluding symbol: no bars produced",
		logging.Component("engine"),
		logging.Symbol(symbol),
		logging.Float64("after_seconds", e.excludeAfter.Seconds()))
}

// ExcludedSymbols reports which symbols the driver has stopped evaluating.
func (e *Engine) ExcludedSymbols() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.excluded))
	for sym := range e.excluded {
		out = append(out, sym)
	}
	return out
}

// RegisterHealthChecks wires the engine's components into the health
// endpoint.
func (e *Engine) RegisterHealthChecks(hc *monitoring.HealthChecker) {
	hc.RegisterCheck("stream", func() monitoring.ComponentHealth {
		connected := e.source.Connected()
		status := monitoring.StatusHealthy
		message := "stream connections established"
		if connected == 0 {
			status = monitoring.StatusUnhealthy
			message = "no live stream connections"
		}
		return monitoring.ComponentHealth{
			Status:      status,
			Message:     message,
			LastChecked: time.Now(),
			Metadata:    map[string]interface{}{"connections": connected},
		}
	})

	hc.RegisterCheck("universe", func() monitoring.ComponentHealth {
		excluded := e.ExcludedSymbols()
		status := monitoring.StatusHealthy
		if len(excluded) == len(e.symbols) {
			status = monitoring.StatusUnhealthy
		} else if len(excluded) > 0 {
			status = monitoring.StatusDegraded
		}
		return monitoring.ComponentHealth{
			Status:      status,
			LastChecked: time.Now(),
			Metadata: map[string]interface{}{
				"symbols":  len(e.symbols),
				"excluded": excluded,
			},
		}
	})

	hc.RegisterCheck("memory", monitoring.MemoryHealthCheck(90))
}

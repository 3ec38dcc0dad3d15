// Package dispatch notifies strategy endpoints when a symbol's signal
// state changes. Delivery is best-effort: a fixed number of attempts per
// endpoint, then the post is abandoned.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/epic1st/sigflow/internal/monitoring"
	"github.com/epic1st/sigflow/internal/signal"
	"github.com/epic1st/sigflow/logging"
)

const (
	// DefaultPauseBetweenPosts separates consecutive strategy POSTs so a
	// burst of symbols changing state in the same driver tick doesn't
	// hammer every endpoint at once.
	DefaultPauseBetweenPosts = 100 * time.Millisecond
	DefaultRetryPause        = 2 * time.Second
	DefaultMaxAttempts       = 3
	DefaultHTTPTimeout       = 30 * time.Second

	strategyPort = 3001
	strategyPath = "/update_settings"
)

type settingsPayload struct {
	StrategyName string         `json:"strategy_name"`
	Symbol       string         `json:"symbol"`
	Settings     signalSettings `json:"settings"`
}

type signalSettings struct {
	SignalActive bool `json:"signal_active"`
}

// TransitionSink receives one record per ungated signal-state change, in
// driver order. The engine backs it with the signal log file.
type TransitionSink func(symbol string, active bool, diag signal.Diagnostics)

// Dispatcher tracks each symbol's last evaluated signal state, records
// ungated transitions to the signal log, and POSTs a settings update to
// every (strategy, host) pair when a symbol turns active.
type Dispatcher struct {
	strategyNames     []string
	hosts             []string
	client            *http.Client
	port              int
	pauseBetweenPosts time.Duration
	retryPause        time.Duration
	maxAttempts       int
	logger            *logging.Logger
	onTransition      TransitionSink

	mu         sync.Mutex
	lastSignal map[string]bool
}

// New creates a Dispatcher for the configured strategy names and endpoint
// hosts. Every activation POSTs the full cross product: each strategy name
// to each host. onTransition may be nil.
func New(strategyNames, hosts []string, logger *logging.Logger, onTransition TransitionSink) *Dispatcher {
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &Dispatcher{
		strategyNames:     strategyNames,
		hosts:             hosts,
		client:            &http.Client{Timeout: DefaultHTTPTimeout},
		port:              strategyPort,
		pauseBetweenPosts: DefaultPauseBetweenPosts,
		retryPause:        DefaultRetryPause,
		maxAttempts:       DefaultMaxAttempts,
		logger:            logger,
		onTransition:      onTransition,
		lastSignal:        make(map[string]bool),
	}
}

// Dispatch records a symbol's evaluated signal state and, on a state
// change, writes the transition to the signal log and fires strategy
// notifications when the new state is active. Gated verdicts (warm-up,
// forward-fill, malformed candle) update the memo but never produce a log
// row or a POST.
func (d *Dispatcher) Dispatch(ctx context.Context, symbol string, active bool, diag signal.Diagnostics) {
	d.mu.Lock()
	prev, known := d.lastSignal[symbol]
	d.lastSignal[symbol] = active
	d.mu.Unlock()

	if known && prev == active {
		return
	}
	if diag.Gated() {
		return
	}

	monitoring.RecordSignalTransition(active)
	if d.onTransition != nil {
		d.onTransition(symbol, active, diag)
	}
	if !active {
		return
	}

	d.logger.Info("signal activated", logging.Symbol(symbol))
	for _, name := range d.strategyNames {
		for _, host := range d.hosts {
			d.postWithRetry(ctx, name, host, symbol)
			time.Sleep(d.pauseBetweenPosts)
		}
	}
}

func (d *Dispatcher) postWithRetry(ctx context.Context, strategyName, host, symbol string) {
	body, err := json.Marshal(settingsPayload{
		StrategyName: strategyName,
		Symbol:       symbol,
		Settings:     signalSettings{SignalActive: true},
	})
	if err != nil {
		d.logger.Error("failed to marshal settings payload", err, logging.Symbol(symbol))
		return
	}

	url := fmt.Sprintf("http://%s:%d%s", host, d.port, strategyPath)

	for attempt := 1; attempt <= d.maxAttempts; attempt++ {
		err = d.post(ctx, url, body)
		monitoring.RecordStrategyPost(err == nil)
		if err == nil {
			return
		}

		if attempt == d.maxAttempts {
			d.logger.Warn("giving up on strategy notification", logging.Symbol(symbol),
				logging.String("strategy", strategyName),
				logging.String("endpoint", host),
				logging.Int("attempts", attempt),
				logging.String("last_error", err.Error()))
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryPause):
		}
	}
}

func (d *Dispatcher) post(ctx context.Context, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()

	// Any non-2xx counts as a transport failure.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("strategy endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// LastSignal reports the last recorded state for a symbol, for tests and
// health reporting.
func (d *Dispatcher) LastSignal(symbol string) (bool, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	v, ok := d.lastSignal[symbol]
	return v, ok
}

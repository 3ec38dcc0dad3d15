// Package monitoring exposes the engine's Prometheus metrics and health
// probes.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Tick path metrics
	ticksReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_received_total",
			Help: "Total validated ticks received from the exchange stream",
		},
		[]string{"symbol"},
	)

	ticksDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_ticks_dropped_total",
			Help: "Total ticks dropped by reason (parse_error, invalid_price, duplicate, late)",
		},
		[]string{"reason"},
	)

	outOfOrderTicks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_out_of_order_ticks_total",
			Help: "Ticks whose exchange timestamp regressed within a symbol (still processed)",
		},
	)

	abnormalSpikes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_abnormal_price_spikes_total",
			Help: "Ticks whose price jumped beyond the sanity threshold (still processed)",
		},
	)

	// Bar path metrics
	barsFinalized = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_bars_finalized_total",
			Help: "Total bars finalized by kind (trade, forward_fill)",
		},
		[]string{"kind"},
	)

	// Signal path metrics
	signalTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_signal_transitions_total",
			Help: "Total signal state changes by new state",
		},
		[]string{"state"},
	)

	strategyPosts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_strategy_posts_total",
			Help: "Strategy endpoint POST outcomes",
		},
		[]string{"outcome"},
	)

	// Transport metrics
	streamConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_stream_connections",
			Help: "Currently established exchange stream connections",
		},
	)

	streamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_stream_reconnects_total",
			Help: "Total reconnect attempts across all stream connections",
		},
	)

	excludedSymbols = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_excluded_symbols",
			Help: "Symbols excluded from the driver loop for producing no bars",
		},
	)
)

// Handler returns the HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordTickReceived counts a validated tick handed to the aggregator.
func RecordTickReceived(symbol string) {
	ticksReceived.WithLabelValues(symbol).Inc()
}

// RecordTickDropped counts a dropped tick by reason.
func RecordTickDropped(reason string) {
	ticksDropped.WithLabelValues(reason).Inc()
}

// RecordOutOfOrderTick counts a tick that arrived with a regressed timestamp.
func RecordOutOfOrderTick() {
	outOfOrderTicks.Inc()
}

// RecordAbnormalSpike counts a tick flagged by the price sanity check.
func RecordAbnormalSpike() {
	abnormalSpikes.Inc()
}

// RecordBarFinalized counts a finalized bar.
func RecordBarFinalized(forwardFill bool) {
	kind := "trade"
	if forwardFill {
		kind = "forward_fill"
	}
	barsFinalized.WithLabelValues(kind).Inc()
}

// RecordSignalTransition counts a signal state change.
func RecordSignalTransition(active bool) {
	state := "inactive"
	if active {
		state = "active"
	}
	signalTransitions.WithLabelValues(state).Inc()
}

// RecordStrategyPost counts one POST outcome against a strategy endpoint.
func RecordStrategyPost(success bool) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	strategyPosts.WithLabelValues(outcome).Inc()
}

// SetStreamConnections sets the current live connection count.
func SetStreamConnections(n int) {
	streamConnections.Set(float64(n))
}

// RecordStreamReconnect counts a reconnect attempt.
func RecordStreamReconnect() {
	streamReconnects.Inc()
}

// SetExcludedSymbols sets the current excluded symbol count.
func SetExcludedSymbols(n int) {
	excludedSymbols.Set(float64(n))
}

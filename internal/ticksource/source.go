// Package ticksource maintains the exchange stream connections and feeds
// validated trade ticks into the engine.
//
// Symbols are partitioned into fixed groups at startup; each group is
// served by one long-lived combined-stream websocket connection that
// subscribes by URL, reconnects with a stepped backoff on any failure, and
// never sends client-initiated pings (the server keeps the connection
// alive).
package ticksource

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/epic1st/sigflow/internal/engtypes"
	"github.com/epic1st/sigflow/internal/monitoring"
	"github.com/epic1st/sigflow/logging"
)

const (
	// DefaultSymbolsPerConnection caps how many trade streams one
	// connection multiplexes.
	DefaultSymbolsPerConnection = 200
	// DefaultReadTimeout reconnects a connection that has gone silent.
	DefaultReadTimeout = 300 * time.Second
	// DefaultHandshakeTimeout bounds the websocket dial.
	DefaultHandshakeTimeout = 10 * time.Second
	// DefaultSpikeThresholdPct flags (without rejecting) ticks whose price
	// moved more than this percentage from the last tick.
	DefaultSpikeThresholdPct = 10.0

	// Exchange encodings wider than milliseconds (microseconds) exceed
	// this and are scaled down.
	maxMillisTimestamp = 1e15
)

// Handler receives every validated tick. It may block briefly on the
// per-symbol aggregator lock; it must never block on one symbol in a way
// that starves the connection's other symbols for long.
type Handler func(engtypes.Tick)

// Config holds the transport settings for a Source.
type Config struct {
	// URL is the combined-stream base, e.g. "wss://fstream.binance.com".
	URL                  string
	SymbolsPerConnection int
	ReadTimeout          time.Duration
	HandshakeTimeout     time.Duration
	SpikeThresholdPct    float64
}

func (c *Config) applyDefaults() {
	if c.SymbolsPerConnection <= 0 {
		c.SymbolsPerConnection = DefaultSymbolsPerConnection
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = DefaultReadTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.SpikeThresholdPct <= 0 {
		c.SpikeThresholdPct = DefaultSpikeThresholdPct
	}
}

// streamMessage wraps a combined-stream frame.
type streamMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

// tradeEvent is the exchange's trade payload.
type tradeEvent struct {
	TradeTime    int64  `json:"T"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	IsBuyerMaker bool   `json:"m"`
}

// Source owns the exchange connections for a fixed symbol universe.
type Source struct {
	cfg     Config
	symbols []string
	handler Handler
	logger  *logging.Logger

	mu        sync.Mutex
	lastTS    map[string]int64
	lastPrice map[string]float64
	connected int

	wg sync.WaitGroup
}

// New creates a Source for the given symbol universe. The universe is
// fixed: symbols are never added or removed after construction.
func New(cfg Config, symbols []string, handler Handler, logger *logging.Logger) (*Source, error) {
	if len(symbols) == 0 {
		return nil, fmt.Errorf("ticksource: empty symbol set")
	}
	if handler == nil {
		return nil, fmt.Errorf("ticksource: nil handler")
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("ticksource: missing stream URL")
	}
	cfg.applyDefaults()
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}

	return &Source{
		cfg:       cfg,
		symbols:   symbols,
		handler:   handler,
		logger:    logger,
		lastTS:    make(map[string]int64),
		lastPrice: make(map[string]float64),
	}, nil
}

// Start spawns one connection task per symbol group and returns. The tasks
// run until ctx is canceled.
func (s *Source) Start(ctx context.Context) {
	groups := partition(s.symbols, s.cfg.SymbolsPerConnection)
	s.logger.Info("starting stream connections",
		logging.Component("ticksource"),
		logging.Int("symbols", len(s.symbols)),
		logging.Int("connections", len(groups)))

	for i, group := range groups {
		s.wg.Add(1)
		go func(id int, group []string) {
			defer s.wg.Done()
			s.runConnection(ctx, id, group)
		}(i, group)
	}
}

// Wait blocks until every connection task has exited.
func (s *Source) Wait() {
	s.wg.Wait()
}

// Connected reports how many connections are currently established.
func (s *Source) Connected() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// partition splits symbols into ceil(len/size) disjoint groups, preserving
// order.
func partition(symbols []string, size int) [][]string {
	n := int(math.Ceil(float64(len(symbols)) / float64(size)))
	groups := make([][]string, 0, n)
	for start := 0; start < len(symbols); start += size {
		end := start + size
		if end > len(symbols) {
			end = len(symbols)
		}
		groups = append(groups, symbols[start:end])
	}
	return groups
}

// streamURL builds the combined-stream URL that subscribes every symbol in
// the group to its trade channel.
func streamURL(base string, group []string) string {
	streams := make([]string, len(group))
	for i, sym := range group {
		streams[i] = strings.ToLower(sym) + "@trade"
	}
	return strings.TrimSuffix(base, "/") + "/stream?streams=" + strings.Join(streams, "/")
}

// runConnection is the per-connection state machine: dial, read until
// error or timeout, back off, repeat. It exits only on ctx cancellation.
func (s *Source) runConnection(ctx context.Context, id int, group []string) {
	url := streamURL(s.cfg.URL, group)
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}

		conn, err := s.dial(ctx, url)
		if err != nil {
			failures++
			monitoring.RecordStreamReconnect()
			s.logger.Warn("stream dial failed",
				logging.Component("ticksource"),
				logging.Int("connection", id),
				logging.Int("consecutive_failures", failures),
				logging.String("error", err.Error()))
			if !sleepCtx(ctx, backoffFor(failures)) {
				return
			}
			continue
		}

		// Subscription happens via the URL, so an established handshake
		// means we are subscribed; the failure streak resets here.
		failures = 0
		s.setConnected(+1)
		s.logger.Info("stream connected",
			logging.Component("ticksource"),
			logging.Int("connection", id),
			logging.Int("streams", len(group)))

		err = s.readLoop(ctx, conn)
		conn.Close()
		s.setConnected(-1)

		if ctx.Err() != nil {
			return
		}

		failures++
		monitoring.RecordStreamReconnect()
		s.logger.Warn("stream disconnected",
			logging.Component("ticksource"),
			logging.Int("connection", id),
			logging.String("error", err.Error()))
		if !sleepCtx(ctx, backoffFor(failures)) {
			return
		}
	}
}

func (s *Source) dial(ctx context.Context, url string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: s.cfg.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	return conn, err
}

// readLoop pulls frames until a read error or timeout. There is no client
// keepalive: the deadline is pushed forward on every inbound message and
// the server's pings (answered automatically) count as traffic.
func (s *Source) readLoop(ctx context.Context, conn *websocket.Conn) error {
	conn.SetPingHandler(func(appData string) error {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(time.Second))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return err
		}
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		s.handleMessage(message)
	}
}

// handleMessage parses one combined-stream frame. Anything malformed is
// dropped with no state change.
func (s *Source) handleMessage(message []byte) {
	var frame streamMessage
	if err := json.Unmarshal(message, &frame); err != nil {
		monitoring.RecordTickDropped("parse_error")
		return
	}

	symbol, ok := symbolFromStream(frame.Stream)
	if !ok {
		monitoring.RecordTickDropped("parse_error")
		return
	}

	var trade tradeEvent
	if err := json.Unmarshal(frame.Data, &trade); err != nil {
		monitoring.RecordTickDropped("parse_error")
		return
	}

	price, err := strconv.ParseFloat(trade.Price, 64)
	if err != nil {
		monitoring.RecordTickDropped("parse_error")
		return
	}
	size, err := strconv.ParseFloat(trade.Quantity, 64)
	if err != nil {
		monitoring.RecordTickDropped("parse_error")
		return
	}
	if price <= 0 {
		monitoring.RecordTickDropped("invalid_price")
		s.logger.Debug("dropping non-positive price tick",
			logging.Component("ticksource"), logging.Symbol(symbol))
		return
	}

	ts := trade.TradeTime
	if ts <= 0 {
		monitoring.RecordTickDropped("parse_error")
		return
	}
	// Some exchange encodings carry microseconds; scale down to ms.
	if float64(ts) > maxMillisTimestamp {
		ts /= 1000
	}

	side := "buy"
	if trade.IsBuyerMaker {
		side = "sell"
	}

	tick := engtypes.Tick{
		Symbol:    symbol,
		Price:     price,
		Size:      size,
		Side:      side,
		Timestamp: ts,
	}

	s.observe(tick)
	monitoring.RecordTickReceived(symbol)
	s.handler(tick)
}

// observe runs the non-blocking telemetry checks: out-of-order timestamps
// and abnormal price spikes. Both are flagged and the tick is still
// processed.
func (s *Source) observe(t engtypes.Tick) {
	s.mu.Lock()
	lastTS, seenTS := s.lastTS[t.Symbol]
	lastPrice, seenPrice := s.lastPrice[t.Symbol]
	s.lastTS[t.Symbol] = t.Timestamp
	s.lastPrice[t.Symbol] = t.Price
	s.mu.Unlock()

	if seenTS && t.Timestamp < lastTS {
		monitoring.RecordOutOfOrderTick()
		s.logger.Debug("out-of-order tick",
			logging.Component("ticksource"), logging.Symbol(t.Symbol),
			logging.Int64("timestamp", t.Timestamp),
			logging.Int64("last_timestamp", lastTS))
	}

	if seenPrice && lastPrice > 0 {
		change := math.Abs(t.Price-lastPrice) / lastPrice * 100
		if change > s.cfg.SpikeThresholdPct {
			monitoring.RecordAbnormalSpike()
			s.logger.Debug("abnormal price spike",
				logging.Component("ticksource"), logging.Symbol(t.Symbol),
				logging.Float64("last_price", lastPrice),
				logging.Float64("price", t.Price),
				logging.Float64("change_pct", change))
		}
	}
}

func symbolFromStream(stream string) (string, bool) {
	name, suffixed := strings.CutSuffix(stream, "@trade")
	if !suffixed || name == "" {
		return "", false
	}
	return strings.ToUpper(name), true
}

func (s *Source) setConnected(delta int) {
	s.mu.Lock()
	s.connected += delta
	n := s.connected
	s.mu.Unlock()
	monitoring.SetStreamConnections(n)
}

// backoffFor maps a consecutive-failure count to the reconnect delay.
func backoffFor(failures int) time.Duration {
	switch {
	case failures <= 1:
		return 5 * time.Second
	case failures <= 3:
		return 10 * time.Second
	case failures <= 5:
		return 30 * time.Second
	default:
		return 60 * time.Second
	}
}

// sleepCtx sleeps for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

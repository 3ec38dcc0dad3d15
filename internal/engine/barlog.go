package engine

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/epic1st/sigflow/internal/engtypes"
	"github.com/epic1st/sigflow/logging"
)

// DefaultBarLogBuffer sizes the bar log queue. The finalizer enqueues and
// never blocks; a full queue drops the record instead of stalling bar
// emission.
const DefaultBarLogBuffer = 4096

// barRecord is one line of the finalized-bar log file.
type barRecord struct {
	Timestamp  time.Time  `json:"timestamp"`
	Coin       string     `json:"coin"`
	CandleData candleData `json:"candle_data"`
}

type candleData struct {
	TimestampMS   int64   `json:"timestamp_ms"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	Volume        float64 `json:"volume"`
	TradeCount    int     `json:"trade_count"`
	ForwardFilled bool    `json:"forward_filled"`
	Sequence      uint64  `json:"sequence"`
}

// BarLogWriter drains an async queue of finalized bars and writes them as
// newline-delimited JSON. A single consumer preserves the global sequence
// order the finalizer assigned.
type BarLogWriter struct {
	ch     chan engtypes.Bar
	out    io.Writer
	logger *logging.Logger
}

// NewBarLogWriter creates a writer over out (typically a
// logging.RotatingFileWriter).
func NewBarLogWriter(out io.Writer, buffer int, logger *logging.Logger) *BarLogWriter {
	if buffer <= 0 {
		buffer = DefaultBarLogBuffer
	}
	if logger == nil {
		logger = logging.NewLogger(logging.INFO)
	}
	return &BarLogWriter{
		ch:     make(chan engtypes.Bar, buffer),
		out:    out,
		logger: logger,
	}
}

// Enqueue hands a bar to the writer without blocking the finalizer.
func (w *BarLogWriter) Enqueue(bar engtypes.Bar) {
	select {
	case w.ch <- bar:
	default:
		w.logger.Warn("bar log queue full, dropping record",
			logging.Component("barlog"), logging.Symbol(bar.Symbol))
	}
}

// Run consumes the queue until ctx is canceled, then drains whatever is
// left and exits.
func (w *BarLogWriter) Run(ctx context.Context) {
	for {
		select {
		case bar := <-w.ch:
			w.write(bar)
		case <-ctx.Done():
			for {
				select {
				case bar := <-w.ch:
					w.write(bar)
				default:
					return
				}
			}
		}
	}
}

func (w *BarLogWriter) write(bar engtypes.Bar) {
	record := barRecord{
		Timestamp: time.Now().UTC(),
		Coin:      bar.Symbol,
		CandleData: candleData{
			TimestampMS:   bar.BoundaryMS,
			Open:          bar.Open,
			High:          bar.High,
			Low:           bar.Low,
			Close:         bar.Close,
			Volume:        bar.Volume,
			TradeCount:    bar.TradeCount,
			ForwardFilled: bar.ForwardFilled,
			Sequence:      bar.Sequence,
		},
	}

	data, err := json.Marshal(record)
	if err != nil {
		w.logger.Error("failed to marshal bar record", err, logging.Symbol(bar.Symbol))
		return
	}
	data = append(data, '\n')
	if _, err := w.out.Write(data); err != nil {
		w.logger.Error("failed to write bar record", err, logging.Symbol(bar.Symbol))
	}
}

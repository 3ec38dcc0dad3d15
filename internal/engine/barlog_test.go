package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epic1st/sigflow/internal/engtypes"
)

func TestBarLogWriter_DrainsInSequenceOrderOnShutdown(t *testing.T) {
	var buf bytes.Buffer
	w := NewBarLogWriter(&buf, 16, nil)

	ctx, cancel := context.WithCancel(context.Background())
	for i := 1; i <= 5; i++ {
		w.Enqueue(engtypes.Bar{
			Symbol:     "BTCUSDT",
			BoundaryMS: int64(i) * 10_000,
			Open:       100, High: 101, Low: 99, Close: 100,
			Volume:   5,
			Sequence: uint64(i),
		})
	}
	cancel()

	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("bar log writer did not drain and exit")
	}

	var records []barRecord
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		var rec barRecord
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &rec))
		records = append(records, rec)
	}
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, "BTCUSDT", rec.Coin)
		assert.Equal(t, uint64(i+1), rec.CandleData.Sequence)
		assert.Equal(t, int64(i+1)*10_000, rec.CandleData.TimestampMS)
	}
}

func TestBarLogWriter_FullQueueDropsInsteadOfBlocking(t *testing.T) {
	var buf bytes.Buffer
	w := NewBarLogWriter(&buf, 1, nil)

	done := make(chan struct{})
	go func() {
		w.Enqueue(engtypes.Bar{Symbol: "BTCUSDT", Sequence: 1})
		w.Enqueue(engtypes.Bar{Symbol: "BTCUSDT", Sequence: 2}) // dropped
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full queue")
	}
}

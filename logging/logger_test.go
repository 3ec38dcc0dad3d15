package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeEntries(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	scanner := bufio.NewScanner(buf)
	for scanner.Scan() {
		var e LogEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &e))
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(WARN, &buf)

	l.Debug("tick bucketed")
	l.Info("bar finalized")
	l.Warn("stream disconnected")
	l.Error("dial failed", errors.New("connection refused"))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 2)
	assert.Equal(t, "WARN", entries[0].Level)
	assert.Equal(t, "ERROR", entries[1].Level)
	assert.Equal(t, "connection refused", entries[1].Error)
	assert.NotEmpty(t, entries[1].StackTrace)
}

func TestLogger_EngineFieldVocabulary(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(INFO, &buf)

	l.Info("signal state changed",
		Component("signal"),
		Symbol("BTCUSDT"),
		RunID("run-1"),
		Bool("signal_active", true),
		Int64("boundary_ms", 1_700_000_000_000),
		Float64("close", 42000.5))

	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "signal", e.Component)
	assert.Equal(t, "BTCUSDT", e.Symbol)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, true, e.Extra["signal_active"])
	assert.Equal(t, 42000.5, e.Extra["close"])
}

type recordingHook struct {
	levels  []LogLevel
	entries []LogEntry
}

func (h *recordingHook) Fire(entry *LogEntry) error {
	h.entries = append(h.entries, *entry)
	return nil
}

func (h *recordingHook) Levels() []LogLevel { return h.levels }

func TestLogger_HooksSeeOnlyTheirLevels(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(DEBUG, &buf)
	hook := &recordingHook{levels: []LogLevel{WARN, ERROR}}
	l.AddHook(hook)

	l.Debug("noise")
	l.Info("routine")
	l.Warn("stream disconnected")

	require.Len(t, hook.entries, 1)
	assert.Equal(t, "stream disconnected", hook.entries[0].Message)
}

func TestFileSink_RoutesByComponent(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink("signal", INFO, RotationConfig{Filename: dir + "/signals.log"})
	require.NoError(t, err)
	defer sink.Close()

	require.NoError(t, sink.Fire(&LogEntry{Level: "INFO", Message: "in", Component: "signal"}))
	require.NoError(t, sink.Fire(&LogEntry{Level: "INFO", Message: "out", Component: "engine"}))

	var buf bytes.Buffer
	data, err := os.ReadFile(dir + "/signals.log")
	require.NoError(t, err)
	buf.Write(data)
	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "in", entries[0].Message)
}

func TestFileSink_CatchAllWithExclusions(t *testing.T) {
	dir := t.TempDir()
	sink, err := NewFileSink("", INFO, RotationConfig{Filename: dir + "/system.log"})
	require.NoError(t, err)
	defer sink.Close()
	sink.ExcludeComponents("signal")

	require.NoError(t, sink.Fire(&LogEntry{Level: "INFO", Message: "kept", Component: "engine"}))
	require.NoError(t, sink.Fire(&LogEntry{Level: "INFO", Message: "routed elsewhere", Component: "signal"}))

	var buf bytes.Buffer
	data, err := os.ReadFile(dir + "/system.log")
	require.NoError(t, err)
	buf.Write(data)
	entries := decodeEntries(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0].Message)
}

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestWriter(t *testing.T, maxBytes int64, maxBackups int) *RotatingFileWriter {
	t.Helper()
	w, err := NewRotatingFileWriter(RotationConfig{
		Filename:   filepath.Join(t.TempDir(), "bars.log"),
		MaxBackups: maxBackups,
	})
	require.NoError(t, err)
	w.maxSize = maxBytes
	t.Cleanup(func() { w.Close() })
	return w
}

func TestRotatingFileWriter_AppendsWithoutRotation(t *testing.T) {
	w := newTestWriter(t, 1024, 3)

	_, err := w.Write([]byte("{\"coin\":\"BTCUSDT\"}\n"))
	require.NoError(t, err)
	_, err = w.Write([]byte("{\"coin\":\"ETHUSDT\"}\n"))
	require.NoError(t, err)

	data, err := os.ReadFile(w.filename)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "\n"))
	assert.Empty(t, w.Backups())
}

func TestRotatingFileWriter_RotatesWhenFull(t *testing.T) {
	w := newTestWriter(t, 32, 3)

	line := []byte("{\"coin\":\"BTCUSDT\",\"seq\":1}\n")
	_, err := w.Write(line)
	require.NoError(t, err)
	_, err = w.Write(line) // would exceed maxSize: rotates first
	require.NoError(t, err)

	backups := w.Backups()
	require.Len(t, backups, 1)

	backupData, err := os.ReadFile(backups[0])
	require.NoError(t, err)
	assert.Equal(t, string(line), string(backupData))

	current, err := os.ReadFile(w.filename)
	require.NoError(t, err)
	assert.Equal(t, string(line), string(current))
}

func TestRotatingFileWriter_PrunesOldestBackups(t *testing.T) {
	w := newTestWriter(t, 8, 2)

	for i := 0; i < 6; i++ {
		_, err := w.Write([]byte("0123456789\n"))
		require.NoError(t, err)
	}

	assert.LessOrEqual(t, len(w.Backups()), 2)
}

func TestRotatingFileWriter_ResumesExistingFileSize(t *testing.T) {
	dir := t.TempDir()
	name := filepath.Join(dir, "system.log")
	require.NoError(t, os.WriteFile(name, []byte("existing\n"), 0644))

	w, err := NewRotatingFileWriter(RotationConfig{Filename: name})
	require.NoError(t, err)
	defer w.Close()

	assert.Equal(t, int64(9), w.currentSize)
}

func TestRotatingFileWriter_CreatesMissingDirectory(t *testing.T) {
	name := filepath.Join(t.TempDir(), "logs", "nested", "signals.log")
	w, err := NewRotatingFileWriter(RotationConfig{Filename: name})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Write([]byte("row\n"))
	require.NoError(t, err)
	_, err = os.Stat(name)
	assert.NoError(t, err)
}

func TestRotatingFileWriter_ConcurrentWritersDoNotInterleave(t *testing.T) {
	w := newTestWriter(t, 1<<20, 3)

	var wg sync.WaitGroup
	line := "{\"coin\":\"BTCUSDT\",\"candle_data\":{\"sequence\":1}}\n"
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := w.Write([]byte(line))
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(w.filename)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSuffix(string(data), "\n"), "\n")
	require.Len(t, lines, 400)
	for _, got := range lines {
		assert.Equal(t, strings.TrimSuffix(line, "\n"), got)
	}
}

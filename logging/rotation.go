package logging

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// RotatingFileWriter rotates a log file by size. The engine's files grow
// monotonically (one line per bar, per signal change, per system event)
// and are owned by exactly one process, so rotation is size-only and needs
// no cross-process locking: rename the full file to a timestamped backup,
// reopen, and prune the oldest backups.
type RotatingFileWriter struct {
	mu          sync.Mutex
	filename    string
	file        *os.File
	maxSize     int64 // bytes before rotation
	maxBackups  int
	compress    bool
	currentSize int64
}

// RotationConfig configures log rotation
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int  // Maximum size in MB before rotation (default 100)
	MaxBackups int  // Backups to keep (default 10)
	Compress   bool // gzip rotated backups
}

// NewRotatingFileWriter opens (or creates) the log file for appending.
func NewRotatingFileWriter(config RotationConfig) (*RotatingFileWriter, error) {
	dir := filepath.Dir(config.Filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	file, err := os.OpenFile(config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, err
	}

	maxSize := int64(config.MaxSizeMB) * 1024 * 1024
	if maxSize <= 0 {
		maxSize = 100 * 1024 * 1024
	}
	maxBackups := config.MaxBackups
	if maxBackups <= 0 {
		maxBackups = 10
	}

	return &RotatingFileWriter{
		filename:    config.Filename,
		file:        file,
		maxSize:     maxSize,
		maxBackups:  maxBackups,
		compress:    config.Compress,
		currentSize: stat.Size(),
	}, nil
}

// Write implements io.Writer.
func (w *RotatingFileWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentSize+int64(len(p)) > w.maxSize && w.currentSize > 0 {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.currentSize += int64(n)
	return n, err
}

// Close closes the underlying file.
func (w *RotatingFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

// rotate renames the current file to a timestamped backup, reopens a fresh
// one, and prunes old backups. Caller must hold w.mu.
func (w *RotatingFileWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	backup := w.backupName(time.Now())
	if err := os.Rename(w.filename, backup); err != nil {
		return err
	}

	file, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.currentSize = 0

	if w.compress {
		// Compression runs off the write path; a failed compression leaves
		// the plain backup in place.
		go compressFile(backup)
	}
	w.pruneBackups()
	return nil
}

func (w *RotatingFileWriter) backupName(now time.Time) string {
	ts := now.UTC().Format("20060102T150405.000")
	return fmt.Sprintf("%s.%s", w.filename, ts)
}

// pruneBackups deletes the oldest backups beyond maxBackups. The
// timestamped suffix sorts lexicographically, so name order is age order.
func (w *RotatingFileWriter) pruneBackups() {
	backups, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}
	sort.Strings(backups)

	// A backup and its gzipped form count as one.
	seen := make(map[string]bool, len(backups))
	bases := make([]string, 0, len(backups))
	for _, b := range backups {
		base := strings.TrimSuffix(b, ".gz")
		if !seen[base] {
			seen[base] = true
			bases = append(bases, base)
		}
	}
	excess := len(bases) - w.maxBackups
	for i := 0; i < excess; i++ {
		os.Remove(bases[i])
		os.Remove(bases[i] + ".gz")
	}
}

func compressFile(path string) {
	src, err := os.Open(path)
	if err != nil {
		return
	}
	defer src.Close()

	dst, err := os.Create(path + ".gz")
	if err != nil {
		return
	}
	defer dst.Close()

	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		gz.Close()
		os.Remove(path + ".gz")
		return
	}
	if err := gz.Close(); err != nil {
		os.Remove(path + ".gz")
		return
	}

	os.Remove(path)
}

// Backups lists the current backup files for this writer, oldest first,
// for tests and operator tooling.
func (w *RotatingFileWriter) Backups() []string {
	backups, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return nil
	}
	out := backups[:0]
	for _, b := range backups {
		if strings.HasPrefix(b, w.filename+".") {
			out = append(out, b)
		}
	}
	sort.Strings(out)
	return out
}

package logging

import (
	"encoding/json"
)

// FileSink is a Hook that routes log entries carrying a specific component
// tag to their own newline-delimited JSON file. The engine opens one sink
// for system events and one for signal changes so each file can be tailed
// independently; the finalized-bar file is written by the engine's bar log
// writer, not by a FileSink.
type FileSink struct {
	component string
	excludes  map[string]bool
	minLevel  LogLevel
	writer    *RotatingFileWriter
}

// NewFileSink opens a rotating file sink for entries tagged with the given
// component. An empty component matches every entry.
func NewFileSink(component string, minLevel LogLevel, config RotationConfig) (*FileSink, error) {
	writer, err := NewRotatingFileWriter(config)
	if err != nil {
		return nil, err
	}
	return &FileSink{component: component, minLevel: minLevel, writer: writer}, nil
}

// ExcludeComponents stops entries for the named components from reaching
// this sink. Useful for a catch-all sink running next to dedicated
// per-component sinks.
func (s *FileSink) ExcludeComponents(names ...string) {
	if s.excludes == nil {
		s.excludes = make(map[string]bool, len(names))
	}
	for _, name := range names {
		s.excludes[name] = true
	}
}

// Fire implements Hook.
func (s *FileSink) Fire(entry *LogEntry) error {
	if s.component != "" && entry.Component != s.component {
		return nil
	}
	if s.excludes[entry.Component] {
		return nil
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = s.writer.Write(data)
	return err
}

// Levels implements Hook.
func (s *FileSink) Levels() []LogLevel {
	levels := []LogLevel{DEBUG, INFO, WARN, ERROR}
	return levels[s.minLevel:]
}

// Close flushes and closes the underlying file.
func (s *FileSink) Close() error {
	return s.writer.Close()
}

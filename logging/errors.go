package logging

import (
	"sync"
	"time"
)

// FailureClass partitions the engine's recoverable failures. None of
// these propagate: transport failures reconnect or retry, parse and
// validation failures drop the offending record, finalizer failures retry
// on the next boundary. The tracker exists so a sustained burst in any
// class surfaces once, loudly, instead of drowning in per-event noise.
type FailureClass string

const (
	FailureTransport  FailureClass = "transport"
	FailureParse      FailureClass = "parse"
	FailureValidation FailureClass = "validation"
	FailureFinalizer  FailureClass = "finalizer"
)

// alertThresholds is the per-class count at which the tracker fires its
// callbacks. A finalizer failure is always alert-worthy; drops of single
// records only matter in bulk.
var alertThresholds = map[FailureClass]int64{
	FailureTransport:  5,
	FailureParse:      50,
	FailureValidation: 50,
	FailureFinalizer:  1,
}

// ErrorStats aggregates one failure class.
type ErrorStats struct {
	Class       FailureClass
	Count       int64
	FirstSeen   time.Time
	LastSeen    time.Time
	LastMessage string
}

// AlertCallback is called (once per quiet period) when a class crosses
// its threshold.
type AlertCallback func(stats ErrorStats)

// ErrorTracker aggregates recoverable failures by class.
type ErrorTracker struct {
	mu        sync.Mutex
	stats     map[FailureClass]*ErrorStats
	alerted   map[FailureClass]bool
	callbacks []AlertCallback

	retention       time.Duration
	cleanupInterval time.Duration
	stopChan        chan struct{}
}

// NewErrorTracker creates a tracker whose per-class counts reset after an
// hour of silence, re-arming the alert for that class.
func NewErrorTracker() *ErrorTracker {
	et := &ErrorTracker{
		stats:           make(map[FailureClass]*ErrorStats),
		alerted:         make(map[FailureClass]bool),
		retention:       1 * time.Hour,
		cleanupInterval: 5 * time.Minute,
		stopChan:        make(chan struct{}),
	}

	go et.cleanupLoop()

	return et
}

// Track records one failure in its class.
func (et *ErrorTracker) Track(class FailureClass, err error) {
	if err == nil {
		return
	}

	et.mu.Lock()

	stats, exists := et.stats[class]
	if !exists {
		stats = &ErrorStats{Class: class, FirstSeen: time.Now()}
		et.stats[class] = stats
	}
	stats.Count++
	stats.LastSeen = time.Now()
	stats.LastMessage = err.Error()

	var fire *ErrorStats
	if !et.alerted[class] && stats.Count >= alertThresholds[class] {
		et.alerted[class] = true
		statsCopy := *stats
		fire = &statsCopy
	}
	callbacks := et.callbacks
	et.mu.Unlock()

	if fire != nil {
		for _, callback := range callbacks {
			go callback(*fire) // Run in goroutine to avoid blocking
		}
	}
}

// RegisterAlertCallback adds a callback for threshold alerts.
func (et *ErrorTracker) RegisterAlertCallback(callback AlertCallback) {
	et.mu.Lock()
	defer et.mu.Unlock()
	et.callbacks = append(et.callbacks, callback)
}

// Stats returns a copy of the current per-class statistics.
func (et *ErrorTracker) Stats() map[FailureClass]ErrorStats {
	et.mu.Lock()
	defer et.mu.Unlock()

	stats := make(map[FailureClass]ErrorStats, len(et.stats))
	for class, s := range et.stats {
		stats[class] = *s
	}
	return stats
}

// Stop stops the cleanup loop.
func (et *ErrorTracker) Stop() {
	close(et.stopChan)
}

// cleanupLoop resets classes that have gone quiet, re-arming their alerts.
func (et *ErrorTracker) cleanupLoop() {
	ticker := time.NewTicker(et.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			et.cleanup()
		case <-et.stopChan:
			return
		}
	}
}

func (et *ErrorTracker) cleanup() {
	et.mu.Lock()
	defer et.mu.Unlock()

	cutoff := time.Now().Add(-et.retention)
	for class, stats := range et.stats {
		if stats.LastSeen.Before(cutoff) {
			delete(et.stats, class)
			delete(et.alerted, class)
		}
	}
}

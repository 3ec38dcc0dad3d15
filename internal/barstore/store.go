// Package barstore holds the bounded rolling window of finalized bars per
// symbol that the signal evaluator reads from. The window is purely
// in-memory; nothing survives a restart.
package barstore

import (
	"context"
	"sync"

	"github.com/epic1st/sigflow/internal/engtypes"
)

// DefaultCapacity is the default rolling window size per symbol.
const DefaultCapacity = 100

// Mirror is an optional, write-only sink for finalized bars (e.g. a Redis
// list) used purely for external inspection. The store never reads it back.
type Mirror interface {
	Append(ctx context.Context, bar engtypes.Bar)
}

type window struct {
	mu   sync.RWMutex
	bars []engtypes.Bar // oldest first, capped at capacity
}

// Store is a capacity-capped rolling window of bars per symbol.
type Store struct {
	capacity int
	mirror   Mirror

	mu      sync.RWMutex
	windows map[string]*window
}

// New creates a Store with the given per-symbol capacity. A capacity <= 0
// falls back to DefaultCapacity. mirror may be nil.
func New(capacity int, mirror Mirror) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{capacity: capacity, mirror: mirror, windows: make(map[string]*window)}
}

// Append adds a finalized bar to its symbol's window, discarding the oldest
// bar once the window is over capacity.
func (s *Store) Append(ctx context.Context, bar engtypes.Bar) {
	w := s.windowFor(bar.Symbol)

	w.mu.Lock()
	w.bars = append(w.bars, bar)
	if len(w.bars) > s.capacity {
		w.bars = w.bars[len(w.bars)-s.capacity:]
	}
	w.mu.Unlock()

	if s.mirror != nil {
		s.mirror.Append(ctx, bar)
	}
}

func (s *Store) windowFor(symbol string) *window {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if ok {
		return w
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok = s.windows[symbol]; ok {
		return w
	}
	w = &window{}
	s.windows[symbol] = w
	return w
}

// Snapshot returns a read-only copy of a symbol's current window, oldest
// bar first. Callers may freely read the result; it never aliases the
// store's internal state.
func (s *Store) Snapshot(symbol string) []engtypes.Bar {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if !ok {
		return nil
	}

	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]engtypes.Bar, len(w.bars))
	copy(out, w.bars)
	return out
}

// Len reports how many bars are currently held for a symbol.
func (s *Store) Len(symbol string) int {
	s.mu.RLock()
	w, ok := s.windows[symbol]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.bars)
}

// Symbols returns every symbol the store currently holds bars for.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.windows))
	for sym := range s.windows {
		out = append(out, sym)
	}
	return out
}

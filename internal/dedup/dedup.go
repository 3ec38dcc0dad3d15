// Package dedup filters repeated trade prints out of the tick stream.
//
// Exchanges re-deliver identical trade events across reconnects and
// multiplex boundaries; left in, they inflate bar volume by a noticeable
// fraction. The "{timestamp}_{price}_{size}" fingerprint is coarse on
// purpose: distinct legitimate trades colliding on all three values are
// rare next to the duplicate rate.
package dedup

import (
	"sync"
	"time"

	"github.com/epic1st/sigflow/internal/engtypes"
)

const (
	// DefaultSoftCap bounds the number of fingerprints retained per symbol
	// before the oldest are evicted regardless of age.
	DefaultSoftCap = 1000
	// DefaultTTL is how long a fingerprint is remembered once the set is
	// over its soft cap.
	DefaultTTL = 60 * time.Second
)

type entry struct {
	seenAt time.Time
}

type symbolSet struct {
	mu      sync.Mutex
	entries map[string]entry
	order   []string // insertion order, oldest first, for soft-cap eviction
}

// Deduplicator tracks seen trade fingerprints per symbol.
type Deduplicator struct {
	softCap int
	ttl     time.Duration

	mu   sync.RWMutex
	sets map[string]*symbolSet
}

// New creates a Deduplicator with the given soft cap and TTL. A softCap <= 0
// or ttl <= 0 falls back to the package defaults.
func New(softCap int, ttl time.Duration) *Deduplicator {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Deduplicator{
		softCap: softCap,
		ttl:     ttl,
		sets:    make(map[string]*symbolSet),
	}
}

// Seen reports whether the tick's fingerprint has already been recorded for
// its symbol, recording it if not. Returns true when the tick is a
// duplicate and should be dropped.
func (d *Deduplicator) Seen(t engtypes.Tick) bool {
	return d.SeenAt(t, time.Now())
}

// SeenAt is Seen with an injected clock, for deterministic tests.
func (d *Deduplicator) SeenAt(t engtypes.Tick, now time.Time) bool {
	set := d.setFor(t.Symbol)
	fp := t.Fingerprint()

	set.mu.Lock()
	defer set.mu.Unlock()

	if _, ok := set.entries[fp]; ok {
		return true
	}

	set.entries[fp] = entry{seenAt: now}
	set.order = append(set.order, fp)
	set.evictLocked(now, d.softCap, d.ttl)
	return false
}

func (d *Deduplicator) setFor(symbol string) *symbolSet {
	d.mu.RLock()
	set, ok := d.sets[symbol]
	d.mu.RUnlock()
	if ok {
		return set
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if set, ok = d.sets[symbol]; ok {
		return set
	}
	set = &symbolSet{entries: make(map[string]entry)}
	d.sets[symbol] = set
	return set
}

// evictLocked trims the set down to the soft cap, and beyond that drops
// anything older than ttl. Caller must hold set.mu.
func (set *symbolSet) evictLocked(now time.Time, softCap int, ttl time.Duration) {
	if len(set.order) <= softCap {
		return
	}

	overflow := len(set.order) - softCap
	i := 0
	for ; i < len(set.order); i++ {
		fp := set.order[i]
		e, ok := set.entries[fp]
		if !ok {
			continue
		}
		if i < overflow || now.Sub(e.seenAt) > ttl {
			delete(set.entries, fp)
		} else {
			break
		}
	}
	set.order = set.order[i:]
}

// Count returns the number of fingerprints currently retained for a symbol,
// for tests and diagnostics.
func (d *Deduplicator) Count(symbol string) int {
	set := d.setFor(symbol)
	set.mu.Lock()
	defer set.mu.Unlock()
	return len(set.entries)
}

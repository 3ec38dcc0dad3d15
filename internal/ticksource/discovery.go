package ticksource

import (
	"context"
	"fmt"
	"strings"
)

// Discovery yields the symbol universe the engine trades on. It is called
// once at startup; the universe never changes afterwards.
type Discovery interface {
	Discover(ctx context.Context) ([]string, error)
}

// SymbolFilter decides whether a discovered symbol (with its 24h quote
// volume) belongs in the universe.
type SymbolFilter func(symbol string, quoteVolume24h float64) bool

// VolumeFilter is the production filter: USDT-quoted perpetuals above a
// minimum 24h quote volume, minus an explicit blacklist.
func VolumeFilter(minDailyVolume float64, blacklist []string) SymbolFilter {
	blocked := make(map[string]struct{}, len(blacklist))
	for _, sym := range blacklist {
		blocked[strings.ToUpper(sym)] = struct{}{}
	}
	return func(symbol string, quoteVolume24h float64) bool {
		if !strings.HasSuffix(symbol, "USDT") {
			return false
		}
		if _, ok := blocked[strings.ToUpper(symbol)]; ok {
			return false
		}
		return quoteVolume24h >= minDailyVolume
	}
}

// StaticDiscovery serves a fixed symbol list through an optional filter.
// It stands in for exchange REST discovery when the operator pins the
// universe in config.
type StaticDiscovery struct {
	symbols []string
	volumes map[string]float64
	filter  SymbolFilter
}

// NewStaticDiscovery builds a discovery over a fixed list. volumes may be
// nil when no filter consults them; filter may be nil to accept every
// symbol.
func NewStaticDiscovery(symbols []string, volumes map[string]float64, filter SymbolFilter) *StaticDiscovery {
	return &StaticDiscovery{symbols: symbols, volumes: volumes, filter: filter}
}

// Discover implements Discovery.
func (d *StaticDiscovery) Discover(ctx context.Context) ([]string, error) {
	out := make([]string, 0, len(d.symbols))
	for _, sym := range d.symbols {
		sym = strings.ToUpper(sym)
		if d.filter != nil && !d.filter(sym, d.volumes[sym]) {
			continue
		}
		out = append(out, sym)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("discovery produced an empty symbol universe")
	}
	return out, nil
}

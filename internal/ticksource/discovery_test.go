package ticksource

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVolumeFilter(t *testing.T) {
	filter := VolumeFilter(1_000_000, []string{"SHIBUSDT"})

	assert.True(t, filter("BTCUSDT", 5_000_000))
	assert.False(t, filter("BTCUSDT", 999_999), "below volume threshold")
	assert.False(t, filter("BTCBUSD", 5_000_000), "not USDT-quoted")
	assert.False(t, filter("SHIBUSDT", 5_000_000), "blacklisted")
}

func TestStaticDiscovery_AppliesFilterAndUppercases(t *testing.T) {
	volumes := map[string]float64{"BTCUSDT": 5_000_000, "DOGEUSDT": 100}
	d := NewStaticDiscovery([]string{"btcusdt", "dogeusdt"}, volumes, VolumeFilter(1_000_000, nil))

	symbols, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"BTCUSDT"}, symbols)
}

func TestStaticDiscovery_NilFilterPassesEverything(t *testing.T) {
	d := NewStaticDiscovery([]string{"ethusdt", "btcusdt"}, nil, nil)
	symbols, err := d.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"ETHUSDT", "BTCUSDT"}, symbols)
}

func TestStaticDiscovery_EmptyUniverseIsAnError(t *testing.T) {
	d := NewStaticDiscovery([]string{"dogeusdt"}, nil, VolumeFilter(1_000_000, nil))
	_, err := d.Discover(context.Background())
	assert.Error(t, err)
}

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("SYMBOLS", "BTCUSDT,ETHUSDT")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, cfg.Engine.Symbols)
	assert.Equal(t, int64(10000), cfg.Engine.BarMS)
	assert.Equal(t, 20, cfg.Engine.Warmup)
	assert.Equal(t, 300, cfg.Engine.DriverIntervalMS)
	assert.Equal(t, 1000, cfg.Engine.DedupSoftCap)
	assert.Equal(t, int64(60000), cfg.Engine.DedupTTLMS)
	assert.Equal(t, int64(600000), cfg.Engine.ExcludeAfterMS)
	assert.Equal(t, 200, cfg.Engine.SymbolsPerConnection)
}

func TestLoad_EmptySymbolsIsFatal(t *testing.T) {
	t.Setenv("SYMBOLS", "")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SYMBOLS")
}

func TestValidate_WindowSmallerThanWarmup(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			Symbols:              []string{"BTCUSDT"},
			StreamURL:            "wss://example.test",
			BarMS:                10000,
			Warmup:               20,
			WindowMax:            10,
			DriverIntervalMS:     300,
			SymbolsPerConnection: 200,
		},
	}
	assert.Error(t, cfg.Validate())
}

func TestValidate_StrategiesRequireEndpoints(t *testing.T) {
	cfg := &Config{
		Engine: EngineConfig{
			Symbols:              []string{"BTCUSDT"},
			StreamURL:            "wss://example.test",
			BarMS:                10000,
			Warmup:               20,
			WindowMax:            100,
			DriverIntervalMS:     300,
			SymbolsPerConnection: 200,
			StrategyNames:        []string{"scalper"},
		},
	}
	assert.Error(t, cfg.Validate())
}

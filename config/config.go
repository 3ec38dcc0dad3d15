package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server
	Port        string
	Environment string

	// Redis (optional bar-window mirror)
	Redis RedisConfig

	// Engine
	Engine EngineConfig

	// Logs
	Logs LogConfig
}

type RedisConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Password string
}

// Addr returns the host:port pair for the Redis client.
func (r RedisConfig) Addr() string {
	return r.Host + ":" + r.Port
}

// EngineConfig holds the signal engine's settings.
type EngineConfig struct {
	// Universe
	Symbols        []string
	MinDailyVolume float64
	Blacklist      []string

	// Strategy egress
	StrategyNames []string
	Endpoints     []string

	// Transport
	StreamURL            string
	SymbolsPerConnection int

	// Aggregation
	BarMS     int64
	Warmup    int
	WindowMax int

	// Driver
	DriverIntervalMS int
	ExcludeAfterMS   int64

	// Dedup
	DedupSoftCap int
	DedupTTLMS   int64

	// Telemetry
	SpikeThresholdPct float64
}

type LogConfig struct {
	Dir       string
	Level     string
	MaxSizeMB int
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Environment: getEnv("ENVIRONMENT", "development"),

		Redis: RedisConfig{
			Enabled:  getEnvAsBool("REDIS_MIRROR_ENABLED", false),
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnv("REDIS_PORT", "6379"),
			Password: getEnv("REDIS_PASSWORD", ""),
		},

		Engine: EngineConfig{
			Symbols:        getEnvAsSlice("SYMBOLS", nil, ","),
			MinDailyVolume: getEnvAsFloat("MIN_DAILY_VOLUME", 0),
			Blacklist:      getEnvAsSlice("BLACKLIST", nil, ","),

			StrategyNames: getEnvAsSlice("STRATEGY_NAMES", nil, ","),
			Endpoints:     getEnvAsSlice("STRATEGY_ENDPOINTS", nil, ","),

			StreamURL:            getEnv("STREAM_URL", "wss://fstream.binance.com"),
			SymbolsPerConnection: getEnvAsInt("SYMBOLS_PER_CONNECTION", 200),

			BarMS:     int64(getEnvAsInt("BAR_MS", 10000)),
			Warmup:    getEnvAsInt("WARMUP", 20),
			WindowMax: getEnvAsInt("WINDOW_MAX", 100),

			DriverIntervalMS: getEnvAsInt("DRIVER_INTERVAL_MS", 300),
			ExcludeAfterMS:   int64(getEnvAsInt("EXCLUDE_AFTER_MS", 600000)),

			DedupSoftCap: getEnvAsInt("DEDUP_SOFT_CAP", 1000),
			DedupTTLMS:   int64(getEnvAsInt("DEDUP_TTL_MS", 60000)),

			SpikeThresholdPct: getEnvAsFloat("SPIKE_THRESHOLD_PCT", 10),
		},

		Logs: LogConfig{
			Dir:       getEnv("LOG_DIR", "./logs"),
			Level:     getEnv("LOG_LEVEL", "info"),
			MaxSizeMB: getEnvAsInt("LOG_MAX_SIZE_MB", 100),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present. Configuration
// errors are fatal at startup, before any task is spawned.
func (c *Config) Validate() error {
	e := &c.Engine

	if len(e.Symbols) == 0 {
		return fmt.Errorf("SYMBOLS must list at least one symbol")
	}
	if e.StreamURL == "" {
		return fmt.Errorf("STREAM_URL is required")
	}
	if e.BarMS <= 0 {
		return fmt.Errorf("BAR_MS must be positive, got %d", e.BarMS)
	}
	if e.Warmup <= 0 {
		return fmt.Errorf("WARMUP must be positive, got %d", e.Warmup)
	}
	if e.WindowMax < e.Warmup {
		return fmt.Errorf("WINDOW_MAX (%d) must be at least WARMUP (%d)", e.WindowMax, e.Warmup)
	}
	if e.DriverIntervalMS <= 0 {
		return fmt.Errorf("DRIVER_INTERVAL_MS must be positive, got %d", e.DriverIntervalMS)
	}
	if e.SymbolsPerConnection <= 0 {
		return fmt.Errorf("SYMBOLS_PER_CONNECTION must be positive, got %d", e.SymbolsPerConnection)
	}
	if len(e.StrategyNames) > 0 && len(e.Endpoints) == 0 {
		return fmt.Errorf("STRATEGY_NAMES configured without STRATEGY_ENDPOINTS")
	}

	return nil
}

// Helper functions
func getEnv(key string, defaultVal string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	valueStr := getEnv(key, "")
	if value, err := strconv.Atoi(valueStr); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsFloat(key string, defaultVal float64) float64 {
	valueStr := getEnv(key, "")
	if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return value
	}
	return defaultVal
}

func getEnvAsSlice(key string, defaultVal []string, sep string) []string {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	parts := strings.Split(valueStr, sep)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultVal bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultVal
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultVal
	}
	return value
}

package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the station binary.
type Config struct {
	// HTTP server configuration (health + metrics endpoints)
	HTTP HTTPConfig

	// Store configuration (the outbox/sequence SQLite database)
	Store StoreConfig

	// Device identifies the scale/printer pair this process drives.
	Device DeviceConfig

	// FSM holds the batch-weigh state machine's timing thresholds.
	FSM FSMConfig

	// Stability holds the weighing-stability detector's calibration
	// overrides.
	Stability StabilityConfig

	// Worker holds print/ERP worker polling and retry-budget settings.
	Worker WorkerConfig

	// Breaker holds the printer/ERP transport circuit breaker settings.
	Breaker BreakerConfig

	// Data directory for the embedded SQLite database and calibration logs.
	DataDir string

	// Development mode
	DevMode bool
}

// HTTPConfig holds HTTP server configuration for the health/metrics listener.
type HTTPConfig struct {
	Port        int
	CORSOrigins []string
}

// StoreConfig holds the outbox store's SQLite connection configuration.
type StoreConfig struct {
	Path              string
	BusyTimeout       time.Duration
	WALAutoCheckpoint int
}

// DeviceConfig identifies the physical station this process drives.
type DeviceConfig struct {
	ID string
}

// FSMConfig holds the batch-weigh FSM's timing thresholds (spec.md §4.2).
type FSMConfig struct {
	TSettle time.Duration
	TClear  time.Duration
	NMin    int
}

// StabilityConfig holds operator-configured overrides for the detector's
// calibration (spec.md §4.1); zero values mean "use the calibrated
// default".
type StabilityConfig struct {
	PlacementMin    float64
	CalibrationPath string
}

// WorkerConfig holds the print/ERP workers' poll interval and retry-budget
// settings (spec.md §4.4/§5).
type WorkerConfig struct {
	PrintPollInterval time.Duration
	ErpPollInterval   time.Duration
	ErpMaxAttempts    int
	MaxErpQueueDepth  int64
}

// BreakerConfig holds the printer/ERP transport circuit breaker settings
// (mirrors transport.BreakerConfig's fields for env/TOML override).
type BreakerConfig struct {
	Requests    int
	Interval    time.Duration
	Ratio       float64
	Timeout     time.Duration
	MinRequests int
}

// Load loads configuration from environment variables with sensible defaults.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        getEnvInt("HTTP_PORT", 9090),
			CORSOrigins: getEnvSlice("CORS_ORIGINS", []string{"http://localhost:4200"}),
		},

		Store: StoreConfig{
			Path:              getEnv("STORE_PATH", "./data/station.db"),
			BusyTimeout:       getEnvDuration("STORE_BUSY_TIMEOUT", 5*time.Second),
			WALAutoCheckpoint: getEnvInt("STORE_WAL_AUTOCHECKPOINT", 1000),
		},

		Device: DeviceConfig{
			ID: getEnv("DEVICE_ID", "station-1"),
		},

		FSM: FSMConfig{
			TSettle: getEnvDuration("FSM_T_SETTLE", 500*time.Millisecond),
			TClear:  getEnvDuration("FSM_T_CLEAR", 700*time.Millisecond),
			NMin:    getEnvInt("FSM_N_MIN", 10),
		},

		Stability: StabilityConfig{
			PlacementMin:    getEnvFloat("STABILITY_PLACEMENT_MIN", 0),
			CalibrationPath: getEnv("STABILITY_CALIBRATION_PATH", "./data/calibration.json"),
		},

		Worker: WorkerConfig{
			PrintPollInterval: getEnvDuration("PRINT_POLL_INTERVAL", 200*time.Millisecond),
			ErpPollInterval:   getEnvDuration("ERP_POLL_INTERVAL", 200*time.Millisecond),
			ErpMaxAttempts:    getEnvInt("ERP_MAX_ATTEMPTS", 8),
			MaxErpQueueDepth:  int64(getEnvInt("ERP_MAX_QUEUE_DEPTH", 1000)),
		},

		Breaker: BreakerConfig{
			Requests:    getEnvInt("BREAKER_REQUESTS", 5),
			Interval:    getEnvDuration("BREAKER_INTERVAL", 30*time.Second),
			Ratio:       getEnvFloat("BREAKER_RATIO", 0.5),
			Timeout:     getEnvDuration("BREAKER_TIMEOUT", 5*time.Second),
			MinRequests: getEnvInt("BREAKER_MIN_REQUESTS", 5),
		},

		DataDir: getEnv("DATA_DIR", "./data"),
		DevMode: getEnvBool("STATION_DEV", false),
	}

	return cfg, nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	return defaultValue
}

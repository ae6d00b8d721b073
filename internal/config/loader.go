package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the TOML configuration file structure.
type TOMLConfig struct {
	HTTP      TOMLHTTPConfig      `toml:"http"`
	Store     TOMLStoreConfig     `toml:"store"`
	Device    TOMLDeviceConfig    `toml:"device"`
	FSM       TOMLFSMConfig       `toml:"fsm"`
	Stability TOMLStabilityConfig `toml:"stability"`
	Worker    TOMLWorkerConfig    `toml:"worker"`
	Breaker   TOMLBreakerConfig   `toml:"breaker"`
	DataDir   string              `toml:"data_dir"`
	DevMode   bool                `toml:"dev_mode"`
}

// TOMLHTTPConfig represents HTTP configuration in TOML.
type TOMLHTTPConfig struct {
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
}

// TOMLStoreConfig represents outbox store configuration in TOML.
type TOMLStoreConfig struct {
	Path              string `toml:"path"`
	BusyTimeout       string `toml:"busy_timeout"`
	WALAutoCheckpoint int    `toml:"wal_autocheckpoint"`
}

// TOMLDeviceConfig represents device identity configuration in TOML.
type TOMLDeviceConfig struct {
	ID string `toml:"id"`
}

// TOMLFSMConfig represents batch-weigh FSM configuration in TOML.
type TOMLFSMConfig struct {
	TSettle string `toml:"t_settle"`
	TClear  string `toml:"t_clear"`
	NMin    int    `toml:"n_min"`
}

// TOMLStabilityConfig represents stability detector configuration in TOML.
type TOMLStabilityConfig struct {
	PlacementMin    float64 `toml:"placement_min"`
	CalibrationPath string  `toml:"calibration_path"`
}

// TOMLWorkerConfig represents print/ERP worker configuration in TOML.
type TOMLWorkerConfig struct {
	PrintPollInterval string `toml:"print_poll_interval"`
	ErpPollInterval   string `toml:"erp_poll_interval"`
	ErpMaxAttempts    int    `toml:"erp_max_attempts"`
	MaxErpQueueDepth  int64  `toml:"max_erp_queue_depth"`
}

// TOMLBreakerConfig represents circuit breaker configuration in TOML.
type TOMLBreakerConfig struct {
	Requests    int     `toml:"requests"`
	Interval    string  `toml:"interval"`
	Ratio       float64 `toml:"ratio"`
	Timeout     string  `toml:"timeout"`
	MinRequests int     `toml:"min_requests"`
}

// ConfigPaths lists the paths to search for config files.
var ConfigPaths = []string{
	"config.toml",
	"station.toml",
	"./config/config.toml",
	"./config/station.toml",
	"/etc/station/config.toml",
}

// LoadFromFile loads configuration from a TOML file.
func LoadFromFile(path string) (*Config, error) {
	var tomlCfg TOMLConfig

	if _, err := toml.DecodeFile(path, &tomlCfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return tomlConfigToConfig(&tomlCfg)
}

// LoadWithFile loads configuration from file first, then overrides it with
// env vars for the fields mergeConfigs merges.
func LoadWithFile() (*Config, error) {
	// Start with defaults from environment
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	// Check for explicit config file path
	configPath := os.Getenv("STATION_CONFIG")
	if configPath == "" {
		// Search for config file in standard locations
		for _, path := range ConfigPaths {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}

	// If no config file found, just use env vars
	if configPath == "" {
		return cfg, nil
	}

	// Load from file
	fileCfg, err := LoadFromFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load config from %s: %w", configPath, err)
	}

	// Merge: file config as base, env vars override
	return mergeConfigs(fileCfg, cfg), nil
}

// tomlConfigToConfig converts TOML config to the internal Config struct.
func tomlConfigToConfig(tc *TOMLConfig) (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port:        tc.HTTP.Port,
			CORSOrigins: tc.HTTP.CORSOrigins,
		},
		Store: StoreConfig{
			Path:              tc.Store.Path,
			WALAutoCheckpoint: tc.Store.WALAutoCheckpoint,
		},
		Device: DeviceConfig{
			ID: tc.Device.ID,
		},
		FSM: FSMConfig{
			NMin: tc.FSM.NMin,
		},
		Stability: StabilityConfig{
			PlacementMin:    tc.Stability.PlacementMin,
			CalibrationPath: tc.Stability.CalibrationPath,
		},
		Worker: WorkerConfig{
			ErpMaxAttempts:   tc.Worker.ErpMaxAttempts,
			MaxErpQueueDepth: tc.Worker.MaxErpQueueDepth,
		},
		Breaker: BreakerConfig{
			Requests:    tc.Breaker.Requests,
			Ratio:       tc.Breaker.Ratio,
			MinRequests: tc.Breaker.MinRequests,
		},
		DataDir: tc.DataDir,
		DevMode: tc.DevMode,
	}

	// Parse durations
	if d, err := time.ParseDuration(tc.Store.BusyTimeout); err == nil {
		cfg.Store.BusyTimeout = d
	}
	if d, err := time.ParseDuration(tc.FSM.TSettle); err == nil {
		cfg.FSM.TSettle = d
	}
	if d, err := time.ParseDuration(tc.FSM.TClear); err == nil {
		cfg.FSM.TClear = d
	}
	if d, err := time.ParseDuration(tc.Worker.PrintPollInterval); err == nil {
		cfg.Worker.PrintPollInterval = d
	}
	if d, err := time.ParseDuration(tc.Worker.ErpPollInterval); err == nil {
		cfg.Worker.ErpPollInterval = d
	}
	if d, err := time.ParseDuration(tc.Breaker.Interval); err == nil {
		cfg.Breaker.Interval = d
	}
	if d, err := time.ParseDuration(tc.Breaker.Timeout); err == nil {
		cfg.Breaker.Timeout = d
	}

	return cfg, nil
}

// mergeConfigs merges two configs, with override taking precedence for
// non-default values. Only the HTTP port and CORS origins, store path,
// device ID, max ERP queue depth, data dir and dev mode are merged; every
// other field (FSM, stability, breaker, poll intervals, ERP max attempts,
// store busy timeout and WAL autocheckpoint) is taken from base alone.
func mergeConfigs(base, override *Config) *Config {
	result := *base

	if override.HTTP.Port != 0 && override.HTTP.Port != 9090 {
		result.HTTP.Port = override.HTTP.Port
	}
	if len(override.HTTP.CORSOrigins) > 0 &&
		!(len(override.HTTP.CORSOrigins) == 1 && override.HTTP.CORSOrigins[0] == "http://localhost:4200") {
		result.HTTP.CORSOrigins = override.HTTP.CORSOrigins
	}

	if override.Store.Path != "" && override.Store.Path != "./data/station.db" {
		result.Store.Path = override.Store.Path
	}

	if override.Device.ID != "" && override.Device.ID != "station-1" {
		result.Device.ID = override.Device.ID
	}

	if override.Worker.MaxErpQueueDepth != 0 && override.Worker.MaxErpQueueDepth != 1000 {
		result.Worker.MaxErpQueueDepth = override.Worker.MaxErpQueueDepth
	}

	if override.DataDir != "" && override.DataDir != "./data" {
		result.DataDir = override.DataDir
	}
	if override.DevMode {
		result.DevMode = true
	}

	return &result
}

// WriteExampleConfig writes an example configuration file.
func WriteExampleConfig(path string) error {
	example := `# Station Configuration
# Environment variables override these settings

data_dir = "./data"
dev_mode = false

[http]
port = 9090
cors_origins = []

[store]
path = "./data/station.db"
busy_timeout = "5s"
wal_autocheckpoint = 1000

[device]
id = "station-1"

[fsm]
t_settle = "500ms"
t_clear = "700ms"
n_min = 10

[stability]
placement_min = 0.0
calibration_path = "./data/calibration.json"

[worker]
print_poll_interval = "200ms"
erp_poll_interval = "200ms"
erp_max_attempts = 8
max_erp_queue_depth = 1000

[breaker]
requests = 5
interval = "30s"
ratio = 0.5
timeout = "5s"
min_requests = 5
`

	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory: %w", err)
		}
	}

	return os.WriteFile(path, []byte(example), 0644)
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"BoxCap/BoxCap-Go-Agent/internal/logger"
)

// Device is one monitored network client. Identity is the (ip, mac)
// pair; resolution of missing MACs happens externally.
type Device struct {
	IP          string `json:"ip"`
	MAC         string `json:"mac"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
}

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging struct {
		// Level is the minimum log level to output (debug, info, warn, error)
		Level string `json:"level"`
		// File is the path to the log file. If empty, logs to stdout only
		File string `json:"file"`
		// MaxSizeMB is the maximum size of log file before rotation
		MaxSizeMB int `json:"max_size_mb"`
	} `json:"logging"`

	// Router holds the capture-endpoint connection settings
	Router struct {
		// Address is the router base URL, e.g. "http://192.168.178.1"
		Address string `json:"address"`
		// Username for the router login (may be empty)
		Username string `json:"username"`
		// Password for the router login
		Password string `json:"password"`
		// MAC is the router's own address, excluded from the allow-list
		MAC string `json:"mac"`
		// Interface is the capture interface selector on the router
		Interface string `json:"interface"`
		// TokenTTLMinutes is how long a session token is trusted
		TokenTTLMinutes int `json:"token_ttl_minutes"`
	} `json:"router"`

	// Capture tuning
	Capture struct {
		// WorkingDir is where capture and metadata files are stored
		WorkingDir string `json:"working_dir"`
		// SnapLen is the per-frame capture cap requested from the router
		SnapLen uint32 `json:"snaplen"`
		// MaxFrameLen is the sanity ceiling on a record's captured length
		MaxFrameLen uint32 `json:"max_frame_len"`
		// FlushSizeMB triggers a flush once this many MB are pending
		FlushSizeMB int `json:"flush_size_mb"`
		// FlushIntervalMinutes triggers a flush on wall-clock time
		FlushIntervalMinutes int `json:"flush_interval_minutes"`
		// BackoffSeconds is the delay before a capture restart
		BackoffSeconds int `json:"backoff_seconds"`
		// StateDB is the path of the agent's persistent state database
		StateDB string `json:"state_db"`
	} `json:"capture"`

	// Upload describes the collection endpoint
	Upload struct {
		// Endpoint is the collection service base URL
		Endpoint string `json:"endpoint"`
		// Email identifies the account uploads belong to
		Email string `json:"email"`
		// PublicKey is the installation's upload identity key
		PublicKey string `json:"public_key"`
		// UUID identifies this installation; generated when empty
		UUID string `json:"uuid"`
		// SyncIntervalMinutes is the periodic sync timer
		SyncIntervalMinutes int `json:"sync_interval_minutes"`
	} `json:"upload"`

	// Devices is the monitored device list
	Devices []Device `json:"devices"`
}

// LoadConfig loads configuration from a JSON file
func LoadConfig(configPath string) (*Config, error) {
	// Set default config path if not provided
	if configPath == "" {
		configPath = "config.json"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %v", err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %v", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxSizeMB == 0 {
		c.Logging.MaxSizeMB = 100
	}
	if c.Router.Interface == "" {
		c.Router.Interface = "3-17"
	}
	if c.Router.TokenTTLMinutes == 0 {
		c.Router.TokenTTLMinutes = 60
	}
	if c.Capture.WorkingDir == "" {
		c.Capture.WorkingDir = "captures"
	}
	if c.Capture.SnapLen == 0 {
		c.Capture.SnapLen = 1600
	}
	if c.Capture.MaxFrameLen == 0 {
		c.Capture.MaxFrameLen = 10000
	}
	if c.Capture.FlushSizeMB == 0 {
		c.Capture.FlushSizeMB = 50
	}
	if c.Capture.FlushIntervalMinutes == 0 {
		c.Capture.FlushIntervalMinutes = 60
	}
	if c.Capture.BackoffSeconds == 0 {
		c.Capture.BackoffSeconds = 10
	}
	if c.Capture.StateDB == "" {
		c.Capture.StateDB = filepath.Join(c.Capture.WorkingDir, "boxcap-state.db")
	}
	if c.Upload.UUID == "" {
		c.Upload.UUID = uuid.New().String()
	}
	if c.Upload.SyncIntervalMinutes == 0 {
		c.Upload.SyncIntervalMinutes = 10
	}
}

// Validate reports missing settings without which the agent cannot
// start at all. Anything else is recoverable at runtime.
func (c *Config) Validate() error {
	if c.Router.Address == "" {
		return fmt.Errorf("router.address is required")
	}
	if c.Router.Password == "" {
		return fmt.Errorf("router.password is required")
	}
	if c.Upload.Endpoint != "" {
		if c.Upload.Email == "" {
			return fmt.Errorf("upload.email is required when upload.endpoint is set")
		}
		if c.Upload.PublicKey == "" {
			return fmt.Errorf("upload.public_key is required when upload.endpoint is set")
		}
	}
	return nil
}

// UniqueMACs returns the deduplicated MAC allow-list of all enabled
// devices, excluding the router's own MAC.
func (c *Config) UniqueMACs() []string {
	routerMAC := strings.ToUpper(c.Router.MAC)
	seen := make(map[string]bool)
	var macs []string
	for _, d := range c.Devices {
		if !d.Enabled || d.MAC == "" {
			continue
		}
		mac := strings.ToUpper(d.MAC)
		if mac == routerMAC || seen[mac] {
			continue
		}
		seen[mac] = true
		macs = append(macs, mac)
	}
	return macs
}

// EnabledDevices returns the devices the capture covers.
func (c *Config) EnabledDevices() []Device {
	var out []Device
	for _, d := range c.Devices {
		if d.Enabled {
			out = append(out, d)
		}
	}
	return out
}

// InitializeLogging sets up logging based on config
func (c *Config) InitializeLogging() error {
	level, err := logger.ParseLogLevel(c.Logging.Level)
	if err != nil {
		return fmt.Errorf("invalid log level: %v", err)
	}

	logConfig := logger.Config{
		LogLevel:  level,
		LogFile:   c.Logging.File,
		MaxSizeMB: c.Logging.MaxSizeMB,
	}

	if err := logger.Initialize(logConfig); err != nil {
		return fmt.Errorf("failed to initialize logger: %v", err)
	}

	return nil
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// FileEnvVar names the optional YAML file applied over the defaults before
// the environment is read.
const FileEnvVar = "PAXCOUNT_CONFIG_FILE"

type Config struct {
	HTTPAddr string `env:"PAXCOUNT_HTTP_ADDR" yaml:"http_addr"`
	GRPCAddr string `env:"PAXCOUNT_GRPC_ADDR" yaml:"grpc_addr"` // "" disables the health server

	Env     string `env:"PAXCOUNT_ENV" yaml:"env"` // "dev" | "prod"
	DataDir string `env:"PAXCOUNT_DATA_DIR" yaml:"data_dir"`
	DBPath  string `env:"PAXCOUNT_DB_PATH" yaml:"db_path"` // defaults to <data_dir>/paxcount.db

	// Server
	ServerURL    string `env:"PAXCOUNT_SERVER_URL" yaml:"server_url"`
	APIBasePath  string `env:"PAXCOUNT_API_BASE_PATH" yaml:"api_base_path"`
	DeviceSerial string `env:"PAXCOUNT_DEVICE_SERIAL" yaml:"device_serial"`
	DeviceSecret string `env:"PAXCOUNT_DEVICE_SECRET" yaml:"device_secret"`

	// Trip defaults, used until a config is fetched.
	TripID      int64   `env:"PAXCOUNT_TRIP_ID" yaml:"trip_id"`
	BusCapacity int     `env:"PAXCOUNT_BUS_CAPACITY" yaml:"bus_capacity"`
	BasePrice   float64 `env:"PAXCOUNT_BASE_PRICE" yaml:"base_price"`
	TimeZone    string  `env:"PAXCOUNT_TIMEZONE" yaml:"timezone"`

	// Event log
	MaxEvents          int     `env:"PAXCOUNT_MAX_EVENTS" yaml:"max_events"`
	MemoryBufferSize   int     `env:"PAXCOUNT_MEMORY_BUFFER_SIZE" yaml:"memory_buffer_size"`
	BatchSize          int     `env:"PAXCOUNT_BATCH_SIZE" yaml:"batch_size"`
	MaxForceBatches    int     `env:"PAXCOUNT_MAX_FORCE_BATCHES" yaml:"max_force_batches"`
	CopyBufferSize     int     `env:"PAXCOUNT_COPY_BUFFER_SIZE" yaml:"copy_buffer_size"`
	CompactThreshold   float64 `env:"PAXCOUNT_COMPACT_THRESHOLD" yaml:"compact_threshold"`
	EmergencyThreshold float64 `env:"PAXCOUNT_EMERGENCY_THRESHOLD" yaml:"emergency_threshold"`

	TokenExpiryBuffer time.Duration `env:"PAXCOUNT_TOKEN_EXPIRY_BUFFER" yaml:"token_expiry_buffer"`
	TimeoutShort      time.Duration `env:"PAXCOUNT_TIMEOUT_SHORT" yaml:"timeout_short"`
	TimeoutNormal     time.Duration `env:"PAXCOUNT_TIMEOUT_NORMAL" yaml:"timeout_normal"`
	TimeoutLong       time.Duration `env:"PAXCOUNT_TIMEOUT_LONG" yaml:"timeout_long"`

	// Control loop timers
	SyncInterval         time.Duration `env:"PAXCOUNT_SYNC_INTERVAL" yaml:"sync_interval"`
	PriceInterval        time.Duration `env:"PAXCOUNT_PRICE_INTERVAL" yaml:"price_interval"`
	HeartbeatInterval    time.Duration `env:"PAXCOUNT_HEARTBEAT_INTERVAL" yaml:"heartbeat_interval"`
	TokenCheckInterval   time.Duration `env:"PAXCOUNT_TOKEN_CHECK_INTERVAL" yaml:"token_check_interval"`
	StorageCheckInterval time.Duration `env:"PAXCOUNT_STORAGE_CHECK_INTERVAL" yaml:"storage_check_interval"`
	TickInterval         time.Duration `env:"PAXCOUNT_TICK_INTERVAL" yaml:"tick_interval"`

	// Journal retention
	JournalRetentionDays int `env:"PAXCOUNT_JOURNAL_RETENTION_DAYS" yaml:"journal_retention_days"` // 0 = keep forever
	PruneIntervalHours   int `env:"PAXCOUNT_PRUNE_INTERVAL_HOURS" yaml:"prune_interval_hours"`

	// WiFiInterface is watched for link state. Empty treats the link as
	// always up.
	WiFiInterface string `env:"PAXCOUNT_WIFI_INTERFACE" yaml:"wifi_interface"`
}

func Defaults() Config {
	return Config{
		HTTPAddr: "127.0.0.1:8080",
		Env:      "dev",
		DataDir:  "./data",

		ServerURL:    "http://localhost:8000",
		APIBasePath:  "/api/v1",
		DeviceSerial: "BUS-001",

		TripID:      1,
		BusCapacity: 50,
		BasePrice:   200,
		TimeZone:    "Local",

		MaxEvents:          10000,
		MemoryBufferSize:   100,
		BatchSize:          100,
		MaxForceBatches:    10,
		CopyBufferSize:     512,
		CompactThreshold:   0.8,
		EmergencyThreshold: 0.5,

		TokenExpiryBuffer: 5 * time.Minute,
		TimeoutShort:      3 * time.Second,
		TimeoutNormal:     10 * time.Second,
		TimeoutLong:       15 * time.Second,

		SyncInterval:         5 * time.Minute,
		PriceInterval:        5 * time.Minute,
		HeartbeatInterval:    30 * time.Second,
		TokenCheckInterval:   10 * time.Minute,
		StorageCheckInterval: 30 * time.Minute,
		TickInterval:         100 * time.Millisecond,

		JournalRetentionDays: 30,
		PruneIntervalHours:   6,
	}
}

// Load builds the config from the defaults, the optional YAML file named by
// PAXCOUNT_CONFIG_FILE, and then the environment.
//
// Loading is fail-soft: an unreadable file or an invalid value is reported
// in the returned error, but the returned Config is always usable, with
// the offending setting left at its previous layer's value.
func Load() (Config, error) {
	cfg := Defaults()
	var problems []error

	if path := strings.TrimSpace(os.Getenv(FileEnvVar)); path != "" {
		overlay, err := readFile(path, cfg)
		if err != nil {
			problems = append(problems, err)
		} else {
			cfg = overlay
		}
	}

	if err := env.Parse(&cfg); err != nil {
		problems = append(problems, fmt.Errorf("parse env: %w", err))
	}

	problems = append(problems, cfg.sanitize()...)
	return cfg, errors.Join(problems...)
}

// FromEnv is Load without the diagnostics.
func FromEnv() Config {
	cfg, _ := Load()
	return cfg
}

// readFile decodes path over base. Unknown keys are rejected so typos do
// not silently fall back to defaults.
func readFile(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("read config file: %w", err)
	}
	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return base, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// sanitize resets out-of-range values to their defaults.
func (c *Config) sanitize() []error {
	def := Defaults()
	var errs []error
	reset := func(name string, bad any, apply func()) {
		errs = append(errs, fmt.Errorf("%s: invalid value %v, using default", name, bad))
		apply()
	}

	c.Env = strings.ToLower(strings.TrimSpace(c.Env))
	if c.Env != "dev" && c.Env != "prod" {
		// fail-soft: treat unknown as dev
		reset("env", c.Env, func() { c.Env = def.Env })
	}
	if strings.TrimSpace(c.DataDir) == "" {
		c.DataDir = def.DataDir
	}
	if strings.TrimSpace(c.DBPath) == "" {
		c.DBPath = filepath.Join(c.DataDir, "paxcount.db")
	}
	if strings.TrimSpace(c.ServerURL) == "" {
		c.ServerURL = def.ServerURL
	}

	if c.TripID <= 0 {
		reset("trip_id", c.TripID, func() { c.TripID = def.TripID })
	}
	if c.BusCapacity <= 0 {
		reset("bus_capacity", c.BusCapacity, func() { c.BusCapacity = def.BusCapacity })
	}
	if c.BasePrice <= 0 {
		reset("base_price", c.BasePrice, func() { c.BasePrice = def.BasePrice })
	}
	if _, err := c.Location(); err != nil {
		reset("timezone", c.TimeZone, func() { c.TimeZone = def.TimeZone })
	}

	if c.MaxEvents <= 0 {
		reset("max_events", c.MaxEvents, func() { c.MaxEvents = def.MaxEvents })
	}
	if c.MemoryBufferSize <= 0 {
		reset("memory_buffer_size", c.MemoryBufferSize, func() { c.MemoryBufferSize = def.MemoryBufferSize })
	}
	if c.BatchSize <= 0 {
		reset("batch_size", c.BatchSize, func() { c.BatchSize = def.BatchSize })
	}
	if c.MaxForceBatches <= 0 {
		reset("max_force_batches", c.MaxForceBatches, func() { c.MaxForceBatches = def.MaxForceBatches })
	}
	if c.CopyBufferSize <= 0 {
		reset("copy_buffer_size", c.CopyBufferSize, func() { c.CopyBufferSize = def.CopyBufferSize })
	}
	if c.CompactThreshold <= 0 || c.CompactThreshold > 1 {
		reset("compact_threshold", c.CompactThreshold, func() { c.CompactThreshold = def.CompactThreshold })
	}
	if c.EmergencyThreshold <= 0 || c.EmergencyThreshold > 1 {
		reset("emergency_threshold", c.EmergencyThreshold, func() { c.EmergencyThreshold = def.EmergencyThreshold })
	}

	durations := []struct {
		name string
		v    *time.Duration
		def  time.Duration
	}{
		{"token_expiry_buffer", &c.TokenExpiryBuffer, def.TokenExpiryBuffer},
		{"timeout_short", &c.TimeoutShort, def.TimeoutShort},
		{"timeout_normal", &c.TimeoutNormal, def.TimeoutNormal},
		{"timeout_long", &c.TimeoutLong, def.TimeoutLong},
		{"sync_interval", &c.SyncInterval, def.SyncInterval},
		{"price_interval", &c.PriceInterval, def.PriceInterval},
		{"heartbeat_interval", &c.HeartbeatInterval, def.HeartbeatInterval},
		{"token_check_interval", &c.TokenCheckInterval, def.TokenCheckInterval},
		{"storage_check_interval", &c.StorageCheckInterval, def.StorageCheckInterval},
		{"tick_interval", &c.TickInterval, def.TickInterval},
	}
	for _, d := range durations {
		if *d.v <= 0 {
			reset(d.name, *d.v, func() { *d.v = d.def })
		}
	}

	if c.JournalRetentionDays < 0 {
		reset("journal_retention_days", c.JournalRetentionDays, func() { c.JournalRetentionDays = def.JournalRetentionDays })
	}
	if c.PruneIntervalHours <= 0 {
		reset("prune_interval_hours", c.PruneIntervalHours, func() { c.PruneIntervalHours = def.PruneIntervalHours })
	}
	return errs
}

// Location resolves TimeZone for the pricing time-of-day factors.
func (c Config) Location() (*time.Location, error) {
	switch strings.TrimSpace(c.TimeZone) {
	case "", "Local":
		return time.Local, nil
	case "UTC":
		return time.UTC, nil
	}
	return time.LoadLocation(c.TimeZone)
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv(FileEnvVar, "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxEvents != 10000 || cfg.BatchSize != 100 || cfg.MemoryBufferSize != 100 {
		t.Errorf("event log defaults = %d/%d/%d", cfg.MaxEvents, cfg.BatchSize, cfg.MemoryBufferSize)
	}
	if cfg.MaxForceBatches != 10 {
		t.Errorf("MaxForceBatches = %d, want 10", cfg.MaxForceBatches)
	}
	if cfg.SyncInterval != 5*time.Minute || cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("timers = %s/%s", cfg.SyncInterval, cfg.HeartbeatInterval)
	}
	if cfg.DBPath != filepath.Join("./data", "paxcount.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q", cfg.Env)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(FileEnvVar, "")
	t.Setenv("PAXCOUNT_SERVER_URL", "http://10.0.0.5:8000")
	t.Setenv("PAXCOUNT_BATCH_SIZE", "25")
	t.Setenv("PAXCOUNT_SYNC_INTERVAL", "90s")
	t.Setenv("PAXCOUNT_ENV", "PROD")
	t.Setenv("PAXCOUNT_DATA_DIR", "/var/lib/paxcount")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ServerURL != "http://10.0.0.5:8000" || cfg.BatchSize != 25 || cfg.SyncInterval != 90*time.Second {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod", cfg.Env)
	}
	if cfg.DBPath != "/var/lib/paxcount/paxcount.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	yaml := "device_serial: BUS-042\nbus_capacity: 80\nheartbeat_interval: 1m\nbatch_size: 10\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(FileEnvVar, path)
	t.Setenv("PAXCOUNT_BATCH_SIZE", "20")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DeviceSerial != "BUS-042" || cfg.BusCapacity != 80 || cfg.HeartbeatInterval != time.Minute {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.BatchSize != 20 {
		t.Errorf("BatchSize = %d, env should win over file", cfg.BatchSize)
	}
	if cfg.MaxEvents != 10000 {
		t.Errorf("unset keys keep defaults, MaxEvents = %d", cfg.MaxEvents)
	}
}

func TestLoad_UnknownFileKeyIgnoresFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "device.yaml")
	if err := os.WriteFile(path, []byte("bus_capacity: 80\nbus_capcity: 90\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(FileEnvVar, path)

	cfg, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("err = %v, want parse error", err)
	}
	if cfg.BusCapacity != 50 {
		t.Errorf("BusCapacity = %d, want default", cfg.BusCapacity)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	t.Setenv(FileEnvVar, filepath.Join(t.TempDir(), "nope.yaml"))

	cfg, err := Load()
	if err == nil {
		t.Fatal("expected an error for a missing file")
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d", cfg.BatchSize)
	}
}

func TestLoad_FailSoftInvalidValues(t *testing.T) {
	t.Setenv(FileEnvVar, "")
	t.Setenv("PAXCOUNT_ENV", "staging")
	t.Setenv("PAXCOUNT_BUS_CAPACITY", "-4")
	t.Setenv("PAXCOUNT_TICK_INTERVAL", "0s")
	t.Setenv("PAXCOUNT_COMPACT_THRESHOLD", "1.5")
	t.Setenv("PAXCOUNT_TIMEZONE", "Mars/Olympus")
	t.Setenv("PAXCOUNT_MAX_FORCE_BATCHES", "0")

	cfg, err := Load()
	if err == nil {
		t.Fatal("expected diagnostics for invalid values")
	}
	if cfg.Env != "dev" || cfg.BusCapacity != 50 || cfg.TickInterval != 100*time.Millisecond {
		t.Errorf("cfg = env %q cap %d tick %s", cfg.Env, cfg.BusCapacity, cfg.TickInterval)
	}
	if cfg.CompactThreshold != 0.8 || cfg.TimeZone != "Local" || cfg.MaxForceBatches != 10 {
		t.Errorf("threshold %v timezone %q max force batches %d", cfg.CompactThreshold, cfg.TimeZone, cfg.MaxForceBatches)
	}
	for _, key := range []string{"env", "bus_capacity", "tick_interval", "compact_threshold", "timezone", "max_force_batches"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("diagnostics missing %q: %v", key, err)
		}
	}
}

func TestLoad_UnparsableEnvKeepsDefault(t *testing.T) {
	t.Setenv(FileEnvVar, "")
	t.Setenv("PAXCOUNT_BATCH_SIZE", "lots")
	t.Setenv("PAXCOUNT_DEVICE_SERIAL", "BUS-777")

	cfg, err := Load()
	if err == nil || !strings.Contains(err.Error(), "parse env") {
		t.Fatalf("err = %v", err)
	}
	if cfg.BatchSize != 100 {
		t.Errorf("BatchSize = %d, want default", cfg.BatchSize)
	}
	if cfg.DeviceSerial != "BUS-777" {
		t.Errorf("valid vars still apply, DeviceSerial = %q", cfg.DeviceSerial)
	}
}

func TestLocation(t *testing.T) {
	cases := map[string]*time.Location{"": time.Local, "Local": time.Local, "UTC": time.UTC}
	for tz, want := range cases {
		got, err := Config{TimeZone: tz}.Location()
		if err != nil || got != want {
			t.Errorf("Location(%q) = %v, %v", tz, got, err)
		}
	}
}

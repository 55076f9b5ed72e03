package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/internal/vmgerr"
)

const sampleConfig = `{
  "server": {
    "host": "ota.example.com",
    "http": {"port": 8443, "use_https": true, "api_base": "/api/v2"},
    "mqtt": {"port": 8883, "use_tls": true, "username": "vmg", "password": "secret"}
  },
  "vehicle": {"vin": "KMHXX11111111111", "model": "Genesis GV80", "model_year": 2024},
  "device": {"id": "vmg-001", "software_version": "2.0.0"},
  "zgw": {
    "ip_address": "192.168.1.10",
    "routing": {"1": {"host": "192.168.1.10", "port": 13400}, "9": {"host": "192.168.1.30", "port": 13402}}
  },
  "ota": {"download_path": "/mnt/data/ota/downloads", "install_path": "/mnt/data/ota/install"},
  "partition": {
    "partition_a": "/tmp/vmg/partition_a",
    "partition_b": "/tmp/vmg/partition_b",
    "boot_status_path": "/tmp/vmg/data/boot_status.dat",
    "simulation_mode": true
  },
  "readiness": {"min_battery_percent": 40}
}`

func writeConfig(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)

	assert.Equal(t, "KMHXX11111111111", cfg.Vehicle.VIN)
	assert.Equal(t, uint16(2024), cfg.Vehicle.ModelYear)
	assert.Equal(t, "https://ota.example.com:8443/api/v2", cfg.HTTPBaseURL())
	assert.Equal(t, "ssl://ota.example.com:8883", cfg.BrokerURL())

	// Defaults fill the gaps.
	assert.Equal(t, uint16(13400), cfg.ZGW.DoIPPort)
	assert.Equal(t, 30, cfg.Monitoring.HeartbeatIntervalSec)
	assert.Equal(t, "oem", cfg.Server.MQTT.TopicRoot)
	assert.Equal(t, 40, cfg.Readiness.MinBatteryPercent)
	assert.Equal(t, 500, cfg.Readiness.MinFreeSpaceMB)
	assert.False(t, cfg.ZGW.AllowMockFallback)
	assert.True(t, cfg.Partition.SimulationMode)
}

func TestRoutingTable(t *testing.T) {
	cfg, err := NewLoader(writeConfig(t, sampleConfig)).Load()
	require.NoError(t, err)

	rt, err := cfg.ZGW.RoutingTable()
	require.NoError(t, err)
	assert.Equal(t, pkgfile.ZGWEndpoint{Host: "192.168.1.10", Port: 13400}, rt.Resolve(1))
	assert.Equal(t, pkgfile.ZGWEndpoint{Host: "192.168.1.30", Port: 13402}, rt.Resolve(9))
	// Zone 5 is unlisted and falls back to the factory ranges.
	assert.Equal(t, "192.168.1.11", rt.Resolve(5).Host)
}

func TestLoadRejectsMissingVIN(t *testing.T) {
	doc := `{"server": {"host": "x"}, "vehicle": {"model": "M"},
	  "zgw": {"ip_address": "1.2.3.4"},
	  "ota": {"download_path": "/tmp/dl"},
	  "partition": {"boot_status_path": "/tmp/bs"}}`

	_, err := NewLoader(writeConfig(t, doc)).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrConfig)
}

func TestLoadRejectsBadRoutingKey(t *testing.T) {
	doc := `{"server": {"host": "x"},
	  "vehicle": {"vin": "V", "model": "M"},
	  "zgw": {"ip_address": "1.2.3.4", "routing": {"front-left": {"host": "h", "port": 1}}},
	  "ota": {"download_path": "/tmp/dl"},
	  "partition": {"boot_status_path": "/tmp/bs"}}`

	_, err := NewLoader(writeConfig(t, doc)).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrConfig)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.json")).Load()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrConfig)
}

package gateway

import (
	"encoding/json"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlseong/vmg/internal/config"
	"github.com/zlseong/vmg/internal/ota"
	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/pkg/log"
)

func TestCommandDecoding(t *testing.T) {
	payload := []byte(`{
		"command": "start_ota",
		"campaign_id": "campaign_2024_11",
		"package_url": "https://ota.example.com/pkg/campaign_2024_11.bin",
		"package_size": 10485760,
		"firmware_version": 16908291,
		"sha256_hash": "aa",
		"package_type": "vehicle"
	}`)

	var cmd Command
	require.NoError(t, json.Unmarshal(payload, &cmd))
	assert.Equal(t, "start_ota", cmd.Command)
	assert.Equal(t, "campaign_2024_11", cmd.CampaignID)
	assert.Equal(t, uint32(10485760), cmd.PackageSize)
	assert.Equal(t, uint32(0x01020003), cmd.FirmwareVersion)
	assert.Equal(t, "vehicle", cmd.PackageType)
}

func TestDiagStatusHandler(t *testing.T) {
	dir := t.TempDir()
	pm := partition.NewManager(partition.Config{
		PartitionA:     filepath.Join(dir, "a"),
		PartitionB:     filepath.Join(dir, "b"),
		DataPartition:  filepath.Join(dir, "data"),
		DataMountPoint: filepath.Join(dir, "mnt"),
		BootStatusPath: filepath.Join(dir, "boot_status.dat"),
		SimulationMode: true,
	})
	require.NoError(t, pm.Initialize())

	g := &Gateway{
		cfg: &config.Config{
			Vehicle: config.VehicleConfig{VIN: "KMHXX11111111111"},
			Device:  config.DeviceConfig{ID: "vmg-001"},
		},
		partitions: pm,
		orch:       ota.New(ota.Config{DownloadDir: dir}),
		logger:     log.WithName("test"),
	}

	rec := httptest.NewRecorder()
	g.handleDiagStatus(rec, httptest.NewRequest("GET", "/status", nil))

	require.Equal(t, 200, rec.Code)
	var doc diagStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, "vmg-001", doc.DeviceID)
	assert.Equal(t, "A", doc.Partitions.Active)
	assert.Equal(t, "ACTIVE", doc.Partitions.StateA)
	assert.Equal(t, "EMPTY", doc.Partitions.StateB)
	assert.Equal(t, ota.StateIdle, doc.OTA.State)
}

package ota

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlseong/vmg/internal/httpc"
	"github.com/zlseong/vmg/internal/partition"
	"github.com/zlseong/vmg/internal/pkgfile"
	"github.com/zlseong/vmg/internal/vmgerr"
)

const (
	testVIN   = "KMHXX11111111111"
	testModel = "Genesis GV80"
	testYear  = uint16(2024)
)

// packageServer serves one blob with single-range support and optional
// per-request latency.
func packageServer(t *testing.T, content []byte, delay time.Duration, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests.Add(1)
		}
		if delay > 0 {
			time.Sleep(delay)
		}

		var start, end int
		if _, err := fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end); err != nil {
			w.Write(content)
			return
		}
		if end >= len(content) {
			end = len(content) - 1
		}
		w.WriteHeader(http.StatusPartialContent)
		w.Write(content[start : end+1])
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newPartitionManager(t *testing.T) *partition.Manager {
	t.Helper()
	dir := t.TempDir()
	pm := partition.NewManager(partition.Config{
		PartitionA:     filepath.Join(dir, "partition_a"),
		PartitionB:     filepath.Join(dir, "partition_b"),
		DataPartition:  filepath.Join(dir, "data"),
		DataMountPoint: filepath.Join(dir, "mnt"),
		BootStatusPath: filepath.Join(dir, "data", "boot_status.dat"),
		SimulationMode: true,
	})
	require.NoError(t, pm.Initialize())
	return pm
}

// eventRecorder captures progress events for ordering assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) sink() Sink {
	return func(ev Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
	}
}

func (r *eventRecorder) all() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// fakeLink is an in-memory ZGW transport.
type fakeLink struct {
	endpoint string
	active   bool
	connects int
	sent     [][2]any // [id string, byte count int]
	sendErr  error
}

func (f *fakeLink) IsActive() bool { return f.active }
func (f *fakeLink) Disconnect()    { f.active = false }
func (f *fakeLink) Connect() error {
	f.connects++
	f.active = true
	return nil
}
func (f *fakeLink) SendFirmware(id string, firmware []byte) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, [2]any{id, len(firmware)})
	return nil
}

type fakeFleet struct {
	mu    sync.Mutex
	links map[string]*fakeLink
}

func newFakeFleet() *fakeFleet {
	return &fakeFleet{links: make(map[string]*fakeLink)}
}

func (f *fakeFleet) dial(ep pkgfile.ZGWEndpoint) ZGWLink {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := fmt.Sprintf("%s:%d", ep.Host, ep.Port)
	link := &fakeLink{endpoint: key}
	f.links[key] = link
	return link
}

func testOrchestrator(t *testing.T, cfg Config) *Orchestrator {
	t.Helper()
	if cfg.DownloadDir == "" {
		cfg.DownloadDir = t.TempDir()
	}
	if cfg.HTTP == nil {
		cfg.HTTP = httpc.NewClient("", 0, false)
	}
	cfg.Identity = VehicleIdentity{VIN: testVIN, Model: testModel, ModelYear: testYear}
	return New(cfg)
}

func TestSelfOTAHappyPath(t *testing.T) {
	image := make([]byte, 300*1024)
	_, err := rand.Read(image)
	require.NoError(t, err)
	sum := sha256.Sum256(image)

	srv := packageServer(t, image, 0, nil)
	pm := newPartitionManager(t)
	rec := &eventRecorder{}

	o := testOrchestrator(t, Config{Partitions: pm, Sink: rec.sink()})
	info := PackageInfo{
		CampaignID:      "campaign_test_001",
		PackageURL:      srv.URL,
		PackageSize:     uint32(len(image)),
		FirmwareVersion: 0x01020003,
		SHA256Hash:      hex.EncodeToString(sum[:]),
		PackageType:     "self",
	}

	require.NoError(t, o.StartSelfOTA(context.Background(), info))
	assert.Equal(t, StateReady, o.State())

	// Installed standby is READY and the boot target points at it.
	assert.Equal(t, partition.B, pm.Active())
	assert.Equal(t, partition.StateReady, pm.StateOf(partition.B))
	assert.Equal(t, uint32(0), pm.Status().BootCount)

	meta, err := pm.ReadMetadata(partition.B)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x01020003), meta.FirmwareVersion)
	assert.Equal(t, sum, meta.SHA256)
	require.NoError(t, pm.Verify(partition.B))

	require.NoError(t, o.Acknowledge())
	assert.Equal(t, StateCompleted, o.State())
	assert.False(t, o.InProgress())

	// Progress percentages never regress.
	last := -1
	for _, ev := range rec.all() {
		if bp, ok := ev.(ByteProgress); ok {
			assert.GreaterOrEqual(t, bp.Percentage, last)
			last = bp.Percentage
		}
	}
	assert.Equal(t, 100, last)
}

func TestSelfOTAHashMismatch(t *testing.T) {
	image := bytes.Repeat([]byte{0xAB}, 128*1024)
	srv := packageServer(t, image, 0, nil)
	pm := newPartitionManager(t)
	rec := &eventRecorder{}

	o := testOrchestrator(t, Config{Partitions: pm, Sink: rec.sink()})
	info := PackageInfo{
		CampaignID:  "campaign_bad_hash",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(image)),
		SHA256Hash:  "00000000000000000000000000000000" + "00000000000000000000000000000000",
	}

	err := o.StartSelfOTA(context.Background(), info)
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIntegrity)
	assert.Equal(t, StateError, o.State())

	// The partial file stays for post-mortem; no partition was touched.
	_, statErr := os.Stat(filepath.Join(o.cfg.DownloadDir, "campaign_bad_hash.bin"))
	assert.NoError(t, statErr)
	_, metaErr := pm.ReadMetadata(pm.Standby())
	assert.Error(t, metaErr)

	events := rec.all()
	require.NotEmpty(t, events)
	failed, ok := events[len(events)-1].(Failed)
	require.True(t, ok, "last event must be Failed")
	assert.Equal(t, "integrity", failed.Kind)
}

func vehiclePackageBytes(t *testing.T, vin string) []byte {
	t.Helper()
	pkg, err := pkgfile.BuildVehiclePackage(pkgfile.VehicleSpec{
		VIN:             vin,
		Model:           testModel,
		ModelYear:       testYear,
		MasterSWVersion: 0x02000000,
		MasterSWString:  "v2.0.0",
		Zones: []pkgfile.ZoneSpec{
			{
				ZoneID:     "Zone_Front_Left",
				ZoneNumber: 1,
				ZoneName:   "Front Left Zone",
				ECUs: []pkgfile.ECUSpec{
					{ECUID: "ECU_011", SWVersion: 0x00010102, Firmware: bytes.Repeat([]byte{0x11}, 4096)},
				},
			},
			{
				ZoneID:     "Zone_Rear",
				ZoneNumber: 5,
				ZoneName:   "Rear Zone",
				ECUs: []pkgfile.ECUSpec{
					{ECUID: "ECU_051", SWVersion: 0x00020000, Firmware: bytes.Repeat([]byte{0x22}, 2048)},
				},
			},
		},
	})
	require.NoError(t, err)
	return pkg
}

func TestVehicleOTAHappyPath(t *testing.T) {
	pkg := vehiclePackageBytes(t, testVIN)
	sum := sha256.Sum256(pkg)
	srv := packageServer(t, pkg, 0, nil)
	fleet := newFakeFleet()
	rec := &eventRecorder{}

	o := testOrchestrator(t, Config{Dial: fleet.dial, Sink: rec.sink()})
	info := PackageInfo{
		CampaignID:  "campaign_vehicle_001",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(pkg)),
		SHA256Hash:  hex.EncodeToString(sum[:]),
		PackageType: "vehicle",
	}

	require.NoError(t, o.StartVehicleOTA(context.Background(), info))
	assert.Equal(t, StateCompleted, o.State())
	assert.Equal(t, 100, o.Progress().Percentage)

	// Default routing: zone 1 -> ZGW#1, zone 5 -> ZGW#2.
	require.Len(t, fleet.links, 2)
	zgw1 := fleet.links["192.168.1.10:13400"]
	zgw2 := fleet.links["192.168.1.11:13400"]
	require.NotNil(t, zgw1)
	require.NotNil(t, zgw2)
	require.Len(t, zgw1.sent, 1)
	require.Len(t, zgw2.sent, 1)
	assert.Equal(t, "Zone_Front_Left", zgw1.sent[0][0])
	assert.Equal(t, "Zone_Rear", zgw2.sent[0][0])
}

func TestVehicleOTAClientCacheByEndpoint(t *testing.T) {
	pkg := vehiclePackageBytes(t, testVIN)
	sum := sha256.Sum256(pkg)
	srv := packageServer(t, pkg, 0, nil)
	fleet := newFakeFleet()

	// Route both zones to the same ZGW; exactly one client must exist and
	// carry both zone packages in order.
	routing := pkgfile.RoutingTable{
		1: {Host: "10.1.1.1", Port: 13400},
		5: {Host: "10.1.1.1", Port: 13400},
	}

	o := testOrchestrator(t, Config{Dial: fleet.dial, Routing: routing})
	info := PackageInfo{
		CampaignID:  "campaign_vehicle_002",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(pkg)),
		SHA256Hash:  hex.EncodeToString(sum[:]),
	}

	require.NoError(t, o.StartVehicleOTA(context.Background(), info))

	require.Len(t, fleet.links, 1)
	link := fleet.links["10.1.1.1:13400"]
	require.NotNil(t, link)
	assert.Equal(t, 1, link.connects)
	require.Len(t, link.sent, 2)
	assert.Equal(t, "Zone_Front_Left", link.sent[0][0])
	assert.Equal(t, "Zone_Rear", link.sent[1][0])
}

func TestVehicleOTACorruptPackage(t *testing.T) {
	pkg := vehiclePackageBytes(t, testVIN)
	pkg[pkgfile.VehicleHeaderSize+50] ^= 0x01 // body damage: parse passes, verify fails
	srv := packageServer(t, pkg, 0, nil)
	fleet := newFakeFleet()
	rec := &eventRecorder{}

	o := testOrchestrator(t, Config{Dial: fleet.dial, Sink: rec.sink()})
	info := PackageInfo{
		CampaignID:  "campaign_corrupt",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(pkg)),
	}

	err := o.StartVehicleOTA(context.Background(), info)
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIntegrity)
	assert.Equal(t, StateError, o.State())
	assert.Empty(t, fleet.links)

	events := rec.all()
	failed, ok := events[len(events)-1].(Failed)
	require.True(t, ok)
	assert.Equal(t, "integrity", failed.Kind)
}

func TestVehicleOTAWrongVIN(t *testing.T) {
	pkg := vehiclePackageBytes(t, "KMHXX22222222222")
	srv := packageServer(t, pkg, 0, nil)

	o := testOrchestrator(t, Config{Dial: newFakeFleet().dial})
	info := PackageInfo{
		CampaignID:  "campaign_wrong_vin",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(pkg)),
	}

	err := o.StartVehicleOTA(context.Background(), info)
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrTargetMismatch)
	assert.Equal(t, StateError, o.State())
}

func TestCancelDuringDownload(t *testing.T) {
	image := make([]byte, 1024*1024)
	var requests atomic.Int32
	srv := packageServer(t, image, 10*time.Millisecond, &requests)
	pm := newPartitionManager(t)

	o := testOrchestrator(t, Config{Partitions: pm})
	info := PackageInfo{
		CampaignID:  "campaign_cancel",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(image)),
	}

	done := make(chan error, 1)
	go func() {
		done <- o.StartSelfOTA(context.Background(), info)
	}()

	// Let two chunks land, then cancel.
	for requests.Load() < 2 {
		time.Sleep(time.Millisecond)
	}
	require.NoError(t, o.Cancel())

	err := <-done
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrCancelled)
	assert.Equal(t, StateError, o.State())
	assert.Equal(t, "cancelled", o.Progress().Error)

	// At least the two chunks that completed are on disk.
	fi, statErr := os.Stat(filepath.Join(o.cfg.DownloadDir, "campaign_cancel.bin"))
	require.NoError(t, statErr)
	assert.GreaterOrEqual(t, fi.Size(), int64(2*64*1024))

	// No partition metadata was written.
	_, metaErr := pm.ReadMetadata(pm.Standby())
	assert.Error(t, metaErr)
}

func TestCancelWithoutTransaction(t *testing.T) {
	o := testOrchestrator(t, Config{})
	err := o.Cancel()
	assert.ErrorIs(t, err, vmgerr.ErrState)
}

func TestRestartAfterError(t *testing.T) {
	image := bytes.Repeat([]byte{0x01}, 64*1024)
	sum := sha256.Sum256(image)
	srv := packageServer(t, image, 0, nil)
	pm := newPartitionManager(t)

	o := testOrchestrator(t, Config{Partitions: pm})

	bad := PackageInfo{
		CampaignID:  "first",
		PackageURL:  srv.URL,
		PackageSize: uint32(len(image)),
		SHA256Hash:  "not-a-hash",
	}
	require.Error(t, o.StartSelfOTA(context.Background(), bad))
	assert.Equal(t, StateError, o.State())

	good := bad
	good.CampaignID = "second"
	good.SHA256Hash = hex.EncodeToString(sum[:])
	require.NoError(t, o.StartSelfOTA(context.Background(), good))
	assert.Equal(t, StateReady, o.State())
}

package pkgfile

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlseong/vmg/internal/vmgerr"
)

func writeTestZone(t *testing.T) string {
	t.Helper()
	pkg, err := BuildZonePackage(ZoneSpec{
		ZoneID:     "Zone_Front_Left",
		ZoneNumber: 1,
		ZoneName:   "Front Left Zone",
		Timestamp:  1731830400,
		ECUs: []ECUSpec{
			{
				ECUID:         "ECU_011",
				SWVersion:     0x00010102,
				VersionString: "v0.1.1.2",
				Firmware:      bytes.Repeat([]byte{0xEE}, 3000),
			},
		},
	})
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "zone_1.bin")
	require.NoError(t, os.WriteFile(path, pkg, 0o644))
	return path
}

func TestZoneParseAndVerify(t *testing.T) {
	path := writeTestZone(t)

	p := NewZoneParser(path)
	require.NoError(t, p.Parse())
	require.NoError(t, p.Verify())

	assert.Equal(t, "Zone_Front_Left", p.ZoneID())
	assert.Equal(t, "Front Left Zone", p.ZoneName())
	assert.Equal(t, uint8(1), p.Header().ZoneNumber)

	ecus := p.ECUs()
	require.Len(t, ecus, 1)
	assert.Equal(t, "ECU_011", ecus[0].ECUID)
	assert.Equal(t, uint32(ZoneHeaderSize), ecus[0].Offset)
	assert.Equal(t, uint32(ECUMetadataSize+3000), ecus[0].Size)
}

func TestZoneVerifyDetectsCorruption(t *testing.T) {
	path := writeTestZone(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[ZoneHeaderSize+500] ^= 0x01
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	p := NewZoneParser(path)
	require.NoError(t, p.Parse())

	err = p.Verify()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIntegrity)
}

func TestZoneParseRejectsBadMagic(t *testing.T) {
	path := writeTestZone(t)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	err = NewZoneParser(path).Parse()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIntegrity)
}

func TestECUPackageCRCMismatch(t *testing.T) {
	pkg, err := BuildECUPackage(ECUSpec{
		ECUID:    "ECU_011",
		Firmware: []byte{1, 2, 3, 4},
	})
	require.NoError(t, err)

	pkg[len(pkg)-1] ^= 0xFF
	_, err = ParseECUPackage(pkg)
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIntegrity)
}

func TestBuildRejectsOversizedTables(t *testing.T) {
	ecus := make([]ECUSpec, MaxECUsInZone+1)
	for i := range ecus {
		ecus[i] = ECUSpec{ECUID: "ECU_X", Firmware: []byte{1}}
	}
	_, err := BuildZonePackage(ZoneSpec{ZoneID: "Z", ZoneNumber: 1, ECUs: ecus})
	assert.ErrorIs(t, err, vmgerr.ErrConfig)

	_, err = BuildECUPackage(ECUSpec{
		ECUID:        "ECU_011",
		Dependencies: make([]ECUPackageDependency, MaxDependencies+1),
	})
	assert.ErrorIs(t, err, vmgerr.ErrConfig)
}

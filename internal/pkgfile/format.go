// Package pkgfile implements the three-layer OTA package container:
// Vehicle Package -> Zone Packages -> ECU Packages.
//
// All on-disk integers are little-endian. Layouts are fixed-size and
// serialized field-by-field through encoding/binary, never by casting
// in-memory structs.
package pkgfile

// Container magic numbers.
const (
	VehicleMagic uint32 = 0x5650504B // "VPPK"
	ZoneMagic    uint32 = 0x5A4F4E45 // "ZONE"
	ECUMagic     uint32 = 0x4543554D // "ECUM"
)

// FormatVersion is the package format version written by this producer.
const FormatVersion uint32 = 0x00010000 // v1.0

// Header and table geometry.
const (
	VehicleHeaderSize = 12288 // 12 KiB
	ZoneHeaderSize    = 1024  // 1 KiB
	ECUMetadataSize   = 256

	MaxZonesInVehicle = 16
	MaxECUsInVehicle  = 256
	MaxECUsInZone     = 16
	MaxDependencies   = 8
)

// ZoneReference is one entry of the vehicle header's zone table (32 bytes).
type ZoneReference struct {
	ZoneID     [16]byte
	Offset     uint32
	Size       uint32
	ZoneNumber uint8
	ECUCount   uint8
	_          [6]byte
}

// ECUReference is one entry of the vehicle header's ECU quick-reference
// table (32 bytes).
type ECUReference struct {
	ECUID           [16]byte
	ZoneNumber      uint8
	FirmwareVersion uint32
	_               [11]byte
}

// VehicleMetadata is the 12 KiB vehicle package header.
//
// VehicleCRC32 covers every byte after the header. MetadataCRC32 covers the
// serialized header itself with both CRC fields zeroed.
type VehicleMetadata struct {
	Magic     uint32
	Version   uint32
	TotalSize uint32

	VIN       [17]byte
	Model     [32]byte
	ModelYear uint16
	Region    uint8
	_         [12]byte

	MasterSWVersion uint32
	MasterSWString  [32]byte
	_               [12]byte

	ZoneCount     uint8
	TotalECUCount uint8
	_             [14]byte

	VehicleCRC32  uint32
	MetadataCRC32 uint32
	_             [8]byte

	ZoneRefs [MaxZonesInVehicle]ZoneReference
	ECURefs  [MaxECUsInVehicle]ECUReference

	_ [3428]byte
}

// ZoneECUEntry is one entry of the zone header's ECU table (48 bytes).
type ZoneECUEntry struct {
	ECUID           [16]byte
	Offset          uint32
	Size            uint32
	MetadataSize    uint32
	FirmwareSize    uint32
	FirmwareVersion uint32
	CRC32           uint32
	Priority        uint8
	_               [7]byte
}

// ZoneHeader is the 1 KiB zone package header. ZoneCRC32 covers every byte
// after the header.
type ZoneHeader struct {
	Magic     uint32
	Version   uint32
	TotalSize uint32

	ZoneID       [16]byte
	ZoneNumber   uint8
	PackageCount uint8
	_            [2]byte

	ZoneCRC32 uint32
	Timestamp uint32

	ZoneName [32]byte
	_        [184]byte

	ECUTable [MaxECUsInZone]ZoneECUEntry
}

// ECUDependency names another ECU and the minimum version it must run
// (20 bytes).
type ECUDependency struct {
	ECUID      [16]byte
	MinVersion uint32
}

// ECUMetadata is the 256-byte header of one ECU package. The firmware
// bytes follow it immediately.
type ECUMetadata struct {
	Magic uint32

	ECUID          [16]byte
	SWVersion      uint32
	HWVersion      uint32
	FirmwareSize   uint32
	FirmwareCRC32  uint32
	BuildTimestamp uint32

	VersionString [32]byte

	DependencyCount uint8
	_               [7]byte

	Dependencies [MaxDependencies]ECUDependency

	_ [16]byte
}

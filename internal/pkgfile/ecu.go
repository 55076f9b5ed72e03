package pkgfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/zlseong/vmg/internal/vmgerr"
)

// ECUPackage is one decoded ECU package: its metadata plus firmware bytes.
type ECUPackage struct {
	ECUID           string
	SWVersion       uint32
	HWVersion       uint32
	BuildTimestamp  uint32
	VersionString   string
	Dependencies    []ECUPackageDependency
	Firmware        []byte
	FirmwareCRC32   uint32
	FirmwareVersion string
}

// ECUPackageDependency is a decoded dependency record.
type ECUPackageDependency struct {
	ECUID      string
	MinVersion uint32
}

// ParseECUPackage decodes a 256-byte ECU metadata block followed by the
// firmware it describes, verifying the firmware CRC.
func ParseECUPackage(data []byte) (*ECUPackage, error) {
	if len(data) < ECUMetadataSize {
		return nil, fmt.Errorf("%w: ECU package truncated (%d bytes)", vmgerr.ErrIntegrity, len(data))
	}

	var meta ECUMetadata
	if err := binary.Read(bytes.NewReader(data[:ECUMetadataSize]), binary.LittleEndian, &meta); err != nil {
		return nil, fmt.Errorf("%w: decode ECU metadata: %v", vmgerr.ErrIO, err)
	}

	if meta.Magic != ECUMagic {
		return nil, fmt.Errorf("%w: bad ECU metadata magic %#08x", vmgerr.ErrIntegrity, meta.Magic)
	}
	if meta.DependencyCount > MaxDependencies {
		return nil, fmt.Errorf("%w: dependency count %d exceeds limit",
			vmgerr.ErrIntegrity, meta.DependencyCount)
	}

	firmware := data[ECUMetadataSize:]
	if uint32(len(firmware)) < meta.FirmwareSize {
		return nil, fmt.Errorf("%w: firmware truncated: have %d of %d bytes",
			vmgerr.ErrIntegrity, len(firmware), meta.FirmwareSize)
	}
	firmware = firmware[:meta.FirmwareSize]

	if got := crc32.ChecksumIEEE(firmware); got != meta.FirmwareCRC32 {
		return nil, fmt.Errorf("%w: firmware CRC mismatch: calculated %#08x, stored %#08x",
			vmgerr.ErrIntegrity, got, meta.FirmwareCRC32)
	}

	pkg := &ECUPackage{
		ECUID:           cstr(meta.ECUID[:]),
		SWVersion:       meta.SWVersion,
		HWVersion:       meta.HWVersion,
		BuildTimestamp:  meta.BuildTimestamp,
		VersionString:   cstr(meta.VersionString[:]),
		Firmware:        firmware,
		FirmwareCRC32:   meta.FirmwareCRC32,
		FirmwareVersion: FormatVersionString(meta.SWVersion),
	}
	for i := 0; i < int(meta.DependencyCount); i++ {
		dep := meta.Dependencies[i]
		pkg.Dependencies = append(pkg.Dependencies, ECUPackageDependency{
			ECUID:      cstr(dep.ECUID[:]),
			MinVersion: dep.MinVersion,
		})
	}
	return pkg, nil
}

// FormatVersionString renders an 0xAABBCCDD encoded version as
// "vAA.BB.CC.DD" with leading zeros trimmed per component.
func FormatVersionString(v uint32) string {
	return fmt.Sprintf("v%d.%d.%d.%d", byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

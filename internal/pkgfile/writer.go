package pkgfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/zlseong/vmg/internal/vmgerr"
)

// ECUSpec describes one ECU package to produce.
type ECUSpec struct {
	ECUID          string
	SWVersion      uint32
	HWVersion      uint32
	BuildTimestamp uint32
	VersionString  string
	Priority       uint8
	Dependencies   []ECUPackageDependency
	Firmware       []byte
}

// ZoneSpec describes one zone package to produce.
type ZoneSpec struct {
	ZoneID     string
	ZoneNumber uint8
	ZoneName   string
	Timestamp  uint32
	ECUs       []ECUSpec
}

// VehicleSpec describes a complete vehicle package to produce.
type VehicleSpec struct {
	VIN             string
	Model           string
	ModelYear       uint16
	Region          uint8
	MasterSWVersion uint32
	MasterSWString  string
	Zones           []ZoneSpec
}

// BuildECUPackage serializes one ECU package: 256-byte metadata followed by
// the firmware bytes.
func BuildECUPackage(spec ECUSpec) ([]byte, error) {
	if len(spec.Dependencies) > MaxDependencies {
		return nil, fmt.Errorf("%w: %d dependencies exceeds limit %d",
			vmgerr.ErrConfig, len(spec.Dependencies), MaxDependencies)
	}

	meta := ECUMetadata{
		Magic:           ECUMagic,
		SWVersion:       spec.SWVersion,
		HWVersion:       spec.HWVersion,
		FirmwareSize:    uint32(len(spec.Firmware)),
		FirmwareCRC32:   crc32.ChecksumIEEE(spec.Firmware),
		BuildTimestamp:  spec.BuildTimestamp,
		DependencyCount: uint8(len(spec.Dependencies)),
	}
	if err := setFixed(meta.ECUID[:], spec.ECUID); err != nil {
		return nil, err
	}
	if err := setFixed(meta.VersionString[:], spec.VersionString); err != nil {
		return nil, err
	}
	for i, dep := range spec.Dependencies {
		if err := setFixed(meta.Dependencies[i].ECUID[:], dep.ECUID); err != nil {
			return nil, err
		}
		meta.Dependencies[i].MinVersion = dep.MinVersion
	}

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &meta); err != nil {
		return nil, fmt.Errorf("%w: encode ECU metadata: %v", vmgerr.ErrIO, err)
	}
	buf.Write(spec.Firmware)
	return buf.Bytes(), nil
}

// BuildZonePackage serializes one zone package: 1 KiB header followed by
// the ECU packages in spec order.
func BuildZonePackage(spec ZoneSpec) ([]byte, error) {
	if len(spec.ECUs) == 0 || len(spec.ECUs) > MaxECUsInZone {
		return nil, fmt.Errorf("%w: zone %d ECU count %d out of range [1,%d]",
			vmgerr.ErrConfig, spec.ZoneNumber, len(spec.ECUs), MaxECUsInZone)
	}

	header := ZoneHeader{
		Magic:        ZoneMagic,
		Version:      FormatVersion,
		ZoneNumber:   spec.ZoneNumber,
		PackageCount: uint8(len(spec.ECUs)),
		Timestamp:    spec.Timestamp,
	}
	if err := setFixed(header.ZoneID[:], spec.ZoneID); err != nil {
		return nil, err
	}
	if err := setFixed(header.ZoneName[:], spec.ZoneName); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	offset := uint32(ZoneHeaderSize)
	for i, ecu := range spec.ECUs {
		pkg, err := BuildECUPackage(ecu)
		if err != nil {
			return nil, err
		}

		entry := &header.ECUTable[i]
		entry.Offset = offset
		entry.Size = uint32(len(pkg))
		entry.MetadataSize = ECUMetadataSize
		entry.FirmwareSize = uint32(len(ecu.Firmware))
		entry.FirmwareVersion = ecu.SWVersion
		entry.CRC32 = crc32.ChecksumIEEE(pkg)
		entry.Priority = ecu.Priority
		if err := setFixed(entry.ECUID[:], ecu.ECUID); err != nil {
			return nil, err
		}

		body.Write(pkg)
		offset += uint32(len(pkg))
	}

	header.TotalSize = uint32(ZoneHeaderSize + body.Len())
	header.ZoneCRC32 = crc32.ChecksumIEEE(body.Bytes())

	var out bytes.Buffer
	if err := binary.Write(&out, binary.LittleEndian, &header); err != nil {
		return nil, fmt.Errorf("%w: encode zone header: %v", vmgerr.ErrIO, err)
	}
	out.Write(body.Bytes())
	return out.Bytes(), nil
}

// BuildVehiclePackage serializes a complete vehicle package with the zone
// packages laid out contiguously after the 12 KiB header.
func BuildVehiclePackage(spec VehicleSpec) ([]byte, error) {
	if len(spec.Zones) == 0 || len(spec.Zones) > MaxZonesInVehicle {
		return nil, fmt.Errorf("%w: zone count %d out of range [1,%d]",
			vmgerr.ErrConfig, len(spec.Zones), MaxZonesInVehicle)
	}

	meta := VehicleMetadata{
		Magic:           VehicleMagic,
		Version:         FormatVersion,
		ModelYear:       spec.ModelYear,
		Region:          spec.Region,
		MasterSWVersion: spec.MasterSWVersion,
		ZoneCount:       uint8(len(spec.Zones)),
	}
	if err := setFixed(meta.VIN[:], spec.VIN); err != nil {
		return nil, err
	}
	if err := setFixed(meta.Model[:], spec.Model); err != nil {
		return nil, err
	}
	if err := setFixed(meta.MasterSWString[:], spec.MasterSWString); err != nil {
		return nil, err
	}

	var body bytes.Buffer
	offset := uint32(VehicleHeaderSize)
	ecuIndex := 0
	for i, zone := range spec.Zones {
		pkg, err := BuildZonePackage(zone)
		if err != nil {
			return nil, err
		}

		ref := &meta.ZoneRefs[i]
		ref.Offset = offset
		ref.Size = uint32(len(pkg))
		ref.ZoneNumber = zone.ZoneNumber
		ref.ECUCount = uint8(len(zone.ECUs))
		if err := setFixed(ref.ZoneID[:], zone.ZoneID); err != nil {
			return nil, err
		}

		for _, ecu := range zone.ECUs {
			if ecuIndex >= MaxECUsInVehicle {
				return nil, fmt.Errorf("%w: total ECU count exceeds %d",
					vmgerr.ErrConfig, MaxECUsInVehicle)
			}
			eref := &meta.ECURefs[ecuIndex]
			eref.ZoneNumber = zone.ZoneNumber
			eref.FirmwareVersion = ecu.SWVersion
			if err := setFixed(eref.ECUID[:], ecu.ECUID); err != nil {
				return nil, err
			}
			ecuIndex++
		}

		body.Write(pkg)
		offset += uint32(len(pkg))
	}

	meta.TotalECUCount = uint8(ecuIndex)
	meta.TotalSize = uint32(VehicleHeaderSize + body.Len())
	meta.VehicleCRC32 = crc32.ChecksumIEEE(body.Bytes())

	header, err := encodeVehicleHeader(&meta)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+body.Len())
	out = append(out, header...)
	out = append(out, body.Bytes()...)
	return out, nil
}

// WriteVehiclePackage builds the package and writes it to path.
func WriteVehiclePackage(path string, spec VehicleSpec) error {
	pkg, err := BuildVehiclePackage(spec)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, pkg, 0o644); err != nil {
		return fmt.Errorf("%w: write %s: %v", vmgerr.ErrIO, path, err)
	}
	return nil
}

// encodeVehicleHeader serializes the header and stamps MetadataCRC32, which
// is defined over the header bytes with both CRC fields zeroed.
func encodeVehicleHeader(meta *VehicleMetadata) ([]byte, error) {
	stamp := func(m *VehicleMetadata) ([]byte, error) {
		var buf bytes.Buffer
		buf.Grow(VehicleHeaderSize)
		if err := binary.Write(&buf, binary.LittleEndian, m); err != nil {
			return nil, fmt.Errorf("%w: encode vehicle header: %v", vmgerr.ErrIO, err)
		}
		return buf.Bytes(), nil
	}

	bare := *meta
	bare.MetadataCRC32 = 0
	raw, err := stamp(&bare)
	if err != nil {
		return nil, err
	}

	// headerCRC zeroes both CRC fields itself, so computing it on the bare
	// serialization matches what the parser recomputes.
	meta.MetadataCRC32 = headerCRC(raw)
	return stamp(meta)
}

// setFixed copies s into a NUL-padded fixed-size field, leaving room for at
// least one terminator byte.
func setFixed(dst []byte, s string) error {
	if len(s) >= len(dst) {
		return fmt.Errorf("%w: %q does not fit a %d-byte field", vmgerr.ErrConfig, s, len(dst))
	}
	copy(dst, s)
	return nil
}

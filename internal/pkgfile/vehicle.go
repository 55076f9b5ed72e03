package pkgfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"

	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// ZonePackageInfo describes one zone extracted from a vehicle package,
// including where it must be delivered.
type ZonePackageInfo struct {
	ZoneID        string
	ZoneNumber    uint8
	Offset        uint32
	Size          uint32
	ECUCount      uint8
	Target        ZGWEndpoint
	ExtractedPath string
}

// VehicleParser reads and validates a vehicle package file, then extracts
// its zone packages. A parser is created per file and discarded after
// extraction.
type VehicleParser struct {
	path    string
	routing RoutingTable

	meta   VehicleMetadata
	zones  []ZonePackageInfo
	parsed bool

	logger log.Logger
}

// NewVehicleParser creates a parser for the package at path. routing may be
// nil to use the built-in zone routing.
func NewVehicleParser(path string, routing RoutingTable) *VehicleParser {
	return &VehicleParser{
		path:    path,
		routing: routing,
		logger:  log.WithName("vehiclepkg"),
	}
}

// Metadata returns the parsed header. Valid only after Parse.
func (p *VehicleParser) Metadata() *VehicleMetadata {
	return &p.meta
}

// Zones returns the zone table in declaration order. Valid only after Parse.
func (p *VehicleParser) Zones() []ZonePackageInfo {
	return p.zones
}

// Parse reads the 12 KiB header, validates the magic, the header CRC, and
// the structural invariants of the zone and ECU reference tables.
func (p *VehicleParser) Parse() error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: open package: %v", vmgerr.ErrIO, err)
	}
	defer f.Close()

	header := make([]byte, VehicleHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		return fmt.Errorf("%w: read header: %v", vmgerr.ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(header), binary.LittleEndian, &p.meta); err != nil {
		return fmt.Errorf("%w: decode header: %v", vmgerr.ErrIO, err)
	}

	if p.meta.Magic != VehicleMagic {
		return fmt.Errorf("%w: bad vehicle package magic %#08x", vmgerr.ErrIntegrity, p.meta.Magic)
	}
	if got, want := headerCRC(header), p.meta.MetadataCRC32; got != want {
		return fmt.Errorf("%w: header CRC mismatch: calculated %#08x, stored %#08x",
			vmgerr.ErrIntegrity, got, want)
	}

	if err := p.validateTables(); err != nil {
		return err
	}

	p.zones = p.zones[:0]
	for i := 0; i < int(p.meta.ZoneCount); i++ {
		ref := &p.meta.ZoneRefs[i]
		info := ZonePackageInfo{
			ZoneID:     cstr(ref.ZoneID[:]),
			ZoneNumber: ref.ZoneNumber,
			Offset:     ref.Offset,
			Size:       ref.Size,
			ECUCount:   ref.ECUCount,
			Target:     p.routing.Resolve(ref.ZoneNumber),
		}
		p.zones = append(p.zones, info)
	}

	p.parsed = true
	p.logger.Info("Vehicle package parsed",
		"vin", cstr(p.meta.VIN[:]),
		"model", cstr(p.meta.Model[:]),
		"zones", p.meta.ZoneCount,
		"ecus", p.meta.TotalECUCount)
	return nil
}

func (p *VehicleParser) validateTables() error {
	if p.meta.ZoneCount == 0 || p.meta.ZoneCount > MaxZonesInVehicle {
		return fmt.Errorf("%w: zone count %d out of range [1,%d]",
			vmgerr.ErrIntegrity, p.meta.ZoneCount, MaxZonesInVehicle)
	}

	seen := make(map[uint8]bool, p.meta.ZoneCount)
	prevEnd := uint32(VehicleHeaderSize)
	for i := 0; i < int(p.meta.ZoneCount); i++ {
		ref := &p.meta.ZoneRefs[i]
		if seen[ref.ZoneNumber] {
			return fmt.Errorf("%w: duplicate zone number %d", vmgerr.ErrIntegrity, ref.ZoneNumber)
		}
		seen[ref.ZoneNumber] = true

		// Offsets are strictly increasing and non-overlapping.
		if ref.Offset < prevEnd {
			return fmt.Errorf("%w: zone %d overlaps previous region (offset %d < %d)",
				vmgerr.ErrIntegrity, ref.ZoneNumber, ref.Offset, prevEnd)
		}
		end := uint64(ref.Offset) + uint64(ref.Size)
		if end > uint64(p.meta.TotalSize) {
			return fmt.Errorf("%w: zone %d extends past package end", vmgerr.ErrIntegrity, ref.ZoneNumber)
		}
		prevEnd = uint32(end)
	}

	for i := 0; i < int(p.meta.TotalECUCount); i++ {
		ref := &p.meta.ECURefs[i]
		if !seen[ref.ZoneNumber] {
			return fmt.Errorf("%w: ECU %s references unknown zone %d",
				vmgerr.ErrIntegrity, cstr(ref.ECUID[:]), ref.ZoneNumber)
		}
	}
	return nil
}

// Verify streams the bytes after the header, computes their CRC32, and
// compares against the stored package CRC. It also enforces that the zone
// regions account for the whole payload.
func (p *VehicleParser) Verify() error {
	if !p.parsed {
		return fmt.Errorf("%w: verify before parse", vmgerr.ErrState)
	}

	var zoneTotal uint64
	for _, z := range p.zones {
		zoneTotal += uint64(z.Size)
	}
	if VehicleHeaderSize+zoneTotal != uint64(p.meta.TotalSize) {
		return fmt.Errorf("%w: zone sizes (%d) do not account for package payload (%d)",
			vmgerr.ErrIntegrity, zoneTotal, p.meta.TotalSize-VehicleHeaderSize)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: open package: %v", vmgerr.ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(VehicleHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek past header: %v", vmgerr.ErrIO, err)
	}

	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, f, int64(p.meta.TotalSize)-VehicleHeaderSize); err != nil {
		return fmt.Errorf("%w: stream package: %v", vmgerr.ErrIO, err)
	}

	if got := h.Sum32(); got != p.meta.VehicleCRC32 {
		return fmt.Errorf("%w: package CRC mismatch: calculated %#08x, stored %#08x",
			vmgerr.ErrIntegrity, got, p.meta.VehicleCRC32)
	}

	p.logger.Info("Vehicle package verified", "crc32", p.meta.VehicleCRC32)
	return nil
}

// VerifyTarget checks that the package targets this vehicle.
func (p *VehicleParser) VerifyTarget(vin, model string, modelYear uint16) error {
	if !p.parsed {
		return fmt.Errorf("%w: verify target before parse", vmgerr.ErrState)
	}

	if got := cstr(p.meta.VIN[:]); got != vin {
		return fmt.Errorf("%w: VIN %q, expected %q", vmgerr.ErrTargetMismatch, got, vin)
	}
	if got := cstr(p.meta.Model[:]); got != model {
		return fmt.Errorf("%w: model %q, expected %q", vmgerr.ErrTargetMismatch, got, model)
	}
	if p.meta.ModelYear != modelYear {
		return fmt.Errorf("%w: model year %d, expected %d",
			vmgerr.ErrTargetMismatch, p.meta.ModelYear, modelYear)
	}
	return nil
}

// ExtractZone copies the zone's byte range to outputPath and records the
// path in the zone table.
func (p *VehicleParser) ExtractZone(zoneNumber uint8, outputPath string) error {
	if !p.parsed {
		return fmt.Errorf("%w: extract before parse", vmgerr.ErrState)
	}

	var info *ZonePackageInfo
	for i := range p.zones {
		if p.zones[i].ZoneNumber == zoneNumber {
			info = &p.zones[i]
			break
		}
	}
	if info == nil {
		return fmt.Errorf("%w: zone %d not in package", vmgerr.ErrState, zoneNumber)
	}

	src, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: open package: %v", vmgerr.ErrIO, err)
	}
	defer src.Close()

	if _, err := src.Seek(int64(info.Offset), io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek to zone %d: %v", vmgerr.ErrIO, zoneNumber, err)
	}

	dst, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("%w: create %s: %v", vmgerr.ErrIO, outputPath, err)
	}
	defer dst.Close()

	if _, err := io.CopyN(dst, src, int64(info.Size)); err != nil {
		return fmt.Errorf("%w: extract zone %d: %v", vmgerr.ErrIO, zoneNumber, err)
	}

	info.ExtractedPath = outputPath
	p.logger.Debug("Zone extracted", "zone", zoneNumber, "path", outputPath, "bytes", info.Size)
	return nil
}

// ExtractAll extracts every zone to outputDir as zone_<N>.bin, creating the
// directory if needed.
func (p *VehicleParser) ExtractAll(outputDir string) error {
	if !p.parsed {
		return fmt.Errorf("%w: extract before parse", vmgerr.ErrState)
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return fmt.Errorf("%w: create %s: %v", vmgerr.ErrIO, outputDir, err)
	}

	for i := range p.zones {
		zone := p.zones[i].ZoneNumber
		out := filepath.Join(outputDir, fmt.Sprintf("zone_%d.bin", zone))
		if err := p.ExtractZone(zone, out); err != nil {
			return err
		}
	}
	return nil
}

// headerCRC computes the metadata CRC: the full serialized header with both
// CRC fields zeroed.
func headerCRC(header []byte) uint32 {
	scratch := make([]byte, len(header))
	copy(scratch, header)
	// VehicleCRC32 and MetadataCRC32 sit right after the count block.
	for i := crcFieldOffset; i < crcFieldOffset+8; i++ {
		scratch[i] = 0
	}
	return crc32.ChecksumIEEE(scratch)
}

// crcFieldOffset is the byte offset of VehicleCRC32 within the serialized
// header: the basic info (12), target info (64), master version (48), and
// count (16) blocks precede it.
const crcFieldOffset = 12 + 64 + 48 + 16

// cstr returns b up to the first NUL as a string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

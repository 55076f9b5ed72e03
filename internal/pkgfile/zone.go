package pkgfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// ZoneECUInfo is one decoded entry of a zone package's ECU table.
type ZoneECUInfo struct {
	ECUID           string
	Offset          uint32
	Size            uint32
	MetadataSize    uint32
	FirmwareSize    uint32
	FirmwareVersion uint32
	CRC32           uint32
	Priority        uint8
}

// ZoneParser reads and validates a single zone package file before it is
// pushed to a ZGW.
type ZoneParser struct {
	path   string
	header ZoneHeader
	parsed bool

	logger log.Logger
}

// NewZoneParser creates a parser for the zone package at path.
func NewZoneParser(path string) *ZoneParser {
	return &ZoneParser{path: path, logger: log.WithName("zonepkg")}
}

// Header returns the parsed header. Valid only after Parse.
func (p *ZoneParser) Header() *ZoneHeader {
	return &p.header
}

// ZoneID returns the zone identifier string.
func (p *ZoneParser) ZoneID() string {
	return cstr(p.header.ZoneID[:])
}

// ZoneName returns the human-readable zone name.
func (p *ZoneParser) ZoneName() string {
	return cstr(p.header.ZoneName[:])
}

// Parse reads the 1 KiB header and validates the magic and the ECU table.
func (p *ZoneParser) Parse() error {
	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: open zone package: %v", vmgerr.ErrIO, err)
	}
	defer f.Close()

	raw := make([]byte, ZoneHeaderSize)
	if _, err := io.ReadFull(f, raw); err != nil {
		return fmt.Errorf("%w: read zone header: %v", vmgerr.ErrIO, err)
	}
	if err := binary.Read(bytes.NewReader(raw), binary.LittleEndian, &p.header); err != nil {
		return fmt.Errorf("%w: decode zone header: %v", vmgerr.ErrIO, err)
	}

	if p.header.Magic != ZoneMagic {
		return fmt.Errorf("%w: bad zone package magic %#08x", vmgerr.ErrIntegrity, p.header.Magic)
	}
	if p.header.PackageCount == 0 || p.header.PackageCount > MaxECUsInZone {
		return fmt.Errorf("%w: ECU count %d out of range [1,%d]",
			vmgerr.ErrIntegrity, p.header.PackageCount, MaxECUsInZone)
	}

	for i := 0; i < int(p.header.PackageCount); i++ {
		entry := &p.header.ECUTable[i]
		if entry.ECUID[0] == 0 {
			return fmt.Errorf("%w: ECU table entry %d is empty but counted",
				vmgerr.ErrIntegrity, i)
		}
		end := uint64(entry.Offset) + uint64(entry.Size)
		if entry.Offset < ZoneHeaderSize || end > uint64(p.header.TotalSize) {
			return fmt.Errorf("%w: ECU %s outside zone package bounds",
				vmgerr.ErrIntegrity, cstr(entry.ECUID[:]))
		}
	}

	p.parsed = true
	p.logger.Debug("Zone package parsed",
		"zone", p.ZoneID(), "number", p.header.ZoneNumber, "ecus", p.header.PackageCount)
	return nil
}

// Verify streams the bytes after the header and compares their CRC32 with
// the stored zone CRC.
func (p *ZoneParser) Verify() error {
	if !p.parsed {
		return fmt.Errorf("%w: verify before parse", vmgerr.ErrState)
	}

	f, err := os.Open(p.path)
	if err != nil {
		return fmt.Errorf("%w: open zone package: %v", vmgerr.ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(ZoneHeaderSize, io.SeekStart); err != nil {
		return fmt.Errorf("%w: seek past zone header: %v", vmgerr.ErrIO, err)
	}

	h := crc32.NewIEEE()
	if _, err := io.CopyN(h, f, int64(p.header.TotalSize)-ZoneHeaderSize); err != nil {
		return fmt.Errorf("%w: stream zone package: %v", vmgerr.ErrIO, err)
	}

	if got := h.Sum32(); got != p.header.ZoneCRC32 {
		return fmt.Errorf("%w: zone CRC mismatch: calculated %#08x, stored %#08x",
			vmgerr.ErrIntegrity, got, p.header.ZoneCRC32)
	}
	return nil
}

// ECUs returns the decoded ECU table in priority-table order.
func (p *ZoneParser) ECUs() []ZoneECUInfo {
	infos := make([]ZoneECUInfo, 0, p.header.PackageCount)
	for i := 0; i < int(p.header.PackageCount); i++ {
		entry := &p.header.ECUTable[i]
		infos = append(infos, ZoneECUInfo{
			ECUID:           cstr(entry.ECUID[:]),
			Offset:          entry.Offset,
			Size:            entry.Size,
			MetadataSize:    entry.MetadataSize,
			FirmwareSize:    entry.FirmwareSize,
			FirmwareVersion: entry.FirmwareVersion,
			CRC32:           entry.CRC32,
			Priority:        entry.Priority,
		})
	}
	return infos
}

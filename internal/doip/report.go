package doip

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"github.com/zlseong/vmg/internal/vmgerr"
)

// vciRecord is the 48-byte wire layout of one VCI entry.
type vciRecord struct {
	ECUID     [16]byte
	SWVersion [8]byte
	HWVersion [8]byte
	Serial    [16]byte
}

// readinessRecord is the 27-byte wire layout of one readiness entry.
// Multi-byte integers are big-endian like the rest of the DoIP wire.
type readinessRecord struct {
	ECUID             [16]byte
	VehicleParked     uint8
	EngineOff         uint8
	BatteryVoltageMV  uint16
	AvailableMemoryKB uint32
	AllDoorsClosed    uint8
	Compatible        uint8
	ReadyForUpdate    uint8
}

const (
	vciRecordSize       = 48
	readinessRecordSize = 27
)

// VCIInfo is one ECU's configuration record with the NUL padding trimmed.
type VCIInfo struct {
	ECUID        string `json:"ecu_id"`
	SWVersion    string `json:"sw_version"`
	HWVersion    string `json:"hw_version"`
	SerialNumber string `json:"serial_number"`
}

// ReadinessInfo is one ECU's OTA readiness record.
type ReadinessInfo struct {
	ECUID             string `json:"ecu_id"`
	VehicleParked     bool   `json:"vehicle_parked"`
	EngineOff         bool   `json:"engine_off"`
	BatteryVoltageMV  uint16 `json:"battery_voltage_mv"`
	AvailableMemoryKB uint32 `json:"available_memory_kb"`
	AllDoorsClosed    bool   `json:"all_doors_closed"`
	Compatible        bool   `json:"sw_compatible"`
	ReadyForUpdate    bool   `json:"ready_for_update"`
}

// decodeVCIReport parses a VCI_REPORT payload: count(1) + count records.
func decodeVCIReport(payload []byte) ([]VCIInfo, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty VCI report", vmgerr.ErrProtocol)
	}
	count := int(payload[0])
	if len(payload) < 1+count*vciRecordSize {
		return nil, fmt.Errorf("%w: VCI report truncated: %d bytes for %d records",
			vmgerr.ErrProtocol, len(payload)-1, count)
	}

	r := bytes.NewReader(payload[1:])
	infos := make([]VCIInfo, 0, count)
	for i := 0; i < count; i++ {
		var rec vciRecord
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: VCI record %d: %v", vmgerr.ErrProtocol, i, err)
		}
		infos = append(infos, VCIInfo{
			ECUID:        trimNUL(rec.ECUID[:]),
			SWVersion:    trimNUL(rec.SWVersion[:]),
			HWVersion:    trimNUL(rec.HWVersion[:]),
			SerialNumber: trimNUL(rec.Serial[:]),
		})
	}
	return infos, nil
}

// decodeReadinessReport parses a READINESS_REPORT payload.
func decodeReadinessReport(payload []byte) ([]ReadinessInfo, error) {
	if len(payload) < 1 {
		return nil, fmt.Errorf("%w: empty readiness report", vmgerr.ErrProtocol)
	}
	count := int(payload[0])
	if len(payload) < 1+count*readinessRecordSize {
		return nil, fmt.Errorf("%w: readiness report truncated: %d bytes for %d records",
			vmgerr.ErrProtocol, len(payload)-1, count)
	}

	r := bytes.NewReader(payload[1:])
	infos := make([]ReadinessInfo, 0, count)
	for i := 0; i < count; i++ {
		var rec readinessRecord
		if err := binary.Read(r, binary.BigEndian, &rec); err != nil {
			return nil, fmt.Errorf("%w: readiness record %d: %v", vmgerr.ErrProtocol, i, err)
		}
		infos = append(infos, ReadinessInfo{
			ECUID:             trimNUL(rec.ECUID[:]),
			VehicleParked:     rec.VehicleParked != 0,
			EngineOff:         rec.EngineOff != 0,
			BatteryVoltageMV:  rec.BatteryVoltageMV,
			AvailableMemoryKB: rec.AvailableMemoryKB,
			AllDoorsClosed:    rec.AllDoorsClosed != 0,
			Compatible:        rec.Compatible != 0,
			ReadyForUpdate:    rec.ReadyForUpdate != 0,
		})
	}
	return infos, nil
}

// trimNUL returns b up to the first NUL as a string.
func trimNUL(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

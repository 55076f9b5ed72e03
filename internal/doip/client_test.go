package doip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zlseong/vmg/internal/vmgerr"
)

func newTestClient(f *fakeZGW) *Client {
	host, port := f.hostPort()
	return NewClient(host, port)
}

func TestConnectActivatesRouting(t *testing.T) {
	f := newFakeZGW(t)
	c := newTestClient(f)
	defer c.Disconnect()

	require.NoError(t, c.Connect())
	assert.Equal(t, StateActive, c.State())
	assert.True(t, c.IsActive())

	// Connect is idempotent once active.
	require.NoError(t, c.Connect())
	assert.Equal(t, StateActive, c.State())
}

func TestConnectRoutingRefused(t *testing.T) {
	f := newFakeZGW(t)
	f.routingCode = 0x06 // unsupported activation type
	c := newTestClient(f)

	err := c.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrProtocol)
	assert.Equal(t, StateError, c.State())

	// Disconnect recovers to IDLE.
	c.Disconnect()
	assert.Equal(t, StateIdle, c.State())
}

func TestConnectRoutingTimeout(t *testing.T) {
	f := newFakeZGW(t)
	f.silentRouting = true
	c := newTestClient(f)
	defer c.Disconnect()

	err := c.Connect()
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrIO)
	assert.Equal(t, StateError, c.State())
}

func TestDiagnosticRequiresActive(t *testing.T) {
	c := NewClient("127.0.0.1", 13400)

	_, err := c.SendDiagnostic(ServiceRoutineControl, []byte{0x01, 0xF0, 0x01})
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrState)
}

func TestVCIReport(t *testing.T) {
	f := newFakeZGW(t)
	f.vciRecords = []vciRecord{
		{
			ECUID:     fixed16("ECU_011"),
			SWVersion: fixed8("1.1.2"),
			HWVersion: fixed8("2.0"),
			Serial:    fixed16("011000001"),
		},
		{
			ECUID:     fixed16("ECU_021"),
			SWVersion: fixed8("1.0.5"),
			HWVersion: fixed8("1.5"),
			Serial:    fixed16("021000001"),
		},
	}

	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	require.NoError(t, c.RequestVCICollection())

	infos, err := c.RequestVCIReport()
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "ECU_011", infos[0].ECUID)
	assert.Equal(t, "1.1.2", infos[0].SWVersion)
	assert.Equal(t, "2.0", infos[0].HWVersion)
	assert.Equal(t, "011000001", infos[0].SerialNumber)
	assert.Equal(t, "ECU_021", infos[1].ECUID)
}

func TestReadinessReport(t *testing.T) {
	f := newFakeZGW(t)
	f.readinessRecords = []readinessRecord{
		{
			ECUID:             fixed16("ECU_011"),
			VehicleParked:     1,
			EngineOff:         1,
			BatteryVoltageMV:  12600,
			AvailableMemoryKB: 8192,
			AllDoorsClosed:    1,
			Compatible:        1,
			ReadyForUpdate:    1,
		},
		{
			ECUID:            fixed16("ECU_031"),
			BatteryVoltageMV: 11400,
		},
	}

	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	require.NoError(t, c.RequestReadinessCheck())

	infos, err := c.RequestReadinessReport()
	require.NoError(t, err)
	require.Len(t, infos, 2)

	assert.Equal(t, "ECU_011", infos[0].ECUID)
	assert.True(t, infos[0].VehicleParked)
	assert.True(t, infos[0].EngineOff)
	assert.Equal(t, uint16(12600), infos[0].BatteryVoltageMV)
	assert.Equal(t, uint32(8192), infos[0].AvailableMemoryKB)
	assert.True(t, infos[0].ReadyForUpdate)

	assert.Equal(t, "ECU_031", infos[1].ECUID)
	assert.False(t, infos[1].ReadyForUpdate)
	assert.Equal(t, uint16(11400), infos[1].BatteryVoltageMV)
}

func TestSendFirmwareBlockSequence(t *testing.T) {
	f := newFakeZGW(t)
	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	// 260 KiB -> 260 full blocks; the counter wraps after 255.
	firmware := make([]byte, 260*1024)
	for i := range firmware {
		firmware[i] = byte(i)
	}

	require.NoError(t, c.SendFirmware("ECU_011", firmware))

	seqs := f.seqs()
	require.Len(t, seqs, 260)
	for i, seq := range seqs {
		assert.Equal(t, byte((i+1)%256), seq, "block %d", i)
	}
	// Spot check the wrap boundary: ..., 255, 0, 1, 2, 3, 4.
	assert.Equal(t, byte(255), seqs[254])
	assert.Equal(t, byte(0), seqs[255])
	assert.Equal(t, byte(1), seqs[256])
	assert.Equal(t, byte(4), seqs[259])

	size, received := f.received()
	assert.Equal(t, uint32(len(firmware)), size)
	assert.Equal(t, len(firmware), received)
}

func TestSendFirmwareShortTail(t *testing.T) {
	f := newFakeZGW(t)
	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	// 2.5 KiB -> two full blocks and one 512-byte tail.
	firmware := make([]byte, 2*1024+512)
	require.NoError(t, c.SendFirmware("ECU_021", firmware))

	assert.Equal(t, []byte{1, 2, 3}, f.seqs())
	_, received := f.received()
	assert.Equal(t, len(firmware), received)
}

func TestSendFirmwareNegativeResponseAborts(t *testing.T) {
	f := newFakeZGW(t)
	f.rejectBlock = 2
	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	firmware := make([]byte, 4*1024)
	err := c.SendFirmware("ECU_011", firmware)
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrProtocol)

	// The transfer stopped at the rejected block.
	assert.Equal(t, []byte{1, 2}, f.seqs())
}

func TestDiagnosticNegativeResponse(t *testing.T) {
	f := newFakeZGW(t)
	c := newTestClient(f)
	defer c.Disconnect()
	require.NoError(t, c.Connect())

	// SID 0x22 is not handled by the fake; it answers 0x7F.
	_, err := c.SendDiagnostic(ServiceReadDataByID, []byte{0xF1, 0x90})
	require.Error(t, err)
	assert.ErrorIs(t, err, vmgerr.ErrProtocol)
}

package doip

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"testing"
	"time"
)

// fakeZGW is a minimal in-process ZGW for client tests. It speaks just
// enough DoIP/UDS to exercise routing activation, routine control, the
// report push messages, and the 0x34/0x36/0x37 download sequence.
type fakeZGW struct {
	t  *testing.T
	ln net.Listener

	routingCode      byte
	silentRouting    bool
	vciRecords       []vciRecord
	readinessRecords []readinessRecord
	rejectBlock      int // 1-based index of the 0x36 request to NACK; 0 = never

	mu            sync.Mutex
	downloadSize  uint32
	transferSeqs  []byte
	transferBytes int
}

func newFakeZGW(t *testing.T) *fakeZGW {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	f := &fakeZGW{t: t, ln: ln, routingCode: RoutingActivated}
	go f.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return f
}

func (f *fakeZGW) hostPort() (string, uint16) {
	addr := f.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), uint16(addr.Port)
}

func (f *fakeZGW) seqs() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.transferSeqs...)
}

func (f *fakeZGW) received() (uint32, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.downloadSize, f.transferBytes
}

func (f *fakeZGW) acceptLoop() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		go f.serve(conn)
	}
}

func (f *fakeZGW) serve(conn net.Conn) {
	defer conn.Close()
	for {
		var header [HeaderSize]byte
		if _, err := io.ReadFull(conn, header[:]); err != nil {
			return
		}
		payloadType := PayloadType(binary.BigEndian.Uint16(header[2:4]))
		payload := make([]byte, binary.BigEndian.Uint32(header[4:8]))
		if _, err := io.ReadFull(conn, payload); err != nil {
			return
		}

		switch payloadType {
		case PayloadRoutingActivationRequest:
			if f.silentRouting {
				continue
			}
			resp := make([]byte, 9)
			binary.BigEndian.PutUint16(resp[0:2], ZGWAddress)
			binary.BigEndian.PutUint16(resp[2:4], VMGAddress)
			resp[4] = f.routingCode
			f.write(conn, PayloadRoutingActivationResponse, resp)

		case PayloadDiagnosticMessage:
			f.handleDiagnostic(conn, payload)

		default:
			f.write(conn, PayloadGenericNACK, []byte{0x01})
		}
	}
}

func (f *fakeZGW) handleDiagnostic(conn net.Conn, payload []byte) {
	if len(payload) < 5 {
		return
	}
	sid, data := payload[4], payload[5:]

	switch sid {
	case ServiceRoutineControl:
		f.handleRoutine(conn, data)

	case ServiceRequestDownload:
		f.mu.Lock()
		f.downloadSize = binary.BigEndian.Uint32(data)
		f.transferSeqs = nil
		f.transferBytes = 0
		f.mu.Unlock()
		f.writeUDS(conn, []byte{ServiceRequestDownload + PositiveResponseOffset})

	case ServiceTransferData:
		f.mu.Lock()
		f.transferSeqs = append(f.transferSeqs, data[0])
		f.transferBytes += len(data) - 1
		n := len(f.transferSeqs)
		f.mu.Unlock()
		if f.rejectBlock != 0 && n == f.rejectBlock {
			f.writeUDS(conn, []byte{NegativeResponseSID, ServiceTransferData, 0x24})
			return
		}
		f.writeUDS(conn, []byte{ServiceTransferData + PositiveResponseOffset, data[0]})

	case ServiceRequestTransferExit:
		f.writeUDS(conn, []byte{ServiceRequestTransferExit + PositiveResponseOffset})

	default:
		f.writeUDS(conn, []byte{NegativeResponseSID, sid, 0x11})
	}
}

func (f *fakeZGW) handleRoutine(conn net.Conn, data []byte) {
	if len(data) < 3 {
		return
	}
	rid := binary.BigEndian.Uint16(data[1:3])
	resp := []byte{ServiceRoutineControl + PositiveResponseOffset, data[0], data[1], data[2], 0x00}

	switch rid {
	case RoutineVCIReport:
		resp = append(resp, byte(len(f.vciRecords)))
		f.writeUDS(conn, resp)
		f.write(conn, PayloadVCIReport, encodeVCIRecords(f.vciRecords))
	case RoutineReadinessReport:
		resp = append(resp, byte(len(f.readinessRecords)))
		f.writeUDS(conn, resp)
		f.write(conn, PayloadReadinessReport, encodeReadinessRecords(f.readinessRecords))
	default:
		f.writeUDS(conn, resp)
	}
}

func (f *fakeZGW) writeUDS(conn net.Conn, uds []byte) {
	f.write(conn, PayloadDiagnosticMessage, diagnosticPayload(ZGWAddress, VMGAddress, uds[0], uds[1:]))
}

func (f *fakeZGW) write(conn net.Conn, payloadType PayloadType, payload []byte) {
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	if _, err := conn.Write(encodeMessage(payloadType, payload)); err != nil {
		f.t.Logf("fake zgw write: %v", err)
	}
}

func encodeVCIRecords(recs []vciRecord) []byte {
	buf := []byte{byte(len(recs))}
	for _, r := range recs {
		buf = append(buf, r.ECUID[:]...)
		buf = append(buf, r.SWVersion[:]...)
		buf = append(buf, r.HWVersion[:]...)
		buf = append(buf, r.Serial[:]...)
	}
	return buf
}

func encodeReadinessRecords(recs []readinessRecord) []byte {
	buf := []byte{byte(len(recs))}
	for _, r := range recs {
		buf = append(buf, r.ECUID[:]...)
		buf = append(buf, r.VehicleParked, r.EngineOff)
		buf = binary.BigEndian.AppendUint16(buf, r.BatteryVoltageMV)
		buf = binary.BigEndian.AppendUint32(buf, r.AvailableMemoryKB)
		buf = append(buf, r.AllDoorsClosed, r.Compatible, r.ReadyForUpdate)
	}
	return buf
}

func fixed8(s string) [8]byte {
	var out [8]byte
	copy(out[:], s)
	return out
}

func fixed16(s string) [16]byte {
	var out [16]byte
	copy(out[:], s)
	return out
}

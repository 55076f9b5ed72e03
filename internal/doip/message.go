package doip

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/zlseong/vmg/internal/vmgerr"
)

// encodeMessage builds a complete DoIP message: 8-byte header followed by
// the payload. Header integers are big-endian on the wire.
func encodeMessage(payloadType PayloadType, payload []byte) []byte {
	msg := make([]byte, HeaderSize+len(payload))
	msg[0] = ProtocolVersion
	msg[1] = InverseProtocolVersion
	binary.BigEndian.PutUint16(msg[2:4], uint16(payloadType))
	binary.BigEndian.PutUint32(msg[4:8], uint32(len(payload)))
	copy(msg[HeaderSize:], payload)
	return msg
}

// readMessage reads exactly one DoIP message from conn: 8 header bytes,
// then the declared payload length. The deadline applies to the whole
// message; a short read means the peer closed the connection.
func readMessage(conn net.Conn, timeout time.Duration) (PayloadType, []byte, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, fmt.Errorf("%w: set read deadline: %v", vmgerr.ErrIO, err)
	}

	var header [HeaderSize]byte
	if _, err := io.ReadFull(conn, header[:]); err != nil {
		return 0, nil, readErr("header", err)
	}

	if header[0] != ProtocolVersion || header[1] != InverseProtocolVersion {
		return 0, nil, fmt.Errorf("%w: bad protocol version %#02x/%#02x",
			vmgerr.ErrProtocol, header[0], header[1])
	}

	payloadType := PayloadType(binary.BigEndian.Uint16(header[2:4]))
	payloadLen := binary.BigEndian.Uint32(header[4:8])
	if payloadLen > maxPayloadLength {
		return 0, nil, fmt.Errorf("%w: declared payload length %d exceeds limit",
			vmgerr.ErrProtocol, payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, readErr("payload", err)
	}

	return payloadType, payload, nil
}

func readErr(part string, err error) error {
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return fmt.Errorf("%w: receive timeout reading %s", vmgerr.ErrIO, part)
	}
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: connection closed reading %s", vmgerr.ErrIO, part)
	}
	return fmt.Errorf("%w: reading %s: %v", vmgerr.ErrIO, part, err)
}

// diagnosticPayload frames a UDS request for a DiagnosticMessage payload:
// SA(2) + TA(2) + SID(1) + data.
func diagnosticPayload(source, target uint16, serviceID byte, data []byte) []byte {
	payload := make([]byte, 4+1+len(data))
	binary.BigEndian.PutUint16(payload[0:2], source)
	binary.BigEndian.PutUint16(payload[2:4], target)
	payload[4] = serviceID
	copy(payload[5:], data)
	return payload
}

// routingActivationPayload frames a routing activation request:
// SA(2) + activation type(1) + 4 reserved zero bytes.
func routingActivationPayload(source uint16) []byte {
	payload := make([]byte, 7)
	binary.BigEndian.PutUint16(payload[0:2], source)
	payload[2] = 0x00 // default activation
	return payload
}

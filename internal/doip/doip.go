// Package doip implements the DoIP (ISO 13400) client side used by the
// gateway to talk to in-vehicle Zone Gateways, carrying UDS (ISO 14229)
// payloads plus the two OEM report payload types.
package doip

import "time"

// Protocol framing constants (ISO 13400-2).
const (
	ProtocolVersion        byte = 0x02
	InverseProtocolVersion byte = 0xFD

	HeaderSize = 8

	// Logical addresses. Must match the ZGW firmware.
	VMGAddress uint16 = 0x0200
	ZGWAddress uint16 = 0x0100

	// DefaultPort is the standard DoIP TCP port.
	DefaultPort = 13400
)

// PayloadType identifies a DoIP payload.
type PayloadType uint16

const (
	PayloadGenericNACK               PayloadType = 0x0000
	PayloadRoutingActivationRequest  PayloadType = 0x0005
	PayloadRoutingActivationResponse PayloadType = 0x0006
	PayloadAliveCheckRequest         PayloadType = 0x0007
	PayloadAliveCheckResponse        PayloadType = 0x0008
	PayloadDiagnosticMessage         PayloadType = 0x8001
	PayloadDiagnosticACK             PayloadType = 0x8002
	PayloadDiagnosticNACK            PayloadType = 0x8003

	// OEM payload types carried after routine-control report requests.
	PayloadVCIReport       PayloadType = 0x9000
	PayloadReadinessReport PayloadType = 0x9001
)

// RoutingActivated is the routing activation response code for success.
const RoutingActivated byte = 0x10

// UDS service identifiers (ISO 14229).
const (
	ServiceReadDataByID        byte = 0x22
	ServiceWriteDataByID       byte = 0x2E
	ServiceRoutineControl      byte = 0x31
	ServiceRequestDownload     byte = 0x34
	ServiceTransferData        byte = 0x36
	ServiceRequestTransferExit byte = 0x37

	// PositiveResponseOffset is added to a request SID in its positive
	// response.
	PositiveResponseOffset byte = 0x40

	// NegativeResponseSID prefixes a UDS negative response.
	NegativeResponseSID byte = 0x7F
)

// Routine identifiers used with RoutineControl sub-function 0x01.
const (
	RoutineVCICollectionStart uint16 = 0xF001
	RoutineVCIReport          uint16 = 0xF002
	RoutineReadinessCheck     uint16 = 0xF003
	RoutineReadinessReport    uint16 = 0xF004
)

// RoutineSubStart is the only routine-control sub-function the gateway uses.
const RoutineSubStart byte = 0x01

// Per-operation deadlines.
const (
	ConnectTimeout    = 3 * time.Second
	RoutingTimeout    = 2 * time.Second
	DiagnosticTimeout = 5 * time.Second
)

// TransferBlockSize is the maximum UDS TransferData chunk carried in a
// single 0x36 request.
const TransferBlockSize = 1024

// maxPayloadLength bounds the declared payload length accepted from the
// wire. A zone package never exceeds this; anything larger is a framing
// error, not a legitimate message.
const maxPayloadLength = 64 * 1024 * 1024

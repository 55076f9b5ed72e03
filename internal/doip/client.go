package doip

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/zlseong/vmg/internal/vmgerr"
	"github.com/zlseong/vmg/pkg/log"
)

// State is the DoIP client connection state.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateActive
	StateError
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateActive:
		return "ACTIVE"
	case StateError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Client is a synchronous DoIP/UDS client bound to exactly one ZGW endpoint.
// It owns its TCP socket; create one client per distinct ZGW. The client is
// not safe for concurrent use — the gateway core is single-threaded.
type Client struct {
	host string
	port uint16

	source uint16
	target uint16

	conn  net.Conn
	state State

	logger log.Logger
}

// NewClient creates a client for the ZGW at host:port. Port 0 selects the
// standard DoIP port.
func NewClient(host string, port uint16) *Client {
	if port == 0 {
		port = DefaultPort
	}
	return &Client{
		host:   host,
		port:   port,
		source: VMGAddress,
		target: ZGWAddress,
		state:  StateIdle,
		logger: log.WithName("doip").WithValues("zgw", net.JoinHostPort(host, strconv.Itoa(int(port)))),
	}
}

// Endpoint returns the "host:port" string identifying this client's ZGW.
func (c *Client) Endpoint() string {
	return net.JoinHostPort(c.host, strconv.Itoa(int(c.port)))
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.state
}

// IsActive reports whether routing is activated and diagnostics are legal.
func (c *Client) IsActive() bool {
	return c.state == StateActive
}

// Connect establishes the TCP connection and performs routing activation.
// Calling Connect while already ACTIVE is a no-op.
func (c *Client) Connect() error {
	if c.state == StateActive {
		return nil
	}

	// Drop any half-open socket from a previous attempt.
	c.Disconnect()

	c.state = StateConnecting
	conn, err := net.DialTimeout("tcp", c.Endpoint(), ConnectTimeout)
	if err != nil {
		c.state = StateError
		return fmt.Errorf("%w: dial %s: %v", vmgerr.ErrIO, c.Endpoint(), err)
	}
	c.conn = conn
	c.state = StateConnected
	c.logger.Debug("TCP connected")

	if err := c.activateRouting(); err != nil {
		c.closeOnError()
		return err
	}

	c.state = StateActive
	c.logger.Info("Routing activated")
	return nil
}

// Disconnect closes the socket and returns the client to IDLE.
func (c *Client) Disconnect() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
		c.logger.Debug("Disconnected")
	}
	c.state = StateIdle
}

// closeOnError tears the socket down but leaves the client in ERROR so the
// caller sees the failure until it calls Disconnect.
func (c *Client) closeOnError() {
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	c.state = StateError
}

func (c *Client) activateRouting() error {
	req := encodeMessage(PayloadRoutingActivationRequest, routingActivationPayload(c.source))
	if err := c.send(req); err != nil {
		return err
	}

	payloadType, payload, err := readMessage(c.conn, RoutingTimeout)
	if err != nil {
		return err
	}
	if payloadType != PayloadRoutingActivationResponse {
		return fmt.Errorf("%w: expected routing activation response, got %#04x",
			vmgerr.ErrProtocol, uint16(payloadType))
	}
	// Response payload: SA(2) + TA(2) + code(1) + reserved(4).
	if len(payload) < 5 {
		return fmt.Errorf("%w: short routing activation response (%d bytes)",
			vmgerr.ErrProtocol, len(payload))
	}
	if code := payload[4]; code != RoutingActivated {
		return fmt.Errorf("%w: routing activation refused, code %#02x",
			vmgerr.ErrProtocol, code)
	}
	return nil
}

// SendDiagnostic sends a UDS request as a DiagnosticMessage and returns the
// UDS response bytes (positive-response SID first). Any I/O failure closes
// the socket and moves the client to ERROR; the caller recovers with
// Disconnect + Connect.
func (c *Client) SendDiagnostic(serviceID byte, data []byte) ([]byte, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("%w: diagnostic request in state %s", vmgerr.ErrState, c.state)
	}

	msg := encodeMessage(PayloadDiagnosticMessage, diagnosticPayload(c.source, c.target, serviceID, data))
	if err := c.send(msg); err != nil {
		c.closeOnError()
		return nil, err
	}

	payloadType, payload, err := readMessage(c.conn, DiagnosticTimeout)
	if err != nil {
		c.closeOnError()
		return nil, err
	}

	switch payloadType {
	case PayloadDiagnosticMessage:
	case PayloadDiagnosticNACK:
		return nil, fmt.Errorf("%w: diagnostic message NACK for SID %#02x",
			vmgerr.ErrProtocol, serviceID)
	default:
		return nil, fmt.Errorf("%w: expected diagnostic response, got %#04x",
			vmgerr.ErrProtocol, uint16(payloadType))
	}

	// Strip SA(2) + TA(2); at least one UDS byte must follow.
	if len(payload) < 5 {
		return nil, fmt.Errorf("%w: short diagnostic response (%d bytes)",
			vmgerr.ErrProtocol, len(payload))
	}
	uds := payload[4:]
	if uds[0] == NegativeResponseSID {
		nrc := byte(0)
		if len(uds) >= 3 {
			nrc = uds[2]
		}
		return nil, fmt.Errorf("%w: negative response for SID %#02x (NRC %#02x)",
			vmgerr.ErrProtocol, serviceID, nrc)
	}
	return uds, nil
}

// receiveReport reads the follow-up OEM report message (0x9000/0x9001) that
// the ZGW pushes after a positive report-request routine response.
func (c *Client) receiveReport(want PayloadType) ([]byte, error) {
	if c.state != StateActive {
		return nil, fmt.Errorf("%w: report receive in state %s", vmgerr.ErrState, c.state)
	}
	payloadType, payload, err := readMessage(c.conn, DiagnosticTimeout)
	if err != nil {
		c.closeOnError()
		return nil, err
	}
	if payloadType != want {
		return nil, fmt.Errorf("%w: expected report %#04x, got %#04x",
			vmgerr.ErrProtocol, uint16(want), uint16(payloadType))
	}
	return payload, nil
}

// routineControl starts the routine identified by rid and returns the
// routine response bytes after the status check.
// Request data: [sub=0x01][rid hi][rid lo]. Positive response:
// [0x71][sub][rid hi][rid lo][status...].
func (c *Client) routineControl(rid uint16) ([]byte, error) {
	data := []byte{RoutineSubStart, byte(rid >> 8), byte(rid)}
	resp, err := c.SendDiagnostic(ServiceRoutineControl, data)
	if err != nil {
		return nil, err
	}

	if len(resp) < 5 || resp[0] != ServiceRoutineControl+PositiveResponseOffset {
		return nil, fmt.Errorf("%w: malformed routine control response for RID %#04x",
			vmgerr.ErrProtocol, rid)
	}
	if got := binary.BigEndian.Uint16(resp[2:4]); got != rid {
		return nil, fmt.Errorf("%w: routine control response for RID %#04x, want %#04x",
			vmgerr.ErrProtocol, got, rid)
	}
	if status := resp[4]; status != 0x00 {
		return nil, fmt.Errorf("%w: routine %#04x failed with status %#02x",
			vmgerr.ErrProtocol, rid, status)
	}
	return resp, nil
}

// RequestVCICollection asks the ZGW to start collecting VCI from its ECUs.
func (c *Client) RequestVCICollection() error {
	c.logger.Debug("Requesting VCI collection", "rid", RoutineVCICollectionStart)
	_, err := c.routineControl(RoutineVCICollectionStart)
	return err
}

// RequestVCIReport retrieves the collected VCI records. The ZGW answers the
// routine positively and then pushes a VCI_REPORT (0x9000) message.
func (c *Client) RequestVCIReport() ([]VCIInfo, error) {
	c.logger.Debug("Requesting VCI report", "rid", RoutineVCIReport)
	if _, err := c.routineControl(RoutineVCIReport); err != nil {
		return nil, err
	}
	payload, err := c.receiveReport(PayloadVCIReport)
	if err != nil {
		return nil, err
	}
	infos, err := decodeVCIReport(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Info("VCI report received", "ecus", len(infos))
	return infos, nil
}

// RequestReadinessCheck asks the ZGW to start a readiness evaluation.
func (c *Client) RequestReadinessCheck() error {
	c.logger.Debug("Requesting readiness check", "rid", RoutineReadinessCheck)
	_, err := c.routineControl(RoutineReadinessCheck)
	return err
}

// RequestReadinessReport retrieves the readiness records via the pushed
// READINESS_REPORT (0x9001) message.
func (c *Client) RequestReadinessReport() ([]ReadinessInfo, error) {
	c.logger.Debug("Requesting readiness report", "rid", RoutineReadinessReport)
	if _, err := c.routineControl(RoutineReadinessReport); err != nil {
		return nil, err
	}
	payload, err := c.receiveReport(PayloadReadinessReport)
	if err != nil {
		return nil, err
	}
	infos, err := decodeReadinessReport(payload)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Readiness report received", "ecus", len(infos))
	return infos, nil
}

func (c *Client) send(msg []byte) error {
	if c.conn == nil {
		return fmt.Errorf("%w: not connected", vmgerr.ErrIO)
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(DiagnosticTimeout)); err != nil {
		return fmt.Errorf("%w: set write deadline: %v", vmgerr.ErrIO, err)
	}
	if _, err := c.conn.Write(msg); err != nil {
		return fmt.Errorf("%w: send: %v", vmgerr.ErrIO, err)
	}
	return nil
}

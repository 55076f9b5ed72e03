package doip

import (
	"encoding/binary"
	"fmt"

	"github.com/zlseong/vmg/internal/vmgerr"
)

// SendFirmware pushes firmware bytes to the ZGW with the UDS download
// sequence: RequestDownload (0x34), chunked TransferData (0x36), then
// RequestTransferExit (0x37).
//
// The block sequence counter starts at 1 and wraps mod 256, so after block
// 255 the next counter is 0. The ZGW addresses the target ECU from the ID
// embedded in the transferred package; ecuID here is informational.
//
// There is no checkpointing: any failure aborts the transfer and the caller
// retries the whole sequence.
func (c *Client) SendFirmware(ecuID string, firmware []byte) error {
	c.logger.Info("Starting firmware transfer", "ecu", ecuID, "bytes", len(firmware))

	// RequestDownload with the 4-byte big-endian total size.
	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(firmware)))
	resp, err := c.SendDiagnostic(ServiceRequestDownload, sizeBuf[:])
	if err != nil {
		return fmt.Errorf("request download: %w", err)
	}
	if len(resp) < 1 || resp[0] != ServiceRequestDownload+PositiveResponseOffset {
		return fmt.Errorf("%w: request download rejected", vmgerr.ErrProtocol)
	}

	// TransferData in <=1 KiB blocks.
	seq := byte(1)
	for sent := 0; sent < len(firmware); {
		end := sent + TransferBlockSize
		if end > len(firmware) {
			end = len(firmware)
		}

		block := make([]byte, 1+end-sent)
		block[0] = seq
		copy(block[1:], firmware[sent:end])

		resp, err := c.SendDiagnostic(ServiceTransferData, block)
		if err != nil {
			return fmt.Errorf("transfer data block %d: %w", seq, err)
		}
		if len(resp) < 1 || resp[0] != ServiceTransferData+PositiveResponseOffset {
			return fmt.Errorf("%w: transfer data rejected at block %d", vmgerr.ErrProtocol, seq)
		}

		sent = end
		seq++ // wraps mod 256 by byte arithmetic
	}

	// RequestTransferExit with empty data.
	resp, err = c.SendDiagnostic(ServiceRequestTransferExit, nil)
	if err != nil {
		return fmt.Errorf("transfer exit: %w", err)
	}
	if len(resp) < 1 || resp[0] != ServiceRequestTransferExit+PositiveResponseOffset {
		return fmt.Errorf("%w: transfer exit rejected", vmgerr.ErrProtocol)
	}

	c.logger.Info("Firmware transfer complete", "ecu", ecuID, "bytes", len(firmware))
	return nil
}

// Package vmgerr declares the error kinds shared across the gateway.
//
// Components wrap these sentinels with fmt.Errorf("...: %w", ...) so callers
// can classify failures with errors.Is while still reading a useful message.
package vmgerr

import "errors"

var (
	// ErrIO covers socket, file, and timeout failures.
	ErrIO = errors.New("i/o failure")

	// ErrProtocol covers malformed DoIP frames, unexpected payload types,
	// and UDS negative responses.
	ErrProtocol = errors.New("protocol violation")

	// ErrIntegrity covers magic, CRC, and hash mismatches.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTargetMismatch covers VIN/model/year mismatches.
	ErrTargetMismatch = errors.New("target vehicle mismatch")

	// ErrState marks an operation that is illegal in the current state.
	ErrState = errors.New("illegal state")

	// ErrCancelled marks a cooperatively cancelled operation.
	ErrCancelled = errors.New("cancelled")

	// ErrConfig marks a missing or invalid configuration field.
	ErrConfig = errors.New("invalid configuration")
)

// Kind returns the short machine-readable name for the sentinel wrapped in
// err, or "internal" if none matches. The names appear in progress reports
// sent to the backend.
func Kind(err error) string {
	switch {
	case errors.Is(err, ErrCancelled):
		return "cancelled"
	case errors.Is(err, ErrIntegrity):
		return "integrity"
	case errors.Is(err, ErrTargetMismatch):
		return "target_mismatch"
	case errors.Is(err, ErrProtocol):
		return "protocol"
	case errors.Is(err, ErrState):
		return "state"
	case errors.Is(err, ErrConfig):
		return "config"
	case errors.Is(err, ErrIO):
		return "io"
	default:
		return "internal"
	}
}

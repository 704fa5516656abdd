package adaptor

import (
	"errors"
	"fmt"
)

var (
	// ErrDeviceAbsent is returned when no adaptor is attached to the host.
	ErrDeviceAbsent = errors.New("no PS3 memory card adaptor found")
	// ErrAuthFailure is returned when the MagicGate handshake could not be
	// completed after the full number of attempts.
	ErrAuthFailure = errors.New("card authentication failed")
	// ErrReadChecksum is returned when an 8-byte read chunk does not match
	// the checksum byte the adaptor sent with it.
	ErrReadChecksum = errors.New("read checksum mismatch")
)

// ProtocolError reports a malformed or unexpected reply to a single command.
type ProtocolError struct {
	Command string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error on %s: unexpected reply", e.Command)
}

// EccError reports a parity state in a page chunk that the code cannot
// correct.
type EccError struct {
	Page  uint32
	Chunk int
}

func (e *EccError) Error() string {
	return fmt.Sprintf("uncorrectable ECC state in page %d chunk %d", e.Page, e.Chunk)
}

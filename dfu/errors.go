package dfu

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// Intel HEX decoding
	ErrMalformedRecord  = errors.New("malformed hex record")
	ErrChecksumMismatch = errors.New("hex record checksum mismatch")
	ErrMissingEOF       = errors.New("hex file has no end-of-file record")

	// flash descriptor decoding, one per stage
	ErrNotInternalFlash = errors.New("descriptor does not describe internal flash")
	ErrSegmentCount     = errors.New("descriptor does not have exactly three segments")
	ErrStartAddress     = errors.New("descriptor start address is invalid")
	ErrSectorSpec       = errors.New("sector spec is not <pages>*<size>")
	ErrZeroPageSize     = errors.New("sector declares a page size of zero")
	ErrUnit             = errors.New("sector page size has unknown unit")

	ErrDeviceUnresponsive = errors.New("device did not return to dfuIDLE")
	ErrTransferSize       = errors.New("chunk size differs from the device transfer size")
	ErrEmptyImage         = errors.New("memory image has no data blocks")
	ErrBusy               = errors.New("programmer is already running")
	ErrClosed             = errors.New("programmer has released its device")
)

// ParseError is returned by ParseHex and ParseFlashLayout. Err is one of the
// sentinel errors above, so errors.Is works through it.
type ParseError struct {
	Line  int // 1-based, zero for descriptor strings
	Input string
	Err   error
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("line %d: %v (%q)", e.Line, e.Err, e.Input)
	}
	return fmt.Sprintf("%v (%q)", e.Err, e.Input)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ImageTooLargeError is reported before any erase or write is issued.
type ImageTooLargeError struct {
	ImageSize int
	Available int64
}

func (e *ImageTooLargeError) Error() string {
	return fmt.Sprintf("image of %d bytes does not fit into %d bytes of available flash", e.ImageSize, e.Available)
}

// ProtocolError means the device reported a state or status the current
// step did not allow.
type ProtocolError struct {
	Op     string
	Want   State
	Got    State
	Status StatusCode
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("dfu: %s: %s", e.Op, e.Reason)
	}
	if e.Status != StatusOK {
		return fmt.Sprintf("dfu: %s: device reported %s in state %s", e.Op, e.Status, e.Got)
	}
	return fmt.Sprintf("dfu: %s: expected state %s, device is in %s", e.Op, e.Want, e.Got)
}

// IOError wraps a failed control transfer.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return "dfu: " + e.Op + ": " + e.Err.Error()
}

func (e *IOError) Unwrap() error { return e.Err }

// VerifyMismatchError locates the first byte read back from flash that
// differs from the image.
type VerifyMismatchError struct {
	Block    int
	Offset   int
	Address  uint32
	Expected byte
	Actual   byte
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("verify failed in block %d at offset %d (%#08x): expected %#02x, read %#02x",
		e.Block, e.Offset, e.Address, e.Expected, e.Actual)
}

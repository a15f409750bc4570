package dfu

import (
	"fmt"
	"time"
)

/*
DFU class requests travel over the default control pipe, addressed to the DFU
interface:

	bmRequestType 0x21  host to device, class, interface
	bmRequestType 0xa1  device to host, class, interface

GETSTATUS answers with six bytes:

	guint8  bStatus
	guint24 bwPollTimeout (little endian, milliseconds)
	guint8  bState
	guint8  iString
*/

const (
	requestTypeOut uint8 = 0x21
	requestTypeIn  uint8 = 0xa1

	statusLength = 6
)

type Request uint8

const (
	RequestDetach    Request = 0x00
	RequestDnload    Request = 0x01
	RequestUpload    Request = 0x02
	RequestGetStatus Request = 0x03
	RequestClrStatus Request = 0x04
	RequestGetState  Request = 0x05
	RequestAbort     Request = 0x06
)

func (r Request) String() string {
	switch r {
	case RequestDetach:
		return "DETACH"
	case RequestDnload:
		return "DNLOAD"
	case RequestUpload:
		return "UPLOAD"
	case RequestGetStatus:
		return "GETSTATUS"
	case RequestClrStatus:
		return "CLRSTATUS"
	case RequestGetState:
		return "GETSTATE"
	case RequestAbort:
		return "ABORT"
	}
	return fmt.Sprintf("Unknown DFU request %02x", byte(r))
}

// DfuSe command bytes carried in a DNLOAD with wValue 0.
const (
	commandSetAddress byte = 0x21
	commandErase      byte = 0x41
)

// firstDataBlock is the first wValue usable for data; 0 and 1 are reserved
// for commands.
const firstDataBlock uint16 = 2

type State uint8

const (
	StateAppIdle              State = 0
	StateAppDetach            State = 1
	StateDfuIdle              State = 2
	StateDfuDnloadSync        State = 3
	StateDfuDnBusy            State = 4
	StateDfuDnloadIdle        State = 5
	StateDfuManifestSync      State = 6
	StateDfuManifest          State = 7
	StateDfuManifestWaitReset State = 8
	StateDfuUploadIdle        State = 9
	StateDfuError             State = 10
)

func (s State) String() string {
	switch s {
	case StateAppIdle:
		return "appIDLE"
	case StateAppDetach:
		return "appDETACH"
	case StateDfuIdle:
		return "dfuIDLE"
	case StateDfuDnloadSync:
		return "dfuDNLOAD-SYNC"
	case StateDfuDnBusy:
		return "dfuDNBUSY"
	case StateDfuDnloadIdle:
		return "dfuDNLOAD-IDLE"
	case StateDfuManifestSync:
		return "dfuMANIFEST-SYNC"
	case StateDfuManifest:
		return "dfuMANIFEST"
	case StateDfuManifestWaitReset:
		return "dfuMANIFEST-WAIT-RESET"
	case StateDfuUploadIdle:
		return "dfuUPLOAD-IDLE"
	case StateDfuError:
		return "dfuERROR"
	}
	return fmt.Sprintf("Unknown DFU state %d", byte(s))
}

func (s State) valid() bool {
	return s <= StateDfuError
}

type StatusCode uint8

const (
	StatusOK             StatusCode = 0x00
	StatusErrTarget      StatusCode = 0x01
	StatusErrFile        StatusCode = 0x02
	StatusErrWrite       StatusCode = 0x03
	StatusErrErase       StatusCode = 0x04
	StatusErrCheckErased StatusCode = 0x05
	StatusErrProg        StatusCode = 0x06
	StatusErrVerify      StatusCode = 0x07
	StatusErrAddress     StatusCode = 0x08
	StatusErrNotDone     StatusCode = 0x09
	StatusErrFirmware    StatusCode = 0x0a
	StatusErrVendor      StatusCode = 0x0b
	StatusErrUsbr        StatusCode = 0x0c
	StatusErrPor         StatusCode = 0x0d
	StatusErrUnknown     StatusCode = 0x0e
	StatusErrStalledPkt  StatusCode = 0x0f
)

func (c StatusCode) String() string {
	switch c {
	case StatusOK:
		return "OK"
	case StatusErrTarget:
		return "errTARGET (file is not for this target)"
	case StatusErrFile:
		return "errFILE (file fails a vendor-specific verification test)"
	case StatusErrWrite:
		return "errWRITE (unable to write memory)"
	case StatusErrErase:
		return "errERASE (memory erase function failed)"
	case StatusErrCheckErased:
		return "errCHECK_ERASED (memory erase check failed)"
	case StatusErrProg:
		return "errPROG (program memory function failed)"
	case StatusErrVerify:
		return "errVERIFY (programmed memory failed verification)"
	case StatusErrAddress:
		return "errADDRESS (address out of range)"
	case StatusErrNotDone:
		return "errNOTDONE (premature zero-length DNLOAD)"
	case StatusErrFirmware:
		return "errFIRMWARE (firmware is corrupt)"
	case StatusErrVendor:
		return "errVENDOR (vendor-specific error)"
	case StatusErrUsbr:
		return "errUSBR (unexpected USB reset)"
	case StatusErrPor:
		return "errPOR (unexpected power on reset)"
	case StatusErrUnknown:
		return "errUNKNOWN"
	case StatusErrStalledPkt:
		return "errSTALLEDPKT (device stalled an unexpected request)"
	}
	return fmt.Sprintf("Unknown DFU status %02x", byte(c))
}

func (c StatusCode) valid() bool {
	return c <= StatusErrStalledPkt
}

// Status is one GETSTATUS answer.
type Status struct {
	Status      StatusCode
	PollTimeout time.Duration
	State       State
	StringIndex uint8
}

func (s *Status) String() string {
	return fmt.Sprintf("status %s, state %s, poll timeout %v", s.Status, s.State, s.PollTimeout)
}

// FromWire decodes a GETSTATUS payload. Status and state values outside the
// class specification are rejected.
func (s *Status) FromWire(payload []byte) (err error) {
	if len(payload) != statusLength {
		return &ProtocolError{Op: "GETSTATUS", Reason: fmt.Sprintf("status has %d bytes, want %d", len(payload), statusLength)}
	}
	code := StatusCode(payload[0])
	state := State(payload[4])
	if !code.valid() {
		return &ProtocolError{Op: "GETSTATUS", Reason: fmt.Sprintf("device reported unknown status %#02x", payload[0])}
	}
	if !state.valid() {
		return &ProtocolError{Op: "GETSTATUS", Reason: fmt.Sprintf("device reported unknown state %d", payload[4])}
	}

	s.Status = code
	s.PollTimeout = time.Duration(uint32(payload[1])|uint32(payload[2])<<8|uint32(payload[3])<<16) * time.Millisecond
	s.State = state
	s.StringIndex = payload[5]
	return nil
}

// ToWire is the inverse of FromWire.
func (s *Status) ToWire() (payload []byte) {
	ms := uint32(s.PollTimeout / time.Millisecond)
	return []byte{byte(s.Status), byte(ms), byte(ms >> 8), byte(ms >> 16), byte(s.State), s.StringIndex}
}

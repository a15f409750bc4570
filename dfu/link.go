package dfu

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Transport is an opened and claimed DFU interface. Control has the
// semantics of a USB control transfer: data is sent for OUT requests and
// filled for IN requests, the transferred length is returned.
type Transport interface {
	Control(requestType, request uint8, value, index uint16, data []byte) (int, error)
	InterfaceNumber() uint16
	FlashDescriptor() (string, error)
	Close() error
}

// TransferSizer is implemented by transports that know the wTransferSize of
// the device's DFU functional descriptor. A size of 0 means unknown.
type TransferSizer interface {
	TransferSize() int
}

// Link drives the DFU state machine of one device. It issues exactly one
// control transfer at a time and never sends a request before GETSTATUS
// confirmed the device left dfuDNBUSY.
type Link struct {
	t   Transport
	cfg Config
	log log.FieldLogger
}

func NewLink(t Transport, opts ...Option) *Link {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return newLink(t, cfg)
}

func newLink(t Transport, cfg Config) *Link {
	return &Link{
		t:   t,
		cfg: cfg,
		log: cfg.Logger.WithField("interface", t.InterfaceNumber()),
	}
}

// transferSize returns the payload size of one DNLOAD or UPLOAD. The device
// addresses data blocks in units of its own transfer size, so a configured
// chunk size has to match it.
func (l *Link) transferSize() (int, error) {
	device := 0
	if ts, ok := l.t.(TransferSizer); ok {
		device = ts.TransferSize()
	}
	switch {
	case device > 0 && l.cfg.ChunkSize > 0 && l.cfg.ChunkSize != device:
		return 0, errors.Wrapf(ErrTransferSize, "chunk size %d, device transfer size %d", l.cfg.ChunkSize, device)
	case device > 0:
		return device, nil
	case l.cfg.ChunkSize > 0:
		return l.cfg.ChunkSize, nil
	}
	return DefaultChunkSize, nil
}

func (l *Link) out(ctx context.Context, op string, req Request, value uint16, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := l.t.Control(requestTypeOut, uint8(req), value, l.t.InterfaceNumber(), payload); err != nil {
		return &IOError{Op: op, Err: err}
	}
	return nil
}

func (l *Link) in(ctx context.Context, op string, req Request, value uint16, length int) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	n, err := l.t.Control(requestTypeIn, uint8(req), value, l.t.InterfaceNumber(), buf)
	if err != nil {
		return nil, &IOError{Op: op, Err: err}
	}
	return buf[:n], nil
}

// GetStatus issues DFU_GETSTATUS.
func (l *Link) GetStatus(ctx context.Context) (*Status, error) {
	payload, err := l.in(ctx, "GETSTATUS", RequestGetStatus, 0, statusLength)
	if err != nil {
		return nil, err
	}
	st := &Status{}
	if err := st.FromWire(payload); err != nil {
		return nil, err
	}
	return st, nil
}

// GetState issues DFU_GETSTATE, which reports the state without changing it.
func (l *Link) GetState(ctx context.Context) (State, error) {
	payload, err := l.in(ctx, "GETSTATE", RequestGetState, 0, 1)
	if err != nil {
		return StateDfuError, err
	}
	if len(payload) != 1 || !State(payload[0]).valid() {
		return StateDfuError, &ProtocolError{Op: "GETSTATE", Reason: fmt.Sprintf("invalid state answer % x", payload)}
	}
	return State(payload[0]), nil
}

// ClearStatus issues a single DFU_CLRSTATUS.
func (l *Link) ClearStatus(ctx context.Context) error {
	return l.out(ctx, "CLRSTATUS", RequestClrStatus, 0, nil)
}

// ClearStatusUntilIdle alternates GETSTATUS and CLRSTATUS until the device
// reports dfuIDLE. It gives up with ErrDeviceUnresponsive after
// MaxClearAttempts rounds or ClearTimeout, whichever comes first.
func (l *Link) ClearStatusUntilIdle(ctx context.Context) error {
	deadline := time.Now().Add(l.cfg.ClearTimeout)

	for attempt := 1; attempt <= l.cfg.MaxClearAttempts; attempt++ {
		st, err := l.GetStatus(ctx)
		if err != nil {
			return err
		}
		if st.State == StateDfuIdle {
			return nil
		}
		if attempt == l.cfg.MaxClearAttempts {
			break
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		l.log.WithFields(log.Fields{
			"attempt": attempt,
			"state":   st.State,
			"status":  st.Status,
		}).Debug("device not idle, clearing status")

		wait := st.PollTimeout
		if wait > remaining {
			wait = remaining
		}
		if err := l.cfg.Sleep(ctx, wait); err != nil {
			return err
		}
		if err := l.ClearStatus(ctx); err != nil {
			return err
		}
	}
	return errors.Wrapf(ErrDeviceUnresponsive, "gave up after %d attempts or %v", l.cfg.MaxClearAttempts, l.cfg.ClearTimeout)
}

// downloadStep is the position within one DNLOAD exchange: the request was
// sent and the device must report busy, then after the poll timeout it must
// report download idle.
type downloadStep int

const (
	stepSent downloadStep = iota
	stepPolled
	stepDone
)

func (s downloadStep) want() State {
	if s == stepSent {
		return StateDfuDnBusy
	}
	return StateDfuDnloadIdle
}

func (s downloadStep) next(op string, st *Status) (downloadStep, error) {
	if st.Status != StatusOK {
		return s, &ProtocolError{Op: op, Want: s.want(), Got: st.State, Status: st.Status}
	}
	switch st.State {
	case StateDfuDnBusy:
		if s == stepSent {
			return stepPolled, nil
		}
	case StateDfuDnloadIdle:
		if s == stepPolled {
			return stepDone, nil
		}
	case StateAppIdle, StateAppDetach, StateDfuIdle, StateDfuDnloadSync, StateDfuManifestSync,
		StateDfuManifest, StateDfuManifestWaitReset, StateDfuUploadIdle, StateDfuError:
	}
	return s, &ProtocolError{Op: op, Want: s.want(), Got: st.State}
}

// download sends one DNLOAD and waits until the device has processed it.
func (l *Link) download(ctx context.Context, op string, blockNum uint16, payload []byte) error {
	if err := l.out(ctx, op, RequestDnload, blockNum, payload); err != nil {
		return err
	}

	step := stepSent
	for step != stepDone {
		st, err := l.GetStatus(ctx)
		if err != nil {
			return err
		}
		if step, err = step.next(op, st); err != nil {
			return err
		}
		if step == stepPolled {
			if err := l.cfg.Sleep(ctx, st.PollTimeout); err != nil {
				return err
			}
		}
	}
	return nil
}

// LoadAddress sets the DfuSe address pointer used by following writes, reads
// and the final manifestation.
func (l *Link) LoadAddress(ctx context.Context, addr uint32) error {
	l.log.WithField("addr", fmt.Sprintf("%#08x", addr)).Debug("load address")
	return l.download(ctx, fmt.Sprintf("set address %#08x", addr), 0, addressCommand(commandSetAddress, addr))
}

// EraseChip erases the whole flash.
func (l *Link) EraseChip(ctx context.Context) error {
	l.log.Debug("chip erase")
	return l.download(ctx, "chip erase", 0, []byte{commandErase})
}

// ErasePage erases the flash page starting at addr.
func (l *Link) ErasePage(ctx context.Context, addr uint32) error {
	return l.download(ctx, fmt.Sprintf("erase page %#08x", addr), 0, addressCommand(commandErase, addr))
}

// WriteBlock transfers data as DNLOAD block blockNum. The device stores it at
// address pointer + (blockNum-2) * transfer size.
func (l *Link) WriteBlock(ctx context.Context, blockNum uint16, data []byte) error {
	if blockNum < firstDataBlock {
		return errors.Errorf("block number %d is reserved for commands", blockNum)
	}
	return l.download(ctx, fmt.Sprintf("write block %d", blockNum), blockNum, data)
}

// ReadBlock reads length bytes as UPLOAD block blockNum.
func (l *Link) ReadBlock(ctx context.Context, blockNum uint16, length int) ([]byte, error) {
	if blockNum < firstDataBlock {
		return nil, errors.Errorf("block number %d is reserved for commands", blockNum)
	}
	op := fmt.Sprintf("read block %d", blockNum)
	data, err := l.in(ctx, op, RequestUpload, blockNum, length)
	if err != nil {
		return nil, err
	}
	if len(data) != length {
		return nil, &ProtocolError{Op: op, Reason: fmt.Sprintf("short upload, got %d of %d bytes", len(data), length)}
	}
	return data, nil
}

// FinalizeAndRun sends the zero-length DNLOAD that starts manifestation and
// one GETSTATUS to let the device leave DFU mode. The device jumps to the
// address loaded last.
func (l *Link) FinalizeAndRun(ctx context.Context) error {
	if err := l.out(ctx, "leave", RequestDnload, 0, nil); err != nil {
		return err
	}
	st, err := l.GetStatus(ctx)
	if err != nil {
		return err
	}
	l.log.WithField("state", st.State).Debug("manifestation requested")
	return nil
}

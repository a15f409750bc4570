package dfu

import (
	"context"
	"encoding/binary"
	"io/ioutil"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var errPipe = errors.New("libusb: pipe error")

type controlCall struct {
	requestType uint8
	request     Request
	value       uint16
	data        []byte
}

// fakeDevice emulates a DfuSe bootloader: an address pointer, page erase,
// block writes relative to the pointer and the busy/idle status sequence.
type fakeDevice struct {
	descriptor   string
	descErr      error
	base         uint32
	mem          []byte
	transferSize int
	pageSize     uint32

	state       State
	status      StatusCode
	pollTimeout uint16
	pending     func() StatusCode

	pointer     uint32
	erasedPages []uint32
	chipErased  bool
	manifested  bool
	closed      int

	calls []controlCall

	// fault injection
	stuck     bool            // CLRSTATUS never leaves dfuERROR
	skipBusy  bool            // report dfuDNLOAD-IDLE right after a DNLOAD
	corrupt   map[uint32]byte // bytes returned by UPLOAD instead of flash content
	failAfter func(c controlCall) error
}

func newFakeDevice(descriptor string, base uint32, size int, pageSize uint32, transferSize int) *fakeDevice {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xff
	}
	return &fakeDevice{
		descriptor:   descriptor,
		base:         base,
		mem:          mem,
		transferSize: transferSize,
		pageSize:     pageSize,
		state:        StateDfuError,
		status:       StatusErrStalledPkt,
		pollTimeout:  5,
	}
}

func (f *fakeDevice) InterfaceNumber() uint16 { return 0 }

func (f *fakeDevice) TransferSize() int { return f.transferSize }

func (f *fakeDevice) FlashDescriptor() (string, error) {
	return f.descriptor, f.descErr
}

func (f *fakeDevice) Close() error {
	f.closed++
	return nil
}

func (f *fakeDevice) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	c := controlCall{requestType: requestType, request: Request(request), value: value}
	if requestType == requestTypeOut {
		c.data = append([]byte(nil), data...)
	}
	f.calls = append(f.calls, c)
	if f.failAfter != nil {
		if err := f.failAfter(c); err != nil {
			return 0, err
		}
	}

	switch Request(request) {
	case RequestGetStatus:
		f.advance()
		st := Status{Status: f.status, PollTimeout: time.Duration(f.pollTimeout) * time.Millisecond, State: f.state}
		return copy(data, st.ToWire()), nil
	case RequestGetState:
		data[0] = byte(f.state)
		return 1, nil
	case RequestClrStatus:
		if !f.stuck {
			f.state, f.status = StateDfuIdle, StatusOK
		}
		return 0, nil
	case RequestDnload:
		return f.dnload(value, data)
	case RequestUpload:
		return f.upload(value, data)
	}
	return 0, errPipe
}

func (f *fakeDevice) advance() {
	switch f.state {
	case StateDfuDnloadSync:
		if f.skipBusy {
			f.status = f.pending()
			f.state = StateDfuDnloadIdle
			break
		}
		f.state = StateDfuDnBusy
	case StateDfuDnBusy:
		f.status = f.pending()
		f.state = StateDfuDnloadIdle
		if f.status != StatusOK {
			f.state = StateDfuError
		}
	case StateDfuManifestSync:
		f.manifested = true
		f.state = StateDfuManifest
	}
}

func (f *fakeDevice) stall() (int, error) {
	f.state, f.status = StateDfuError, StatusErrStalledPkt
	return 0, errPipe
}

func (f *fakeDevice) dnload(block uint16, data []byte) (int, error) {
	if f.state != StateDfuIdle && f.state != StateDfuDnloadIdle {
		return f.stall()
	}

	switch {
	case block == 0 && len(data) == 0:
		f.state = StateDfuManifestSync
		return 0, nil
	case block == 0 && len(data) == 5 && data[0] == commandSetAddress:
		addr := binary.LittleEndian.Uint32(data[1:])
		f.pending = func() StatusCode {
			f.pointer = addr
			return StatusOK
		}
	case block == 0 && len(data) == 1 && data[0] == commandErase:
		f.pending = func() StatusCode {
			for i := range f.mem {
				f.mem[i] = 0xff
			}
			f.chipErased = true
			return StatusOK
		}
	case block == 0 && len(data) == 5 && data[0] == commandErase:
		addr := binary.LittleEndian.Uint32(data[1:])
		f.pending = func() StatusCode {
			off, ok := f.offset(addr, int(f.pageSize))
			if !ok {
				return StatusErrAddress
			}
			for i := 0; i < int(f.pageSize); i++ {
				f.mem[off+i] = 0xff
			}
			f.erasedPages = append(f.erasedPages, addr)
			return StatusOK
		}
	case block >= firstDataBlock:
		payload := append([]byte(nil), data...)
		addr := f.pointer + uint32(int(block-firstDataBlock)*f.transferSize)
		f.pending = func() StatusCode {
			off, ok := f.offset(addr, len(payload))
			if !ok {
				return StatusErrAddress
			}
			for i, b := range payload {
				if f.mem[off+i] != 0xff {
					return StatusErrWrite
				}
				f.mem[off+i] = b
			}
			return StatusOK
		}
	default:
		return f.stall()
	}

	f.state = StateDfuDnloadSync
	return len(data), nil
}

func (f *fakeDevice) upload(block uint16, buf []byte) (int, error) {
	if f.state != StateDfuIdle && f.state != StateDfuUploadIdle {
		return f.stall()
	}
	if block < firstDataBlock {
		return f.stall()
	}
	addr := f.pointer + uint32(int(block-firstDataBlock)*f.transferSize)
	off, ok := f.offset(addr, len(buf))
	if !ok {
		return f.stall()
	}
	copy(buf, f.mem[off:off+len(buf)])
	for i := range buf {
		if b, ok := f.corrupt[addr+uint32(i)]; ok {
			buf[i] = b
		}
	}
	f.state = StateDfuUploadIdle
	return len(buf), nil
}

func (f *fakeDevice) offset(addr uint32, n int) (int, bool) {
	if addr < f.base || int(addr-f.base)+n > len(f.mem) {
		return 0, false
	}
	return int(addr - f.base), true
}

func (f *fakeDevice) read(addr uint32, n int) []byte {
	off := int(addr - f.base)
	return f.mem[off : off+n]
}

// count returns how many calls of req satisfy match; a nil match counts all.
func (f *fakeDevice) count(req Request, match func(c controlCall) bool) (n int) {
	for _, c := range f.calls {
		if c.request == req && (match == nil || match(c)) {
			n++
		}
	}
	return n
}

func isWrite(c controlCall) bool { return c.value >= firstDataBlock }

func isErase(c controlCall) bool {
	return c.value == 0 && len(c.data) > 0 && c.data[0] == commandErase
}

func quietLogger() log.FieldLogger {
	l := log.New()
	l.Out = ioutil.Discard
	return l
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

func testOptions(chunk int, extra ...Option) []Option {
	return append([]Option{
		WithChunkSize(chunk),
		WithLogger(quietLogger()),
		WithSleeper(noSleep),
	}, extra...)
}

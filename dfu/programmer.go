package dfu

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Programmer flashes one MemoryImage through one Transport. It owns the
// transport and releases it when Program returns, so a Programmer is good
// for a single attempt.
type Programmer struct {
	mu        sync.Mutex
	transport Transport
	link      *Link
	cfg       Config
	log       log.FieldLogger

	session *session
	closed  bool
}

// session is the mutable state of a running Program call.
type session struct {
	chunk    int    // bytes per DNLOAD or UPLOAD
	block    int    // index of the block being written or read
	written  int    // bytes of the current block already written
	address  uint32 // next flash address to be written
	readBack [][]byte
}

func NewProgrammer(t Transport, opts ...Option) *Programmer {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Programmer{
		transport: t,
		link:      newLink(t, cfg),
		cfg:       cfg,
		log:       cfg.Logger,
	}
}

// Program runs the complete sequence on img:
//  1. resolve the flash layout and transfer size, check the image fits
//  2. bring the device to dfuIDLE
//  3. erase the touched pages (or the whole chip)
//  4. write every block in chunks
//  5. read every block back and compare
//  6. start the application
//
// The transport is closed on every return path. If ctx is cancelled the run
// stops between two transfers and the flash content is unspecified.
func (p *Programmer) Program(ctx context.Context, img *MemoryImage) (err error) {
	if !p.mu.TryLock() {
		return ErrBusy
	}
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}

	start := time.Now()
	p.session = &session{}
	defer func() {
		p.session = nil
		if cerr := p.release(); cerr != nil && err == nil {
			err = cerr
		}
		if err != nil {
			p.log.WithError(err).WithField("elapsed", time.Since(start)).Error("flashing aborted")
		}
	}()

	if img == nil || len(img.Blocks) == 0 {
		return ErrEmptyImage
	}
	p.log.WithFields(log.Fields{
		"bytes":  img.TotalBytes,
		"blocks": len(img.Blocks),
		"crc":    fmt.Sprintf("%#04x", img.CRC16()),
	}).Info("flashing image")

	layout, err := p.resolveLayout(img)
	if err != nil {
		return err
	}
	if p.session.chunk, err = p.link.transferSize(); err != nil {
		return err
	}
	for i := range img.Blocks {
		if err := checkTransfers(len(img.Blocks[i].Data), p.session.chunk); err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
	}

	if err := p.link.ClearStatusUntilIdle(ctx); err != nil {
		return errors.Wrap(err, "preparing device")
	}
	if err := p.erase(ctx, img, layout); err != nil {
		return errors.Wrap(err, "erase")
	}
	if err := p.write(ctx, img); err != nil {
		return errors.Wrap(err, "write")
	}
	if err := p.verify(ctx, img); err != nil {
		return errors.Wrap(err, "verify")
	}
	if err := p.run(ctx, img); err != nil {
		return errors.Wrap(err, "start application")
	}

	p.report(PhaseDone, img.TotalBytes, img.TotalBytes)
	p.log.WithField("elapsed", time.Since(start)).Info("programming successful")
	return nil
}

// resolveLayout reads the flash descriptor and rejects images larger than
// the flash behind their start address. It does not modify the device.
func (p *Programmer) resolveLayout(img *MemoryImage) (*FlashLayout, error) {
	desc, err := p.transport.FlashDescriptor()
	if err != nil {
		return nil, &IOError{Op: "read flash descriptor", Err: err}
	}
	layout, err := ParseFlashLayout(desc)
	if err != nil {
		return nil, errors.Wrap(err, "flash descriptor")
	}
	p.log.WithFields(log.Fields{
		"type":    layout.Type,
		"start":   fmt.Sprintf("%#08x", layout.StartAddress),
		"size":    layout.TotalSize,
		"sectors": len(layout.Sectors),
	}).Info("flash layout")

	if err := layout.CheckCapacity(img); err != nil {
		return nil, err
	}
	return layout, nil
}

func (p *Programmer) erase(ctx context.Context, img *MemoryImage, layout *FlashLayout) error {
	plan := PlanErase(img, layout, p.cfg.FullChipErase)
	p.log.WithField("plan", plan.String()).Info("erasing")

	if plan.ChipErase {
		p.report(PhaseErase, 0, int(layout.TotalSize))
		if err := p.link.EraseChip(ctx); err != nil {
			return err
		}
		p.report(PhaseErase, int(layout.TotalSize), int(layout.TotalSize))
		return nil
	}

	total := int(plan.Bytes())
	done := 0
	for _, pg := range plan.Pages {
		p.log.WithFields(log.Fields{
			"sector": pg.Sector,
			"page":   pg.Page,
			"addr":   fmt.Sprintf("%#08x", pg.Address),
		}).Debug("erasing page")
		if err := p.link.ErasePage(ctx, pg.Address); err != nil {
			return errors.Wrapf(err, "sector %d page %d", pg.Sector, pg.Page)
		}
		done += int(pg.Size)
		p.report(PhaseErase, done, total)
	}
	return nil
}

func (p *Programmer) write(ctx context.Context, img *MemoryImage) error {
	s := p.session
	done := 0
	for i := range img.Blocks {
		blk := &img.Blocks[i]
		s.block, s.written, s.address = i, 0, blk.Address

		parts := chunks(blk.Data, s.chunk)
		if err := p.link.LoadAddress(ctx, blk.Address); err != nil {
			return errors.Wrapf(err, "block %d", i)
		}

		blockNum := firstDataBlock
		for _, chunk := range parts {
			if err := p.link.WriteBlock(ctx, blockNum, chunk); err != nil {
				return errors.Wrapf(err, "block %d at %#08x", i, s.address)
			}
			blockNum++
			s.written += len(chunk)
			s.address += uint32(len(chunk))
			done += len(chunk)
			p.report(PhaseWrite, done, img.TotalBytes)
		}
		p.log.WithFields(log.Fields{
			"block": i,
			"addr":  fmt.Sprintf("%#08x", blk.Address),
			"bytes": s.written,
		}).Debug("block written")
	}
	return nil
}

func (p *Programmer) verify(ctx context.Context, img *MemoryImage) error {
	s := p.session
	s.readBack = make([][]byte, len(img.Blocks))
	done := 0
	for i := range img.Blocks {
		blk := &img.Blocks[i]
		s.block = i

		if err := p.link.ClearStatusUntilIdle(ctx); err != nil {
			return err
		}
		if err := p.link.LoadAddress(ctx, blk.Address); err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
		if err := p.link.ClearStatusUntilIdle(ctx); err != nil {
			return err
		}

		s.readBack[i] = make([]byte, 0, len(blk.Data))
		blockNum := firstDataBlock
		for len(s.readBack[i]) < len(blk.Data) {
			n := len(blk.Data) - len(s.readBack[i])
			if n > s.chunk {
				n = s.chunk
			}
			data, err := p.link.ReadBlock(ctx, blockNum, n)
			if err != nil {
				return errors.Wrapf(err, "block %d", i)
			}
			s.readBack[i] = append(s.readBack[i], data...)
			blockNum++
			done += n
			p.report(PhaseVerify, done, img.TotalBytes)
		}
	}

	for i := range img.Blocks {
		if err := compareBlock(i, &img.Blocks[i], s.readBack[i]); err != nil {
			return err
		}
	}
	p.log.WithField("bytes", img.TotalBytes).Info("verify successful")
	return nil
}

func compareBlock(index int, blk *MemoryBlock, actual []byte) error {
	for off, want := range blk.Data {
		if actual[off] != want {
			return &VerifyMismatchError{
				Block:    index,
				Offset:   off,
				Address:  blk.Address + uint32(off),
				Expected: want,
				Actual:   actual[off],
			}
		}
	}
	return nil
}

// run points the device at the first block and leaves DFU mode. After
// verification the device is in dfuUPLOAD-IDLE, so it is cleared first.
func (p *Programmer) run(ctx context.Context, img *MemoryImage) error {
	if err := p.link.ClearStatusUntilIdle(ctx); err != nil {
		return err
	}
	if err := p.link.LoadAddress(ctx, img.Blocks[0].Address); err != nil {
		return err
	}
	return p.link.FinalizeAndRun(ctx)
}

func (p *Programmer) release() error {
	p.closed = true
	if err := p.transport.Close(); err != nil {
		return errors.Wrap(err, "releasing device")
	}
	return nil
}

func (p *Programmer) report(phase Phase, done, total int) {
	if p.cfg.Progress != nil {
		p.cfg.Progress(Progress{Phase: phase, Done: done, Total: total})
	}
}

package dfu

import (
	"context"

	"github.com/pkg/errors"
)

// ReadMemory uploads length bytes of flash starting at addr and returns them
// as a single block image, ready for WriteHex.
func (l *Link) ReadMemory(ctx context.Context, addr uint32, length int, progress ProgressCallback) (*MemoryImage, error) {
	if length <= 0 {
		return nil, errors.Errorf("invalid read length %d", length)
	}
	chunk, err := l.transferSize()
	if err != nil {
		return nil, err
	}
	if err := checkTransfers(length, chunk); err != nil {
		return nil, err
	}

	if err := l.ClearStatusUntilIdle(ctx); err != nil {
		return nil, err
	}
	if err := l.LoadAddress(ctx, addr); err != nil {
		return nil, err
	}
	if err := l.ClearStatusUntilIdle(ctx); err != nil {
		return nil, err
	}

	data := make([]byte, 0, length)
	blockNum := firstDataBlock
	for len(data) < length {
		n := length - len(data)
		if n > chunk {
			n = chunk
		}
		part, err := l.ReadBlock(ctx, blockNum, n)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %#08x", addr+uint32(len(data)))
		}
		data = append(data, part...)
		blockNum++
		if progress != nil {
			progress(Progress{Phase: PhaseRead, Done: len(data), Total: length})
		}
	}

	return &MemoryImage{
		Blocks:             []MemoryBlock{{Address: addr, Data: data}},
		EndOfFile:          true,
		StartLinearAddress: addr,
		TotalBytes:         length,
	}, nil
}

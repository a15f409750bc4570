package dfu

import (
	"encoding/hex"
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"strings"

	"github.com/marcinbor85/gohex"
	"github.com/pkg/errors"
	"github.com/sigurn/crc16"
)

type RecordType byte

const (
	RecordData                   RecordType = 0x00
	RecordEndOfFile              RecordType = 0x01
	RecordExtendedSegmentAddress RecordType = 0x02
	RecordStartSegmentAddress    RecordType = 0x03
	RecordExtendedLinearAddress  RecordType = 0x04
	RecordStartLinearAddress     RecordType = 0x05
)

// line length used when an image is written back as Intel HEX
const hexLineLength = 16

// MemoryBlock is a run of contiguous bytes starting at Address.
type MemoryBlock struct {
	Address uint32
	Data    []byte
}

// End returns the first address after the block.
func (b *MemoryBlock) End() uint32 {
	return b.Address + uint32(len(b.Data))
}

// MemoryImage is the content of an Intel HEX file. Blocks appear in file
// order; consecutive data records with adjacent addresses share a block.
type MemoryImage struct {
	Blocks             []MemoryBlock
	EndOfFile          bool
	StartLinearAddress uint32
	TotalBytes         int
}

func (m *MemoryImage) String() string {
	res := fmt.Sprintf("%d bytes in %d blocks, start address %#08x, CRC %#04x\n",
		m.TotalBytes, len(m.Blocks), m.StartLinearAddress, m.CRC16())
	for i, b := range m.Blocks {
		res += fmt.Sprintf("\tblock %d: %#08x - %#08x (%d bytes)\n", i, b.Address, b.End()-1, len(b.Data))
	}
	return res
}

// CRC16 is a CRC-16/CCITT-FALSE over all block bytes in block order. It
// identifies an image in logs, it is not transmitted to the device.
func (m *MemoryImage) CRC16() uint16 {
	all := make([]byte, 0, m.TotalBytes)
	for _, b := range m.Blocks {
		all = append(all, b.Data...)
	}
	return crc16.Checksum(all, crc16.MakeTable(crc16.CRC16_CCITT_FALSE))
}

// WriteHex encodes the image as Intel HEX records, terminated by an
// end-of-file record.
func (m *MemoryImage) WriteHex(w io.Writer) error {
	mem := gohex.NewMemory()
	if m.StartLinearAddress != 0 {
		mem.SetStartAddress(m.StartLinearAddress)
	}
	for _, b := range m.Blocks {
		if err := mem.AddBinary(b.Address, b.Data); err != nil {
			return errors.Wrapf(err, "adding block at %#08x", b.Address)
		}
	}
	return mem.DumpIntelHex(w, hexLineLength)
}

// RecordChecksum is the two's complement of the byte sum of a record.
func RecordChecksum(count byte, addr uint16, typ RecordType, data []byte) byte {
	sum := count + byte(addr>>8) + byte(addr) + byte(typ)
	for _, d := range data {
		sum += d
	}
	return ^sum + 1
}

type record struct {
	count    byte
	addr     uint16
	typ      RecordType
	data     []byte
	checksum byte
}

func decodeRecord(line string) (rec record, err error) {
	if !strings.HasPrefix(line, ":") {
		return rec, ErrMalformedRecord
	}
	raw, err := hex.DecodeString(line[1:])
	if err != nil || len(raw) < 5 {
		return rec, ErrMalformedRecord
	}
	rec.count = raw[0]
	if len(raw) != int(rec.count)+5 {
		return rec, ErrMalformedRecord
	}
	rec.addr = uint16(raw[1])<<8 | uint16(raw[2])
	rec.typ = RecordType(raw[3])
	rec.data = raw[4 : 4+int(rec.count)]
	rec.checksum = raw[4+int(rec.count)]

	if RecordChecksum(rec.count, rec.addr, rec.typ, rec.data) != rec.checksum {
		return rec, ErrChecksumMismatch
	}
	return rec, nil
}

// ParseHex decodes an Intel HEX stream. The image is only returned if every
// record is well formed, every checksum matches and an end-of-file record was
// found; records following the end-of-file record are ignored.
func ParseHex(r io.Reader) (img *MemoryImage, err error) {
	content, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "reading hex data")
	}

	lines := strings.Split(string(content), "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}

	img = &MemoryImage{}
	var upper uint32
	var next uint32

	for i, line := range lines {
		line = strings.TrimSuffix(line, "\r")
		rec, err := decodeRecord(line)
		if err != nil {
			return nil, &ParseError{Line: i + 1, Input: line, Err: err}
		}

		switch rec.typ {
		case RecordData:
			if rec.count == 0 {
				continue
			}
			addr := upper + uint32(rec.addr)
			if len(img.Blocks) == 0 || addr != next {
				img.Blocks = append(img.Blocks, MemoryBlock{Address: addr})
			}
			blk := &img.Blocks[len(img.Blocks)-1]
			blk.Data = append(blk.Data, rec.data...)
			img.TotalBytes += len(rec.data)
			next = addr + uint32(rec.count)
		case RecordEndOfFile:
			img.EndOfFile = true
		case RecordExtendedLinearAddress:
			if rec.count != 2 {
				return nil, &ParseError{Line: i + 1, Input: line, Err: ErrMalformedRecord}
			}
			upper = uint32(rec.data[0])<<24 | uint32(rec.data[1])<<16
		case RecordStartLinearAddress:
			if rec.count != 4 {
				return nil, &ParseError{Line: i + 1, Input: line, Err: ErrMalformedRecord}
			}
			img.StartLinearAddress = uint32(rec.data[0])<<24 | uint32(rec.data[1])<<16 | uint32(rec.data[2])<<8 | uint32(rec.data[3])
		default:
			// segment addressing and vendor records carry nothing for a linear flash
		}

		if img.EndOfFile {
			break
		}
	}

	if !img.EndOfFile {
		return nil, &ParseError{Line: len(lines), Err: ErrMissingEOF}
	}
	return img, nil
}

// ParseHexFile reads and decodes the Intel HEX file at path.
func ParseHexFile(path string) (*MemoryImage, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening hex file")
	}
	defer f.Close()

	img, err := ParseHex(f)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing %s", path)
	}
	return img, nil
}

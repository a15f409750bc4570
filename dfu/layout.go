package dfu

import (
	"fmt"
	"strconv"
	"strings"
)

// internalFlashMarker starts the interface string of a DFU alternate setting
// that maps the on-chip flash, e.g.
//
//	F303: "@Internal Flash  /0x08000000/128*0002Kg"
//	F407: "@Internal Flash  /0x08000000/04*016Kg,01*064Kg,07*128Kg"
const internalFlashMarker = "@Internal Flash"

// FlashSector is a run of NumPages equally sized pages.
type FlashSector struct {
	StartAddress uint32
	PageSize     uint32
	NumPages     uint32
	TotalSize    uint32
	Suffix       byte
}

// PageAddress returns the start address of page within the sector.
func (s *FlashSector) PageAddress(page int) uint32 {
	return s.StartAddress + uint32(page)*s.PageSize
}

type FlashLayout struct {
	Type         string
	StartAddress uint32
	TotalSize    uint32
	Sectors      []FlashSector
}

func (l *FlashLayout) String() string {
	res := fmt.Sprintf("%s at %#08x, %d KiB\n", l.Type, l.StartAddress, l.TotalSize/1024)
	for i, s := range l.Sectors {
		res += fmt.Sprintf("\tsector %d: %#08x, %d pages of %d KiB\n", i, s.StartAddress, s.NumPages, s.PageSize/1024)
	}
	return res
}

// Contains reports whether addr lies within the flash.
func (l *FlashLayout) Contains(addr uint32) bool {
	return uint64(addr) >= uint64(l.StartAddress) && uint64(addr) < uint64(l.StartAddress)+uint64(l.TotalSize)
}

// SectorAt returns the index of the sector holding addr, or -1.
func (l *FlashLayout) SectorAt(addr uint32) int {
	for i, s := range l.Sectors {
		if addr >= s.StartAddress && uint64(addr) < uint64(s.StartAddress)+uint64(s.TotalSize) {
			return i
		}
	}
	return -1
}

// CheckCapacity fails with *ImageTooLargeError if img holds more bytes than
// the flash offers from img's start address to the end of the layout.
func (l *FlashLayout) CheckCapacity(img *MemoryImage) error {
	available := int64(l.TotalSize) - (int64(img.StartLinearAddress) - int64(l.StartAddress))
	if int64(img.TotalBytes) > available {
		return &ImageTooLargeError{ImageSize: img.TotalBytes, Available: available}
	}
	return nil
}

// ParseFlashLayout decodes a DfuSe flash descriptor string of the form
// @<Type>/<start>/<pages>*<size><unit><suffix>[,...].
func ParseFlashLayout(desc string) (*FlashLayout, error) {
	fail := func(err error) (*FlashLayout, error) {
		return nil, &ParseError{Input: desc, Err: err}
	}

	if !strings.HasPrefix(desc, internalFlashMarker) {
		return fail(ErrNotInternalFlash)
	}
	segments := strings.Split(desc, "/")
	if len(segments) != 3 {
		return fail(ErrSegmentCount)
	}

	start, err := strconv.ParseUint(strings.TrimSpace(segments[1]), 0, 32)
	if err != nil {
		return fail(ErrStartAddress)
	}

	layout := &FlashLayout{
		Type:         strings.TrimPrefix(strings.TrimSpace(segments[0]), "@"),
		StartAddress: uint32(start),
	}

	var total uint64
	for _, spec := range strings.Split(segments[2], ",") {
		fields := strings.Split(spec, "*")
		if len(fields) != 2 {
			return fail(ErrSectorSpec)
		}
		numPages, _, ok := leadingDecimal(fields[0])
		if !ok {
			return fail(ErrSectorSpec)
		}
		pageSize, rest, ok := leadingDecimal(fields[1])
		if !ok || pageSize == 0 {
			return fail(ErrZeroPageSize)
		}
		if len(rest) < 1 {
			return fail(ErrUnit)
		}
		switch rest[0] {
		case 'M':
			pageSize *= 1024 * 1024
		case 'K':
			pageSize *= 1024
		default:
			return fail(ErrUnit)
		}
		if pageSize > 1<<32 || numPages > (1<<32)/pageSize {
			return fail(ErrSectorSpec)
		}

		sector := FlashSector{
			StartAddress: layout.StartAddress + uint32(total),
			PageSize:     uint32(pageSize),
			NumPages:     uint32(numPages),
			TotalSize:    uint32(numPages * pageSize),
		}
		if len(rest) > 1 {
			sector.Suffix = rest[1]
		}
		layout.Sectors = append(layout.Sectors, sector)
		total += numPages * pageSize
	}

	if uint64(layout.StartAddress)+total > 1<<32 {
		return fail(ErrSectorSpec)
	}
	layout.TotalSize = uint32(total)
	return layout, nil
}

// leadingDecimal parses the decimal digits at the start of s, after optional
// blanks, and returns the remainder.
func leadingDecimal(s string) (val uint64, rest string, ok bool) {
	s = strings.TrimLeft(s, " ")
	n := 0
	for n < len(s) && s[n] >= '0' && s[n] <= '9' {
		n++
	}
	if n == 0 {
		return 0, s, false
	}
	val, err := strconv.ParseUint(s[:n], 10, 32)
	if err != nil {
		return 0, s, false
	}
	return val, s[n:], true
}

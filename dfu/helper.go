package dfu

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// addressCommand builds a DfuSe command byte followed by a little endian
// 32-bit address.
func addressCommand(cmd byte, addr uint32) []byte {
	payload := make([]byte, 5)
	payload[0] = cmd
	binary.LittleEndian.PutUint32(payload[1:], addr)
	return payload
}

// chunks splits data into slices of at most size bytes. The slices alias data.
func chunks(data []byte, size int) (res [][]byte) {
	for len(data) > size {
		res = append(res, data[:size])
		data = data[size:]
	}
	if len(data) > 0 {
		res = append(res, data)
	}
	return res
}

// maxTransfers is the number of data blocks one address pointer can serve,
// wValue 2 up to 0xffff.
const maxTransfers = 0x10000 - int(firstDataBlock)

// checkTransfers fails if length bytes in chunk sized transfers need more
// block numbers than one address pointer offers.
func checkTransfers(length, chunk int) error {
	if n := (length + chunk - 1) / chunk; n > maxTransfers {
		return errors.Errorf("%d bytes need %d transfers of %d bytes, at most %d fit behind one address", length, n, chunk, maxTransfers)
	}
	return nil
}

// interfaceInfo is what the raw configuration descriptor tells about one
// alternate setting of the DFU interface.
type interfaceInfo struct {
	stringIndex  uint8
	transferSize int // wTransferSize of the functional descriptor, 0 if absent
}

// parseInterfaceInfo walks a raw configuration descriptor. The DFU
// functional descriptor follows the interface descriptors of its interface
// and applies to all of their alternate settings.
func parseInterfaceInfo(raw []byte, number, alt int) (info interfaceInfo, found bool) {
	current := -1
	for off := 0; off+2 <= len(raw); off += int(raw[off]) {
		l := int(raw[off])
		if l < 2 || off+l > len(raw) {
			break
		}
		switch raw[off+1] {
		case descTypeIface:
			if l < 9 {
				continue
			}
			current = int(raw[off+2])
			if current == number && int(raw[off+3]) == alt {
				info.stringIndex = raw[off+8]
				found = true
			}
		case descTypeDFUFunctional:
			if l >= 7 && current == number {
				info.transferSize = int(binary.LittleEndian.Uint16(raw[off+5 : off+7]))
			}
		}
	}
	return info, found
}

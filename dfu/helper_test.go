package dfu

import "testing"

func TestCheckTransfers(t *testing.T) {
	tests := []struct {
		length, chunk int
		wantErr       bool
	}{
		{length: 0xfffe, chunk: 1},
		{length: 0xffff, chunk: 1, wantErr: true},
		{length: 0xfffe * 2048, chunk: 2048},
		{length: 0xfffe*2048 + 1, chunk: 2048, wantErr: true},
	}
	for _, tt := range tests {
		err := checkTransfers(tt.length, tt.chunk)
		if (err != nil) != tt.wantErr {
			t.Errorf("checkTransfers(%d, %d) error = %v, wantErr %v", tt.length, tt.chunk, err, tt.wantErr)
		}
	}
}

func TestParseInterfaceInfo(t *testing.T) {
	config := []byte{
		0x09, 0x02, 0x24, 0x00, 0x01, 0x01, 0x00, 0xc0, 0x32,
		// interface 0, alt 0 and 1
		0x09, 0x04, 0x00, 0x00, 0x00, 0xfe, 0x01, 0x02, 0x04,
		0x09, 0x04, 0x00, 0x01, 0x00, 0xfe, 0x01, 0x02, 0x05,
		// DFU functional: wTransferSize 2048
		0x09, 0x21, 0x0b, 0xff, 0x00, 0x00, 0x08, 0x1a, 0x01,
	}

	tests := []struct {
		name         string
		raw          []byte
		number, alt  int
		wantFound    bool
		wantIndex    uint8
		wantTransfer int
	}{
		{"first setting", config, 0, 0, true, 4, 2048},
		{"second setting", config, 0, 1, true, 5, 2048},
		{"unknown setting", config, 0, 2, false, 0, 2048},
		{"no functional descriptor", config[:27], 0, 1, true, 5, 0},
		{"truncated descriptor", config[:20], 0, 1, false, 0, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			info, found := parseInterfaceInfo(tt.raw, tt.number, tt.alt)
			if found != tt.wantFound {
				t.Fatalf("found = %v, want %v", found, tt.wantFound)
			}
			if info.stringIndex != tt.wantIndex {
				t.Errorf("stringIndex = %d, want %d", info.stringIndex, tt.wantIndex)
			}
			if info.transferSize != tt.wantTransfer {
				t.Errorf("transferSize = %d, want %d", info.transferSize, tt.wantTransfer)
			}
		})
	}
}

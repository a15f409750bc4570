// Copyright © 2019 Marcus Mengs
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.


package cmd

import (
	"testing"

	"github.com/mame82/stdfu/dfu"
)

func TestDumpRange(t *testing.T) {
	f303, err := dfu.ParseFlashLayout("@Internal Flash  /0x08000000/128*0002Kg")
	if err != nil {
		t.Fatal(err)
	}
	top, err := dfu.ParseFlashLayout("@Internal Flash  /0xFFFF0000/32*0002Kg")
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name       string
		layout     *dfu.FlashLayout
		address    string
		length     int
		wantAddr   uint32
		wantLength int
		wantErr    bool
	}{
		{name: "whole flash", layout: f303, wantAddr: 0x08000000, wantLength: 0x40000},
		{name: "tail of flash", layout: f303, address: "0x0803f000", wantAddr: 0x0803f000, wantLength: 0x1000},
		{name: "explicit length", layout: f303, address: "0x08000100", length: 64, wantAddr: 0x08000100, wantLength: 64},
		{name: "length up to the end", layout: f303, address: "0x0803ff00", length: 0x100, wantAddr: 0x0803ff00, wantLength: 0x100},
		{name: "length past the end", layout: f303, address: "0x0803ff00", length: 0x101, wantErr: true},
		{name: "address outside flash", layout: f303, address: "0x20000000", wantErr: true},
		{name: "bad address", layout: f303, address: "flash", wantErr: true},
		{name: "flash ending at 4 GiB", layout: top, address: "0xffffff00", wantAddr: 0xffffff00, wantLength: 0x100},
		{name: "whole flash ending at 4 GiB", layout: top, wantAddr: 0xffff0000, wantLength: 0x10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			addr, length, err := dumpRange(tt.layout, tt.address, tt.length)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dumpRange() error = %v, wantErr %v", err, tt.wantErr)
			}
			if addr != tt.wantAddr || length != tt.wantLength {
				t.Errorf("dumpRange() = %#08x, %d, want %#08x, %d", addr, length, tt.wantAddr, tt.wantLength)
			}
		})
	}
}

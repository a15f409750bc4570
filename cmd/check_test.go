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
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/gousb"
	"github.com/mame82/stdfu/dfu"
	"github.com/pkg/errors"
)

const testHex = ":020000040800F2\n" +
	":02000000AABB99\n" +
	":0400000508000000EF\n" +
	":00000001FF\n"

func runRoot(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer func() {
		tmpCheckLayout = ""
		tmpChipErase = false
	}()
	err := rootCmd.Execute()
	return out.String(), err
}

func writeHex(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fw.hex")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckCommand(t *testing.T) {
	path := writeHex(t, testHex)

	out, err := runRoot(t, "check", path, "--layout", "@Internal Flash  /0x08000000/128*0002Kg")
	if err != nil {
		t.Fatalf("check error = %v\n%s", err, out)
	}
	for _, want := range []string{
		"2 bytes in 1 blocks",
		"Erase plan: 1 pages",
		"sector 0 page 0: 0x8000000",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("output misses %q:\n%s", want, out)
		}
	}
}

func TestCheckCommandErrors(t *testing.T) {
	t.Run("image too large", func(t *testing.T) {
		path := writeHex(t, testHex)
		_, err := runRoot(t, "check", path, "--layout", "@Internal Flash  /0x08000000/000*0002Kg")
		var tooLarge *dfu.ImageTooLargeError
		if !errors.As(err, &tooLarge) {
			t.Errorf("check error = %v, want *ImageTooLargeError", err)
		}
	})

	t.Run("broken hex file", func(t *testing.T) {
		path := writeHex(t, ":02000000AABB98\n:00000001FF\n")
		_, err := runRoot(t, "check", path)
		if !errors.Is(err, dfu.ErrChecksumMismatch) {
			t.Errorf("check error = %v, want ErrChecksumMismatch", err)
		}
	})

	t.Run("broken descriptor", func(t *testing.T) {
		path := writeHex(t, testHex)
		_, err := runRoot(t, "check", path, "--layout", "@Option Bytes  /0x1FFFF800/01*016 e")
		if !errors.Is(err, dfu.ErrNotInternalFlash) {
			t.Errorf("check error = %v, want ErrNotInternalFlash", err)
		}
	})
}

func TestParseID(t *testing.T) {
	tests := []struct {
		in      string
		want    gousb.ID
		wantErr bool
	}{
		{"0483", 0x0483, false},
		{"DF11", 0xdf11, false},
		{"10000", 0, true},
		{"xyz", 0, true},
	}
	for _, tt := range tests {
		got, err := parseID(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseID(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    uint32
		wantErr bool
	}{
		{"0x08000000", 0x08000000, false},
		{"134217728", 0x08000000, false},
		{"0x100000000", 0, true},
		{"", 0, true},
	}
	for _, tt := range tests {
		got, err := parseAddress(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseAddress(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseAddress(%q) = %#08x, want %#08x", tt.in, got, tt.want)
		}
	}
}

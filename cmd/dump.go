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
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/mame82/stdfu/dfu"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	tmpDumpPath    = ""
	tmpDumpAddress = ""
	tmpDumpLength  = 0
)

// DumpFlash reads flash back into an Intel HEX file. Without an explicit
// length everything from addr to the end of the flash is read.
func DumpFlash(ctx context.Context, cmd *cobra.Command, filename string) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	layout, err := readLayout(dev)
	if err != nil {
		return err
	}

	addr, length, err := dumpRange(layout, tmpDumpAddress, tmpDumpLength)
	if err != nil {
		return err
	}

	link := dfu.NewLink(dev, dfu.WithChunkSize(tmpChunkSize), dfu.WithLogger(log.StandardLogger()))
	bar := newProgressPrinter(cmd.ErrOrStderr())
	img, err := link.ReadMemory(ctx, addr, length, bar.Update)
	bar.finish()
	if err != nil {
		return err
	}

	f, err := os.Create(filename)
	if err != nil {
		return errors.Wrap(err, "creating dump file")
	}
	defer f.Close()
	if err := img.WriteHex(f); err != nil {
		return errors.Wrap(err, "writing dump file")
	}

	fmt.Fprintf(cmd.OutOrStdout(), "dumped %d bytes from %#08x to file '%s' (CRC %#04x)\n",
		img.TotalBytes, addr, filename, img.CRC16())
	return nil
}

// dumpRange resolves the --address and --length flags against the flash. An
// empty address is the start of flash, a length <= 0 reads up to its end.
func dumpRange(layout *dfu.FlashLayout, address string, length int) (uint32, int, error) {
	addr := layout.StartAddress
	if len(address) > 0 {
		var err error
		if addr, err = parseAddress(address); err != nil {
			return 0, 0, err
		}
	}
	if !layout.Contains(addr) {
		return 0, 0, errors.Errorf("address %#08x is outside the flash (%#08x, %d bytes)", addr, layout.StartAddress, layout.TotalSize)
	}

	end := uint64(layout.StartAddress) + uint64(layout.TotalSize)
	available := end - uint64(addr)
	if length <= 0 {
		return addr, int(available), nil
	}
	if uint64(length) > available {
		return 0, 0, errors.Errorf("%d bytes from %#08x run past the end of flash, %d bytes available", length, addr, available)
	}
	return addr, length, nil
}

var dumpCmd = &cobra.Command{
	Use:   "dump",
	Short: "Read flash memory into an Intel HEX file",
	Long:  "",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return DumpFlash(ctx, cmd, tmpDumpPath)
	},
}

func init() {
	rootCmd.AddCommand(dumpCmd)
	dumpCmd.Flags().StringVarP(&tmpDumpPath, "out", "o", "", "output file in Intel hex format")
	dumpCmd.Flags().StringVar(&tmpDumpAddress, "address", "", "first address to read (default start of flash)")
	dumpCmd.Flags().IntVar(&tmpDumpLength, "length", 0, "bytes to read (default up to the end of flash)")
	dumpCmd.Flags().IntVar(&tmpChunkSize, "chunk-size", tmpChunkSize, "bytes per UPLOAD transfer, must match the device (default the device's transfer size)")
	dumpCmd.MarkFlagRequired("out")
}

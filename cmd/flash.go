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
	"time"

	"github.com/mame82/stdfu/dfu"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	tmpFirmwarePathHex = ""
	tmpChipErase       = false
	tmpChunkSize       = 0
	tmpClearAttempts   = dfu.DefaultMaxClearAttempts
	tmpClearTimeout    = dfu.DefaultClearTimeout
	tmpNoProgress      = false
)

func FlashFirmwareFromHexFile(ctx context.Context, cmd *cobra.Command, fwHexFile string) error {
	img, err := dfu.ParseHexFile(fwHexFile)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Opened firmware '%s'\n", fwHexFile)
	fmt.Fprint(cmd.OutOrStdout(), img.String())

	dev, err := openDevice()
	if err != nil {
		return err
	}

	opts := []dfu.Option{
		dfu.WithChunkSize(tmpChunkSize),
		dfu.WithFullChipErase(tmpChipErase),
		dfu.WithMaxClearAttempts(tmpClearAttempts),
		dfu.WithClearTimeout(tmpClearTimeout),
		dfu.WithLogger(log.StandardLogger()),
	}
	var bar *progressPrinter
	if !tmpNoProgress {
		bar = newProgressPrinter(cmd.ErrOrStderr())
		opts = append(opts, dfu.WithProgress(bar.Update))
	}

	// the programmer owns dev from here on and closes it
	start := time.Now()
	if err := dfu.NewProgrammer(dev, opts...).Program(ctx, img); err != nil {
		bar.finish()
		fmt.Fprintln(cmd.OutOrStdout(), "Flashing failed")
		return describeFlashError(err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Programming successful (%d bytes in %v), application started\n",
		img.TotalBytes, time.Since(start).Round(time.Millisecond))
	return nil
}

// describeFlashError adds a hint for the failures a user can act on.
func describeFlashError(err error) error {
	var tooLarge *dfu.ImageTooLargeError
	var mismatch *dfu.VerifyMismatchError
	switch {
	case errors.As(err, &tooLarge):
		return errors.Wrap(err, "firmware does not fit, check the start address of the hex file")
	case errors.As(err, &mismatch):
		return errors.Wrap(err, "flash content differs from the firmware, retry with --chip-erase")
	case errors.Is(err, dfu.ErrTransferSize):
		return errors.Wrap(err, "retry without --chunk-size")
	case errors.Is(err, dfu.ErrDeviceUnresponsive):
		return errors.Wrap(err, "reset the device into the bootloader and retry")
	}
	return err
}

var flashCmd = &cobra.Command{
	Use:   "flash [hexfile]",
	Short: "Flash an Intel HEX firmware",
	Long: `Erase the flash pages touched by the firmware, write it, read it back
for verification and start the application.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := tmpFirmwarePathHex
		if len(args) > 0 {
			path = args[0]
		}
		if len(path) == 0 {
			return errors.New("no firmware file given, use -f or pass it as argument")
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return FlashFirmwareFromHexFile(ctx, cmd, path)
	},
}

func init() {
	rootCmd.AddCommand(flashCmd)
	flashCmd.Flags().StringVarP(&tmpFirmwarePathHex, "hexfile", "f", "", "path to firmware file in Intel hex format")
	flashCmd.Flags().BoolVar(&tmpChipErase, "chip-erase", tmpChipErase, "erase the whole chip instead of the touched pages")
	flashCmd.Flags().IntVar(&tmpChunkSize, "chunk-size", tmpChunkSize, "bytes per DNLOAD/UPLOAD transfer, must match the device (default the device's transfer size)")
	flashCmd.Flags().IntVar(&tmpClearAttempts, "clear-attempts", tmpClearAttempts, "maximum CLRSTATUS rounds to reach dfuIDLE")
	flashCmd.Flags().DurationVar(&tmpClearTimeout, "clear-timeout", tmpClearTimeout, "time limit to reach dfuIDLE")
	flashCmd.Flags().BoolVar(&tmpNoProgress, "no-progress", tmpNoProgress, "do not draw progress bars")
}

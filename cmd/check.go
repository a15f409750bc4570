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
	"fmt"

	"github.com/mame82/stdfu/dfu"
	"github.com/spf13/cobra"
)

var tmpCheckLayout = ""

// CheckFirmware parses a hex file without a device attached and, if a flash
// descriptor is given, shows whether the image fits and which pages a flash
// run would erase.
func CheckFirmware(cmd *cobra.Command, fwHexFile string, descriptor string) error {
	out := cmd.OutOrStdout()

	img, err := dfu.ParseHexFile(fwHexFile)
	if err != nil {
		return err
	}
	fmt.Fprint(out, img.String())
	if len(descriptor) == 0 {
		return nil
	}

	layout, err := dfu.ParseFlashLayout(descriptor)
	if err != nil {
		return err
	}
	fmt.Fprint(out, layout.String())
	if err := layout.CheckCapacity(img); err != nil {
		return err
	}

	plan := dfu.PlanErase(img, layout, tmpChipErase)
	fmt.Fprintf(out, "Erase plan: %s\n", plan.String())
	for _, pg := range plan.Pages {
		fmt.Fprintf(out, "\tsector %d page %d: %#08x (%d bytes)\n", pg.Sector, pg.Page, pg.Address, pg.Size)
	}
	return nil
}

var checkCmd = &cobra.Command{
	Use:   "check <hexfile>",
	Short: "Parse a firmware file and plan the erase without a device",
	Long: `Parse an Intel HEX file and print its blocks and CRC. With --layout the
image is checked against a DfuSe flash descriptor, e.g.

  stdfu check fw.hex --layout "@Internal Flash  /0x08000000/128*0002Kg"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return CheckFirmware(cmd, args[0], tmpCheckLayout)
	},
}

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().StringVar(&tmpCheckLayout, "layout", "", "flash descriptor string to plan against")
	checkCmd.Flags().BoolVar(&tmpChipErase, "chip-erase", tmpChipErase, "plan a whole chip erase")
}

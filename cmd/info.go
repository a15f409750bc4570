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

	"github.com/mame82/stdfu/dfu"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func PrintDeviceInfo(ctx context.Context, cmd *cobra.Command) error {
	dev, err := openDevice()
	if err != nil {
		return err
	}
	defer dev.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s on bus %d address %d, interface %s\n",
		dev.Dev.Desc.Product, dev.Dev.Desc.Bus, dev.Dev.Desc.Address, dev.Iface)

	desc, err := dev.FlashDescriptor()
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Descriptor: %s\n", desc)
	fmt.Fprintf(out, "Transfer size: %d bytes\n", dev.TransferSize())
	if layout, err := dfu.ParseFlashLayout(desc); err == nil {
		fmt.Fprint(out, layout.String())
	} else {
		fmt.Fprintf(out, "Flash layout not usable: %v\n", err)
	}

	link := dfu.NewLink(dev, dfu.WithLogger(log.StandardLogger()))
	st, err := link.GetStatus(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "DFU %s\n", st.String())
	return nil
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Print flash layout and DFU state of the first device found",
	Long:  "",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return PrintDeviceInfo(context.Background(), cmd)
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}

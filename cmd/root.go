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
	"os"
	"strconv"
	"time"

	"github.com/google/gousb"
	"github.com/mame82/stdfu/dfu"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	flagVID      = "0483"
	flagPID      = "df11"
	flagIface    = 0
	flagAlt      = 0
	flagLogLevel = "warning"
	flagLogJSON  = false
)

var rootCmd = &cobra.Command{
	Use:   "stdfu",
	Short: "Flash Intel HEX firmware to STM32 devices in USB DFU mode",
	Long: `stdfu talks to the STM32 system bootloader (DfuSe) over USB.

The flash layout is read from the interface string of the DFU alternate
setting, only the pages touched by the firmware are erased, every block is
read back for verification and the device is started at the first address
of the image afterwards.`,
	SilenceUsage:      true,
	PersistentPreRunE: setupLogging,
}

// Execute runs the root command; it is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagVID, "vid", flagVID, "USB vendor ID of the DFU device (hex)")
	pf.StringVar(&flagPID, "pid", flagPID, "USB product ID of the DFU device (hex)")
	pf.IntVar(&flagIface, "interface", flagIface, "DFU interface number")
	pf.IntVar(&flagAlt, "alt", flagAlt, "alternate setting of the internal flash")
	pf.StringVar(&flagLogLevel, "log-level", flagLogLevel, "log level (trace, debug, info, warning, error)")
	pf.BoolVar(&flagLogJSON, "log-json", flagLogJSON, "log as JSON instead of text")
}

func setupLogging(cmd *cobra.Command, args []string) error {
	lvl, err := log.ParseLevel(flagLogLevel)
	if err != nil {
		return errors.Wrap(err, "invalid --log-level")
	}
	log.SetLevel(lvl)
	log.SetOutput(os.Stderr)
	if flagLogJSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true, TimestampFormat: time.StampMilli})
	}
	return nil
}

func parseID(s string) (gousb.ID, error) {
	v, err := strconv.ParseUint(s, 16, 16)
	if err != nil {
		return 0, errors.Errorf("invalid USB id %q", s)
	}
	return gousb.ID(v), nil
}

// parseAddress accepts decimal, 0x hex and 0 octal notation.
func parseAddress(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	if err != nil {
		return 0, errors.Errorf("invalid address %q", s)
	}
	return uint32(v), nil
}

func openDevice() (*dfu.USBDevice, error) {
	vid, err := parseID(flagVID)
	if err != nil {
		return nil, err
	}
	pid, err := parseID(flagPID)
	if err != nil {
		return nil, err
	}
	dev, err := dfu.OpenUSB(vid, pid, flagIface, flagAlt)
	if err != nil {
		return nil, errors.Wrap(err, "can not open DFU device")
	}
	return dev, nil
}

// readLayout fetches and decodes the flash descriptor of an opened device.
func readLayout(dev dfu.Transport) (*dfu.FlashLayout, error) {
	desc, err := dev.FlashDescriptor()
	if err != nil {
		return nil, errors.Wrap(err, "reading flash descriptor")
	}
	log.WithField("descriptor", desc).Debug("flash descriptor")
	return dfu.ParseFlashLayout(desc)
}

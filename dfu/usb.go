package dfu

import (
	"encoding/binary"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/text/encoding/unicode"
)

var (
	ErrNoDevice     = errors.New("no DFU device found")
	ErrNotDFU       = errors.New("interface is not a DFU interface")
	ErrNoDescriptor = errors.New("DFU interface has no string descriptor")
)

const (
	VID_ST     gousb.ID = 0x0483
	PID_ST_DFU gousb.ID = 0xdf11 // STM32 system bootloader in DFU mode
)

const (
	dfuClass    = 0xfe // application specific
	dfuSubClass = 0x01

	descTypeConfig uint8 = 0x02
	descTypeString uint8 = 0x03
	descTypeIface  uint8 = 0x04

	descTypeDFUFunctional uint8 = 0x21

	requestGetDescriptor uint8 = 0x06

	// bmRequestType "standard" type bits (LIBUSB_REQUEST_TYPE_STANDARD);
	// gousb omits this constant.
	controlStandard uint8 = 0x00
)

// USBDevice is a Transport backed by libusb. The DFU interface stays claimed
// until Close, which keeps other programs from talking to the bootloader
// while a session is running.
type USBDevice struct {
	UsbCtx *gousb.Context
	Dev    *gousb.Device
	Config *gousb.Config
	Iface  *gousb.Interface

	info interfaceInfo
}

// OpenUSB opens the first device matching vid/pid and claims the DFU
// interface iface with alternate setting alt.
func OpenUSB(vid, pid gousb.ID, iface, alt int) (res *USBDevice, err error) {
	res = &USBDevice{}
	res.UsbCtx = gousb.NewContext()

	res.Dev, err = res.UsbCtx.OpenDeviceWithVIDPID(vid, pid)
	if err != nil {
		res.Close()
		return nil, errors.Wrapf(err, "opening %s:%s", vid, pid)
	}
	if res.Dev == nil {
		res.Close()
		return nil, errors.Wrapf(ErrNoDevice, "%s:%s", vid, pid)
	}
	log.WithFields(log.Fields{
		"vid":  vid.String(),
		"pid":  pid.String(),
		"bus":  res.Dev.Desc.Bus,
		"addr": res.Dev.Desc.Address,
	}).Info("found DFU device")

	// detach a kernel driver, if any, before claiming
	res.Dev.SetAutoDetach(true)

	cfgNum, err := res.Dev.ActiveConfigNum()
	if err != nil {
		res.Close()
		return nil, errors.Wrap(err, "reading active configuration")
	}
	res.Config, err = res.Dev.Config(cfgNum)
	if err != nil {
		res.Close()
		return nil, errors.Wrapf(err, "using configuration %d", cfgNum)
	}
	res.Iface, err = res.Config.Interface(iface, alt)
	if err != nil {
		res.Close()
		return nil, errors.Wrapf(err, "claiming interface %d alt %d", iface, alt)
	}
	if res.Iface.Setting.Class != dfuClass || res.Iface.Setting.SubClass != dfuSubClass {
		res.Close()
		return nil, errors.Wrapf(ErrNotDFU, "interface %d alt %d has class %s", iface, alt, res.Iface.Setting.Class)
	}
	if res.info, err = res.readInterfaceInfo(); err != nil {
		res.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"interface":     res.Iface.String(),
		"transfer_size": res.info.transferSize,
	}).Debug("DFU interface claimed")

	return res, nil
}

func (u *USBDevice) Control(requestType, request uint8, value, index uint16, data []byte) (int, error) {
	return u.Dev.Control(requestType, request, value, index, data)
}

func (u *USBDevice) InterfaceNumber() uint16 {
	return uint16(u.Iface.Setting.Number)
}

// TransferSize is the wTransferSize of the DFU functional descriptor, or 0
// if the device does not provide one.
func (u *USBDevice) TransferSize() int {
	return u.info.transferSize
}

// FlashDescriptor returns the string descriptor of the claimed alternate
// setting, which DfuSe bootloaders use to describe their memory layout.
func (u *USBDevice) FlashDescriptor() (string, error) {
	if u.info.stringIndex == 0 {
		return "", ErrNoDescriptor
	}
	return u.stringDescriptor(u.info.stringIndex)
}

func (u *USBDevice) getDescriptor(typ uint8, index uint8, lang uint16, buf []byte) (int, error) {
	return u.Dev.Control(
		gousb.ControlIn|controlStandard|gousb.ControlDevice,
		requestGetDescriptor,
		uint16(typ)<<8|uint16(index),
		lang,
		buf,
	)
}

// readInterfaceInfo reads the raw configuration descriptor of the active
// configuration and extracts what gousb does not expose for the claimed
// setting.
func (u *USBDevice) readInterfaceInfo() (interfaceInfo, error) {
	for cfgIdx := 0; cfgIdx < len(u.Dev.Desc.Configs); cfgIdx++ {
		hdr := make([]byte, 9)
		if _, err := u.getDescriptor(descTypeConfig, uint8(cfgIdx), 0, hdr); err != nil {
			return interfaceInfo{}, errors.Wrap(err, "reading configuration descriptor")
		}
		if int(hdr[5]) != u.Config.Desc.Number {
			continue
		}

		raw := make([]byte, binary.LittleEndian.Uint16(hdr[2:4]))
		n, err := u.getDescriptor(descTypeConfig, uint8(cfgIdx), 0, raw)
		if err != nil {
			return interfaceInfo{}, errors.Wrap(err, "reading configuration descriptor")
		}
		if info, ok := parseInterfaceInfo(raw[:n], u.Iface.Setting.Number, u.Iface.Setting.Alternate); ok {
			return info, nil
		}
	}
	return interfaceInfo{}, errors.Wrapf(ErrNotDFU, "no descriptor for interface %d alt %d", u.Iface.Setting.Number, u.Iface.Setting.Alternate)
}

// stringDescriptor fetches string index in the device's first language and
// decodes it from UTF-16LE.
func (u *USBDevice) stringDescriptor(index uint8) (string, error) {
	buf := make([]byte, 255)
	n, err := u.getDescriptor(descTypeString, 0, 0, buf)
	if err != nil {
		return "", errors.Wrap(err, "reading language ids")
	}
	if n < 4 {
		return "", errors.New("device reports no string languages")
	}
	lang := binary.LittleEndian.Uint16(buf[2:4])

	n, err = u.getDescriptor(descTypeString, index, lang, buf)
	if err != nil {
		return "", errors.Wrapf(err, "reading string descriptor %d", index)
	}
	if n < 2 || buf[1] != descTypeString {
		return "", errors.Errorf("string descriptor %d is malformed", index)
	}
	length := int(buf[0])
	if length > n {
		length = n
	}
	if length < 2 {
		return "", errors.Errorf("string descriptor %d is malformed", index)
	}

	text, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(buf[2:length])
	if err != nil {
		return "", errors.Wrapf(err, "decoding string descriptor %d", index)
	}
	return string(text), nil
}

func (u *USBDevice) Close() (err error) {
	log.Debug("releasing DFU device")
	if u.Iface != nil {
		u.Iface.Close()
	}

	if u.Config != nil {
		err = u.Config.Close()
	}

	if u.Dev != nil {
		u.Dev.SetAutoDetach(false)
		if cerr := u.Dev.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	if u.UsbCtx != nil {
		if cerr := u.UsbCtx.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * USB transport adapter
 */

package dfu

import (
	"encoding/binary"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
)

// Standard and DFU-class control transfer constants. Recipient is
// always "interface" for DFU class requests; direction and type are
// folded into the two bmRequestType values below.
const (
	bmRequestHostToDevice = 0x21 // class, interface, host->device
	bmRequestDeviceToHost = 0xA1 // class, interface, device->host

	bmRequestStdIn = 0x80 // standard, device, device->host (GET_DESCRIPTOR)

	reqGetDescriptor = 0x06

	descTypeString = 0x03
	descTypeDFU    = 0x21

	ctrlTimeout = 5 * time.Second
)

// usbDevice is the full set of operations the protocol engine, the
// descriptor walker and the DfuSe engine need from a USB device. The
// rest of this package never touches *gousb.Device directly, so tests
// can substitute a fake implementation.
type usbDevice interface {
	// Control issues a control transfer. reqType is the full
	// bmRequestType byte (direction|type|recipient already combined).
	Control(reqType, request uint8, value, index uint16, data []byte) (int, error)

	// RawConfigDescriptor fetches the raw bytes of the configuration
	// descriptor at cfgIndex, exactly as it appears on the wire,
	// including any class-specific descriptors appended after the
	// standard interface/endpoint descriptors.
	RawConfigDescriptor(cfgIndex int) ([]byte, error)

	// RawDeviceDescriptor fetches the raw 18-byte standard device
	// descriptor, used to recover iSerialNumber.
	RawDeviceDescriptor() ([]byte, error)

	// RawStringDescriptor fetches a string descriptor's raw bytes
	// (bLength, bDescriptorType, then UTF-16LE payload), undecoded --
	// decoding happens in walker.go so the utf8Serial quirk can
	// override it.
	RawStringDescriptor(index int) ([]byte, error)

	SetConfig(cfg int) error
	ClaimInterface(num int) error
	SetInterfaceAlt(num, alt int) error
	ReleaseInterface(num int)

	Reset() error
	Close() error
}

// usbContext discovers candidate devices before anything is opened.
// Implementations return lightweight descriptor snapshots; opening a
// device is a separate, explicit step so a rejected candidate never
// pays for a handle it doesn't need.
type usbContext interface {
	// Scan returns a descriptor snapshot for every currently attached
	// USB device, without opening any of them.
	Scan() ([]rawDeviceDesc, error)

	// Open opens the device described by addr for control transfers.
	Open(addr UsbAddr) (usbDevice, error)

	Close() error
}

// rawDeviceDesc is a read-only snapshot of what the walker needs to
// decide whether a device is worth opening: addressing, identity, and
// the interface/alt-setting table down to class/subclass/protocol and
// the alt-setting name string index.
type rawDeviceDesc struct {
	Addr    UsbAddr
	Path    UsbPath
	Vendor  uint16
	Product uint16
	BcdDev  uint16
	MaxPkt0 uint8
	Configs []rawConfigDesc
}

type rawConfigDesc struct {
	Value      int
	Interfaces []rawInterfaceDesc
}

type rawInterfaceDesc struct {
	Number   int
	Alt      int
	Class    uint8
	SubClass uint8
	Protocol uint8
}

// gousbContext implements usbContext on top of github.com/google/gousb,
// the same library ipp-usb's usbaddr.go and guiperry-HASHER's
// usb_device.go use for device enumeration and control transfers.
type gousbContext struct {
	ctx *gousb.Context
}

// openContext starts a new USB context. Callers must Close it once
// done; typically there is exactly one per process invocation.
func openContext() usbContext {
	return &gousbContext{ctx: gousb.NewContext()}
}

func (c *gousbContext) Close() error {
	return c.ctx.Close()
}

func (c *gousbContext) Scan() ([]rawDeviceDesc, error) {
	var out []rawDeviceDesc

	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		out = append(out, descFromGousb(desc))
		return false // never actually open here, just inspect
	})
	for _, d := range devs {
		d.Close()
	}
	if err != nil {
		return nil, errors.Wrap(err, "enumerating USB devices")
	}

	return out, nil
}

// bcdVersion packs a gousb.Version (major.minor.sub) back into the
// 16-bit binary-coded-decimal form the DFU wire protocol uses for
// bcdDevice and bcdDFUVersion comparisons.
func bcdVersion(v gousb.Version) uint16 {
	major, minor, sub := v.Major(), v.Minor(), v.Sub()
	return uint16(major)<<8 | uint16(minor)<<4 | uint16(sub)
}

func descFromGousb(desc *gousb.DeviceDesc) rawDeviceDesc {
	rd := rawDeviceDesc{
		Addr:    UsbAddr{Bus: desc.Bus, Address: desc.Address},
		Path:    UsbPath{Bus: desc.Bus, Ports: []int{desc.Port}},
		Vendor:  uint16(desc.Vendor),
		Product: uint16(desc.Product),
		BcdDev:  bcdVersion(desc.Device),
		MaxPkt0: uint8(desc.MaxControlPacketSize),
	}

	for cfgNum, cfg := range desc.Configs {
		rc := rawConfigDesc{Value: cfgNum}
		for _, intf := range cfg.Interfaces {
			for _, alt := range intf.AltSettings {
				rc.Interfaces = append(rc.Interfaces, rawInterfaceDesc{
					Number:   alt.Number,
					Alt:      alt.Alternate,
					Class:    uint8(alt.Class),
					SubClass: uint8(alt.SubClass),
					Protocol: uint8(alt.Protocol),
				})
			}
		}
		rd.Configs = append(rd.Configs, rc)
	}

	return rd
}

func (c *gousbContext) Open(addr UsbAddr) (usbDevice, error) {
	found := false
	devs, err := c.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		if found || desc.Bus != addr.Bus || desc.Address != addr.Address {
			return false
		}
		found = true
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", addr)
	}
	if len(devs) == 0 {
		return nil, &NotFoundError{Msg: addr.String() + ": device not found"}
	}

	dev := devs[0]
	dev.ControlTimeout = ctrlTimeout
	return &gousbDevice{dev: dev}, nil
}

// gousbDevice adapts *gousb.Device (plus lazily claimed config/interface)
// to the usbDevice interface.
type gousbDevice struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (d *gousbDevice) Control(reqType, request uint8, value, index uint16, data []byte) (int, error) {
	n, err := d.dev.Control(reqType, request, value, index, data)
	if err != nil {
		return n, errors.Wrap(err, "control transfer")
	}
	return n, nil
}

func (d *gousbDevice) RawConfigDescriptor(cfgIndex int) ([]byte, error) {
	// Fetch the raw configuration descriptor ourselves, rather than
	// through gousb's parsed DeviceDesc: the class-specific DFU
	// functional descriptor rides along as "extra" bytes appended
	// after the standard interface descriptor, which gousb's typed
	// API does not surface. Two passes: a short one for wTotalLength,
	// then the full descriptor.
	var head [4]byte
	_, err := d.dev.Control(bmRequestStdIn, reqGetDescriptor,
		uint16(0x02<<8)|uint16(cfgIndex), 0, head[:])
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration descriptor header")
	}

	total := int(binary.LittleEndian.Uint16(head[2:4]))
	if total < 4 {
		total = 4
	}

	buf := make([]byte, total)
	n, err := d.dev.Control(bmRequestStdIn, reqGetDescriptor,
		uint16(0x02<<8)|uint16(cfgIndex), 0, buf)
	if err != nil {
		return nil, errors.Wrap(err, "reading configuration descriptor")
	}

	return buf[:n], nil
}

func (d *gousbDevice) RawDeviceDescriptor() ([]byte, error) {
	buf := make([]byte, 18)
	n, err := d.dev.Control(bmRequestStdIn, reqGetDescriptor, uint16(0x01<<8), 0, buf)
	if err != nil {
		return nil, errors.Wrap(err, "reading device descriptor")
	}
	return buf[:n], nil
}

func (d *gousbDevice) RawStringDescriptor(index int) ([]byte, error) {
	// A generous fixed buffer: string descriptors are capped at 255
	// bytes (bLength is a single byte) by the USB spec.
	buf := make([]byte, 255)
	const langIDEnglishUS = 0x0409
	n, err := d.dev.Control(bmRequestStdIn, reqGetDescriptor,
		uint16(descTypeString)<<8|uint16(index), langIDEnglishUS, buf)
	if err != nil {
		return nil, errors.Wrapf(err, "reading string descriptor %d", index)
	}

	// spec.md 4.1: some bootloaders misreport bLength; accept a short
	// read by patching bLength down to what was actually returned.
	if n > 0 && int(buf[0]) > n {
		buf[0] = byte(n)
	}

	return buf[:n], nil
}

func (d *gousbDevice) SetConfig(cfg int) error {
	c, err := d.dev.Config(cfg)
	if err != nil {
		return errors.Wrapf(err, "setting configuration %d", cfg)
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	d.cfg = c
	return nil
}

func (d *gousbDevice) ClaimInterface(num int) error {
	return d.SetInterfaceAlt(num, 0)
}

func (d *gousbDevice) SetInterfaceAlt(num, alt int) error {
	if d.cfg == nil {
		if err := d.SetConfig(1); err != nil {
			return err
		}
	}

	intf, err := d.cfg.Interface(num, alt)
	if err != nil {
		return errors.Wrapf(err, "claiming interface %d alt %d", num, alt)
	}
	if d.intf != nil {
		d.intf.Close()
	}
	d.intf = intf
	return nil
}

func (d *gousbDevice) ReleaseInterface(num int) {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
}

func (d *gousbDevice) Reset() error {
	err := d.dev.Reset()
	if err != nil {
		return errors.Wrap(err, "resetting device")
	}
	return nil
}

func (d *gousbDevice) Close() error {
	if d.intf != nil {
		d.intf.Close()
	}
	if d.cfg != nil {
		d.cfg.Close()
	}
	return d.dev.Close()
}

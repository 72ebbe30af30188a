/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Shared fake usbContext/usbDevice harness for engine/walker/driver
 * tests: a simulated device the walker can enumerate and the DFU/DfuSe
 * engines can drive, without touching real hardware.
 */

package dfu

import (
	"encoding/binary"
	"fmt"
)

// call records one Control invocation for request-ordering assertions
// (spec.md 8 invariant 3: DNLOAD is always followed by GETSTATUS
// before any further class request).
type call struct {
	reqType, request uint8
	value, index     uint16
	data             []byte
}

// fakeDevice is a minimal, scriptable usbDevice. controlFunc, when
// set, decides the response to every Control call; otherwise Control
// returns a harmless zero-length success, which happens to decode as
// DfuStatus{State: StateAppIdle} when used to satisfy a GETSTATUS.
type fakeDevice struct {
	rawConfig   []byte
	rawDevDesc  []byte
	strings     map[int][]byte
	controlFunc func(reqType, request uint8, value, index uint16, data []byte) (int, error)

	calls      []call
	resetErr   error
	resetCalls int
	closeCalls int
}

func (d *fakeDevice) Control(reqType, request uint8, value, index uint16, data []byte) (int, error) {
	d.calls = append(d.calls, call{reqType, request, value, index, append([]byte(nil), data...)})
	if d.controlFunc != nil {
		return d.controlFunc(reqType, request, value, index, data)
	}
	return 0, nil
}

func (d *fakeDevice) RawConfigDescriptor(cfgIndex int) ([]byte, error) { return d.rawConfig, nil }
func (d *fakeDevice) RawDeviceDescriptor() ([]byte, error)             { return d.rawDevDesc, nil }

func (d *fakeDevice) RawStringDescriptor(index int) ([]byte, error) {
	if raw, ok := d.strings[index]; ok {
		return raw, nil
	}
	return nil, fmt.Errorf("fakeDevice: no string descriptor %d", index)
}

func (d *fakeDevice) SetConfig(cfg int) error           { return nil }
func (d *fakeDevice) ClaimInterface(num int) error      { return nil }
func (d *fakeDevice) SetInterfaceAlt(num, alt int) error { return nil }
func (d *fakeDevice) ReleaseInterface(num int)          {}

func (d *fakeDevice) Reset() error {
	d.resetCalls++
	return d.resetErr
}

func (d *fakeDevice) Close() error {
	d.closeCalls++
	return nil
}

// callsFor returns the subset of calls matching a given request code,
// in call order.
func (d *fakeDevice) callsFor(request uint8) []call {
	var out []call
	for _, c := range d.calls {
		if c.request == request {
			out = append(out, c)
		}
	}
	return out
}

// fakeContext is a usbContext backed by a fixed device table, keyed by
// address, and a fixed Scan() result.
type fakeContext struct {
	descs   []rawDeviceDesc
	devices map[UsbAddr]usbDevice
}

func (c *fakeContext) Scan() ([]rawDeviceDesc, error) { return c.descs, nil }

func (c *fakeContext) Open(addr UsbAddr) (usbDevice, error) {
	dev, ok := c.devices[addr]
	if !ok {
		return nil, &NotFoundError{Msg: fmt.Sprintf("%s: device not found", addr)}
	}
	return dev, nil
}

func (c *fakeContext) Close() error { return nil }

// encodeStatus packs a DfuStatus back into the 6-byte wire form
// ParseDfuStatus expects, for use as a fake GETSTATUS response.
func encodeStatus(st DfuStatus) []byte {
	ms := uint32(st.PollTimeout.Milliseconds())
	return []byte{byte(st.Status), byte(ms), byte(ms >> 8), byte(ms >> 16), byte(st.State), st.IString}
}

// buildFuncDfuDescriptor assembles a raw DFU functional descriptor of
// the given bLength, truncating trailing fields exactly like a real
// short descriptor would.
func buildFuncDfuDescriptor(length byte, attrs byte, detachMs, xferSize, bcdVer uint16) []byte {
	raw := make([]byte, length)
	raw[0] = length
	raw[1] = descTypeDFU
	if length >= 3 {
		raw[2] = attrs
	}
	if length >= 5 {
		binary.LittleEndian.PutUint16(raw[3:5], detachMs)
	}
	if length >= 7 {
		binary.LittleEndian.PutUint16(raw[5:7], xferSize)
	}
	if length >= 9 {
		binary.LittleEndian.PutUint16(raw[7:9], bcdVer)
	}
	return raw
}

// buildRawConfig assembles a minimal raw configuration descriptor
// containing one standard interface descriptor, optionally followed
// by a DFU functional descriptor, in the TLV stream shape walker.go's
// scanners expect.
func buildRawConfig(intfNumber, intfAlt int, class, subclass, protocol, iInterface byte, funcDfu []byte) []byte {
	cfgHdr := make([]byte, 9)
	cfgHdr[0] = 9
	cfgHdr[1] = 2

	intfHdr := make([]byte, 9)
	intfHdr[0] = 9
	intfHdr[1] = descTypeInterface
	intfHdr[2] = byte(intfNumber)
	intfHdr[3] = byte(intfAlt)
	intfHdr[5] = class
	intfHdr[6] = subclass
	intfHdr[7] = protocol
	intfHdr[8] = iInterface

	buf := append(append([]byte{}, cfgHdr...), intfHdr...)
	if funcDfu != nil {
		buf = append(buf, funcDfu...)
	}
	return buf
}

// buildStringDescriptor encodes an ASCII string as a USB string
// descriptor (bLength, bDescriptorType=3, UTF-16LE payload).
func buildStringDescriptor(s string) []byte {
	payload := make([]byte, 0, len(s)*2)
	for _, r := range s {
		payload = append(payload, byte(r), 0)
	}
	out := make([]byte, 2+len(payload))
	out[0] = byte(len(out))
	out[1] = descTypeString
	copy(out[2:], payload)
	return out
}

// buildDeviceDescriptor18 builds an 18-byte standard device descriptor
// carrying only the iSerialNumber index the walker actually reads.
func buildDeviceDescriptor18(serialIndex byte) []byte {
	raw := make([]byte, 18)
	raw[0] = 18
	raw[1] = 0x01
	raw[16] = serialIndex
	return raw
}

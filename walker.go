/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Descriptor walker: enumerates USB devices, locates DFU interfaces
 * and their functional descriptors, and builds DfuInterface records.
 */

package dfu

import (
	"encoding/binary"
)

const (
	dfuClass    = 0xFE
	dfuSubClass = 0x01

	descTypeInterface = 0x04
)

// FuncDfu is the DFU class functional descriptor.
type FuncDfu struct {
	Length         uint8
	Attributes     uint8
	DetachTimeOut  uint16 // ms
	TransferSize   uint16 // bytes
	BcdDFUVersion  uint16
}

// DFU functional descriptor attribute bits (bmAttributes).
const (
	AttrWillDetach       uint8 = 1 << 3
	AttrManifestTolerant uint8 = 1 << 2
	AttrCanUpload        uint8 = 1 << 1
	AttrCanDnload        uint8 = 1 << 0
)

// InterfaceFlags is a bitset of per-interface facts the walker
// records alongside the identity fields.
type InterfaceFlags int

const (
	FlagIsDfuMode InterfaceFlags = 1 << iota
	FlagHasMultipleAlts
)

// DfuInterface is one matched alt-setting: everything the engine and
// driver need to open, claim, and drive it.
type DfuInterface struct {
	addr usbAddrRef // device address + owning context, for (re)opening

	VendorID, ProductID, BcdDevice uint16
	ConfigValue                    int
	InterfaceNumber, AltSetting    int
	DeviceAddress, BusNumber       int
	MaxPacketSize0                 uint8
	Path                           UsbPath

	AltName    string
	SerialName string

	Flags InterfaceFlags

	FuncDfu FuncDfu
	Quirks  Quirks

	Layout MemoryLayout
}

// usbAddrRef threads the context+address a DfuInterface was
// discovered through, so it can be (re)opened later without the
// walker needing to keep every handle alive simultaneously.
type usbAddrRef struct {
	ctx  usbContext
	addr UsbAddr
}

// IsDfuMode reports whether this interface's device is already
// running the DFU bootloader, as opposed to run-time application code.
func (d *DfuInterface) IsDfuMode() bool {
	return d.Flags&FlagIsDfuMode != 0
}

// Open claims this interface for control transfers. Callers must
// Close the returned device when done.
func (d *DfuInterface) Open() (usbDevice, error) {
	dev, err := d.addr.ctx.Open(d.addr.addr)
	if err != nil {
		return nil, err
	}
	if err := dev.SetConfig(d.ConfigValue); err != nil {
		dev.Close()
		return nil, err
	}
	if err := dev.ClaimInterface(d.InterfaceNumber); err != nil {
		dev.Close()
		return nil, err
	}
	return dev, nil
}

// walk enumerates every attached USB device and returns a DfuInterface
// for each alt-setting that belongs to the DFU class/subclass,
// regardless of match criteria -- filtering is match.go's job.
func walk(ctx usbContext, log *Logger) ([]*DfuInterface, error) {
	descs, err := ctx.Scan()
	if err != nil {
		return nil, err
	}

	var out []*DfuInterface
	for _, desc := range descs {
		ifaces, err := walkDevice(ctx, desc, log)
		if err != nil {
			log.Debug('!', "%s: %s", desc.Addr, err)
			continue
		}
		out = append(out, ifaces...)
	}

	return out, nil
}

func walkDevice(ctx usbContext, desc rawDeviceDesc, log *Logger) ([]*DfuInterface, error) {
	var out []*DfuInterface

	for _, cfg := range desc.Configs {
		// Count alt settings per interface number, to know whether
		// SET_INTERFACE(alt=0) is required during the entry
		// procedure (spec.md 4.3 step 1).
		altCount := map[int]int{}
		for _, intf := range cfg.Interfaces {
			altCount[intf.Number]++
		}

		raw, _ := fetchRawConfig(ctx, desc, cfg)
		nameIndices := scanInterfaceNameIndices(raw)

		for _, intf := range cfg.Interfaces {
			if intf.Class != dfuClass || intf.SubClass != dfuSubClass {
				continue
			}

			di := &DfuInterface{
				addr:            usbAddrRef{ctx: ctx, addr: desc.Addr},
				VendorID:        desc.Vendor,
				ProductID:       desc.Product,
				BcdDevice:       desc.BcdDev,
				ConfigValue:     cfg.Value,
				InterfaceNumber: intf.Number,
				AltSetting:      intf.Alt,
				DeviceAddress:   desc.Addr.Address,
				BusNumber:       desc.Addr.Bus,
				MaxPacketSize0:  desc.MaxPkt0,
				Path:            desc.Path,
			}

			if altCount[intf.Number] > 1 {
				di.Flags |= FlagHasMultipleAlts
			}

			di.Quirks = lookupQuirks(di.VendorID, di.ProductID, di.BcdDevice)

			di.FuncDfu = resolveFuncDfu(ctx, desc, raw, di)

			resolveMode(di, intf)

			nameIndex := nameIndices[[2]int{intf.Number, intf.Alt}]
			if err := resolveStrings(ctx, desc, nameIndex, di); err != nil {
				log.Debug('!', "%s: string descriptors: %s", desc.Addr, err)
			}

			if layout, ok, err := ParseMemoryLayout(di.AltName); err == nil && ok {
				di.Layout = layout
				if di.Quirks&QuirkDfuseLayout != 0 {
					applyDfuseLayoutFixup(&di.Layout, di.VendorID, di.ProductID)
				}
			}

			out = append(out, di)
		}
	}

	return out, nil
}

// resolveFuncDfu implements the three-step functional-descriptor
// search order from spec.md 4.1, given the raw configuration
// descriptor bytes already fetched for this config (nil if that
// fetch failed).
func resolveFuncDfu(ctx usbContext, desc rawDeviceDesc, raw []byte, di *DfuInterface) FuncDfu {
	// Step 1 & 2: scan the whole raw configuration descriptor for a
	// DFU functional descriptor (type 0x21). The wire layout makes no
	// distinction between "right after the config descriptor" and
	// "right after an interface descriptor" once we're just scanning
	// a flat byte stream in order, so one pass covers both.
	if raw != nil {
		if fd, ok := scanForFuncDfu(raw); ok {
			return normalizeFuncDfu(fd, di)
		}
	}

	// Step 3: explicit GET_DESCRIPTOR(type=DFU, index=0) on the open
	// device.
	dev, err := ctx.Open(desc.Addr)
	if err == nil {
		defer dev.Close()
		buf := make([]byte, 9)
		n, err := dev.Control(bmRequestStdIn, reqGetDescriptor, uint16(descTypeDFU)<<8, 0, buf)
		if err == nil && n >= 7 {
			return normalizeFuncDfu(decodeFuncDfu(buf[:n]), di)
		}
	}

	// No functional descriptor found anywhere: synthesize a minimal
	// one per spec.md 4.1.
	return normalizeFuncDfu(FuncDfu{Length: 7, BcdDFUVersion: 0x0100}, di)
}

func fetchRawConfig(ctx usbContext, desc rawDeviceDesc, cfg rawConfigDesc) ([]byte, error) {
	dev, err := ctx.Open(desc.Addr)
	if err != nil {
		return nil, err
	}
	defer dev.Close()
	return dev.RawConfigDescriptor(cfg.Value)
}

// scanInterfaceNameIndices walks a raw configuration descriptor and
// records the iInterface string-descriptor index of every standard
// interface descriptor it finds, keyed by (interface number, alt
// setting).
func scanInterfaceNameIndices(raw []byte) map[[2]int]byte {
	indices := map[[2]int]byte{}
	for i := 0; i+2 <= len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			break
		}
		if raw[i+1] == descTypeInterface && length >= 9 {
			number := int(raw[i+2])
			alt := int(raw[i+3])
			indices[[2]int{number, alt}] = raw[i+8]
		}
		i += length
	}
	return indices
}

// scanForFuncDfu walks a raw configuration descriptor's TLV stream
// (bLength, bDescriptorType, ...) looking for a class-specific DFU
// functional descriptor (type 0x21).
func scanForFuncDfu(raw []byte) (FuncDfu, bool) {
	for i := 0; i+2 <= len(raw); {
		length := int(raw[i])
		if length < 2 || i+length > len(raw) {
			break
		}
		descType := raw[i+1]
		if descType == descTypeDFU {
			return decodeFuncDfu(raw[i : i+length]), true
		}
		i += length
	}
	return FuncDfu{}, false
}

func decodeFuncDfu(raw []byte) FuncDfu {
	fd := FuncDfu{Length: raw[0]}
	if len(raw) >= 3 {
		fd.Attributes = raw[2]
	}
	if len(raw) >= 5 {
		fd.DetachTimeOut = binary.LittleEndian.Uint16(raw[3:5])
	}
	if len(raw) >= 7 {
		fd.TransferSize = binary.LittleEndian.Uint16(raw[5:7])
	}
	if len(raw) >= 9 {
		fd.BcdDFUVersion = binary.LittleEndian.Uint16(raw[7:9])
	}
	return fd
}

// normalizeFuncDfu applies spec.md 4.1's bLength-driven fixups.
func normalizeFuncDfu(fd FuncDfu, di *DfuInterface) FuncDfu {
	switch {
	case fd.Length == 7:
		fd.BcdDFUVersion = 0x0100
	case fd.Length < 9:
		fd.BcdDFUVersion = 0x0100
		fd.TransferSize = 0
	}

	if di.Quirks&QuirkForceDFU11 != 0 {
		fd.BcdDFUVersion = 0x0110
	}

	return fd
}

// resolveMode implements the mode-detection rule and its three
// compatibility overrides from spec.md 4.1. The old-Jabra override
// checks only that this interface has a single alt setting; the
// number of interfaces in the configuration is not examined.
func resolveMode(di *DfuInterface, intf rawInterfaceDesc) {
	isDfu := intf.Protocol == 2

	switch {
	case di.FuncDfu.BcdDFUVersion == 0x011a && intf.Protocol == 0:
		isDfu = true
	case di.VendorID == 0x1FC9 && di.ProductID == 0x000C && intf.Protocol == 1:
		isDfu = true
	case di.VendorID == 0x0B0E && intf.Protocol == 0 && di.Flags&FlagHasMultipleAlts == 0:
		isDfu = true
	}

	if isDfu {
		di.Flags |= FlagIsDfuMode
	}
}

// resolveStrings fetches the alt-setting name and serial-number
// string descriptors.
func resolveStrings(ctx usbContext, desc rawDeviceDesc, nameIndex byte, di *DfuInterface) error {
	dev, err := ctx.Open(desc.Addr)
	if err != nil {
		return err
	}
	defer dev.Close()

	if nameIndex != 0 {
		if raw, err := dev.RawStringDescriptor(int(nameIndex)); err == nil {
			di.AltName = decodeStringDescriptor(raw, false)
		}
	}
	if di.AltName == "" {
		di.AltName = "UNKNOWN"
	}

	di.SerialName = "UNKNOWN"
	if devDesc, err := dev.RawDeviceDescriptor(); err == nil && len(devDesc) >= 17 {
		if serialIndex := devDesc[16]; serialIndex != 0 {
			if raw, err := dev.RawStringDescriptor(int(serialIndex)); err == nil {
				utf8 := di.Quirks&QuirkUTF8Serial != 0
				di.SerialName = decodeStringDescriptor(raw, utf8)
			}
		}
	}

	return nil
}

// decodeStringDescriptor decodes a raw USB string descriptor
// (bLength, bDescriptorType, payload). Payload is UTF-16LE per the
// USB spec, mapped to ASCII with non-ASCII bytes replaced by '?',
// unless rawUTF8 is set (quirks.utf8Serial), in which case the
// payload is taken as raw UTF-8 text as-is.
func decodeStringDescriptor(raw []byte, rawUTF8 bool) string {
	if len(raw) < 2 {
		return ""
	}

	length := int(raw[0])
	if length > len(raw) {
		length = len(raw)
	}
	payload := raw[2:length]

	if rawUTF8 {
		return string(payload)
	}

	out := make([]byte, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		c := uint16(payload[i]) | uint16(payload[i+1])<<8
		if c < 0x80 {
			out = append(out, byte(c))
		} else {
			out = append(out, '?')
		}
	}
	return string(out)
}

// applyDfuseLayoutFixup is the vendor-specific post-hoc layout rewrite
// hook referenced by the QuirkDfuseLayout bit. No known device in this
// table currently needs an actual rewrite; it's a no-op placeholder
// kept distinct from lookupQuirks so a future entry has somewhere to
// live without touching the walker's control flow.
func applyDfuseLayoutFixup(layout *MemoryLayout, vendor, product uint16) {
}

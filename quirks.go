/* dfu-util - USB Device Firmware Upgrade host utility
 *
 * Copyright (C) 2024 and up by Tarang74 <tarang74@users.noreply.github.com>
 * See LICENSE for license terms and conditions
 *
 * Device-specific quirks
 */

package dfu

// Quirks is a bitmask of device-specific behavior overrides, looked up
// by vendor/product/bcdDevice from the static table below.
type Quirks int

const (
	// QuirkForceDFU11 overrides a reported bcdDFUVersion to 0x0110.
	QuirkForceDFU11 Quirks = 1 << iota
	// QuirkUTF8Serial treats the serial-number string descriptor as
	// raw UTF-8 instead of UTF-16LE.
	QuirkUTF8Serial
	// QuirkDfuseLayout routes the parsed memory layout through
	// applyDfuseLayoutFixup (walker.go), which leaves it unchanged.
	QuirkDfuseLayout
	// QuirkDfuseLeave tolerates a non-responding DfuSe leave request.
	QuirkDfuseLeave
)

// bcdAny matches any bcdDevice value.
const bcdAny = -1

// quirkRule is one row of the static quirks table: a device identity
// (vendor/product, optionally narrowed to a single bcdDevice) mapped
// to the quirk bits it needs.
type quirkRule struct {
	vendor, product uint16
	bcdDevice       int // bcdAny to match every revision
	quirks          Quirks
}

// quirkTable is the static (vendor, product, bcdDevice) -> quirk
// mapping. Entries are sourced from known bootloader misbehavior
// rather than discovered at runtime, so unlike ipp-usb's ini-driven
// QuirksSet this table has no loader: it's compiled in.
var quirkTable = []quirkRule{
	// STM32F405/7 DFU bootloader: MASS_ERASE reports a misleadingly
	// short poll timeout; the actual erase takes much longer. Handled
	// specially in dfuse.go (pollToIdle's isMassErase override), not
	// via a bit here, since it depends on the observed bwPollTimeout,
	// not just identity.

	// STM32 DFU bootloader family in DfuSe mode: flagged for the
	// post-parse layout fixup hook. That hook makes no changes, so
	// these devices use the layout exactly as parsed.
	{vendor: 0x0483, product: 0xDF11, bcdDevice: bcdAny, quirks: QuirkDfuseLayout},

	// LPC DFU bootloader (NXP/LPC1343 and relatives): always reports
	// bcdDFUVersion=0x0100 but some units ship protocol=1 instead of
	// 2; walker.go's mode-detection override handles that case
	// directly, this entry only forces the DFU 1.1 transfer
	// semantics the real silicon implements.
	{vendor: 0x1FC9, product: 0x000C, bcdDevice: bcdAny, quirks: QuirkForceDFU11},

	// Openmoko/Freerunner and a handful of early DFU devices report
	// their serial number as raw UTF-8 rather than UTF-16LE.
	{vendor: 0x1D50, product: 0x607F, bcdDevice: bcdAny, quirks: QuirkUTF8Serial},

	// Siemens/old Jabra headset bootloaders silently drop the final
	// DfuSe leave request's status response.
	{vendor: 0x0B0E, product: 0x0300, bcdDevice: bcdAny, quirks: QuirkDfuseLeave},
}

// lookupQuirks returns the quirk bits for a given device identity. If
// multiple rows match, their bits are combined.
func lookupQuirks(vendor, product, bcdDevice uint16) Quirks {
	var q Quirks
	for _, rule := range quirkTable {
		if rule.vendor != vendor || rule.product != product {
			continue
		}
		if rule.bcdDevice != bcdAny && uint16(rule.bcdDevice) != bcdDevice {
			continue
		}
		q |= rule.quirks
	}
	return q
}

// isSTM32H7ErasePageStuck reports whether vendor/product/serial match
// the STM32H7 ERASE_PAGE quirk from spec.md DESIGN NOTES: serial
// beginning with "200364500000" (the ambiguous sizeof/memcmp in the
// original is resolved here as a simple prefix match).
func isSTM32H7ErasePageStuck(vendor, product uint16, serial string) bool {
	const stm32H7SerialPrefix = "200364500000"
	return vendor == 0x0483 && product == 0xDF11 &&
		len(serial) >= len(stm32H7SerialPrefix) &&
		serial[:len(stm32H7SerialPrefix)] == stm32H7SerialPrefix
}
